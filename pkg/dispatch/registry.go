package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTaskAlreadyRunning is returned when a trigger races an existing
// local run of the same task.
var ErrTaskAlreadyRunning = errors.New("task already running on this worker")

// ErrTooManyTasks is returned when accepting another task would exceed
// the per-process concurrent-task cap.
var ErrTooManyTasks = errors.New("concurrent task limit reached on this worker")

// runningTask is the process-local handle for one accepted trigger.
type runningTask struct {
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
}

// Registry is the process-local bookkeeping of collection runs owned by
// this worker: task id to cancellation handle, guarded by a single
// mutex. It is not a substitute for the store-based cross-process
// coordination; it only lets this process cancel and count its own
// runs.
type Registry struct {
	mu       sync.Mutex
	tasks    map[int64]*runningTask
	capacity int
}

// NewRegistry creates a Registry with the given concurrent-task cap.
func NewRegistry(capacity int) *Registry {
	if capacity < 1 {
		capacity = 1
	}
	return &Registry{
		tasks:    make(map[int64]*runningTask),
		capacity: capacity,
	}
}

// Add registers a run for taskID and returns a context for it. The
// returned done function must be called when the run finishes.
func (r *Registry) Add(ctx context.Context, taskID int64) (runCtx context.Context, done func(), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[taskID]; exists {
		return nil, nil, ErrTaskAlreadyRunning
	}
	if len(r.tasks) >= r.capacity {
		return nil, nil, ErrTooManyTasks
	}

	runCtx, cancel := context.WithCancel(ctx)
	rt := &runningTask{
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	r.tasks[taskID] = rt

	var once sync.Once
	done = func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.tasks, taskID)
			r.mu.Unlock()
			cancel()
			close(rt.done)
		})
	}
	return runCtx, done, nil
}

// HasCapacity reports whether another run can be accepted right now.
func (r *Registry) HasCapacity() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks) < r.capacity
}

// Has reports whether taskID is running locally.
func (r *Registry) Has(taskID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[taskID]
	return ok
}

// Count returns the number of locally running tasks.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// CancelAndWait signals cancellation to a local run and waits for it to
// finish, bounded by timeout. Returns true when the run finished (or
// none existed) within the bound.
func (r *Registry) CancelAndWait(taskID int64, timeout time.Duration) bool {
	r.mu.Lock()
	rt, ok := r.tasks[taskID]
	r.mu.Unlock()
	if !ok {
		return true
	}

	rt.cancel()
	select {
	case <-rt.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// CancelAll signals cancellation to every local run without waiting.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rt := range r.tasks {
		rt.cancel()
	}
}
