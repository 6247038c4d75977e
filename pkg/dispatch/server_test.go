package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadgrid/harvester/pkg/analysis"
	"github.com/leadgrid/harvester/pkg/db/models"
	"github.com/leadgrid/harvester/pkg/store"
)

func newTestConfig(t *testing.T) *Config {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &Config{
		ListenAddr:         ":0",
		WorkerIP:           "10.0.0.1",
		WorkerName:         "worker-1",
		MaxConcurrentTasks: 2,
		DeleteWait:         100 * time.Millisecond,
		ShutdownTimeout:    time.Second,
		Logger:             logger,
	}
}

// fakeTaskCtl implements TaskController over an in-memory task map.
type fakeTaskCtl struct {
	mu        sync.Mutex
	tasks     map[int64]*models.Task
	serverIPs map[int64][]string
	deleted   []int64
}

func newFakeTaskCtl(tasks ...*models.Task) *fakeTaskCtl {
	f := &fakeTaskCtl{
		tasks:     make(map[int64]*models.Task),
		serverIPs: make(map[int64][]string),
	}
	for _, t := range tasks {
		f.tasks[t.ID] = t
	}
	return f
}

func (f *fakeTaskCtl) CreateOrGetPendingTask(ctx context.Context, keyword string, maxVideos, maxCommentsPerVideo int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, t := range f.tasks {
		if t.Keyword == keyword && t.Status == models.TaskStatusPending {
			return id, nil
		}
	}
	id := int64(len(f.tasks) + 1)
	f.tasks[id] = &models.Task{ID: id, Keyword: keyword, Status: models.TaskStatusPending}
	return id, nil
}

func (f *fakeTaskCtl) ClaimNextPendingTask(ctx context.Context, workerIP string) (*store.ClaimedTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var oldest *models.Task
	for _, t := range f.tasks {
		if t.Status != models.TaskStatusPending {
			continue
		}
		if oldest == nil || t.ID < oldest.ID {
			oldest = t
		}
	}
	if oldest == nil {
		return nil, nil
	}
	oldest.Status = models.TaskStatusRunning
	f.serverIPs[oldest.ID] = append(f.serverIPs[oldest.ID], workerIP)
	return &store.ClaimedTask{ID: oldest.ID, Keyword: oldest.Keyword}, nil
}

func (f *fakeTaskCtl) GetTask(ctx context.Context, taskID int64) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTaskCtl) GetStatus(ctx context.Context, taskID int64) (models.TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return "", store.ErrTaskNotFound
	}
	return t.Status, nil
}

func (f *fakeTaskCtl) Transition(ctx context.Context, taskID int64, newStatus models.TaskStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return store.ErrTaskNotFound
	}
	if !store.TransitionAllowed(t.Status, newStatus) {
		return store.ErrInvalidTransition
	}
	t.Status = newStatus
	return nil
}

func (f *fakeTaskCtl) RecordServerIP(ctx context.Context, taskID int64, serverIP string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.serverIPs[taskID] = append(f.serverIPs[taskID], serverIP)
	return nil
}

func (f *fakeTaskCtl) Progress(ctx context.Context, taskID int64) (*models.TaskProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[taskID]; !ok {
		return nil, store.ErrTaskNotFound
	}
	return &models.TaskProgress{TotalVideos: 5, ProcessedVideos: 2, PendingVideos: 3}, nil
}

func (f *fakeTaskCtl) DeleteTask(ctx context.Context, taskID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[taskID]; !ok {
		return store.ErrTaskNotFound
	}
	delete(f.tasks, taskID)
	f.deleted = append(f.deleted, taskID)
	return nil
}

type fakeAccounts struct {
	accounts map[int64]*models.Account
}

func (f *fakeAccounts) GetAccount(ctx context.Context, accountID int64) (*models.Account, error) {
	a, ok := f.accounts[accountID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	return a, nil
}

type fakeWorkers struct {
	mu      sync.Mutex
	touches int
}

func (f *fakeWorkers) UpsertHeartbeat(ctx context.Context, workerIP, workerName string, status models.WorkerStatus) error {
	return nil
}

func (f *fakeWorkers) Touch(ctx context.Context, workerIP string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touches++
	return nil
}

func (f *fakeWorkers) ListActive(ctx context.Context, staleAfter time.Duration) ([]models.Worker, error) {
	return []models.Worker{{WorkerIP: "10.0.0.1", WorkerName: "worker-1"}}, nil
}

type fakeComments struct {
	comments []models.Comment
}

func (f *fakeComments) ListByKeyword(ctx context.Context, keyword string, limit int) ([]models.Comment, error) {
	var out []models.Comment
	for _, c := range f.comments {
		if c.Keyword != keyword {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeComments) CountByKeyword(ctx context.Context, keyword string) (int64, error) {
	var n int64
	for _, c := range f.comments {
		if c.Keyword == keyword {
			n++
		}
	}
	return n, nil
}

type fakeAnalyzer struct {
	mu       sync.Mutex
	keywords []string
	summary  *analysis.Summary
	err      error
}

func (f *fakeAnalyzer) Run(ctx context.Context, keyword string, limit int) (*analysis.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keywords = append(f.keywords, keyword)
	if f.err != nil {
		return nil, f.err
	}
	return f.summary, nil
}

type fakeGate struct {
	mu       sync.Mutex
	capacity bool
	stopped  int
}

func (f *fakeGate) HasCapacity() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.capacity
}

func (f *fakeGate) Count() int { return 0 }

func (f *fakeGate) ForceStopAll() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return 3
}

// fakeRunner can either finish immediately or block until released.
type fakeRunner struct {
	mu      sync.Mutex
	started []int64
	block   chan struct{}
	err     error
}

func (f *fakeRunner) Run(ctx context.Context, taskID int64) error {
	f.mu.Lock()
	f.started = append(f.started, taskID)
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func (f *fakeRunner) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

type serverFixture struct {
	server   *Server
	tasks    *fakeTaskCtl
	comments *fakeComments
	workers  *fakeWorkers
	gate     *fakeGate
	runner   *fakeRunner
	analyzer *fakeAnalyzer
}

func newServerFixture(t *testing.T, tasks *fakeTaskCtl) *serverFixture {
	t.Helper()
	f := &serverFixture{
		tasks:    tasks,
		comments: &fakeComments{},
		workers:  &fakeWorkers{},
		gate:     &fakeGate{capacity: true},
		runner:   &fakeRunner{},
		analyzer: &fakeAnalyzer{summary: &analysis.Summary{}},
	}
	accounts := &fakeAccounts{accounts: map[int64]*models.Account{
		7: {ID: 7, Username: "scout", Status: models.AccountStatusActive},
	}}

	server, err := NewServer(tasks, accounts, f.comments, f.workers, f.gate, f.runner, f.analyzer, newTestConfig(t))
	require.NoError(t, err)
	f.server = server
	return f
}

func postJSON(t *testing.T, handler http.Handler, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestTriggerTaskStartsRun(t *testing.T) {
	fx := newServerFixture(t, newFakeTaskCtl(
		&models.Task{ID: 1, Keyword: "cats", Status: models.TaskStatusPending},
	))
	router := fx.server.Router()

	rec := postJSON(t, router, "/trigger_task", taskRequest{TaskID: 1})
	require.Equal(t, http.StatusOK, rec.Code)

	waitFor(t, func() bool { return fx.runner.startedCount() == 1 })

	status, err := fx.tasks.GetStatus(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, status)
	assert.Equal(t, []string{"10.0.0.1"}, fx.tasks.serverIPs[1])
}

func TestTriggerTaskRequiresTaskID(t *testing.T) {
	fx := newServerFixture(t, newFakeTaskCtl())
	rec := postJSON(t, fx.server.Router(), "/trigger_task", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerTaskUnknownTask(t *testing.T) {
	fx := newServerFixture(t, newFakeTaskCtl())
	rec := postJSON(t, fx.server.Router(), "/trigger_task", taskRequest{TaskID: 99})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerTaskNoSessionCapacity(t *testing.T) {
	fx := newServerFixture(t, newFakeTaskCtl(
		&models.Task{ID: 1, Keyword: "cats", Status: models.TaskStatusPending},
	))
	fx.gate.capacity = false

	rec := postJSON(t, fx.server.Router(), "/trigger_task", taskRequest{TaskID: 1})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Zero(t, fx.runner.startedCount())
}

func TestTriggerTaskCompletedTaskRejected(t *testing.T) {
	fx := newServerFixture(t, newFakeTaskCtl(
		&models.Task{ID: 1, Keyword: "cats", Status: models.TaskStatusCompleted},
	))
	rec := postJSON(t, fx.server.Router(), "/trigger_task", taskRequest{TaskID: 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerTaskRetryWhileRunning(t *testing.T) {
	fx := newServerFixture(t, newFakeTaskCtl(
		&models.Task{ID: 1, Keyword: "cats", Status: models.TaskStatusPending},
	))
	fx.runner.block = make(chan struct{})
	defer close(fx.runner.block)
	router := fx.server.Router()

	rec := postJSON(t, router, "/trigger_task", taskRequest{TaskID: 1})
	require.Equal(t, http.StatusOK, rec.Code)
	waitFor(t, func() bool { return fx.runner.startedCount() == 1 })

	// A retried trigger while the run is in flight is acknowledged, not
	// duplicated.
	rec = postJSON(t, router, "/trigger_task", taskRequest{TaskID: 1})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "already running")
	assert.Equal(t, 1, fx.runner.startedCount())
}

func TestClaimNextTaskPullsOldestPending(t *testing.T) {
	fx := newServerFixture(t, newFakeTaskCtl(
		&models.Task{ID: 1, Keyword: "cats", Status: models.TaskStatusPending},
		&models.Task{ID: 2, Keyword: "dogs", Status: models.TaskStatusPending},
	))
	router := fx.server.Router()

	rec := postJSON(t, router, "/claim_next_task", map[string]string{})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"task_id":1`)
	waitFor(t, func() bool { return fx.runner.startedCount() == 1 })

	status, err := fx.tasks.GetStatus(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, status)
}

func TestClaimNextTaskEmptyBacklog(t *testing.T) {
	fx := newServerFixture(t, newFakeTaskCtl())
	rec := postJSON(t, fx.server.Router(), "/claim_next_task", map[string]string{})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "no pending tasks")
	assert.Zero(t, fx.runner.startedCount())
}

func TestResumeTaskOnlyFromPaused(t *testing.T) {
	fx := newServerFixture(t, newFakeTaskCtl(
		&models.Task{ID: 1, Keyword: "cats", Status: models.TaskStatusPending},
		&models.Task{ID: 2, Keyword: "dogs", Status: models.TaskStatusPaused},
	))
	router := fx.server.Router()

	rec := postJSON(t, router, "/resume_task", taskRequest{TaskID: 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, router, "/resume_task", taskRequest{TaskID: 2})
	assert.Equal(t, http.StatusOK, rec.Code)
	waitFor(t, func() bool { return fx.runner.startedCount() == 1 })
}

func TestDeleteTaskCancelsLocalRun(t *testing.T) {
	fx := newServerFixture(t, newFakeTaskCtl(
		&models.Task{ID: 1, Keyword: "cats", Status: models.TaskStatusPending},
	))
	fx.runner.block = make(chan struct{}) // only ctx cancellation releases it
	router := fx.server.Router()

	rec := postJSON(t, router, "/trigger_task", taskRequest{TaskID: 1})
	require.Equal(t, http.StatusOK, rec.Code)
	waitFor(t, func() bool { return fx.runner.startedCount() == 1 })

	rec = postJSON(t, router, "/delete_task", taskRequest{TaskID: 1})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{1}, fx.tasks.deleted)
	waitFor(t, func() bool { return fx.server.registry.Count() == 0 })
}

func TestDeleteTaskUnknown(t *testing.T) {
	fx := newServerFixture(t, newFakeTaskCtl())
	rec := postJSON(t, fx.server.Router(), "/delete_task", taskRequest{TaskID: 5})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateTaskIdempotent(t *testing.T) {
	fx := newServerFixture(t, newFakeTaskCtl())
	router := fx.server.Router()

	rec := postJSON(t, router, "/create_task", createTaskRequest{Keyword: "cats", MaxVideos: 10})
	require.Equal(t, http.StatusOK, rec.Code)
	var first struct {
		TaskID int64 `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))

	rec = postJSON(t, router, "/create_task", createTaskRequest{Keyword: "cats", MaxVideos: 10})
	require.Equal(t, http.StatusOK, rec.Code)
	var second struct {
		TaskID int64 `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))

	assert.Equal(t, first.TaskID, second.TaskID)
}

func TestCheckAccountStatus(t *testing.T) {
	fx := newServerFixture(t, newFakeTaskCtl())
	router := fx.server.Router()

	rec := postJSON(t, router, "/check_account_status", accountRequest{AccountID: 7})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "scout")

	rec = postJSON(t, router, "/check_account_status", accountRequest{AccountID: 8})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	fx.gate.capacity = false
	rec = postJSON(t, router, "/check_account_status", accountRequest{AccountID: 7})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestForceStopAll(t *testing.T) {
	fx := newServerFixture(t, newFakeTaskCtl())
	rec := postJSON(t, fx.server.Router(), "/force_stop_all", map[string]string{})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, fx.gate.stopped)
	assert.Contains(t, rec.Body.String(), "stopped_sessions")
}

func TestForceStopAllKeepsTaskStatus(t *testing.T) {
	fx := newServerFixture(t, newFakeTaskCtl(
		&models.Task{ID: 1, Keyword: "cats", Status: models.TaskStatusPending},
	))
	fx.runner.block = make(chan struct{}) // only ctx cancellation releases it
	router := fx.server.Router()

	rec := postJSON(t, router, "/trigger_task", taskRequest{TaskID: 1})
	require.Equal(t, http.StatusOK, rec.Code)
	waitFor(t, func() bool { return fx.runner.startedCount() == 1 })

	rec = postJSON(t, router, "/force_stop_all", map[string]string{})
	require.Equal(t, http.StatusOK, rec.Code)
	waitFor(t, func() bool { return fx.server.registry.Count() == 0 })

	// Sessions are torn down but the task keeps its committed status so
	// another worker (or this one, via affinity) can resume it.
	status, err := fx.tasks.GetStatus(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, status)
}

func TestRunFailureMarksTaskFailed(t *testing.T) {
	fx := newServerFixture(t, newFakeTaskCtl(
		&models.Task{ID: 1, Keyword: "cats", Status: models.TaskStatusPending},
	))
	fx.runner.err = errors.New("search blew up")
	router := fx.server.Router()

	rec := postJSON(t, router, "/trigger_task", taskRequest{TaskID: 1})
	require.Equal(t, http.StatusOK, rec.Code)

	waitFor(t, func() bool {
		status, err := fx.tasks.GetStatus(context.Background(), 1)
		return err == nil && status == models.TaskStatusFailed
	})
}

func TestTaskStatusAndProgressEndpoints(t *testing.T) {
	fx := newServerFixture(t, newFakeTaskCtl(
		&models.Task{ID: 3, Keyword: "cats", Status: models.TaskStatusRunning},
	))
	router := fx.server.Router()

	req := httptest.NewRequest(http.MethodGet, "/tasks/3/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), string(models.TaskStatusRunning))

	req = httptest.NewRequest(http.MethodGet, "/tasks/3/progress", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "processed_videos")

	// Every request doubles as a heartbeat.
	assert.GreaterOrEqual(t, fx.workers.touches, 2)
}

func TestAnalyzeKeyword(t *testing.T) {
	fx := newServerFixture(t, newFakeTaskCtl())
	fx.analyzer.summary = &analysis.Summary{Fetched: 10, Filtered: 8, Analyzed: 8, Leads: 2, Drafted: 2}
	router := fx.server.Router()

	rec := postJSON(t, router, "/analyze_keyword", analyzeRequest{Keyword: "cats", Limit: 100})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Keyword string `json:"keyword"`
		Leads   int    `json:"leads"`
		Drafted int    `json:"drafted"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "cats", resp.Keyword)
	assert.Equal(t, 2, resp.Leads)
	assert.Equal(t, 2, resp.Drafted)
	assert.Equal(t, []string{"cats"}, fx.analyzer.keywords)

	rec = postJSON(t, router, "/analyze_keyword", analyzeRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalyzeKeywordWithoutAnalyzer(t *testing.T) {
	fx := newServerFixture(t, newFakeTaskCtl())
	server, err := NewServer(fx.tasks, &fakeAccounts{}, fx.comments, fx.workers, fx.gate, fx.runner, nil, newTestConfig(t))
	require.NoError(t, err)

	rec := postJSON(t, server.Router(), "/analyze_keyword", analyzeRequest{Keyword: "cats"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListCommentsByKeyword(t *testing.T) {
	fx := newServerFixture(t, newFakeTaskCtl())
	fx.comments.comments = []models.Comment{
		{UserID: "u1", Keyword: "cats", ReplyContent: "need a groomer"},
		{UserID: "u2", Keyword: "cats", ReplyContent: "looking to buy"},
		{UserID: "u3", Keyword: "dogs", ReplyContent: "off topic"},
	}
	router := fx.server.Router()

	req := httptest.NewRequest(http.MethodGet, "/comments?keyword=cats&limit=1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Total    int64            `json:"total"`
		Comments []models.Comment `json:"comments"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(2), resp.Total)
	require.Len(t, resp.Comments, 1)
	assert.Equal(t, "u1", resp.Comments[0].UserID)

	req = httptest.NewRequest(http.MethodGet, "/comments", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/comments?keyword=cats&limit=nope", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWaitForTaskStatusPolls(t *testing.T) {
	tasks := newFakeTaskCtl(&models.Task{ID: 1, Keyword: "cats", Status: models.TaskStatusRunning})

	go func() {
		time.Sleep(20 * time.Millisecond)
		tasks.mu.Lock()
		tasks.tasks[1].Status = models.TaskStatusCompleted
		tasks.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	status, err := WaitForTaskStatus(ctx, tasks, 1, time.Millisecond, 10*time.Millisecond,
		models.TaskStatusCompleted, models.TaskStatusFailed)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, status)
}
