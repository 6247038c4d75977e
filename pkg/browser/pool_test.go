package browser

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	id     string
	closed bool
	mu     sync.Mutex
}

func (f *fakeSession) ID() string { return f.id }

func (f *fakeSession) Login(ctx context.Context) (Identity, error) {
	return Identity{Username: "tester", Platform: "tiktok"}, nil
}

func (f *fakeSession) Search(ctx context.Context, keyword string) ([]string, error) {
	return nil, nil
}

func (f *fakeSession) OpenPage(ctx context.Context, url string) (Page, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func newFakeFactory() SessionFactory {
	return func(ctx context.Context) (Session, error) {
		return &fakeSession{id: uuid.NewString()}, nil
	}
}

func TestPoolEnforcesCapacity(t *testing.T) {
	pool, err := NewPool(2, newFakeFactory(), nil)
	require.NoError(t, err)

	ctx := context.Background()

	s1, err := pool.Acquire(ctx)
	require.NoError(t, err)
	s2, err := pool.Acquire(ctx)
	require.NoError(t, err)

	_, err = pool.Acquire(ctx)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, 2, pool.Count())
	assert.False(t, pool.HasCapacity())

	pool.Release(s1)
	assert.True(t, pool.HasCapacity())

	s3, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, s2.ID(), s3.ID())
}

func TestPoolReleasesSlotOnFactoryFailure(t *testing.T) {
	boom := errors.New("browser refused to start")
	calls := 0
	factory := func(ctx context.Context) (Session, error) {
		calls++
		if calls == 1 {
			return nil, boom
		}
		return &fakeSession{id: uuid.NewString()}, nil
	}

	pool, err := NewPool(1, factory, nil)
	require.NoError(t, err)

	_, err = pool.Acquire(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, pool.Count())

	// The failed launch must not leak its reserved slot.
	_, err = pool.Acquire(context.Background())
	assert.NoError(t, err)
}

func TestPoolConcurrentAcquireNeverOvershoots(t *testing.T) {
	const capacity = 3
	pool, err := NewPool(capacity, newFakeFactory(), nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0
	rejected := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.Acquire(context.Background())
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrCapacityExceeded) {
				rejected++
				return
			}
			require.NoError(t, err)
			acquired++
		}()
	}
	wg.Wait()

	assert.Equal(t, capacity, acquired)
	assert.Equal(t, 20-capacity, rejected)
	assert.Equal(t, capacity, pool.Count())
}

func TestForceStopAll(t *testing.T) {
	pool, err := NewPool(4, newFakeFactory(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	sessions := make([]Session, 0, 3)
	for i := 0; i < 3; i++ {
		s, err := pool.Acquire(ctx)
		require.NoError(t, err)
		sessions = append(sessions, s)
	}

	stopped := pool.ForceStopAll()
	assert.Equal(t, 3, stopped)
	assert.Equal(t, 0, pool.Count())

	for _, s := range sessions {
		fs := s.(*fakeSession)
		fs.mu.Lock()
		assert.True(t, fs.closed)
		fs.mu.Unlock()
	}
}
