package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryEnforcesCapacity(t *testing.T) {
	r := NewRegistry(2)

	_, done1, err := r.Add(context.Background(), 1)
	require.NoError(t, err)
	_, done2, err := r.Add(context.Background(), 2)
	require.NoError(t, err)

	_, _, err = r.Add(context.Background(), 3)
	assert.ErrorIs(t, err, ErrTooManyTasks)

	done1()
	_, done3, err := r.Add(context.Background(), 3)
	require.NoError(t, err)

	done2()
	done3()
	assert.Zero(t, r.Count())
}

func TestRegistryRejectsDuplicateTask(t *testing.T) {
	r := NewRegistry(5)

	_, done, err := r.Add(context.Background(), 1)
	require.NoError(t, err)
	defer done()

	_, _, err = r.Add(context.Background(), 1)
	assert.ErrorIs(t, err, ErrTaskAlreadyRunning)
}

func TestRegistryCancelAndWait(t *testing.T) {
	r := NewRegistry(1)

	runCtx, done, err := r.Add(context.Background(), 1)
	require.NoError(t, err)

	finished := make(chan struct{})
	go func() {
		<-runCtx.Done()
		done()
		close(finished)
	}()

	assert.True(t, r.CancelAndWait(1, time.Second))
	<-finished
	assert.False(t, r.Has(1))
}

func TestRegistryCancelAndWaitTimesOut(t *testing.T) {
	r := NewRegistry(1)

	_, done, err := r.Add(context.Background(), 1)
	require.NoError(t, err)
	defer done()

	// The run never calls done, so the bounded wait gives up.
	assert.False(t, r.CancelAndWait(1, 10*time.Millisecond))
}

func TestRegistryCancelAndWaitUnknownTask(t *testing.T) {
	r := NewRegistry(1)
	assert.True(t, r.CancelAndWait(42, time.Millisecond))
}
