package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/leadgrid/harvester/pkg/db/models"
)

// StatusReader reads a task's current status.
type StatusReader interface {
	GetStatus(ctx context.Context, taskID int64) (models.TaskStatus, error)
}

// WaitForTaskStatus polls until the task reaches one of the wanted
// statuses, backing off from base to max between reads. It returns the
// observed status, or the context error when the caller's deadline
// expires first. Callers use this instead of assuming a trigger's state
// change is immediately visible.
func WaitForTaskStatus(ctx context.Context, tasks StatusReader, taskID int64, base, max time.Duration, want ...models.TaskStatus) (models.TaskStatus, error) {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max < base {
		max = base
	}

	wait := base
	for {
		status, err := tasks.GetStatus(ctx, taskID)
		if err != nil {
			return "", fmt.Errorf("failed to poll task status: %w", err)
		}
		for _, w := range want {
			if status == w {
				return status, nil
			}
		}

		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-time.After(wait):
		}
		wait = min(wait*2, max)
	}
}
