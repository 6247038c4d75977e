package store

import "errors"

var (
	// ErrTaskNotFound is returned when the referenced task row does not exist.
	ErrTaskNotFound = errors.New("task not found")
	// ErrVideoNotFound is returned when the referenced video row does not exist.
	ErrVideoNotFound = errors.New("video not found")
	// ErrAccountNotFound is returned when the referenced account row does not exist.
	ErrAccountNotFound = errors.New("account not found")
	// ErrInvalidTransition is returned when a task status change violates
	// the lifecycle table (terminal states are never left, paused is only
	// reachable from running).
	ErrInvalidTransition = errors.New("invalid task status transition")
	// ErrInvalidStatus is returned for a status string outside the known set.
	ErrInvalidStatus = errors.New("invalid task status")
)
