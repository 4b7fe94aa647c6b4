package domain

import "errors"

var (
	// ErrValidation covers bad caller input: empty account lists, malformed
	// recurrence parameters, inverted hour ranges.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound covers unknown config, slot, task and pipeline ids.
	ErrNotFound = errors.New("not found")
	// ErrExecution wraps a produce or publish stage failure and carries the
	// external service's error text.
	ErrExecution = errors.New("execution failed")
	// ErrScheduling means no next run time is computable, e.g. a monthly
	// config whose configured days exist in neither this month nor the next.
	ErrScheduling = errors.New("no runnable time")
)
