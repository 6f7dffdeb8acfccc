package repository

import "errors"

// Sentinel kinds for event log errors.
var (
	ErrNotFound    = errors.New("match not found")
	ErrMatchExists = errors.New("match already registered")
	ErrConflict    = errors.New("expected seq is not the log tail")
	ErrPersistence = errors.New("event log unavailable")
	ErrEmptyBatch  = errors.New("append needs at least one event")
	ErrSequenceGap = errors.New("event sequence gap")
)

func isPersistence(err error) bool {
	return errors.Is(err, ErrPersistence)
}
