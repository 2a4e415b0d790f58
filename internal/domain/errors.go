package domain

import "errors"

// Domain errors returned by engine operations and repository implementations.

var (
	// ErrNotFound indicates a lookup by ID of a nonexistent record.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidID indicates the provided ID format is invalid.
	ErrInvalidID = errors.New("invalid ID format")

	// ErrInvalidState indicates an operation disallowed by the record's
	// state machine, e.g. appending parts to a running batch or cancelling
	// a completed one.
	ErrInvalidState = errors.New("operation not allowed in current state")

	// ErrJobOwnershipLost indicates a worker's lock on a record expired or
	// was taken over before the worker finished with it.
	ErrJobOwnershipLost = errors.New("job ownership lost")

	// ErrDeadLetterNotFound indicates the dead letter entry does not exist
	// or was already resolved.
	ErrDeadLetterNotFound = errors.New("dead letter entry not found")
)
