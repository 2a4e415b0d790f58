package engine

import (
	"errors"
	"fmt"
)

// === Retry classification ===

// RetryableError wraps transient errors that should be retried. Handler
// errors are transient by default; Permanent, HandlerMissing, and panics
// skip the retry budget.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string { return e.Err.Error() }
func (e RetryableError) Unwrap() error { return e.Err }

// Transient wraps an error to signal it should be retried.
// Use for: network timeouts, DB connection lost, temporary locks.
func Transient(err error) error {
	return RetryableError{Err: err}
}

// IsRetryable returns true if the error should be retried.
func IsRetryable(err error) bool {
	if IsPermanent(err) {
		return false
	}
	var retryable RetryableError
	return errors.As(err, &retryable)
}

// PermanentError wraps errors that must never be retried. A job failing with
// a permanent error skips the remaining retry budget and dead-letters
// immediately.
type PermanentError struct {
	Err error
}

func (e PermanentError) Error() string { return e.Err.Error() }
func (e PermanentError) Unwrap() error { return e.Err }

// Permanent wraps an error to signal the work item can never succeed.
// Use for: malformed payloads, business rules that reject the input.
func Permanent(err error) error {
	return PermanentError{Err: err}
}

// IsPermanent returns true if the error must not be retried.
func IsPermanent(err error) bool {
	var permanent PermanentError
	return errors.As(err, &permanent)
}

// === Panic handling ===

// PanicError indicates a panic occurred inside a handler. Work items that
// panic skip the retry budget: panics indicate programming errors, not
// transient conditions.
type PanicError struct {
	Value      any
	StackTrace string
}

func (e PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// IsPanic returns true if the error indicates a handler panic.
func IsPanic(err error) bool {
	var panicErr PanicError
	return errors.As(err, &panicErr)
}

// === Missing handlers ===

// HandlerMissingError indicates no executor is registered for a work item's
// type. Fatal at item level: jobs dead-letter immediately, batch parts fail,
// timers and event dispatches warn and no-op.
type HandlerMissingError struct {
	Kind string // "job", "batch", "timer", "event"
	Type string
}

func (e HandlerMissingError) Error() string {
	return fmt.Sprintf("no %s handler registered for type %q", e.Kind, e.Type)
}

// IsHandlerMissing returns true if the error indicates a registry miss.
func IsHandlerMissing(err error) bool {
	var missing HandlerMissingError
	return errors.As(err, &missing)
}

// ErrRegistrySealed is returned when registering a handler after Seal.
var ErrRegistrySealed = errors.New("executor registry is sealed")
