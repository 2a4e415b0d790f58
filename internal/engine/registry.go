// Package engine holds the pieces shared by all four work engines: the
// executor registry, the in-process event bus, and retry classification.
package engine

import (
	"context"
	"sync"

	"github.com/rezkam/conductor/internal/domain"
)

// JobHandler executes a job's work. The returned bytes are opaque handler
// output; a non-nil error triggers the retry policy. Handlers must be
// idempotent: a lock lost mid-execution means a second worker re-runs them.
type JobHandler func(ctx context.Context, job *domain.Job) ([]byte, error)

// PartResult is the outcome of executing one batch part.
type PartResult struct {
	Success bool
	Result  []byte
	Error   string
}

// PartExecutor executes one batch part in the context of its parent batch.
type PartExecutor func(ctx context.Context, part *domain.BatchPart, batch *domain.Batch) PartResult

// TimerFiring is the reconstructed context a timer callback receives.
type TimerFiring struct {
	Timer             *domain.Timer
	Payload           []byte
	ProcessInstanceID *string
	ExecutionID       *string
	ActivityID        *string
}

// TimerCallback is invoked when a timer fires. Callbacks must tolerate one
// extra invocation after cancellation: a firing already claimed when the
// cancel lands completes naturally.
type TimerCallback func(ctx context.Context, firing TimerFiring) error

// EventHandler receives a triggered subscription and its payload. Dispatch
// is fire-and-forget: a handler failure does not un-process the
// subscription.
type EventHandler func(ctx context.Context, sub *domain.EventSubscription, payload []byte)

// Registry maps type strings to user-supplied executors for all four
// engines. It is built before the engines start accepting work and then
// sealed; after Seal it is read-only and safe for unlocked concurrent
// lookups from every worker.
type Registry struct {
	mu     sync.RWMutex
	sealed bool

	jobs   map[string]JobHandler
	parts  map[string]PartExecutor
	timers map[string]TimerCallback
	events map[string]EventHandler
}

// NewRegistry returns an empty, unsealed registry.
func NewRegistry() *Registry {
	return &Registry{
		jobs:   make(map[string]JobHandler),
		parts:  make(map[string]PartExecutor),
		timers: make(map[string]TimerCallback),
		events: make(map[string]EventHandler),
	}
}

// Seal marks the registry read-only. Registration after Seal fails with
// ErrRegistrySealed.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// RegisterJobHandler registers the handler executing jobs of the given type.
func (r *Registry) RegisterJobHandler(jobType string, h JobHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrRegistrySealed
	}
	r.jobs[jobType] = h
	return nil
}

// RegisterPartExecutor registers the executor for batch parts of the given
// type. The batch engine looks up the part's own type first and falls back
// to the batch type.
func (r *Registry) RegisterPartExecutor(partType string, ex PartExecutor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrRegistrySealed
	}
	r.parts[partType] = ex
	return nil
}

// RegisterTimerCallback registers the callback for timers with the given
// callback type.
func (r *Registry) RegisterTimerCallback(callbackType string, cb TimerCallback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrRegistrySealed
	}
	r.timers[callbackType] = cb
	return nil
}

// RegisterEventHandler registers the handler dispatched when subscriptions
// with the given configuration type are triggered.
func (r *Registry) RegisterEventHandler(configurationType string, h EventHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrRegistrySealed
	}
	r.events[configurationType] = h
	return nil
}

// JobHandler looks up the handler for a job type.
func (r *Registry) JobHandler(jobType string) (JobHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.jobs[jobType]
	if !ok {
		return nil, HandlerMissingError{Kind: "job", Type: jobType}
	}
	return h, nil
}

// PartExecutor looks up the executor for a part type.
func (r *Registry) PartExecutor(partType string) (PartExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.parts[partType]
	if !ok {
		return nil, HandlerMissingError{Kind: "batch", Type: partType}
	}
	return ex, nil
}

// TimerCallback looks up the callback for a timer callback type.
func (r *Registry) TimerCallback(callbackType string) (TimerCallback, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.timers[callbackType]
	if !ok {
		return nil, HandlerMissingError{Kind: "timer", Type: callbackType}
	}
	return cb, nil
}

// EventHandler looks up the handler for a subscription configuration type.
func (r *Registry) EventHandler(configurationType string) (EventHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.events[configurationType]
	if !ok {
		return nil, HandlerMissingError{Kind: "event", Type: configurationType}
	}
	return h, nil
}
