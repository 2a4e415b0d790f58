package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Lifecycle event names emitted by the engines. Emission is synchronous
// with the causal persistence change.
const (
	EventJobCreated    = "job.created"
	EventJobStarted    = "job.started"
	EventJobCompleted  = "job.completed"
	EventJobFailed     = "job.failed"
	EventJobRetry      = "job.retry"
	EventJobDeadLetter = "job.dead_letter"

	EventTimerFired = "timer.fired"

	EventBatchCompleted = "batch.completed"

	EventSubscriptionCreated   = "subscription.created"
	EventSubscriptionTriggered = "subscription.triggered"
)

// Event is a lifecycle notification from an engine to the outer system.
type Event struct {
	Name   string
	At     time.Time
	Fields map[string]any
}

// BusHandler receives published events. Handlers run on the publisher's
// goroutine; slow handlers slow the emitting engine.
type BusHandler func(ctx context.Context, ev Event)

// Bus is the in-process event bus the engines publish lifecycle events on.
// Delivery is fire-and-forget: a panicking subscriber is isolated and never
// thrown back into the emitter.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]BusHandler
	all  []BusHandler
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]BusHandler)}
}

// Subscribe registers a handler for one event name.
func (b *Bus) Subscribe(name string, h BusHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[name] = append(b.subs[name], h)
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(h BusHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers the event to all matching subscribers synchronously.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := make([]BusHandler, 0, len(b.subs[ev.Name])+len(b.all))
	handlers = append(handlers, b.subs[ev.Name]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(ctx, h, ev)
	}
}

func (b *Bus) deliver(ctx context.Context, h BusHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.WarnContext(ctx, "event subscriber panicked",
				"event", ev.Name,
				"panic_value", r)
		}
	}()
	h(ctx, ev)
}
