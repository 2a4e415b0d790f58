// Package subscription implements the event subscription engine: durable
// registrations that convert named incoming messages and signals into
// targeted wakeups, fired at most once each.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/rezkam/conductor/internal/domain"
	"github.com/rezkam/conductor/internal/engine"
)

// Config configures the subscription engine.
type Config struct {
	// TriggerBatchSize bounds how many matching subscriptions one trigger
	// call marks and dispatches (default: 100).
	TriggerBatchSize int
}

// DefaultConfig returns the default subscription engine configuration.
func DefaultConfig() Config {
	return Config{TriggerBatchSize: 100}
}

// Engine coordinates subscription lifecycle: registration, trigger with
// at-most-once marking, fire-and-forget dispatch, and retention cleanup.
type Engine struct {
	repo     Repository
	registry *engine.Registry
	bus      *engine.Bus
	cfg      Config
	now      func() time.Time
}

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates a subscription engine with the given dependencies.
func New(repo Repository, registry *engine.Registry, bus *engine.Bus, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		repo:     repo,
		registry: registry,
		bus:      bus,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateParams are the caller-supplied fields for a new subscription.
type CreateParams struct {
	EventType domain.EventType
	EventName string

	ConfigurationType string
	Configuration     []byte
	Priority          int

	ProcessInstanceID *string
	ExecutionID       *string
	ActivityID        *string
	TenantID          *string
	CallbackID        *string
}

// CreateSubscription persists a new unprocessed subscription and emits
// subscription.created.
func (e *Engine) CreateSubscription(ctx context.Context, params CreateParams) (*domain.EventSubscription, error) {
	if params.EventName == "" {
		return nil, fmt.Errorf("%w: event name is required", domain.ErrInvalidState)
	}

	now := e.now()
	sub := &domain.EventSubscription{
		ID:                uuid.NewString(),
		EventType:         params.EventType,
		EventName:         params.EventName,
		ConfigurationType: params.ConfigurationType,
		Configuration:     params.Configuration,
		Priority:          params.Priority,
		ProcessInstanceID: params.ProcessInstanceID,
		ExecutionID:       params.ExecutionID,
		ActivityID:        params.ActivityID,
		TenantID:          params.TenantID,
		CallbackID:        params.CallbackID,
		CreatedAt:         now,
	}

	if err := e.repo.InsertSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to insert subscription: %w", err)
	}

	e.bus.Publish(ctx, engine.Event{
		Name: engine.EventSubscriptionCreated,
		At:   now,
		Fields: map[string]any{
			"subscription_id": sub.ID,
			"event_type":      string(sub.EventType),
			"event_name":      sub.EventName,
		},
	})
	return sub, nil
}

// TriggerResult reports one trigger call's outcome.
type TriggerResult struct {
	// Count is the number of subscriptions this caller won and dispatched.
	Count int
	// Subscriptions are the won rows, in selection order.
	Subscriptions []*domain.EventSubscription
}

// TriggerMessage fires unprocessed message subscriptions matching the name,
// optionally correlated to one process instance. Each subscription is won
// through the conditional mark; rows lost to a concurrent trigger are
// skipped, which makes the firing at-most-once per subscription.
func (e *Engine) TriggerMessage(ctx context.Context, name string, payload []byte, processInstanceID *string) (*TriggerResult, error) {
	return e.trigger(ctx, Filter{
		EventType:         domain.EventMessage,
		EventName:         name,
		ProcessInstanceID: processInstanceID,
	}, payload)
}

// TriggerSignal broadcasts to unprocessed signal subscriptions matching the
// name. With a tenant given, subscriptions of that tenant and tenant-less
// subscriptions match.
func (e *Engine) TriggerSignal(ctx context.Context, name string, payload []byte, tenantID *string) (*TriggerResult, error) {
	return e.trigger(ctx, Filter{
		EventType: domain.EventSignal,
		EventName: name,
		TenantID:  tenantID,
	}, payload)
}

func (e *Engine) trigger(ctx context.Context, f Filter, payload []byte) (*TriggerResult, error) {
	candidates, err := e.repo.ListUnprocessed(ctx, f, e.cfg.TriggerBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	result := &TriggerResult{}
	for _, sub := range candidates {
		now := e.now()
		won, err := e.repo.TryMarkProcessed(ctx, sub.ID, now)
		if err != nil {
			return result, fmt.Errorf("failed to mark subscription %s: %w", sub.ID, err)
		}
		if !won {
			continue
		}
		sub.IsProcessed = true
		sub.ProcessedAt = &now
		result.Count++
		result.Subscriptions = append(result.Subscriptions, sub)

		e.dispatch(ctx, sub, payload)
		e.bus.Publish(ctx, engine.Event{
			Name: engine.EventSubscriptionTriggered,
			At:   now,
			Fields: map[string]any{
				"subscription_id": sub.ID,
				"event_type":      string(sub.EventType),
				"event_name":      sub.EventName,
			},
		})
	}
	return result, nil
}

// dispatch hands the payload to the handler registered for the
// subscription's configuration type. Fire-and-forget: a missing handler
// warns and a failing handler never un-processes the subscription.
func (e *Engine) dispatch(ctx context.Context, sub *domain.EventSubscription, payload []byte) {
	handler, err := e.registry.EventHandler(sub.ConfigurationType)
	if err != nil {
		slog.WarnContext(ctx, "no handler for triggered subscription",
			"subscription_id", sub.ID,
			"configuration_type", sub.ConfigurationType)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "subscription handler panicked",
				"subscription_id", sub.ID,
				"panic_value", r,
				"stack", string(debug.Stack()))
		}
	}()
	handler(ctx, sub, payload)
}

// DeleteSubscriptionsByProcessInstance bulk-deletes a process instance's
// subscriptions, typically on instance completion or cancellation.
func (e *Engine) DeleteSubscriptionsByProcessInstance(ctx context.Context, processInstanceID string) (int64, error) {
	return e.repo.DeleteByProcessInstance(ctx, processInstanceID)
}

// DeleteSubscriptionsByExecution bulk-deletes an execution's subscriptions.
func (e *Engine) DeleteSubscriptionsByExecution(ctx context.Context, executionID string) (int64, error) {
	return e.repo.DeleteByExecution(ctx, executionID)
}

// CleanupProcessed deletes processed subscriptions older than the retention
// window.
func (e *Engine) CleanupProcessed(ctx context.Context, retention time.Duration) (int64, error) {
	return e.repo.DeleteProcessedBefore(ctx, e.now().Add(-retention))
}
