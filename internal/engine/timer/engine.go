// Package timer implements the timer engine: due-date-driven firings,
// single-shot and repeating, resilient across process restarts.
package timer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/rezkam/conductor/internal/domain"
	"github.com/rezkam/conductor/internal/engine"
	"github.com/rezkam/conductor/internal/ptr"
	"github.com/rezkam/conductor/internal/schedule"
)

// Config configures the timer engine.
type Config struct {
	WorkerID string

	LockTTL      time.Duration // firing claim timeout (default: 1min)
	DueBatchSize int           // max due timers fetched per tick (default: 50)

	DefaultMaxRetries int
}

// DefaultConfig returns the default timer engine configuration.
func DefaultConfig(workerID string) Config {
	return Config{
		WorkerID:          workerID,
		LockTTL:           time.Minute,
		DueBatchSize:      50,
		DefaultMaxRetries: 3,
	}
}

// Engine coordinates timer lifecycle: expression parsing, due-date
// calculation, claimed execution, repeat advancement, and retry on callback
// failure.
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

// New creates a timer engine with the given dependencies.
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

// CreateParams are the caller-supplied fields for a new timer.
type CreateParams struct {
	TimerType  domain.TimerType
	Expression string

	// Repeat forces a single-shot duration timer to re-arm with the same
	// duration after each fire. Cycle timers always repeat.
	Repeat        bool
	MaxExecutions *int
	EndTime       *time.Time
	MaxRetries    *int

	CallbackType   string
	CallbackConfig []byte
	Payload        []byte

	ProcessInstanceID *string
	ExecutionID       *string
	ActivityID        *string
	TenantID          *string
}

// CreateTimer parses the expression, computes the initial due date, and
// persists the timer. A due date at or before now makes the timer
// immediately eligible for the next due-scan.
func (e *Engine) CreateTimer(ctx context.Context, params CreateParams) (*domain.Timer, error) {
	expr, err := schedule.Parse(params.TimerType, params.Expression)
	if err != nil {
		return nil, err
	}
	if params.CallbackType == "" {
		return nil, fmt.Errorf("%w: callback type is required", domain.ErrInvalidState)
	}

	now := e.now()
	t := &domain.Timer{
		ID:                uuid.NewString(),
		TimerType:         params.TimerType,
		Expression:        params.Expression,
		DueDate:           expr.FirstDue(now),
		Repeat:            params.Repeat || expr.Repeats(),
		MaxExecutions:     params.MaxExecutions,
		EndTime:           params.EndTime,
		Status:            domain.TimerPending,
		MaxRetries:        ptr.Deref(params.MaxRetries, e.cfg.DefaultMaxRetries),
		CallbackType:      params.CallbackType,
		CallbackConfig:    params.CallbackConfig,
		Payload:           params.Payload,
		ProcessInstanceID: params.ProcessInstanceID,
		ExecutionID:       params.ExecutionID,
		ActivityID:        params.ActivityID,
		TenantID:          params.TenantID,
		CreatedAt:         now,
	}
	if iv, ok := expr.Interval(); ok {
		t.RepeatInterval = &iv
	}
	// An "Rn/<duration>" cycle bounds its own execution count.
	if n, bounded := expr.Repetitions(); bounded && t.MaxExecutions == nil {
		t.MaxExecutions = &n
	}
	// A first due date already past the end time leaves nothing to fire.
	// The timer is stored terminal so the due-scan never picks it up.
	if t.EndTime != nil && t.DueDate.After(*t.EndTime) {
		t.Status = domain.TimerExecuted
		t.ExecutedAt = &now
	}

	if err := e.repo.InsertTimer(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to insert timer: %w", err)
	}
	return t, nil
}

// GetDueTimers returns pending timers whose due date has passed, oldest
// first, bounded by the configured batch size.
func (e *Engine) GetDueTimers(ctx context.Context) ([]*domain.Timer, error) {
	return e.repo.ListDueTimers(ctx, e.cfg.DueBatchSize, e.now())
}

// ExecuteTimer claims the timer, invokes its callback with the reconstructed
// firing context, and on success advances or terminates it. A lost claim is
// not an error: another worker (or a cancel) won the row.
func (e *Engine) ExecuteTimer(ctx context.Context, t *domain.Timer) error {
	now := e.now()
	ok, err := e.repo.TryClaimTimer(ctx, t.ID, e.cfg.WorkerID, e.cfg.LockTTL, now)
	if err != nil {
		return fmt.Errorf("failed to claim timer %s: %w", t.ID, err)
	}
	if !ok {
		return nil
	}

	callback, err := e.registry.TimerCallback(t.CallbackType)
	if err != nil {
		// The row stays pending; once a callback is registered the next
		// due-scan after lock expiry will fire it.
		slog.WarnContext(ctx, "no callback for timer type, skipping firing",
			"timer_id", t.ID,
			"callback_type", t.CallbackType)
		return nil
	}

	firing := engine.TimerFiring{
		Timer:             t,
		Payload:           t.Payload,
		ProcessInstanceID: t.ProcessInstanceID,
		ExecutionID:       t.ExecutionID,
		ActivityID:        t.ActivityID,
	}

	if cbErr := e.invokeWithRecovery(ctx, callback, firing); cbErr != nil {
		return e.handleCallbackFailure(ctx, t, cbErr)
	}

	now = e.now()
	e.bus.Publish(ctx, engine.Event{
		Name: engine.EventTimerFired,
		At:   now,
		Fields: map[string]any{
			"timer_id":        t.ID,
			"callback_type":   t.CallbackType,
			"execution_count": t.ExecutionCount + 1,
		},
	})
	return e.advanceOrTerminate(ctx, t, now)
}

// invokeWithRecovery runs the callback and converts a panic into an error so
// it flows through the normal retry path.
func (e *Engine) invokeWithRecovery(ctx context.Context, callback engine.TimerCallback, firing engine.TimerFiring) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = engine.PanicError{Value: r, StackTrace: string(debug.Stack())}
		}
	}()
	return callback(ctx, firing)
}

// advanceOrTerminate applies the repeat advancement rule after a successful
// firing: terminate when the execution bound is reached or the next
// occurrence falls past endTime, otherwise re-arm at the next due date.
func (e *Engine) advanceOrTerminate(ctx context.Context, t *domain.Timer, now time.Time) error {
	fired := t.ExecutionCount + 1

	terminate := !t.Repeat
	var nextDue time.Time
	if !terminate {
		if t.MaxExecutions != nil && fired >= *t.MaxExecutions {
			terminate = true
		} else {
			expr, err := schedule.Parse(t.TimerType, t.Expression)
			if err != nil {
				// The stored expression parsed at creation; a failure here
				// means the row was corrupted.
				slog.ErrorContext(ctx, "stored timer expression no longer parses",
					"timer_id", t.ID,
					"expression", t.Expression,
					"error", err)
				return e.failTimer(ctx, t, now)
			}
			if t.TimerType == domain.TimerDuration {
				// Re-armed duration timers measure from the firing.
				nextDue = expr.FirstDue(now)
			} else {
				nextDue = expr.NextAfter(t.DueDate)
			}
			if t.EndTime != nil && nextDue.After(*t.EndTime) {
				terminate = true
			}
		}
	}

	if terminate {
		if err := e.repo.MarkTimerExecuted(ctx, t.ID, e.cfg.WorkerID, now); err != nil {
			return e.ignoreLostOwnership(ctx, t.ID, "termination", err)
		}
		return nil
	}

	if err := e.repo.AdvanceTimer(ctx, t.ID, e.cfg.WorkerID, nextDue, now); err != nil {
		return e.ignoreLostOwnership(ctx, t.ID, "advancement", err)
	}
	slog.InfoContext(ctx, "timer advanced",
		"timer_id", t.ID,
		"next_due", nextDue,
		"execution_count", fired)
	return nil
}

// handleCallbackFailure retries the firing with exponential delay or marks
// the timer failed once the budget is spent.
func (e *Engine) handleCallbackFailure(ctx context.Context, t *domain.Timer, cbErr error) error {
	now := e.now()
	if t.RetryCount >= t.MaxRetries {
		slog.ErrorContext(ctx, "timer callback exhausted retries",
			"timer_id", t.ID,
			"retry_count", t.RetryCount,
			"error", cbErr.Error())
		return e.failTimer(ctx, t, now)
	}

	t.RetryCount++
	retryAt := now.Add(time.Duration(1<<t.RetryCount) * time.Second)
	if err := e.repo.ScheduleTimerRetry(ctx, t.ID, e.cfg.WorkerID, retryAt); err != nil {
		return e.ignoreLostOwnership(ctx, t.ID, "retry scheduling", err)
	}

	slog.WarnContext(ctx, "timer callback failed, retry scheduled",
		"timer_id", t.ID,
		"retry_count", t.RetryCount,
		"retry_at", retryAt,
		"error", cbErr.Error())
	return nil
}

func (e *Engine) failTimer(ctx context.Context, t *domain.Timer, now time.Time) error {
	if err := e.repo.MarkTimerFailed(ctx, t.ID, e.cfg.WorkerID, now); err != nil {
		return e.ignoreLostOwnership(ctx, t.ID, "failure marking", err)
	}
	return nil
}

func (e *Engine) ignoreLostOwnership(ctx context.Context, timerID, during string, err error) error {
	if errors.Is(err, domain.ErrJobOwnershipLost) {
		slog.WarnContext(ctx, "timer ownership lost",
			"timer_id", timerID,
			"during", during)
		return nil
	}
	return fmt.Errorf("timer %s during %s: %w", timerID, during, err)
}

// CancelTimer cancels a pending timer. Idempotent: cancelling an already
// cancelled or finished timer is a no-op. A firing already claimed when the
// cancel lands completes naturally.
func (e *Engine) CancelTimer(ctx context.Context, id string) error {
	cancelled, err := e.repo.CancelTimer(ctx, id)
	if err != nil {
		return err
	}
	if cancelled {
		slog.InfoContext(ctx, "timer cancelled", "timer_id", id)
	}
	return nil
}

// CancelTimersByProcessInstance cancels every pending timer of a process
// instance.
func (e *Engine) CancelTimersByProcessInstance(ctx context.Context, processInstanceID string) (int64, error) {
	return e.repo.CancelTimersByProcessInstance(ctx, processInstanceID)
}

// CancelTimersByExecution cancels every pending timer of an execution.
func (e *Engine) CancelTimersByExecution(ctx context.Context, executionID string) (int64, error) {
	return e.repo.CancelTimersByExecution(ctx, executionID)
}

// ReleaseExpiredLocks clears expired firing claims. Invoked by the lock
// sweeper.
func (e *Engine) ReleaseExpiredLocks(ctx context.Context) (int64, error) {
	released, err := e.repo.ReleaseExpiredTimerLocks(ctx, e.now())
	if err != nil {
		return 0, fmt.Errorf("failed to release expired timer locks: %w", err)
	}
	if released > 0 {
		slog.InfoContext(ctx, "released expired timer locks", "count", released)
	}
	return released, nil
}

// CleanupFinished deletes executed and cancelled timers older than the
// retention window.
func (e *Engine) CleanupFinished(ctx context.Context, retention time.Duration) (int64, error) {
	return e.repo.DeleteFinishedTimersBefore(ctx, e.now().Add(-retention))
}
