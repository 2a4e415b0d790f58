// Package job implements the job engine: fire-and-forget continuations with
// bounded retry and a dead-letter sink.
package job

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
)

// BackoffMode selects how retry delays grow.
type BackoffMode string

const (
	// BackoffExponential delays retries by retryWait * 2^retryCount.
	BackoffExponential BackoffMode = "exponential"
	// BackoffFixed delays every retry by retryWait.
	BackoffFixed BackoffMode = "fixed"
)

// Config configures the job engine.
type Config struct {
	WorkerID string

	LockTTL           time.Duration // job reclaim timeout (default: 5min)
	HeartbeatInterval time.Duration // lock extension frequency (default: 1min, must be < LockTTL)
	AcquireMax        int           // max jobs claimed per acquisition pass (default: 10)

	DefaultMaxRetries int
	DefaultRetryWait  time.Duration
	DefaultPriority   int
	BackoffMode       BackoffMode
}

// DefaultConfig returns the default job engine configuration.
func DefaultConfig(workerID string) Config {
	return Config{
		WorkerID:          workerID,
		LockTTL:           5 * time.Minute,
		HeartbeatInterval: time.Minute,
		AcquireMax:        10,
		DefaultMaxRetries: 3,
		DefaultRetryWait:  5 * time.Second,
		DefaultPriority:   50,
		BackoffMode:       BackoffExponential,
	}
}

// Engine coordinates job lifecycle: creation, claiming, execution with panic
// recovery, retry with backoff, and dead-lettering.
type Engine struct {
	repo     Repository
	registry *engine.Registry
	bus      *engine.Bus
	cfg      Config
	now      func() time.Time
}

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source. Used by tests to step a
// simulated clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates a job engine with the given dependencies.
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

// CreateParams are the caller-supplied fields for a new job. Nil optional
// fields take the engine defaults.
type CreateParams struct {
	Type          string
	Payload       []byte
	HandlerType   string
	HandlerConfig []byte

	Priority   *int
	MaxRetries *int
	RetryWait  *time.Duration
	DueDate    *time.Time

	ProcessInstanceID *string
	ExecutionID       *string
	TenantID          *string
}

// CreateJob inserts a new pending job and emits job.created.
func (e *Engine) CreateJob(ctx context.Context, params CreateParams) (*domain.Job, error) {
	if params.Type == "" {
		return nil, fmt.Errorf("%w: job type is required", domain.ErrInvalidState)
	}

	now := e.now()
	job := &domain.Job{
		ID:                uuid.NewString(),
		Type:              params.Type,
		Status:            domain.JobPending,
		Priority:          ptr.Deref(params.Priority, e.cfg.DefaultPriority),
		MaxRetries:        ptr.Deref(params.MaxRetries, e.cfg.DefaultMaxRetries),
		RetryWait:         ptr.Deref(params.RetryWait, e.cfg.DefaultRetryWait),
		DueDate:           params.DueDate,
		Payload:           params.Payload,
		HandlerType:       params.HandlerType,
		HandlerConfig:     params.HandlerConfig,
		ProcessInstanceID: params.ProcessInstanceID,
		ExecutionID:       params.ExecutionID,
		TenantID:          params.TenantID,
		CreatedAt:         now,
	}
	if job.HandlerType == "" {
		job.HandlerType = job.Type
	}

	if err := e.repo.InsertJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}

	e.bus.Publish(ctx, engine.Event{
		Name: engine.EventJobCreated,
		At:   now,
		Fields: map[string]any{
			"job_id":   job.ID,
			"job_type": job.Type,
		},
	})
	return job, nil
}

// AcquireJobs selects eligible pending jobs by priority and claims each one
// through the conditional-update arbiter. Only successfully claimed jobs are
// returned; rows lost to concurrent workers are silently skipped.
func (e *Engine) AcquireJobs(ctx context.Context, max int) ([]*domain.Job, error) {
	if max <= 0 {
		max = e.cfg.AcquireMax
	}
	now := e.now()

	// Over-fetch candidates: some will be lost to concurrent claimants.
	candidates, err := e.repo.ListPendingJobs(ctx, max*2, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}

	claimed := make([]*domain.Job, 0, max)
	for _, job := range candidates {
		if len(claimed) == max {
			break
		}
		ok, err := e.repo.TryClaimJob(ctx, job.ID, e.cfg.WorkerID, e.cfg.LockTTL, now)
		if err != nil {
			return claimed, fmt.Errorf("failed to claim job %s: %w", job.ID, err)
		}
		if !ok {
			continue
		}

		job.Status = domain.JobRunning
		job.LockOwner = ptr.To(e.cfg.WorkerID)
		job.LockExpiresAt = ptr.To(now.Add(e.cfg.LockTTL))
		job.StartedAt = ptr.To(now)
		claimed = append(claimed, job)

		e.bus.Publish(ctx, engine.Event{
			Name: engine.EventJobStarted,
			At:   now,
			Fields: map[string]any{
				"job_id":    job.ID,
				"job_type":  job.Type,
				"worker_id": e.cfg.WorkerID,
			},
		})
	}
	return claimed, nil
}

// ExecuteJob runs a claimed job through its registered handler with
// heartbeat and panic recovery, then routes the outcome: complete, retry
// with backoff, or dead-letter.
// Returns nil when the outcome was recorded (even a failure outcome); only
// infrastructure errors propagate.
func (e *Engine) ExecuteJob(ctx context.Context, job *domain.Job) error {
	handler, err := e.registry.JobHandler(job.Type)
	if err != nil {
		// No handler will ever exist for this row; retrying is pointless.
		slog.ErrorContext(ctx, "no handler for job type, dead-lettering",
			"job_id", job.ID,
			"job_type", job.Type)
		return e.moveToDeadLetter(ctx, job, domain.DeadLetterHandlerMissing, err.Error(), nil)
	}

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go e.runHeartbeat(heartbeatCtx, job.ID)

	execErr := e.executeWithRecovery(ctx, handler, job)
	cancelHeartbeat()

	if execErr != nil {
		return e.handleJobError(ctx, job, execErr)
	}

	now := e.now()
	if err := e.repo.CompleteJob(ctx, job.ID, e.cfg.WorkerID, now); err != nil {
		if errors.Is(err, domain.ErrJobOwnershipLost) {
			slog.WarnContext(ctx, "job ownership lost before completion, another worker will re-execute",
				"job_id", job.ID)
			return nil
		}
		return fmt.Errorf("failed to complete job: %w", err)
	}

	e.bus.Publish(ctx, engine.Event{
		Name: engine.EventJobCompleted,
		At:   now,
		Fields: map[string]any{
			"job_id":   job.ID,
			"job_type": job.Type,
		},
	})
	slog.InfoContext(ctx, "job completed", "job_id", job.ID, "job_type", job.Type)
	return nil
}

// runHeartbeat periodically extends the job lock to prevent reclamation
// while the handler is still working.
func (e *Engine) runHeartbeat(ctx context.Context, jobID string) {
	if e.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.repo.ExtendJobLock(ctx, jobID, e.cfg.WorkerID, e.cfg.LockTTL, e.now()); err != nil {
				slog.WarnContext(ctx, "job heartbeat failed", "job_id", jobID, "error", err)
			}
		}
	}
}

// executeWithRecovery invokes the handler and converts a panic into a
// PanicError carrying the stack trace.
func (e *Engine) executeWithRecovery(ctx context.Context, handler engine.JobHandler, job *domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = engine.PanicError{Value: r, StackTrace: string(debug.Stack())}
		}
	}()
	_, err = handler(ctx, job)
	return err
}

// handleJobError routes a handler failure: panics and permanent errors
// dead-letter immediately, everything else goes through the retry policy.
func (e *Engine) handleJobError(ctx context.Context, job *domain.Job, execErr error) error {
	var panicErr engine.PanicError
	if errors.As(execErr, &panicErr) {
		slog.ErrorContext(ctx, "job panicked",
			"job_id", job.ID,
			"panic_value", panicErr.Value)
		return e.moveToDeadLetter(ctx, job, domain.DeadLetterPanic, panicErr.Error(), ptr.To(panicErr.StackTrace))
	}

	if engine.IsPermanent(execErr) {
		slog.ErrorContext(ctx, "job failed permanently",
			"job_id", job.ID,
			"error", execErr.Error())
		return e.moveToDeadLetter(ctx, job, domain.DeadLetterPermanent, execErr.Error(), nil)
	}

	e.bus.Publish(ctx, engine.Event{
		Name: engine.EventJobFailed,
		At:   e.now(),
		Fields: map[string]any{
			"job_id":   job.ID,
			"job_type": job.Type,
			"error":    execErr.Error(),
		},
	})
	return e.RetryJob(ctx, job, execErr)
}

// RetryJob returns a failed job to pending with a backoff delay, or
// dead-letters it when the retry budget is exhausted.
func (e *Engine) RetryJob(ctx context.Context, job *domain.Job, cause error) error {
	if job.RetryCount >= job.MaxRetries {
		slog.WarnContext(ctx, "job exhausted retries",
			"job_id", job.ID,
			"retry_count", job.RetryCount,
			"error", cause.Error())
		return e.moveToDeadLetter(ctx, job, domain.DeadLetterExhausted, cause.Error(), nil)
	}

	now := e.now()
	job.RetryCount++
	nextRetryAt := now.Add(e.backoffDelay(job))

	if err := e.repo.ScheduleJobRetry(ctx, job.ID, e.cfg.WorkerID, cause.Error(), nextRetryAt); err != nil {
		if errors.Is(err, domain.ErrJobOwnershipLost) {
			slog.WarnContext(ctx, "job ownership lost during retry scheduling",
				"job_id", job.ID)
			return nil
		}
		return fmt.Errorf("failed to schedule retry: %w", err)
	}

	e.bus.Publish(ctx, engine.Event{
		Name: engine.EventJobRetry,
		At:   now,
		Fields: map[string]any{
			"job_id":        job.ID,
			"job_type":      job.Type,
			"retry_count":   job.RetryCount,
			"next_retry_at": nextRetryAt,
		},
	})
	slog.InfoContext(ctx, "job scheduled for retry",
		"job_id", job.ID,
		"retry_count", job.RetryCount,
		"next_retry_at", nextRetryAt)
	return nil
}

// backoffDelay computes the wait before the next attempt. The retry count
// has already been incremented when this is called.
func (e *Engine) backoffDelay(job *domain.Job) time.Duration {
	if e.cfg.BackoffMode == BackoffFixed {
		return job.RetryWait
	}
	return job.RetryWait * (1 << job.RetryCount)
}

// moveToDeadLetter mirrors the job into the dead-letter queue and deletes
// the original row atomically, then emits job.dead_letter.
func (e *Engine) moveToDeadLetter(ctx context.Context, job *domain.Job, errType domain.DeadLetterErrorType, errMsg string, stackTrace *string) error {
	now := e.now()
	entry := &domain.DeadLetterJob{
		ID:                uuid.NewString(),
		OriginalJobID:     job.ID,
		Type:              job.Type,
		Priority:          job.Priority,
		Payload:           job.Payload,
		HandlerType:       job.HandlerType,
		HandlerConfig:     job.HandlerConfig,
		ProcessInstanceID: job.ProcessInstanceID,
		ExecutionID:       job.ExecutionID,
		TenantID:          job.TenantID,
		ErrorType:         errType,
		ErrorMessage:      errMsg,
		StackTrace:        stackTrace,
		TotalRetries:      job.RetryCount,
		LastWorkerID:      ptr.To(e.cfg.WorkerID),
		FailedAt:          now,
		OriginalCreatedAt: job.CreatedAt,
	}

	if err := e.repo.MoveJobToDeadLetter(ctx, job.ID, e.cfg.WorkerID, entry); err != nil {
		if errors.Is(err, domain.ErrJobOwnershipLost) {
			slog.WarnContext(ctx, "job ownership lost during dead-letter move, another worker may have reclaimed",
				"job_id", job.ID)
			return nil
		}
		return fmt.Errorf("failed to move job to dead letter: %w", err)
	}

	e.bus.Publish(ctx, engine.Event{
		Name: engine.EventJobDeadLetter,
		At:   now,
		Fields: map[string]any{
			"job_id":     job.ID,
			"job_type":   job.Type,
			"error_type": string(errType),
			"error":      errMsg,
		},
	})
	return nil
}

// ListDeadLetterJobs returns unresolved dead-letter entries for review.
func (e *Engine) ListDeadLetterJobs(ctx context.Context, limit int) ([]*domain.DeadLetterJob, error) {
	return e.repo.ListDeadLetterJobs(ctx, limit)
}

// RetryDeadLetterJob re-inserts a fresh pending job from a dead-letter entry
// and marks the entry resolved. Returns the new job's ID.
func (e *Engine) RetryDeadLetterJob(ctx context.Context, deadLetterID, reviewedBy string) (string, error) {
	entry, err := e.repo.GetDeadLetterJob(ctx, deadLetterID)
	if err != nil {
		return "", err
	}

	now := e.now()
	newJob := &domain.Job{
		ID:                uuid.NewString(),
		Type:              entry.Type,
		Status:            domain.JobPending,
		Priority:          entry.Priority,
		MaxRetries:        e.cfg.DefaultMaxRetries,
		RetryWait:         e.cfg.DefaultRetryWait,
		Payload:           entry.Payload,
		HandlerType:       entry.HandlerType,
		HandlerConfig:     entry.HandlerConfig,
		ProcessInstanceID: entry.ProcessInstanceID,
		ExecutionID:       entry.ExecutionID,
		TenantID:          entry.TenantID,
		CreatedAt:         now,
	}

	if err := e.repo.ResolveDeadLetter(ctx, deadLetterID, domain.ResolutionRetried, reviewedBy, newJob, now); err != nil {
		return "", err
	}

	e.bus.Publish(ctx, engine.Event{
		Name: engine.EventJobCreated,
		At:   now,
		Fields: map[string]any{
			"job_id":         newJob.ID,
			"job_type":       newJob.Type,
			"dead_letter_id": deadLetterID,
		},
	})
	slog.InfoContext(ctx, "dead letter job retried",
		"dead_letter_id", deadLetterID,
		"new_job_id", newJob.ID)
	return newJob.ID, nil
}

// DiscardDeadLetterJob marks a dead-letter entry permanently discarded.
func (e *Engine) DiscardDeadLetterJob(ctx context.Context, deadLetterID, reviewedBy string) error {
	return e.repo.ResolveDeadLetter(ctx, deadLetterID, domain.ResolutionDiscarded, reviewedBy, nil, e.now())
}

// ReleaseExpiredLocks reverses running jobs whose lock expired back to
// pending. Invoked by the lock sweeper.
func (e *Engine) ReleaseExpiredLocks(ctx context.Context) (int64, error) {
	released, err := e.repo.ReleaseExpiredJobLocks(ctx, e.now())
	if err != nil {
		return 0, fmt.Errorf("failed to release expired job locks: %w", err)
	}
	if released > 0 {
		slog.InfoContext(ctx, "released expired job locks", "count", released)
	}
	return released, nil
}

// CleanupFinished deletes completed jobs older than the retention window.
func (e *Engine) CleanupFinished(ctx context.Context, retention time.Duration) (int64, error) {
	return e.repo.DeleteFinishedJobsBefore(ctx, e.now().Add(-retention))
}
