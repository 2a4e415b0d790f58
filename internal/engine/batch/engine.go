// Package batch implements the batch engine: fan-out of N homogeneous work
// parts under a parent aggregate with derived progress counters.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rezkam/conductor/internal/domain"
	"github.com/rezkam/conductor/internal/engine"
	"github.com/rezkam/conductor/internal/ptr"
)

// Config configures the batch engine.
type Config struct {
	BatchSize       int           // parts fetched per batch per tick (default: 50)
	MaxConcurrent   int           // batches processed concurrently (default: 5)
	PartConcurrency int           // parts executed concurrently within a batch (default: 5)
	Timeout         time.Duration // per-batch processing deadline (default: 5min)

	DefaultPriority   int
	DefaultMaxRetries int
}

// DefaultConfig returns the default batch engine configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:         50,
		MaxConcurrent:     5,
		PartConcurrency:   5,
		Timeout:           5 * time.Minute,
		DefaultPriority:   50,
		DefaultMaxRetries: 3,
	}
}

// Engine coordinates batch lifecycle: creation with fan-out, bounded part
// execution, counter re-aggregation, cancellation, and failed-part retry.
type Engine struct {
	repo     Repository
	registry *engine.Registry
	bus      *engine.Bus
	cfg      Config
	now      func() time.Time

	// processingBatches tracks batches this process is already working on
	// so overlapping ticks do not double-process them. The per-part claim
	// in the store is the authoritative cross-process guard.
	mu         sync.Mutex
	processing map[string]struct{}
	wg         sync.WaitGroup
}

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates a batch engine with the given dependencies.
func New(repo Repository, registry *engine.Registry, bus *engine.Bus, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		repo:       repo,
		registry:   registry,
		bus:        bus,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		processing: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ItemSpec describes one part to fan out.
type ItemSpec struct {
	Type string
	Data []byte
}

// CreateParams are the caller-supplied fields for a new batch.
type CreateParams struct {
	Type  string
	Items []ItemSpec

	Priority   *int
	MaxRetries *int
	Config     []byte
	TenantID   *string
}

// CreateBatch inserts a pending batch and its initial parts.
func (e *Engine) CreateBatch(ctx context.Context, params CreateParams) (*domain.Batch, error) {
	if params.Type == "" {
		return nil, fmt.Errorf("%w: batch type is required", domain.ErrInvalidState)
	}

	now := e.now()
	b := &domain.Batch{
		ID:         uuid.NewString(),
		Type:       params.Type,
		Status:     domain.BatchPending,
		Total:      len(params.Items),
		Priority:   ptr.Deref(params.Priority, e.cfg.DefaultPriority),
		MaxRetries: ptr.Deref(params.MaxRetries, e.cfg.DefaultMaxRetries),
		Config:     params.Config,
		TenantID:   params.TenantID,
		CreatedAt:  now,
	}
	parts := e.buildParts(b.ID, params.Items, now)

	if err := e.repo.CreateBatch(ctx, b, parts); err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}
	return b, nil
}

// AddParts appends parts to a batch that has not started yet.
func (e *Engine) AddParts(ctx context.Context, batchID string, items []ItemSpec) error {
	if len(items) == 0 {
		return nil
	}
	return e.repo.AppendParts(ctx, batchID, e.buildParts(batchID, items, e.now()))
}

func (e *Engine) buildParts(batchID string, items []ItemSpec, now time.Time) []*domain.BatchPart {
	parts := make([]*domain.BatchPart, 0, len(items))
	for _, item := range items {
		parts = append(parts, &domain.BatchPart{
			ID:        uuid.NewString(),
			BatchID:   batchID,
			Type:      item.Type,
			Status:    domain.PartPending,
			Data:      item.Data,
			CreatedAt: now,
		})
	}
	return parts
}

// GetBatch returns the batch with current counters.
func (e *Engine) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	return e.repo.FindBatchByID(ctx, id)
}

// ProcessTick selects runnable batches by priority and hands each to a
// background processor, skipping batches this process is already working
// on. It returns promptly; part execution happens off the scheduler path.
func (e *Engine) ProcessTick(ctx context.Context) error {
	batches, err := e.repo.ListRunnableBatches(ctx, e.cfg.MaxConcurrent)
	if err != nil {
		return fmt.Errorf("failed to list runnable batches: %w", err)
	}

	for _, b := range batches {
		if !e.track(b.ID) {
			continue
		}
		e.wg.Add(1)
		go func(b *domain.Batch) {
			defer e.wg.Done()
			defer e.untrack(b.ID)

			procCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Timeout)
			defer cancel()
			if err := e.ProcessBatch(procCtx, b); err != nil {
				slog.ErrorContext(procCtx, "batch processing failed",
					"batch_id", b.ID,
					"error", err)
			}
		}(b)
	}
	return nil
}

// Wait blocks until all in-flight batch processors finish. Used on
// shutdown.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) track(batchID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.processing[batchID]; busy {
		return false
	}
	e.processing[batchID] = struct{}{}
	return true
}

func (e *Engine) untrack(batchID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.processing, batchID)
}

// ProcessBatch runs one processing pass over a batch: claim and execute up
// to batchSize pending parts concurrently, re-aggregate the counters, and
// finalize when every part has reached a terminal state.
func (e *Engine) ProcessBatch(ctx context.Context, b *domain.Batch) error {
	if b.Status == domain.BatchPending {
		if err := e.repo.MarkBatchRunning(ctx, b.ID, e.now()); err != nil {
			return fmt.Errorf("failed to mark batch running: %w", err)
		}
	}

	parts, err := e.repo.ListPendingParts(ctx, b.ID, e.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to list pending parts: %w", err)
	}

	if len(parts) == 0 {
		return e.maybeFinalize(ctx, b.ID)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.PartConcurrency)
	for _, part := range parts {
		g.Go(func() error {
			e.executePart(gctx, b, part)
			return nil
		})
	}
	_ = g.Wait() // part outcomes are recorded per part, never propagated

	if _, err := e.repo.RecomputeBatchCounters(ctx, b.ID); err != nil {
		return fmt.Errorf("failed to recompute batch counters: %w", err)
	}
	return e.maybeFinalize(ctx, b.ID)
}

// executePart claims one part, dispatches it to the registered executor,
// and records the outcome. Executor lookup tries the part's own type first
// and falls back to the batch type.
func (e *Engine) executePart(ctx context.Context, b *domain.Batch, part *domain.BatchPart) {
	now := e.now()
	ok, err := e.repo.TryClaimPart(ctx, part.ID, now)
	if err != nil {
		slog.ErrorContext(ctx, "failed to claim batch part",
			"batch_id", b.ID,
			"part_id", part.ID,
			"error", err)
		return
	}
	if !ok {
		return
	}

	executor, err := e.registry.PartExecutor(part.Type)
	if err != nil {
		executor, err = e.registry.PartExecutor(b.Type)
	}
	if err != nil {
		// No executor will ever match; the part fails terminally.
		slog.ErrorContext(ctx, "no executor for batch part",
			"batch_id", b.ID,
			"part_id", part.ID,
			"part_type", part.Type)
		e.recordPartFailure(ctx, b, part, err.Error(), false)
		return
	}

	result := e.executeWithRecovery(ctx, executor, part, b)
	now = e.now()

	if result.Success {
		if err := e.repo.CompletePart(ctx, part.ID, result.Result, now); err != nil {
			slog.ErrorContext(ctx, "failed to record part completion",
				"part_id", part.ID,
				"error", err)
		}
		return
	}

	retry := part.RetryCount < b.MaxRetries
	e.recordPartFailure(ctx, b, part, result.Error, retry)
}

func (e *Engine) executeWithRecovery(ctx context.Context, executor engine.PartExecutor, part *domain.BatchPart, b *domain.Batch) (result engine.PartResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "batch part executor panicked",
				"part_id", part.ID,
				"panic_value", r,
				"stack", string(debug.Stack()))
			result = engine.PartResult{Success: false, Error: fmt.Sprintf("panic: %v", r)}
		}
	}()
	return executor(ctx, part, b)
}

func (e *Engine) recordPartFailure(ctx context.Context, b *domain.Batch, part *domain.BatchPart, errMsg string, retry bool) {
	if err := e.repo.FailPart(ctx, part.ID, errMsg, retry, e.now()); err != nil {
		slog.ErrorContext(ctx, "failed to record part failure",
			"part_id", part.ID,
			"error", err)
		return
	}
	if retry {
		slog.InfoContext(ctx, "batch part scheduled for retry",
			"batch_id", b.ID,
			"part_id", part.ID,
			"retry_count", part.RetryCount+1)
	} else {
		slog.WarnContext(ctx, "batch part failed terminally",
			"batch_id", b.ID,
			"part_id", part.ID,
			"error", errMsg)
	}
}

// maybeFinalize closes the batch once no parts are pending or running:
// failed when any part failed, completed otherwise.
func (e *Engine) maybeFinalize(ctx context.Context, batchID string) error {
	b, err := e.repo.RecomputeBatchCounters(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to recompute batch counters: %w", err)
	}
	if b.Terminal() {
		return nil
	}
	if b.ProcessedTotal < b.Total {
		return nil
	}
	running, err := e.repo.CountRunningParts(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to count running parts: %w", err)
	}
	if running > 0 {
		return nil
	}

	now := e.now()
	status := domain.BatchCompleted
	var errMsg *string
	if b.FailTotal > 0 {
		status = domain.BatchFailed
		errMsg = ptr.To(fmt.Sprintf("%d of %d parts failed", b.FailTotal, b.Total))
	}
	if err := e.repo.FinalizeBatch(ctx, batchID, status, errMsg, now); err != nil {
		return fmt.Errorf("failed to finalize batch: %w", err)
	}

	e.bus.Publish(ctx, engine.Event{
		Name: engine.EventBatchCompleted,
		At:   now,
		Fields: map[string]any{
			"batch_id":        batchID,
			"batch_type":      b.Type,
			"status":          string(status),
			"processed_total": b.ProcessedTotal,
			"success_total":   b.SuccessTotal,
			"fail_total":      b.FailTotal,
		},
	})
	slog.InfoContext(ctx, "batch finished",
		"batch_id", batchID,
		"status", status,
		"success_total", b.SuccessTotal,
		"fail_total", b.FailTotal)
	return nil
}

// CancelBatch durably cancels a pending or running batch: pending parts
// become skipped, running parts finish naturally. Idempotent on an already
// cancelled batch; completed and failed batches reject the cancel with
// domain.ErrInvalidState.
func (e *Engine) CancelBatch(ctx context.Context, batchID string) (*domain.Batch, error) {
	b, err := e.repo.FindBatchByID(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.Status == domain.BatchCancelled {
		return b, nil
	}
	if b.Terminal() {
		return nil, fmt.Errorf("%w: cannot cancel %s batch", domain.ErrInvalidState, b.Status)
	}

	cancelled, err := e.repo.CancelBatch(ctx, batchID, e.now())
	if err != nil {
		return nil, fmt.Errorf("failed to cancel batch: %w", err)
	}
	slog.InfoContext(ctx, "batch cancelled", "batch_id", batchID)
	return cancelled, nil
}

// RetryFailedParts returns every terminally failed part to pending with a
// fresh retry budget and, if the batch itself had failed, reopens it. A
// batch with no failed parts is a no-op.
func (e *Engine) RetryFailedParts(ctx context.Context, batchID string) (int64, error) {
	if _, err := e.repo.FindBatchByID(ctx, batchID); err != nil {
		return 0, err
	}
	reset, err := e.repo.ResetFailedParts(ctx, batchID)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed parts: %w", err)
	}
	if reset > 0 {
		if _, err := e.repo.RecomputeBatchCounters(ctx, batchID); err != nil {
			return reset, fmt.Errorf("failed to recompute batch counters: %w", err)
		}
		slog.InfoContext(ctx, "failed batch parts reset", "batch_id", batchID, "count", reset)
	}
	return reset, nil
}

// ReleaseExpiredLocks returns running parts whose claim outlived the batch
// processing timeout to pending, so a part abandoned by a crashed worker
// cannot hold its batch open forever. Invoked by the lock sweeper.
func (e *Engine) ReleaseExpiredLocks(ctx context.Context) (int64, error) {
	released, err := e.repo.ReleaseStalledParts(ctx, e.now().Add(-e.cfg.Timeout))
	if err != nil {
		return 0, fmt.Errorf("failed to release stalled batch parts: %w", err)
	}
	if released > 0 {
		slog.InfoContext(ctx, "released stalled batch parts", "count", released)
	}
	return released, nil
}

// CleanupFinished deletes terminal batches older than the retention window.
func (e *Engine) CleanupFinished(ctx context.Context, retention time.Duration) (int64, error) {
	return e.repo.DeleteFinishedBatchesBefore(ctx, e.now().Add(-retention))
}
