// Package scheduler drives the engines: a single cooperative tick loop that
// fans due work out to the job, timer, and batch engines, plus the lock
// sweeper that reaps locks whose holders have disappeared.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rezkam/conductor/internal/domain"
)

// JobRunner is the slice of the job engine the scheduler drives.
type JobRunner interface {
	AcquireJobs(ctx context.Context, max int) ([]*domain.Job, error)
	ExecuteJob(ctx context.Context, job *domain.Job) error
	CleanupFinished(ctx context.Context, retention time.Duration) (int64, error)
}

// TimerRunner is the slice of the timer engine the scheduler drives.
type TimerRunner interface {
	GetDueTimers(ctx context.Context) ([]*domain.Timer, error)
	ExecuteTimer(ctx context.Context, t *domain.Timer) error
	CleanupFinished(ctx context.Context, retention time.Duration) (int64, error)
}

// BatchRunner is the slice of the batch engine the scheduler drives.
type BatchRunner interface {
	ProcessTick(ctx context.Context) error
	CleanupFinished(ctx context.Context, retention time.Duration) (int64, error)
}

// SubscriptionJanitor is the slice of the subscription engine the scheduler
// drives. Subscriptions have no due work; only retention.
type SubscriptionJanitor interface {
	CleanupProcessed(ctx context.Context, retention time.Duration) (int64, error)
}

// Config configures the scheduler loop.
type Config struct {
	TickInterval time.Duration // default: 1s

	// CleanupInterval rate-limits the retention phase; it does not need to
	// run every second (default: 1h).
	CleanupInterval time.Duration

	JobRetention   time.Duration
	TimerRetention time.Duration
	BatchRetention time.Duration
	EventRetention time.Duration

	// JobBatch is the max jobs acquired per tick (default: 10).
	JobBatch int

	// BatchEnabled turns the batch phase off entirely.
	BatchEnabled bool

	// BatchInterval rate-limits the batch ready-scan; batches tolerate more
	// latency than timers and jobs (default: 5s).
	BatchInterval time.Duration

	// BatchAutoCleanup includes terminal batches in the retention phase.
	BatchAutoCleanup bool
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval:    time.Second,
		CleanupInterval: time.Hour,
		JobRetention:    7 * 24 * time.Hour,
		TimerRetention:  7 * 24 * time.Hour,
		BatchRetention:  30 * 24 * time.Hour,
		EventRetention:  7 * 24 * time.Hour,
		JobBatch:        10,

		BatchEnabled:     true,
		BatchInterval:    5 * time.Second,
		BatchAutoCleanup: true,
	}
}

// Scheduler wakes on every tick and issues, in order: timer due-scan, batch
// ready-scan, job acquisition, and (rate-limited) retention cleanup. Each
// phase is bounded; handler work runs in worker goroutines off the tick
// path. Overlapping ticks are skipped, which is harmless: the next tick
// re-selects any still-due records.
type Scheduler struct {
	jobs   JobRunner
	timers TimerRunner
	batch  BatchRunner
	subs   SubscriptionJanitor
	cfg    Config
	now    func() time.Time

	isProcessing atomic.Bool
	lastCleanup  time.Time
	lastBatchRun time.Time
	wg           sync.WaitGroup
}

// Option is a functional option for configuring the Scheduler.
type Option func(*Scheduler)

// WithClock overrides the scheduler's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// New creates a scheduler over the four engines.
func New(jobs JobRunner, timers TimerRunner, batch BatchRunner, subs SubscriptionJanitor, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:   jobs,
		timers: timers,
		batch:  batch,
		subs:   subs,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run drives the tick loop until the context is cancelled. On shutdown it
// waits for in-flight worker goroutines before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.InfoContext(ctx, "scheduler started", "tick_interval", s.cfg.TickInterval)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "shutdown requested, waiting for in-flight work...")
			s.wg.Wait()
			slog.InfoContext(ctx, "scheduler stopped gracefully")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick executes one scheduling cycle. Re-entrant-safe: an overlapping tick
// is skipped. Store errors inside a phase are logged and the tick moves on;
// the next tick retries.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.isProcessing.CompareAndSwap(false, true) {
		slog.DebugContext(ctx, "previous tick still running, skipping")
		return
	}
	defer s.isProcessing.Store(false)

	s.runTimerPhase(ctx)
	s.runBatchPhase(ctx)
	s.runJobPhase(ctx)
	s.runCleanupPhase(ctx)
}

func (s *Scheduler) runTimerPhase(ctx context.Context) {
	due, err := s.timers.GetDueTimers(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "timer due-scan failed", "error", err)
		return
	}
	for _, t := range due {
		s.wg.Add(1)
		go func(t *domain.Timer) {
			defer s.wg.Done()
			if err := s.timers.ExecuteTimer(ctx, t); err != nil {
				slog.ErrorContext(ctx, "timer execution failed",
					"timer_id", t.ID,
					"error", err)
			}
		}(t)
	}
}

func (s *Scheduler) runBatchPhase(ctx context.Context) {
	if !s.cfg.BatchEnabled {
		return
	}
	now := s.now()
	if !s.lastBatchRun.IsZero() && now.Sub(s.lastBatchRun) < s.cfg.BatchInterval {
		return
	}
	s.lastBatchRun = now

	if err := s.batch.ProcessTick(ctx); err != nil {
		slog.ErrorContext(ctx, "batch ready-scan failed", "error", err)
	}
}

func (s *Scheduler) runJobPhase(ctx context.Context) {
	jobs, err := s.jobs.AcquireJobs(ctx, s.cfg.JobBatch)
	if err != nil {
		slog.ErrorContext(ctx, "job acquisition failed", "error", err)
		// Claimed jobs before the error still need execution.
	}
	for _, j := range jobs {
		s.wg.Add(1)
		go func(j *domain.Job) {
			defer s.wg.Done()
			if err := s.jobs.ExecuteJob(ctx, j); err != nil {
				slog.ErrorContext(ctx, "job execution failed",
					"job_id", j.ID,
					"error", err)
			}
		}(j)
	}
}

func (s *Scheduler) runCleanupPhase(ctx context.Context) {
	now := s.now()
	if !s.lastCleanup.IsZero() && now.Sub(s.lastCleanup) < s.cfg.CleanupInterval {
		return
	}
	s.lastCleanup = now

	if _, err := s.jobs.CleanupFinished(ctx, s.cfg.JobRetention); err != nil {
		slog.ErrorContext(ctx, "job retention cleanup failed", "error", err)
	}
	if _, err := s.timers.CleanupFinished(ctx, s.cfg.TimerRetention); err != nil {
		slog.ErrorContext(ctx, "timer retention cleanup failed", "error", err)
	}
	if s.cfg.BatchAutoCleanup {
		if _, err := s.batch.CleanupFinished(ctx, s.cfg.BatchRetention); err != nil {
			slog.ErrorContext(ctx, "batch retention cleanup failed", "error", err)
		}
	}
	if _, err := s.subs.CleanupProcessed(ctx, s.cfg.EventRetention); err != nil {
		slog.ErrorContext(ctx, "subscription retention cleanup failed", "error", err)
	}
}
