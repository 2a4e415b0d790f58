package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rezkam/conductor/internal/config"
	"github.com/rezkam/conductor/internal/engine"
	"github.com/rezkam/conductor/internal/engine/batch"
	"github.com/rezkam/conductor/internal/engine/job"
	"github.com/rezkam/conductor/internal/engine/scheduler"
	"github.com/rezkam/conductor/internal/engine/stats"
	"github.com/rezkam/conductor/internal/engine/subscription"
	"github.com/rezkam/conductor/internal/engine/timer"
	"github.com/rezkam/conductor/internal/infrastructure/persistence/postgres"
	"github.com/rezkam/conductor/pkg/observability"
)

const serviceName = "conductor-engine"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadEngineConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Root context for all normal operations, cancelled on SIGTERM/SIGINT.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	lp, logger, err := observability.InitLogger(ctx, serviceName, cfg.Observability.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown logger provider", "error", err)
		}
	}()
	slog.SetDefault(logger)

	tp, err := observability.InitTracerProvider(ctx, serviceName, cfg.Observability.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to init tracer provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown tracer provider", "error", err)
		}
	}()

	mp, err := observability.InitMeterProvider(ctx, serviceName, cfg.Observability.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to init meter provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown meter provider", "error", err)
		}
	}()

	workerID := cfg.WorkerID
	if workerID == "" {
		hostname, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
	}
	slog.InfoContext(ctx, "starting conductor engine", "worker_id", workerID)

	store, err := postgres.NewStoreWithConfig(ctx, postgres.DBConfig{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.Database.ConnMaxIdleTime) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("failed to close store", "error", err)
		}
	}()

	slog.InfoContext(ctx, "storage initialized", "dsn", maskPassword(cfg.Database.DSN))

	registry := engine.NewRegistry()
	bus := engine.NewBus()

	// Handlers and callbacks are registered here, before the registry is
	// sealed and the first tick runs.
	registerHandlers(registry)
	registry.Seal()

	jobs := job.New(store, registry, bus, jobConfig(cfg, workerID))
	timers := timer.New(store, registry, bus, timerConfig(cfg, workerID))
	batches := batch.New(store, registry, bus, batchConfig(cfg))
	subs := subscription.New(store, registry, bus, subscriptionConfig(cfg))

	sched := scheduler.New(jobs, timers, batches, subs, schedulerConfig(cfg))
	sweeper := scheduler.NewSweeper(sweeperConfig(cfg), jobs, timers, batches)
	aggregator := stats.New(store)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return logStats(gctx, aggregator) })

	if err := g.Wait(); err != nil && err != context.Canceled {
		return fmt.Errorf("engine stopped: %w", err)
	}

	// Let in-flight batch goroutines settle before the store closes.
	batches.Wait()

	slog.Info("conductor engine shut down gracefully")
	return nil
}

// registerHandlers is the single registration point for job handlers, timer
// callbacks, part executors, and event handlers. Deployments embed the
// engine and register their own work types here.
func registerHandlers(registry *engine.Registry) {
}

func jobConfig(cfg *config.EngineConfig, workerID string) job.Config {
	jc := job.DefaultConfig(workerID)
	if cfg.Job.LockTTL > 0 {
		jc.LockTTL = cfg.Job.LockTTL
	}
	if cfg.Job.HeartbeatInterval > 0 {
		jc.HeartbeatInterval = cfg.Job.HeartbeatInterval
	}
	if cfg.Job.AcquireMax > 0 {
		jc.AcquireMax = cfg.Job.AcquireMax
	}
	if cfg.Job.MaxRetries > 0 {
		jc.DefaultMaxRetries = cfg.Job.MaxRetries
	}
	if cfg.Job.RetryWait > 0 {
		jc.DefaultRetryWait = cfg.Job.RetryWait
	}
	if cfg.Job.Priority > 0 {
		jc.DefaultPriority = cfg.Job.Priority
	}
	if cfg.Job.Backoff != "" {
		jc.BackoffMode = job.BackoffMode(cfg.Job.Backoff)
	}
	return jc
}

func timerConfig(cfg *config.EngineConfig, workerID string) timer.Config {
	tc := timer.DefaultConfig(workerID)
	if cfg.Timer.LockTTL > 0 {
		tc.LockTTL = cfg.Timer.LockTTL
	}
	if cfg.Timer.DueBatchSize > 0 {
		tc.DueBatchSize = cfg.Timer.DueBatchSize
	}
	if cfg.Timer.MaxRetries > 0 {
		tc.DefaultMaxRetries = cfg.Timer.MaxRetries
	}
	return tc
}

func batchConfig(cfg *config.EngineConfig) batch.Config {
	bc := batch.DefaultConfig()
	if cfg.Batch.BatchSize > 0 {
		bc.BatchSize = cfg.Batch.BatchSize
	}
	if cfg.Batch.MaxConcurrent > 0 {
		bc.MaxConcurrent = cfg.Batch.MaxConcurrent
	}
	if cfg.Batch.PartConcurrency > 0 {
		bc.PartConcurrency = cfg.Batch.PartConcurrency
	}
	if cfg.Batch.Timeout > 0 {
		bc.Timeout = cfg.Batch.Timeout
	}
	if cfg.Batch.Priority > 0 {
		bc.DefaultPriority = cfg.Batch.Priority
	}
	if cfg.Batch.MaxRetries > 0 {
		bc.DefaultMaxRetries = cfg.Batch.MaxRetries
	}
	return bc
}

func subscriptionConfig(cfg *config.EngineConfig) subscription.Config {
	sc := subscription.DefaultConfig()
	if cfg.Event.TriggerBatchSize > 0 {
		sc.TriggerBatchSize = cfg.Event.TriggerBatchSize
	}
	return sc
}

func schedulerConfig(cfg *config.EngineConfig) scheduler.Config {
	sc := scheduler.DefaultConfig()
	if cfg.Scheduler.TickInterval > 0 {
		sc.TickInterval = cfg.Scheduler.TickInterval
	}
	if cfg.Scheduler.CleanupInterval > 0 {
		sc.CleanupInterval = cfg.Scheduler.CleanupInterval
	}
	if cfg.Job.Retention > 0 {
		sc.JobRetention = cfg.Job.Retention
	}
	if cfg.Timer.Retention > 0 {
		sc.TimerRetention = cfg.Timer.Retention
	}
	if cfg.Batch.Retention > 0 {
		sc.BatchRetention = cfg.Batch.Retention
	}
	if cfg.Event.Retention > 0 {
		sc.EventRetention = cfg.Event.Retention
	}
	if cfg.Job.AcquireMax > 0 {
		sc.JobBatch = cfg.Job.AcquireMax
	}
	sc.BatchEnabled = cfg.Batch.Enabled
	if cfg.Batch.ProcessInterval > 0 {
		sc.BatchInterval = cfg.Batch.ProcessInterval
	}
	sc.BatchAutoCleanup = cfg.Batch.AutoCleanup
	return sc
}

// logStats emits an hourly operational summary: failure counts per tenant
// and job run-duration percentiles.
func logStats(ctx context.Context, aggregator *stats.Aggregator) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			snap, err := aggregator.Collect(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "stats collection failed", "error", err)
				continue
			}
			slog.InfoContext(ctx, "engine statistics",
				"failed_by_tenant", snap.FailedByTenant(),
				"job_p50", snap.JobDurations.P50,
				"job_p99", snap.JobDurations.P99)
		}
	}
}

func sweeperConfig(cfg *config.EngineConfig) scheduler.SweeperConfig {
	sc := scheduler.DefaultSweeperConfig()
	if cfg.Scheduler.SweepInterval > 0 {
		sc.Interval = cfg.Scheduler.SweepInterval
	}
	return sc
}

// maskPassword redacts the password in a connection string for logging.
func maskPassword(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "invalid-dsn"
	}
	if _, has := u.User.Password(); has {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
