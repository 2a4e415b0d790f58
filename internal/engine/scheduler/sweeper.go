package scheduler

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// LockReleaser releases expired claims on one engine's records.
type LockReleaser interface {
	ReleaseExpiredLocks(ctx context.Context) (int64, error)
}

// SweeperConfig configures the lock sweeper.
type SweeperConfig struct {
	// Interval between sweeps (default: 1min).
	Interval time.Duration

	// MaxStartupJitter is the maximum random delay before the first sweep.
	// Prevents thundering herd when multiple workers restart together
	// (default: 10s).
	MaxStartupJitter time.Duration
}

// DefaultSweeperConfig returns the default sweeper configuration.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:         time.Minute,
		MaxStartupJitter: 10 * time.Second,
	}
}

// Sweeper is the crash-recovery mechanism: once per interval it reverses
// every claim whose lock expired, making the records re-eligible with their
// retry counts unchanged. Reaped work is re-executed by whichever worker
// claims it next, so handlers must be idempotent.
type Sweeper struct {
	releasers []LockReleaser
	cfg       SweeperConfig
}

// NewSweeper creates a sweeper over the given engines.
func NewSweeper(cfg SweeperConfig, releasers ...LockReleaser) *Sweeper {
	return &Sweeper{releasers: releasers, cfg: cfg}
}

// Run sweeps on the configured interval, after a jittered startup delay,
// until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.cfg.MaxStartupJitter > 0 {
		jitter := rand.N(s.cfg.MaxStartupJitter)
		slog.InfoContext(ctx, "lock sweeper starting",
			"startup_jitter", jitter,
			"interval", s.cfg.Interval)

		timer := time.NewTimer(jitter)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	s.SweepOnce(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "lock sweeper stopping")
			return ctx.Err()
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single sweep over all engines. Failures are logged per
// engine; one engine's error never blocks another's recovery.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	for _, r := range s.releasers {
		if _, err := r.ReleaseExpiredLocks(ctx); err != nil {
			slog.ErrorContext(ctx, "lock sweep failed", "error", err)
		}
	}
}
