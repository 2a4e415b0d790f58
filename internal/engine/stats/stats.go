// Package stats implements the read-path statistics aggregator: counts and
// percentiles grouped by type, status, and tenant across all engines.
package stats

import (
	"context"
	"fmt"
	"time"
)

// StatusCount is one aggregation bucket.
type StatusCount struct {
	Type     string
	Status   string
	TenantID *string
	Count    int64
}

// DurationPercentiles summarizes completed-job runtimes.
type DurationPercentiles struct {
	P50 time.Duration
	P90 time.Duration
	P99 time.Duration
}

// Snapshot is one point-in-time view over all engines.
type Snapshot struct {
	CollectedAt time.Time

	Jobs          []StatusCount
	DeadLetters   []StatusCount
	Timers        []StatusCount
	Batches       []StatusCount
	Subscriptions []StatusCount

	JobDurations DurationPercentiles
}

// Repository is the read-only aggregation gateway.
type Repository interface {
	// CountJobs groups jobs by (type, status, tenant).
	CountJobs(ctx context.Context) ([]StatusCount, error)

	// CountDeadLetters groups unresolved dead-letter entries by
	// (type, errorType, tenant); errorType is reported in Status.
	CountDeadLetters(ctx context.Context) ([]StatusCount, error)

	// CountTimers groups timers by (timerType, status, tenant).
	CountTimers(ctx context.Context) ([]StatusCount, error)

	// CountBatches groups batches by (type, status, tenant).
	CountBatches(ctx context.Context) ([]StatusCount, error)

	// CountSubscriptions groups subscriptions by (eventType, processed,
	// tenant); processed is reported in Status as "processed"/"pending".
	CountSubscriptions(ctx context.Context) ([]StatusCount, error)

	// JobDurationPercentiles computes p50/p90/p99 of endedAt - startedAt
	// over completed jobs inside the window.
	JobDurationPercentiles(ctx context.Context, window time.Duration) (DurationPercentiles, error)
}

// Aggregator collects snapshots.
type Aggregator struct {
	repo Repository
	now  func() time.Time

	// DurationWindow bounds the percentile query (default: 24h).
	DurationWindow time.Duration
}

// New creates an aggregator over the read gateway.
func New(repo Repository) *Aggregator {
	return &Aggregator{
		repo:           repo,
		now:            func() time.Time { return time.Now().UTC() },
		DurationWindow: 24 * time.Hour,
	}
}

// Collect gathers one snapshot. Partial failures abort the collection; the
// snapshot is all-or-nothing.
func (a *Aggregator) Collect(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{CollectedAt: a.now()}

	var err error
	if snap.Jobs, err = a.repo.CountJobs(ctx); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	if snap.DeadLetters, err = a.repo.CountDeadLetters(ctx); err != nil {
		return nil, fmt.Errorf("failed to count dead letters: %w", err)
	}
	if snap.Timers, err = a.repo.CountTimers(ctx); err != nil {
		return nil, fmt.Errorf("failed to count timers: %w", err)
	}
	if snap.Batches, err = a.repo.CountBatches(ctx); err != nil {
		return nil, fmt.Errorf("failed to count batches: %w", err)
	}
	if snap.Subscriptions, err = a.repo.CountSubscriptions(ctx); err != nil {
		return nil, fmt.Errorf("failed to count subscriptions: %w", err)
	}
	if snap.JobDurations, err = a.repo.JobDurationPercentiles(ctx, a.DurationWindow); err != nil {
		return nil, fmt.Errorf("failed to compute job duration percentiles: %w", err)
	}
	return snap, nil
}

// FailedByTenant filters a snapshot down to failure buckets, the view an
// operator dashboard reads.
func (s *Snapshot) FailedByTenant() map[string]int64 {
	out := make(map[string]int64)
	add := func(counts []StatusCount, failedStatus string) {
		for _, c := range counts {
			if c.Status != failedStatus {
				continue
			}
			tenant := ""
			if c.TenantID != nil {
				tenant = *c.TenantID
			}
			out[tenant] += c.Count
		}
	}
	add(s.Jobs, "failed")
	add(s.Timers, "failed")
	add(s.Batches, "failed")
	return out
}
