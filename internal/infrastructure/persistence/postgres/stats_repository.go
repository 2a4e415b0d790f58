package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/rezkam/conductor/internal/engine/stats"
)

func (s *Store) countByStatus(ctx context.Context, query string, args ...any) ([]stats.StatusCount, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []stats.StatusCount
	for rows.Next() {
		var c stats.StatusCount
		if err := rows.Scan(&c.Type, &c.Status, &c.TenantID, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountJobs groups jobs by (type, status, tenant).
func (s *Store) CountJobs(ctx context.Context) ([]stats.StatusCount, error) {
	out, err := s.countByStatus(ctx, `
		SELECT type, status, tenant_id, COUNT(*)
		FROM jobs
		GROUP BY type, status, tenant_id
		ORDER BY type, status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	return out, nil
}

// CountDeadLetters groups unresolved dead-letter entries by error type.
func (s *Store) CountDeadLetters(ctx context.Context) ([]stats.StatusCount, error) {
	out, err := s.countByStatus(ctx, `
		SELECT type, error_type, tenant_id, COUNT(*)
		FROM dead_letter_jobs
		WHERE reviewed_at IS NULL
		GROUP BY type, error_type, tenant_id
		ORDER BY type, error_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return out, nil
}

// CountTimers groups timers by (timer type, status, tenant).
func (s *Store) CountTimers(ctx context.Context) ([]stats.StatusCount, error) {
	out, err := s.countByStatus(ctx, `
		SELECT timer_type, status, tenant_id, COUNT(*)
		FROM timers
		GROUP BY timer_type, status, tenant_id
		ORDER BY timer_type, status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count timers: %w", err)
	}
	return out, nil
}

// CountBatches groups batches by (type, status, tenant).
func (s *Store) CountBatches(ctx context.Context) ([]stats.StatusCount, error) {
	out, err := s.countByStatus(ctx, `
		SELECT type, status, tenant_id, COUNT(*)
		FROM batches
		GROUP BY type, status, tenant_id
		ORDER BY type, status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count batches: %w", err)
	}
	return out, nil
}

// CountSubscriptions groups subscriptions by event type and processed flag.
func (s *Store) CountSubscriptions(ctx context.Context) ([]stats.StatusCount, error) {
	out, err := s.countByStatus(ctx, `
		SELECT event_type,
		       CASE WHEN is_processed THEN 'processed' ELSE 'pending' END,
		       tenant_id,
		       COUNT(*)
		FROM event_subscriptions
		GROUP BY event_type, is_processed, tenant_id
		ORDER BY event_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to count subscriptions: %w", err)
	}
	return out, nil
}

// JobDurationPercentiles computes p50/p90/p99 of run durations over jobs
// completed inside the window. A window with no completed jobs yields zeros.
func (s *Store) JobDurationPercentiles(ctx context.Context, window time.Duration) (stats.DurationPercentiles, error) {
	var p50, p90, p99 *float64
	err := s.db.QueryRow(ctx, `
		SELECT
			percentile_cont(0.50) WITHIN GROUP (ORDER BY EXTRACT(EPOCH FROM (ended_at - started_at))),
			percentile_cont(0.90) WITHIN GROUP (ORDER BY EXTRACT(EPOCH FROM (ended_at - started_at))),
			percentile_cont(0.99) WITHIN GROUP (ORDER BY EXTRACT(EPOCH FROM (ended_at - started_at)))
		FROM jobs
		WHERE status = 'completed'
		  AND started_at IS NOT NULL
		  AND ended_at >= NOW() - $1::interval`,
		window).Scan(&p50, &p90, &p99)
	if err != nil {
		return stats.DurationPercentiles{}, fmt.Errorf("failed to compute job duration percentiles: %w", err)
	}

	toDuration := func(seconds *float64) time.Duration {
		if seconds == nil {
			return 0
		}
		return time.Duration(*seconds * float64(time.Second))
	}
	return stats.DurationPercentiles{
		P50: toDuration(p50),
		P90: toDuration(p90),
		P99: toDuration(p99),
	}, nil
}
