package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rezkam/conductor/internal/domain"
	"github.com/rezkam/conductor/internal/engine/subscription"
)

const subscriptionColumns = `id, event_type, event_name,
	process_instance_id, execution_id, activity_id, tenant_id,
	configuration_type, configuration, priority,
	is_processed, processed_at,
	callback_id, created_at`

func scanSubscription(row pgx.Row) (*domain.EventSubscription, error) {
	var sub domain.EventSubscription
	err := row.Scan(
		&sub.ID, &sub.EventType, &sub.EventName,
		&sub.ProcessInstanceID, &sub.ExecutionID, &sub.ActivityID, &sub.TenantID,
		&sub.ConfigurationType, &sub.Configuration, &sub.Priority,
		&sub.IsProcessed, &sub.ProcessedAt,
		&sub.CallbackID, &sub.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// InsertSubscription persists a new subscription row.
func (s *Store) InsertSubscription(ctx context.Context, sub *domain.EventSubscription) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO event_subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		sub.ID, sub.EventType, sub.EventName,
		sub.ProcessInstanceID, sub.ExecutionID, sub.ActivityID, sub.TenantID,
		sub.ConfigurationType, sub.Configuration, sub.Priority,
		sub.IsProcessed, sub.ProcessedAt,
		sub.CallbackID, sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

// FindSubscriptionByID returns the subscription or domain.ErrNotFound.
func (s *Store) FindSubscriptionByID(ctx context.Context, id string) (*domain.EventSubscription, error) {
	row := s.db.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM event_subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find subscription: %w", err)
	}
	return sub, nil
}

// ListUnprocessed returns unprocessed subscriptions matching the filter.
// A null-tenant subscription matches any tenant filter.
func (s *Store) ListUnprocessed(ctx context.Context, f subscription.Filter, limit int) ([]*domain.EventSubscription, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM event_subscriptions
		WHERE event_type = $1
		  AND event_name = $2
		  AND is_processed = FALSE
		  AND ($3::text IS NULL OR process_instance_id = $3)
		  AND ($4::text IS NULL OR tenant_id IS NULL OR tenant_id = $4)
		ORDER BY priority DESC, created_at ASC
		LIMIT $5`,
		f.EventType, f.EventName, f.ProcessInstanceID, f.TenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*domain.EventSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// TryMarkProcessed flips the processed flag exactly once; the loser of a
// concurrent trigger sees zero rows affected.
func (s *Store) TryMarkProcessed(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE event_subscriptions SET is_processed = TRUE, processed_at = $2
		WHERE id = $1 AND is_processed = FALSE`, id, now)
	if err != nil {
		return false, fmt.Errorf("failed to mark subscription processed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteByProcessInstance removes all subscriptions of a process instance.
func (s *Store) DeleteByProcessInstance(ctx context.Context, processInstanceID string) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM event_subscriptions WHERE process_instance_id = $1`, processInstanceID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete subscriptions by process instance: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteByExecution removes all subscriptions of an execution.
func (s *Store) DeleteByExecution(ctx context.Context, executionID string) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM event_subscriptions WHERE execution_id = $1`, executionID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete subscriptions by execution: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteProcessedBefore removes processed subscriptions past retention.
func (s *Store) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM event_subscriptions WHERE is_processed = TRUE AND processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete processed subscriptions: %w", err)
	}
	return tag.RowsAffected(), nil
}
