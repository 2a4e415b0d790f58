package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rezkam/conductor/internal/domain"
)

const timerColumns = `id, timer_type, expression, due_date,
	repeat, repeat_interval_ms, max_executions, execution_count, end_time,
	status, retry_count, max_retries,
	lock_owner, lock_expires_at,
	callback_type, callback_config, payload,
	process_instance_id, execution_id, activity_id, tenant_id,
	created_at, executed_at, next_execution_at`

func scanTimer(row pgx.Row) (*domain.Timer, error) {
	var t domain.Timer
	var intervalMS *int64
	err := row.Scan(
		&t.ID, &t.TimerType, &t.Expression, &t.DueDate,
		&t.Repeat, &intervalMS, &t.MaxExecutions, &t.ExecutionCount, &t.EndTime,
		&t.Status, &t.RetryCount, &t.MaxRetries,
		&t.LockOwner, &t.LockExpiresAt,
		&t.CallbackType, &t.CallbackConfig, &t.Payload,
		&t.ProcessInstanceID, &t.ExecutionID, &t.ActivityID, &t.TenantID,
		&t.CreatedAt, &t.ExecutedAt, &t.NextExecutionAt,
	)
	if err != nil {
		return nil, err
	}
	if intervalMS != nil {
		d := time.Duration(*intervalMS) * time.Millisecond
		t.RepeatInterval = &d
	}
	return &t, nil
}

func intervalMilliseconds(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}
	ms := d.Milliseconds()
	return &ms
}

// InsertTimer persists a new timer row.
func (s *Store) InsertTimer(ctx context.Context, t *domain.Timer) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO timers (`+timerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`,
		t.ID, t.TimerType, t.Expression, t.DueDate,
		t.Repeat, intervalMilliseconds(t.RepeatInterval), t.MaxExecutions, t.ExecutionCount, t.EndTime,
		t.Status, t.RetryCount, t.MaxRetries,
		t.LockOwner, t.LockExpiresAt,
		t.CallbackType, t.CallbackConfig, t.Payload,
		t.ProcessInstanceID, t.ExecutionID, t.ActivityID, t.TenantID,
		t.CreatedAt, t.ExecutedAt, t.NextExecutionAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert timer: %w", err)
	}
	return nil
}

// FindTimerByID returns the timer or domain.ErrNotFound.
func (s *Store) FindTimerByID(ctx context.Context, id string) (*domain.Timer, error) {
	row := s.db.QueryRow(ctx, `SELECT `+timerColumns+` FROM timers WHERE id = $1`, id)
	t, err := scanTimer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find timer: %w", err)
	}
	return t, nil
}

// ListDueTimers returns pending timers due at or before now, oldest due
// first, skipping rows another worker currently holds.
func (s *Store) ListDueTimers(ctx context.Context, limit int, now time.Time) ([]*domain.Timer, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+timerColumns+`
		FROM timers
		WHERE status = 'pending'
		  AND due_date <= $1
		  AND (lock_owner IS NULL OR lock_expires_at < $1)
		ORDER BY due_date ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due timers: %w", err)
	}
	defer rows.Close()

	var timers []*domain.Timer
	for rows.Next() {
		t, err := scanTimer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan timer: %w", err)
		}
		timers = append(timers, t)
	}
	return timers, rows.Err()
}

// TryClaimTimer takes the row lock on a pending timer. The status stays
// pending; the lock alone keeps other workers away until the firing settles.
func (s *Store) TryClaimTimer(ctx context.Context, id, workerID string, lockTTL time.Duration, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE timers
		SET lock_owner = $2, lock_expires_at = $3
		WHERE id = $1
		  AND status = 'pending'
		  AND (lock_owner IS NULL OR lock_expires_at < $4)`,
		id, workerID, now.Add(lockTTL), now)
	if err != nil {
		return false, fmt.Errorf("failed to claim timer: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkTimerExecuted terminates a claimed timer after its final firing.
func (s *Store) MarkTimerExecuted(ctx context.Context, id, workerID string, now time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE timers
		SET status = 'executed',
		    execution_count = execution_count + 1,
		    executed_at = $3,
		    next_execution_at = NULL,
		    lock_owner = NULL,
		    lock_expires_at = NULL
		WHERE id = $1 AND lock_owner = $2`,
		id, workerID, now)
	if err != nil {
		return fmt.Errorf("failed to mark timer executed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobOwnershipLost
	}
	return nil
}

// AdvanceTimer moves a claimed repeating timer to its next occurrence.
func (s *Store) AdvanceTimer(ctx context.Context, id, workerID string, nextDue, now time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE timers
		SET execution_count = execution_count + 1,
		    due_date = $3,
		    next_execution_at = $3,
		    retry_count = 0,
		    executed_at = $4,
		    lock_owner = NULL,
		    lock_expires_at = NULL
		WHERE id = $1 AND lock_owner = $2 AND status = 'pending'`,
		id, workerID, nextDue, now)
	if err != nil {
		return fmt.Errorf("failed to advance timer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobOwnershipLost
	}
	return nil
}

// ScheduleTimerRetry reschedules a claimed timer after a callback failure.
// The execution count does not advance; the occurrence has not fired yet.
func (s *Store) ScheduleTimerRetry(ctx context.Context, id, workerID string, retryAt time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE timers
		SET retry_count = retry_count + 1,
		    due_date = $3,
		    lock_owner = NULL,
		    lock_expires_at = NULL
		WHERE id = $1 AND lock_owner = $2 AND status = 'pending'`,
		id, workerID, retryAt)
	if err != nil {
		return fmt.Errorf("failed to schedule timer retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobOwnershipLost
	}
	return nil
}

// MarkTimerFailed terminates a claimed timer whose callback exhausted its
// retries.
func (s *Store) MarkTimerFailed(ctx context.Context, id, workerID string, now time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE timers
		SET status = 'failed',
		    executed_at = $3,
		    next_execution_at = NULL,
		    lock_owner = NULL,
		    lock_expires_at = NULL
		WHERE id = $1 AND lock_owner = $2`,
		id, workerID, now)
	if err != nil {
		return fmt.Errorf("failed to mark timer failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobOwnershipLost
	}
	return nil
}

// CancelTimer cancels a pending timer. A timer in any other state is left
// untouched and reported with false.
func (s *Store) CancelTimer(ctx context.Context, id string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE timers SET status = 'cancelled', lock_owner = NULL, lock_expires_at = NULL
		WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("failed to cancel timer: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM timers WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check timer existence: %w", err)
	}
	if !exists {
		return false, domain.ErrNotFound
	}
	return false, nil
}

// CancelTimersByProcessInstance cancels all pending timers of a process
// instance.
func (s *Store) CancelTimersByProcessInstance(ctx context.Context, processInstanceID string) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE timers SET status = 'cancelled', lock_owner = NULL, lock_expires_at = NULL
		WHERE process_instance_id = $1 AND status = 'pending'`, processInstanceID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel timers by process instance: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CancelTimersByExecution cancels all pending timers of an execution.
func (s *Store) CancelTimersByExecution(ctx context.Context, executionID string) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE timers SET status = 'cancelled', lock_owner = NULL, lock_expires_at = NULL
		WHERE execution_id = $1 AND status = 'pending'`, executionID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel timers by execution: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReleaseExpiredTimerLocks clears expired locks so the due-scan can pick the
// rows up again.
func (s *Store) ReleaseExpiredTimerLocks(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE timers SET lock_owner = NULL, lock_expires_at = NULL
		WHERE status = 'pending' AND lock_owner IS NOT NULL AND lock_expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to release expired timer locks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteFinishedTimersBefore removes executed and cancelled timers past
// retention. Cancelled timers never set executed_at, so created_at bounds
// them instead.
func (s *Store) DeleteFinishedTimersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM timers
		WHERE (status = 'executed' AND executed_at < $1)
		   OR (status = 'cancelled' AND COALESCE(executed_at, created_at) < $1)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete finished timers: %w", err)
	}
	return tag.RowsAffected(), nil
}
