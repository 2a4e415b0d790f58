package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rezkam/conductor/internal/domain"
)

const jobColumns = `id, type, status, priority, retry_count, max_retries, retry_wait_ms,
	next_retry_at, due_date, lock_owner, lock_expires_at,
	payload, handler_type, handler_config,
	process_instance_id, execution_id, tenant_id,
	exception_message, exception_stack,
	created_at, started_at, ended_at`

func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	var retryWaitMS int64
	err := row.Scan(
		&j.ID, &j.Type, &j.Status, &j.Priority, &j.RetryCount, &j.MaxRetries, &retryWaitMS,
		&j.NextRetryAt, &j.DueDate, &j.LockOwner, &j.LockExpiresAt,
		&j.Payload, &j.HandlerType, &j.HandlerConfig,
		&j.ProcessInstanceID, &j.ExecutionID, &j.TenantID,
		&j.ExceptionMessage, &j.ExceptionStack,
		&j.CreatedAt, &j.StartedAt, &j.EndedAt,
	)
	if err != nil {
		return nil, err
	}
	j.RetryWait = time.Duration(retryWaitMS) * time.Millisecond
	return &j, nil
}

// InsertJob persists a new job row.
func (s *Store) InsertJob(ctx context.Context, job *domain.Job) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		job.ID, job.Type, job.Status, job.Priority, job.RetryCount, job.MaxRetries, job.RetryWait.Milliseconds(),
		job.NextRetryAt, job.DueDate, job.LockOwner, job.LockExpiresAt,
		job.Payload, job.HandlerType, job.HandlerConfig,
		job.ProcessInstanceID, job.ExecutionID, job.TenantID,
		job.ExceptionMessage, job.ExceptionStack,
		job.CreatedAt, job.StartedAt, job.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// FindJobByID returns the job or domain.ErrNotFound.
func (s *Store) FindJobByID(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find job: %w", err)
	}
	return j, nil
}

// ListPendingJobs returns eligible pending jobs ordered by priority then age.
func (s *Store) ListPendingJobs(ctx context.Context, limit int, now time.Time) ([]*domain.Job, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = 'pending'
		  AND (next_retry_at IS NULL OR next_retry_at <= $1)
		  AND (due_date IS NULL OR due_date <= $1)
		  AND (lock_owner IS NULL OR lock_expires_at < $1)
		ORDER BY priority DESC, created_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// TryClaimJob performs the conditional claim. Exactly one worker wins the
// row; losers see zero rows affected.
func (s *Store) TryClaimJob(ctx context.Context, id, workerID string, lockTTL time.Duration, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs
		SET status = 'running', lock_owner = $2, lock_expires_at = $3, started_at = $4
		WHERE id = $1
		  AND status = 'pending'
		  AND (lock_owner IS NULL OR lock_expires_at < $4)`,
		id, workerID, now.Add(lockTTL), now)
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExtendJobLock pushes the lock expiry forward for a still-owned running job.
func (s *Store) ExtendJobLock(ctx context.Context, id, workerID string, extension time.Duration, now time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs
		SET lock_expires_at = $3
		WHERE id = $1 AND status = 'running' AND lock_owner = $2`,
		id, workerID, now.Add(extension))
	if err != nil {
		return fmt.Errorf("failed to extend job lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobOwnershipLost
	}
	return nil
}

// CompleteJob marks a running job completed, ownership-checked.
func (s *Store) CompleteJob(ctx context.Context, id, workerID string, now time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs
		SET status = 'completed', ended_at = $3, lock_owner = NULL, lock_expires_at = NULL
		WHERE id = $1 AND status = 'running' AND lock_owner = $2`,
		id, workerID, now)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobOwnershipLost
	}
	return nil
}

// ScheduleJobRetry returns a running job to pending with the retry recorded.
func (s *Store) ScheduleJobRetry(ctx context.Context, id, workerID, errMsg string, nextRetryAt time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs
		SET status = 'pending',
		    retry_count = retry_count + 1,
		    next_retry_at = $3,
		    exception_message = $4,
		    lock_owner = NULL,
		    lock_expires_at = NULL,
		    started_at = NULL
		WHERE id = $1 AND status = 'running' AND lock_owner = $2`,
		id, workerID, nextRetryAt, errMsg)
	if err != nil {
		return fmt.Errorf("failed to schedule job retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobOwnershipLost
	}
	return nil
}

// MoveJobToDeadLetter inserts the dead-letter row and deletes the original
// job in one transaction. The delete is ownership-checked when workerID is
// non-empty so a worker that lost its lock cannot dead-letter the row a
// newer owner is working on.
func (s *Store) MoveJobToDeadLetter(ctx context.Context, jobID, workerID string, entry *domain.DeadLetterJob) error {
	return s.executeInTransaction(ctx, "move_job_to_dead_letter", func(tx *Store) error {
		var tag pgconn.CommandTag
		var err error
		if workerID != "" {
			tag, err = tx.db.Exec(ctx,
				`DELETE FROM jobs WHERE id = $1 AND lock_owner = $2`, jobID, workerID)
		} else {
			tag, err = tx.db.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, jobID)
		}
		if err != nil {
			return fmt.Errorf("failed to delete job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrJobOwnershipLost
		}

		_, err = tx.db.Exec(ctx, `
			INSERT INTO dead_letter_jobs (
				id, original_job_id, type, priority, payload, handler_type, handler_config,
				process_instance_id, execution_id, tenant_id,
				error_type, error_message, stack_trace, total_retries, last_worker_id,
				failed_at, original_created_at, reviewed_at, reviewed_by, resolution
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
			entry.ID, entry.OriginalJobID, entry.Type, entry.Priority, entry.Payload, entry.HandlerType, entry.HandlerConfig,
			entry.ProcessInstanceID, entry.ExecutionID, entry.TenantID,
			entry.ErrorType, entry.ErrorMessage, entry.StackTrace, entry.TotalRetries, entry.LastWorkerID,
			entry.FailedAt, entry.OriginalCreatedAt, entry.ReviewedAt, entry.ReviewedBy, entry.Resolution,
		)
		if err != nil {
			return fmt.Errorf("failed to insert dead letter entry: %w", err)
		}
		return nil
	})
}

const deadLetterColumns = `id, original_job_id, type, priority, payload, handler_type, handler_config,
	process_instance_id, execution_id, tenant_id,
	error_type, error_message, stack_trace, total_retries, last_worker_id,
	failed_at, original_created_at, reviewed_at, reviewed_by, resolution`

func scanDeadLetter(row pgx.Row) (*domain.DeadLetterJob, error) {
	var d domain.DeadLetterJob
	err := row.Scan(
		&d.ID, &d.OriginalJobID, &d.Type, &d.Priority, &d.Payload, &d.HandlerType, &d.HandlerConfig,
		&d.ProcessInstanceID, &d.ExecutionID, &d.TenantID,
		&d.ErrorType, &d.ErrorMessage, &d.StackTrace, &d.TotalRetries, &d.LastWorkerID,
		&d.FailedAt, &d.OriginalCreatedAt, &d.ReviewedAt, &d.ReviewedBy, &d.Resolution,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDeadLetterJob returns the entry or domain.ErrDeadLetterNotFound.
func (s *Store) GetDeadLetterJob(ctx context.Context, id string) (*domain.DeadLetterJob, error) {
	row := s.db.QueryRow(ctx, `SELECT `+deadLetterColumns+` FROM dead_letter_jobs WHERE id = $1`, id)
	d, err := scanDeadLetter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrDeadLetterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter entry: %w", err)
	}
	return d, nil
}

// ListDeadLetterJobs returns unresolved entries, oldest failure first.
func (s *Store) ListDeadLetterJobs(ctx context.Context, limit int) ([]*domain.DeadLetterJob, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+deadLetterColumns+`
		FROM dead_letter_jobs
		WHERE reviewed_at IS NULL
		ORDER BY failed_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letter entries: %w", err)
	}
	defer rows.Close()

	var out []*domain.DeadLetterJob
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter entry: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ResolveDeadLetter marks an unresolved entry reviewed and optionally inserts
// the replacement job in the same transaction. The update is conditional on
// reviewed_at IS NULL so two reviewers cannot both resolve one entry.
func (s *Store) ResolveDeadLetter(ctx context.Context, id, resolution, reviewedBy string, newJob *domain.Job, now time.Time) error {
	return s.executeInTransaction(ctx, "resolve_dead_letter", func(tx *Store) error {
		tag, err := tx.db.Exec(ctx, `
			UPDATE dead_letter_jobs
			SET reviewed_at = $2, reviewed_by = $3, resolution = $4
			WHERE id = $1 AND reviewed_at IS NULL`,
			id, now, reviewedBy, resolution)
		if err != nil {
			return fmt.Errorf("failed to resolve dead letter entry: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrDeadLetterNotFound
		}
		if newJob != nil {
			if err := tx.InsertJob(ctx, newJob); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReleaseExpiredJobLocks returns expired running rows to pending. The retry
// count is untouched; lock expiry is recovery, not failure.
func (s *Store) ReleaseExpiredJobLocks(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs
		SET status = 'pending', lock_owner = NULL, lock_expires_at = NULL, started_at = NULL
		WHERE status = 'running' AND lock_expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to release expired job locks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteFinishedJobsBefore removes completed jobs past retention.
func (s *Store) DeleteFinishedJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM jobs WHERE status = 'completed' AND ended_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete finished jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
