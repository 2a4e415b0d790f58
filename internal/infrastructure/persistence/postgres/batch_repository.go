package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rezkam/conductor/internal/domain"
)

const batchColumns = `id, type, status,
	total, processed_total, success_total, fail_total,
	priority, max_retries, config,
	tenant_id, error_message,
	created_at, started_at, ended_at`

func scanBatch(row pgx.Row) (*domain.Batch, error) {
	var b domain.Batch
	err := row.Scan(
		&b.ID, &b.Type, &b.Status,
		&b.Total, &b.ProcessedTotal, &b.SuccessTotal, &b.FailTotal,
		&b.Priority, &b.MaxRetries, &b.Config,
		&b.TenantID, &b.ErrorMessage,
		&b.CreatedAt, &b.StartedAt, &b.EndedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

const partColumns = `id, batch_id, type, status,
	data, result, error_message, retry_count,
	created_at, started_at, ended_at`

func scanPart(row pgx.Row) (*domain.BatchPart, error) {
	var p domain.BatchPart
	err := row.Scan(
		&p.ID, &p.BatchID, &p.Type, &p.Status,
		&p.Data, &p.Result, &p.ErrorMessage, &p.RetryCount,
		&p.CreatedAt, &p.StartedAt, &p.EndedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) insertParts(ctx context.Context, parts []*domain.BatchPart) error {
	for _, p := range parts {
		_, err := s.db.Exec(ctx, `
			INSERT INTO batch_parts (`+partColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			p.ID, p.BatchID, p.Type, p.Status,
			p.Data, p.Result, p.ErrorMessage, p.RetryCount,
			p.CreatedAt, p.StartedAt, p.EndedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert batch part: %w", err)
		}
	}
	return nil
}

// CreateBatch inserts the batch and its initial parts in one transaction.
func (s *Store) CreateBatch(ctx context.Context, b *domain.Batch, parts []*domain.BatchPart) error {
	return s.executeInTransaction(ctx, "create_batch", func(tx *Store) error {
		_, err := tx.db.Exec(ctx, `
			INSERT INTO batches (`+batchColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			b.ID, b.Type, b.Status,
			b.Total, b.ProcessedTotal, b.SuccessTotal, b.FailTotal,
			b.Priority, b.MaxRetries, b.Config,
			b.TenantID, b.ErrorMessage,
			b.CreatedAt, b.StartedAt, b.EndedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert batch: %w", err)
		}
		return tx.insertParts(ctx, parts)
	})
}

// FindBatchByID returns the batch or domain.ErrNotFound.
func (s *Store) FindBatchByID(ctx context.Context, id string) (*domain.Batch, error) {
	row := s.db.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id)
	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find batch: %w", err)
	}
	return b, nil
}

// ListRunnableBatches returns pending and running batches by priority then
// age.
func (s *Store) ListRunnableBatches(ctx context.Context, limit int) ([]*domain.Batch, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+batchColumns+`
		FROM batches
		WHERE status IN ('pending', 'running')
		ORDER BY priority DESC, created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runnable batches: %w", err)
	}
	defer rows.Close()

	var out []*domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// MarkBatchRunning transitions pending to running. Batches already past
// pending are left untouched.
func (s *Store) MarkBatchRunning(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE batches SET status = 'running', started_at = $2
		WHERE id = $1 AND status = 'pending'`, id, now)
	if err != nil {
		return fmt.Errorf("failed to mark batch running: %w", err)
	}
	return nil
}

// AppendParts adds parts to a still-pending batch and bumps its total in one
// transaction.
func (s *Store) AppendParts(ctx context.Context, batchID string, parts []*domain.BatchPart) error {
	return s.executeInTransaction(ctx, "append_parts", func(tx *Store) error {
		tag, err := tx.db.Exec(ctx, `
			UPDATE batches SET total = total + $2
			WHERE id = $1 AND status = 'pending'`, batchID, len(parts))
		if err != nil {
			return fmt.Errorf("failed to bump batch total: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM batches WHERE id = $1)`, batchID).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check batch existence: %w", err)
			}
			if !exists {
				return domain.ErrNotFound
			}
			return domain.ErrInvalidState
		}
		return tx.insertParts(ctx, parts)
	})
}

// ListPendingParts returns pending parts of the batch, oldest first.
func (s *Store) ListPendingParts(ctx context.Context, batchID string, limit int) ([]*domain.BatchPart, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+partColumns+`
		FROM batch_parts
		WHERE batch_id = $1 AND status = 'pending'
		ORDER BY created_at ASC
		LIMIT $2`, batchID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending parts: %w", err)
	}
	defer rows.Close()

	var out []*domain.BatchPart
	for rows.Next() {
		p, err := scanPart(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch part: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TryClaimPart conditionally moves one part from pending to running.
func (s *Store) TryClaimPart(ctx context.Context, partID string, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE batch_parts SET status = 'running', started_at = $2
		WHERE id = $1 AND status = 'pending'`, partID, now)
	if err != nil {
		return false, fmt.Errorf("failed to claim batch part: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompletePart records a successful part.
func (s *Store) CompletePart(ctx context.Context, partID string, result []byte, now time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE batch_parts
		SET status = 'completed', result = $2, error_message = NULL, ended_at = $3
		WHERE id = $1 AND status = 'running'`, partID, result, now)
	if err != nil {
		return fmt.Errorf("failed to complete batch part: %w", err)
	}
	return nil
}

// FailPart records a failed part, either back to pending for another attempt
// or terminally failed.
func (s *Store) FailPart(ctx context.Context, partID, errMsg string, retry bool, now time.Time) error {
	var err error
	if retry {
		_, err = s.db.Exec(ctx, `
			UPDATE batch_parts
			SET status = 'pending', retry_count = retry_count + 1, error_message = $2, started_at = NULL
			WHERE id = $1 AND status = 'running'`, partID, errMsg)
	} else {
		_, err = s.db.Exec(ctx, `
			UPDATE batch_parts
			SET status = 'failed', error_message = $2, ended_at = $3
			WHERE id = $1 AND status = 'running'`, partID, errMsg, now)
	}
	if err != nil {
		return fmt.Errorf("failed to record batch part failure: %w", err)
	}
	return nil
}

// CountRunningParts returns the number of parts currently running.
func (s *Store) CountRunningParts(ctx context.Context, batchID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM batch_parts WHERE batch_id = $1 AND status = 'running'`, batchID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count running parts: %w", err)
	}
	return n, nil
}

// RecomputeBatchCounters rewrites the derived counters from one aggregation
// over the parts and returns the refreshed batch. Skipped parts count as
// processed but neither success nor failure.
func (s *Store) RecomputeBatchCounters(ctx context.Context, batchID string) (*domain.Batch, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE batches b
		SET processed_total = agg.processed, success_total = agg.success, fail_total = agg.fail
		FROM (
			SELECT
				COUNT(*) FILTER (WHERE status IN ('completed', 'failed', 'skipped')) AS processed,
				COUNT(*) FILTER (WHERE status = 'completed') AS success,
				COUNT(*) FILTER (WHERE status = 'failed') AS fail
			FROM batch_parts
			WHERE batch_id = $1
		) agg
		WHERE b.id = $1
		RETURNING `+prefixedBatchColumns("b"), batchID)

	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to recompute batch counters: %w", err)
	}
	return b, nil
}

func prefixedBatchColumns(alias string) string {
	return alias + `.id, ` + alias + `.type, ` + alias + `.status,
	` + alias + `.total, ` + alias + `.processed_total, ` + alias + `.success_total, ` + alias + `.fail_total,
	` + alias + `.priority, ` + alias + `.max_retries, ` + alias + `.config,
	` + alias + `.tenant_id, ` + alias + `.error_message,
	` + alias + `.created_at, ` + alias + `.started_at, ` + alias + `.ended_at`
}

// FinalizeBatch transitions a running batch to the given terminal status.
// A batch already terminal is left untouched.
func (s *Store) FinalizeBatch(ctx context.Context, batchID string, status domain.BatchStatus, errMsg *string, now time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE batches SET status = $2, error_message = $3, ended_at = $4
		WHERE id = $1 AND status IN ('pending', 'running')`,
		batchID, status, errMsg, now)
	if err != nil {
		return fmt.Errorf("failed to finalize batch: %w", err)
	}
	return nil
}

// CancelBatch cancels a pending or running batch and skips its pending parts
// in one transaction. Running parts finish on their own.
func (s *Store) CancelBatch(ctx context.Context, batchID string, now time.Time) (*domain.Batch, error) {
	var out *domain.Batch
	err := s.executeInTransaction(ctx, "cancel_batch", func(tx *Store) error {
		tag, err := tx.db.Exec(ctx, `
			UPDATE batches SET status = 'cancelled', ended_at = $2
			WHERE id = $1 AND status IN ('pending', 'running')`, batchID, now)
		if err != nil {
			return fmt.Errorf("failed to cancel batch: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrInvalidState
		}

		_, err = tx.db.Exec(ctx, `
			UPDATE batch_parts SET status = 'skipped', ended_at = $2
			WHERE batch_id = $1 AND status = 'pending'`, batchID, now)
		if err != nil {
			return fmt.Errorf("failed to skip pending parts: %w", err)
		}

		out, err = tx.RecomputeBatchCounters(ctx, batchID)
		return err
	})
	return out, err
}

// ReleaseStalledParts returns running parts abandoned before the cutoff to
// pending. The retry count is untouched; a lost claim is recovery, not
// failure.
func (s *Store) ReleaseStalledParts(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE batch_parts
		SET status = 'pending', started_at = NULL
		WHERE status = 'running' AND started_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to release stalled parts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ResetFailedParts reopens a batch for another pass: terminally failed parts
// return to pending and a failed batch returns to pending.
func (s *Store) ResetFailedParts(ctx context.Context, batchID string) (int64, error) {
	var reset int64
	err := s.executeInTransaction(ctx, "reset_failed_parts", func(tx *Store) error {
		tag, err := tx.db.Exec(ctx, `
			UPDATE batch_parts
			SET status = 'pending', retry_count = 0, error_message = NULL, started_at = NULL, ended_at = NULL
			WHERE batch_id = $1 AND status = 'failed'`, batchID)
		if err != nil {
			return fmt.Errorf("failed to reset failed parts: %w", err)
		}
		reset = tag.RowsAffected()

		_, err = tx.db.Exec(ctx, `
			UPDATE batches SET status = 'pending', error_message = NULL, ended_at = NULL
			WHERE id = $1 AND status = 'failed'`, batchID)
		if err != nil {
			return fmt.Errorf("failed to reopen batch: %w", err)
		}
		return nil
	})
	return reset, err
}

// DeleteFinishedBatchesBefore removes terminal batches past retention; the
// parts go with them by cascade.
func (s *Store) DeleteFinishedBatchesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM batches
		WHERE status IN ('completed', 'failed', 'cancelled') AND ended_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete finished batches: %w", err)
	}
	return tag.RowsAffected(), nil
}
