package batch

import (
	"context"
	"time"

	"github.com/rezkam/conductor/internal/domain"
)

// Repository is the persistence gateway for batches and their parts. Part
// claiming uses the conditional-update arbiter; batch counters are always
// recomputed by one aggregation query over the parts, never incremented.
type Repository interface {
	// CreateBatch inserts the batch and its initial parts in one
	// transaction.
	CreateBatch(ctx context.Context, b *domain.Batch, parts []*domain.BatchPart) error

	// FindBatchByID returns the batch or domain.ErrNotFound.
	FindBatchByID(ctx context.Context, id string) (*domain.Batch, error)

	// ListRunnableBatches returns up to limit batches with status pending
	// or running, ordered by priority DESC, createdAt ASC.
	ListRunnableBatches(ctx context.Context, limit int) ([]*domain.Batch, error)

	// MarkBatchRunning conditionally transitions pending to running.
	// Already-running batches are left untouched without error.
	MarkBatchRunning(ctx context.Context, id string, now time.Time) error

	// AppendParts adds parts to a batch and bumps its total. Fails with
	// domain.ErrInvalidState unless the batch is still pending.
	AppendParts(ctx context.Context, batchID string, parts []*domain.BatchPart) error

	// ListPendingParts returns up to limit pending parts of the batch.
	ListPendingParts(ctx context.Context, batchID string, limit int) ([]*domain.BatchPart, error)

	// TryClaimPart conditionally transitions one part from pending to
	// running with startedAt set. Returns false when another worker won.
	TryClaimPart(ctx context.Context, partID string, now time.Time) (bool, error)

	// CompletePart records a successful part: status=completed, result
	// stored, endedAt set.
	CompletePart(ctx context.Context, partID string, result []byte, now time.Time) error

	// FailPart records a failed part. With retry=true the part returns to
	// pending with retryCount incremented; otherwise it is terminally
	// failed with endedAt set. The error message is stored either way.
	FailPart(ctx context.Context, partID, errMsg string, retry bool, now time.Time) error

	// CountRunningParts returns the number of parts currently running.
	CountRunningParts(ctx context.Context, batchID string) (int, error)

	// RecomputeBatchCounters rewrites processedTotal, successTotal, and
	// failTotal from an aggregation over the parts, in one atomic
	// statement, and returns the refreshed batch.
	RecomputeBatchCounters(ctx context.Context, batchID string) (*domain.Batch, error)

	// FinalizeBatch conditionally transitions a running batch to the given
	// terminal status with endedAt set. A batch already terminal (e.g.
	// cancelled mid-flight) is left untouched without error.
	FinalizeBatch(ctx context.Context, batchID string, status domain.BatchStatus, errMsg *string, now time.Time) error

	// CancelBatch transitions a pending or running batch to cancelled and
	// flips its pending parts to skipped, in one transaction. Returns the
	// refreshed batch. Running parts are untouched.
	CancelBatch(ctx context.Context, batchID string, now time.Time) (*domain.Batch, error)

	// ReleaseStalledParts returns running parts whose startedAt is before
	// the cutoff to pending with startedAt cleared and retryCount unchanged.
	// Returns the number of parts released.
	ReleaseStalledParts(ctx context.Context, cutoff time.Time) (int64, error)

	// ResetFailedParts returns every terminally failed part of the batch to
	// pending with retryCount and errorMessage cleared, and a failed batch
	// back to pending. Returns the number of parts reset.
	ResetFailedParts(ctx context.Context, batchID string) (int64, error)

	// DeleteFinishedBatchesBefore removes terminal batches (and, by
	// cascade, their parts) whose endedAt is before the cutoff.
	DeleteFinishedBatchesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
