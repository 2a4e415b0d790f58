package job

import (
	"context"
	"time"

	"github.com/rezkam/conductor/internal/domain"
)

// Repository is the persistence gateway for jobs and the dead-letter queue.
// All methods are safe for concurrent use by multiple workers. Claiming and
// ownership-checked updates are atomic conditional updates so that at most
// one worker owns a job at a time.
type Repository interface {
	// === Job insertion & lookup ===

	// InsertJob persists a new job row.
	InsertJob(ctx context.Context, job *domain.Job) error

	// FindJobByID returns the job or domain.ErrNotFound.
	FindJobByID(ctx context.Context, id string) (*domain.Job, error)

	// ListPendingJobs returns up to limit eligible pending jobs ordered by
	// priority DESC, createdAt ASC. Eligible means nextRetryAt and dueDate
	// are unset or in the past, and any previous lock has expired.
	ListPendingJobs(ctx context.Context, limit int, now time.Time) ([]*domain.Job, error)

	// === Claiming & ownership ===

	// TryClaimJob attempts the conditional claim. The predicate is
	// status=pending AND (lockOwner IS NULL OR lockExpiresAt < now); the
	// update sets status=running, lockOwner, lockExpiresAt=now+lockTTL and
	// startedAt. Returns false when another worker won the row.
	TryClaimJob(ctx context.Context, id, workerID string, lockTTL time.Duration, now time.Time) (bool, error)

	// ExtendJobLock pushes lockExpiresAt forward for a running job.
	// Returns domain.ErrJobOwnershipLost if the job is no longer claimed by
	// this worker.
	ExtendJobLock(ctx context.Context, id, workerID string, extension time.Duration, now time.Time) error

	// === Completion & retry ===

	// CompleteJob marks a running job completed with endedAt=now.
	// Returns domain.ErrJobOwnershipLost if ownership was lost.
	CompleteJob(ctx context.Context, id, workerID string, now time.Time) error

	// ScheduleJobRetry returns a running job to pending with retryCount
	// incremented, nextRetryAt set, the failure recorded in
	// exceptionMessage, and the lock cleared.
	// Returns domain.ErrJobOwnershipLost if ownership was lost.
	ScheduleJobRetry(ctx context.Context, id, workerID, errMsg string, nextRetryAt time.Time) error

	// === Dead letter queue ===

	// MoveJobToDeadLetter atomically inserts the dead-letter row and deletes
	// the original job in one transaction. The delete is ownership-checked
	// when workerID is non-empty.
	// Returns domain.ErrJobOwnershipLost if ownership was lost.
	MoveJobToDeadLetter(ctx context.Context, jobID, workerID string, entry *domain.DeadLetterJob) error

	// GetDeadLetterJob returns the entry or domain.ErrDeadLetterNotFound.
	GetDeadLetterJob(ctx context.Context, id string) (*domain.DeadLetterJob, error)

	// ListDeadLetterJobs returns up to limit unresolved entries, oldest
	// failure first.
	ListDeadLetterJobs(ctx context.Context, limit int) ([]*domain.DeadLetterJob, error)

	// ResolveDeadLetter marks an unresolved entry reviewed and, when newJob
	// is non-nil, inserts it in the same transaction. The resolution update
	// is conditional on reviewedAt IS NULL; an already-resolved or missing
	// entry returns domain.ErrDeadLetterNotFound.
	ResolveDeadLetter(ctx context.Context, id, resolution, reviewedBy string, newJob *domain.Job, now time.Time) error

	// === Recovery & retention ===

	// ReleaseExpiredJobLocks reverses every running row whose lock expired
	// back to pending with the lock cleared and retryCount unchanged.
	// Returns the number of rows released.
	ReleaseExpiredJobLocks(ctx context.Context, now time.Time) (int64, error)

	// DeleteFinishedJobsBefore removes completed jobs whose endedAt is
	// before the cutoff. Returns the number of rows deleted.
	DeleteFinishedJobsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
