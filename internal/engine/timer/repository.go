package timer

import (
	"context"
	"time"

	"github.com/rezkam/conductor/internal/domain"
)

// Repository is the persistence gateway for timers. Claiming uses the same
// conditional-update arbiter as jobs; all mutations after a claim are
// ownership-checked.
type Repository interface {
	// InsertTimer persists a new timer row.
	InsertTimer(ctx context.Context, t *domain.Timer) error

	// FindTimerByID returns the timer or domain.ErrNotFound.
	FindTimerByID(ctx context.Context, id string) (*domain.Timer, error)

	// ListDueTimers returns up to limit pending timers with dueDate <= now
	// and no live lock, ordered by dueDate ASC.
	ListDueTimers(ctx context.Context, limit int, now time.Time) ([]*domain.Timer, error)

	// TryClaimTimer attempts the conditional claim on a pending timer.
	// Returns false when another worker holds the row or the timer is no
	// longer pending (e.g. cancelled between scan and claim).
	TryClaimTimer(ctx context.Context, id, workerID string, lockTTL time.Duration, now time.Time) (bool, error)

	// MarkTimerExecuted terminates a claimed timer: status=executed,
	// executionCount incremented, executedAt set, lock cleared.
	// Returns domain.ErrJobOwnershipLost if ownership was lost.
	MarkTimerExecuted(ctx context.Context, id, workerID string, now time.Time) error

	// AdvanceTimer moves a claimed repeating timer to its next occurrence:
	// executionCount incremented, dueDate and nextExecutionAt set to
	// nextDue, retryCount reset, executedAt recorded, lock cleared, status
	// back to pending.
	// Returns domain.ErrJobOwnershipLost if ownership was lost.
	AdvanceTimer(ctx context.Context, id, workerID string, nextDue, now time.Time) error

	// ScheduleTimerRetry reschedules a claimed timer after a callback
	// failure: retryCount incremented, dueDate=retryAt, lock cleared,
	// status back to pending. The execution count is not advanced.
	// Returns domain.ErrJobOwnershipLost if ownership was lost.
	ScheduleTimerRetry(ctx context.Context, id, workerID string, retryAt time.Time) error

	// MarkTimerFailed terminates a claimed timer whose callback exhausted
	// its retries.
	// Returns domain.ErrJobOwnershipLost if ownership was lost.
	MarkTimerFailed(ctx context.Context, id, workerID string, now time.Time) error

	// CancelTimer sets a pending timer to cancelled. Returns false when the
	// timer exists but is not pending (the cancel is then a no-op), and
	// domain.ErrNotFound when it does not exist.
	CancelTimer(ctx context.Context, id string) (bool, error)

	// CancelTimersByProcessInstance cancels every pending timer of a
	// process instance. Returns the number of rows cancelled.
	CancelTimersByProcessInstance(ctx context.Context, processInstanceID string) (int64, error)

	// CancelTimersByExecution cancels every pending timer of an execution.
	CancelTimersByExecution(ctx context.Context, executionID string) (int64, error)

	// ReleaseExpiredTimerLocks clears expired locks on pending timers so
	// the next due-scan can pick them up again.
	ReleaseExpiredTimerLocks(ctx context.Context, now time.Time) (int64, error)

	// DeleteFinishedTimersBefore removes executed and cancelled timers
	// whose last activity is before the cutoff.
	DeleteFinishedTimersBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
