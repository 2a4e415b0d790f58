package subscription

import (
	"context"
	"time"

	"github.com/rezkam/conductor/internal/domain"
)

// Filter narrows the unprocessed-subscription lookup. EventType and
// EventName are always set; the optional fields AND onto the hot key.
type Filter struct {
	EventType domain.EventType
	EventName string

	// ProcessInstanceID restricts the match to one process instance
	// (message correlation).
	ProcessInstanceID *string

	// TenantID restricts the match to one tenant. Subscriptions with a
	// null tenant match any tenant.
	TenantID *string
}

// Repository is the persistence gateway for event subscriptions. The
// processed flag transitions false to true exactly once, under a row-level
// conditional update.
type Repository interface {
	// InsertSubscription persists a new subscription row.
	InsertSubscription(ctx context.Context, sub *domain.EventSubscription) error

	// FindSubscriptionByID returns the subscription or domain.ErrNotFound.
	FindSubscriptionByID(ctx context.Context, id string) (*domain.EventSubscription, error)

	// ListUnprocessed returns up to limit unprocessed subscriptions
	// matching the filter, ordered by priority DESC, createdAt ASC.
	ListUnprocessed(ctx context.Context, f Filter, limit int) ([]*domain.EventSubscription, error)

	// TryMarkProcessed performs the conditional update
	// SET isProcessed=true, processedAt=now WHERE id=? AND isProcessed=false.
	// Returns false when a concurrent trigger already won the row.
	TryMarkProcessed(ctx context.Context, id string, now time.Time) (bool, error)

	// DeleteByProcessInstance bulk-deletes all subscriptions of a process
	// instance. Returns the number of rows deleted.
	DeleteByProcessInstance(ctx context.Context, processInstanceID string) (int64, error)

	// DeleteByExecution bulk-deletes all subscriptions of an execution.
	DeleteByExecution(ctx context.Context, executionID string) (int64, error)

	// DeleteProcessedBefore removes processed subscriptions whose
	// processedAt is before the cutoff.
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
