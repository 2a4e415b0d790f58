package domain

import "time"

// JobStatus is the lifecycle state of a job row.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is a single unit of deferred asynchronous work with a retry policy.
// A running job always carries a lock owner and expiry; the lock sweeper
// returns expired rows to pending with the retry count unchanged.
type Job struct {
	ID         string
	Type       string
	Status     JobStatus
	Priority   int
	RetryCount int
	MaxRetries int
	RetryWait  time.Duration

	NextRetryAt   *time.Time
	DueDate       *time.Time
	LockOwner     *string
	LockExpiresAt *time.Time

	// Payload and HandlerConfig are opaque to the engine; only the handler
	// registered for Type knows their schema.
	Payload       []byte
	HandlerType   string
	HandlerConfig []byte

	ProcessInstanceID *string
	ExecutionID       *string
	TenantID          *string

	ExceptionMessage *string
	ExceptionStack   *string

	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
}

// DeadLetterErrorType classifies why a job reached the dead-letter queue.
type DeadLetterErrorType string

const (
	DeadLetterExhausted      DeadLetterErrorType = "exhausted"
	DeadLetterPermanent      DeadLetterErrorType = "permanent"
	DeadLetterPanic          DeadLetterErrorType = "panic"
	DeadLetterHandlerMissing DeadLetterErrorType = "handler_missing"
)

// DeadLetterJob mirrors a job that exhausted its retry budget (or failed
// fatally) and was moved out of the jobs table for manual review.
type DeadLetterJob struct {
	ID            string
	OriginalJobID string
	Type          string
	Priority      int
	Payload       []byte
	HandlerType   string
	HandlerConfig []byte

	ProcessInstanceID *string
	ExecutionID       *string
	TenantID          *string

	ErrorType    DeadLetterErrorType
	ErrorMessage string
	StackTrace   *string
	TotalRetries int
	LastWorkerID *string

	FailedAt          time.Time
	OriginalCreatedAt time.Time

	// Review flow: a dead letter stays unresolved until a reviewer retries
	// it (a fresh pending job is inserted) or discards it.
	ReviewedAt *time.Time
	ReviewedBy *string
	Resolution *string
}

// Dead-letter resolutions.
const (
	ResolutionRetried   = "retried"
	ResolutionDiscarded = "discarded"
)

// TimerType selects how a timer expression is interpreted.
type TimerType string

const (
	TimerDate     TimerType = "date"     // absolute ISO-8601 instant, single fire
	TimerDuration TimerType = "duration" // ISO-8601 duration from creation
	TimerCycle    TimerType = "cycle"    // repeating: R[n]/<duration> or cron spec
)

// TimerStatus is the lifecycle state of a timer row.
type TimerStatus string

const (
	TimerPending   TimerStatus = "pending"
	TimerExecuted  TimerStatus = "executed"
	TimerFailed    TimerStatus = "failed"
	TimerCancelled TimerStatus = "cancelled"
)

// Timer is a scheduled firing based on a date, duration, or cycle
// expression. Pending timers always have a due date.
type Timer struct {
	ID         string
	TimerType  TimerType
	Expression string
	DueDate    time.Time

	Repeat         bool
	RepeatInterval *time.Duration
	MaxExecutions  *int
	ExecutionCount int
	EndTime        *time.Time

	Status     TimerStatus
	RetryCount int
	MaxRetries int

	LockOwner     *string
	LockExpiresAt *time.Time

	CallbackType   string
	CallbackConfig []byte
	Payload        []byte

	ProcessInstanceID *string
	ExecutionID       *string
	ActivityID        *string
	TenantID          *string

	CreatedAt       time.Time
	ExecutedAt      *time.Time
	NextExecutionAt *time.Time
}

// BatchStatus is the lifecycle state of a batch aggregate.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
	BatchCancelled BatchStatus = "cancelled"
)

// Batch is an aggregate of homogeneous work parts progressing together.
// The counter fields are derived: after part transitions they are recomputed
// by one aggregation query over the parts, never incremented per part.
type Batch struct {
	ID     string
	Type   string
	Status BatchStatus

	Total          int
	ProcessedTotal int
	SuccessTotal   int
	FailTotal      int

	Priority   int
	MaxRetries int
	Config     []byte

	TenantID     *string
	ErrorMessage *string

	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
}

// Terminal reports whether the batch can no longer change state.
func (b *Batch) Terminal() bool {
	switch b.Status {
	case BatchCompleted, BatchFailed, BatchCancelled:
		return true
	}
	return false
}

// PartStatus is the lifecycle state of a single batch part.
type PartStatus string

const (
	PartPending   PartStatus = "pending"
	PartRunning   PartStatus = "running"
	PartCompleted PartStatus = "completed"
	PartFailed    PartStatus = "failed"
	PartSkipped   PartStatus = "skipped" // reachable only from pending, via batch cancellation
)

// BatchPart is one leaf work item inside a batch.
type BatchPart struct {
	ID      string
	BatchID string
	Type    string
	Status  PartStatus

	Data         []byte
	Result       []byte
	ErrorMessage *string
	RetryCount   int

	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
}

// EventType is the kind of incoming event a subscription listens for.
type EventType string

const (
	EventMessage      EventType = "message"
	EventSignal       EventType = "signal"
	EventConditional  EventType = "conditional"
	EventCompensation EventType = "compensation"
	EventError        EventType = "error"
	EventTimer        EventType = "timer"
	EventEscalation   EventType = "escalation"
)

// EventSubscription is a durable registration that converts a named incoming
// event into a targeted wakeup. A subscription fires at most once: the
// processed flag transitions false to true under a row-level conditional
// update and never back.
type EventSubscription struct {
	ID        string
	EventType EventType
	EventName string

	ProcessInstanceID *string
	ExecutionID       *string
	ActivityID        *string
	TenantID          *string

	ConfigurationType string
	Configuration     []byte
	Priority          int

	IsProcessed bool
	ProcessedAt *time.Time

	CallbackID *string
	CreatedAt  time.Time
}
