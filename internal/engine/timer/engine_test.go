package timer_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rezkam/conductor/internal/domain"
	"github.com/rezkam/conductor/internal/engine"
	"github.com/rezkam/conductor/internal/engine/timer"
	"github.com/rezkam/conductor/internal/ptr"
	"github.com/rezkam/conductor/internal/schedule"
)

type memRepo struct {
	mu     sync.Mutex
	timers map[string]*domain.Timer
}

func newMemRepo() *memRepo {
	return &memRepo{timers: make(map[string]*domain.Timer)}
}

func (m *memRepo) InsertTimer(ctx context.Context, t *domain.Timer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.timers[t.ID] = &cp
	return nil
}

func (m *memRepo) FindTimerByID(ctx context.Context, id string) (*domain.Timer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timers[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memRepo) ListDueTimers(ctx context.Context, limit int, now time.Time) ([]*domain.Timer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Timer
	for _, t := range m.timers {
		if t.Status != domain.TimerPending || t.DueDate.After(now) {
			continue
		}
		if t.LockOwner != nil && t.LockExpiresAt != nil && t.LockExpiresAt.After(now) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].DueDate.Before(out[b].DueDate) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRepo) TryClaimTimer(ctx context.Context, id, workerID string, lockTTL time.Duration, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timers[id]
	if !ok || t.Status != domain.TimerPending {
		return false, nil
	}
	if t.LockOwner != nil && t.LockExpiresAt != nil && t.LockExpiresAt.After(now) {
		return false, nil
	}
	expires := now.Add(lockTTL)
	t.LockOwner = &workerID
	t.LockExpiresAt = &expires
	return true, nil
}

func (m *memRepo) owns(t *domain.Timer, workerID string) bool {
	return t.Status == domain.TimerPending && t.LockOwner != nil && *t.LockOwner == workerID
}

func (m *memRepo) MarkTimerExecuted(ctx context.Context, id, workerID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timers[id]
	if !ok || !m.owns(t, workerID) {
		return domain.ErrJobOwnershipLost
	}
	t.Status = domain.TimerExecuted
	t.ExecutionCount++
	t.ExecutedAt = &now
	t.LockOwner = nil
	t.LockExpiresAt = nil
	t.NextExecutionAt = nil
	return nil
}

func (m *memRepo) AdvanceTimer(ctx context.Context, id, workerID string, nextDue, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timers[id]
	if !ok || !m.owns(t, workerID) {
		return domain.ErrJobOwnershipLost
	}
	t.ExecutionCount++
	t.DueDate = nextDue
	t.NextExecutionAt = &nextDue
	t.ExecutedAt = &now
	t.RetryCount = 0
	t.LockOwner = nil
	t.LockExpiresAt = nil
	return nil
}

func (m *memRepo) ScheduleTimerRetry(ctx context.Context, id, workerID string, retryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timers[id]
	if !ok || !m.owns(t, workerID) {
		return domain.ErrJobOwnershipLost
	}
	t.RetryCount++
	t.DueDate = retryAt
	t.LockOwner = nil
	t.LockExpiresAt = nil
	return nil
}

func (m *memRepo) MarkTimerFailed(ctx context.Context, id, workerID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timers[id]
	if !ok || !m.owns(t, workerID) {
		return domain.ErrJobOwnershipLost
	}
	t.Status = domain.TimerFailed
	t.LockOwner = nil
	t.LockExpiresAt = nil
	return nil
}

func (m *memRepo) CancelTimer(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timers[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if t.Status != domain.TimerPending {
		return false, nil
	}
	t.Status = domain.TimerCancelled
	t.LockOwner = nil
	t.LockExpiresAt = nil
	return true, nil
}

func (m *memRepo) CancelTimersByProcessInstance(ctx context.Context, pid string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.timers {
		if t.Status == domain.TimerPending && t.ProcessInstanceID != nil && *t.ProcessInstanceID == pid {
			t.Status = domain.TimerCancelled
			n++
		}
	}
	return n, nil
}

func (m *memRepo) CancelTimersByExecution(ctx context.Context, eid string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.timers {
		if t.Status == domain.TimerPending && t.ExecutionID != nil && *t.ExecutionID == eid {
			t.Status = domain.TimerCancelled
			n++
		}
	}
	return n, nil
}

func (m *memRepo) ReleaseExpiredTimerLocks(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.timers {
		if t.Status == domain.TimerPending && t.LockOwner != nil && t.LockExpiresAt != nil && t.LockExpiresAt.Before(now) {
			t.LockOwner = nil
			t.LockExpiresAt = nil
			n++
		}
	}
	return n, nil
}

func (m *memRepo) DeleteFinishedTimersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, t := range m.timers {
		switch t.Status {
		case domain.TimerExecuted, domain.TimerCancelled:
			last := t.CreatedAt
			if t.ExecutedAt != nil {
				last = *t.ExecutedAt
			}
			if last.Before(cutoff) {
				delete(m.timers, id)
				n++
			}
		}
	}
	return n, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock { return &fakeClock{now: start} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEngine(repo *memRepo, registry *engine.Registry, clock *fakeClock) *timer.Engine {
	return timer.New(repo, registry, engine.NewBus(), timer.DefaultConfig("worker-1"), timer.WithClock(clock.Now))
}

// runDue drives one due-scan plus execution, the way a scheduler tick would.
func runDue(t *testing.T, e *timer.Engine) int {
	t.Helper()
	due, err := e.GetDueTimers(context.Background())
	if err != nil {
		t.Fatalf("GetDueTimers: %v", err)
	}
	for _, tm := range due {
		if err := e.ExecuteTimer(context.Background(), tm); err != nil {
			t.Fatalf("ExecuteTimer %s: %v", tm.ID, err)
		}
	}
	return len(due)
}

func TestCreateTimerComputesDueDate(t *testing.T) {
	repo := newMemRepo()
	t0 := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := newFakeClock(t0)
	e := newTestEngine(repo, engine.NewRegistry(), clock)

	created, err := e.CreateTimer(context.Background(), timer.CreateParams{
		TimerType:    domain.TimerDuration,
		Expression:   "PT5M",
		CallbackType: "wake-execution",
	})
	if err != nil {
		t.Fatalf("CreateTimer: %v", err)
	}
	if !created.DueDate.Equal(t0.Add(5 * time.Minute)) {
		t.Errorf("DueDate = %v", created.DueDate)
	}
	if created.Repeat {
		t.Error("duration timer should not repeat by default")
	}

	if _, err := e.CreateTimer(context.Background(), timer.CreateParams{
		TimerType:    domain.TimerDuration,
		Expression:   "bogus",
		CallbackType: "wake-execution",
	}); !errors.Is(err, schedule.ErrInvalidExpression) {
		t.Errorf("expected ErrInvalidExpression, got %v", err)
	}
}

func TestCycleTimerFiresExactlyMaxExecutions(t *testing.T) {
	repo := newMemRepo()
	t0 := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := newFakeClock(t0)
	registry := engine.NewRegistry()

	var firings []time.Time
	registry.RegisterTimerCallback("tick", func(ctx context.Context, f engine.TimerFiring) error {
		firings = append(firings, f.Timer.DueDate)
		return nil
	})
	registry.Seal()

	e := newTestEngine(repo, registry, clock)
	created, err := e.CreateTimer(context.Background(), timer.CreateParams{
		TimerType:     domain.TimerCycle,
		Expression:    "R/PT1M",
		MaxExecutions: ptr.To(3),
		CallbackType:  "tick",
	})
	if err != nil {
		t.Fatalf("CreateTimer: %v", err)
	}

	// Fires at t0+1m, t0+2m, t0+3m, then the timer is executed.
	for minute := 1; minute <= 5; minute++ {
		clock.Advance(time.Minute)
		runDue(t, e)
	}

	if len(firings) != 3 {
		t.Fatalf("fired %d times, want exactly 3", len(firings))
	}
	for i, want := range []time.Time{t0.Add(time.Minute), t0.Add(2 * time.Minute), t0.Add(3 * time.Minute)} {
		if !firings[i].Equal(want) {
			t.Errorf("firing %d at %v, want %v", i, firings[i], want)
		}
	}

	stored, _ := repo.FindTimerByID(context.Background(), created.ID)
	if stored.Status != domain.TimerExecuted || stored.ExecutionCount != 3 {
		t.Errorf("final state = %s count %d", stored.Status, stored.ExecutionCount)
	}
}

func TestBoundedCycleSetsMaxExecutionsFromExpression(t *testing.T) {
	repo := newMemRepo()
	clock := newFakeClock(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	e := newTestEngine(repo, engine.NewRegistry(), clock)

	created, err := e.CreateTimer(context.Background(), timer.CreateParams{
		TimerType:    domain.TimerCycle,
		Expression:   "R3/PT1M",
		CallbackType: "tick",
	})
	if err != nil {
		t.Fatalf("CreateTimer: %v", err)
	}
	if created.MaxExecutions == nil || *created.MaxExecutions != 3 {
		t.Errorf("MaxExecutions = %v, want 3 from R3 prefix", created.MaxExecutions)
	}
}

func TestEndTimeTerminatesCycle(t *testing.T) {
	repo := newMemRepo()
	t0 := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := newFakeClock(t0)
	registry := engine.NewRegistry()

	var fired int
	registry.RegisterTimerCallback("tick", func(ctx context.Context, f engine.TimerFiring) error {
		fired++
		return nil
	})
	registry.Seal()

	e := newTestEngine(repo, registry, clock)
	created, err := e.CreateTimer(context.Background(), timer.CreateParams{
		TimerType:    domain.TimerCycle,
		Expression:   "R/PT1M",
		EndTime:      ptr.To(t0.Add(90 * time.Second)),
		CallbackType: "tick",
	})
	if err != nil {
		t.Fatalf("CreateTimer: %v", err)
	}

	clock.Advance(time.Minute)
	runDue(t, e) // fires at +1m; next occurrence +2m > endTime, so terminates

	if fired != 1 {
		t.Errorf("fired %d times, want 1", fired)
	}
	stored, _ := repo.FindTimerByID(context.Background(), created.ID)
	if stored.Status != domain.TimerExecuted {
		t.Errorf("Status = %s, want executed", stored.Status)
	}
}

func TestEndTimeBeforeFirstDueCreatesTerminalTimer(t *testing.T) {
	repo := newMemRepo()
	t0 := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := newFakeClock(t0)
	registry := engine.NewRegistry()

	var fired int
	registry.RegisterTimerCallback("tick", func(ctx context.Context, f engine.TimerFiring) error {
		fired++
		return nil
	})
	registry.Seal()

	e := newTestEngine(repo, registry, clock)
	created, err := e.CreateTimer(context.Background(), timer.CreateParams{
		TimerType:    domain.TimerDuration,
		Expression:   "PT5M",
		EndTime:      ptr.To(t0.Add(time.Minute)),
		CallbackType: "tick",
	})
	if err != nil {
		t.Fatalf("CreateTimer: %v", err)
	}
	if created.Status != domain.TimerExecuted {
		t.Errorf("Status = %s, want executed when the window closes before the first due date", created.Status)
	}
	if created.ExecutedAt == nil {
		t.Error("ExecutedAt not set")
	}

	clock.Advance(10 * time.Minute)
	if n := runDue(t, e); n != 0 {
		t.Errorf("due scan returned %d timers, want 0", n)
	}
	if fired != 0 {
		t.Errorf("fired %d times, want 0", fired)
	}
}

func TestCallbackFailureRetriesThenFails(t *testing.T) {
	repo := newMemRepo()
	t0 := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := newFakeClock(t0)
	registry := engine.NewRegistry()

	registry.RegisterTimerCallback("broken", func(ctx context.Context, f engine.TimerFiring) error {
		return errors.New("callback exploded")
	})
	registry.Seal()

	e := newTestEngine(repo, registry, clock)
	created, err := e.CreateTimer(context.Background(), timer.CreateParams{
		TimerType:    domain.TimerDate,
		Expression:   "2030-01-01T00:00:00Z",
		CallbackType: "broken",
	})
	if err != nil {
		t.Fatalf("CreateTimer: %v", err)
	}

	// Retry delays are 2^retryCount seconds: +2s, +4s, +8s, then failed.
	for attempt := 0; attempt <= 3; attempt++ {
		if n := runDue(t, e); n != 1 {
			t.Fatalf("attempt %d: %d due timers", attempt, n)
		}
		stored, _ := repo.FindTimerByID(context.Background(), created.ID)
		if attempt < 3 {
			if stored.Status != domain.TimerPending {
				t.Fatalf("attempt %d: status %s", attempt, stored.Status)
			}
			wantDue := clock.Now().Add(time.Duration(1<<(attempt+1)) * time.Second)
			if !stored.DueDate.Equal(wantDue) {
				t.Errorf("attempt %d: due %v, want %v", attempt, stored.DueDate, wantDue)
			}
			clock.Advance(stored.DueDate.Sub(clock.Now()))
		} else if stored.Status != domain.TimerFailed {
			t.Errorf("final status = %s, want failed", stored.Status)
		}
	}
}

func TestPanicInCallbackFlowsThroughRetry(t *testing.T) {
	repo := newMemRepo()
	clock := newFakeClock(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	registry := engine.NewRegistry()
	registry.RegisterTimerCallback("boom", func(ctx context.Context, f engine.TimerFiring) error {
		panic("callback bug")
	})
	registry.Seal()

	e := newTestEngine(repo, registry, clock)
	created, err := e.CreateTimer(context.Background(), timer.CreateParams{
		TimerType:    domain.TimerDate,
		Expression:   "2030-01-01T00:00:00Z",
		CallbackType: "boom",
	})
	if err != nil {
		t.Fatalf("CreateTimer: %v", err)
	}

	runDue(t, e)

	stored, _ := repo.FindTimerByID(context.Background(), created.ID)
	if stored.Status != domain.TimerPending || stored.RetryCount != 1 {
		t.Errorf("after panic: status %s retries %d", stored.Status, stored.RetryCount)
	}
}

func TestCancelTimerIsIdempotent(t *testing.T) {
	repo := newMemRepo()
	clock := newFakeClock(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	e := newTestEngine(repo, engine.NewRegistry(), clock)
	ctx := context.Background()

	created, err := e.CreateTimer(ctx, timer.CreateParams{
		TimerType:    domain.TimerDuration,
		Expression:   "PT1H",
		CallbackType: "wake",
	})
	if err != nil {
		t.Fatalf("CreateTimer: %v", err)
	}

	if err := e.CancelTimer(ctx, created.ID); err != nil {
		t.Fatalf("CancelTimer: %v", err)
	}
	if err := e.CancelTimer(ctx, created.ID); err != nil {
		t.Fatalf("second CancelTimer: %v", err)
	}
	if err := e.CancelTimer(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("cancel missing: expected ErrNotFound, got %v", err)
	}

	stored, _ := repo.FindTimerByID(ctx, created.ID)
	if stored.Status != domain.TimerCancelled {
		t.Errorf("Status = %s", stored.Status)
	}

	// A cancelled timer is never selected or fired.
	clock.Advance(2 * time.Hour)
	if n := runDue(t, e); n != 0 {
		t.Errorf("cancelled timer still due: %d", n)
	}
}

func TestCancelTimersByProcessInstance(t *testing.T) {
	repo := newMemRepo()
	clock := newFakeClock(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	e := newTestEngine(repo, engine.NewRegistry(), clock)
	ctx := context.Background()

	for range 2 {
		if _, err := e.CreateTimer(ctx, timer.CreateParams{
			TimerType:         domain.TimerDuration,
			Expression:        "PT1H",
			CallbackType:      "wake",
			ProcessInstanceID: ptr.To("pi-1"),
		}); err != nil {
			t.Fatalf("CreateTimer: %v", err)
		}
	}
	other, err := e.CreateTimer(ctx, timer.CreateParams{
		TimerType:         domain.TimerDuration,
		Expression:        "PT1H",
		CallbackType:      "wake",
		ProcessInstanceID: ptr.To("pi-2"),
	})
	if err != nil {
		t.Fatalf("CreateTimer: %v", err)
	}

	n, err := e.CancelTimersByProcessInstance(ctx, "pi-1")
	if err != nil || n != 2 {
		t.Fatalf("CancelTimersByProcessInstance = %d, %v", n, err)
	}
	stored, _ := repo.FindTimerByID(ctx, other.ID)
	if stored.Status != domain.TimerPending {
		t.Errorf("unrelated timer cancelled")
	}
}

func TestMissingCallbackLeavesTimerPending(t *testing.T) {
	repo := newMemRepo()
	clock := newFakeClock(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	registry := engine.NewRegistry()
	registry.Seal()

	e := newTestEngine(repo, registry, clock)
	created, err := e.CreateTimer(context.Background(), timer.CreateParams{
		TimerType:    domain.TimerDate,
		Expression:   "2030-01-01T00:00:00Z",
		CallbackType: "not-registered",
	})
	if err != nil {
		t.Fatalf("CreateTimer: %v", err)
	}

	runDue(t, e)

	stored, _ := repo.FindTimerByID(context.Background(), created.ID)
	if stored.Status != domain.TimerPending {
		t.Errorf("Status = %s, want pending", stored.Status)
	}
	if stored.ExecutionCount != 0 {
		t.Errorf("ExecutionCount = %d", stored.ExecutionCount)
	}
}

func TestDueScanSkipsClaimedTimers(t *testing.T) {
	repo := newMemRepo()
	t0 := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := newFakeClock(t0)
	e := newTestEngine(repo, engine.NewRegistry(), clock)
	ctx := context.Background()

	created, err := e.CreateTimer(ctx, timer.CreateParams{
		TimerType:    domain.TimerDate,
		Expression:   "2030-01-01T00:00:00Z",
		CallbackType: "wake",
	})
	if err != nil {
		t.Fatalf("CreateTimer: %v", err)
	}

	ok, err := repo.TryClaimTimer(ctx, created.ID, "other-worker", time.Minute, clock.Now())
	if err != nil || !ok {
		t.Fatalf("TryClaimTimer: %v %v", ok, err)
	}

	due, err := e.GetDueTimers(ctx)
	if err != nil {
		t.Fatalf("GetDueTimers: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("claimed timer still due: %d", len(due))
	}

	// After the claim expires the sweeper releases it and it is due again.
	clock.Advance(2 * time.Minute)
	released, err := e.ReleaseExpiredLocks(ctx)
	if err != nil || released != 1 {
		t.Fatalf("ReleaseExpiredLocks = %d, %v", released, err)
	}
	due, _ = e.GetDueTimers(ctx)
	if len(due) != 1 {
		t.Errorf("reaped timer not due: %d", len(due))
	}
}
