package batch_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rezkam/conductor/internal/domain"
	"github.com/rezkam/conductor/internal/engine"
	"github.com/rezkam/conductor/internal/engine/batch"
)

type memRepo struct {
	mu      sync.Mutex
	batches map[string]*domain.Batch
	parts   map[string]*domain.BatchPart
}

func newMemRepo() *memRepo {
	return &memRepo{
		batches: make(map[string]*domain.Batch),
		parts:   make(map[string]*domain.BatchPart),
	}
}

func (m *memRepo) CreateBatch(ctx context.Context, b *domain.Batch, parts []*domain.BatchPart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.batches[b.ID] = &cp
	for _, p := range parts {
		pc := *p
		m.parts[p.ID] = &pc
	}
	return nil
}

func (m *memRepo) FindBatchByID(ctx context.Context, id string) (*domain.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *memRepo) ListRunnableBatches(ctx context.Context, limit int) ([]*domain.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Batch
	for _, b := range m.batches {
		if b.Status == domain.BatchPending || b.Status == domain.BatchRunning {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Priority != out[b].Priority {
			return out[a].Priority > out[b].Priority
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRepo) MarkBatchRunning(ctx context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return domain.ErrNotFound
	}
	if b.Status == domain.BatchPending {
		b.Status = domain.BatchRunning
		b.StartedAt = &now
	}
	return nil
}

func (m *memRepo) AppendParts(ctx context.Context, batchID string, parts []*domain.BatchPart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return domain.ErrNotFound
	}
	if b.Status != domain.BatchPending {
		return domain.ErrInvalidState
	}
	for _, p := range parts {
		pc := *p
		m.parts[p.ID] = &pc
	}
	b.Total += len(parts)
	return nil
}

func (m *memRepo) ListPendingParts(ctx context.Context, batchID string, limit int) ([]*domain.BatchPart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.BatchPart
	for _, p := range m.parts {
		if p.BatchID == batchID && p.Status == domain.PartPending {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRepo) TryClaimPart(ctx context.Context, partID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.parts[partID]
	if !ok || p.Status != domain.PartPending {
		return false, nil
	}
	p.Status = domain.PartRunning
	p.StartedAt = &now
	return true, nil
}

func (m *memRepo) CompletePart(ctx context.Context, partID string, result []byte, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.parts[partID]
	if !ok {
		return domain.ErrNotFound
	}
	p.Status = domain.PartCompleted
	p.Result = result
	p.EndedAt = &now
	return nil
}

func (m *memRepo) FailPart(ctx context.Context, partID, errMsg string, retry bool, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.parts[partID]
	if !ok {
		return domain.ErrNotFound
	}
	p.ErrorMessage = &errMsg
	if retry {
		p.Status = domain.PartPending
		p.RetryCount++
	} else {
		p.Status = domain.PartFailed
		p.EndedAt = &now
	}
	return nil
}

func (m *memRepo) CountRunningParts(ctx context.Context, batchID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.parts {
		if p.BatchID == batchID && p.Status == domain.PartRunning {
			n++
		}
	}
	return n, nil
}

func (m *memRepo) RecomputeBatchCounters(ctx context.Context, batchID string) (*domain.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	var success, fail, skipped int
	for _, p := range m.parts {
		if p.BatchID != batchID {
			continue
		}
		switch p.Status {
		case domain.PartCompleted:
			success++
		case domain.PartFailed:
			fail++
		case domain.PartSkipped:
			skipped++
		}
	}
	b.SuccessTotal = success
	b.FailTotal = fail
	b.ProcessedTotal = success + fail + skipped
	cp := *b
	return &cp, nil
}

func (m *memRepo) FinalizeBatch(ctx context.Context, batchID string, status domain.BatchStatus, errMsg *string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return domain.ErrNotFound
	}
	if b.Terminal() {
		return nil
	}
	b.Status = status
	b.ErrorMessage = errMsg
	b.EndedAt = &now
	return nil
}

func (m *memRepo) CancelBatch(ctx context.Context, batchID string, now time.Time) (*domain.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if b.Status != domain.BatchPending && b.Status != domain.BatchRunning {
		return nil, domain.ErrInvalidState
	}
	b.Status = domain.BatchCancelled
	b.EndedAt = &now
	for _, p := range m.parts {
		if p.BatchID == batchID && p.Status == domain.PartPending {
			p.Status = domain.PartSkipped
			p.EndedAt = &now
		}
	}
	cp := *b
	return &cp, nil
}

func (m *memRepo) ReleaseStalledParts(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, p := range m.parts {
		if p.Status == domain.PartRunning && p.StartedAt != nil && p.StartedAt.Before(cutoff) {
			p.Status = domain.PartPending
			p.StartedAt = nil
			n++
		}
	}
	return n, nil
}

func (m *memRepo) ResetFailedParts(ctx context.Context, batchID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, p := range m.parts {
		if p.BatchID == batchID && p.Status == domain.PartFailed {
			p.Status = domain.PartPending
			p.RetryCount = 0
			p.ErrorMessage = nil
			p.EndedAt = nil
			n++
		}
	}
	if n > 0 {
		if b, ok := m.batches[batchID]; ok && b.Status == domain.BatchFailed {
			b.Status = domain.BatchPending
			b.EndedAt = nil
		}
	}
	return n, nil
}

func (m *memRepo) DeleteFinishedBatchesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, b := range m.batches {
		if b.Terminal() && b.EndedAt != nil && b.EndedAt.Before(cutoff) {
			delete(m.batches, id)
			for pid, p := range m.parts {
				if p.BatchID == id {
					delete(m.parts, pid)
				}
			}
			n++
		}
	}
	return n, nil
}

func (m *memRepo) partsOf(batchID string) []*domain.BatchPart {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.BatchPart
	for _, p := range m.parts {
		if p.BatchID == batchID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out
}

func newTestEngine(repo *memRepo, registry *engine.Registry) *batch.Engine {
	return batch.New(repo, registry, engine.NewBus(), batch.DefaultConfig())
}

// drain runs processing passes until the batch stops changing, the way
// repeated scheduler ticks would.
func drain(t *testing.T, e *batch.Engine, repo *memRepo, batchID string, maxPasses int) *domain.Batch {
	t.Helper()
	ctx := context.Background()
	for range maxPasses {
		b, err := repo.FindBatchByID(ctx, batchID)
		if err != nil {
			t.Fatalf("FindBatchByID: %v", err)
		}
		if b.Terminal() {
			return b
		}
		if err := e.ProcessBatch(ctx, b); err != nil {
			t.Fatalf("ProcessBatch: %v", err)
		}
	}
	b, _ := repo.FindBatchByID(ctx, batchID)
	return b
}

func items(n int) []batch.ItemSpec {
	out := make([]batch.ItemSpec, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, batch.ItemSpec{Type: "t", Data: []byte{byte(i)}})
	}
	return out
}

func TestCreateBatchWithItems(t *testing.T) {
	repo := newMemRepo()
	e := newTestEngine(repo, engine.NewRegistry())

	created, err := e.CreateBatch(context.Background(), batch.CreateParams{
		Type:  "custom",
		Items: []batch.ItemSpec{{Type: "t", Data: []byte(`{"k":1}`)}, {Type: "t", Data: []byte(`{"k":2}`)}},
	})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	if created.Total != 2 || created.ProcessedTotal != 0 || created.Status != domain.BatchPending {
		t.Errorf("batch = total %d processed %d status %s", created.Total, created.ProcessedTotal, created.Status)
	}
	parts := repo.partsOf(created.ID)
	if len(parts) != 2 {
		t.Fatalf("parts = %d", len(parts))
	}
	for _, p := range parts {
		if p.Status != domain.PartPending {
			t.Errorf("part %s status = %s", p.ID, p.Status)
		}
	}
}

func TestBatchCompletesWhenAllPartsSucceed(t *testing.T) {
	repo := newMemRepo()
	registry := engine.NewRegistry()
	registry.RegisterPartExecutor("t", func(ctx context.Context, part *domain.BatchPart, b *domain.Batch) engine.PartResult {
		return engine.PartResult{Success: true, Result: []byte("done")}
	})
	registry.Seal()

	e := newTestEngine(repo, registry)
	created, err := e.CreateBatch(context.Background(), batch.CreateParams{Type: "custom", Items: items(3)})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	final := drain(t, e, repo, created.ID, 5)
	if final.Status != domain.BatchCompleted {
		t.Errorf("Status = %s, want completed", final.Status)
	}
	if final.ProcessedTotal != 3 || final.SuccessTotal != 3 || final.FailTotal != 0 {
		t.Errorf("counters = %d/%d/%d", final.ProcessedTotal, final.SuccessTotal, final.FailTotal)
	}
	if final.EndedAt == nil {
		t.Error("EndedAt not set")
	}
}

func TestBatchCompletionMath(t *testing.T) {
	repo := newMemRepo()
	registry := engine.NewRegistry()

	// Parts with data byte >= 7 fail terminally.
	registry.RegisterPartExecutor("t", func(ctx context.Context, part *domain.BatchPart, b *domain.Batch) engine.PartResult {
		if part.Data[0] >= 7 {
			return engine.PartResult{Success: false, Error: "bad item"}
		}
		return engine.PartResult{Success: true}
	})
	registry.Seal()

	e := newTestEngine(repo, registry)
	zero := 0
	created, err := e.CreateBatch(context.Background(), batch.CreateParams{
		Type:       "custom",
		Items:      items(10),
		MaxRetries: &zero,
	})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	final := drain(t, e, repo, created.ID, 5)
	if final.Status != domain.BatchFailed {
		t.Errorf("Status = %s, want failed (non-zero failures)", final.Status)
	}
	if final.ProcessedTotal != 10 || final.SuccessTotal != 7 || final.FailTotal != 3 {
		t.Errorf("counters = %d/%d/%d, want 10/7/3", final.ProcessedTotal, final.SuccessTotal, final.FailTotal)
	}
}

func TestPartRetryUpToBatchMaxRetries(t *testing.T) {
	repo := newMemRepo()
	registry := engine.NewRegistry()

	attempts := make(map[string]int)
	var mu sync.Mutex
	registry.RegisterPartExecutor("t", func(ctx context.Context, part *domain.BatchPart, b *domain.Batch) engine.PartResult {
		mu.Lock()
		attempts[part.ID]++
		n := attempts[part.ID]
		mu.Unlock()
		if n < 2 {
			return engine.PartResult{Success: false, Error: "flaky"}
		}
		return engine.PartResult{Success: true}
	})
	registry.Seal()

	e := newTestEngine(repo, registry)
	created, err := e.CreateBatch(context.Background(), batch.CreateParams{Type: "custom", Items: items(1)})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	final := drain(t, e, repo, created.ID, 10)
	if final.Status != domain.BatchCompleted {
		t.Errorf("Status = %s, want completed after retry", final.Status)
	}
	parts := repo.partsOf(created.ID)
	if parts[0].RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", parts[0].RetryCount)
	}
}

func TestPartExhaustsRetriesAndFails(t *testing.T) {
	repo := newMemRepo()
	registry := engine.NewRegistry()
	registry.RegisterPartExecutor("t", func(ctx context.Context, part *domain.BatchPart, b *domain.Batch) engine.PartResult {
		return engine.PartResult{Success: false, Error: "always broken"}
	})
	registry.Seal()

	e := newTestEngine(repo, registry)
	two := 2
	created, err := e.CreateBatch(context.Background(), batch.CreateParams{
		Type:       "custom",
		Items:      items(1),
		MaxRetries: &two,
	})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	final := drain(t, e, repo, created.ID, 10)
	if final.Status != domain.BatchFailed {
		t.Errorf("Status = %s, want failed", final.Status)
	}
	parts := repo.partsOf(created.ID)
	if parts[0].Status != domain.PartFailed || parts[0].RetryCount != 2 {
		t.Errorf("part = %s retries %d, want failed with retryCount at the bound", parts[0].Status, parts[0].RetryCount)
	}
}

func TestStalledPartReleasedAndBatchFinalizes(t *testing.T) {
	repo := newMemRepo()
	registry := engine.NewRegistry()
	registry.RegisterPartExecutor("t", func(ctx context.Context, part *domain.BatchPart, b *domain.Batch) engine.PartResult {
		return engine.PartResult{Success: true}
	})
	registry.Seal()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := batch.New(repo, registry, engine.NewBus(), batch.DefaultConfig(),
		batch.WithClock(func() time.Time { return now }))

	ctx := context.Background()
	created, err := e.CreateBatch(ctx, batch.CreateParams{Type: "custom", Items: items(2)})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	// One part was claimed by a worker that then died: its claim is older
	// than the batch timeout and nothing will ever transition it.
	parts := repo.partsOf(created.ID)
	claimed, err := repo.TryClaimPart(ctx, parts[0].ID, now.Add(-10*time.Minute))
	if err != nil || !claimed {
		t.Fatalf("TryClaimPart = %v, %v", claimed, err)
	}

	// Processing completes the live part but cannot finalize: one part is
	// still running from the batch's point of view.
	b := drain(t, e, repo, created.ID, 3)
	if b.Terminal() {
		t.Fatalf("batch finalized with a stalled running part, status = %s", b.Status)
	}

	released, err := e.ReleaseExpiredLocks(ctx)
	if err != nil {
		t.Fatalf("ReleaseExpiredLocks: %v", err)
	}
	if released != 1 {
		t.Fatalf("released = %d, want 1", released)
	}
	for _, p := range repo.partsOf(created.ID) {
		if p.ID == parts[0].ID {
			if p.Status != domain.PartPending || p.RetryCount != 0 {
				t.Errorf("released part = %s retries %d, want pending with retries unchanged", p.Status, p.RetryCount)
			}
		}
	}

	final := drain(t, e, repo, created.ID, 5)
	if final.Status != domain.BatchCompleted {
		t.Errorf("Status = %s, want completed after release", final.Status)
	}
	if final.ProcessedTotal != 2 || final.SuccessTotal != 2 {
		t.Errorf("counters = %d/%d, want 2/2", final.ProcessedTotal, final.SuccessTotal)
	}
}

func TestExecutorPanicFailsPart(t *testing.T) {
	repo := newMemRepo()
	registry := engine.NewRegistry()
	registry.RegisterPartExecutor("t", func(ctx context.Context, part *domain.BatchPart, b *domain.Batch) engine.PartResult {
		panic("executor bug")
	})
	registry.Seal()

	e := newTestEngine(repo, registry)
	zero := 0
	created, err := e.CreateBatch(context.Background(), batch.CreateParams{
		Type:       "custom",
		Items:      items(1),
		MaxRetries: &zero,
	})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	final := drain(t, e, repo, created.ID, 5)
	if final.Status != domain.BatchFailed {
		t.Errorf("Status = %s", final.Status)
	}
	parts := repo.partsOf(created.ID)
	if parts[0].ErrorMessage == nil {
		t.Error("panic must be recorded on the part")
	}
}

func TestMissingExecutorFailsPartTerminally(t *testing.T) {
	repo := newMemRepo()
	registry := engine.NewRegistry()
	registry.Seal()

	e := newTestEngine(repo, registry)
	created, err := e.CreateBatch(context.Background(), batch.CreateParams{Type: "unknown", Items: items(1)})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	final := drain(t, e, repo, created.ID, 5)
	if final.Status != domain.BatchFailed {
		t.Errorf("Status = %s, want failed", final.Status)
	}
	parts := repo.partsOf(created.ID)
	if parts[0].Status != domain.PartFailed {
		t.Errorf("part status = %s", parts[0].Status)
	}
}

func TestExecutorFallsBackToBatchType(t *testing.T) {
	repo := newMemRepo()
	registry := engine.NewRegistry()
	registry.RegisterPartExecutor("bulk-import", func(ctx context.Context, part *domain.BatchPart, b *domain.Batch) engine.PartResult {
		return engine.PartResult{Success: true}
	})
	registry.Seal()

	e := newTestEngine(repo, registry)
	created, err := e.CreateBatch(context.Background(), batch.CreateParams{
		Type:  "bulk-import",
		Items: []batch.ItemSpec{{Type: "row", Data: []byte("r1")}},
	})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	final := drain(t, e, repo, created.ID, 5)
	if final.Status != domain.BatchCompleted {
		t.Errorf("Status = %s, want completed via batch-type fallback", final.Status)
	}
}

func TestCancelBatchSkipsPendingParts(t *testing.T) {
	repo := newMemRepo()
	registry := engine.NewRegistry()
	registry.Seal()

	e := newTestEngine(repo, registry)
	ctx := context.Background()
	created, err := e.CreateBatch(ctx, batch.CreateParams{Type: "custom", Items: items(5)})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	// Simulate in-flight state: 2 completed, 1 running, 2 pending.
	parts := repo.partsOf(created.ID)
	now := time.Now().UTC()
	for i, p := range parts {
		switch {
		case i < 2:
			repo.TryClaimPart(ctx, p.ID, now)
			repo.CompletePart(ctx, p.ID, nil, now)
		case i == 2:
			repo.TryClaimPart(ctx, p.ID, now)
		}
	}

	cancelled, err := e.CancelBatch(ctx, created.ID)
	if err != nil {
		t.Fatalf("CancelBatch: %v", err)
	}
	if cancelled.Status != domain.BatchCancelled {
		t.Errorf("Status = %s", cancelled.Status)
	}

	var skipped, running int
	for _, p := range repo.partsOf(created.ID) {
		switch p.Status {
		case domain.PartSkipped:
			skipped++
		case domain.PartRunning:
			running++
		}
	}
	if skipped != 2 || running != 1 {
		t.Errorf("skipped %d running %d, want 2 and 1", skipped, running)
	}

	// Running part finishes naturally without reopening the batch.
	repo.CompletePart(ctx, repo.partsOf(created.ID)[2].ID, nil, now)
	b, _ := repo.FindBatchByID(ctx, created.ID)
	if b.Status != domain.BatchCancelled {
		t.Errorf("Status = %s after running part completed", b.Status)
	}

	// No failed parts, so retry is a no-op.
	reset, err := e.RetryFailedParts(ctx, created.ID)
	if err != nil || reset != 0 {
		t.Errorf("RetryFailedParts = %d, %v", reset, err)
	}

	// Idempotent cancel; completed batches reject it.
	if _, err := e.CancelBatch(ctx, created.ID); err != nil {
		t.Errorf("second cancel: %v", err)
	}
}

func TestCancelCompletedBatchIsInvalidState(t *testing.T) {
	repo := newMemRepo()
	registry := engine.NewRegistry()
	registry.RegisterPartExecutor("t", func(ctx context.Context, part *domain.BatchPart, b *domain.Batch) engine.PartResult {
		return engine.PartResult{Success: true}
	})
	registry.Seal()

	e := newTestEngine(repo, registry)
	created, err := e.CreateBatch(context.Background(), batch.CreateParams{Type: "custom", Items: items(1)})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	drain(t, e, repo, created.ID, 5)

	if _, err := e.CancelBatch(context.Background(), created.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("cancel completed: expected ErrInvalidState, got %v", err)
	}
}

func TestRetryFailedPartsReopensBatch(t *testing.T) {
	repo := newMemRepo()
	registry := engine.NewRegistry()

	var healed bool
	var mu sync.Mutex
	registry.RegisterPartExecutor("t", func(ctx context.Context, part *domain.BatchPart, b *domain.Batch) engine.PartResult {
		mu.Lock()
		ok := healed
		mu.Unlock()
		if !ok {
			return engine.PartResult{Success: false, Error: "downstream down"}
		}
		return engine.PartResult{Success: true}
	})
	registry.Seal()

	e := newTestEngine(repo, registry)
	zero := 0
	created, err := e.CreateBatch(context.Background(), batch.CreateParams{
		Type:       "custom",
		Items:      items(2),
		MaxRetries: &zero,
	})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	final := drain(t, e, repo, created.ID, 5)
	if final.Status != domain.BatchFailed {
		t.Fatalf("Status = %s, want failed", final.Status)
	}

	mu.Lock()
	healed = true
	mu.Unlock()

	reset, err := e.RetryFailedParts(context.Background(), created.ID)
	if err != nil || reset != 2 {
		t.Fatalf("RetryFailedParts = %d, %v", reset, err)
	}

	final = drain(t, e, repo, created.ID, 5)
	if final.Status != domain.BatchCompleted {
		t.Errorf("Status after retry = %s, want completed", final.Status)
	}
}

func TestAddPartsOnlyWhilePending(t *testing.T) {
	repo := newMemRepo()
	registry := engine.NewRegistry()
	registry.RegisterPartExecutor("t", func(ctx context.Context, part *domain.BatchPart, b *domain.Batch) engine.PartResult {
		return engine.PartResult{Success: true}
	})
	registry.Seal()

	e := newTestEngine(repo, registry)
	ctx := context.Background()
	created, err := e.CreateBatch(ctx, batch.CreateParams{Type: "custom", Items: items(1)})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	if err := e.AddParts(ctx, created.ID, items(2)); err != nil {
		t.Fatalf("AddParts while pending: %v", err)
	}
	b, _ := repo.FindBatchByID(ctx, created.ID)
	if b.Total != 3 {
		t.Errorf("Total = %d, want 3", b.Total)
	}

	drain(t, e, repo, created.ID, 5)
	if err := e.AddParts(ctx, created.ID, items(1)); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("AddParts after start: expected ErrInvalidState, got %v", err)
	}
}

func TestProcessTickSkipsTrackedBatches(t *testing.T) {
	repo := newMemRepo()
	registry := engine.NewRegistry()

	release := make(chan struct{})
	started := make(chan struct{}, 10)
	registry.RegisterPartExecutor("t", func(ctx context.Context, part *domain.BatchPart, b *domain.Batch) engine.PartResult {
		started <- struct{}{}
		<-release
		return engine.PartResult{Success: true}
	})
	registry.Seal()

	e := newTestEngine(repo, registry)
	ctx := context.Background()
	if _, err := e.CreateBatch(ctx, batch.CreateParams{Type: "custom", Items: items(1)}); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	if err := e.ProcessTick(ctx); err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}
	<-started

	// Overlapping tick must not start the same batch again.
	if err := e.ProcessTick(ctx); err != nil {
		t.Fatalf("second ProcessTick: %v", err)
	}
	select {
	case <-started:
		t.Error("batch processed twice concurrently")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	e.Wait()
}
