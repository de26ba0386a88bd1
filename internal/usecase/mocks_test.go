package usecase

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"

	"video-batch-service/internal/domain"
	"video-batch-service/internal/domain/model"
	"video-batch-service/internal/domain/ports/repository"
)

// mockTx mirrors the advisory-lock transaction semantics the use cases rely
// on: locks acquired through LockUser are held until the transaction ends,
// and writes registered with an undo are reverted when the callback errors.
type mockTx struct {
	locks []*sync.Mutex
	undo  []func()
}

func (t *mockTx) onRollback(fn func()) {
	if t != nil {
		t.undo = append(t.undo, fn)
	}
}

type mockTxManager struct {
	mu    sync.Mutex
	users map[string]*sync.Mutex
}

func newMockTxManager() *mockTxManager {
	return &mockTxManager{users: make(map[string]*sync.Mutex)}
}

func (m *mockTxManager) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	tx := &mockTx{}
	err := fn(ctx, tx)
	if err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
	}
	for i := len(tx.locks) - 1; i >= 0; i-- {
		tx.locks[i].Unlock()
	}
	return err
}

func (m *mockTxManager) LockUser(ctx context.Context, tx repository.Tx, userID string) error {
	mtx, ok := tx.(*mockTx)
	if !ok {
		return domain.ErrInvalidExecContext
	}
	m.mu.Lock()
	lock, found := m.users[userID]
	if !found {
		lock = &sync.Mutex{}
		m.users[userID] = lock
	}
	m.mu.Unlock()
	lock.Lock()
	mtx.locks = append(mtx.locks, lock)
	return nil
}

func asMockTx(tx repository.Tx) *mockTx {
	if t, ok := tx.(*mockTx); ok {
		return t
	}
	return nil
}

// --- ledger ---

type mockLedgerRepo struct {
	mu      sync.RWMutex
	entries []model.CreditEntry
}

func (m *mockLedgerRepo) Append(ctx context.Context, tx repository.Tx, e *model.CreditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = model.NewEntryID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.entries = append(m.entries, *e)
	asMockTx(tx).onRollback(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.entries = m.entries[:len(m.entries)-1]
	})
	return nil
}

func (m *mockLedgerRepo) SumByUser(ctx context.Context, tx repository.Tx, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum := 0
	for _, e := range m.entries {
		if e.UserID == userID {
			sum += e.Delta
		}
	}
	return sum, nil
}

func (m *mockLedgerRepo) TaskEntryCounts(ctx context.Context, tx repository.Tx, taskID string) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	refunds, deducts := 0, 0
	for _, e := range m.entries {
		if e.RefTaskID != taskID {
			continue
		}
		if e.Delta > 0 {
			refunds++
		} else if e.Delta < 0 {
			deducts++
		}
	}
	return refunds, deducts, nil
}

func (m *mockLedgerRepo) ListByUser(ctx context.Context, tx repository.Tx, userID string, offset, limit int) ([]*model.CreditEntry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var mine []*model.CreditEntry
	for i := len(m.entries) - 1; i >= 0; i-- { // newest first
		if m.entries[i].UserID == userID {
			cp := m.entries[i]
			mine = append(mine, &cp)
		}
	}
	total := len(mine)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return mine[offset:end], total, nil
}

func (m *mockLedgerRepo) byReason(reason model.CreditReason) []model.CreditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.CreditEntry
	for _, e := range m.entries {
		if e.Reason == reason {
			out = append(out, e)
		}
	}
	return out
}

// --- batches / tasks ---

type mockBatchRepo struct {
	mu      sync.RWMutex
	batches map[string]*model.Batch
	tasks   *mockTaskRepo
}

func newMockBatchRepo(tasks *mockTaskRepo) *mockBatchRepo {
	return &mockBatchRepo{batches: make(map[string]*model.Batch), tasks: tasks}
}

func (m *mockBatchRepo) Save(ctx context.Context, tx repository.Tx, b *model.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	_, existed := m.batches[b.ID]
	cp := *b
	m.batches[b.ID] = &cp
	if !existed {
		id := b.ID
		asMockTx(tx).onRollback(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.batches, id)
		})
	}
	return nil
}

func (m *mockBatchRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[id]
	if !ok || b.DeletedAt != nil {
		return nil, domain.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *mockBatchRepo) ListByUser(ctx context.Context, tx repository.Tx, userID string, offset, limit int) ([]*model.Batch, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var mine []*model.Batch
	for _, b := range m.batches {
		if b.UserID == userID && b.DeletedAt == nil {
			cp := *b
			mine = append(mine, &cp)
		}
	}
	sort.Slice(mine, func(i, j int) bool { return mine[i].ID > mine[j].ID }) // ULIDs: newest first
	total := len(mine)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return mine[offset:end], total, nil
}

func (m *mockBatchRepo) TaskCounts(ctx context.Context, tx repository.Tx, batchID string) (model.TaskCounts, error) {
	tasks, _ := m.tasks.ListByBatch(ctx, tx, batchID)
	var counts model.TaskCounts
	for _, t := range tasks {
		counts.Add(t.Status, 1)
	}
	return counts, nil
}

func (m *mockBatchRepo) SoftDelete(ctx context.Context, tx repository.Tx, batchID string) error {
	m.mu.Lock()
	b, ok := m.batches[batchID]
	if !ok || b.DeletedAt != nil {
		m.mu.Unlock()
		return domain.ErrNotFound
	}
	now := time.Now()
	b.DeletedAt = &now
	m.mu.Unlock()

	tasks, _ := m.tasks.ListByBatch(ctx, tx, batchID)
	for _, t := range tasks {
		_ = m.tasks.SoftDelete(ctx, tx, t.ID)
	}
	return nil
}

type mockTaskRepo struct {
	mu    sync.RWMutex
	tasks map[string]*model.Task
}

func newMockTaskRepo() *mockTaskRepo { return &mockTaskRepo{tasks: make(map[string]*model.Task)} }

func (m *mockTaskRepo) Save(ctx context.Context, tx repository.Tx, t *model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.UpdatedAt = time.Now()
	_, existed := m.tasks[t.ID]
	cp := *t
	m.tasks[t.ID] = &cp
	if !existed {
		id := t.ID
		asMockTx(tx).onRollback(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.tasks, id)
		})
	}
	return nil
}

func (m *mockTaskRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok || t.DeletedAt != nil {
		return nil, domain.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *mockTaskRepo) ListByBatch(ctx context.Context, tx repository.Tx, batchID string) ([]*model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Task
	for _, t := range m.tasks {
		if t.BatchID == batchID && t.DeletedAt == nil {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockTaskRepo) Claim(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.DeletedAt != nil {
		return false, nil
	}
	if t.Status != model.TaskStatusPending && t.Status != model.TaskStatusQueued {
		return false, nil
	}
	t.Status = model.TaskStatusRunning
	t.UpdatedAt = time.Now()
	return true, nil
}

func (m *mockTaskRepo) UpdateStatus(ctx context.Context, tx repository.Tx, id string, from []model.TaskStatus, to model.TaskStatus, errorSummary string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.DeletedAt != nil {
		return false, nil
	}
	for _, f := range from {
		if t.Status == f {
			prevStatus, prevSummary := t.Status, t.ErrorSummary
			t.Status = to
			t.ErrorSummary = errorSummary
			t.UpdatedAt = time.Now()
			asMockTx(tx).onRollback(func() {
				m.mu.Lock()
				defer m.mu.Unlock()
				t.Status = prevStatus
				t.ErrorSummary = prevSummary
			})
			return true, nil
		}
	}
	return false, nil
}

func (m *mockTaskRepo) SetProviderJobID(ctx context.Context, tx repository.Tx, id, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		t.ProviderJobID = jobID
	}
	return nil
}

func (m *mockTaskRepo) SetResult(ctx context.Context, tx repository.Tx, id, resultRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		t.ResultRef = resultRef
	}
	return nil
}

func (m *mockTaskRepo) SoftDelete(ctx context.Context, tx repository.Tx, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.DeletedAt != nil {
		return domain.ErrNotFound
	}
	now := time.Now()
	t.DeletedAt = &now
	return nil
}

func (m *mockTaskRepo) ListStuckRunning(ctx context.Context, tx repository.Tx, olderThan time.Duration) ([]*model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cutoff := time.Now().Add(-olderThan)
	var out []*model.Task
	for _, t := range m.tasks {
		if t.DeletedAt == nil && t.Status == model.TaskStatusRunning && t.UpdatedAt.Before(cutoff) {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockTaskRepo) ListRecoverable(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, t := range m.tasks {
		if t.DeletedAt == nil && (t.Status == model.TaskStatusPending || t.Status == model.TaskStatusQueued) {
			out = append(out, t.ID)
		}
	}
	return out, nil
}

// force sets a task's status and timestamp directly, bypassing guards.
func (m *mockTaskRepo) force(id string, status model.TaskStatus, updatedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		t.Status = status
		t.UpdatedAt = updatedAt
	}
}

// --- idempotency ---

type mockIdemRepo struct {
	mu   sync.Mutex
	recs map[string]repository.IdempotencyRecord
	// suppressFinds makes the next N Find calls miss, simulating the window
	// where a concurrent creator has not committed yet.
	suppressFinds int
}

func newMockIdemRepo() *mockIdemRepo {
	return &mockIdemRepo{recs: make(map[string]repository.IdempotencyRecord)}
}

func (m *mockIdemRepo) Insert(ctx context.Context, tx repository.Tx, rec *repository.IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[rec.Key]; ok {
		return domain.ErrAlreadyExists
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	m.recs[rec.Key] = *rec
	key := rec.Key
	asMockTx(tx).onRollback(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.recs, key)
	})
	return nil
}

func (m *mockIdemRepo) Find(ctx context.Context, tx repository.Tx, key string) (*repository.IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.suppressFinds > 0 {
		m.suppressFinds--
		return nil, domain.ErrNotFound
	}
	rec, ok := m.recs[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := rec
	return &cp, nil
}

func (m *mockIdemRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, rec := range m.recs {
		if rec.CreatedAt.Before(cutoff) {
			delete(m.recs, k)
			n++
		}
	}
	return n, nil
}

// --- queue ---

type mockEnqueuer struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (m *mockEnqueuer) Enqueue(taskIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.ids = append(m.ids, taskIDs...)
	return nil
}

func (m *mockEnqueuer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ids)
}
