package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/devrev/indexstore/internal/model"
	"go.uber.org/zap"
)

type memoryTable struct {
	historical bool
	// rows per id, ordered by range start
	rows map[string][]model.Row
}

// MemoryStore is an in-process BackingStore and PoIStore. Writes are staged
// on the transaction and applied atomically on commit.
type MemoryStore struct {
	mu        sync.RWMutex
	tables    map[string]*memoryTable
	pois      map[uint64]*model.ProofOfIndex
	commitErr error
	logger    *zap.Logger
}

// NewMemoryStore creates an empty memory store
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		tables: make(map[string]*memoryTable),
		pois:   make(map[uint64]*model.ProofOfIndex),
		logger: logger,
	}
}

// FailNextCommit makes the next Commit fail with err after its writes were
// staged. Used to exercise rollback paths.
func (s *MemoryStore) FailNextCommit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitErr = err
}

type memoryTx struct {
	txHooks
	store *MemoryStore
	opsMu sync.Mutex
	ops   []func()
}

func (t *memoryTx) stage(op func()) error {
	if t.isDone() {
		return errTxDone
	}
	t.opsMu.Lock()
	defer t.opsMu.Unlock()
	t.ops = append(t.ops, op)
	return nil
}

// Commit applies every staged write under the store lock
func (t *memoryTx) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		_ = t.Rollback(ctx)
		return err
	}

	t.store.mu.Lock()
	if failure := t.store.commitErr; failure != nil {
		t.store.commitErr = nil
		t.store.mu.Unlock()
		if hooks, ok := t.finish(false); ok {
			runHooks(hooks)
		}
		return fmt.Errorf("commit failed: %w", failure)
	}
	hooks, ok := t.finish(true)
	if !ok {
		t.store.mu.Unlock()
		return errTxDone
	}
	t.opsMu.Lock()
	for _, op := range t.ops {
		op()
	}
	t.ops = nil
	t.opsMu.Unlock()
	t.store.mu.Unlock()

	runHooks(hooks)
	return nil
}

// Rollback discards staged writes
func (t *memoryTx) Rollback(ctx context.Context) error {
	hooks, ok := t.finish(false)
	if !ok {
		return nil
	}
	t.opsMu.Lock()
	t.ops = nil
	t.opsMu.Unlock()
	runHooks(hooks)
	return nil
}

func (s *MemoryStore) asTx(tx Tx) (*memoryTx, error) {
	mtx, ok := tx.(*memoryTx)
	if !ok || mtx.store != s {
		return nil, fmt.Errorf("transaction does not belong to this memory store")
	}
	return mtx, nil
}

// EnsureTable creates the table if needed
func (s *MemoryStore) EnsureTable(ctx context.Context, table string, historical bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tables[table]; ok {
		if t.historical != historical {
			return fmt.Errorf("table %s already exists with historical=%v", table, t.historical)
		}
		return nil
	}
	s.tables[table] = &memoryTable{historical: historical, rows: make(map[string][]model.Row)}
	return nil
}

// Begin starts a transaction
func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	return &memoryTx{store: s}, nil
}

// table must be called with s.mu held
func (s *MemoryStore) table(name string) (*memoryTable, error) {
	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("table %s does not exist", name)
	}
	return t, nil
}

// UpsertRows stages rows keyed by (id, range start)
func (s *MemoryStore) UpsertRows(ctx context.Context, tx Tx, table string, rows []model.Row) error {
	mtx, err := s.asTx(tx)
	if err != nil {
		return err
	}
	staged := make([]model.Row, len(rows))
	for i, r := range rows {
		staged[i] = cloneRow(r)
	}
	return mtx.stage(func() {
		t, err := s.table(table)
		if err != nil {
			s.logger.Error("Dropping rows for missing table", zap.String("entity", table))
			return
		}
		for _, r := range staged {
			t.upsert(r)
		}
	})
}

// CloseRanges stages closing the open row of each id at the given height.
// An open row starting at that height is deleted instead.
func (s *MemoryStore) CloseRanges(ctx context.Context, tx Tx, table string, closes map[string]uint64) error {
	mtx, err := s.asTx(tx)
	if err != nil {
		return err
	}
	staged := make(map[string]uint64, len(closes))
	for id, h := range closes {
		staged[id] = h
	}
	return mtx.stage(func() {
		t, err := s.table(table)
		if err != nil {
			return
		}
		for id, h := range staged {
			t.closeOpen(id, h)
		}
	})
}

// DeleteRows stages removal of every row of the given ids
func (s *MemoryStore) DeleteRows(ctx context.Context, tx Tx, table string, ids []string) error {
	mtx, err := s.asTx(tx)
	if err != nil {
		return err
	}
	staged := append([]string(nil), ids...)
	return mtx.stage(func() {
		t, err := s.table(table)
		if err != nil {
			return
		}
		for _, id := range staged {
			delete(t.rows, id)
		}
	})
}

// FindOne returns the version of id visible at height
func (s *MemoryStore) FindOne(ctx context.Context, table, id string, height *uint64) (*model.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.table(table)
	if err != nil {
		return nil, err
	}
	r, ok := t.visible(id, height)
	if !ok {
		return nil, ErrNotFound
	}
	c := cloneRow(r)
	return &c, nil
}

// Scan evaluates the request against committed rows
func (s *MemoryStore) Scan(ctx context.Context, table string, req ScanRequest) ([]model.Row, error) {
	s.mu.RLock()
	t, err := s.table(table)
	if err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	excluded := make(map[string]struct{}, len(req.Exclude))
	for _, id := range req.Exclude {
		excluded[id] = struct{}{}
	}
	var matches []*model.Entity
	ranges := make(map[string]*model.BlockRange)
	for id := range t.rows {
		if _, skip := excluded[id]; skip {
			continue
		}
		r, ok := t.visible(id, req.Height)
		if !ok {
			continue
		}
		e := r.Entity()
		if !model.MatchAll(req.Filters, e) {
			continue
		}
		matches = append(matches, e)
		if r.Range != nil {
			rg := *r.Range
			ranges[id] = &rg
		}
	}
	s.mu.RUnlock()

	model.SortEntities(matches, req.OrderBy, req.OrderDirection)
	matches = page(matches, req.Offset, req.Limit)

	out := make([]model.Row, len(matches))
	for i, e := range matches {
		out[i] = model.Row{ID: e.ID, Fields: e.Fields, Range: ranges[e.ID]}
	}
	return out, nil
}

// History returns every stored row for id ordered by range start
func (s *MemoryStore) History(ctx context.Context, table, id string) ([]model.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.table(table)
	if err != nil {
		return nil, err
	}
	rows := t.rows[id]
	out := make([]model.Row, len(rows))
	for i, r := range rows {
		out[i] = cloneRow(r)
	}
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() {}

func (t *memoryTable) upsert(r model.Row) {
	if !t.historical || r.Range == nil {
		r.Range = nil
		t.rows[r.ID] = []model.Row{r}
		return
	}
	rows := t.rows[r.ID]
	for i := range rows {
		if rows[i].Range.Start == r.Range.Start {
			rows[i] = r
			return
		}
	}
	rows = append(rows, r)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Range.Start < rows[j].Range.Start })
	t.rows[r.ID] = rows
}

func (t *memoryTable) closeOpen(id string, h uint64) {
	rows := t.rows[id]
	for i := range rows {
		rg := rows[i].Range
		if rg == nil || !rg.IsOpen() {
			continue
		}
		if rg.Start >= h {
			rows = append(rows[:i], rows[i+1:]...)
		} else {
			rg.End = model.Height(h)
		}
		break
	}
	if len(rows) == 0 {
		delete(t.rows, id)
		return
	}
	t.rows[id] = rows
}

func (t *memoryTable) visible(id string, height *uint64) (model.Row, bool) {
	rows := t.rows[id]
	if !t.historical {
		if len(rows) == 0 {
			return model.Row{}, false
		}
		return rows[0], true
	}
	for i := len(rows) - 1; i >= 0; i-- {
		rg := rows[i].Range
		if height == nil {
			if rg.IsOpen() {
				return rows[i], true
			}
			continue
		}
		if rg.Contains(*height) {
			return rows[i], true
		}
	}
	return model.Row{}, false
}

func cloneRow(r model.Row) model.Row {
	c := model.Row{ID: r.ID, Fields: make(map[string]model.Value, len(r.Fields))}
	for k, v := range r.Fields {
		c.Fields[k] = v.Clone()
	}
	if r.Range != nil {
		rg := model.BlockRange{Start: r.Range.Start}
		if r.Range.End != nil {
			rg.End = model.Height(*r.Range.End)
		}
		c.Range = &rg
	}
	return c
}

func page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
