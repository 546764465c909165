package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/devrev/indexstore/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// NewPostgresPool opens and pings a pgx connection pool
func NewPostgresPool(
	ctx context.Context,
	host string,
	port int,
	database, user, password string,
	maxConns, minConns int,
) (*pgxpool.Pool, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		host, port, database, user, password, maxConns, minConns,
	)

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// PostgresStore implements BackingStore and PoIStore on PostgreSQL. Each
// entity type gets a table (id, data jsonb, block_range int8range).
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	logger *zap.Logger

	mu         sync.RWMutex
	historical map[string]bool
}

// NewPostgresStore creates a store over an existing pool
func NewPostgresStore(pool *pgxpool.Pool, schema string, logger *zap.Logger) *PostgresStore {
	if schema == "" {
		schema = "public"
	}
	return &PostgresStore{
		pool:       pool,
		schema:     schema,
		logger:     logger,
		historical: make(map[string]bool),
	}
}

// postgresTx serializes statements on one pgx.Tx, which is not safe for
// concurrent use, while entity flushes run in parallel.
type postgresTx struct {
	txHooks
	mu sync.Mutex
	tx pgx.Tx
}

func (t *postgresTx) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tx.Exec(ctx, sql, args...)
}

func (t *postgresTx) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tx.SendBatch(ctx, batch).Close()
}

// Commit commits the underlying transaction and runs the matching hooks
func (t *postgresTx) Commit(ctx context.Context) error {
	t.mu.Lock()
	err := t.tx.Commit(ctx)
	t.mu.Unlock()

	hooks, ok := t.finish(err == nil)
	if !ok {
		return errTxDone
	}
	runHooks(hooks)
	if err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

// Rollback aborts the transaction. Rolling back a finished transaction is a no-op.
func (t *postgresTx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	err := t.tx.Rollback(ctx)
	t.mu.Unlock()

	if hooks, ok := t.finish(false); ok {
		runHooks(hooks)
	}
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) asTx(tx Tx) (*postgresTx, error) {
	ptx, ok := tx.(*postgresTx)
	if !ok {
		return nil, fmt.Errorf("transaction does not belong to a postgres store")
	}
	if ptx.isDone() {
		return nil, errTxDone
	}
	return ptx, nil
}

func (s *PostgresStore) ident(table string) string {
	return pgx.Identifier{s.schema, table}.Sanitize()
}

func (s *PostgresStore) isHistorical(table string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.historical[table]
	if !ok {
		return false, fmt.Errorf("table %s has not been ensured", table)
	}
	return h, nil
}

// EnsureTable creates the entity table and its indexes
func (s *PostgresStore) EnsureTable(ctx context.Context, table string, historical bool) error {
	name := s.ident(table)
	var stmts []string
	if historical {
		stmts = []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT NOT NULL,
				data JSONB NOT NULL,
				block_range INT8RANGE NOT NULL
			)`, name),
			fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (id, (lower(block_range)))`,
				pgx.Identifier{table + "_id_start_idx"}.Sanitize(), name),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING gist (block_range)`,
				pgx.Identifier{table + "_range_idx"}.Sanitize(), name),
		}
	} else {
		stmts = []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				data JSONB NOT NULL
			)`, name),
		}
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure table %s: %w", table, err)
		}
	}

	s.mu.Lock()
	s.historical[table] = historical
	s.mu.Unlock()

	s.logger.Debug("Ensured entity table",
		zap.String("entity", table),
		zap.Bool("historical", historical))
	return nil
}

// Begin starts a transaction on the pool
func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &postgresTx{tx: tx}, nil
}

// UpsertRows writes rows in a single batch. Historical rows conflict on
// (id, lower(block_range)).
func (s *PostgresStore) UpsertRows(ctx context.Context, tx Tx, table string, rows []model.Row) error {
	if len(rows) == 0 {
		return nil
	}
	ptx, err := s.asTx(tx)
	if err != nil {
		return err
	}
	historical, err := s.isHistorical(table)
	if err != nil {
		return err
	}

	name := s.ident(table)
	batch := &pgx.Batch{}
	for _, r := range rows {
		data, err := json.Marshal(r.Fields)
		if err != nil {
			return fmt.Errorf("failed to encode %s %q: %w", table, r.ID, err)
		}
		if historical {
			if r.Range == nil {
				return fmt.Errorf("historical row %s %q has no block range", table, r.ID)
			}
			var end *int64
			if r.Range.End != nil {
				e := int64(*r.Range.End)
				end = &e
			}
			batch.Queue(fmt.Sprintf(`
				INSERT INTO %s (id, data, block_range)
				VALUES ($1, $2::jsonb, int8range($3, $4, '[)'))
				ON CONFLICT (id, (lower(block_range)))
				DO UPDATE SET data = EXCLUDED.data, block_range = EXCLUDED.block_range
			`, name), r.ID, string(data), int64(r.Range.Start), end)
		} else {
			batch.Queue(fmt.Sprintf(`
				INSERT INTO %s (id, data)
				VALUES ($1, $2::jsonb)
				ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data
			`, name), r.ID, string(data))
		}
	}

	if err := ptx.sendBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to upsert %d rows into %s: %w", len(rows), table, err)
	}
	return nil
}

// CloseRanges bounds the open row of each id at the given height, deleting
// an open row that would become empty.
func (s *PostgresStore) CloseRanges(ctx context.Context, tx Tx, table string, closes map[string]uint64) error {
	if len(closes) == 0 {
		return nil
	}
	ptx, err := s.asTx(tx)
	if err != nil {
		return err
	}

	name := s.ident(table)
	batch := &pgx.Batch{}
	for id, h := range closes {
		batch.Queue(fmt.Sprintf(`
			DELETE FROM %s
			WHERE id = $1 AND upper_inf(block_range) AND lower(block_range) >= $2
		`, name), id, int64(h))
		batch.Queue(fmt.Sprintf(`
			UPDATE %s SET block_range = int8range(lower(block_range), $2, '[)')
			WHERE id = $1 AND upper_inf(block_range) AND lower(block_range) < $2
		`, name), id, int64(h))
	}
	if err := ptx.sendBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to close ranges in %s: %w", table, err)
	}
	return nil
}

// DeleteRows removes every row of the given ids
func (s *PostgresStore) DeleteRows(ctx context.Context, tx Tx, table string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	ptx, err := s.asTx(tx)
	if err != nil {
		return err
	}
	_, err = ptx.exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, s.ident(table)), ids)
	if err != nil {
		return fmt.Errorf("failed to delete rows from %s: %w", table, err)
	}
	return nil
}

// FindOne returns the version of id visible at height, or the open version
// when height is nil
func (s *PostgresStore) FindOne(ctx context.Context, table, id string, height *uint64) (*model.Row, error) {
	historical, err := s.isHistorical(table)
	if err != nil {
		return nil, err
	}

	q := newSelect(s.ident(table), historical)
	q.where(q.arg(id), "id = $%d")
	q.visibleAt(height)
	q.limit = 1

	rows, err := s.query(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

// Scan evaluates the filters in SQL
func (s *PostgresStore) Scan(ctx context.Context, table string, req ScanRequest) ([]model.Row, error) {
	historical, err := s.isHistorical(table)
	if err != nil {
		return nil, err
	}

	q := newSelect(s.ident(table), historical)
	q.visibleAt(req.Height)
	for _, f := range req.Filters {
		if err := q.filter(f); err != nil {
			return nil, err
		}
	}
	if len(req.Exclude) > 0 {
		q.where(q.arg(req.Exclude), "NOT (id = ANY($%d))")
	}
	q.order(req.OrderBy, req.OrderDirection)
	q.offset = req.Offset
	q.limit = req.Limit

	return s.query(ctx, q)
}

// History returns every stored row for id ordered by range start
func (s *PostgresStore) History(ctx context.Context, table, id string) ([]model.Row, error) {
	historical, err := s.isHistorical(table)
	if err != nil {
		return nil, err
	}
	q := newSelect(s.ident(table), historical)
	q.where(q.arg(id), "id = $%d")
	if historical {
		q.orderBy = "lower(block_range) ASC"
	}
	return s.query(ctx, q)
}

func (s *PostgresStore) query(ctx context.Context, q *selectQuery) ([]model.Row, error) {
	sql, args := q.build()
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var out []model.Row
	for rows.Next() {
		var (
			id    string
			data  []byte
			lower *int64
			upper *int64
		)
		if q.historical {
			err = rows.Scan(&id, &data, &lower, &upper)
		} else {
			err = rows.Scan(&id, &data)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r := model.Row{ID: id}
		if err := json.Unmarshal(data, &r.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode row %q: %w", id, err)
		}
		if q.historical && lower != nil {
			r.Range = &model.BlockRange{Start: uint64(*lower)}
			if upper != nil {
				r.Range.End = model.Height(uint64(*upper))
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Ping checks connectivity
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// selectQuery accumulates a parameterised SELECT over an entity table
type selectQuery struct {
	table      string
	historical bool
	conds      []string
	args       []any
	orderBy    string
	offset     int
	limit      int
}

func newSelect(table string, historical bool) *selectQuery {
	return &selectQuery{table: table, historical: historical, orderBy: "id ASC"}
}

// arg binds a parameter and returns its position
func (q *selectQuery) arg(v any) int {
	q.args = append(q.args, v)
	return len(q.args)
}

func (q *selectQuery) where(pos int, format string) {
	q.conds = append(q.conds, fmt.Sprintf(format, pos))
}

func (q *selectQuery) visibleAt(height *uint64) {
	if !q.historical {
		return
	}
	if height == nil {
		q.conds = append(q.conds, "upper_inf(block_range)")
		return
	}
	q.where(q.arg(int64(*height)), "block_range @> $%d::int8")
}

func (q *selectQuery) filter(f model.Filter) error {
	if f.Field == model.IDField {
		switch f.Op {
		case model.OpEqual:
			q.where(q.arg(f.Value.Str()), "id = $%d")
		case model.OpNotEqual:
			q.where(q.arg(f.Value.Str()), "id <> $%d")
		case model.OpIn:
			q.where(q.arg(valueStrings(f.Values)), "id = ANY($%d)")
		case model.OpNotIn:
			q.where(q.arg(valueStrings(f.Values)), "NOT (id = ANY($%d))")
		default:
			return fmt.Errorf("unsupported operator %q", f.Op)
		}
		return nil
	}

	field := q.arg(f.Field)
	switch f.Op {
	case model.OpEqual, model.OpNotEqual:
		doc, err := json.Marshal(f.Value)
		if err != nil {
			return err
		}
		val := q.arg(string(doc))
		if f.Op == model.OpEqual {
			q.conds = append(q.conds, fmt.Sprintf("data -> $%d = $%d::jsonb", field, val))
		} else {
			q.conds = append(q.conds, fmt.Sprintf("(data -> $%d IS NULL OR data -> $%d <> $%d::jsonb)", field, field, val))
		}
	case model.OpIn, model.OpNotIn:
		docs := make([]string, len(f.Values))
		for i, v := range f.Values {
			doc, err := json.Marshal(v)
			if err != nil {
				return err
			}
			docs[i] = string(doc)
		}
		val := q.arg(docs)
		if f.Op == model.OpIn {
			q.conds = append(q.conds, fmt.Sprintf("data -> $%d = ANY($%d::jsonb[])", field, val))
		} else {
			q.conds = append(q.conds, fmt.Sprintf("(data -> $%d IS NULL OR NOT (data -> $%d = ANY($%d::jsonb[])))", field, field, val))
		}
	default:
		return fmt.Errorf("unsupported operator %q", f.Op)
	}
	return nil
}

func (q *selectQuery) order(field string, dir model.OrderDirection) {
	d, nulls := "ASC", "FIRST"
	if dir == model.OrderDesc {
		d, nulls = "DESC", "LAST"
	}
	if field == "" || field == model.IDField {
		q.orderBy = "id " + d
		return
	}
	pos := q.arg(field)
	q.orderBy = fmt.Sprintf("data -> $%d -> 'value' %s NULLS %s, id %s", pos, d, nulls, d)
}

func (q *selectQuery) build() (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT id, data")
	if q.historical {
		b.WriteString(", lower(block_range), upper(block_range)")
	}
	b.WriteString(" FROM ")
	b.WriteString(q.table)
	if len(q.conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(q.conds, " AND "))
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(q.orderBy)
	if q.limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.limit)
	}
	if q.offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", q.offset)
	}
	return b.String(), q.args
}

func valueStrings(values []model.Value) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = v.Str()
	}
	return out
}
