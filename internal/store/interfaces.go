package store

import (
	"context"
	"errors"

	"github.com/devrev/indexstore/internal/model"
)

// ErrNotFound is returned when a row or checkpoint does not exist
var ErrNotFound = errors.New("not found")

// Tx is a backing store transaction. Hooks registered with AfterCommit run
// only after a successful commit, in registration order. Hooks registered
// with AfterRollback run when the transaction is rolled back or its commit
// fails.
type Tx interface {
	AfterCommit(fn func())
	AfterRollback(fn func())
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// ScanRequest describes a filtered scan over one entity table
type ScanRequest struct {
	Filters []model.Filter
	// Exclude lists ids that must not be returned
	Exclude []string
	// Height selects the version visible at that height. Nil selects the
	// open version. Ignored for non-historical tables.
	Height         *uint64
	Offset         int
	Limit          int
	OrderBy        string
	OrderDirection model.OrderDirection
}

// BackingStore is the relational adapter the entity caches persist through
type BackingStore interface {
	// EnsureTable creates the table for an entity type if it does not exist
	EnsureTable(ctx context.Context, table string, historical bool) error
	Begin(ctx context.Context) (Tx, error)

	// Write operations, visible to readers only once tx commits
	UpsertRows(ctx context.Context, tx Tx, table string, rows []model.Row) error
	CloseRanges(ctx context.Context, tx Tx, table string, closes map[string]uint64) error
	DeleteRows(ctx context.Context, tx Tx, table string, ids []string) error

	// Read operations against committed state
	FindOne(ctx context.Context, table, id string, height *uint64) (*model.Row, error)
	Scan(ctx context.Context, table string, req ScanRequest) ([]model.Row, error)
	History(ctx context.Context, table, id string) ([]model.Row, error)

	Ping(ctx context.Context) error
	Close()
}

// PoIStore persists Proof-of-Index checkpoints
type PoIStore interface {
	UpsertPoIs(ctx context.Context, tx Tx, pois []*model.ProofOfIndex) error
	GetPoI(ctx context.Context, height uint64) (*model.ProofOfIndex, error)
	ListPoIs(ctx context.Context, fromHeight uint64, limit int) ([]*model.ProofOfIndex, error)
	LatestPoI(ctx context.Context) (*model.ProofOfIndex, error)
	// SetMMRRoot records the root for a checkpoint that has none yet
	SetMMRRoot(ctx context.Context, height uint64, root []byte) error
}
