package mmr

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore keeps nodes in a table keyed by position. The leaf length is
// stored as an 8 byte big-endian value at position -1.
type PostgresStore struct {
	pool   *pgxpool.Pool
	table  string
	logger *zap.Logger
}

// NewPostgresStore creates the node table if needed
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, schema, table string, logger *zap.Logger) (*PostgresStore, error) {
	if schema == "" {
		schema = "public"
	}
	s := &PostgresStore{
		pool:   pool,
		table:  pgx.Identifier{schema, table}.Sanitize(),
		logger: logger,
	}

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			position BIGINT PRIMARY KEY,
			value BYTEA NOT NULL
		)
	`, s.table)
	if _, err := pool.Exec(ctx, query); err != nil {
		return nil, fmt.Errorf("failed to ensure mmr table: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) get(ctx context.Context, position int64) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE position = $1`, s.table),
		position,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read mmr position %d: %w", position, err)
	}
	return value, nil
}

func (s *PostgresStore) set(ctx context.Context, position int64, value []byte) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (position, value) VALUES ($1, $2)
		ON CONFLICT (position) DO UPDATE SET value = EXCLUDED.value
	`, s.table), position, value)
	if err != nil {
		return fmt.Errorf("failed to write mmr position %d: %w", position, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, index uint64) ([]byte, error) {
	return s.get(ctx, int64(index))
}

func (s *PostgresStore) Set(ctx context.Context, value []byte, index uint64) error {
	if err := checkWord(value); err != nil {
		return err
	}
	return s.set(ctx, int64(index), value)
}

func (s *PostgresStore) GetLeafLength(ctx context.Context) (uint64, error) {
	value, err := s.get(ctx, leafLengthKey)
	if errors.Is(err, ErrNodeNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(value) != 8 {
		return 0, fmt.Errorf("malformed leaf length record of %d bytes", len(value))
	}
	return binary.BigEndian.Uint64(value), nil
}

func (s *PostgresStore) SetLeafLength(ctx context.Context, length uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, length)
	return s.set(ctx, leafLengthKey, buf)
}

// Close leaves the shared pool open
func (s *PostgresStore) Close() error { return nil }
