package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/devrev/indexstore/internal/model"
	"github.com/jackc/pgx/v5"
)

const poiTable = "_poi"

// EnsurePoITable creates the checkpoint table
func (s *PostgresStore) EnsurePoITable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			height BIGINT PRIMARY KEY,
			chain_block_hash BYTEA NOT NULL,
			operation_hash_root BYTEA NOT NULL,
			parent_hash BYTEA NOT NULL,
			hash BYTEA NOT NULL,
			mmr_root BYTEA,
			project_id TEXT NOT NULL
		)
	`, s.ident(poiTable))
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to ensure checkpoint table: %w", err)
	}
	return nil
}

// UpsertPoIs writes checkpoints on tx. A stored mmr_root is never replaced.
func (s *PostgresStore) UpsertPoIs(ctx context.Context, tx Tx, pois []*model.ProofOfIndex) error {
	if len(pois) == 0 {
		return nil
	}
	ptx, err := s.asTx(tx)
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, p := range pois {
		batch.Queue(fmt.Sprintf(`
			INSERT INTO %s (height, chain_block_hash, operation_hash_root, parent_hash, hash, mmr_root, project_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (height) DO UPDATE SET
				chain_block_hash = EXCLUDED.chain_block_hash,
				operation_hash_root = EXCLUDED.operation_hash_root,
				parent_hash = EXCLUDED.parent_hash,
				hash = EXCLUDED.hash,
				project_id = EXCLUDED.project_id
		`, s.ident(poiTable)),
			int64(p.Height), p.ChainBlockHash, p.OperationHashRoot, p.ParentHash, p.Hash, p.MMRRoot, p.ProjectID)
	}
	if err := ptx.sendBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to upsert %d checkpoints: %w", len(pois), err)
	}
	return nil
}

const poiColumns = `height, chain_block_hash, operation_hash_root, parent_hash, hash, mmr_root, project_id`

func scanPoI(row pgx.Row) (*model.ProofOfIndex, error) {
	var (
		p      model.ProofOfIndex
		height int64
	)
	err := row.Scan(&height, &p.ChainBlockHash, &p.OperationHashRoot, &p.ParentHash, &p.Hash, &p.MMRRoot, &p.ProjectID)
	if err != nil {
		return nil, err
	}
	p.Height = uint64(height)
	return &p, nil
}

// GetPoI returns the checkpoint at height
func (s *PostgresStore) GetPoI(ctx context.Context, height uint64) (*model.ProofOfIndex, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE height = $1`, poiColumns, s.ident(poiTable))
	p, err := scanPoI(s.pool.QueryRow(ctx, query, int64(height)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint %d: %w", height, err)
	}
	return p, nil
}

// ListPoIs returns up to limit checkpoints with height >= fromHeight, ascending
func (s *PostgresStore) ListPoIs(ctx context.Context, fromHeight uint64, limit int) ([]*model.ProofOfIndex, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE height >= $1 ORDER BY height ASC`, poiColumns, s.ident(poiTable))
	args := []any{int64(fromHeight)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*model.ProofOfIndex
	for rows.Next() {
		p, err := scanPoI(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LatestPoI returns the highest checkpoint
func (s *PostgresStore) LatestPoI(ctx context.Context) (*model.ProofOfIndex, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY height DESC LIMIT 1`, poiColumns, s.ident(poiTable))
	p, err := scanPoI(s.pool.QueryRow(ctx, query))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest checkpoint: %w", err)
	}
	return p, nil
}

// SetMMRRoot records root on a checkpoint that has none, or has the same one
func (s *PostgresStore) SetMMRRoot(ctx context.Context, height uint64, root []byte) error {
	query := fmt.Sprintf(`
		UPDATE %s SET mmr_root = $2
		WHERE height = $1 AND (mmr_root IS NULL OR mmr_root = $2)
	`, s.ident(poiTable))
	result, err := s.pool.Exec(ctx, query, int64(height), root)
	if err != nil {
		return fmt.Errorf("failed to set mmr root for %d: %w", height, err)
	}
	if result.RowsAffected() == 0 {
		if _, err := s.GetPoI(ctx, height); err != nil {
			return err
		}
		return fmt.Errorf("checkpoint %d already has a different mmr root", height)
	}
	return nil
}
