package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/devrev/indexstore/internal/model"
)

// UpsertPoIs stages checkpoint records on tx
func (s *MemoryStore) UpsertPoIs(ctx context.Context, tx Tx, pois []*model.ProofOfIndex) error {
	mtx, err := s.asTx(tx)
	if err != nil {
		return err
	}
	staged := make([]*model.ProofOfIndex, len(pois))
	for i, p := range pois {
		staged[i] = p.Clone()
	}
	return mtx.stage(func() {
		for _, p := range staged {
			if existing, ok := s.pois[p.Height]; ok && existing.MMRRoot != nil {
				p.MMRRoot = existing.MMRRoot
			}
			s.pois[p.Height] = p
		}
	})
}

// GetPoI returns the checkpoint at height
func (s *MemoryStore) GetPoI(ctx context.Context, height uint64) (*model.ProofOfIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pois[height]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

// ListPoIs returns up to limit checkpoints with height >= fromHeight, ascending
func (s *MemoryStore) ListPoIs(ctx context.Context, fromHeight uint64, limit int) ([]*model.ProofOfIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	heights := make([]uint64, 0, len(s.pois))
	for h := range s.pois {
		if h >= fromHeight {
			heights = append(heights, h)
		}
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	heights = page(heights, 0, limit)
	out := make([]*model.ProofOfIndex, len(heights))
	for i, h := range heights {
		out[i] = s.pois[h].Clone()
	}
	return out, nil
}

// LatestPoI returns the highest checkpoint
func (s *MemoryStore) LatestPoI(ctx context.Context) (*model.ProofOfIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *model.ProofOfIndex
	for _, p := range s.pois {
		if latest == nil || p.Height > latest.Height {
			latest = p
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest.Clone(), nil
}

// SetMMRRoot records root on the checkpoint. Setting an identical root again
// is a no-op; a different root is refused.
func (s *MemoryStore) SetMMRRoot(ctx context.Context, height uint64, root []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pois[height]
	if !ok {
		return ErrNotFound
	}
	if p.MMRRoot != nil {
		if bytes.Equal(p.MMRRoot, root) {
			return nil
		}
		return fmt.Errorf("checkpoint %d already has mmr root 0x%x", height, p.MMRRoot)
	}
	p.MMRRoot = append([]byte(nil), root...)
	return nil
}
