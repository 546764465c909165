package service

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"

	indexerrors "github.com/devrev/indexstore/internal/errors"
	"github.com/devrev/indexstore/internal/metrics"
	"github.com/devrev/indexstore/internal/model"
	"github.com/devrev/indexstore/internal/poi"
	"github.com/devrev/indexstore/internal/store"
	"go.uber.org/zap"
)

// PoIBuffer holds checkpoints until the flush that commits their block's
// entities
type PoIBuffer struct {
	store store.PoIStore

	mu       sync.Mutex
	pending  []*model.ProofOfIndex
	flushing []*model.ProofOfIndex
}

// NewPoIBuffer creates an empty buffer
func NewPoIBuffer(poiStore store.PoIStore) *PoIBuffer {
	return &PoIBuffer{store: poiStore}
}

// Add buffers a checkpoint
func (b *PoIBuffer) Add(p *model.ProofOfIndex) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, p.Clone())
}

// Get returns a buffered checkpoint
func (b *PoIBuffer) Get(height uint64) (*model.ProofOfIndex, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, list := range [][]*model.ProofOfIndex{b.pending, b.flushing} {
		for _, p := range list {
			if p.Height == height {
				return p.Clone(), true
			}
		}
	}
	return nil, false
}

// Name implements Flushable
func (b *PoIBuffer) Name() string { return "_poi" }

// FlushTo implements Flushable
func (b *PoIBuffer) FlushTo(ctx context.Context, tx store.Tx, height uint64) error {
	b.mu.Lock()
	if len(b.flushing) > 0 {
		b.mu.Unlock()
		return indexerrors.FlushInProgress(b.Name())
	}
	batch := b.pending
	b.pending = nil
	b.flushing = batch
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	tx.AfterCommit(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.flushing = nil
	})
	tx.AfterRollback(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.pending = append(batch, b.pending...)
		b.flushing = nil
	})
	return b.store.UpsertPoIs(ctx, tx, batch)
}

// PoIServiceConfig holds checkpoint configuration
type PoIServiceConfig struct {
	ProjectID string
}

// PoIService derives the per-block checkpoint and chains it to the previous
// block's checkpoint
type PoIService struct {
	config  *PoIServiceConfig
	store   store.PoIStore
	buffer  *PoIBuffer
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu     sync.Mutex
	latest *model.ProofOfIndex
}

// NewPoIService creates the service and registers its buffer with the
// registry so checkpoints commit with their block's entities
func NewPoIService(cfg *PoIServiceConfig, poiStore store.PoIStore, registry *CacheRegistry, m *metrics.Metrics, logger *zap.Logger) *PoIService {
	buffer := NewPoIBuffer(poiStore)
	registry.Register(buffer)
	return &PoIService{
		config:  cfg,
		store:   poiStore,
		buffer:  buffer,
		metrics: m,
		logger:  logger,
	}
}

func (s *PoIService) previous(ctx context.Context) (*model.ProofOfIndex, error) {
	if s.latest != nil {
		return s.latest, nil
	}
	latest, err := s.store.LatestPoI(ctx)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, indexerrors.StoreFailed("failed to load latest checkpoint", err)
	}
	s.latest = latest
	return latest, nil
}

// Latest returns the most recent checkpoint, buffered or stored
func (s *PoIService) Latest(ctx context.Context) (*model.ProofOfIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.previous(ctx)
	if err != nil || p == nil {
		return nil, err
	}
	return p.Clone(), nil
}

// CreateBlock derives and buffers the checkpoint for height
func (s *PoIService) CreateBlock(ctx context.Context, height uint64, chainBlockHash, operationHashRoot []byte) (*model.ProofOfIndex, error) {
	record, err := s.PrepareBlock(ctx, height, chainBlockHash, operationHashRoot)
	if err != nil {
		return nil, err
	}
	return s.RecordBlock(record)
}

// PrepareBlock derives the checkpoint for height without buffering it
func (s *PoIService) PrepareBlock(ctx context.Context, height uint64, chainBlockHash, operationHashRoot []byte) (*model.ProofOfIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.previous(ctx)
	if err != nil {
		return nil, err
	}
	var parent []byte
	if prev != nil {
		if height <= prev.Height {
			return nil, indexerrors.OutOfOrder("checkpoint height", prev.Height+1, height)
		}
		parent = prev.Hash
	}

	hash, err := poi.DeriveHash(poi.BlockInput{
		Height:            model.Height(height),
		ChainBlockHash:    chainBlockHash,
		OperationHashRoot: operationHashRoot,
		ParentHash:        parent,
		ProjectID:         s.config.ProjectID,
	})
	if err != nil {
		return nil, err
	}
	if parent == nil {
		parent = poi.GenesisParentHash
	}

	return &model.ProofOfIndex{
		Height:            height,
		ChainBlockHash:    append([]byte(nil), chainBlockHash...),
		OperationHashRoot: append([]byte(nil), operationHashRoot...),
		ParentHash:        append([]byte(nil), parent...),
		Hash:              hash,
		ProjectID:         s.config.ProjectID,
	}, nil
}

// RecordBlock buffers a checkpoint returned by PrepareBlock. It fails if
// another checkpoint was recorded in between.
func (s *PoIService) RecordBlock(record *model.ProofOfIndex) (*model.ProofOfIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent := poi.GenesisParentHash
	if s.latest != nil {
		if record.Height <= s.latest.Height {
			return nil, indexerrors.OutOfOrder("checkpoint height", s.latest.Height+1, record.Height)
		}
		parent = s.latest.Hash
	}
	if !bytes.Equal(parent, record.ParentHash) {
		return nil, indexerrors.InvalidArgument(
			fmt.Sprintf("checkpoint %d does not chain to the latest checkpoint", record.Height), nil)
	}

	record = record.Clone()
	s.buffer.Add(record)
	s.latest = record

	s.metrics.PoIBlocksTotal.Inc()
	s.metrics.PoILastHeight.Set(float64(record.Height))
	s.logger.Debug("Created checkpoint block",
		zap.Uint64("height", record.Height),
		zap.Binary("hash", record.Hash))
	return record.Clone(), nil
}

// Get returns the checkpoint at height, buffered or stored
func (s *PoIService) Get(ctx context.Context, height uint64) (*model.ProofOfIndex, error) {
	if p, ok := s.buffer.Get(height); ok {
		return p, nil
	}
	p, err := s.store.GetPoI(ctx, height)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, indexerrors.NotFound("checkpoint")
	}
	return p, err
}

// Pending returns the heights of checkpoints not yet committed
func (s *PoIService) Pending() []uint64 {
	s.buffer.mu.Lock()
	defer s.buffer.mu.Unlock()
	var heights []uint64
	for _, p := range s.buffer.pending {
		heights = append(heights, p.Height)
	}
	for _, p := range s.buffer.flushing {
		heights = append(heights, p.Height)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	return heights
}
