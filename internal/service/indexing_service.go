package service

import (
	"context"
	"sync"

	indexerrors "github.com/devrev/indexstore/internal/errors"
	"github.com/devrev/indexstore/internal/metrics"
	"github.com/devrev/indexstore/internal/model"
	"github.com/devrev/indexstore/internal/poi"
	"go.uber.org/zap"
)

// Mutation is a single entity write produced by a block
type Mutation struct {
	Entity string
	ID     string
	Data   *model.Entity
	Remove bool
}

// BlockResult is the output of processing one chain block
type BlockResult struct {
	Height         uint64
	ChainBlockHash []byte
	// OperationHashRoot is computed from Mutations when nil
	OperationHashRoot []byte
	Mutations         []Mutation
}

// IndexingService applies processed blocks to the entity caches in height
// order and derives the block checkpoint
type IndexingService struct {
	registry *CacheRegistry
	poi      *PoIService
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu         sync.Mutex
	lastHeight uint64
	started    bool
}

// NewIndexingService creates the service. poiSvc may be nil when
// checkpoints are disabled.
func NewIndexingService(registry *CacheRegistry, poiSvc *PoIService, m *metrics.Metrics, logger *zap.Logger) *IndexingService {
	return &IndexingService{
		registry: registry,
		poi:      poiSvc,
		metrics:  m,
		logger:   logger,
	}
}

// Resume continues after the latest stored checkpoint
func (s *IndexingService) Resume(ctx context.Context) error {
	if s.poi == nil {
		return nil
	}
	latest, err := s.poi.Latest(ctx)
	if err != nil {
		return err
	}
	if latest == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeight = latest.Height
	s.started = true
	s.registry.SetBlockHeight(latest.Height)
	s.metrics.LastProcessedHeight.Set(float64(latest.Height))
	s.logger.Info("Resuming indexing", zap.Uint64("height", latest.Height))
	return nil
}

// LastHeight returns the last processed height and whether any block has
// been processed
func (s *IndexingService) LastHeight() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeight, s.started
}

// ProcessBlock applies every mutation of block at its height. It returns
// the block's checkpoint, or nil when checkpoints are disabled.
func (s *IndexingService) ProcessBlock(ctx context.Context, block *BlockResult) (*model.ProofOfIndex, error) {
	if block == nil {
		return nil, indexerrors.MissingInput("block")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started && block.Height <= s.lastHeight {
		return nil, indexerrors.OutOfOrder("block height", s.lastHeight+1, block.Height)
	}

	// Nothing is applied until the whole block has been validated, so a
	// rejected block leaves no buffered rows behind.
	caches, ops, err := s.prepareMutations(ctx, block)
	if err != nil {
		return nil, err
	}

	var checkpoint *model.ProofOfIndex
	if s.poi != nil {
		root := block.OperationHashRoot
		if root == nil {
			root = ops.Root()
		}
		checkpoint, err = s.poi.PrepareBlock(ctx, block.Height, block.ChainBlockHash, root)
		if err != nil {
			return nil, err
		}
	}

	s.registry.SetBlockHeight(block.Height)
	for i, m := range block.Mutations {
		if m.Remove {
			err = caches[i].Remove(m.ID, block.Height)
		} else {
			err = caches[i].Set(m.ID, m.Data, block.Height)
		}
		if err != nil {
			return nil, indexerrors.InternalError("failed to apply validated mutation", err)
		}
	}
	if checkpoint != nil {
		if checkpoint, err = s.poi.RecordBlock(checkpoint); err != nil {
			return nil, err
		}
	}

	s.lastHeight = block.Height
	s.started = true
	s.metrics.BlocksProcessedTotal.Inc()
	s.metrics.LastProcessedHeight.Set(float64(block.Height))
	s.logger.Debug("Processed block",
		zap.Uint64("height", block.Height),
		zap.Int("mutations", len(block.Mutations)))

	if err := s.registry.FlushIfNeeded(ctx, block.Height); err != nil {
		return checkpoint, err
	}
	return checkpoint, nil
}

// Shutdown waits for background flushes and flushes what is left
func (s *IndexingService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Info("Flushing caches before shutdown", zap.Uint64("height", s.lastHeight))
	return s.registry.Close(ctx)
}

// prepareMutations validates every mutation of block, resolves its cache and
// records it in the block's operation stack
func (s *IndexingService) prepareMutations(ctx context.Context, block *BlockResult) ([]*EntityCache, *poi.OperationStack, error) {
	caches := make([]*EntityCache, len(block.Mutations))
	ops := poi.NewOperationStack()
	for i, m := range block.Mutations {
		switch {
		case m.Entity == "":
			return nil, nil, indexerrors.MissingInput("entity")
		case m.ID == "":
			return nil, nil, indexerrors.MissingInput("id")
		case !m.Remove && m.Data == nil:
			return nil, nil, indexerrors.InvalidValue(m.Entity, m.ID)
		}

		cache, err := s.registry.Model(ctx, m.Entity)
		if err != nil {
			return nil, nil, err
		}
		if err := cache.CheckHeight(m.ID, block.Height); err != nil {
			return nil, nil, err
		}
		caches[i] = cache

		op := poi.OperationSet
		if m.Remove {
			op = poi.OperationRemove
		}
		if err := ops.Put(op, m.Entity, m.ID, m.Data); err != nil {
			return nil, nil, indexerrors.InternalError("failed to record operation", err)
		}
	}
	return caches, ops, nil
}
