package service

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"time"

	indexerrors "github.com/devrev/indexstore/internal/errors"
	"github.com/devrev/indexstore/internal/metrics"
	"github.com/devrev/indexstore/internal/mmr"
	"github.com/devrev/indexstore/internal/signer"
	"github.com/devrev/indexstore/internal/store"
	"go.uber.org/zap"
)

// MMRServiceConfig holds mountain range sync configuration
type MMRServiceConfig struct {
	ProjectID string
	// BlockOffset maps heights to leaves: leaf = height - BlockOffset - 1
	BlockOffset uint64
	BatchSize   int
}

// MMRService appends committed checkpoints to the mountain range and writes
// the resulting root back onto each checkpoint
type MMRService struct {
	config  *MMRServiceConfig
	mmr     *mmr.MMR
	pois    store.PoIStore
	signer  *signer.Signer
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewMMRService creates the service. s may be nil when signing is disabled.
func NewMMRService(cfg *MMRServiceConfig, m *mmr.MMR, pois store.PoIStore, s *signer.Signer, mt *metrics.Metrics, logger *zap.Logger) *MMRService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &MMRService{
		config:  cfg,
		mmr:     m,
		pois:    pois,
		signer:  s,
		metrics: mt,
		logger:  logger,
	}
}

// LeafIndex maps a block height to its leaf
func (s *MMRService) LeafIndex(height uint64) (uint64, error) {
	if height <= s.config.BlockOffset {
		return 0, indexerrors.InvalidArgument(
			fmt.Sprintf("height %d is at or below block offset %d", height, s.config.BlockOffset), nil)
	}
	return height - s.config.BlockOffset - 1, nil
}

// Height maps a leaf to its block height
func (s *MMRService) Height(leafIndex uint64) uint64 {
	return leafIndex + s.config.BlockOffset + 1
}

// SyncOnce appends every committed checkpoint past the current leaf length,
// stopping at the first batch boundary. It returns the number of leaves
// appended.
func (s *MMRService) SyncOnce(ctx context.Context) (int, error) {
	length, err := s.mmr.GetLeafLength(ctx)
	if err != nil {
		return 0, err
	}
	if length > 0 {
		if err := s.checkLastRoot(ctx, length-1); err != nil {
			return 0, err
		}
	}

	next := s.Height(length)
	pois, err := s.pois.ListPoIs(ctx, next, s.config.BatchSize)
	if err != nil {
		return 0, err
	}

	appended := 0
	for _, p := range pois {
		if p.Height != next {
			return appended, indexerrors.OutOfOrder("checkpoint height", next, p.Height)
		}
		start := time.Now()
		leafIndex := p.Height - s.config.BlockOffset - 1
		if err := s.mmr.Append(ctx, p.Hash, leafIndex); err != nil {
			return appended, err
		}
		root, err := s.mmr.GetRoot(ctx, leafIndex)
		if err != nil {
			return appended, err
		}
		if err := s.recordRoot(ctx, p.Height, p.MMRRoot, root); err != nil {
			return appended, err
		}

		s.metrics.MMRAppendsTotal.Inc()
		s.metrics.MMRAppendDuration.Observe(time.Since(start).Seconds())
		s.metrics.MMRLeafLength.Set(float64(leafIndex + 1))
		appended++
		next++
	}

	if appended > 0 {
		s.logger.Debug("Appended checkpoints to mmr",
			zap.Int("leaves", appended),
			zap.Uint64("height", next-1))
	}
	return appended, nil
}

// checkLastRoot verifies the root recorded for the last leaf, or writes it
// if a previous run appended the leaf but stopped before recording the root
func (s *MMRService) checkLastRoot(ctx context.Context, leafIndex uint64) error {
	height := s.Height(leafIndex)
	p, err := s.pois.GetPoI(ctx, height)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	root, err := s.mmr.GetRoot(ctx, leafIndex)
	if err != nil {
		return err
	}
	if p.MMRRoot != nil {
		return s.recordRoot(ctx, height, p.MMRRoot, root)
	}
	s.logger.Warn("Recording missing mmr root", zap.Uint64("height", height))
	return s.pois.SetMMRRoot(ctx, height, root)
}

func (s *MMRService) recordRoot(ctx context.Context, height uint64, stored, computed []byte) error {
	if stored != nil {
		if !bytes.Equal(stored, computed) {
			s.metrics.MMRRootMismatchesTotal.Inc()
			err := indexerrors.RootMismatch(height, stored, computed)
			s.logger.Error("MMR root mismatch",
				zap.Uint64("height", height),
				zap.String("stored_root", fmt.Sprintf("0x%x", stored)),
				zap.String("computed_root", fmt.Sprintf("0x%x", computed)))
			return err
		}
		return nil
	}
	return s.pois.SetMMRRoot(ctx, height, computed)
}

// VerifyRoot recomputes the root at height and compares it with the one
// stored on the checkpoint
func (s *MMRService) VerifyRoot(ctx context.Context, height uint64) ([]byte, error) {
	leafIndex, err := s.LeafIndex(height)
	if err != nil {
		return nil, err
	}
	p, err := s.pois.GetPoI(ctx, height)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, indexerrors.NotFound("checkpoint")
	}
	if err != nil {
		return nil, err
	}
	if p.MMRRoot == nil {
		return nil, indexerrors.NotFound("mmr root for checkpoint")
	}
	computed, err := s.mmr.GetRoot(ctx, leafIndex)
	if err != nil {
		return nil, err
	}
	if err := s.recordRoot(ctx, height, p.MMRRoot, computed); err != nil {
		return nil, err
	}
	return computed, nil
}

// Root returns the root covering leaves up to leafIndex
func (s *MMRService) Root(ctx context.Context, leafIndex uint64) ([]byte, error) {
	return s.mmr.GetRoot(ctx, leafIndex)
}

// LeafLength returns the number of appended checkpoints
func (s *MMRService) LeafLength(ctx context.Context) (uint64, error) {
	return s.mmr.GetLeafLength(ctx)
}

// SignLatest returns a COSE Sign1 attestation over the current root
func (s *MMRService) SignLatest(ctx context.Context) ([]byte, error) {
	if s.signer == nil {
		return nil, indexerrors.InvalidArgument("checkpoint signing is not configured", nil)
	}
	length, err := s.mmr.GetLeafLength(ctx)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, indexerrors.NotFound("mmr leaf")
	}
	root, err := s.mmr.GetRoot(ctx, length-1)
	if err != nil {
		return nil, err
	}
	return s.signer.Sign(signer.CheckpointState{
		ProjectID: s.config.ProjectID,
		Height:    s.Height(length - 1),
		LeafCount: length,
		Root:      root,
		Timestamp: time.Now().UnixMilli(),
	})
}

// Run syncs every interval until ctx is cancelled or a fatal error occurs
func (s *MMRService) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("MMR sync started", zap.Duration("interval", interval))
	for {
		for {
			n, err := s.SyncOnce(ctx)
			if err != nil {
				if indexerrors.IsFatal(err) {
					s.logger.Error("MMR sync halted", zap.Error(err))
					return err
				}
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Warn("MMR sync failed", zap.Error(err))
				break
			}
			if n < s.config.BatchSize {
				break
			}
		}

		select {
		case <-ctx.Done():
			s.logger.Info("MMR sync stopped")
			return nil
		case <-ticker.C:
		}
	}
}
