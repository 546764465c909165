package mmr

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const migrateLogEvery = 10000

// Migrate copies every node of src into dst in ascending position order,
// then the leaf length. dst keys are overwritten, so an interrupted
// migration can be re-run; src is never written.
func Migrate(ctx context.Context, src, dst NodeStore, logger *zap.Logger) (uint64, error) {
	start := time.Now()

	length, err := src.GetLeafLength(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read source leaf length: %w", err)
	}
	size := Size(length)

	logger.Info("Starting mmr migration",
		zap.Uint64("leaf_length", length),
		zap.Uint64("nodes", size))

	for pos := uint64(0); pos < size; pos++ {
		if err := ctx.Err(); err != nil {
			return pos, err
		}
		value, err := src.Get(ctx, pos)
		if err != nil {
			return pos, fmt.Errorf("failed to read node %d: %w", pos, err)
		}
		if err := dst.Set(ctx, value, pos); err != nil {
			return pos, fmt.Errorf("failed to write node %d: %w", pos, err)
		}
		if (pos+1)%migrateLogEvery == 0 {
			logger.Info("Migrating mmr nodes",
				zap.Uint64("copied", pos+1),
				zap.Uint64("nodes", size))
		}
	}

	if err := dst.SetLeafLength(ctx, length); err != nil {
		return size, fmt.Errorf("failed to write leaf length: %w", err)
	}

	logger.Info("Completed mmr migration",
		zap.Uint64("nodes", size),
		zap.Duration("duration", time.Since(start)))
	return size, nil
}
