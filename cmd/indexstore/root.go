package main

import (
	"context"
	"fmt"

	"github.com/devrev/indexstore/internal/config"
	"github.com/devrev/indexstore/internal/mmr"
	"github.com/devrev/indexstore/internal/remote"
	"github.com/devrev/indexstore/internal/store"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// cfgFile is the config file path
var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "indexstore",
	Short: "Block-height versioned entity store with proof-of-index checkpoints",
	Long: `indexstore buffers entity mutations per block height, flushes them to a
versioned backing store, chains a proof-of-index checkpoint per block and
commits every checkpoint to a Merkle Mountain Range.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (environment variables use the INDEXSTORE_ prefix)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mmrCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig loads the configuration and builds the logger it describes
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

// initLogger initializes the zap logger
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = level
	return zc.Build()
}

// backingStore is the entity and checkpoint persistence of one process
type backingStore interface {
	store.BackingStore
	store.PoIStore
}

// openBackingStore opens the configured store. The pool is nil for the
// memory driver.
func openBackingStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (backingStore, *pgxpool.Pool, error) {
	if cfg.Database.Driver != "postgres" {
		logger.Warn("Using in-memory backing store, data is not persisted")
		return store.NewMemoryStore(logger), nil, nil
	}

	pool, err := openPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	ps := store.NewPostgresStore(pool, cfg.Database.Schema, logger)
	if err := ps.EnsurePoITable(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info("Connected to backing store",
		zap.String("host", cfg.Database.Host),
		zap.String("database", cfg.Database.Name),
		zap.String("schema", cfg.Database.Schema))
	return ps, pool, nil
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return store.NewPostgresPool(ctx,
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.Name,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.MaxConnections,
		cfg.Database.MinConnections,
	)
}

// nodeStoreDeps wires the shared pool and the remote transport into the
// node store opener
func nodeStoreDeps(pool *pgxpool.Pool, logger *zap.Logger) mmr.Dependencies {
	return mmr.Dependencies{
		Pool: pool,
		DialRemote: func(ctx context.Context, addr string) (mmr.NodeStore, error) {
			c, err := remote.Dial(ctx, addr, logger)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
	}
}
