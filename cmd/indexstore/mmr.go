package main

import (
	"context"
	"fmt"

	"github.com/devrev/indexstore/internal/config"
	"github.com/devrev/indexstore/internal/mmr"
	"github.com/devrev/indexstore/internal/service"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	migrateFrom     string
	migrateTo       string
	migrateFromPath string
	migrateToPath   string

	rootLeaf int64
)

var mmrCmd = &cobra.Command{
	Use:   "mmr",
	Short: "Inspect and maintain the Merkle Mountain Range",
}

var mmrMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Copy every node and the leaf length from one node store backend to another",
	Args:  cobra.NoArgs,
	RunE:  runMMRMigrate,
}

var mmrRootCmd = &cobra.Command{
	Use:   "root",
	Short: "Print the root covering leaves up to --leaf (default: latest)",
	Args:  cobra.NoArgs,
	RunE:  runMMRRoot,
}

var mmrSignCmd = &cobra.Command{
	Use:   "sign",
	Short: "Print a COSE Sign1 attestation over the latest root",
	Args:  cobra.NoArgs,
	RunE:  runMMRSign,
}

func init() {
	mmrMigrateCmd.Flags().StringVar(&migrateFrom, "from", "", "source backend (file, postgres, redis, remote)")
	mmrMigrateCmd.Flags().StringVar(&migrateTo, "to", "", "destination backend (file, postgres, redis, remote)")
	mmrMigrateCmd.Flags().StringVar(&migrateFromPath, "from-path", "", "source file path, overrides mmr.file_path")
	mmrMigrateCmd.Flags().StringVar(&migrateToPath, "to-path", "", "destination file path, overrides mmr.file_path")
	mmrMigrateCmd.MarkFlagRequired("from")
	mmrMigrateCmd.MarkFlagRequired("to")

	mmrRootCmd.Flags().Int64Var(&rootLeaf, "leaf", -1, "leaf index")

	mmrCmd.AddCommand(mmrMigrateCmd)
	mmrCmd.AddCommand(mmrRootCmd)
	mmrCmd.AddCommand(mmrSignCmd)
}

func runMMRMigrate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()
	ctx := cmd.Context()

	if migrateFrom == migrateTo && migrateFromPath == migrateToPath {
		return fmt.Errorf("source and destination are the same node store")
	}

	var pool *pgxpool.Pool
	if migrateFrom == string(mmr.BackendPostgres) || migrateTo == string(mmr.BackendPostgres) {
		if pool, err = openPool(ctx, cfg); err != nil {
			return err
		}
		defer pool.Close()
	}
	deps := nodeStoreDeps(pool, logger)

	srcOpts := cfg.MMROptions()
	srcOpts.Backend = mmr.Backend(migrateFrom)
	if migrateFromPath != "" {
		srcOpts.FilePath = migrateFromPath
	}
	src, err := mmr.OpenNodeStore(ctx, srcOpts, deps, logger.Named("source"))
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer src.Close()

	dstOpts := cfg.MMROptions()
	dstOpts.Backend = mmr.Backend(migrateTo)
	if migrateToPath != "" {
		dstOpts.FilePath = migrateToPath
	}
	dst, err := mmr.OpenNodeStore(ctx, dstOpts, deps, logger.Named("destination"))
	if err != nil {
		return fmt.Errorf("failed to open destination: %w", err)
	}
	defer dst.Close()

	nodes, err := mmr.Migrate(ctx, src, dst, logger)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "migrated %d nodes\n", nodes)
	return nil
}

// openConfiguredMMR opens the node store selected by configuration
func openConfiguredMMR(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*mmr.MMR, func(), error) {
	var pool *pgxpool.Pool
	var err error
	if cfg.MMR.Backend == string(mmr.BackendPostgres) {
		if pool, err = openPool(ctx, cfg); err != nil {
			return nil, nil, err
		}
	}
	nodes, err := mmr.OpenNodeStore(ctx, cfg.MMROptions(), nodeStoreDeps(pool, logger), logger)
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, nil, err
	}
	closer := func() {
		nodes.Close()
		if pool != nil {
			pool.Close()
		}
	}
	return mmr.New(nodes, logger), closer, nil
}

func runMMRRoot(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()
	ctx := cmd.Context()

	m, closer, err := openConfiguredMMR(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closer()

	length, err := m.GetLeafLength(ctx)
	if err != nil {
		return err
	}
	if length == 0 {
		return fmt.Errorf("mmr is empty")
	}
	leaf := length - 1
	if rootLeaf >= 0 {
		leaf = uint64(rootLeaf)
	}
	root, err := m.GetRoot(ctx, leaf)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "leaf_index=%d leaf_count=%d root=0x%x\n", leaf, length, root)
	return nil
}

func runMMRSign(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()
	ctx := cmd.Context()

	s, err := loadSigner(cfg.PoI)
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("poi.signer_key_path is not configured")
	}

	m, closer, err := openConfiguredMMR(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closer()

	// signing reads the range only, so no checkpoint store is needed
	svc := service.NewMMRService(cfg.MMRServiceConfig(), m, nil, s, nil, logger)
	msg, err := svc.SignLatest(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%x\n", msg)
	return nil
}
