package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/devrev/indexstore/internal/config"
	"github.com/devrev/indexstore/internal/metrics"
	"github.com/devrev/indexstore/internal/mmr"
	"github.com/devrev/indexstore/internal/remote"
	"github.com/devrev/indexstore/internal/server"
	"github.com/devrev/indexstore/internal/service"
	"github.com/devrev/indexstore/internal/signer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the store, the MMR sync loop and the admin and node store servers",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("project_id", cfg.Project.ID),
		zap.Bool("historical", cfg.Project.Historical),
		zap.String("database", cfg.Database.Driver),
		zap.Bool("mmr", cfg.MMR.Enabled))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg, cfg.Project.ID)

	backing, pool, err := openBackingStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open backing store: %w", err)
	}
	defer backing.Close()

	registry := service.NewCacheRegistry(cfg.RegistryConfig(), backing, m, logger)

	var poiSvc *service.PoIService
	if cfg.PoI.Enabled {
		poiSvc = service.NewPoIService(&service.PoIServiceConfig{ProjectID: cfg.Project.ID}, backing, registry, m, logger)
	}

	indexer := service.NewIndexingService(registry, poiSvc, m, logger)
	if err := indexer.Resume(ctx); err != nil {
		return fmt.Errorf("failed to resume indexing: %w", err)
	}

	var (
		nodeStore mmr.NodeStore
		mmrSvc    *service.MMRService
	)
	if cfg.MMR.Enabled {
		nodeStore, err = mmr.OpenNodeStore(ctx, cfg.MMROptions(), nodeStoreDeps(pool, logger), logger)
		if err != nil {
			return fmt.Errorf("failed to open mmr node store: %w", err)
		}
		defer nodeStore.Close()

		s, err := loadSigner(cfg.PoI)
		if err != nil {
			return err
		}
		mmrSvc = service.NewMMRService(cfg.MMRServiceConfig(), mmr.New(nodeStore, logger), backing, s, m, logger)
	}

	deps := server.Dependencies{Store: backing}
	if cfg.Metrics.Enabled {
		deps.Gatherer = reg
	}
	if poiSvc != nil {
		deps.Checkpoints = poiSvc
	}
	if mmrSvc != nil {
		deps.Roots = mmrSvc
	}
	admin := server.NewAdminServer(&server.AdminServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.HTTPPort,
		MetricsPath:  cfg.Metrics.Path,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, deps, logger)
	if err := admin.Start(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if mmrSvc != nil {
		g.Go(func() error {
			return mmrSvc.Run(gctx, cfg.MMR.SyncInterval)
		})
	}

	if nodeStore != nil && cfg.Server.GRPCPort > 0 {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort)
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			admin.Stop(context.Background())
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		grpcServer := grpc.NewServer()
		remote.NewServer(nodeStore, logger).Register(grpcServer)
		logger.Info("Node store service starting", zap.String("address", addr))

		g.Go(func() error {
			return grpcServer.Serve(listener)
		})
		g.Go(func() error {
			<-gctx.Done()
			grpcServer.GracefulStop()
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	runErr := g.Wait()
	if runErr != nil {
		logger.Error("Service stopped with error", zap.Error(runErr))
	}

	logger.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := admin.Stop(shutdownCtx); err != nil {
		logger.Error("Failed to stop admin server", zap.Error(err))
	}
	if err := indexer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to flush caches during shutdown", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

// loadSigner returns nil when no signing key is configured
func loadSigner(cfg config.PoIConfig) (*signer.Signer, error) {
	if cfg.SignerKeyPath == "" {
		return nil, nil
	}
	key, err := signer.LoadKey(cfg.SignerKeyPath)
	if err != nil {
		return nil, err
	}
	return signer.New(key, cfg.SignerKeyID)
}
