package mmr

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Backend names a node store implementation
type Backend string

const (
	BackendFile     Backend = "file"
	BackendPostgres Backend = "postgres"
	BackendRedis    Backend = "redis"
	BackendMemory   Backend = "memory"
	BackendRemote   Backend = "remote"
)

// Options selects and configures a node store
type Options struct {
	Backend       Backend
	FilePath      string
	Schema        string
	Table         string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisKey      string
	RemoteAddr    string
}

// Dependencies are the shared resources a backend may need
type Dependencies struct {
	Pool *pgxpool.Pool
	// DialRemote connects to a remote node store
	DialRemote func(ctx context.Context, addr string) (NodeStore, error)
}

// OpenNodeStore opens the backend named by opts
func OpenNodeStore(ctx context.Context, opts Options, deps Dependencies, logger *zap.Logger) (NodeStore, error) {
	logger = logger.With(zap.String("backend", string(opts.Backend)))

	switch opts.Backend {
	case BackendFile:
		if opts.FilePath == "" {
			return nil, fmt.Errorf("mmr file backend requires a file path")
		}
		s, err := OpenFileStore(opts.FilePath, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendPostgres:
		if deps.Pool == nil {
			return nil, fmt.Errorf("mmr postgres backend requires a database connection")
		}
		s, err := NewPostgresStore(ctx, deps.Pool, opts.Schema, opts.Table, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendRedis:
		s, err := NewRedisStore(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB, opts.RedisKey, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendRemote:
		if deps.DialRemote == nil {
			return nil, fmt.Errorf("mmr remote backend is not available")
		}
		return deps.DialRemote(ctx, opts.RemoteAddr)
	default:
		return nil, fmt.Errorf("unknown mmr backend %q", opts.Backend)
	}
}
