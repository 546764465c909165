package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/devrev/indexstore/internal/mmr"
	"github.com/devrev/indexstore/internal/service"
	"gopkg.in/yaml.v3"
)

// Config represents the indexstore configuration
type Config struct {
	Project  ProjectConfig  `mapstructure:"project" yaml:"project"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Cache    CacheConfig    `mapstructure:"cache" yaml:"cache"`
	Flush    FlushConfig    `mapstructure:"flush" yaml:"flush"`
	MMR      MMRConfig      `mapstructure:"mmr" yaml:"mmr"`
	PoI      PoIConfig      `mapstructure:"poi" yaml:"poi"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

// ProjectConfig identifies the indexed project
type ProjectConfig struct {
	ID         string `mapstructure:"id" yaml:"id"`
	Historical bool   `mapstructure:"historical" yaml:"historical"`
	// StartHeight is the first block the project indexes
	StartHeight uint64 `mapstructure:"start_height" yaml:"start_height"`
}

// DatabaseConfig represents the backing store configuration
type DatabaseConfig struct {
	Driver         string `mapstructure:"driver" yaml:"driver"`
	Host           string `mapstructure:"host" yaml:"host"`
	Port           int    `mapstructure:"port" yaml:"port"`
	Name           string `mapstructure:"name" yaml:"name"`
	User           string `mapstructure:"user" yaml:"user"`
	Password       string `mapstructure:"password" yaml:"password"`
	Schema         string `mapstructure:"schema" yaml:"schema"`
	MaxConnections int    `mapstructure:"max_connections" yaml:"max_connections"`
	MinConnections int    `mapstructure:"min_connections" yaml:"min_connections"`
}

// CacheConfig represents entity cache configuration
type CacheConfig struct {
	GetCacheSize int `mapstructure:"get_cache_size" yaml:"get_cache_size"`
}

// FlushConfig represents flush scheduling configuration
type FlushConfig struct {
	IntervalBlocks int           `mapstructure:"interval_blocks" yaml:"interval_blocks"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
}

// MMRConfig represents Merkle Mountain Range configuration
type MMRConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	Backend       string        `mapstructure:"backend" yaml:"backend"`
	FilePath      string        `mapstructure:"file_path" yaml:"file_path"`
	Table         string        `mapstructure:"table" yaml:"table"`
	RedisAddress  string        `mapstructure:"redis_address" yaml:"redis_address"`
	RedisPassword string        `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db" yaml:"redis_db"`
	RedisKey      string        `mapstructure:"redis_key" yaml:"redis_key"`
	RemoteAddress string        `mapstructure:"remote_address" yaml:"remote_address"`
	BlockOffset   uint64        `mapstructure:"block_offset" yaml:"block_offset"`
	SyncBatchSize int           `mapstructure:"sync_batch_size" yaml:"sync_batch_size"`
	SyncInterval  time.Duration `mapstructure:"sync_interval" yaml:"sync_interval"`
}

// PoIConfig represents checkpoint configuration
type PoIConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	SignerKeyPath string `mapstructure:"signer_key_path" yaml:"signer_key_path"`
	SignerKeyID   string `mapstructure:"signer_key_id" yaml:"signer_key_id"`
}

// ServerConfig represents admin HTTP and gRPC server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	HTTPPort        int           `mapstructure:"http_port" yaml:"http_port"`
	GRPCPort        int           `mapstructure:"grpc_port" yaml:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

var validBackends = map[string]bool{
	string(mmr.BackendFile):     true,
	string(mmr.BackendPostgres): true,
	string(mmr.BackendRedis):    true,
	string(mmr.BackendMemory):   true,
	string(mmr.BackendRemote):   true,
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return errors.New("project id is required")
	}

	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.Host == "" {
			return errors.New("database host is required")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			return errors.New("database port must be between 1 and 65535")
		}
		if c.Database.Name == "" {
			return errors.New("database name is required")
		}
		if c.Database.MinConnections > c.Database.MaxConnections {
			return errors.New("database min connections cannot exceed max connections")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	if c.Flush.IntervalBlocks < 1 {
		return errors.New("flush interval must be at least 1 block")
	}
	if c.Flush.MaxRetries < 0 {
		return errors.New("flush max retries cannot be negative")
	}

	if c.MMR.Enabled {
		if !c.PoI.Enabled {
			return errors.New("mmr requires poi to be enabled")
		}
		if !validBackends[c.MMR.Backend] {
			return fmt.Errorf("unknown mmr backend %q", c.MMR.Backend)
		}
		if c.MMR.Backend == string(mmr.BackendPostgres) && c.Database.Driver != "postgres" {
			return errors.New("mmr postgres backend requires the postgres database driver")
		}
		if c.MMR.Backend == string(mmr.BackendFile) && c.MMR.FilePath == "" {
			return errors.New("mmr file backend requires file_path")
		}
		if c.MMR.Backend == string(mmr.BackendRemote) && c.MMR.RemoteAddress == "" {
			return errors.New("mmr remote backend requires remote_address")
		}
		if c.MMR.SyncBatchSize < 1 {
			return errors.New("mmr sync batch size must be at least 1")
		}
	}

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return errors.New("server http port must be between 1 and 65535")
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		return errors.New("server grpc port must be between 0 and 65535")
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown logging format %q", c.Logging.Format)
	}
	return nil
}

// YAML renders the effective configuration
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// RegistryConfig converts the cache and flush sections for the registry
func (c *Config) RegistryConfig() *service.CacheRegistryConfig {
	return &service.CacheRegistryConfig{
		Historical:    c.Project.Historical,
		GetCacheSize:  c.Cache.GetCacheSize,
		FlushInterval: c.Flush.IntervalBlocks,
		FlushTimeout:  c.Flush.Timeout,
		MaxRetries:    c.Flush.MaxRetries,
		RetryBackoff:  c.Flush.RetryBackoff,
	}
}

// MMROptions converts the mmr section for the node store opener. The
// postgres and redis backends default their table and key to the project.
func (c *Config) MMROptions() mmr.Options {
	table := c.MMR.Table
	if table == "" {
		table = "_mmr_" + c.Project.ID
	}
	key := c.MMR.RedisKey
	if key == "" {
		key = "mmr:" + c.Project.ID
	}
	return mmr.Options{
		Backend:       mmr.Backend(c.MMR.Backend),
		FilePath:      c.MMR.FilePath,
		Schema:        c.Database.Schema,
		Table:         table,
		RedisAddr:     c.MMR.RedisAddress,
		RedisPassword: c.MMR.RedisPassword,
		RedisDB:       c.MMR.RedisDB,
		RedisKey:      key,
		RemoteAddr:    c.MMR.RemoteAddress,
	}
}

// MMRServiceConfig converts the mmr section for the sync service
func (c *Config) MMRServiceConfig() *service.MMRServiceConfig {
	return &service.MMRServiceConfig{
		ProjectID:   c.Project.ID,
		BlockOffset: c.MMR.BlockOffset,
		BatchSize:   c.MMR.SyncBatchSize,
	}
}
