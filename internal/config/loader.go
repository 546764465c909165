package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. INDEXSTORE_DATABASE_HOST
const EnvPrefix = "INDEXSTORE"

// Load loads configuration from file and environment variables. The file is
// optional; environment variables take precedence over it.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so environment overrides apply even when
// the file omits a section
func setDefaults(v *viper.Viper) {
	// Project defaults
	v.SetDefault("project.id", "")
	v.SetDefault("project.historical", true)
	v.SetDefault("project.start_height", 1)

	// Database defaults
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "indexstore")
	v.SetDefault("database.user", "indexstore")
	v.SetDefault("database.password", "")
	v.SetDefault("database.schema", "public")
	v.SetDefault("database.max_connections", 20)
	v.SetDefault("database.min_connections", 2)

	// Cache defaults
	v.SetDefault("cache.get_cache_size", 10000)

	// Flush defaults
	v.SetDefault("flush.interval_blocks", 100)
	v.SetDefault("flush.timeout", 60*time.Second)
	v.SetDefault("flush.max_retries", 3)
	v.SetDefault("flush.retry_backoff", 500*time.Millisecond)

	// MMR defaults
	v.SetDefault("mmr.enabled", false)
	v.SetDefault("mmr.backend", "file")
	v.SetDefault("mmr.file_path", "./data/mmr.bin")
	v.SetDefault("mmr.table", "")
	v.SetDefault("mmr.redis_address", "localhost:6379")
	v.SetDefault("mmr.redis_password", "")
	v.SetDefault("mmr.redis_db", 0)
	v.SetDefault("mmr.redis_key", "")
	v.SetDefault("mmr.remote_address", "")
	v.SetDefault("mmr.block_offset", 0)
	v.SetDefault("mmr.sync_batch_size", 100)
	v.SetDefault("mmr.sync_interval", 5*time.Second)

	// PoI defaults
	v.SetDefault("poi.enabled", true)
	v.SetDefault("poi.signer_key_path", "")
	v.SetDefault("poi.signer_key_id", "")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 9090)
	v.SetDefault("server.grpc_port", 0)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
