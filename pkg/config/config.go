// Package config loads service configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/smartramana/hookmesh/pkg/cache"
	"github.com/smartramana/hookmesh/pkg/webhook"
)

// ServerConfig tunes the HTTP surface
type ServerConfig struct {
	ListenAddress   string        `mapstructure:"listen_address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SecurityConfig tunes the inbound request guards
type SecurityConfig struct {
	PathPrefix      string        `mapstructure:"path_prefix"`
	IPAllowlist     []string      `mapstructure:"ip_allowlist"`
	RateLimit       int           `mapstructure:"rate_limit"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
}

// Config is the root configuration
type Config struct {
	Server      ServerConfig         `mapstructure:"server"`
	Security    SecurityConfig       `mapstructure:"security"`
	Cache       cache.Config         `mapstructure:"cache"`
	Engine      webhook.EngineConfig `mapstructure:"engine"`
	StorageRoot string               `mapstructure:"storage_root"`
	LogLevel    string               `mapstructure:"log_level"`
}

// Load reads configuration from the named file (optional) plus
// HOOKMESH_-prefixed environment variables, with sane defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HOOKMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_address", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("security.path_prefix", "/api/v1")
	v.SetDefault("security.rate_limit", 100)
	v.SetDefault("security.rate_limit_window", time.Minute)

	v.SetDefault("storage_root", "data")
	v.SetDefault("log_level", "info")

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.default_ttl", time.Hour)
	v.SetDefault("cache.max_size", 10000)
	v.SetDefault("cache.eviction_policy", "lru")
	v.SetDefault("cache.serialization", "json")

	v.SetDefault("engine.max_workers", 5)
	v.SetDefault("engine.queue_capacity", 1000)
	v.SetDefault("engine.max_attempts", 3)
	v.SetDefault("engine.base_delay", time.Second)
	v.SetDefault("engine.max_delay", time.Minute)
	v.SetDefault("engine.attempt_timeout", 30*time.Second)
	v.SetDefault("engine.user_agent", "hookmesh-webhook/1.0")
	v.SetDefault("engine.enable_dlq", true)
}
