package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Manager   ManagerConfig
	Catalog   CatalogConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Remote    RemoteConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"BUNDLEMGR_PORT" default:"8000"`
	Host string `envconfig:"BUNDLEMGR_HOST" default:"0.0.0.0"`
}

// ManagerConfig holds orchestrator settings.
type ManagerConfig struct {
	TickInterval          time.Duration `envconfig:"TICK_INTERVAL" default:"16ms"`
	InitRetryMin          time.Duration `envconfig:"INIT_RETRY_MIN" default:"1s"`
	InitRetryMax          time.Duration `envconfig:"INIT_RETRY_MAX" default:"60s"`
	MaxInstallTimePerTick time.Duration `envconfig:"MAX_INSTALL_TIME_PER_TICK" default:"0"`
	// CacheSizeOverrides is a list of name:bytes pairs, e.g. "disk:1073741824".
	CacheSizeOverrides map[string]uint64 `envconfig:"CACHE_SIZE_OVERRIDES"`
}

// CatalogConfig locates the catalog file.
type CatalogConfig struct {
	Path string `envconfig:"CATALOG_PATH" default:"catalog.yaml"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// CORSConfig holds cross-origin settings for the control API.
type CORSConfig struct {
	AllowOrigins []string      `envconfig:"CORS_ORIGINS" default:"*"`
	MaxAge       time.Duration `envconfig:"CORS_MAX_AGE" default:"12h"`
}

// RemoteConfig holds settings shared by every remote content source.
type RemoteConfig struct {
	Timeout         time.Duration `envconfig:"REMOTE_TIMEOUT" default:"30s"`
	RetryMax        int           `envconfig:"REMOTE_RETRY_MAX" default:"3"`
	Concurrency     int           `envconfig:"REMOTE_CONCURRENCY" default:"4"`
	BreakerFailures uint32        `envconfig:"REMOTE_BREAKER_FAILURES" default:"5"`
	BreakerTimeout  time.Duration `envconfig:"REMOTE_BREAKER_TIMEOUT" default:"30s"`
	// BandwidthBPS caps payload reads per source. Zero is unlimited.
	BandwidthBPS int    `envconfig:"REMOTE_BANDWIDTH_BPS" default:"0"`
	InstallDir   string `envconfig:"REMOTE_INSTALL_DIR" default:"content"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8000",
			Host: "0.0.0.0",
		},
		Manager: ManagerConfig{
			TickInterval: 16 * time.Millisecond,
			InitRetryMin: time.Second,
			InitRetryMax: time.Minute,
		},
		Catalog: CatalogConfig{
			Path: "catalog.yaml",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
		CORS: CORSConfig{
			AllowOrigins: []string{"*"},
			MaxAge:       12 * time.Hour,
		},
		Remote: RemoteConfig{
			Timeout:         30 * time.Second,
			RetryMax:        3,
			Concurrency:     4,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
			InstallDir:      "content",
		},
	}
}
