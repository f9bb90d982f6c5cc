// Package config provides 12-factor configuration for the bundle manager.
//
// Configuration is loaded from environment variables with sensible defaults.
// CLI flags can override environment variables for development flexibility.
//
// Configuration Sections:
//   - Server: control API listen address
//   - Manager: tick interval, init backoff, install budget, cache sizes
//   - Catalog: path of the YAML or TOML catalog
//   - Logging: Log level and output format
//   - RateLimit: Per-IP rate limiting configuration
//   - Remote: timeouts, retries and throttling for HTTP content sources
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("Control API on %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//
// Environment Variables:
//   - BUNDLEMGR_PORT, BUNDLEMGR_HOST
//   - TICK_INTERVAL, INIT_RETRY_MIN, INIT_RETRY_MAX, MAX_INSTALL_TIME_PER_TICK
//   - CACHE_SIZE_OVERRIDES (name:bytes,name:bytes)
//   - CATALOG_PATH, LOG_LEVEL, LOG_DEV
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST, RATE_LIMIT_ENABLED
//   - REMOTE_TIMEOUT, REMOTE_RETRY_MAX, REMOTE_CONCURRENCY
//   - REMOTE_BREAKER_FAILURES, REMOTE_BREAKER_TIMEOUT
//   - REMOTE_BANDWIDTH_BPS, REMOTE_INSTALL_DIR
package config
