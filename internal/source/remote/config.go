package remote

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
	"github.com/GriffinCanCode/bundlemanager/internal/infrastructure/logging"
	"github.com/GriffinCanCode/bundlemanager/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/bundlemanager/internal/source"
)

// Config configures a remote Source.
type Config struct {
	ID             bundle.SourceID
	BaseURL        string
	InstallDir     string
	Weight         float64
	CacheAgeScalar float64

	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// Concurrency bounds parallel file downloads per bundle.
	Concurrency int
	// BandwidthBPS caps download throughput in bytes per second. Zero is
	// unlimited.
	BandwidthBPS int

	Breaker resilience.Settings

	// Executor receives every completion callback. Nil falls back to
	// source.Inline and logs a warning.
	Executor   source.Executor
	Logger     *zap.Logger
	HTTPClient *http.Client
}

func (c *Config) setDefaults() {
	if c.Weight == 0 {
		c.Weight = 1
	}
	if c.CacheAgeScalar == 0 {
		c.CacheAgeScalar = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.InstallDir == "" {
		c.InstallDir = "content"
	}
	if c.Breaker.Timeout <= 0 {
		c.Breaker.Timeout = 30 * time.Second
	}
	if c.Breaker.ReadyToTrip == nil {
		c.Breaker.ReadyToTrip = resilience.ConsecutiveFailures(5)
	}
	c.Logger = logging.OrNop(c.Logger)
	if c.Executor == nil {
		c.Logger.Warn("No executor configured, completions run on download goroutines",
			zap.String("source", string(c.ID)))
		c.Executor = source.Inline
	}
	retryDefaults(c)
}
