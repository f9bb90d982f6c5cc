package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmgilman/go/errors"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/bundlemanager/internal/infrastructure/config"
)

// DefaultIdleTimeout is how long a client limiter survives without requests.
const DefaultIdleTimeout = 10 * time.Minute

// RateLimitConfig defines rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
	// IdleTimeout evicts per-client limiters not seen for this long.
	IdleTimeout time.Duration
	Now         func() time.Time
}

// DefaultRateLimitConfig returns the default rate limit configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		Burst:             200,
		IdleTimeout:       DefaultIdleTimeout,
	}
}

// RateLimitConfigFrom converts the environment settings.
func RateLimitConfigFrom(cfg config.RateLimitConfig) RateLimitConfig {
	out := DefaultRateLimitConfig()
	out.RequestsPerSecond = cfg.RequestsPerSecond
	out.Burst = cfg.Burst
	return out
}

func (c *RateLimitConfig) setDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// limiters tracks one token bucket per client key.
type limiters struct {
	cfg       RateLimitConfig
	mu        sync.Mutex
	clients   map[string]*client
	lastSweep time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newLimiters(cfg RateLimitConfig) *limiters {
	cfg.setDefaults()
	return &limiters{cfg: cfg, clients: make(map[string]*client), lastSweep: cfg.Now()}
}

func (l *limiters) get(key string) *rate.Limiter {
	now := l.cfg.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.cfg.IdleTimeout {
		for k, c := range l.clients {
			if now.Sub(c.lastSeen) >= l.cfg.IdleTimeout {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}

	c, ok := l.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)}
		l.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter
}

func (l *limiters) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// RateLimit creates a per-IP rate limiting middleware.
func RateLimit(cfg RateLimitConfig) gin.HandlerFunc {
	l := newLimiters(cfg)
	return func(c *gin.Context) {
		limit(c, l.get(c.ClientIP()), l.cfg.Now())
	}
}

// GlobalRateLimit creates a global rate limiting middleware.
func GlobalRateLimit(cfg RateLimitConfig) gin.HandlerFunc {
	cfg.setDefaults()
	limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	return func(c *gin.Context) {
		limit(c, limiter, cfg.Now())
	}
}

func limit(c *gin.Context, limiter *rate.Limiter, now time.Time) {
	res := limiter.ReserveN(now, 1)
	if !res.OK() {
		reject(c, time.Second)
		return
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		reject(c, delay)
		return
	}
	c.Next()
}

func reject(c *gin.Context, delay time.Duration) {
	secs := int(math.Ceil(delay.Seconds()))
	c.Header("Retry-After", strconv.Itoa(max(secs, 1)))
	err := errors.New(errors.CodeRateLimit, "rate limit exceeded")
	c.AbortWithStatusJSON(http.StatusTooManyRequests, errors.ToJSON(err))
}
