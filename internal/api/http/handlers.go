package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
	"github.com/GriffinCanCode/bundlemanager/internal/infrastructure/logging"
	"github.com/GriffinCanCode/bundlemanager/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/bundlemanager/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/bundlemanager/internal/manager"
	"github.com/GriffinCanCode/bundlemanager/internal/runner"
)

// DefaultQueryTimeout bounds how long a handler waits for the tick loop.
const DefaultQueryTimeout = 30 * time.Second

// Options configures Handlers.
type Options struct {
	Manager *manager.Manager
	Runner  *runner.Runner
	Metrics *monitoring.Metrics
	// Gatherer backs GET /metrics.
	Gatherer prometheus.Gatherer
	// Breakers lists the circuit breakers reported by GET /metrics/json.
	Breakers     func() []*resilience.Breaker
	Logger       *zap.Logger
	QueryTimeout time.Duration
}

// Handlers serves the control API. Every manager call runs on the tick
// goroutine through the runner.
type Handlers struct {
	manager  *manager.Manager
	runner   *runner.Runner
	metrics  *monitoring.Metrics
	gatherer prometheus.Gatherer
	breakers func() []*resilience.Breaker
	logger   *zap.Logger
	timeout  time.Duration
	started  time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(opts Options) *Handlers {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Breakers == nil {
		opts.Breakers = func() []*resilience.Breaker { return nil }
	}
	return &Handlers{
		manager:  opts.Manager,
		runner:   opts.Runner,
		metrics:  opts.Metrics,
		gatherer: opts.Gatherer,
		breakers: opts.Breakers,
		logger:   logging.OrNop(opts.Logger).Named("api"),
		timeout:  opts.QueryTimeout,
		started:  time.Now(),
	}
}

// Register mounts every route on r.
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/health", h.Health)
	r.GET("/init", h.InitState)

	r.GET("/bundles", h.ListBundles)
	r.GET("/bundles/state", h.ContentState)
	r.GET("/bundles/install-state", h.InstallState)
	r.GET("/bundles/:name", h.GetBundle)
	r.GET("/bundles/:name/progress", h.Progress)
	r.POST("/bundles/update", h.RequestUpdate)
	r.POST("/bundles/release", h.RequestRelease)
	r.POST("/bundles/cancel-update", h.CancelUpdate)
	r.POST("/bundles/cancel-release", h.CancelRelease)
	r.POST("/bundles/pause", h.Pause)
	r.POST("/bundles/resume", h.Resume)

	r.GET("/caches/stats", h.CacheStats)
	r.POST("/caches/flush", h.FlushCache)

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	r.GET("/metrics/json", h.MetricsSummary)
}

// onLoop runs fn on the tick goroutine, bounded by the request context and
// the query timeout.
func (h *Handlers) onLoop(c *gin.Context, fn func()) error {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()
	return h.runner.Do(ctx, fn)
}

// Health handles the health check
func (h *Handlers) Health(c *gin.Context) {
	var state bundle.InitState
	if err := h.onLoop(c, func() { state = h.manager.GetInitState() }); err != nil {
		h.fail(c, err)
		return
	}

	status := "healthy"
	if state == bundle.InitFailed {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     status,
		"service":    "bundlemgr",
		"init_state": state.String(),
		"uptime":     time.Since(h.started).Round(time.Second).String(),
	})
}

// InitState reports the init sequence outcome.
func (h *Handlers) InitState(c *gin.Context) {
	var (
		state   bundle.InitState
		result  bundle.InitResult
		session string
	)
	err := h.onLoop(c, func() {
		state = h.manager.GetInitState()
		result = h.manager.InitResult()
		session = h.manager.SessionID()
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"state":      state.String(),
		"result":     result.String(),
		"session_id": session,
	})
}

// BundleView is the JSON shape of one registered bundle.
type BundleView struct {
	Name             bundle.Name       `json:"name"`
	DisplayName      string            `json:"display_name"`
	Status           string            `json:"status"`
	Priority         string            `json:"priority"`
	Sources          []bundle.SourceID `json:"sources"`
	ContentPaths     []string          `json:"content_paths,omitempty"`
	ContainsChunks   bool              `json:"contains_chunks"`
	ContainsOnDemand bool              `json:"contains_on_demand"`
	MountedOnDemand  bool              `json:"mounted_on_demand"`
	IsStartup        bool              `json:"is_startup"`
}

func viewOf(info bundle.Info) BundleView {
	return BundleView{
		Name:             info.Name,
		DisplayName:      info.DisplayName,
		Status:           info.Status().String(),
		Priority:         info.Priority.String(),
		Sources:          info.SourceIDs(),
		ContentPaths:     info.ContentPaths,
		ContainsChunks:   info.ContainsChunks,
		ContainsOnDemand: info.ContainsOnDemand,
		MountedOnDemand:  info.MountedOnDemand,
		IsStartup:        info.IsStartup,
	}
}

// ListBundles lists every registered bundle.
func (h *Handlers) ListBundles(c *gin.Context) {
	var views []BundleView
	err := h.onLoop(c, func() {
		for _, name := range h.manager.Bundles() {
			if info, ok := h.manager.Bundle(name); ok {
				views = append(views, viewOf(info))
			}
		}
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bundles": views, "count": len(views)})
}

// GetBundle describes one bundle.
func (h *Handlers) GetBundle(c *gin.Context) {
	name := bundle.Name(c.Param("name"))
	var (
		view BundleView
		ok   bool
	)
	err := h.onLoop(c, func() {
		var info bundle.Info
		if info, ok = h.manager.Bundle(name); ok {
			view = viewOf(info)
		}
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	if !ok {
		h.fail(c, errBundleNotFound(name))
		return
	}
	c.JSON(http.StatusOK, view)
}
