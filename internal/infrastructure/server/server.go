package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	stdhttp "net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/bundlemanager/internal/api/http"
	"github.com/GriffinCanCode/bundlemanager/internal/api/middleware"
	"github.com/GriffinCanCode/bundlemanager/internal/api/ws"
	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
	"github.com/GriffinCanCode/bundlemanager/internal/catalog"
	"github.com/GriffinCanCode/bundlemanager/internal/infrastructure/config"
	"github.com/GriffinCanCode/bundlemanager/internal/infrastructure/logging"
	"github.com/GriffinCanCode/bundlemanager/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/bundlemanager/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/bundlemanager/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/bundlemanager/internal/manager"
	"github.com/GriffinCanCode/bundlemanager/internal/runner"
	"github.com/GriffinCanCode/bundlemanager/internal/source"
	"github.com/GriffinCanCode/bundlemanager/internal/source/remote"
)

const shutdownTimeout = 10 * time.Second

// Server wires the orchestrator, its tick loop and the control API.
type Server struct {
	router   *gin.Engine
	manager  *manager.Manager
	runner   *runner.Runner
	factory  *catalog.Factory
	tracer   *tracing.Tracer
	logger   *logging.Logger
	config   *config.Config
	registry *prometheus.Registry
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config) (*Server, error) {
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		Service:     "bundlemgr",
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	logger.Info("Catalog loaded",
		zap.String("path", cfg.Catalog.Path),
		zap.Int("sources", len(cat.Sources)),
		zap.Int("caches", len(cat.Caches)),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(reg)

	// Sources are created lazily at tick time, after r is assigned.
	var r *runner.Runner
	factory := cat.NewFactory(catalog.FactoryOptions{
		Remote:   remoteTemplate(cfg.Remote),
		Executor: source.ExecutorFunc(func(fn func()) { r.Post(fn) }),
		Logger:   logger.Component("source"),
	})

	opts := cat.ManagerOptions(factory)
	opts.Logger = logger.Component("manager")
	opts.Metrics = metrics
	opts.InitRetryMin = cfg.Manager.InitRetryMin
	opts.InitRetryMax = cfg.Manager.InitRetryMax
	opts.MaxInstallTimePerTick = cfg.Manager.MaxInstallTimePerTick
	if len(cfg.Manager.CacheSizeOverrides) > 0 {
		opts.CacheSizeOverrides = make(map[bundle.CacheName]uint64, len(cfg.Manager.CacheSizeOverrides))
		for name, size := range cfg.Manager.CacheSizeOverrides {
			opts.CacheSizeOverrides[bundle.CacheName(name)] = size
		}
	}
	m := manager.New(opts)
	m.OnInitComplete(func(state bundle.InitState, result bundle.InitResult) {
		logger.Info("Init complete", zap.Stringer("state", state), zap.Stringer("result", result))
	})
	hub := ws.NewHub(logger.Logger)
	hub.Attach(m)

	r = runner.New(m, cfg.Manager.TickInterval, runner.WithLogger(logger.Component("runner")))

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	tracer := tracing.New("bundlemgr", logger.Logger)
	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.CORSConfigFrom(cfg.CORS)))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfigFrom(cfg.RateLimit)))
	}

	handlers := http.NewHandlers(http.Options{
		Manager:  m,
		Runner:   r,
		Metrics:  metrics,
		Gatherer: reg,
		Breakers: func() []*resilience.Breaker {
			var out []*resilience.Breaker
			for _, s := range factory.Remotes() {
				out = append(out, s.Breaker())
			}
			return out
		},
		Logger: logger.Logger,
	})
	handlers.Register(router)
	router.GET("/events", hub.HandleConnection)
	router.GET("/log/level", gin.WrapH(logger.LevelHandler()))
	router.PUT("/log/level", gin.WrapH(logger.LevelHandler()))

	logger.Info("Server initialized successfully")

	return &Server{
		router:   router,
		manager:  m,
		runner:   r,
		factory:  factory,
		tracer:   tracer,
		logger:   logger,
		config:   cfg,
		registry: reg,
	}, nil
}

func remoteTemplate(cfg config.RemoteConfig) remote.Config {
	return remote.Config{
		InstallDir:   cfg.InstallDir,
		Timeout:      cfg.Timeout,
		RetryMax:     cfg.RetryMax,
		Concurrency:  cfg.Concurrency,
		BandwidthBPS: cfg.BandwidthBPS,
		Breaker: resilience.Settings{
			Timeout:     cfg.BreakerTimeout,
			ReadyToTrip: resilience.ConsecutiveFailures(cfg.BreakerFailures),
		},
	}
}

// Handler returns the control API router.
func (s *Server) Handler() stdhttp.Handler { return s.router }

// Start begins ticking the manager.
func (s *Server) Start(ctx context.Context) {
	s.runner.Start(ctx)
}

// Run ticks the manager and serves the control API until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Server.Host, s.config.Server.Port)
	srv := &stdhttp.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, stdhttp.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Close stops the tick loop and releases the sources.
func (s *Server) Close() error {
	s.logger.Info("Shutting down server...")

	s.runner.Stop()
	s.factory.Close()
	s.tracer.Close()

	_ = s.logger.Sync()
	return nil
}
