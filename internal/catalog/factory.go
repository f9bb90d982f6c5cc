package catalog

import (
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
	"github.com/GriffinCanCode/bundlemanager/internal/infrastructure/logging"
	"github.com/GriffinCanCode/bundlemanager/internal/manager"
	"github.com/GriffinCanCode/bundlemanager/internal/source"
	"github.com/GriffinCanCode/bundlemanager/internal/source/memory"
	"github.com/GriffinCanCode/bundlemanager/internal/source/remote"
)

// FactoryOptions configures source construction.
type FactoryOptions struct {
	// Remote is the template for remote sources. ID, BaseURL, Weight and
	// CacheAgeScalar come from the catalog; InstallDir is joined with the
	// source id unless the catalog sets one.
	Remote   remote.Config
	Executor source.Executor
	Logger   *zap.Logger
}

// Factory builds the sources a catalog declares.
type Factory struct {
	catalog *Catalog
	opts    FactoryOptions
	logger  *zap.Logger

	mu      sync.Mutex
	remotes []*remote.Source
}

// NewFactory creates a factory for c.
func (c *Catalog) NewFactory(opts FactoryOptions) *Factory {
	opts.Logger = logging.OrNop(opts.Logger)
	logger := opts.Logger.Named("catalog")
	if opts.Executor == nil {
		logger.Warn("No executor configured, source callbacks run inline")
		opts.Executor = source.Inline
	}
	return &Factory{catalog: c, opts: opts, logger: logger}
}

// Source creates the source with id, or nil if the catalog has none.
func (f *Factory) Source(id bundle.SourceID) source.Source {
	decl := f.catalog.source(id)
	if decl == nil {
		f.logger.Warn("source not in catalog", zap.String("source", string(id)))
		return nil
	}

	switch decl.Type {
	case TypeRemote:
		cfg := f.opts.Remote
		cfg.ID = id
		cfg.BaseURL = decl.URL
		cfg.Weight = decl.Weight
		cfg.CacheAgeScalar = decl.CacheAgeScalar
		cfg.Executor = f.opts.Executor
		cfg.Logger = f.opts.Logger
		cfg.InstallDir = decl.InstallDir
		if cfg.InstallDir == "" {
			cfg.InstallDir = filepath.Join(f.opts.Remote.InstallDir, decl.ID)
		}
		s := remote.New(cfg)
		f.mu.Lock()
		f.remotes = append(f.remotes, s)
		f.mu.Unlock()
		return s
	case TypeMemory:
		return memory.New(decl.memoryConfig())
	}
	return nil
}

// Remotes returns every remote source created so far.
func (f *Factory) Remotes() []*remote.Source {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*remote.Source(nil), f.remotes...)
}

// Close shuts down every remote source created so far.
func (f *Factory) Close() {
	for _, s := range f.Remotes() {
		s.Close()
	}
}

// ManagerOptions fills the declarative parts of manager.Options. Callers add
// collaborators such as the logger and metrics.
func (c *Catalog) ManagerOptions(f *Factory) manager.Options {
	opts := manager.Options{
		Fallbacks:     make(map[bundle.SourceID]bundle.SourceID),
		SourceCaches:  make(map[bundle.SourceID]bundle.CacheName),
		SourceFactory: f.Source,
	}
	for _, cc := range c.Caches {
		opts.Caches = append(opts.Caches, manager.CacheConfig{Name: bundle.CacheName(cc.Name), Size: cc.Size})
	}
	for _, s := range c.Sources {
		id := bundle.SourceID(s.ID)
		if !s.Standby {
			opts.Sources = append(opts.Sources, id)
		}
		if s.Fallback != "" {
			opts.Fallbacks[id] = bundle.SourceID(s.Fallback)
		}
		if s.Cache != "" {
			opts.SourceCaches[id] = bundle.CacheName(s.Cache)
		}
	}
	return opts
}

func (c *Catalog) source(id bundle.SourceID) *Source {
	for i := range c.Sources {
		if c.Sources[i].ID == string(id) {
			return &c.Sources[i]
		}
	}
	return nil
}

func (s *Source) memoryConfig() memory.Config {
	cfg := memory.Config{
		ID:             bundle.SourceID(s.ID),
		ContentVersion: s.ContentVersion,
		Weight:         s.Weight,
		CacheAgeScalar: s.CacheAgeScalar,
	}
	for _, b := range s.Bundles {
		// Validate already rejected unknown states.
		state, _ := parseInstallState(b.State)
		mb := memory.Bundle{
			Name:         bundle.Name(b.Name),
			DisplayName:  b.DisplayName,
			Priority:     bundle.ParsePriority(b.Priority),
			Startup:      b.Startup,
			DoPatchCheck: b.PatchCheck,
			State:        state,
			Cached:       b.Cached,
			OnDemand:     b.OnDemand,
			FullSize:     b.FullSize,
			OverheadSize: b.OverheadSize,
			CurrentSize:  b.CurrentSize,
			ContentPaths: b.ContentPaths,
		}
		if state == bundle.InstallUpToDate && mb.CurrentSize == 0 {
			mb.CurrentSize = mb.FullSize
		}
		for _, d := range b.Deps {
			mb.Deps = append(mb.Deps, bundle.Name(d))
		}
		cfg.Bundles = append(cfg.Bundles, mb)
	}
	return cfg
}
