package manager

import (
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
	"github.com/GriffinCanCode/bundlemanager/internal/cache"
	"github.com/GriffinCanCode/bundlemanager/internal/infrastructure/logging"
	"github.com/GriffinCanCode/bundlemanager/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/bundlemanager/internal/shared/id"
	"github.com/GriffinCanCode/bundlemanager/internal/source"
)

// Mounter makes installed content visible to the application.
type Mounter interface {
	Mount(name bundle.Name, paths []string) error
	Unmount(name bundle.Name, paths []string) error
	MountOnDemand(name bundle.Name, args []string) error
	UnmountOnDemand(name bundle.Name) error
}

// ShaderCache reports outstanding pipeline warm-up work.
type ShaderCache interface {
	PrecompilesRemaining() int
}

// PatchResult is the outcome of a client/content version check.
type PatchResult int

const (
	PatchNone PatchResult = iota
	PatchClientRequired
	PatchContentRequired
	PatchCheckFailure
)

// PatchChecker checks whether the running client is still current.
type PatchChecker interface {
	CheckPatch(done func(PatchResult))
}

// Analytics receives the install session id once init finishes.
type Analytics interface {
	SetSessionID(sid id.SessionID)
}

// CacheConfig declares one cache.
type CacheConfig struct {
	Name bundle.CacheName
	Size uint64
}

// Options configures a Manager.
type Options struct {
	// Sources are created in order through SourceFactory.
	Sources []bundle.SourceID
	// Fallbacks maps a source to the source that replaces it when init
	// asks for a fallback.
	Fallbacks map[bundle.SourceID]bundle.SourceID

	Caches             []CacheConfig
	SourceCaches       map[bundle.SourceID]bundle.CacheName
	CacheSizeOverrides map[bundle.CacheName]uint64

	InitRetryMin time.Duration
	InitRetryMax time.Duration

	// MaxInstallTimePerTick bounds Install batch work per tick. Zero is
	// unlimited.
	MaxInstallTimePerTick time.Duration

	SourceFactory source.Factory
	CacheFactory  cache.Factory

	Mounter      Mounter
	ShaderCache  ShaderCache
	PatchChecker PatchChecker
	Analytics    Analytics

	Logger  *zap.Logger
	Metrics *monitoring.Metrics
	Clock   func() time.Time
	IDs     *id.Generator
}

const (
	DefaultInitRetryMin = time.Second
	DefaultInitRetryMax = time.Minute
)

func (o *Options) setDefaults() {
	if o.InitRetryMin <= 0 {
		o.InitRetryMin = DefaultInitRetryMin
	}
	if o.InitRetryMax < o.InitRetryMin {
		o.InitRetryMax = max(DefaultInitRetryMax, o.InitRetryMin)
	}
	o.Logger = logging.OrNop(o.Logger)
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.IDs == nil {
		o.IDs = id.Default()
	}
	if o.Mounter == nil {
		o.Mounter = NopMounter{}
	}
	if o.CacheFactory == nil {
		o.CacheFactory = cache.NewFactory(cache.WithLogger(o.Logger), cache.WithClock(o.Clock))
	}
}

// NopMounter accepts every mount.
type NopMounter struct{}

func (NopMounter) Mount(bundle.Name, []string) error         { return nil }
func (NopMounter) Unmount(bundle.Name, []string) error       { return nil }
func (NopMounter) MountOnDemand(bundle.Name, []string) error { return nil }
func (NopMounter) UnmountOnDemand(bundle.Name) error         { return nil }
