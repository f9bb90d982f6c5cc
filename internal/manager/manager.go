package manager

import (
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
	"github.com/GriffinCanCode/bundlemanager/internal/cache"
	"github.com/GriffinCanCode/bundlemanager/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/bundlemanager/internal/source"
)

// Manager drives bundle requests. See the package documentation for the
// threading contract.
type Manager struct {
	opts    Options
	logger  *zap.Logger
	metrics *monitoring.Metrics

	registry *bundle.Registry

	sources     map[bundle.SourceID]source.Source
	sourceOrder []bundle.SourceID
	caches      map[bundle.CacheName]cache.Cache
	cacheOrder  []bundle.CacheName

	init initSequence

	updateRequested []*updateRequest
	updateCache     []*updateRequest
	updateInstall   []*updateRequest

	releaseRequested []*releaseRequest
	releaseActive    []*releaseRequest

	// Sources still releasing a bundle for eviction, per (cache, bundle).
	pendingEvictSources map[cacheBundle][]bundle.SourceID
	// Requestors waiting on each (source, bundle) eviction.
	pendingEvictions map[sourceBundle][]*evictionWait

	flushRequests  []*flushRequest
	contentQueries []*contentStateQuery
	installQueries []*installStateQuery

	pruneCandidates bundle.NameSet

	mountDone chan mountResult

	updateListeners  []func(bundle.UpdateEvent)
	releaseListeners []func(bundle.ReleaseEvent)
	pauseListeners   []func(bundle.PauseEvent)
	initListeners    []func(bundle.InitState, bundle.InitResult)
}

type cacheBundle struct {
	cache  bundle.CacheName
	bundle bundle.Name
}

type sourceBundle struct {
	source bundle.SourceID
	bundle bundle.Name
}

// New creates a Manager. Nothing happens until the first Tick.
func New(opts Options) *Manager {
	opts.setDefaults()

	return &Manager{
		opts:                opts,
		logger:              opts.Logger.Named("bundlemgr"),
		metrics:             opts.Metrics,
		registry:            bundle.NewRegistry(),
		sources:             make(map[bundle.SourceID]source.Source),
		caches:              make(map[bundle.CacheName]cache.Cache),
		init:                newInitSequence(opts.InitRetryMin),
		pendingEvictSources: make(map[cacheBundle][]bundle.SourceID),
		pendingEvictions:    make(map[sourceBundle][]*evictionWait),
		pruneCandidates:     bundle.NewNameSet(),
		mountDone:           make(chan mountResult, 16),
	}
}

// Tick advances initialization, queries and every request. now drives the
// init retry schedule.
func (m *Manager) Tick(now time.Time) {
	start := m.opts.Clock()

	m.tickInit(now)
	m.tickGetContentState()
	m.tickGetInstallState()
	m.tickContentRequests()
	m.tickCacheFlush()
	m.tickReserveCache()
	m.tickWaitForShaderCache()
	m.tickPauseStatus()
	m.tickAsyncMountTasks()
	m.tickReleaseRequests()
	m.tickPruneBundleInfo()

	m.metrics.SetBatchSize("update_requested", len(m.updateRequested))
	m.metrics.SetBatchSize("update_cache", len(m.updateCache))
	m.metrics.SetBatchSize("update_install", len(m.updateInstall))
	m.metrics.SetBatchSize("release_requested", len(m.releaseRequested))
	m.metrics.SetBatchSize("release", len(m.releaseActive))
	m.metrics.ObserveTick(m.opts.Clock().Sub(start))
}

// GetInitState returns the state of the init sequence.
func (m *Manager) GetInitState() bundle.InitState {
	return m.init.state
}

// InitResult returns the result of the last init step that ran.
func (m *Manager) InitResult() bundle.InitResult {
	return m.init.result
}

// OnUpdateComplete registers a listener for finished update requests.
func (m *Manager) OnUpdateComplete(fn func(bundle.UpdateEvent)) {
	m.updateListeners = append(m.updateListeners, fn)
}

// OnReleaseComplete registers a listener for finished release requests.
func (m *Manager) OnReleaseComplete(fn func(bundle.ReleaseEvent)) {
	m.releaseListeners = append(m.releaseListeners, fn)
}

// OnPaused registers a listener for pause state changes.
func (m *Manager) OnPaused(fn func(bundle.PauseEvent)) {
	m.pauseListeners = append(m.pauseListeners, fn)
}

// OnInitComplete registers a listener called once init succeeds or fails.
func (m *Manager) OnInitComplete(fn func(bundle.InitState, bundle.InitResult)) {
	m.initListeners = append(m.initListeners, fn)
}

// Bundle returns a copy of the registry record for name.
func (m *Manager) Bundle(name bundle.Name) (bundle.Info, bool) {
	info, ok := m.registry.Get(name)
	if !ok {
		return bundle.Info{}, false
	}
	return *info, true
}

// Bundles returns the known bundle names in ascending order.
func (m *Manager) Bundles() []bundle.Name {
	return m.registry.Names()
}

// forEachSource visits sources in configuration order. fn may replace
// sources.
func (m *Manager) forEachSource(fn func(source.Source)) {
	for _, id := range append([]bundle.SourceID(nil), m.sourceOrder...) {
		if s, ok := m.sources[id]; ok {
			fn(s)
		}
	}
}

// cacheFor returns the cache backing src, if any.
func (m *Manager) cacheFor(src bundle.SourceID) (cache.Cache, bool) {
	name, ok := m.opts.SourceCaches[src]
	if !ok {
		return nil, false
	}
	c, ok := m.caches[name]
	return c, ok
}

// bundleCaches returns the distinct caches behind the sources of info.
func (m *Manager) bundleCaches(info *bundle.Info) []cache.Cache {
	var out []cache.Cache
	seen := make(map[bundle.CacheName]bool)
	for _, src := range info.SourceIDs() {
		c, ok := m.cacheFor(src)
		if !ok || seen[c.Name()] {
			continue
		}
		seen[c.Name()] = true
		out = append(out, c)
	}
	return out
}

func (m *Manager) allCaches() []cache.Cache {
	out := make([]cache.Cache, 0, len(m.cacheOrder))
	for _, name := range m.cacheOrder {
		out = append(out, m.caches[name])
	}
	return out
}
