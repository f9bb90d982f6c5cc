package manager

import (
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
	"github.com/GriffinCanCode/bundlemanager/internal/cache"
	"github.com/GriffinCanCode/bundlemanager/internal/source"
)

// InitStep is one stage of the init sequence.
type InitStep int

const (
	InitStepNone InitStep = iota
	InitStepBundleSources
	InitStepBundleCaches
	InitStepQueryBundleInfo
	InitStepSetUpdateBundleInfoCallback
	InitStepCreateAnalyticsSession
	InitStepFinishing
)

func (s InitStep) String() string {
	switch s {
	case InitStepNone:
		return "None"
	case InitStepBundleSources:
		return "InitBundleSources"
	case InitStepBundleCaches:
		return "InitBundleCaches"
	case InitStepQueryBundleInfo:
		return "QueryBundleInfo"
	case InitStepSetUpdateBundleInfoCallback:
		return "SetUpdateBundleInfoCallback"
	case InitStepCreateAnalyticsSession:
		return "CreateAnalyticsSession"
	case InitStepFinishing:
		return "Finishing"
	default:
		return "Unknown"
	}
}

// InitAction is returned by an InitErrorHandler.
type InitAction int

const (
	// InitNotHandled defers to the next handler down the stack.
	InitNotHandled InitAction = iota
	InitRetry
	InitStop
)

// InitErrorHandler decides what to do about a failed init step.
type InitErrorHandler func(step InitStep, result bundle.InitResult) InitAction

type initSequence struct {
	state         bundle.InitState
	step          InitStep
	lastStep      InitStep
	result        bundle.InitResult
	waiting       bool
	reported      bool
	unrecoverable bool

	retryMin   time.Duration
	retryDelay time.Duration
	retryAt    time.Time

	handlers []InitErrorHandler

	sourcesCreated bool
	sourcesJoined  bool
	sourceInit     map[bundle.SourceID]source.InitInfo
	pendingDelete  []source.Source

	queryResults map[bundle.SourceID]source.QueryResult

	sessionID string
}

func newInitSequence(retryMin time.Duration) initSequence {
	return initSequence{state: bundle.InitNotInitialized, retryMin: retryMin}
}

// PushInitErrorHandler adds h on top of the handler stack.
func (m *Manager) PushInitErrorHandler(h InitErrorHandler) {
	m.init.handlers = append(m.init.handlers, h)
}

// PopInitErrorHandler removes the most recently pushed handler.
func (m *Manager) PopInitErrorHandler() {
	if n := len(m.init.handlers); n > 0 {
		m.init.handlers = m.init.handlers[:n-1]
	}
}

// SessionID returns the analytics session id, empty until init creates it.
func (m *Manager) SessionID() string {
	return m.init.sessionID
}

func (m *Manager) handleInitError() InitAction {
	for i := len(m.init.handlers) - 1; i >= 0; i-- {
		if action := m.init.handlers[i](m.init.step, m.init.result); action != InitNotHandled {
			return action
		}
	}
	return InitRetry
}

func (m *Manager) stopInit() {
	m.logger.Error("Initialization failed",
		zap.Stringer("step", m.init.step),
		zap.Stringer("result", m.init.result),
	)
	m.init.state = bundle.InitFailed
	for _, fn := range m.initListeners {
		fn(m.init.state, m.init.result)
	}
}

func (m *Manager) nextRetryDelay() time.Duration {
	if m.init.retryDelay <= 0 {
		return m.init.retryMin
	}
	return min(m.init.retryDelay*2, m.opts.InitRetryMax)
}

func (m *Manager) tickInit(now time.Time) {
	for m.init.state == bundle.InitNotInitialized && !m.init.waiting {
		if !m.init.reported && m.init.step != InitStepNone {
			m.init.reported = true
			m.metrics.RecordInitAttempt(m.init.step.String(), m.init.result.String())
		}
		if m.init.unrecoverable {
			m.stopInit()
			return
		}

		if m.init.result != bundle.InitOK {
			// The first failure of a step retries at once.
			if m.init.lastStep != m.init.step {
				m.init.lastStep = m.init.step
				m.init.retryDelay = 0
				m.init.retryAt = now
			}
			if m.init.retryAt.IsZero() {
				m.init.retryAt = now.Add(m.init.retryDelay)
			}
			if now.Before(m.init.retryAt) {
				return
			}
			m.init.retryAt = time.Time{}

			if m.handleInitError() == InitStop {
				m.logger.Warn("Init error handler stopped initialization", zap.Stringer("step", m.init.step))
				m.stopInit()
				return
			}
			m.logger.Warn("Retrying initialization",
				zap.Stringer("step", m.init.step),
				zap.Stringer("result", m.init.result),
				zap.Duration("waited", m.init.retryDelay),
			)
			m.init.retryDelay = m.nextRetryDelay()
		} else {
			m.init.lastStep = m.init.step
			m.init.step++
			if m.init.step != InitStepFinishing {
				m.logger.Info("Init step", zap.Stringer("step", m.init.step))
			}
		}

		m.init.result = bundle.InitOK
		m.init.reported = m.init.step == InitStepFinishing
		switch m.init.step {
		case InitStepBundleSources:
			m.initBundleSources()
		case InitStepBundleCaches:
			m.initBundleCaches()
		case InitStepQueryBundleInfo:
			m.initQueryBundleInfo()
		case InitStepSetUpdateBundleInfoCallback:
			m.initSetUpdateBundleInfoCallback()
		case InitStepCreateAnalyticsSession:
			m.initCreateAnalyticsSession()
		case InitStepFinishing:
			m.init.pendingDelete = nil
			m.init.state = bundle.InitSucceeded
			m.logger.Info("Initialization succeeded",
				zap.Int("sources", len(m.sources)),
				zap.Int("caches", len(m.caches)),
				zap.Int("bundles", m.registry.Len()),
			)
			for _, fn := range m.initListeners {
				fn(m.init.state, m.init.result)
			}
		default:
			panic("unknown init step " + m.init.step.String())
		}
	}
}

// finishInitStep ends an asynchronous step with result.
func (m *Manager) finishInitStep(result bundle.InitResult) {
	m.init.result = result
	m.init.waiting = false
}

// ============================================================================
// Sources
// ============================================================================

func (m *Manager) initBundleSources() {
	if !m.init.sourcesCreated {
		m.init.sourcesCreated = true
		if m.opts.SourceFactory == nil {
			m.logger.Error("No source factory configured")
			m.init.unrecoverable = true
			m.init.result = bundle.InitConfigurationError
			return
		}
		for _, id := range m.opts.Sources {
			s := m.opts.SourceFactory(id)
			if s == nil {
				m.logger.Error("Could not create bundle source", zap.String("source", string(id)))
				m.init.unrecoverable = true
				m.init.result = bundle.InitConfigurationError
				return
			}
			m.sources[id] = s
			m.sourceOrder = append(m.sourceOrder, id)
		}
	}
	if len(m.sources) == 0 {
		m.logger.Error("No bundle sources configured")
		m.init.result = bundle.InitConfigurationError
		return
	}

	m.init.waiting = true
	m.init.sourcesJoined = false
	m.init.sourceInit = make(map[bundle.SourceID]source.InitInfo, len(m.sources))
	m.forEachSource(func(s source.Source) {
		if s.InitState() == bundle.InitSucceeded {
			m.init.sourceInit[s.ID()] = source.InitInfo{Result: bundle.InitOK}
			return
		}
		m.asyncInitSource(s)
	})
	m.joinSourceInit()
}

func (m *Manager) asyncInitSource(s source.Source) {
	srcID := s.ID()
	s.AsyncInit(func(info source.InitInfo) {
		m.onSourceInit(srcID, info)
	})
}

func (m *Manager) onSourceInit(srcID bundle.SourceID, info source.InitInfo) {
	if _, ok := m.sources[srcID]; !ok || m.init.step != InitStepBundleSources {
		return
	}
	m.init.sourceInit[srcID] = info

	if info.Result != bundle.InitOK && info.UseFallback {
		if fb := m.findFallbackSource(srcID); fb != srcID {
			m.replaceSource(srcID, fb)
		}
	}
	m.joinSourceInit()
}

// findFallbackSource follows the fallback chain from srcID, skipping
// sources that were already replaced. It returns srcID when the chain ends
// or loops.
func (m *Manager) findFallbackSource(srcID bundle.SourceID) bundle.SourceID {
	replaced := make(map[bundle.SourceID]bool, len(m.init.pendingDelete))
	for _, s := range m.init.pendingDelete {
		replaced[s.ID()] = true
	}

	seen := map[bundle.SourceID]bool{srcID: true}
	cur := srcID
	for {
		next, ok := m.opts.Fallbacks[cur]
		if !ok || seen[next] {
			return srcID
		}
		seen[next] = true
		if !replaced[next] {
			if _, active := m.sources[next]; !active {
				return next
			}
		}
		cur = next
	}
}

func (m *Manager) replaceSource(old, fb bundle.SourceID) {
	m.logger.Warn("Replacing bundle source with fallback",
		zap.String("source", string(old)),
		zap.String("fallback", string(fb)),
	)

	m.init.pendingDelete = append(m.init.pendingDelete, m.sources[old])
	delete(m.sources, old)
	delete(m.init.sourceInit, old)

	s := m.opts.SourceFactory(fb)
	if s == nil {
		m.logger.Error("Could not create fallback source", zap.String("source", string(fb)))
		m.sourceOrder = removeSourceID(m.sourceOrder, old)
		m.init.unrecoverable = true
		return
	}
	for i, id := range m.sourceOrder {
		if id == old {
			m.sourceOrder[i] = fb
		}
	}
	m.sources[fb] = s
	m.asyncInitSource(s)
}

func removeSourceID(ids []bundle.SourceID, id bundle.SourceID) []bundle.SourceID {
	out := ids[:0]
	for _, have := range ids {
		if have != id {
			out = append(out, have)
		}
	}
	return out
}

func (m *Manager) joinSourceInit() {
	if !m.init.waiting || m.init.sourcesJoined || len(m.init.sourceInit) < len(m.sources) {
		return
	}
	m.init.sourcesJoined = true

	result := bundle.InitOK
	if m.init.unrecoverable {
		result = bundle.InitConfigurationError
	} else {
		for _, id := range m.sourceOrder {
			if r := m.init.sourceInit[id].Result; r != bundle.InitOK {
				result = r
				break
			}
		}
	}

	needsPatchCheck := result == bundle.InitBuildMetaDataDownloadError || result == bundle.InitRemoteBuildMetaDataNotFound
	if needsPatchCheck && m.opts.PatchChecker != nil {
		m.opts.PatchChecker.CheckPatch(func(pr PatchResult) {
			if pr == PatchClientRequired {
				result = bundle.InitClientPatchRequiredError
			}
			m.finishInitStep(result)
		})
		return
	}
	m.finishInitStep(result)
}

// ============================================================================
// Caches
// ============================================================================

func (m *Manager) initBundleCaches() {
	m.caches = make(map[bundle.CacheName]cache.Cache, len(m.opts.Caches))
	m.cacheOrder = m.cacheOrder[:0]

	for _, cfg := range m.opts.Caches {
		if _, dup := m.caches[cfg.Name]; dup {
			m.logger.Error("Duplicate cache name", zap.String("cache", string(cfg.Name)))
			m.init.result = bundle.InitConfigurationError
			return
		}
		size := cfg.Size
		if override, ok := m.opts.CacheSizeOverrides[cfg.Name]; ok {
			size = override
		}
		m.caches[cfg.Name] = m.opts.CacheFactory(cfg.Name, size)
		m.cacheOrder = append(m.cacheOrder, cfg.Name)
	}

	for name := range m.opts.CacheSizeOverrides {
		if _, ok := m.caches[name]; !ok {
			m.logger.Warn("Cache size override for unknown cache", zap.String("cache", string(name)))
		}
	}

	for src, name := range m.opts.SourceCaches {
		if _, ok := m.caches[name]; !ok {
			m.logger.Error("Source mapped to unknown cache",
				zap.String("source", string(src)),
				zap.String("cache", string(name)),
			)
			m.init.result = bundle.InitConfigurationError
			return
		}
	}
}

// ============================================================================
// Bundle info
// ============================================================================

func (m *Manager) initQueryBundleInfo() {
	m.init.waiting = true
	m.init.queryResults = make(map[bundle.SourceID]source.QueryResult, len(m.sources))
	m.forEachSource(func(s source.Source) {
		srcID := s.ID()
		s.QueryBundleInfo(func(res source.QueryResult) {
			m.onQueryBundleInfo(srcID, res)
		})
	})
}

func (m *Manager) onQueryBundleInfo(srcID bundle.SourceID, res source.QueryResult) {
	if !m.init.waiting || m.init.step != InitStepQueryBundleInfo {
		return
	}
	m.init.queryResults[srcID] = res
	if len(m.init.queryResults) < len(m.sources) {
		return
	}
	m.finishInitStep(m.applyBundleInfo())
}

func (m *Manager) applyBundleInfo() bundle.InitResult {
	for _, id := range m.sourceOrder {
		if r := m.init.queryResults[id].Result; r != bundle.InitOK {
			m.logger.Error("Bundle info query failed", zap.String("source", string(id)), zap.Stringer("result", r))
			return r
		}
	}

	type contribution struct {
		source bundle.SourceID
		info   source.BundleInfo
	}

	m.registry = bundle.NewRegistry()
	contributors := make(map[bundle.Name][]contribution)
	var order []bundle.Name

	for _, id := range m.sourceOrder {
		s := m.sources[id]
		c, hasCache := m.cacheFor(id)
		for _, bi := range m.init.queryResults[id].Bundles {
			if _, created := m.registry.GetOrCreate(bi.Name); created {
				order = append(order, bi.Name)
			}
			contributors[bi.Name] = append(contributors[bi.Name], contribution{source: id, info: bi})
			if bi.IsCached && hasCache {
				c.AddOrUpdateBundle(id, cache.BundleInfo{
					Bundle:              bi.Name,
					FullInstallSize:     bi.FullInstallSize,
					InstallOverheadSize: bi.InstallOverheadSize,
					CurrentInstallSize:  bi.CurrentInstallSize,
					LastAccess:          bi.LastAccess,
					AgeScalar:           s.CacheAgeScalar(),
				})
			}
		}
	}

	if len(order) == 0 {
		m.logger.Error("No bundles reported by any source")
		return bundle.InitBuildMetaDataParsingError
	}

	var startup []bundle.Name
	for _, name := range order {
		info := m.registry.MustGet(name)
		info.Priority = bundle.PriorityLow
		status := bundle.StatusNeedsMount
		doPatchCheck := false

		for _, c := range contributors[name] {
			bi := c.info
			if bi.DisplayName != "" {
				info.DisplayName = bi.DisplayName
			}
			info.Priority = min(info.Priority, bi.Priority)
			info.ContainsOnDemand = info.ContainsOnDemand || bi.ContainsOnDemand
			info.IsStartup = info.IsStartup || bi.IsStartup
			doPatchCheck = doPatchCheck || bi.DoPatchCheck

			switch bi.State {
			case bundle.InstallNotInstalled:
				status = bundle.StatusNotInstalled
			case bundle.InstallNeedsUpdate:
				if status == bundle.StatusNeedsMount {
					status = bundle.StatusNeedsUpdate
				}
			}
			info.AddSource(c.source)
		}

		if info.IsStartup {
			startup = append(startup, name)
		}
		if doPatchCheck {
			info.Prereqs = bundle.AddPrereq(info.Prereqs, bundle.PrereqRequiresLatestClient)
		}
		info.SetStatus(status)
	}

	if len(startup) > 1 {
		m.logger.Warn("More than one startup bundle", zap.Int("count", len(startup)))
	}
	return bundle.InitOK
}

func (m *Manager) initSetUpdateBundleInfoCallback() {
	m.forEachSource(func(s source.Source) {
		s.SetUpdateBundleInfoCallback(m.onUpdateBundleInfo, m.onLostRelevance)
	})
}

// ============================================================================
// Analytics
// ============================================================================

func (m *Manager) initCreateAnalyticsSession() {
	version := ""
	best := -1
	m.forEachSource(func(s source.Source) {
		v := s.ContentVersion()
		if n, ok := parseChangelist(v); ok && n > best {
			best = n
			version = v
		}
	})

	sid := m.opts.IDs.SessionID(version)
	m.init.sessionID = sid.String()
	if m.opts.Analytics != nil {
		m.opts.Analytics.SetSessionID(sid)
	}
	m.logger.Info("Created analytics session", zap.String("session", m.init.sessionID))
}

// parseChangelist reads n from a "CL-<n>" or "CL-<n>-<suffix>" version.
func parseChangelist(version string) (int, bool) {
	i := strings.Index(version, "CL-")
	if i < 0 {
		return 0, false
	}
	rest := version[i+3:]
	if j := strings.Index(rest, "-"); j >= 0 {
		rest = rest[:j]
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}
