package manager

import (
	"go.uber.org/zap"

	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
	"github.com/GriffinCanCode/bundlemanager/internal/source"
)

// onUpdateBundleInfo applies bundle info a source pushed after init.
func (m *Manager) onUpdateBundleInfo(srcID bundle.SourceID, bi source.BundleInfo) source.UpdateInfoResult {
	if m.init.state != bundle.InitSucceeded {
		return source.UpdateInfoNotInitialized
	}

	c, hasCache := m.cacheFor(srcID)
	existing, exists := m.registry.Get(bi.Name)
	if exists {
		if existing.Status() == bundle.StatusMounted {
			return source.UpdateInfoAlreadyMounted
		}
		cached := false
		if hasCache {
			_, cached = c.BundleInfo(srcID, bi.Name)
		}
		if cached != bi.IsCached {
			return source.UpdateInfoIllegalCacheStatus
		}
		if m.hasUpdateRequest(bi.Name) || m.hasReleaseRequest(bi.Name) {
			return source.UpdateInfoAlreadyRequested
		}
	}

	info, isNew := m.registry.GetOrCreate(bi.Name)
	if isNew {
		if bi.DisplayName != "" {
			info.DisplayName = bi.DisplayName
		}
		info.Priority = bi.Priority
	}

	if hasCache {
		if bi.IsCached {
			ci, _ := c.BundleInfo(srcID, bi.Name)
			ci.Bundle = bi.Name
			ci.FullInstallSize = bi.FullInstallSize
			ci.InstallOverheadSize = bi.InstallOverheadSize
			ci.LastAccess = bi.LastAccess
			ci.AgeScalar = 1
			if s, ok := m.sources[srcID]; ok {
				ci.AgeScalar = s.CacheAgeScalar()
			}
			c.AddOrUpdateBundle(srcID, ci)
		} else {
			c.RemoveBundle(srcID, bi.Name)
		}
	}

	if bi.ContainsOnDemand {
		info.ContainsOnDemand = true
	}
	info.IsStartup = info.IsStartup || bi.IsStartup
	info.Priority = min(info.Priority, bi.Priority)
	if bi.State != bundle.InstallUpToDate {
		info.Prereqs = bundle.AddPrereq(info.Prereqs, bundle.PrereqRequiresLatestClient)
	}

	switch {
	case isNew && bi.State == bundle.InstallUpToDate:
		info.SetStatus(bundle.StatusNeedsMount)
	case isNew && bi.State == bundle.InstallNeedsUpdate:
		info.SetStatus(bundle.StatusNeedsUpdate)
	case !isNew && bi.State == bundle.InstallNotInstalled:
		info.SetStatus(bundle.StatusNotInstalled)
	case !isNew && bi.State == bundle.InstallNeedsUpdate && info.Status() == bundle.StatusNeedsMount:
		info.SetStatus(bundle.StatusNeedsUpdate)
	}

	info.AddSource(srcID)
	delete(m.pruneCandidates, bi.Name)

	m.logger.Info("Updated bundle info",
		zap.String("bundle", string(bi.Name)),
		zap.String("source", string(srcID)),
		zap.Bool("new", isNew),
	)
	return source.UpdateInfoOK
}

// onLostRelevance marks bundles irrelevant for srcID. Bundles no source
// cares about are pruned from a later Tick.
func (m *Manager) onLostRelevance(srcID bundle.SourceID, names []bundle.Name) {
	for _, name := range names {
		info, ok := m.registry.Get(name)
		if !ok {
			m.logger.Error("Lost relevance for unknown bundle", zap.String("bundle", string(name)))
			continue
		}
		if !info.SetRelevance(srcID, false) {
			m.logger.Error("Lost relevance from a source that does not contribute",
				zap.String("bundle", string(name)),
				zap.String("source", string(srcID)),
			)
			continue
		}
		if !info.IsRelevant() {
			m.pruneCandidates.Add(name)
		}
	}
}

func (m *Manager) tickPruneBundleInfo() {
	for _, name := range m.pruneCandidates.Sorted() {
		info, ok := m.registry.Get(name)
		if !ok {
			delete(m.pruneCandidates, name)
			continue
		}
		if info.IsRelevant() {
			m.logger.Error("Relevant bundle in prune list", zap.String("bundle", string(name)))
			delete(m.pruneCandidates, name)
			continue
		}
		if m.bundleInUse(name) {
			continue
		}

		for _, srcID := range info.SourceIDs() {
			if s, ok := m.sources[srcID]; ok {
				if po, ok := s.(source.PruneObserver); ok {
					po.OnBundleInfoPruned(name)
				}
			}
			if c, ok := m.cacheFor(srcID); ok {
				if ci, ok := c.BundleInfo(srcID, name); ok && ci.CurrentInstallSize > 0 {
					m.logger.Error("Pruning bundle with installed content",
						zap.String("bundle", string(name)),
						zap.String("cache", string(c.Name())),
						zap.Uint64("current_size", ci.CurrentInstallSize),
					)
				}
				c.RemoveBundle(srcID, name)
			}
		}

		m.registry.Remove(name)
		delete(m.pruneCandidates, name)
		m.logger.Info("Pruned bundle info", zap.String("bundle", string(name)))
	}
}

// bundleInUse reports whether a request, query or eviction still refers to
// name.
func (m *Manager) bundleInUse(name bundle.Name) bool {
	if m.hasUpdateRequest(name) || m.hasReleaseRequest(name) || m.hasPendingEviction(name) {
		return true
	}
	for _, q := range m.contentQueries {
		for _, n := range q.names {
			if n == name {
				return true
			}
		}
	}
	for _, q := range m.installQueries {
		for _, n := range q.names {
			if n == name {
				return true
			}
		}
	}
	return false
}
