package manager

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
	"github.com/GriffinCanCode/bundlemanager/internal/cache"
	"github.com/GriffinCanCode/bundlemanager/internal/source"
)

// evictionWait tracks the (bundle, source) releases one requestor waits on.
type evictionWait struct {
	pending    map[bundle.Name][]bundle.SourceID
	onComplete func()
	// onFailed runs instead of onComplete when no target can be evicted.
	onFailed func()
}

func (w *evictionWait) done() bool { return len(w.pending) == 0 }

func (w *evictionWait) remove(name bundle.Name, src bundle.SourceID) {
	srcs := removeSourceID(w.pending[name], src)
	if len(srcs) == 0 {
		delete(w.pending, name)
		return
	}
	w.pending[name] = srcs
}

func mergeTargets(dst, src cache.EvictTargets) {
	for name, srcs := range src {
		dst[name] = appendUniqueSources(dst[name], srcs...)
	}
}

func appendUniqueSources(dst []bundle.SourceID, srcs ...bundle.SourceID) []bundle.SourceID {
	for _, s := range srcs {
		found := false
		for _, have := range dst {
			if have == s {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, s)
		}
	}
	return dst
}

// tryReserveCache reserves r's bundle in every cache behind its sources.
// Newly made reservations are rolled back unless every cache succeeds.
func (m *Manager) tryReserveCache(r *updateRequest) {
	r.lastReserve = cache.ReserveSuccess

	info := m.registry.MustGet(r.name)
	targets := make(cache.EvictTargets)
	failed := false
	mustWait := false
	var reserved []cache.Cache

	for _, c := range m.bundleCaches(info) {
		wasReserved := c.IsReserved(r.name)
		res := c.Reserve(r.name)
		switch res.Result {
		case cache.ReserveSuccess:
			if !wasReserved {
				reserved = append(reserved, c)
			}
		case cache.ReserveFailCacheFull:
			failed = true
			st := c.Stats(0)
			m.logger.Info("Cache full",
				zap.String("bundle", string(r.name)),
				zap.String("cache", string(c.Name())),
				zap.Uint64("max_size", st.MaxSize),
				zap.Uint64("used_size", st.UsedSize),
			)
		case cache.ReserveFailNeedsEvict:
			mergeTargets(targets, res.EvictTargets)
		case cache.ReserveFailPendingEvict:
			mustWait = true
		default:
			panic(fmt.Sprintf("bundle %s: unknown reserve result %d", r.name, res.Result))
		}
		if failed {
			break
		}
	}

	if failed || mustWait || len(targets) > 0 {
		for _, c := range reserved {
			c.Release(r.name)
		}
	}

	switch {
	case failed:
		m.metrics.RecordReserve(cache.ReserveFailCacheFull.String())
		m.logger.Info("Failed to reserve cache", zap.String("bundle", string(r.name)))
		r.lastReserve = cache.ReserveFailCacheFull
		r.result = bundle.UpdateFailedCacheReserve
		r.steps.Finish()
	case mustWait:
		m.metrics.RecordReserve(cache.ReserveFailPendingEvict.String())
		m.logger.Debug("Waiting for pending eviction", zap.String("bundle", string(r.name)))
		r.lastReserve = cache.ReserveFailPendingEvict
		r.steps.Wait()
	case len(targets) == 0:
		m.metrics.RecordReserve(cache.ReserveSuccess.String())
		r.steps.Finish()
	default:
		m.metrics.RecordReserve(cache.ReserveFailNeedsEvict.String())
		r.lastReserve = cache.ReserveFailNeedsEvict
		r.steps.Wait()
		r.evict = &evictionWait{
			onComplete: func() {
				r.evict = nil
				if r.cancelled {
					r.steps.Finish()
					return
				}
				m.tryReserveCache(r)
			},
			onFailed: func() {
				r.evict = nil
				r.result = bundle.UpdateFailedCacheReserve
				r.steps.Finish()
			},
		}
		m.requestEviction(r.evict, targets)
	}
}

// tickReserveCache retries requests blocked on another requestor's eviction.
func (m *Manager) tickReserveCache() {
	for _, r := range append([]*updateRequest(nil), m.updateCache...) {
		if !r.steps.At(stepReservingCache) || r.steps.Done() {
			continue
		}
		if r.lastReserve != cache.ReserveFailPendingEvict {
			continue
		}
		if r.cancelled {
			r.steps.Finish()
			continue
		}
		m.tryReserveCache(r)
	}
}

// requestEviction asks the owning sources to remove targets and reports back
// through w once every one of them has finished.
func (m *Manager) requestEviction(w *evictionWait, targets cache.EvictTargets) {
	w.pending = make(map[bundle.Name][]bundle.SourceID, len(targets))
	for name, srcs := range targets {
		info, ok := m.registry.Get(name)
		if ok && info.Status() == bundle.StatusMounted {
			m.logger.Error("Refusing to evict mounted bundle", zap.String("bundle", string(name)))
			continue
		}
		var known []bundle.SourceID
		for _, src := range srcs {
			if _, ok := m.sources[src]; ok {
				known = appendUniqueSources(known, src)
			}
		}
		if len(known) > 0 {
			w.pending[name] = known
		}
	}

	if w.done() {
		w.onFailed()
		return
	}

	type dispatch struct {
		src  source.Source
		name bundle.Name
	}
	var calls []dispatch

	for _, name := range bundle.NewNameSet(namesOf(w.pending)...).Sorted() {
		for _, srcID := range w.pending[name] {
			if c, ok := m.cacheFor(srcID); ok {
				c.SetPendingEvict(name)
				key := cacheBundle{cache: c.Name(), bundle: name}
				m.pendingEvictSources[key] = appendUniqueSources(m.pendingEvictSources[key], srcID)
			}

			key := sourceBundle{source: srcID, bundle: name}
			waiters, inFlight := m.pendingEvictions[key]
			m.pendingEvictions[key] = append(waiters, w)
			if inFlight {
				continue
			}

			calls = append(calls, dispatch{src: m.sources[srcID], name: name})
		}
	}

	for _, c := range calls {
		srcID, name := c.src.ID(), c.name
		m.logger.Info("Requesting eviction",
			zap.String("bundle", string(name)),
			zap.String("source", string(srcID)),
		)
		c.src.RequestReleaseContent(source.ReleaseRequest{
			Bundle: name,
			Flags:  bundle.ReleaseRemoveFilesIfPossible,
			Remove: true,
			OnComplete: func(res source.ReleaseResult) {
				m.evictionComplete(srcID, name, res)
			},
		})
	}
}

func (m *Manager) evictionComplete(srcID bundle.SourceID, name bundle.Name, res source.ReleaseResult) {
	c, hasCache := m.cacheFor(srcID)

	if res.Result == bundle.ReleaseOK {
		if info, ok := m.registry.Get(name); ok {
			if info.Status() == bundle.StatusMounted {
				panic(fmt.Sprintf("bundle %s: evicted while mounted", name))
			}
			info.SetStatus(bundle.StatusNotInstalled)
		}
		if hasCache {
			if ci, ok := c.BundleInfo(srcID, name); ok {
				ci.CurrentInstallSize = 0
				ci.InstallOverheadSize = 0
				ci.LastAccess = time.Time{}
				c.AddOrUpdateBundle(srcID, ci)
			}
		}
		m.logger.Info("Evicted bundle",
			zap.String("bundle", string(name)),
			zap.String("source", string(srcID)),
		)
	} else {
		m.logger.Warn("Eviction failed",
			zap.String("bundle", string(name)),
			zap.String("source", string(srcID)),
			zap.Stringer("result", res.Result),
		)
	}

	if hasCache {
		key := cacheBundle{cache: c.Name(), bundle: name}
		srcs := removeSourceID(m.pendingEvictSources[key], srcID)
		if len(srcs) == 0 {
			delete(m.pendingEvictSources, key)
			c.ClearPendingEvict(name)
		} else {
			m.pendingEvictSources[key] = srcs
		}
	}

	key := sourceBundle{source: srcID, bundle: name}
	waiters := m.pendingEvictions[key]
	delete(m.pendingEvictions, key)
	m.metrics.IncEvictions()

	for _, w := range waiters {
		w.remove(name, srcID)
		if w.done() {
			w.onComplete()
		}
	}
}

// hasPendingEviction reports whether any source is still evicting name.
func (m *Manager) hasPendingEviction(name bundle.Name) bool {
	for key := range m.pendingEvictions {
		if key.bundle == name {
			return true
		}
	}
	return false
}

func namesOf[V any](m map[bundle.Name]V) []bundle.Name {
	out := make([]bundle.Name, 0, len(m))
	for n := range m {
		out = append(out, n)
	}
	return out
}
