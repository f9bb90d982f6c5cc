package manager

import (
	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
	"github.com/GriffinCanCode/bundlemanager/internal/cache"
)

type flushRequest struct {
	cache  bundle.CacheName
	source bundle.SourceID
	done   func(error)
}

func (f *flushRequest) finish(err error) {
	if f.done != nil {
		f.done(err)
	}
}

// FlushCache evicts every unreserved bundle from a cache. cacheName selects
// the cache directly; otherwise src selects the cache it maps to and limits
// the flush to that source. With neither, every cache is flushed. done runs
// on the tick goroutine once all evictions finished.
func (m *Manager) FlushCache(cacheName bundle.CacheName, src bundle.SourceID, done func(error)) error {
	if err := m.checkInit(); err != nil {
		return err
	}
	m.flushRequests = append(m.flushRequests, &flushRequest{cache: cacheName, source: src, done: done})
	return nil
}

func (m *Manager) tickCacheFlush() {
	if len(m.flushRequests) == 0 {
		return
	}

	var deferred []*flushRequest
	for _, f := range m.flushRequests {
		caches, err := m.flushTargets(f)
		if err != nil {
			m.logger.Warn("Dropping cache flush", zap.Error(err))
			f.finish(err)
			continue
		}

		if m.releaseTouches(caches) {
			deferred = append(deferred, f)
			continue
		}

		targets := make(cache.EvictTargets)
		for _, c := range caches {
			mergeTargets(targets, c.Flush(f.source))
		}
		if len(targets) == 0 {
			f.finish(nil)
			continue
		}

		m.logger.Info("Flushing cache",
			zap.String("cache", string(f.cache)),
			zap.String("source", string(f.source)),
			zap.Int("bundles", len(targets)),
		)
		complete := func() { f.finish(nil) }
		m.requestEviction(&evictionWait{onComplete: complete, onFailed: complete}, targets)
	}
	m.flushRequests = deferred
}

func (m *Manager) flushTargets(f *flushRequest) ([]cache.Cache, error) {
	switch {
	case f.cache != "":
		c, ok := m.caches[f.cache]
		if !ok {
			return nil, errors.Wrapf(ErrUnknownCache, errors.CodeNotFound, "cache %q", f.cache)
		}
		return []cache.Cache{c}, nil
	case f.source != "":
		c, ok := m.cacheFor(f.source)
		if !ok {
			return nil, errors.Wrapf(ErrUnknownSource, errors.CodeNotFound, "no cache for source %q", f.source)
		}
		return []cache.Cache{c}, nil
	}
	return m.allCaches(), nil
}

// releaseTouches reports whether a queued release involves a bundle held in
// one of caches.
func (m *Manager) releaseTouches(caches []cache.Cache) bool {
	found := false
	m.eachReleaseRequest(func(r *releaseRequest) bool {
		for _, c := range caches {
			if c.Contains(r.name) {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

// GetCacheStats returns stats for every cache, or nil before init succeeds.
func (m *Manager) GetCacheStats(flags cache.StatsFlags) []cache.Stats {
	if m.init.state != bundle.InitSucceeded {
		return nil
	}
	out := make([]cache.Stats, 0, len(m.cacheOrder))
	for _, c := range m.allCaches() {
		out = append(out, c.Stats(flags))
	}
	return out
}

// CacheStats returns stats for a single cache.
func (m *Manager) CacheStats(name bundle.CacheName, flags cache.StatsFlags) (cache.Stats, error) {
	if err := m.checkInit(); err != nil {
		return cache.Stats{}, err
	}
	c, ok := m.caches[name]
	if !ok {
		return cache.Stats{}, errors.Wrapf(ErrUnknownCache, errors.CodeNotFound, "cache %q", name)
	}
	return c.Stats(flags), nil
}
