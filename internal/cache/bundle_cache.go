package cache

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
)

type entry struct {
	sources      map[bundle.SourceID]BundleInfo
	reserved     bool
	pendingEvict bool
	hinted       bool
}

func (e *entry) full() uint64 {
	var n uint64
	for _, info := range e.sources {
		n += info.FullInstallSize + info.InstallOverheadSize
	}
	return n
}

func (e *entry) current() uint64 {
	var n uint64
	for _, info := range e.sources {
		n += info.CurrentInstallSize
	}
	return n
}

func (e *entry) used() uint64 {
	if e.reserved {
		return max(e.full(), e.current())
	}
	return e.current()
}

// age is the scaled time since the most recent access across sources.
func (e *entry) age(now time.Time) float64 {
	var age float64
	first := true
	for _, info := range e.sources {
		scalar := info.AgeScalar
		if scalar <= 0 {
			scalar = 1
		}
		a := now.Sub(info.LastAccess).Seconds() * scalar
		if first || a < age {
			age = a
			first = false
		}
	}
	return age
}

// BundleCache is a capacity-bounded Cache.
type BundleCache struct {
	mu      sync.RWMutex
	name    bundle.CacheName
	size    uint64
	entries map[bundle.Name]*entry
	now     func() time.Time
	logger  *zap.Logger
}

var _ Cache = (*BundleCache)(nil)

// Option configures a BundleCache.
type Option func(*BundleCache)

// WithClock sets the time source used for eviction ordering.
func WithClock(now func() time.Time) Option {
	return func(c *BundleCache) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *BundleCache) { c.logger = logger }
}

// New creates an empty cache of the given size in bytes.
func New(name bundle.CacheName, size uint64, opts ...Option) *BundleCache {
	c := &BundleCache{
		name:    name,
		size:    size,
		entries: make(map[bundle.Name]*entry),
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewFactory returns a Factory producing BundleCaches with opts applied.
func NewFactory(opts ...Option) Factory {
	return func(name bundle.CacheName, size uint64) Cache {
		return New(name, size, opts...)
	}
}

func (c *BundleCache) Name() bundle.CacheName { return c.name }

func (c *BundleCache) Size() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size
}

func (c *BundleCache) SetSize(size uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.size = size
}

func (c *BundleCache) AddOrUpdateBundle(src bundle.SourceID, info BundleInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[info.Bundle]
	if !ok {
		e = &entry{sources: make(map[bundle.SourceID]BundleInfo)}
		c.entries[info.Bundle] = e
	}
	e.sources[src] = info
}

func (c *BundleCache) RemoveBundle(src bundle.SourceID, name bundle.Name) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[name]
	if !ok {
		return
	}
	delete(e.sources, src)
	if len(e.sources) == 0 {
		delete(c.entries, name)
	}
}

func (c *BundleCache) BundleInfo(src bundle.SourceID, name bundle.Name) (BundleInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[name]
	if !ok {
		return BundleInfo{}, false
	}
	info, ok := e.sources[src]
	return info, ok
}

// Reserve claims room for name. Bundles the cache does not track always
// succeed.
func (c *BundleCache) Reserve(name bundle.Name) Reservation {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[name]
	if !ok || e.reserved {
		if ok {
			e.reserved = true
		}
		return Reservation{Result: ReserveSuccess}
	}
	if e.pendingEvict {
		return Reservation{Result: ReserveFailPendingEvict}
	}

	used := c.usedLocked()
	need := e.full()
	if cur := e.current(); need > cur {
		need -= cur
	} else {
		need = 0
	}
	free := uint64(0)
	if c.size > used {
		free = c.size - used
	}
	if need <= free {
		e.reserved = true
		return Reservation{Result: ReserveSuccess}
	}

	shortfall := need - free
	targets := EvictTargets{}
	var freed uint64
	for _, cand := range c.evictionCandidatesLocked(name) {
		ce := c.entries[cand]
		targets[cand] = sourcesWithContent(ce)
		freed += ce.current()
		if freed >= shortfall {
			c.logger.Debug("Cache reservation needs eviction",
				zap.String("cache", string(c.name)),
				zap.String("bundle", string(name)),
				zap.Int("targets", len(targets)),
			)
			return Reservation{Result: ReserveFailNeedsEvict, EvictTargets: targets}
		}
	}

	for other, oe := range c.entries {
		if other != name && oe.pendingEvict {
			return Reservation{Result: ReserveFailPendingEvict}
		}
	}
	return Reservation{Result: ReserveFailCacheFull}
}

// evictionCandidatesLocked orders evictable bundles, unhinted first and then
// oldest first.
func (c *BundleCache) evictionCandidatesLocked(exclude bundle.Name) []bundle.Name {
	now := c.now()
	type cand struct {
		name   bundle.Name
		hinted bool
		age    float64
	}
	var cands []cand
	for n, e := range c.entries {
		if n == exclude || e.reserved || e.pendingEvict || e.current() == 0 {
			continue
		}
		cands = append(cands, cand{name: n, hinted: e.hinted, age: e.age(now)})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].hinted != cands[j].hinted {
			return !cands[i].hinted
		}
		if cands[i].age != cands[j].age {
			return cands[i].age > cands[j].age
		}
		return cands[i].name < cands[j].name
	})

	out := make([]bundle.Name, len(cands))
	for i, cd := range cands {
		out[i] = cd.name
	}
	return out
}

func (c *BundleCache) Release(name bundle.Name) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[name]
	if !ok || !e.reserved {
		return false
	}
	e.reserved = false
	return true
}

func (c *BundleCache) SetPendingEvict(name bundle.Name) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[name]
	if !ok || e.reserved {
		return false
	}
	e.pendingEvict = true
	return true
}

func (c *BundleCache) ClearPendingEvict(name bundle.Name) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[name]
	if !ok || !e.pendingEvict {
		return false
	}
	e.pendingEvict = false
	return true
}

func (c *BundleCache) HintRequested(name bundle.Name, requested bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[name]; ok {
		e.hinted = requested
	}
}

func (c *BundleCache) IsReserved(name bundle.Name) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[name]
	return ok && e.reserved
}

func (c *BundleCache) Contains(name bundle.Name) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.entries[name]
	return ok
}

func (c *BundleCache) Flush(src bundle.SourceID) EvictTargets {
	c.mu.RLock()
	defer c.mu.RUnlock()

	targets := EvictTargets{}
	for name, e := range c.entries {
		if e.reserved || e.pendingEvict {
			continue
		}
		var srcs []bundle.SourceID
		for id, info := range e.sources {
			if info.CurrentInstallSize == 0 {
				continue
			}
			if src != "" && id != src {
				continue
			}
			srcs = append(srcs, id)
		}
		if len(srcs) > 0 {
			sort.Slice(srcs, func(i, j int) bool { return srcs[i] < srcs[j] })
			targets[name] = srcs
		}
	}
	return targets
}

func (c *BundleCache) Stats(flags StatsFlags) Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Stats{Name: c.name, MaxSize: c.size}
	names := make([]bundle.Name, 0, len(c.entries))
	for n, e := range c.entries {
		names = append(names, n)
		st.UsedSize += e.used()
		if e.reserved {
			st.ReservedSize += e.used()
		}
	}
	if c.size > st.UsedSize {
		st.FreeSize = c.size - st.UsedSize
	}
	if flags&StatsIncludeBundles != 0 {
		for _, n := range bundle.SortNames(names) {
			e := c.entries[n]
			st.Bundles = append(st.Bundles, BundleStats{
				Bundle:       n,
				FullSize:     e.full(),
				CurrentSize:  e.current(),
				Reserved:     e.reserved,
				PendingEvict: e.pendingEvict,
			})
		}
	}
	return st
}

func (c *BundleCache) usedLocked() uint64 {
	var used uint64
	for _, e := range c.entries {
		used += e.used()
	}
	return used
}

func sourcesWithContent(e *entry) []bundle.SourceID {
	var out []bundle.SourceID
	for id, info := range e.sources {
		if info.CurrentInstallSize > 0 {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
