package cache

import (
	"time"

	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
)

// BundleInfo is the reservation record of one bundle under one source.
type BundleInfo struct {
	Bundle              bundle.Name
	FullInstallSize     uint64
	InstallOverheadSize uint64
	CurrentInstallSize  uint64
	LastAccess          time.Time
	// AgeScalar weights the bundle's age when choosing eviction targets.
	AgeScalar float64
}

// ReserveResult is the outcome of Reserve.
type ReserveResult int

const (
	ReserveSuccess ReserveResult = iota
	ReserveFailCacheFull
	ReserveFailNeedsEvict
	ReserveFailPendingEvict
)

func (r ReserveResult) String() string {
	switch r {
	case ReserveSuccess:
		return "success"
	case ReserveFailCacheFull:
		return "cache_full"
	case ReserveFailNeedsEvict:
		return "needs_evict"
	case ReserveFailPendingEvict:
		return "pending_evict"
	default:
		return "unknown"
	}
}

// EvictTargets maps bundles to the sources that must release them.
type EvictTargets map[bundle.Name][]bundle.SourceID

// Reservation is returned by Reserve.
type Reservation struct {
	Result       ReserveResult
	EvictTargets EvictTargets
}

// StatsFlags modify GetStats.
type StatsFlags uint32

const (
	StatsIncludeBundles StatsFlags = 1 << iota
)

// BundleStats describes one bundle in a cache.
type BundleStats struct {
	Bundle       bundle.Name `json:"bundle"`
	FullSize     uint64      `json:"full_size"`
	CurrentSize  uint64      `json:"current_size"`
	Reserved     bool        `json:"reserved"`
	PendingEvict bool        `json:"pending_evict"`
}

// Stats summarizes a cache.
type Stats struct {
	Name         bundle.CacheName `json:"name"`
	MaxSize      uint64           `json:"max_size"`
	UsedSize     uint64           `json:"used_size"`
	ReservedSize uint64           `json:"reserved_size"`
	FreeSize     uint64           `json:"free_size"`
	Bundles      []BundleStats    `json:"bundles,omitempty"`
}

// Cache is the coordinator contract consumed by the manager.
type Cache interface {
	Name() bundle.CacheName
	Size() uint64
	SetSize(size uint64)

	AddOrUpdateBundle(src bundle.SourceID, info BundleInfo)
	RemoveBundle(src bundle.SourceID, name bundle.Name)
	BundleInfo(src bundle.SourceID, name bundle.Name) (BundleInfo, bool)

	Reserve(name bundle.Name) Reservation
	Release(name bundle.Name) bool
	SetPendingEvict(name bundle.Name) bool
	ClearPendingEvict(name bundle.Name) bool
	HintRequested(name bundle.Name, requested bool)

	IsReserved(name bundle.Name) bool
	Contains(name bundle.Name) bool
	// Flush returns every unreserved bundle with installed content, limited
	// to src when it is non-empty.
	Flush(src bundle.SourceID) EvictTargets
	Stats(flags StatsFlags) Stats
}

// Factory creates a cache with the given name and size.
type Factory func(name bundle.CacheName, size uint64) Cache
