// Package cache defines the cache coordinator contract used by the bundle
// manager and provides BundleCache, a capacity-bounded default implementation.
//
// A cache tracks, per bundle and per contributing source, the full install
// size, the install overhead, the currently installed size and the last access
// time. A reserved bundle occupies its full size plus overhead. Any other
// bundle occupies only what is currently installed, which makes it a candidate
// for eviction when another bundle needs room.
//
// Reserve never evicts anything itself. It answers with the set of bundles
// that would have to be released, and the manager negotiates those releases
// with the owning sources.
package cache
