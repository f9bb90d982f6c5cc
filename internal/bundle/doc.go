// Package bundle holds the bundle registry and the value types shared by the
// orchestrator, the content sources and the caches.
//
// A bundle is a named, independently installable unit of content. Each known
// bundle has one Info record in the Registry. Its Status moves through a small
// checked state machine:
//
//	NotInstalled -> NeedsUpdate -> NeedsMount -> Mounted
//
// Unmounting moves Mounted back to NeedsMount. Removal or eviction moves any
// unmounted state to NotInstalled. Any other transition is a programming error
// and panics.
//
// The registry is not safe for concurrent use. It is owned by the manager and
// only mutated from its tick goroutine.
package bundle
