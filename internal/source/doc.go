// Package source defines the contract between the bundle manager and the
// pluggable content sources that install and release bundles.
//
// A source is driven exclusively from the manager's tick goroutine. Every
// completion callback handed to a source must be invoked either inline, before
// the call returns, or later from that same goroutine. Sources doing real
// asynchronous work marshal their completions through an Executor.
package source
