/*
Package manager orchestrates installing and releasing content bundles.

# Overview

A Manager owns the bundle registry, every in-flight request and the
eviction bookkeeping shared between requests. It is driven by Tick and is
confined to one goroutine: every exported method, and every callback a
source or cache invokes, must run on the goroutine that calls Tick.
internal/runner provides that confinement for the daemon.

# Initialization

Tick first runs the init sequence:

	InitBundleSources -> InitBundleCaches -> QueryBundleInfo ->
	SetUpdateBundleInfoCallback -> CreateAnalyticsSession -> Finishing

A failing step is retried with exponential backoff between
Options.InitRetryMin and Options.InitRetryMax. Error handlers pushed with
PushInitErrorHandler are consulted most recent first and may stop the
sequence. Requests are rejected with ErrInitializationPending until the
sequence succeeds.

# Update pipeline

Update requests pass through three batches:

	Requested  prerequisites resolve
	Cache      ReservingCache, FinishingCache
	Install    UpdatingBundleSources, Mounting, WaitingForShaderCache,
	           Finishing, CleaningUp

Requested and Cache are stably sorted by priority and progress every tick.
The Install batch honors Options.MaxInstallTimePerTick.

# Release pipeline

Release requests pass through Requested and Release:

	Unmounting, UpdatingBundleSources, Finishing, CleaningUp

# Cache negotiation

A request reserves space in every cache backing one of its sources. A
cache that needs room names eviction targets. The manager marks them
pending-evict, asks the owning sources to remove them and retries the
reservation once every target it waits on has been released.
*/
package manager
