/*
Package remote implements a content source backed by an HTTP content server.

# Layout

The server publishes a manifest and one payload per file:

	GET {base}/manifest.json
	GET {base}/bundles/{bundle}/{path}

The manifest lists every bundle with its dependencies, priority, mount
patterns and files. Each file carries its installed size, a BLAKE2b-256 hex
digest of the installed bytes and an optional compression ("zstd").

# Install

Files are downloaded concurrently, decompressed, hashed and written under
{install_dir}/{bundle}/ through a temporary ".part" file that is renamed
into place once its digest matches. Files already on disk with the right
size and digest are kept. The installed files matching the bundle's mount
patterns are reported as its content paths.

All network calls pass through a circuit breaker. Completions are delivered
through the configured source.Executor so the manager only ever sees them
on its own goroutine.
*/
package remote
