/*
Bundlemgr runs the bundle manager daemon.

It loads its configuration from the environment, reads the catalog of content
sources and caches, ticks the orchestrator and serves the control API until
SIGINT or SIGTERM.

Usage:

	bundlemgr [flags]

The flags are:

	-catalog path
		Catalog file (.yaml, .yml or .toml). Overrides CATALOG_PATH.
	-port port
		Control API port. Overrides BUNDLEMGR_PORT.
	-dev
		Console logging and gin debug mode. Overrides LOG_DEV.
*/
package main
