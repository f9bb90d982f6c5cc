// Package server assembles the bundle manager daemon: logger, catalog,
// sources, orchestrator, runner and the gin control API.
package server
