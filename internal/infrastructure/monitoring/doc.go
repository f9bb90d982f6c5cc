/*
Package monitoring provides Prometheus metrics for the bundle manager.

# Overview

Metrics cover the request pipelines (update and release results, batch
sizes), cache negotiation (reservation outcomes, evictions), the init
sequence (attempts per step), tick latency and the control API.

# Usage

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	// Add middleware to Gin router
	router.Use(monitoring.Middleware(metrics))

	// Pipeline code records outcomes
	metrics.RecordUpdate("OK", true)
	metrics.RecordReserve("needs_evict")

# Metrics Endpoint

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
*/
package monitoring
