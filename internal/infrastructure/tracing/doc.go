/*
Package tracing provides lightweight request tracing for the control API.

Each request gets a span. Trace context travels in two headers:
  - X-Trace-ID: identifier for the whole request flow
  - X-Span-ID: identifier for the current operation

An incoming X-Trace-ID is kept, so a launcher can correlate its own logs with
the daemon's. Span ids are ULIDs. Completed spans are handed to a buffered
collector that logs them with zap; a full buffer drops spans instead of
blocking the request.

	tracer := tracing.New("bundlemgr", logger)
	defer tracer.Close()
	router.Use(tracing.HTTPMiddleware(tracer))
*/
package tracing
