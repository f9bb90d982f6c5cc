/*
Package resilience provides a circuit breaker for remote content servers.

# Overview

A remote source wraps its manifest and payload calls in a Breaker so that an
unreachable server fails fast instead of stalling every queued install.

# Usage

	breaker := resilience.New("source:cdn", resilience.Settings{
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: resilience.ConsecutiveFailures(5),
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("Breaker state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	})

	m, err := resilience.Call(ctx, breaker, func(ctx context.Context) (*Manifest, error) {
		return client.FetchManifest(ctx)
	})

Rejected calls return ErrCircuitOpen (CodeUnavailable) or ErrTooManyRequests
(CodeRateLimit). Both are retryable platform errors.

# States

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                           |
	                                    [failure]
	                                           |
	                                           v
	                                         Open
*/
package resilience
