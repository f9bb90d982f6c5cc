// Package middleware holds the gin middleware of the control API: CORS and
// per-client or global rate limiting.
package middleware
