// Package security carries the hub's cross-cutting security concerns:
// audit logging, rate limiting, client IP resolution, request correlation
// IDs, secure response headers, and clock-skew-aware expiry checks.
//
// # Rate limiting
//
// Two limiters with different shapes: RateLimiter is a per-caller token
// bucket for the request path, ClientRegistrationRateLimiter counts
// registrations per IP over a sliding window. Both bound the callers they
// track, evicting the coldest entry at capacity and sweeping idle entries in
// the background, so a distributed attack cannot grow their memory without
// bound.
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//	    // 429
//	}
//
// # Audit logging
//
// The Auditor writes structured security events through slog. User
// identifiers are hashed before they reach the log stream, so audit trails
// correlate without storing PII. Events carry the request correlation ID
// when one is attached to the context (see EnsureRequestID).
package security
