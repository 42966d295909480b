// Package instrumentation provides OpenTelemetry instrumentation for the
// authorization hub: counters and histograms for the OAuth flows and the
// authentication chain, plus nil-safe span helpers.
//
// When instrumentation is not configured or disabled, no-op providers are
// used and the overhead is zero.
//
// Available metrics:
//
//	auth.http.requests.total{method, endpoint, status}
//	auth.http.request.duration{endpoint}
//	auth.authorization.started{client_id}
//	auth.token.issued{grant_type}
//	auth.token.refreshed
//	auth.token.revoked
//	auth.client.registered{client_type}
//	auth.chain.outcome{method, outcome}
//	auth.rate_limit.exceeded{limiter_type}
//	auth.pkce.validation_failed{method}
//	auth.code.reuse_detected
//
// Never record actual token values, secrets, or PKCE verifiers in spans or
// metrics. Only metadata (token types, expiry, validation results) is safe.
package instrumentation
