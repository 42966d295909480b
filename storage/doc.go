// Package storage defines the persistence contracts for the OAuth core and
// the record types they exchange.
//
// The core treats these stores as the single source of truth: every lookup
// and mutation is an awaited call, and backends may be network-bound. The two
// security-critical operations, CodeStore.ClaimAuthorizationCode and
// TokenStore.AtomicGetAndDeleteRefreshToken, must be atomic inside the
// backend so that single-use resources cannot be redeemed twice under
// concurrency.
package storage
