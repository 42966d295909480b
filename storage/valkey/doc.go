// Package valkey provides a Valkey/Redis-backed implementation of the
// storage interfaces for horizontally scaled deployments. The single-use
// guarantees (authorization-code claim, refresh-token rotation) are enforced
// with Lua scripts so they stay atomic across hub replicas.
package valkey
