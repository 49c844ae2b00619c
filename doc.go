// Package authcore provides an authentication and session-lifecycle engine with JWT
// access tokens, rotating JWT refresh tokens, Redis-backed session state, and
// delegated login against an external media-server backend.
//
// The package is designed for concurrent server workloads: Engine methods are safe to
// call from multiple goroutines after initialization through [Builder.Build].
//
// # Architecture boundaries
//
// authcore is the public surface. It exposes [Engine], [Builder], [Config], and value
// types (TokenPair, AuthResult, SessionInfo, MetricsSnapshot, etc.). All internal
// coordination (session encoding, rate limiting, reset-token storage, audit dispatch)
// lives under internal/ and is never exported.
//
// # What this package must NOT do
//
//   - Expose Redis clients, internal stores, or encoding details in its public API.
//   - Perform I/O outside of Engine methods and [SettingsStore.Load] (construction via
//     Builder is allocation-only until Build).
//   - Import any sub-package that re-imports authcore (no import cycles).
//
// # Performance contract
//
// Validate is the hot path. It performs a stateless token decode plus one user-store
// read per call and never touches Redis; revocation is enforced at refresh time.
// Refresh, Login, and account operations are allowed a small fixed number of store
// round-trips per call.
package authcore
