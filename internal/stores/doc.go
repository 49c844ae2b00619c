// Package stores provides Redis-backed, short-lived record stores for
// security-sensitive authentication flows, currently password reset
// challenges.
//
// Each store persists a versioned, binary-encoded record in Redis with a TTL.
// Consumption uses WATCH/MULTI optimistic transactions with automatic retry
// on contention, so records are strictly single-use and enforce attempt
// limits. Secret comparisons are constant time.
//
// The package owns persistence and concurrency control only. Token
// generation, rate limiting, and authentication decisions belong to the
// engine.
package stores
