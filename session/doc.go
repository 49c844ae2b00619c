// Package session persists refresh-token sessions in Redis, keyed by the
// SHA-256 digest of the raw token so the store never sees token material.
//
// # Rotation protocol
//
// Every refresh exchanges the presented token for a new one. [Store.Rotate]
// performs the exchange in a single Lua script so exactly one concurrent
// caller can win. A token replayed after it has been rotated out resolves to
// a session whose current hash no longer matches; the script treats that as
// theft evidence, revokes the session, and the whole lineage dies.
//
// Revocation is a flag flip, not a delete, so [Store.Revoke] stays
// idempotent and revoked sessions remain visible to listings until expiry.
package session
