// Package jwt manages issuance and verification of the engine's access and
// refresh tokens using HS256 and strict validation semantics.
//
// Access tokens carry the user ID in sub plus a username claim; refresh
// tokens carry sub and a "type":"refresh" claim. Decode failures collapse to
// two sentinels, [ErrExpired] and [ErrInvalid], so callers never inspect
// parser internals. Single-use enforcement of refresh tokens is out of scope
// here; the session store owns it.
package jwt
