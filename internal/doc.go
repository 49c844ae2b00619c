// Package internal contains helper utilities that are intentionally private
// to authcore, including secure random token generation and hashing helpers.
//
// # Sub-packages
//
//   - rate: Redis-backed fixed-window rate limit primitives
//   - stores: short-lived challenge record stores (password reset)
//
// Nothing here may be imported from outside the module, and nothing here may
// appear in the public API surface.
package internal
