// Package rate provides Redis-backed fixed-window rate limit primitives for
// security-sensitive authentication workflows.
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional EXPIRE on first hit. Key prefixes:
//   - rl:lu: login per-identifier
//   - rl:li: login per-IP
//   - rl:rf: refresh per-session
//   - rl:pu: password reset per-identifier
//   - rl:pi: password reset per-IP
//
// Limits are advisory throttles, not audit records; counters expire with
// their window and reveal nothing about account existence.
package rate
