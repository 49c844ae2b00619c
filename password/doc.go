// Package password implements password hashing, verification, and strength
// policy for local accounts.
//
// # Output format
//
// Hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// The [Hasher] supports transparent parameter upgrades: if a stored hash was
// produced with weaker parameters, [Hasher.NeedsRehash] returns true so the
// caller can re-hash on the next successful login.
//
// [Policy] enforces configurable strength rules (length, character classes,
// deny-list, username containment) and reports the first failing rule as a
// [*PolicyError].
//
// This package owns hashing and strength checks only. It never stores
// passwords, never logs plaintext, and imports no other authcore package.
package password
