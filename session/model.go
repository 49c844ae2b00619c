package session

import "time"

// Session is one refresh-token lineage for a user. TokenHash always holds
// the SHA-256 hex digest of the currently valid refresh token; the raw token
// is never stored. Rotation replaces TokenHash in place so the record keeps
// its identity across the lineage.
type Session struct {
	ID         string `json:"id"`
	UserID     int64  `json:"user_id"`
	TokenHash  string `json:"token_hash"`
	IP         string `json:"ip,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	Revoked    bool   `json:"revoked"`
	CreatedAt  int64  `json:"created_at"`
	LastUsedAt int64  `json:"last_used_at"`
	ExpiresAt  int64  `json:"expires_at"`
}

// Expired reports whether the session's absolute expiry has passed.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt <= now.Unix()
}

// Active reports whether the session is neither revoked nor expired.
func (s *Session) Active(now time.Time) bool {
	return !s.Revoked && !s.Expired(now)
}
