package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps every transport-level Redis failure.
var ErrRedisUnavailable = errors.New("redis unavailable")

// ErrNotFound is returned when no session matches the presented token.
var ErrNotFound = errors.New("session not found")

// ErrExpired is returned when the matched session has passed its expiry.
var ErrExpired = errors.New("session expired")

// ErrReused is returned when a rotated-out or revoked token is presented
// again. On detection the whole session lineage is revoked.
var ErrReused = errors.New("refresh token reused")

// ErrCorrupt is returned when a stored session record cannot be decoded.
var ErrCorrupt = errors.New("session record corrupt")

const (
	rotateStatusNotFound int64 = 0
	rotateStatusExpired  int64 = 1
	rotateStatusReused   int64 = 2
	rotateStatusRotated  int64 = 3
	rotateStatusCorrupt  int64 = 4
)

// rotateScript is the heart of the rotation protocol. It resolves the
// presented token hash to a session, verifies the hash is the session's
// current one, and swaps in the replacement hash plus its index key in one
// atomic step. Exactly one concurrent caller can win.
//
// A presented hash that resolves but no longer matches the record means a
// token from earlier in the lineage was replayed after rotation; the script
// revokes the session and drops its live index so the stolen lineage dies.
const rotateScript = `
local old_index = KEYS[1]
local session_prefix = ARGV[1]
local index_prefix = ARGV[2]
local user_prefix = ARGV[3]
local old_hash = ARGV[4]
local new_hash = ARGV[5]
local now = tonumber(ARGV[6])
local ttl_ms = tonumber(ARGV[7])

local sid = redis.call("GET", old_index)
if not sid then
  return {0}
end

local session_key = session_prefix .. sid
local data = redis.call("GET", session_key)
if not data then
  redis.call("DEL", old_index)
  return {0}
end

local ok, sess = pcall(cjson.decode, data)
if not ok or type(sess) ~= "table" or not sess.token_hash then
  return {4}
end

local user_key = user_prefix .. tostring(sess.user_id)

if sess.revoked then
  return {2}
end

if tonumber(sess.expires_at) <= now then
  redis.call("DEL", old_index)
  redis.call("DEL", session_key)
  redis.call("SREM", user_key, sid)
  return {1}
end

if sess.token_hash ~= old_hash then
  redis.call("DEL", index_prefix .. sess.token_hash)
  redis.call("DEL", old_index)
  sess.revoked = true
  local pttl = redis.call("PTTL", session_key)
  if pttl > 0 then
    redis.call("SET", session_key, cjson.encode(sess), "PX", pttl)
  end
  return {2}
end

sess.token_hash = new_hash
sess.last_used_at = now
sess.expires_at = now + math.floor(ttl_ms / 1000)
local updated = cjson.encode(sess)
redis.call("SET", session_key, updated, "PX", ttl_ms)
redis.call("SET", index_prefix .. new_hash, sid, "PX", ttl_ms)
return {3, updated}
`

var rotateLua = redis.NewScript(rotateScript)

// revokeScript flips the revoked flag on a session record in place,
// preserving the remaining TTL. Returns 1 whether or not the record was
// already revoked so revocation stays idempotent.
const revokeScript = `
local data = redis.call("GET", KEYS[1])
if not data then
  return 0
end
local ok, sess = pcall(cjson.decode, data)
if not ok or type(sess) ~= "table" then
  return 0
end
if sess.revoked then
  return 1
end
sess.revoked = true
local pttl = redis.call("PTTL", KEYS[1])
if pttl > 0 then
  redis.call("SET", KEYS[1], cjson.encode(sess), "PX", pttl)
end
return 1
`

var revokeLua = redis.NewScript(revokeScript)

// Store is a Redis-backed session store keyed by refresh-token hash. It
// handles persistence, expiry, atomic single-winner rotation, replay
// detection, and per-user cascade revocation.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore creates a session [Store] backed by the given Redis client.
// prefix namespaces every key; pass the same prefix to share state across
// processes.
func NewStore(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "auth"
	}
	return &Store{redis: client, prefix: prefix}
}

func (s *Store) sessionKey(id string) string {
	return s.prefix + ":s:" + id
}

func (s *Store) sessionPrefix() string {
	return s.prefix + ":s:"
}

func (s *Store) indexKey(tokenHash string) string {
	return s.prefix + ":t:" + tokenHash
}

func (s *Store) indexPrefix() string {
	return s.prefix + ":t:"
}

func (s *Store) userKey(userID int64) string {
	return fmt.Sprintf("%s:u:%d", s.prefix, userID)
}

func (s *Store) userPrefix() string {
	return s.prefix + ":u:"
}

// Create persists a new session for userID bound to tokenHash (the SHA-256
// hex digest of the raw refresh token, which is never stored).
//
//	Performance: 3 Redis commands in one transaction.
func (s *Store) Create(ctx context.Context, userID int64, tokenHash, ip, userAgent string, ttl time.Duration) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:         uuid.NewString(),
		UserID:     userID,
		TokenHash:  tokenHash,
		IP:         ip,
		UserAgent:  userAgent,
		CreatedAt:  now.Unix(),
		LastUsedAt: now.Unix(),
		ExpiresAt:  now.Add(ttl).Unix(),
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return nil, err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.sessionKey(sess.ID), data, ttl)
		pipe.Set(ctx, s.indexKey(tokenHash), sess.ID, ttl)
		pipe.SAdd(ctx, s.userKey(userID), sess.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return sess, nil
}

// Rotate atomically replaces oldHash with newHash on the matching session
// and extends its lifetime. Under concurrent calls with the same old token
// exactly one caller wins; losers get ErrNotFound or ErrReused. Presenting a
// hash from earlier in the lineage revokes the session and returns ErrReused.
func (s *Store) Rotate(ctx context.Context, oldHash, newHash string, ttl time.Duration) (*Session, error) {
	result, err := rotateLua.Run(
		ctx,
		s.redis,
		[]string{s.indexKey(oldHash)},
		s.sessionPrefix(),
		s.indexPrefix(),
		s.userPrefix(),
		oldHash,
		newHash,
		time.Now().Unix(),
		ttl.Milliseconds(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("%w: invalid rotate script response", ErrRedisUnavailable)
	}

	code, ok := parts[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: invalid rotate script status", ErrRedisUnavailable)
	}

	switch code {
	case rotateStatusNotFound:
		return nil, ErrNotFound
	case rotateStatusExpired:
		return nil, ErrExpired
	case rotateStatusReused:
		return nil, ErrReused
	case rotateStatusRotated:
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: missing updated session payload", ErrRedisUnavailable)
		}

		var blob []byte
		switch v := parts[1].(type) {
		case string:
			blob = []byte(v)
		case []byte:
			blob = v
		default:
			return nil, fmt.Errorf("%w: invalid updated session payload", ErrRedisUnavailable)
		}

		var sess Session
		if err := json.Unmarshal(blob, &sess); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return &sess, nil
	case rotateStatusCorrupt:
		return nil, ErrCorrupt
	default:
		return nil, fmt.Errorf("%w: unknown rotate script status", ErrRedisUnavailable)
	}
}

// Revoke marks the session holding tokenHash as revoked. Revoking an
// unknown or already revoked token is not an error.
func (s *Store) Revoke(ctx context.Context, tokenHash string) error {
	id, err := s.redis.Get(ctx, s.indexKey(tokenHash)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	if err := revokeLua.Run(ctx, s.redis, []string{s.sessionKey(id)}).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// RevokeAllForUser marks every tracked session of a user as revoked.
//
// Not fully atomic: a session created between reading the user's session set
// and the per-session revocations is not captured. The window is narrow and
// a second call catches any straggler.
func (s *Store) RevokeAllForUser(ctx context.Context, userID int64) error {
	ids, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	for _, id := range ids {
		if err := revokeLua.Run(ctx, s.redis, []string{s.sessionKey(id)}).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}
	return nil
}

// PurgeUser deletes every session record, token index, and the session set
// of a user. Used when the account itself is removed.
func (s *Store) PurgeUser(ctx context.Context, userID int64) error {
	userKey := s.userKey(userID)

	ids, err := s.redis.SMembers(ctx, userKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sessions, err := s.fetchByIDs(ctx, ids)
	if err != nil {
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, sess := range sessions {
			pipe.Del(ctx, s.sessionKey(sess.ID))
			pipe.Del(ctx, s.indexKey(sess.TokenHash))
		}
		pipe.Del(ctx, userKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Get resolves tokenHash to its session without mutating any state. The
// hash must be the session's current one; a stale lineage hash reports
// ErrReused without triggering revocation (reads never mutate).
func (s *Store) Get(ctx context.Context, tokenHash string) (*Session, error) {
	id, err := s.redis.Get(ctx, s.indexKey(tokenHash)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := s.getByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.TokenHash != tokenHash {
		return nil, ErrReused
	}
	if sess.Revoked {
		return nil, ErrReused
	}
	if sess.Expired(time.Now()) {
		return nil, ErrExpired
	}
	return sess, nil
}

// IsValid reports whether tokenHash maps to a live, unrevoked, current
// session. Store unavailability is surfaced; all other failures are false.
func (s *Store) IsValid(ctx context.Context, tokenHash string) (bool, error) {
	_, err := s.Get(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, ErrRedisUnavailable) {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// SessionsForUser lists the user's tracked sessions, newest first. Expired
// records are skipped; revoked ones are included so callers can display
// them.
func (s *Store) SessionsForUser(ctx context.Context, userID int64) ([]*Session, error) {
	ids, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*Session{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sessions, err := s.fetchByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	live := sessions[:0]
	for _, sess := range sessions {
		if !sess.Expired(now) {
			live = append(live, sess)
		}
	}

	sort.Slice(live, func(i, j int) bool { return live[i].CreatedAt > live[j].CreatedAt })
	return live, nil
}

// ActiveCount returns the number of live, unrevoked sessions for a user.
func (s *Store) ActiveCount(ctx context.Context, userID int64) (int, error) {
	sessions, err := s.SessionsForUser(ctx, userID)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	count := 0
	for _, sess := range sessions {
		if sess.Active(now) {
			count++
		}
	}
	return count, nil
}

// EnforceLimit deletes the oldest sessions of a user beyond max active
// records. Called after Create so a burst of logins cannot grow without
// bound.
func (s *Store) EnforceLimit(ctx context.Context, userID int64, max int) error {
	if max <= 0 {
		return nil
	}

	sessions, err := s.SessionsForUser(ctx, userID)
	if err != nil {
		return err
	}

	now := time.Now()
	active := make([]*Session, 0, len(sessions))
	for _, sess := range sessions {
		if sess.Active(now) {
			active = append(active, sess)
		}
	}
	if len(active) <= max {
		return nil
	}

	// SessionsForUser sorts newest first; everything past max is oldest.
	victims := active[max:]
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, sess := range victims {
			pipe.Del(ctx, s.sessionKey(sess.ID))
			pipe.Del(ctx, s.indexKey(sess.TokenHash))
			pipe.SRem(ctx, s.userKey(userID), sess.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}

func (s *Store) getByID(ctx context.Context, id string) (*Session, error) {
	data, err := s.redis.Get(ctx, s.sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &sess, nil
}

func (s *Store) fetchByIDs(ctx context.Context, ids []string) ([]*Session, error) {
	if len(ids) == 0 {
		return []*Session{}, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.sessionKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sessions := make([]*Session, 0, len(ids))
	for _, cmd := range cmds {
		data, cmdErr := cmd.Bytes()
		if cmdErr != nil {
			if errors.Is(cmdErr, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, cmdErr)
		}

		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		sessions = append(sessions, &sess)
	}
	return sessions, nil
}
