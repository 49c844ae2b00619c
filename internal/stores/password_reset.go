package stores

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const resetRecordVersionV1 = 1

var (
	ErrResetNotFound         = errors.New("reset record not found")
	ErrResetSecretMismatch   = errors.New("reset secret mismatch")
	ErrResetAttemptsExceeded = errors.New("reset attempts exceeded")
	ErrResetRedisUnavailable = errors.New("reset redis unavailable")
)

// PasswordResetRecord is a pending reset challenge. Only the SHA-256 of the
// challenge secret is stored; possession of the raw secret is proven at
// consume time.
type PasswordResetRecord struct {
	UserID     int64
	SecretHash [32]byte
	ExpiresAt  int64
	Attempts   uint16
}

// PasswordResetStore keeps reset challenges in Redis keyed by their
// non-secret lookup ID, so redemption is a point lookup rather than a scan.
type PasswordResetStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewPasswordResetStore(redisClient redis.UniversalClient, prefix string) *PasswordResetStore {
	if prefix == "" {
		prefix = "apr"
	}
	return &PasswordResetStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *PasswordResetStore) key(resetID string) string {
	return s.prefix + ":" + resetID
}

// Save persists a challenge under resetID with the given TTL. Saving again
// under the same ID replaces the prior challenge.
func (s *PasswordResetStore) Save(
	ctx context.Context,
	resetID string,
	record *PasswordResetRecord,
	ttl time.Duration,
) error {
	encoded := encodePasswordResetRecord(record)

	if err := s.redis.Set(ctx, s.key(resetID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrResetRedisUnavailable, err)
	}

	return nil
}

// Consume atomically verifies providedHash against the stored challenge and
// deletes it on a match, so a challenge redeems at most once even under
// concurrent attempts. Mismatches burn an attempt; hitting maxAttempts
// destroys the challenge.
func (s *PasswordResetStore) Consume(
	ctx context.Context,
	resetID string,
	providedHash [32]byte,
	maxAttempts int,
) (*PasswordResetRecord, error) {
	const maxRetries = 4
	key := s.key(resetID)

	for i := 0; i < maxRetries; i++ {
		var matched *PasswordResetRecord

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodePasswordResetRecord(data)
			if err != nil {
				return err
			}

			if time.Now().Unix() > record.ExpiresAt {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrResetNotFound
			}

			if subtle.ConstantTimeCompare(record.SecretHash[:], providedHash[:]) != 1 {
				record.Attempts++
				if int(record.Attempts) >= maxAttempts {
					_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
						pipe.Del(ctx, key)
						return nil
					})
					if err != nil {
						return err
					}
					return ErrResetAttemptsExceeded
				}

				ttl := time.Until(time.Unix(record.ExpiresAt, 0))
				if ttl <= 0 {
					_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
						pipe.Del(ctx, key)
						return nil
					})
					if err != nil {
						return err
					}
					return ErrResetNotFound
				}

				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, key, encodePasswordResetRecord(record), ttl)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrResetSecretMismatch
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			if err != nil {
				return err
			}

			matched = record
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil), errors.Is(err, ErrResetNotFound), errors.Is(err, ErrResetSecretMismatch), errors.Is(err, ErrResetAttemptsExceeded):
				if errors.Is(err, redis.Nil) {
					return nil, ErrResetNotFound
				}
				return nil, err
			default:
				return nil, fmt.Errorf("%w: %v", ErrResetRedisUnavailable, err)
			}
		}

		return matched, nil
	}

	return nil, ErrResetNotFound
}

// Get returns the challenge without consuming it. Expired challenges read
// as not found.
func (s *PasswordResetStore) Get(ctx context.Context, resetID string) (*PasswordResetRecord, error) {
	data, err := s.redis.Get(ctx, s.key(resetID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrResetNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrResetRedisUnavailable, err)
	}

	record, err := decodePasswordResetRecord(data)
	if err != nil {
		return nil, err
	}
	if time.Now().Unix() > record.ExpiresAt {
		return nil, ErrResetNotFound
	}

	return record, nil
}

func encodePasswordResetRecord(record *PasswordResetRecord) []byte {
	var buf bytes.Buffer

	buf.WriteByte(resetRecordVersionV1)
	binary.Write(&buf, binary.BigEndian, record.Attempts)
	binary.Write(&buf, binary.BigEndian, record.ExpiresAt)
	binary.Write(&buf, binary.BigEndian, record.UserID)
	buf.Write(record.SecretHash[:])

	return buf.Bytes()
}

func decodePasswordResetRecord(data []byte) (*PasswordResetRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != resetRecordVersionV1 {
		return nil, errors.New("invalid reset record version")
	}

	record := &PasswordResetRecord{}

	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.UserID); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, record.SecretHash[:]); err != nil {
		return nil, err
	}

	return record, nil
}
