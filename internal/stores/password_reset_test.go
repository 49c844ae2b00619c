package stores

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestResetStore(t *testing.T) *PasswordResetStore {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewPasswordResetStore(client, "apr")
}

func seedRecord(t *testing.T, store *PasswordResetStore, resetID string, secret []byte, ttl time.Duration) *PasswordResetRecord {
	t.Helper()

	record := &PasswordResetRecord{
		UserID:     42,
		SecretHash: sha256.Sum256(secret),
		ExpiresAt:  time.Now().Add(ttl).Unix(),
	}
	if err := store.Save(context.Background(), resetID, record, ttl); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	return record
}

func TestConsumeMatch(t *testing.T) {
	store := newTestResetStore(t)
	secret := []byte("challenge-secret")
	seedRecord(t, store, "rid-1", secret, time.Hour)

	record, err := store.Consume(context.Background(), "rid-1", sha256.Sum256(secret), 5)
	if err != nil {
		t.Fatalf("Consume error: %v", err)
	}
	if record.UserID != 42 {
		t.Fatalf("user = %d, want 42", record.UserID)
	}

	// Consumed means gone.
	if _, err := store.Consume(context.Background(), "rid-1", sha256.Sum256(secret), 5); !errors.Is(err, ErrResetNotFound) {
		t.Fatalf("second consume err = %v, want ErrResetNotFound", err)
	}
}

func TestConsumeSingleUseUnderConcurrency(t *testing.T) {
	store := newTestResetStore(t)
	secret := []byte("contested-secret")
	seedRecord(t, store, "rid-2", secret, time.Hour)

	const racers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Consume(context.Background(), "rid-2", sha256.Sum256(secret), 5)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrResetNotFound) {
				t.Errorf("unexpected consume error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
}

func TestConsumeWrongSecretBurnsAttempts(t *testing.T) {
	store := newTestResetStore(t)
	seedRecord(t, store, "rid-3", []byte("right"), time.Hour)

	wrong := sha256.Sum256([]byte("wrong"))
	if _, err := store.Consume(context.Background(), "rid-3", wrong, 3); !errors.Is(err, ErrResetSecretMismatch) {
		t.Fatalf("err = %v, want ErrResetSecretMismatch", err)
	}
	if _, err := store.Consume(context.Background(), "rid-3", wrong, 3); !errors.Is(err, ErrResetSecretMismatch) {
		t.Fatalf("err = %v, want ErrResetSecretMismatch", err)
	}
	if _, err := store.Consume(context.Background(), "rid-3", wrong, 3); !errors.Is(err, ErrResetAttemptsExceeded) {
		t.Fatalf("err = %v, want ErrResetAttemptsExceeded", err)
	}

	// The attempt cap destroyed the challenge; even the right secret fails now.
	if _, err := store.Consume(context.Background(), "rid-3", sha256.Sum256([]byte("right")), 3); !errors.Is(err, ErrResetNotFound) {
		t.Fatalf("err = %v, want ErrResetNotFound after destruction", err)
	}
}

func TestConsumeExpired(t *testing.T) {
	store := newTestResetStore(t)

	record := &PasswordResetRecord{
		UserID:     7,
		SecretHash: sha256.Sum256([]byte("late")),
		ExpiresAt:  time.Now().Add(-time.Minute).Unix(),
	}
	// Redis TTL outlives the embedded expiry so the expiry branch is hit.
	if err := store.Save(context.Background(), "rid-4", record, time.Hour); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	if _, err := store.Consume(context.Background(), "rid-4", sha256.Sum256([]byte("late")), 5); !errors.Is(err, ErrResetNotFound) {
		t.Fatalf("err = %v, want ErrResetNotFound", err)
	}
}

func TestGetDoesNotConsume(t *testing.T) {
	store := newTestResetStore(t)
	secret := []byte("peek")
	seedRecord(t, store, "rid-5", secret, time.Hour)

	if _, err := store.Get(context.Background(), "rid-5"); err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if _, err := store.Get(context.Background(), "rid-5"); err != nil {
		t.Fatalf("second Get error: %v", err)
	}

	if _, err := store.Consume(context.Background(), "rid-5", sha256.Sum256(secret), 5); err != nil {
		t.Fatalf("Consume after Get error: %v", err)
	}
}
