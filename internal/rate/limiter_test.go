package rate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, cfg Config) *Limiter {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return New(client, cfg)
}

func TestLoginWindowExhaustion(t *testing.T) {
	limiter := newTestLimiter(t, Config{
		MaxLoginAttempts:      3,
		LoginCooldownDuration: time.Minute,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := limiter.CheckLogin(ctx, "alice", ""); err != nil {
			t.Fatalf("attempt %d unexpectedly limited: %v", i, err)
		}
		if err := limiter.IncrementLogin(ctx, "alice", ""); err != nil {
			t.Fatalf("IncrementLogin error: %v", err)
		}
	}

	if err := limiter.IncrementLogin(ctx, "alice", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if err := limiter.CheckLogin(ctx, "alice", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("check err = %v, want ErrRateLimited", err)
	}

	// Another identifier is unaffected.
	if err := limiter.CheckLogin(ctx, "bob", ""); err != nil {
		t.Fatalf("unrelated identifier limited: %v", err)
	}
}

func TestResetLoginClearsCounter(t *testing.T) {
	limiter := newTestLimiter(t, Config{
		MaxLoginAttempts:      2,
		LoginCooldownDuration: time.Minute,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = limiter.IncrementLogin(ctx, "carol", "")
	}
	if err := limiter.CheckLogin(ctx, "carol", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected limit before reset, got %v", err)
	}

	if err := limiter.ResetLogin(ctx, "carol", ""); err != nil {
		t.Fatalf("ResetLogin error: %v", err)
	}
	if err := limiter.CheckLogin(ctx, "carol", ""); err != nil {
		t.Fatalf("expected clean slate after reset, got %v", err)
	}
}

func TestIPThrottleIndependent(t *testing.T) {
	limiter := newTestLimiter(t, Config{
		EnableIPThrottle:      true,
		MaxLoginAttempts:      2,
		LoginCooldownDuration: time.Minute,
	})
	ctx := context.Background()

	// Different usernames from the same IP still consume the IP budget.
	for _, user := range []string{"u1", "u2", "u3"} {
		_ = limiter.IncrementLogin(ctx, user, "198.51.100.7")
	}

	if err := limiter.CheckLogin(ctx, "u4", "198.51.100.7"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want IP-level ErrRateLimited", err)
	}
	if err := limiter.CheckLogin(ctx, "u4", "203.0.113.1"); err != nil {
		t.Fatalf("other IP limited: %v", err)
	}
}

func TestRefreshThrottle(t *testing.T) {
	limiter := newTestLimiter(t, Config{
		EnableRefreshThrottle:   true,
		MaxRefreshAttempts:      2,
		RefreshCooldownDuration: time.Minute,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := limiter.CheckRefresh(ctx, "sess-1"); err != nil {
			t.Fatalf("refresh %d limited: %v", i, err)
		}
	}
	if err := limiter.CheckRefresh(ctx, "sess-1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}

	disabled := newTestLimiter(t, Config{})
	for i := 0; i < 10; i++ {
		if err := disabled.CheckRefresh(ctx, "sess-1"); err != nil {
			t.Fatalf("disabled throttle limited: %v", err)
		}
	}
}

func TestResetRequestThrottle(t *testing.T) {
	limiter := newTestLimiter(t, Config{
		MaxResetRequests:      2,
		ResetCooldownDuration: time.Hour,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := limiter.CheckReset(ctx, "dave@example.com", ""); err != nil {
			t.Fatalf("reset request %d limited: %v", i, err)
		}
	}
	if err := limiter.CheckReset(ctx, "dave@example.com", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}
