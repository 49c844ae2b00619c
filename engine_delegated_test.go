package authcore

import (
	"context"
	"errors"
	"testing"

	"github.com/streamworks/authcore/providers"
)

func TestDelegatedLoginProvisionsOnFirstLogin(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	env.provider.addAccount(providers.Identity{
		ExternalID:  "42",
		Username:    "carol",
		DisplayName: "Carol C",
		Email:       "carol@example.com",
	}, "provider-pass")

	pair, err := env.engine.DelegatedLogin(ctx, "carol", "provider-pass")
	if err != nil {
		t.Fatalf("delegated login failed: %v", err)
	}

	result, err := env.engine.Validate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}

	user, err := env.users.GetByUsername(ctx, "carol")
	if err != nil {
		t.Fatalf("provisioned user missing: %v", err)
	}
	if user.ID != result.UserID {
		t.Fatalf("token user %d != provisioned user %d", result.UserID, user.ID)
	}
	if user.DisplayName != "Carol C" || user.Email != "carol@example.com" {
		t.Fatalf("profile not copied: %+v", user)
	}
	if !user.IsActive || user.IsAdmin {
		t.Fatalf("unexpected flags: %+v", user)
	}

	ident, err := env.identities.GetByProviderExternalID(ctx, "dispatcharr", "42")
	if err != nil {
		t.Fatalf("identity row missing: %v", err)
	}
	if ident.UserID != user.ID || ident.Identifier != "carol" {
		t.Fatalf("unexpected identity %+v", ident)
	}

	if got := env.counter(MetricDelegatedLoginSuccess); got != 1 {
		t.Fatalf("expected 1 delegated success, got %d", got)
	}
}

func TestDelegatedLoginReusesExistingAccount(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	env.provider.addAccount(providers.Identity{ExternalID: "42", Username: "carol"}, "provider-pass")

	first, err := env.engine.DelegatedLogin(ctx, "carol", "provider-pass")
	if err != nil {
		t.Fatalf("first login failed: %v", err)
	}
	second, err := env.engine.DelegatedLogin(ctx, "carol", "provider-pass")
	if err != nil {
		t.Fatalf("second login failed: %v", err)
	}

	a, err := env.engine.Validate(ctx, first.AccessToken)
	if err != nil {
		t.Fatalf("validate first: %v", err)
	}
	b, err := env.engine.Validate(ctx, second.AccessToken)
	if err != nil {
		t.Fatalf("validate second: %v", err)
	}
	if a.UserID != b.UserID {
		t.Fatalf("logins resolved to different users: %d vs %d", a.UserID, b.UserID)
	}

	if n, _ := env.users.Count(ctx); n != 1 {
		t.Fatalf("expected 1 user, got %d", n)
	}
}

func TestDelegatedLoginUsernameCollisionGetsPrefix(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	env.createLocalUser(t, "carol", "Sup3rSecret", false)
	env.provider.addAccount(providers.Identity{ExternalID: "42", Username: "carol"}, "provider-pass")

	pair, err := env.engine.DelegatedLogin(ctx, "carol", "provider-pass")
	if err != nil {
		t.Fatalf("delegated login failed: %v", err)
	}
	result, err := env.engine.Validate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if result.Username != "disp_carol" {
		t.Fatalf("expected prefixed username, got %q", result.Username)
	}

	// The local account is untouched.
	if _, err := env.engine.Login(ctx, "carol", "Sup3rSecret"); err != nil {
		t.Fatalf("local login broken after provisioning: %v", err)
	}
}

func TestDelegatedLoginBadCredentials(t *testing.T) {
	env := newTestEngine(t)
	env.provider.addAccount(providers.Identity{ExternalID: "42", Username: "carol"}, "provider-pass")

	_, err := env.engine.DelegatedLogin(context.Background(), "carol", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if n, _ := env.users.Count(context.Background()); n != 0 {
		t.Fatal("no account may be provisioned on a rejected login")
	}
}

func TestDelegatedLoginProviderDown(t *testing.T) {
	env := newTestEngine(t)
	env.provider.down = true

	_, err := env.engine.DelegatedLogin(context.Background(), "carol", "provider-pass")
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestDelegatedLoginAutoCreateDisabled(t *testing.T) {
	env := newTestEngine(t, func(cfg *Config) {
		cfg.Providers.AutoCreateUsers = false
	})
	env.provider.addAccount(providers.Identity{ExternalID: "42", Username: "carol"}, "provider-pass")

	_, err := env.engine.DelegatedLogin(context.Background(), "carol", "provider-pass")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials with auto-create off, got %v", err)
	}
	if n, _ := env.users.Count(context.Background()); n != 0 {
		t.Fatal("no account may be provisioned with auto-create off")
	}
}

func TestDelegatedLoginRefreshesProfile(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	env.provider.addAccount(providers.Identity{ExternalID: "42", Username: "carol"}, "provider-pass")

	if _, err := env.engine.DelegatedLogin(ctx, "carol", "provider-pass"); err != nil {
		t.Fatalf("first login failed: %v", err)
	}

	// The provider-side profile changes between logins.
	env.provider.addAccount(providers.Identity{
		ExternalID:  "42",
		Username:    "carol",
		DisplayName: "Carol Updated",
		Email:       "carol.new@example.com",
	}, "provider-pass")

	if _, err := env.engine.DelegatedLogin(ctx, "carol", "provider-pass"); err != nil {
		t.Fatalf("second login failed: %v", err)
	}

	user, err := env.users.GetByUsername(ctx, "carol")
	if err != nil {
		t.Fatalf("user missing: %v", err)
	}
	if user.DisplayName != "Carol Updated" || user.Email != "carol.new@example.com" {
		t.Fatalf("profile not refreshed: %+v", user)
	}
}

func TestDelegatedLoginMatchesByIdentifierAfterExternalIDMiss(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	// An account linked by an older integration: identifier on file, but a
	// stale external ID.
	user, err := env.users.Create(ctx, NewUser{Username: "carol", IsActive: true})
	if err != nil {
		t.Fatalf("creating user: %v", err)
	}
	if _, err := env.identities.Create(ctx, NewIdentity{
		UserID:     user.ID,
		Provider:   "dispatcharr",
		ExternalID: "legacy-id",
		Identifier: "carol",
	}); err != nil {
		t.Fatalf("creating identity: %v", err)
	}

	env.provider.addAccount(providers.Identity{ExternalID: "42", Username: "carol"}, "provider-pass")

	pair, err := env.engine.DelegatedLogin(ctx, "carol", "provider-pass")
	if err != nil {
		t.Fatalf("delegated login failed: %v", err)
	}
	result, err := env.engine.Validate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if result.UserID != user.ID {
		t.Fatalf("expected existing account %d, got %d", user.ID, result.UserID)
	}
	if n, _ := env.users.Count(ctx); n != 1 {
		t.Fatalf("expected no new account, got %d users", n)
	}
}

func TestDelegatedLoginDisabledWithoutProvider(t *testing.T) {
	engine, err := New().
		WithConfig(testConfig()).
		WithRedis(redisClientForTest(t)).
		WithUserStore(newMemUserStore()).
		WithIdentityStore(newMemIdentityStore()).
		Build()
	if err != nil {
		t.Fatalf("building engine: %v", err)
	}
	t.Cleanup(engine.Close)

	if _, err := engine.DelegatedLogin(context.Background(), "carol", "pass"); !errors.Is(err, ErrProviderDisabled) {
		t.Fatalf("expected ErrProviderDisabled, got %v", err)
	}
}

func TestDelegatedLoginRateLimited(t *testing.T) {
	env := newTestEngine(t)
	env.provider.addAccount(providers.Identity{ExternalID: "42", Username: "carol"}, "provider-pass")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := env.engine.DelegatedLogin(ctx, "carol", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}
	if _, err := env.engine.DelegatedLogin(ctx, "carol", "wrong"); !errors.Is(err, ErrLoginRateLimited) {
		t.Fatalf("expected ErrLoginRateLimited, got %v", err)
	}

	// Delegated and local logins share the failure window.
	if _, err := env.engine.Login(ctx, "carol", "anything"); !errors.Is(err, ErrLoginRateLimited) {
		t.Fatalf("expected shared window to block local login, got %v", err)
	}
}
