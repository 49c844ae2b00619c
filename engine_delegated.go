package authcore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/streamworks/authcore/internal/rate"
	"github.com/streamworks/authcore/providers"
)

// DelegatedLogin authenticates against the configured external provider and
// issues a local token pair. Unknown provider users are provisioned on first
// login when auto-creation is enabled.
func (e *Engine) DelegatedLogin(ctx context.Context, username, plaintext string) (*TokenPair, error) {
	if e.users == nil || e.identities == nil {
		return nil, ErrEngineNotReady
	}
	if e.provider == nil || !e.delegatedAuthEnabled() {
		return nil, ErrProviderDisabled
	}

	ip := clientIPFromContext(ctx)
	username = strings.TrimSpace(username)

	if e.rateLimiter != nil {
		if err := e.rateLimiter.CheckLogin(ctx, strings.ToLower(username), ip); err != nil {
			if !errors.Is(err, rate.ErrRateLimited) {
				return nil, ErrStoreUnavailable
			}
			e.metricInc(MetricLoginRateLimited)
			e.emitAudit(ctx, auditEventLoginRateLimited, false, 0, "", ErrLoginRateLimited, func() map[string]string {
				return map[string]string{"identifier": username, "provider": e.providerKind}
			})
			return nil, ErrLoginRateLimited
		}
	}

	external, err := e.provider.Authenticate(ctx, username, plaintext)
	if err != nil {
		switch {
		case errors.Is(err, providers.ErrBadCredentials):
			if e.rateLimiter != nil {
				if rlErr := e.rateLimiter.IncrementLogin(ctx, strings.ToLower(username), ip); errors.Is(rlErr, rate.ErrRateLimited) {
					e.metricInc(MetricLoginRateLimited)
					return nil, ErrLoginRateLimited
				}
			}
			e.metricInc(MetricDelegatedLoginFailure)
			e.emitAudit(ctx, auditEventDelegatedLoginFailure, false, 0, "", ErrInvalidCredentials, func() map[string]string {
				return map[string]string{"identifier": username, "provider": e.providerKind, "reason": "rejected"}
			})
			return nil, ErrInvalidCredentials
		case errors.Is(err, providers.ErrUnavailable):
			e.metricInc(MetricDelegatedLoginFailure)
			e.emitAudit(ctx, auditEventDelegatedLoginFailure, false, 0, "", ErrProviderUnavailable, func() map[string]string {
				return map[string]string{"identifier": username, "provider": e.providerKind, "reason": "unavailable"}
			})
			return nil, ErrProviderUnavailable
		default:
			e.metricInc(MetricDelegatedLoginFailure)
			return nil, err
		}
	}
	plaintext = ""

	user, err := e.resolveDelegatedUser(ctx, external)
	if err != nil {
		e.metricInc(MetricDelegatedLoginFailure)
		e.emitAudit(ctx, auditEventDelegatedLoginFailure, false, 0, "", err, func() map[string]string {
			return map[string]string{"identifier": username, "provider": e.providerKind, "reason": "resolve_failed"}
		})
		return nil, err
	}

	if !user.IsActive {
		e.metricInc(MetricDelegatedLoginFailure)
		e.emitAudit(ctx, auditEventDelegatedLoginFailure, false, user.ID, "", ErrAccountDisabled, func() map[string]string {
			return map[string]string{"identifier": username, "provider": e.providerKind}
		})
		return nil, ErrAccountDisabled
	}

	pair, sess, err := e.issueTokens(ctx, user)
	if err != nil {
		e.metricInc(MetricDelegatedLoginFailure)
		return nil, err
	}

	if err := e.users.UpdateLastLogin(ctx, user.ID, time.Now().UTC()); err != nil {
		log.Print("authcore: last-login update failed")
	}
	if e.rateLimiter != nil {
		if err := e.rateLimiter.ResetLogin(ctx, strings.ToLower(username), ip); err != nil {
			log.Print("authcore: login limiter reset failed")
		}
	}

	e.metricInc(MetricDelegatedLoginSuccess)
	e.metricInc(MetricSessionCreated)
	e.emitAudit(ctx, auditEventDelegatedLoginSuccess, true, user.ID, sess.ID, nil, func() map[string]string {
		return map[string]string{"identifier": username, "provider": e.providerKind}
	})

	return pair, nil
}

// resolveDelegatedUser maps a provider identity to a local account, creating
// the account and identity row on first login when auto-creation is enabled.
func (e *Engine) resolveDelegatedUser(ctx context.Context, external *providers.Identity) (*User, error) {
	ident, err := e.identities.GetByProviderExternalID(ctx, e.providerKind, external.ExternalID)
	switch {
	case err == nil:
		user, err := e.users.GetByID(ctx, ident.UserID)
		if err != nil {
			return nil, err
		}
		if e.config.Providers.RefreshProfileOnLogin {
			e.refreshProfile(ctx, user, external)
		}
		if err := e.identities.TouchLastUsed(ctx, ident.ID, time.Now().UTC()); err != nil {
			log.Print("authcore: identity last-used update failed")
		}
		return user, nil

	case errors.Is(err, ErrNotFound):
		// fall through to identifier match, then provisioning

	default:
		return nil, err
	}

	// A provider-side rename keeps the external ID stable but accounts
	// linked by an older integration may only have the login name on file.
	lowered := strings.ToLower(external.Username)
	ident, err = e.identities.GetByProviderIdentifier(ctx, e.providerKind, lowered)
	if err == nil {
		user, err := e.users.GetByID(ctx, ident.UserID)
		if err != nil {
			return nil, err
		}
		if e.config.Providers.RefreshProfileOnLogin {
			e.refreshProfile(ctx, user, external)
		}
		return user, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if !e.autoCreateUsers() {
		return nil, ErrInvalidCredentials
	}

	return e.provisionDelegatedUser(ctx, external)
}

func (e *Engine) provisionDelegatedUser(ctx context.Context, external *providers.Identity) (*User, error) {
	username, err := e.availableUsername(ctx, strings.ToLower(external.Username))
	if err != nil {
		return nil, err
	}

	user, err := e.users.Create(ctx, NewUser{
		Username:    username,
		Email:       external.Email,
		DisplayName: external.DisplayName,
		IsActive:    true,
	})
	if err != nil {
		return nil, err
	}

	_, err = e.identities.Create(ctx, NewIdentity{
		UserID:      user.ID,
		Provider:    e.providerKind,
		ExternalID:  external.ExternalID,
		Identifier:  strings.ToLower(external.Username),
		DisplayName: external.DisplayName,
		Email:       external.Email,
	})
	if err != nil {
		// Without its identity row the account is unreachable; drop it
		// rather than leave an orphan.
		if delErr := e.users.Delete(ctx, user.ID); delErr != nil {
			log.Print("authcore: orphan cleanup after identity create failed")
		}
		return nil, err
	}

	e.emitAudit(ctx, auditEventDelegatedUserProvision, true, user.ID, "", nil, func() map[string]string {
		return map[string]string{"provider": e.providerKind, "username": username}
	})

	return user, nil
}

// availableUsername resolves login-name collisions between provider users
// and pre-existing local accounts by prefixing, then suffixing with the
// collision count.
func (e *Engine) availableUsername(ctx context.Context, desired string) (string, error) {
	candidate := desired
	prefix := e.config.Providers.UsernamePrefix

	for attempt := 0; attempt < 50; attempt++ {
		_, err := e.users.GetByUsername(ctx, candidate)
		if errors.Is(err, ErrNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}

		if attempt == 0 && prefix != "" {
			candidate = prefix + desired
			continue
		}
		candidate = fmt.Sprintf("%s%s%d", prefix, desired, attempt+1)
	}

	return "", ErrConflict
}

func (e *Engine) refreshProfile(ctx context.Context, user *User, external *providers.Identity) {
	upd := UserUpdate{}
	changed := false

	if external.DisplayName != "" && external.DisplayName != user.DisplayName {
		name := external.DisplayName
		upd.DisplayName = &name
		changed = true
	}
	if external.Email != "" && external.Email != user.Email {
		email := external.Email
		upd.Email = &email
		changed = true
	}
	if !changed {
		return
	}

	updated, err := e.users.Update(ctx, user.ID, upd)
	if err != nil {
		// Email collisions with another local account are expected; the
		// provider copy loses.
		if !errors.Is(err, ErrConflict) {
			log.Print("authcore: provider profile refresh failed")
		}
		return
	}
	*user = *updated
}
