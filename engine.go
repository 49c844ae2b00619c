package authcore

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/streamworks/authcore/internal"
	"github.com/streamworks/authcore/internal/rate"
	"github.com/streamworks/authcore/internal/stores"
	"github.com/streamworks/authcore/jwt"
	"github.com/streamworks/authcore/password"
	"github.com/streamworks/authcore/providers"
	"github.com/streamworks/authcore/session"
)

// Engine is the authentication orchestrator. It owns no HTTP surface;
// callers wire its operations into whatever transport they use. Build one
// with New().Build() and share it across goroutines.
type Engine struct {
	config       Config
	sessionStore *session.Store
	rateLimiter  *rate.Limiter
	resetStore   *stores.PasswordResetStore
	audit        *auditDispatcher
	metrics      *Metrics
	hasher       *password.Hasher
	policy       *password.Policy
	jwtManager   *jwt.Manager
	users        UserStore
	identities   IdentityStore
	provider     providers.Client
	providerKind string
	mailer       Mailer
	settings     *SettingsStore
}

// Close drains and stops the audit dispatcher. The engine must not be used
// after Close.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports audit events discarded due to backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// Login authenticates a local account and issues a token pair. Every
// credential failure collapses into ErrInvalidCredentials so callers cannot
// distinguish unknown users from wrong passwords.
func (e *Engine) Login(ctx context.Context, username, plaintext string) (*TokenPair, error) {
	if e.hasher == nil || e.users == nil {
		return nil, ErrEngineNotReady
	}
	if !e.localAuthEnabled() {
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
				return map[string]string{"identifier": username}
			})
			return nil, ErrLoginRateLimited
		}
	}

	if username == "" || plaintext == "" {
		return nil, e.failLogin(ctx, username, ip, 0, "empty_credentials")
	}

	user, identity, err := e.resolveLocalUser(ctx, username)
	if err != nil {
		return nil, e.failLogin(ctx, username, ip, 0, "user_not_found")
	}

	if !e.hasher.Verify(plaintext, user.PasswordHash) {
		return nil, e.failLogin(ctx, username, ip, user.ID, "password_mismatch")
	}

	if !user.IsActive {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, user.ID, "", ErrAccountDisabled, func() map[string]string {
			return map[string]string{"identifier": username, "reason": "account_disabled"}
		})
		return nil, ErrAccountDisabled
	}

	if e.config.Password.UpgradeOnLogin {
		if needs, err := e.hasher.NeedsRehash(user.PasswordHash); err == nil && needs {
			// Rehash is best-effort and must not block a successful login.
			if newHash, err := e.hasher.Hash(plaintext); err == nil {
				if err := e.users.UpdatePasswordHash(ctx, user.ID, newHash); err != nil {
					log.Print("authcore: password rehash update failed")
				}
			}
		}
	}
	plaintext = ""

	pair, sess, err := e.issueTokens(ctx, user)
	if err != nil {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, user.ID, "", err, func() map[string]string {
			return map[string]string{"identifier": username, "reason": "token_issue_failed"}
		})
		return nil, err
	}

	now := time.Now().UTC()
	if err := e.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		log.Print("authcore: last-login update failed")
	}
	if identity != nil {
		if err := e.identities.TouchLastUsed(ctx, identity.ID, now); err != nil {
			log.Print("authcore: identity last-used update failed")
		}
	}
	if e.rateLimiter != nil {
		if err := e.rateLimiter.ResetLogin(ctx, strings.ToLower(username), ip); err != nil {
			log.Print("authcore: login limiter reset failed")
		}
	}

	e.metricInc(MetricLoginSuccess)
	e.metricInc(MetricSessionCreated)
	e.emitAudit(ctx, auditEventLoginSuccess, true, user.ID, sess.ID, nil, func() map[string]string {
		return map[string]string{"identifier": username}
	})

	return pair, nil
}

func (e *Engine) failLogin(ctx context.Context, username, ip string, userID int64, reason string) error {
	if e.rateLimiter != nil {
		switch err := e.rateLimiter.IncrementLogin(ctx, strings.ToLower(username), ip); {
		case err == nil:
		case errors.Is(err, rate.ErrRateLimited):
			e.metricInc(MetricLoginRateLimited)
			e.emitAudit(ctx, auditEventLoginRateLimited, false, userID, "", ErrLoginRateLimited, func() map[string]string {
				return map[string]string{"identifier": username}
			})
			return ErrLoginRateLimited
		default:
			// Counter bookkeeping failed; the uniform credential error still
			// stands.
			log.Print("authcore: login limiter increment failed")
		}
	}
	e.metricInc(MetricLoginFailure)
	e.emitAudit(ctx, auditEventLoginFailure, false, userID, "", ErrInvalidCredentials, func() map[string]string {
		return map[string]string{"identifier": username, "reason": reason}
	})
	return ErrInvalidCredentials
}

// resolveLocalUser finds the account behind a local login name. The identity
// table is authoritative; direct username match is kept as a fallback for
// accounts created before identities existed.
func (e *Engine) resolveLocalUser(ctx context.Context, username string) (*User, *Identity, error) {
	lowered := strings.ToLower(username)

	if e.identities != nil {
		ident, err := e.identities.GetByProviderIdentifier(ctx, ProviderLocal, lowered)
		if err == nil {
			user, err := e.users.GetByID(ctx, ident.UserID)
			if err != nil {
				return nil, nil, err
			}
			return user, ident, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, nil, err
		}
	}

	user, err := e.users.GetByUsername(ctx, lowered)
	if err != nil {
		return nil, nil, err
	}

	// A user whose only identities are delegated must not log in with a
	// local password.
	if e.identities != nil {
		n, err := e.identities.CountForUser(ctx, user.ID)
		if err == nil && n > 0 {
			return nil, nil, ErrNotFound
		}
	}

	return user, nil, nil
}

// issueTokens mints an access/refresh pair and records the refresh session.
func (e *Engine) issueTokens(ctx context.Context, user *User) (*TokenPair, *session.Session, error) {
	access, err := e.jwtManager.CreateAccess(user.ID, user.Username)
	if err != nil {
		return nil, nil, err
	}
	refresh, err := e.jwtManager.CreateRefresh(user.ID)
	if err != nil {
		return nil, nil, err
	}

	sess, err := e.sessionStore.Create(
		ctx,
		user.ID,
		internal.TokenHashHex(refresh),
		clientIPFromContext(ctx),
		userAgentFromContext(ctx),
		e.jwtManager.RefreshTTL(),
	)
	if err != nil {
		return nil, nil, ErrStoreUnavailable
	}

	if max := e.maxSessionsPerUser(); max > 0 {
		if err := e.sessionStore.EnforceLimit(ctx, user.ID, max); err != nil {
			log.Print("authcore: session limit enforcement failed")
		}
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(e.jwtManager.AccessTTL().Seconds()),
	}, sess, nil
}

// Refresh rotates a refresh token and returns a fresh pair. A replayed
// token revokes its whole session lineage and surfaces ErrTokenRevoked.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if e.jwtManager == nil || e.users == nil {
		return nil, ErrEngineNotReady
	}

	claims, err := e.jwtManager.DecodeRefresh(refreshToken)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, 0, "", err, func() map[string]string {
			return map[string]string{"reason": "decode_failed"}
		})
		if errors.Is(err, jwt.ErrExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	userID, err := claims.UserID()
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return nil, ErrTokenInvalid
	}

	oldHash := internal.TokenHashHex(refreshToken)

	if e.rateLimiter != nil {
		if err := e.rateLimiter.CheckRefresh(ctx, oldHash); err != nil {
			if !errors.Is(err, rate.ErrRateLimited) {
				return nil, ErrStoreUnavailable
			}
			e.metricInc(MetricRefreshRateLimited)
			e.emitAudit(ctx, auditEventRefreshRateLimited, false, userID, "", ErrRefreshRateLimited, nil)
			return nil, ErrRefreshRateLimited
		}
	}

	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, userID, "", ErrTokenRevoked, func() map[string]string {
			return map[string]string{"reason": "user_missing"}
		})
		return nil, ErrTokenRevoked
	}
	if !user.IsActive {
		_ = e.sessionStore.RevokeAllForUser(ctx, userID)
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, userID, "", ErrAccountDisabled, func() map[string]string {
			return map[string]string{"reason": "account_disabled"}
		})
		return nil, ErrAccountDisabled
	}

	newRefresh, err := e.jwtManager.CreateRefresh(userID)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return nil, err
	}

	sess, err := e.sessionStore.Rotate(ctx, oldHash, internal.TokenHashHex(newRefresh), e.jwtManager.RefreshTTL())
	if err != nil {
		switch {
		case errors.Is(err, session.ErrReused):
			e.metricInc(MetricRefreshReuseDetected)
			e.metricInc(MetricSessionRevoked)
			e.emitAudit(ctx, auditEventRefreshReuseDetected, false, userID, "", ErrTokenRevoked, nil)
			return nil, ErrTokenRevoked
		case errors.Is(err, session.ErrNotFound):
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, false, userID, "", ErrTokenRevoked, func() map[string]string {
				return map[string]string{"reason": "session_not_found"}
			})
			return nil, ErrTokenRevoked
		case errors.Is(err, session.ErrExpired):
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, false, userID, "", ErrTokenExpired, func() map[string]string {
				return map[string]string{"reason": "session_expired"}
			})
			return nil, ErrTokenExpired
		case errors.Is(err, session.ErrRedisUnavailable):
			e.metricInc(MetricRefreshFailure)
			return nil, ErrStoreUnavailable
		default:
			e.metricInc(MetricRefreshFailure)
			return nil, err
		}
	}

	access, err := e.jwtManager.CreateAccess(userID, user.Username)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return nil, err
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, userID, sess.ID, nil, nil)

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: newRefresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(e.jwtManager.AccessTTL().Seconds()),
	}, nil
}

// Validate parses an access token and confirms the account is still active.
// It is the hot path behind request middleware.
func (e *Engine) Validate(ctx context.Context, accessToken string) (*AuthResult, error) {
	if e.metrics != nil && e.metrics.LatencyEnabled() {
		start := time.Now()
		defer func() { e.metrics.Observe(MetricValidateLatency, time.Since(start)) }()
	}
	if e.jwtManager == nil || e.users == nil {
		return nil, ErrEngineNotReady
	}

	claims, err := e.jwtManager.DecodeAccess(accessToken)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	userID, err := claims.UserID()
	if err != nil {
		return nil, ErrTokenInvalid
	}

	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrTokenRevoked
		}
		return nil, ErrStoreUnavailable
	}
	if !user.IsActive {
		return nil, ErrAccountDisabled
	}

	return &AuthResult{
		UserID:   user.ID,
		Username: user.Username,
		IsAdmin:  user.IsAdmin,
	}, nil
}

// Logout revokes the session behind a refresh token. Revocation is
// best-effort: malformed or unknown tokens are not an error, so logout is
// always safe to call.
func (e *Engine) Logout(ctx context.Context, refreshToken string) error {
	if e.sessionStore == nil {
		return nil
	}
	if refreshToken == "" {
		return nil
	}

	err := e.sessionStore.Revoke(ctx, internal.TokenHashHex(refreshToken))
	if err != nil {
		log.Print("authcore: logout revoke failed")
		return nil
	}

	e.metricInc(MetricLogout)
	e.metricInc(MetricSessionRevoked)
	e.emitAudit(ctx, auditEventLogoutSession, true, 0, "", nil, nil)
	return nil
}

// LogoutAll revokes every session for a user.
func (e *Engine) LogoutAll(ctx context.Context, userID int64) error {
	if e.sessionStore == nil {
		return ErrEngineNotReady
	}

	if err := e.sessionStore.RevokeAllForUser(ctx, userID); err != nil {
		return ErrStoreUnavailable
	}

	e.metricInc(MetricLogoutAll)
	e.metricInc(MetricSessionRevoked)
	e.emitAudit(ctx, auditEventLogoutAll, true, userID, "", nil, nil)
	return nil
}

// Sessions lists a user's refresh sessions for account views.
func (e *Engine) Sessions(ctx context.Context, userID int64) ([]SessionInfo, error) {
	if e.sessionStore == nil {
		return nil, ErrEngineNotReady
	}

	sessions, err := e.sessionStore.SessionsForUser(ctx, userID)
	if err != nil {
		return nil, ErrStoreUnavailable
	}

	now := time.Now()
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionInfo{
			ID:         s.ID,
			UserID:     s.UserID,
			IP:         s.IP,
			UserAgent:  s.UserAgent,
			Active:     s.Active(now),
			CreatedAt:  time.Unix(s.CreatedAt, 0).UTC(),
			LastUsedAt: time.Unix(s.LastUsedAt, 0).UTC(),
			ExpiresAt:  time.Unix(s.ExpiresAt, 0).UTC(),
		})
	}
	return out, nil
}

func (e *Engine) localAuthEnabled() bool {
	if e.settings == nil {
		return true
	}
	return e.settings.Current().LocalAuthEnabled
}

func (e *Engine) delegatedAuthEnabled() bool {
	if e.settings == nil {
		return true
	}
	return e.settings.Current().DelegatedAuthEnabled
}

func (e *Engine) autoCreateUsers() bool {
	if e.settings != nil {
		return e.settings.Current().AutoCreateUsers
	}
	return e.config.Providers.AutoCreateUsers
}

func (e *Engine) maxSessionsPerUser() int {
	if e.settings != nil {
		if n := e.settings.Current().MaxSessionsPerUser; n > 0 {
			return n
		}
	}
	return e.config.Session.MaxSessionsPerUser
}
