package authcore

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/streamworks/authcore/internal"
	"github.com/streamworks/authcore/internal/rate"
	"github.com/streamworks/authcore/internal/stores"
)

// ChangePassword rotates a user's password after verifying the current one.
// Existing sessions stay valid; the user proved possession of the account.
func (e *Engine) ChangePassword(ctx context.Context, userID int64, oldPassword, newPassword string) error {
	if e.hasher == nil || e.users == nil {
		return ErrEngineNotReady
	}

	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrStoreUnavailable
	}

	if !e.hasher.Verify(oldPassword, user.PasswordHash) {
		e.metricInc(MetricPasswordChangeInvalidOld)
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, userID, "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{"reason": "invalid_old_password"}
		})
		return ErrInvalidCredentials
	}

	if err := e.checkPasswordPolicy(newPassword, user.Username); err != nil {
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, userID, "", err, func() map[string]string {
			return map[string]string{"reason": "policy"}
		})
		return err
	}

	newHash, err := e.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	oldPassword = ""
	newPassword = ""

	if err := e.users.UpdatePasswordHash(ctx, userID, newHash); err != nil {
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, userID, "", ErrStoreUnavailable, func() map[string]string {
			return map[string]string{"reason": "update_failed"}
		})
		return ErrStoreUnavailable
	}

	e.metricInc(MetricPasswordChangeSuccess)
	e.emitAudit(ctx, auditEventPasswordChangeSuccess, true, userID, "", nil, nil)
	return nil
}

// ForgotPassword starts a reset: an active local account gets a single-use
// challenge mailed to it. The outcome is uniform regardless of whether the
// identifier matches an account, so the endpoint leaks nothing.
func (e *Engine) ForgotPassword(ctx context.Context, identifier string) error {
	if e.users == nil {
		return ErrEngineNotReady
	}
	if !e.config.PasswordReset.Enabled || e.resetStore == nil {
		return nil
	}

	ip := clientIPFromContext(ctx)
	identifier = strings.TrimSpace(strings.ToLower(identifier))

	if e.rateLimiter != nil {
		if err := e.rateLimiter.CheckReset(ctx, identifier, ip); err != nil {
			if !errors.Is(err, rate.ErrRateLimited) {
				return ErrStoreUnavailable
			}
			e.metricInc(MetricPasswordResetRateLimited)
			e.emitAudit(ctx, auditEventPasswordResetRateLimit, false, 0, "", ErrResetRateLimited, func() map[string]string {
				return map[string]string{"identifier": identifier}
			})
			return ErrResetRateLimited
		}
	}

	e.metricInc(MetricPasswordResetRequest)

	user := e.resetEligibleUser(ctx, identifier)
	if user == nil {
		// Same externally observable behavior as the success path.
		if err := sleepEnumerationDelay(ctx); err != nil {
			return err
		}
		e.emitAudit(ctx, auditEventPasswordResetRequest, true, 0, "", nil, func() map[string]string {
			return map[string]string{"identifier": identifier, "matched": "false"}
		})
		return nil
	}

	resetID, err := internal.NewResetID()
	if err != nil {
		return err
	}
	secret, err := internal.NewResetSecret()
	if err != nil {
		return err
	}

	record := &stores.PasswordResetRecord{
		UserID:     user.ID,
		SecretHash: internal.HashResetSecret(secret),
		ExpiresAt:  time.Now().Add(e.config.PasswordReset.ResetTTL).Unix(),
	}
	if err := e.resetStore.Save(ctx, resetID.String(), record, e.config.PasswordReset.ResetTTL); err != nil {
		return ErrStoreUnavailable
	}

	token, err := internal.EncodeResetToken(resetID.String(), secret)
	if err != nil {
		return err
	}

	if e.mailer != nil {
		if err := e.mailer.SendPasswordReset(ctx, user.Email, user.Username, token); err != nil {
			// Mailer failures stay internal; a distinguishable error here
			// would reveal which identifiers have accounts.
			log.Print("authcore: password reset mail delivery failed")
		}
	}

	if err := sleepEnumerationDelay(ctx); err != nil {
		return err
	}

	e.emitAudit(ctx, auditEventPasswordResetRequest, true, user.ID, "", nil, func() map[string]string {
		return map[string]string{"identifier": identifier, "matched": "true"}
	})
	return nil
}

// resetEligibleUser returns the account a reset may be issued for, or nil.
// Only active accounts with a mailbox and a local credential qualify.
func (e *Engine) resetEligibleUser(ctx context.Context, identifier string) *User {
	user, err := e.users.GetByEmail(ctx, identifier)
	if errors.Is(err, ErrNotFound) {
		user, err = e.users.GetByUsername(ctx, identifier)
	}
	if err != nil || !user.IsActive || user.Email == "" {
		return nil
	}

	if e.identities != nil {
		if _, err := e.identities.GetByProviderIdentifier(ctx, ProviderLocal, strings.ToLower(user.Username)); err == nil {
			return user
		}
		// Legacy accounts predate identity rows; a stored hash is the
		// local credential in that case.
		n, err := e.identities.CountForUser(ctx, user.ID)
		if err == nil && n == 0 && user.PasswordHash != "" {
			return user
		}
		return nil
	}

	if user.PasswordHash == "" {
		return nil
	}
	return user
}

// ResetPassword redeems a challenge token and sets the new password. A
// successful reset revokes every session for the account.
func (e *Engine) ResetPassword(ctx context.Context, token, newPassword string) error {
	if e.hasher == nil || e.users == nil {
		return ErrEngineNotReady
	}
	if !e.config.PasswordReset.Enabled || e.resetStore == nil {
		return ErrTokenInvalid
	}

	resetID, secret, err := internal.DecodeResetToken(token)
	if err != nil {
		e.metricInc(MetricPasswordResetConfirmFailure)
		return ErrTokenInvalid
	}

	// Check the new password against policy before redeeming the challenge
	// so a weak choice does not burn the single-use token. The peeked record
	// only names the policy inputs; the secret is still verified atomically
	// by Consume below.
	if peek, err := e.resetStore.Get(ctx, resetID); err == nil {
		if user, err := e.users.GetByID(ctx, peek.UserID); err == nil {
			if err := e.checkPasswordPolicy(newPassword, user.Username); err != nil {
				return err
			}
		}
	}

	record, err := e.resetStore.Consume(ctx, resetID, internal.HashResetSecret(secret), e.config.PasswordReset.MaxAttempts)
	if err != nil {
		switch {
		case errors.Is(err, stores.ErrResetAttemptsExceeded):
			e.metricInc(MetricPasswordResetAttemptsExceeded)
			e.emitAudit(ctx, auditEventPasswordResetConfirm, false, 0, "", ErrTokenInvalid, func() map[string]string {
				return map[string]string{"reason": "attempts_exceeded"}
			})
			return ErrTokenInvalid
		case errors.Is(err, stores.ErrResetNotFound), errors.Is(err, stores.ErrResetSecretMismatch):
			e.metricInc(MetricPasswordResetConfirmFailure)
			e.emitAudit(ctx, auditEventPasswordResetConfirm, false, 0, "", ErrTokenInvalid, func() map[string]string {
				return map[string]string{"reason": "invalid_challenge"}
			})
			return ErrTokenInvalid
		default:
			e.metricInc(MetricPasswordResetConfirmFailure)
			return ErrStoreUnavailable
		}
	}

	user, err := e.users.GetByID(ctx, record.UserID)
	if err != nil {
		e.metricInc(MetricPasswordResetConfirmFailure)
		return ErrTokenInvalid
	}

	if err := e.checkPasswordPolicy(newPassword, user.Username); err != nil {
		e.metricInc(MetricPasswordResetConfirmFailure)
		return err
	}

	newHash, err := e.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	newPassword = ""

	if err := e.users.UpdatePasswordHash(ctx, user.ID, newHash); err != nil {
		e.metricInc(MetricPasswordResetConfirmFailure)
		return ErrStoreUnavailable
	}

	// A reset implies the old credential may be compromised.
	if e.sessionStore != nil {
		if err := e.sessionStore.RevokeAllForUser(ctx, user.ID); err != nil {
			log.Print("authcore: session revocation after password reset failed")
		} else {
			e.metricInc(MetricSessionRevoked)
		}
	}

	e.metricInc(MetricPasswordResetConfirmSuccess)
	e.emitAudit(ctx, auditEventPasswordResetConfirm, true, user.ID, "", nil, nil)
	return nil
}

// checkPasswordPolicy maps policy violations onto ErrWeakPassword while
// keeping the specific rule reachable through errors.As.
func (e *Engine) checkPasswordPolicy(candidate, username string) error {
	if e.policy == nil {
		return nil
	}
	if err := e.policy.Validate(candidate, username); err != nil {
		return fmt.Errorf("%w: %w", ErrWeakPassword, err)
	}
	return nil
}

// sleepEnumerationDelay pads request handling with 20-40ms of jitter so
// response timing does not reveal whether an identifier matched an account.
func sleepEnumerationDelay(ctx context.Context) error {
	minMs := int64(20)
	maxMs := int64(40)
	span := maxMs - minMs + 1

	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return err
	}

	delay := time.Duration(minMs+n.Int64()) * time.Millisecond
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
