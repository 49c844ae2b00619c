package authcore

import (
	"context"
	"errors"
	"strconv"
	"time"
)

const (
	auditEventLoginSuccess           = "login_success"
	auditEventLoginFailure           = "login_failure"
	auditEventLoginRateLimited       = "login_rate_limited"
	auditEventDelegatedLoginSuccess  = "delegated_login_success"
	auditEventDelegatedLoginFailure  = "delegated_login_failure"
	auditEventRefreshSuccess         = "refresh_success"
	auditEventRefreshInvalid         = "refresh_invalid"
	auditEventRefreshRateLimited     = "refresh_rate_limited"
	auditEventRefreshReuseDetected   = "refresh_reuse_detected"
	auditEventLogoutSession          = "logout_session"
	auditEventLogoutAll              = "logout_all"
	auditEventPasswordChangeSuccess  = "password_change_success"
	auditEventPasswordChangeFailure  = "password_change_failure"
	auditEventPasswordResetRequest   = "password_reset_request"
	auditEventPasswordResetConfirm   = "password_reset_confirm"
	auditEventIdentityLinked         = "identity_linked"
	auditEventIdentityUnlinked       = "identity_unlinked"
	auditEventSetupCompleted         = "setup_completed"
	auditEventUserUpdated            = "user_updated"
	auditEventUserDeleted            = "user_deleted"
	auditEventAuthSettingsUpdated    = "auth_settings_updated"
	auditEventDelegatedUserProvision = "delegated_user_provisioned"
	auditEventProfileUpdated         = "profile_updated"
	auditEventPasswordResetRateLimit = "password_reset_rate_limited"
)

// AuditErrorCode is the stable machine-readable failure label carried on
// audit events.
type AuditErrorCode string

const (
	auditErrInvalidCredentials  AuditErrorCode = "invalid_credentials"
	auditErrAccountDisabled     AuditErrorCode = "account_disabled"
	auditErrRateLimited         AuditErrorCode = "rate_limited"
	auditErrTokenExpired        AuditErrorCode = "token_expired"
	auditErrTokenInvalid        AuditErrorCode = "token_invalid"
	auditErrTokenRevoked        AuditErrorCode = "token_revoked"
	auditErrWeakPassword        AuditErrorCode = "weak_password"
	auditErrConflict            AuditErrorCode = "conflict"
	auditErrLastIdentity        AuditErrorCode = "last_identity"
	auditErrNotFound            AuditErrorCode = "not_found"
	auditErrPermissionDenied    AuditErrorCode = "permission_denied"
	auditErrProviderUnavailable AuditErrorCode = "provider_unavailable"
	auditErrProviderDisabled    AuditErrorCode = "provider_disabled"
	auditErrSetupComplete       AuditErrorCode = "setup_complete"
	auditErrUnavailable         AuditErrorCode = "backend_unavailable"
	auditErrInternal            AuditErrorCode = "internal_error"
)

func formatUserID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID int64,
	sessionID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		UserID:    userID,
		SessionID: sessionID,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrAccountDisabled):
		return auditErrAccountDisabled
	case errors.Is(err, ErrLoginRateLimited),
		errors.Is(err, ErrRefreshRateLimited),
		errors.Is(err, ErrResetRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrTokenExpired):
		return auditErrTokenExpired
	case errors.Is(err, ErrTokenRevoked):
		return auditErrTokenRevoked
	case errors.Is(err, ErrTokenInvalid):
		return auditErrTokenInvalid
	case errors.Is(err, ErrWeakPassword):
		return auditErrWeakPassword
	case errors.Is(err, ErrConflict):
		return auditErrConflict
	case errors.Is(err, ErrLastIdentity):
		return auditErrLastIdentity
	case errors.Is(err, ErrNotFound):
		return auditErrNotFound
	case errors.Is(err, ErrPermissionDenied):
		return auditErrPermissionDenied
	case errors.Is(err, ErrProviderUnavailable):
		return auditErrProviderUnavailable
	case errors.Is(err, ErrProviderDisabled):
		return auditErrProviderDisabled
	case errors.Is(err, ErrSetupComplete):
		return auditErrSetupComplete
	case errors.Is(err, ErrStoreUnavailable):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}
