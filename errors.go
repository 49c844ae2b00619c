package authcore

import "errors"

var (
	// ErrInvalidCredentials is the uniform failure for every bad-credential
	// login path: unknown account, wrong password, or empty password. The
	// paths are indistinguishable so callers cannot enumerate accounts.
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrAccountDisabled reports a correct credential check against a
	// deactivated account.
	ErrAccountDisabled = errors.New("account disabled")
	// ErrTokenExpired reports a well-formed, correctly signed token past its
	// expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid reports a malformed, tampered, or wrong-type token.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrTokenRevoked reports a structurally valid refresh token whose
	// session has been revoked or rotated away, including replay of a
	// rotated-out token.
	ErrTokenRevoked = errors.New("token revoked")
	// ErrWeakPassword wraps the first failing password-policy rule.
	ErrWeakPassword = errors.New("password does not meet policy")
	// ErrConflict reports a uniqueness violation: username, email, or an
	// identity pair already claimed.
	ErrConflict = errors.New("conflict")
	// ErrLastIdentity rejects unlinking a user's only remaining identity.
	ErrLastIdentity = errors.New("cannot remove last identity")
	// ErrProviderUnavailable reports that a delegated provider could not be
	// reached. Distinct from a credential rejection.
	ErrProviderUnavailable = errors.New("authentication provider unavailable")
	// ErrProviderDisabled reports a login against a provider that is turned
	// off in settings.
	ErrProviderDisabled = errors.New("authentication provider disabled")
	// ErrNotFound reports a missing user, identity, or session record.
	ErrNotFound = errors.New("not found")
	// ErrPermissionDenied reports an admin-only operation attempted by a
	// non-admin, or a self-lockout guard firing.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrLoginRateLimited reports an exhausted login attempt window.
	ErrLoginRateLimited = errors.New("login rate limited")
	// ErrRefreshRateLimited reports an exhausted refresh window.
	ErrRefreshRateLimited = errors.New("refresh rate limited")
	// ErrResetRateLimited reports an exhausted password-reset request window.
	ErrResetRateLimited = errors.New("password reset rate limited")
	// ErrSetupComplete rejects first-run setup once any user exists.
	ErrSetupComplete = errors.New("setup already complete")
	// ErrStoreUnavailable wraps infrastructure failures from the session,
	// reset, rate-limit, or user stores.
	ErrStoreUnavailable = errors.New("backing store unavailable")
	// ErrEngineNotReady is returned by [Builder.Build] when a required
	// dependency is missing.
	ErrEngineNotReady = errors.New("engine not fully configured")
)
