package authcore

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

// SetupRequired reports whether the instance has no users yet.
func (e *Engine) SetupRequired(ctx context.Context) (bool, error) {
	if e.users == nil {
		return false, ErrEngineNotReady
	}

	n, err := e.users.Count(ctx)
	if err != nil {
		return false, ErrStoreUnavailable
	}
	return n == 0, nil
}

// Setup creates the first account. It only works on an empty instance and
// the account it creates is always an active admin with a local identity.
func (e *Engine) Setup(ctx context.Context, username, email, plaintext string) (*User, error) {
	if e.users == nil || e.identities == nil || e.hasher == nil {
		return nil, ErrEngineNotReady
	}

	n, err := e.users.Count(ctx)
	if err != nil {
		return nil, ErrStoreUnavailable
	}
	if n > 0 {
		return nil, ErrSetupComplete
	}

	username = strings.TrimSpace(strings.ToLower(username))
	if username == "" {
		return nil, ErrInvalidCredentials
	}

	if err := e.checkPasswordPolicy(plaintext, username); err != nil {
		return nil, err
	}

	hash, err := e.hasher.Hash(plaintext)
	if err != nil {
		return nil, err
	}
	plaintext = ""

	user, err := e.users.Create(ctx, NewUser{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		IsActive:     true,
		IsAdmin:      true,
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, ErrConflict
		}
		return nil, ErrStoreUnavailable
	}

	if _, err := e.identities.Create(ctx, NewIdentity{
		UserID:     user.ID,
		Provider:   ProviderLocal,
		ExternalID: strconv.FormatInt(user.ID, 10),
		Identifier: username,
		Email:      email,
	}); err != nil {
		return nil, ErrStoreUnavailable
	}

	e.emitAudit(ctx, auditEventSetupCompleted, true, user.ID, "", nil, func() map[string]string {
		return map[string]string{"username": username}
	})
	return user, nil
}

// Me returns the caller's own account.
func (e *Engine) Me(ctx context.Context, userID int64) (*User, error) {
	if e.users == nil {
		return nil, ErrEngineNotReady
	}

	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrStoreUnavailable
	}
	return user, nil
}

// UpdateProfile lets a user change their own display name and email.
// Email uniqueness conflicts surface as ErrConflict.
func (e *Engine) UpdateProfile(ctx context.Context, userID int64, displayName, email *string) (*User, error) {
	if e.users == nil {
		return nil, ErrEngineNotReady
	}

	upd := UserUpdate{
		DisplayName: displayName,
		Email:       email,
	}

	user, err := e.users.Update(ctx, userID, upd)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return nil, ErrNotFound
		case errors.Is(err, ErrConflict):
			return nil, ErrConflict
		default:
			return nil, ErrStoreUnavailable
		}
	}

	e.emitAudit(ctx, auditEventProfileUpdated, true, userID, "", nil, nil)
	return user, nil
}
