package authcore

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/streamworks/authcore/providers"
)

// Identities lists the authentication methods linked to an account.
func (e *Engine) Identities(ctx context.Context, userID int64) ([]*Identity, error) {
	if e.identities == nil {
		return nil, ErrEngineNotReady
	}

	idents, err := e.identities.ListForUser(ctx, userID)
	if err != nil {
		return nil, ErrStoreUnavailable
	}
	return idents, nil
}

// LinkIdentity attaches an additional authentication method to an existing
// account. Linking local sets the account password; linking a delegated
// provider first proves the credentials against that provider.
func (e *Engine) LinkIdentity(ctx context.Context, userID int64, provider, username, plaintext string) (*Identity, error) {
	if e.users == nil || e.identities == nil {
		return nil, ErrEngineNotReady
	}

	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrStoreUnavailable
	}

	existing, err := e.identities.ListForUser(ctx, userID)
	if err != nil {
		return nil, ErrStoreUnavailable
	}
	for _, ident := range existing {
		if ident.Provider == provider {
			return nil, ErrConflict
		}
	}

	switch provider {
	case ProviderLocal:
		return e.linkLocalIdentity(ctx, user, plaintext)
	case e.providerKind:
		return e.linkDelegatedIdentity(ctx, user, username, plaintext)
	default:
		return nil, ErrProviderDisabled
	}
}

func (e *Engine) linkLocalIdentity(ctx context.Context, user *User, plaintext string) (*Identity, error) {
	if e.hasher == nil {
		return nil, ErrEngineNotReady
	}

	if err := e.checkPasswordPolicy(plaintext, user.Username); err != nil {
		return nil, err
	}

	hash, err := e.hasher.Hash(plaintext)
	if err != nil {
		return nil, err
	}
	plaintext = ""

	if err := e.users.UpdatePasswordHash(ctx, user.ID, hash); err != nil {
		return nil, ErrStoreUnavailable
	}

	ident, err := e.identities.Create(ctx, NewIdentity{
		UserID:     user.ID,
		Provider:   ProviderLocal,
		ExternalID: strconv.FormatInt(user.ID, 10),
		Identifier: strings.ToLower(user.Username),
		Email:      user.Email,
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, ErrConflict
		}
		return nil, ErrStoreUnavailable
	}

	e.metricInc(MetricIdentityLinked)
	e.emitAudit(ctx, auditEventIdentityLinked, true, user.ID, "", nil, func() map[string]string {
		return map[string]string{"provider": ProviderLocal}
	})
	return ident, nil
}

func (e *Engine) linkDelegatedIdentity(ctx context.Context, user *User, username, plaintext string) (*Identity, error) {
	if e.provider == nil || !e.delegatedAuthEnabled() {
		return nil, ErrProviderDisabled
	}

	external, err := e.provider.Authenticate(ctx, username, plaintext)
	if err != nil {
		switch {
		case errors.Is(err, providers.ErrBadCredentials):
			return nil, ErrInvalidCredentials
		case errors.Is(err, providers.ErrUnavailable):
			return nil, ErrProviderUnavailable
		default:
			return nil, err
		}
	}
	plaintext = ""

	ident, err := e.identities.Create(ctx, NewIdentity{
		UserID:      user.ID,
		Provider:    e.providerKind,
		ExternalID:  external.ExternalID,
		Identifier:  strings.ToLower(external.Username),
		DisplayName: external.DisplayName,
		Email:       external.Email,
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, ErrConflict
		}
		return nil, ErrStoreUnavailable
	}

	e.metricInc(MetricIdentityLinked)
	e.emitAudit(ctx, auditEventIdentityLinked, true, user.ID, "", nil, func() map[string]string {
		return map[string]string{"provider": e.providerKind}
	})
	return ident, nil
}

// UnlinkIdentity detaches an authentication method. The last identity on an
// account can never be removed; that would strand the user.
func (e *Engine) UnlinkIdentity(ctx context.Context, userID, identityID int64) error {
	if e.identities == nil {
		return ErrEngineNotReady
	}

	idents, err := e.identities.ListForUser(ctx, userID)
	if err != nil {
		return ErrStoreUnavailable
	}

	var target *Identity
	for _, ident := range idents {
		if ident.ID == identityID {
			target = ident
			break
		}
	}
	if target == nil {
		return ErrNotFound
	}

	if len(idents) <= 1 {
		return ErrLastIdentity
	}

	if err := e.identities.Delete(ctx, identityID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrStoreUnavailable
	}

	e.metricInc(MetricIdentityUnlinked)
	e.emitAudit(ctx, auditEventIdentityUnlinked, true, userID, "", nil, func() map[string]string {
		return map[string]string{"provider": target.Provider}
	})
	return nil
}
