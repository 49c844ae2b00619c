package authcore

import (
	"context"
	"time"
)

// User is an account row. PasswordHash is empty for accounts that only
// authenticate through a delegated provider.
type User struct {
	ID           int64
	Username     string
	Email        string
	DisplayName  string
	PasswordHash string
	IsActive     bool
	IsAdmin      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastLoginAt  *time.Time
}

// Identity links a user to one authentication provider. For local accounts
// Provider is "local" and ExternalID/Identifier both hold the username; for
// delegated providers ExternalID is the provider's stable ID and Identifier
// the provider-side login name.
type Identity struct {
	ID          int64
	UserID      int64
	Provider    string
	ExternalID  string
	Identifier  string
	DisplayName string
	Email       string
	CreatedAt   time.Time
	LastUsedAt  *time.Time
}

// ProviderLocal is the provider name of password-backed identities.
const ProviderLocal = "local"

// TokenPair is the result of every successful authentication or refresh.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int64
}

// AuthResult is returned by [Engine.Validate] for the boundary layer's
// request middleware.
type AuthResult struct {
	UserID   int64
	Username string
	IsAdmin  bool
}

// SessionInfo is a read-only session view for profile and admin listings.
type SessionInfo struct {
	ID         string
	UserID     int64
	IP         string
	UserAgent  string
	Active     bool
	CreatedAt  time.Time
	LastUsedAt time.Time
	ExpiresAt  time.Time
}

// NewUser carries the fields for account creation. ID, timestamps, and
// defaults are the store's concern.
type NewUser struct {
	Username     string
	Email        string
	DisplayName  string
	PasswordHash string
	IsActive     bool
	IsAdmin      bool
}

// UserUpdate carries admin-editable account fields. Nil pointers leave the
// field unchanged.
type UserUpdate struct {
	Email       *string
	DisplayName *string
	IsActive    *bool
	IsAdmin     *bool
}

// NewIdentity carries the fields for identity creation.
type NewIdentity struct {
	UserID      int64
	Provider    string
	ExternalID  string
	Identifier  string
	DisplayName string
	Email       string
}

// UserStore is the consumer-supplied account repository. A pgx-backed
// implementation ships in store/postgres. Implementations return
// [ErrNotFound] for missing rows and [ErrConflict] for uniqueness
// violations.
type UserStore interface {
	GetByID(ctx context.Context, id int64) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	Create(ctx context.Context, user NewUser) (*User, error)
	Update(ctx context.Context, id int64, update UserUpdate) (*User, error)
	UpdatePasswordHash(ctx context.Context, id int64, hash string) error
	UpdateLastLogin(ctx context.Context, id int64, at time.Time) error
	Delete(ctx context.Context, id int64) error
	Count(ctx context.Context) (int, error)
	List(ctx context.Context) ([]*User, error)
}

// IdentityStore is the consumer-supplied identity repository. The store
// enforces the (provider, external_id) and (provider, identifier) uniqueness
// pairs and cascades deletes with the owning user.
type IdentityStore interface {
	GetByProviderExternalID(ctx context.Context, provider, externalID string) (*Identity, error)
	GetByProviderIdentifier(ctx context.Context, provider, identifier string) (*Identity, error)
	ListForUser(ctx context.Context, userID int64) ([]*Identity, error)
	CountForUser(ctx context.Context, userID int64) (int, error)
	Create(ctx context.Context, identity NewIdentity) (*Identity, error)
	Delete(ctx context.Context, id int64) error
	TouchLastUsed(ctx context.Context, id int64, at time.Time) error
}

// Mailer delivers password-reset challenges. The engine treats delivery
// failures as non-fatal so the forgot-password response stays uniform.
type Mailer interface {
	SendPasswordReset(ctx context.Context, to, username, resetToken string) error
}
