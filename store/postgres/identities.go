package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/streamworks/authcore"
)

// IdentityRepository implements authcore.IdentityStore on PostgreSQL.
type IdentityRepository struct {
	db DB
}

// NewIdentityRepository creates an IdentityRepository over db.
func NewIdentityRepository(db DB) *IdentityRepository {
	return &IdentityRepository{db: db}
}

const identityColumns = `id, user_id, provider, external_id, identifier,
       display_name, email, created_at, last_used_at`

func scanIdentityRaw(row pgx.Row) (*authcore.Identity, error) {
	var identity authcore.Identity
	err := row.Scan(
		&identity.ID,
		&identity.UserID,
		&identity.Provider,
		&identity.ExternalID,
		&identity.Identifier,
		&identity.DisplayName,
		&identity.Email,
		&identity.CreatedAt,
		&identity.LastUsedAt,
	)
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

func scanIdentity(row pgx.Row) (*authcore.Identity, error) {
	identity, err := scanIdentityRaw(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authcore.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	return identity, nil
}

// GetByProviderExternalID resolves an identity by the provider's stable ID.
func (r *IdentityRepository) GetByProviderExternalID(ctx context.Context, provider, externalID string) (*authcore.Identity, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+identityColumns+`
		FROM user_identities
		WHERE provider = $1 AND external_id = $2
	`, provider, externalID)
	return scanIdentity(row)
}

// GetByProviderIdentifier resolves an identity by the provider-side login
// name, case-insensitively.
func (r *IdentityRepository) GetByProviderIdentifier(ctx context.Context, provider, identifier string) (*authcore.Identity, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+identityColumns+`
		FROM user_identities
		WHERE provider = $1 AND LOWER(identifier) = LOWER($2)
	`, provider, identifier)
	return scanIdentity(row)
}

// ListForUser returns the user's identities, oldest first.
func (r *IdentityRepository) ListForUser(ctx context.Context, userID int64) ([]*authcore.Identity, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+identityColumns+`
		FROM user_identities
		WHERE user_id = $1
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var identities []*authcore.Identity
	for rows.Next() {
		identity, err := scanIdentityRaw(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
		}
		identities = append(identities, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	return identities, nil
}

// CountForUser returns how many identities the user has. The engine's
// last-identity guard depends on this.
func (r *IdentityRepository) CountForUser(ctx context.Context, userID int64) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM user_identities WHERE user_id = $1
	`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	return count, nil
}

// Create inserts an identity. A claimed (provider, external_id) or
// (provider, identifier) pair reports authcore.ErrConflict; the database
// constraints make this race-safe.
func (r *IdentityRepository) Create(ctx context.Context, identity authcore.NewIdentity) (*authcore.Identity, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO user_identities (user_id, provider, external_id, identifier, display_name, email)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+identityColumns+`
	`,
		identity.UserID,
		identity.Provider,
		identity.ExternalID,
		identity.Identifier,
		identity.DisplayName,
		identity.Email,
	)

	created, err := scanIdentityRaw(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, authcore.ErrConflict
		}
		return nil, fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	return created, nil
}

// Delete removes one identity row.
func (r *IdentityRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM user_identities WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return authcore.ErrNotFound
	}
	return nil
}

// TouchLastUsed stamps the identity's last successful use.
func (r *IdentityRepository) TouchLastUsed(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE user_identities SET last_used_at = $1 WHERE id = $2
	`, at, id)
	if err != nil {
		return fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	return nil
}
