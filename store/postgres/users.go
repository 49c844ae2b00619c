package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/streamworks/authcore"
)

// UserRepository implements authcore.UserStore on PostgreSQL.
type UserRepository struct {
	db DB
}

// NewUserRepository creates a UserRepository over db.
func NewUserRepository(db DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, username, COALESCE(email, ''), display_name, password_hash,
       is_active, is_admin, created_at, updated_at, last_login_at`

// scanUserRaw leaves driver errors unmapped so callers can inspect pg error
// codes before wrapping.
func scanUserRaw(row pgx.Row) (*authcore.User, error) {
	var user authcore.User
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.DisplayName,
		&user.PasswordHash,
		&user.IsActive,
		&user.IsAdmin,
		&user.CreatedAt,
		&user.UpdatedAt,
		&user.LastLoginAt,
	)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func scanUser(row pgx.Row) (*authcore.User, error) {
	user, err := scanUserRaw(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authcore.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	return user, nil
}

// GetByID retrieves a user by primary key.
func (r *UserRepository) GetByID(ctx context.Context, id int64) (*authcore.User, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1
	`, id)
	return scanUser(row)
}

// GetByUsername retrieves a user by username, case-insensitively.
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*authcore.User, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE LOWER(username) = LOWER($1)
	`, username)
	return scanUser(row)
}

// GetByEmail retrieves a user by email, case-insensitively.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*authcore.User, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE LOWER(email) = LOWER($1)
	`, email)
	return scanUser(row)
}

// Create inserts a user and returns the stored row. A username or email
// collision reports authcore.ErrConflict.
func (r *UserRepository) Create(ctx context.Context, user authcore.NewUser) (*authcore.User, error) {
	var email any
	if user.Email != "" {
		email = user.Email
	}

	row := r.db.QueryRow(ctx, `
		INSERT INTO users (username, email, display_name, password_hash, is_active, is_admin)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+userColumns+`
	`,
		user.Username,
		email,
		user.DisplayName,
		user.PasswordHash,
		user.IsActive,
		user.IsAdmin,
	)

	created, err := scanUserRaw(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, authcore.ErrConflict
		}
		return nil, fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	return created, nil
}

// Update applies the non-nil fields of update and returns the new row.
func (r *UserRepository) Update(ctx context.Context, id int64, update authcore.UserUpdate) (*authcore.User, error) {
	sets := make([]string, 0, 5)
	args := make([]any, 0, 5)

	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.Email != nil {
		if *update.Email == "" {
			sets = append(sets, "email = NULL")
		} else {
			add("email", *update.Email)
		}
	}
	if update.DisplayName != nil {
		add("display_name", *update.DisplayName)
	}
	if update.IsActive != nil {
		add("is_active", *update.IsActive)
	}
	if update.IsAdmin != nil {
		add("is_admin", *update.IsAdmin)
	}

	if len(sets) == 0 {
		return r.GetByID(ctx, id)
	}
	sets = append(sets, "updated_at = now()")

	args = append(args, id)
	query := fmt.Sprintf(`
		UPDATE users SET %s
		WHERE id = $%d
		RETURNING %s
	`, strings.Join(sets, ", "), len(args), userColumns)

	updated, err := scanUserRaw(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, authcore.ErrConflict
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authcore.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	return updated, nil
}

// UpdatePasswordHash replaces the stored hash.
func (r *UserRepository) UpdatePasswordHash(ctx context.Context, id int64, hash string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE users SET password_hash = $1, updated_at = now()
		WHERE id = $2
	`, hash, id)
	if err != nil {
		return fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return authcore.ErrNotFound
	}
	return nil
}

// UpdateLastLogin stamps the last successful login time.
func (r *UserRepository) UpdateLastLogin(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE users SET last_login_at = $1
		WHERE id = $2
	`, at, id)
	if err != nil {
		return fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	return nil
}

// Delete removes the user row. Identities cascade via the foreign key.
func (r *UserRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return authcore.ErrNotFound
	}
	return nil
}

// Count returns the number of user rows.
func (r *UserRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	return count, nil
}

// List returns every user ordered by username.
func (r *UserRepository) List(ctx context.Context) ([]*authcore.User, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+userColumns+`
		FROM users
		ORDER BY LOWER(username)
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var users []*authcore.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	return users, nil
}
