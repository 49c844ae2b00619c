package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"

	"github.com/streamworks/authcore"
)

func newIdentityMock(t *testing.T) (pgxmock.PgxPoolIface, *IdentityRepository) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool failed: %v", err)
	}
	t.Cleanup(mock.Close)

	return mock, NewIdentityRepository(mock)
}

func identityRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "user_id", "provider", "external_id", "identifier",
		"display_name", "email", "created_at", "last_used_at",
	})
}

func TestGetByProviderExternalID(t *testing.T) {
	mock, repo := newIdentityMock(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT .+ FROM user_identities\s+WHERE provider = \$1 AND external_id = \$2`).
		WithArgs("dispatcharr", "314").
		WillReturnRows(identityRows().AddRow(
			int64(10), int64(1), "dispatcharr", "314", "remote-user",
			"Remote User", "remote@example.com", now, (*time.Time)(nil),
		))

	identity, err := repo.GetByProviderExternalID(context.Background(), "dispatcharr", "314")
	if err != nil {
		t.Fatalf("GetByProviderExternalID error: %v", err)
	}
	if identity.UserID != 1 || identity.Identifier != "remote-user" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
	expectMet(t, mock)
}

func TestGetByProviderIdentifierNotFound(t *testing.T) {
	mock, repo := newIdentityMock(t)

	mock.ExpectQuery(`SELECT .+ FROM user_identities\s+WHERE provider = \$1 AND LOWER\(identifier\) = LOWER\(\$2\)`).
		WithArgs("local", "ghost").
		WillReturnRows(identityRows())

	if _, err := repo.GetByProviderIdentifier(context.Background(), "local", "ghost"); !errors.Is(err, authcore.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	expectMet(t, mock)
}

func TestCreateIdentityConflict(t *testing.T) {
	mock, repo := newIdentityMock(t)

	mock.ExpectQuery(`INSERT INTO user_identities`).
		WithArgs(int64(1), "dispatcharr", "314", "remote-user", "", "").
		WillReturnError(&pgconn.PgError{Code: uniqueViolation})

	_, err := repo.Create(context.Background(), authcore.NewIdentity{
		UserID:     1,
		Provider:   "dispatcharr",
		ExternalID: "314",
		Identifier: "remote-user",
	})
	if !errors.Is(err, authcore.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	expectMet(t, mock)
}

func TestListAndCountForUser(t *testing.T) {
	mock, repo := newIdentityMock(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT .+ FROM user_identities\s+WHERE user_id = \$1\s+ORDER BY created_at`).
		WithArgs(int64(1)).
		WillReturnRows(identityRows().
			AddRow(int64(10), int64(1), "local", "alice", "alice", "", "", now, (*time.Time)(nil)).
			AddRow(int64(11), int64(1), "dispatcharr", "314", "remote-user", "", "", now, (*time.Time)(nil)))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM user_identities WHERE user_id = \$1`).
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))

	identities, err := repo.ListForUser(context.Background(), 1)
	if err != nil {
		t.Fatalf("ListForUser error: %v", err)
	}
	if len(identities) != 2 || identities[0].Provider != "local" {
		t.Fatalf("unexpected identities: %+v", identities)
	}

	count, err := repo.CountForUser(context.Background(), 1)
	if err != nil {
		t.Fatalf("CountForUser error: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
	expectMet(t, mock)
}

func TestDeleteIdentityNotFound(t *testing.T) {
	mock, repo := newIdentityMock(t)

	mock.ExpectExec(`DELETE FROM user_identities WHERE id = \$1`).
		WithArgs(int64(404)).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	if err := repo.Delete(context.Background(), 404); !errors.Is(err, authcore.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	expectMet(t, mock)
}
