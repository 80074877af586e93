package viewtokens

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sealdrop/sealdrop/internal/common"
	"github.com/sealdrop/sealdrop/internal/server/models"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewPostgresRepository(db), mock, db
}

func tokenColumns() []string {
	return []string{"token", "delivery_id", "recipient", "created_at", "expires_at", "consumed_at", "revoked"}
}

func TestCreate_NullableExpiry(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^INSERT\s+INTO\s+view_tokens\b.*VALUES\s*\(\$1,\s*\$2,\s*\$3,\s*\$4\)\s*$`

	mock.ExpectExec(q).
		WithArgs("vtok", "contract-1", "bob", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	tok := &models.ViewToken{Token: "vtok", DeliveryID: "contract-1", Recipient: "bob", ExpiresAt: nil}
	if err := repo.Create(context.Background(), tok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestConsume_RechecksExpiryAndRevocation(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	// One statement: consumption, expiry re-check, and revocation check must
	// share the same atomicity boundary.
	q := `(?s)^UPDATE\s+view_tokens\s+SET\s+consumed_at\s*=\s*now\(\)\s+WHERE\s+token\s*=\s*\$1\s+AND\s+consumed_at\s+IS\s+NULL\s+AND\s+NOT\s+revoked\s+AND\s+\(expires_at\s+IS\s+NULL\s+OR\s+expires_at\s*>\s*now\(\)\)\s+RETURNING\b`

	now := time.Now()
	expires := now.Add(time.Hour)
	rows := sqlmock.NewRows(tokenColumns()).
		AddRow("vtok", "contract-1", "bob", now.Add(-time.Minute), &expires, now, false)

	mock.ExpectQuery(q).
		WithArgs("vtok").
		WillReturnRows(rows)

	got, err := repo.Consume(context.Background(), "vtok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.DeliveryID != "contract-1" || got.ConsumedAt == nil {
		t.Fatalf("unexpected row: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestConsume_RevokedYieldsNotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^UPDATE\s+view_tokens\b`

	mock.ExpectQuery(q).
		WithArgs("revoked-tok").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Consume(context.Background(), "revoked-tok")
	if !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("want common.ErrorNotFound, got %v", err)
	}
}

func TestRevokeByDelivery_OnlyUnconsumedRows(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^UPDATE\s+view_tokens\s+SET\s+revoked\s*=\s*TRUE\s+WHERE\s+delivery_id\s*=\s*\$1\s+AND\s+consumed_at\s+IS\s+NULL\s*$`

	mock.ExpectExec(q).
		WithArgs("contract-1").
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.RevokeByDelivery(context.Background(), "contract-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("want 2 rows revoked, got %d", n)
	}
}

func TestRevokeByDelivery_Idempotent(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^UPDATE\s+view_tokens\s+SET\s+revoked\s*=\s*TRUE\b`

	// Second and third invocations touch the same rows again; the call is
	// still a success with identical observable state.
	for i := 0; i < 3; i++ {
		mock.ExpectExec(q).
			WithArgs("contract-1").
			WillReturnResult(sqlmock.NewResult(0, 2))
	}

	for i := 0; i < 3; i++ {
		if _, err := repo.RevokeByDelivery(context.Background(), "contract-1"); err != nil {
			t.Fatalf("revoke %d: unexpected error: %v", i, err)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeleteStale(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^DELETE\s+FROM\s+view_tokens\s+WHERE\s+expires_at\s*<\s*\$1\s+OR\s+consumed_at\s*<\s*\$1\s+OR\s+\(revoked\s+AND\s+created_at\s*<\s*\$1\)\s*$`

	cutoff := time.Now().Add(-24 * time.Hour)
	mock.ExpectExec(q).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 5))

	n, err := repo.DeleteStale(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 5 {
		t.Fatalf("want 5 rows deleted, got %d", n)
	}
}
