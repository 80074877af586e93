// Package sendtokens provides a PostgreSQL-backed repository for single-use
// send tokens.
package sendtokens

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sealdrop/sealdrop/internal/common"
	"github.com/sealdrop/sealdrop/internal/dbx"
	"github.com/sealdrop/sealdrop/internal/server/models"
)

// PostgresRepository implements send token storage over dbx.DBTX
// (satisfied by *sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a new send token with an expiry time of now+validity.
// A unique violation on the token column means the entropy source produced a
// duplicate 256-bit value and is reported as common.ErrEntropyFailure.
func (r *PostgresRepository) Create(ctx context.Context, token *models.SendToken, validity time.Duration) error {
	query := `
		INSERT INTO send_tokens (token, sender, recipient, label, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.ExecContext(ctx, query,
		token.Token, token.Sender, token.Recipient, token.Label, time.Now().Add(validity))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return common.ErrEntropyFailure
		}
		return fmt.Errorf("error performing sql request: %v", err)
	}
	return nil
}

// Find returns the token row regardless of validity.
func (r *PostgresRepository) Find(ctx context.Context, token string) (*models.SendToken, error) {
	query := `
		SELECT token, sender, recipient, label, created_at, expires_at, consumed_at
		FROM send_tokens
		WHERE token = $1
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, token))
}

// FindValid returns the token only while it would still be consumable:
// not consumed and not expired. The predicate must stay in sync with Consume
// so a peek never reports a token as valid when consumption would reject it.
func (r *PostgresRepository) FindValid(ctx context.Context, token string) (*models.SendToken, error) {
	query := `
		SELECT token, sender, recipient, label, created_at, expires_at, consumed_at
		FROM send_tokens
		WHERE token = $1 AND consumed_at IS NULL AND expires_at > now()
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, token))
}

// Consume marks the token consumed and returns the row in a single UPDATE,
// so two concurrent calls can never both succeed: the WHERE clause only
// matches an unconsumed, unexpired row and the row is written in the same
// statement that read it.
func (r *PostgresRepository) Consume(ctx context.Context, token string) (*models.SendToken, error) {
	query := `
		UPDATE send_tokens
		SET consumed_at = now()
		WHERE token = $1 AND consumed_at IS NULL AND expires_at > now()
		RETURNING token, sender, recipient, label, created_at, expires_at, consumed_at
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, token))
}

// DeleteStale removes rows whose expiry or consumption happened before cutoff.
func (r *PostgresRepository) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM send_tokens
		WHERE expires_at < $1 OR consumed_at < $1
	`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) scanOne(row *sql.Row) (*models.SendToken, error) {
	t := &models.SendToken{}
	err := row.Scan(&t.Token, &t.Sender, &t.Recipient, &t.Label, &t.CreatedAt, &t.ExpiresAt, &t.ConsumedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return t, nil
}
