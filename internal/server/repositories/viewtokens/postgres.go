// Package viewtokens provides a PostgreSQL-backed repository for single-use
// view tokens.
package viewtokens

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

// PostgresRepository implements view token storage over dbx.DBTX
// (satisfied by *sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a new view token. expires_at may be NULL (no payload TTL).
func (r *PostgresRepository) Create(ctx context.Context, token *models.ViewToken) error {
	query := `
		INSERT INTO view_tokens (token, delivery_id, recipient, expires_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err := r.db.ExecContext(ctx, query,
		token.Token, token.DeliveryID, token.Recipient, token.ExpiresAt)
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
func (r *PostgresRepository) Find(ctx context.Context, token string) (*models.ViewToken, error) {
	query := `
		SELECT token, delivery_id, recipient, created_at, expires_at, consumed_at, revoked
		FROM view_tokens
		WHERE token = $1
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, token))
}

// FindByDelivery returns every token of a delivery, newest first. A delivery
// can accumulate several tokens when notifications are reissued.
func (r *PostgresRepository) FindByDelivery(ctx context.Context, deliveryID string) ([]*models.ViewToken, error) {
	query := `
		SELECT token, delivery_id, recipient, created_at, expires_at, consumed_at, revoked
		FROM view_tokens
		WHERE delivery_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.ViewToken
	for rows.Next() {
		t := &models.ViewToken{}
		if err := rows.Scan(&t.Token, &t.DeliveryID, &t.Recipient, &t.CreatedAt, &t.ExpiresAt, &t.ConsumedAt, &t.Revoked); err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Consume marks the token consumed and returns the row in a single UPDATE.
// Expiry is re-checked here even though it was set at issuance: issuance and
// consumption may be arbitrarily far apart. Revocation and consumption touch
// the same row, so whichever statement commits first wins and the loser
// observes the winner's write.
func (r *PostgresRepository) Consume(ctx context.Context, token string) (*models.ViewToken, error) {
	query := `
		UPDATE view_tokens
		SET consumed_at = now()
		WHERE token = $1
		  AND consumed_at IS NULL
		  AND NOT revoked
		  AND (expires_at IS NULL OR expires_at > now())
		RETURNING token, delivery_id, recipient, created_at, expires_at, consumed_at, revoked
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, token))
}

// RevokeByDelivery invalidates every unconsumed token of a delivery.
// Safe to call repeatedly; already-revoked rows match the WHERE clause but
// setting revoked again is a no-op observable-state-wise.
func (r *PostgresRepository) RevokeByDelivery(ctx context.Context, deliveryID string) (int64, error) {
	query := `
		UPDATE view_tokens
		SET revoked = TRUE
		WHERE delivery_id = $1 AND consumed_at IS NULL
	`
	res, err := r.db.ExecContext(ctx, query, deliveryID)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}

// DeleteStale removes rows whose expiry or consumption happened before
// cutoff, and revoked rows created before cutoff.
func (r *PostgresRepository) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM view_tokens
		WHERE expires_at < $1 OR consumed_at < $1 OR (revoked AND created_at < $1)
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

func (r *PostgresRepository) scanOne(row *sql.Row) (*models.ViewToken, error) {
	t := &models.ViewToken{}
	err := row.Scan(&t.Token, &t.DeliveryID, &t.Recipient, &t.CreatedAt, &t.ExpiresAt, &t.ConsumedAt, &t.Revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return t, nil
}
