// Package viewtokens declares the repository contract for single-use view
// tokens in persistent storage.
package viewtokens

import (
	"context"
	"time"

	"github.com/sealdrop/sealdrop/internal/server/models"
)

// Repository defines operations for issuing, atomically consuming, and bulk
// revoking view tokens.
type Repository interface {
	// Create stores a new view token. ExpiresAt on the model mirrors the
	// payload TTL and may be nil. Primary-key conflicts must be surfaced.
	Create(ctx context.Context, token *models.ViewToken) error

	// Find returns the token row regardless of validity, or common.ErrorNotFound.
	Find(ctx context.Context, token string) (*models.ViewToken, error)

	// FindByDelivery returns every token row of a delivery, newest first.
	FindByDelivery(ctx context.Context, deliveryID string) ([]*models.ViewToken, error)

	// Consume marks the token consumed and returns it in one atomic
	// statement. The statement re-evaluates expiry and the revoked flag at
	// consumption time, so a revocation recorded first always wins.
	Consume(ctx context.Context, token string) (*models.ViewToken, error)

	// RevokeByDelivery sets revoked on every unconsumed token of the
	// delivery. Idempotent; returns the number of rows touched this call.
	RevokeByDelivery(ctx context.Context, deliveryID string) (int64, error)

	// DeleteStale removes rows expired, consumed, or revoked-and-created
	// before the cutoff.
	DeleteStale(ctx context.Context, cutoff time.Time) (int64, error)
}
