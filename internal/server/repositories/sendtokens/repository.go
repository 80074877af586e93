// Package sendtokens declares the repository contract for single-use send
// tokens in persistent storage.
package sendtokens

import (
	"context"
	"time"

	"github.com/sealdrop/sealdrop/internal/server/models"
)

// Repository defines operations for issuing, inspecting, and atomically
// consuming send tokens.
type Repository interface {
	// Create stores a new send token with an expiry of now+validity.
	// A primary-key conflict must be surfaced, never silently overwritten.
	Create(ctx context.Context, token *models.SendToken, validity time.Duration) error

	// Find returns the token row regardless of validity, or common.ErrorNotFound.
	Find(ctx context.Context, token string) (*models.SendToken, error)

	// FindValid returns the token only if it is unconsumed and unexpired,
	// applying exactly the predicate Consume uses. common.ErrorNotFound otherwise.
	FindValid(ctx context.Context, token string) (*models.SendToken, error)

	// Consume marks the token consumed and returns it, as one atomic
	// statement. Of two concurrent calls exactly one receives the row; the
	// other gets common.ErrorNotFound and must classify via Find.
	Consume(ctx context.Context, token string) (*models.SendToken, error)

	// DeleteStale removes rows that expired or were consumed before the cutoff.
	DeleteStale(ctx context.Context, cutoff time.Time) (int64, error)
}
