package services

import (
	"time"

	"github.com/sealdrop/sealdrop/internal/server/models"
)

// DeriveState computes a delivery's lifecycle position from whether its send
// token was consumed, its view tokens, and whether the ledger contract is
// still active. State is never stored; every caller derives it fresh from
// these three inputs.
func DeriveState(sendTokenConsumed bool, vts []*models.ViewToken, contractActive bool) models.DeliveryState {
	if !sendTokenConsumed {
		return models.StatePending
	}
	if len(vts) == 0 {
		// Send token spent but no view token recorded yet: the ledger write
		// is in flight, or it failed terminally.
		if contractActive {
			return models.StateDelivered
		}
		return models.StateAwaitingDelivery
	}

	resolved := false
	for _, vt := range vts {
		if vt.ConsumedAt != nil {
			resolved = true
			break
		}
	}

	if contractActive {
		if resolved {
			return models.StateResolved
		}
		return models.StateDelivered
	}

	// Contract archived. Expiry and acknowledgement both revoke outstanding
	// tokens, so the TTL distinguishes them.
	now := time.Now()
	for _, vt := range vts {
		if vt.ExpiresAt != nil && !vt.ExpiresAt.After(now) {
			return models.StateExpired
		}
	}
	return models.StateAcknowledged
}
