package models

import "time"

// ViewToken is a single-use credential authorizing one resolution of a
// delivered payload's ledger reference. ExpiresAt mirrors the payload's own
// TTL (nil means no TTL). Consumption and revocation are independent flags:
// once either is set the token is permanently unusable.
type ViewToken struct {
	Token      string
	DeliveryID string
	Recipient  string
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	ConsumedAt *time.Time
	Revoked    bool
}
