package models

import "time"

// Delivery describes one payload transfer attempt. ID is the ledger contract
// identifier assigned on creation; the ciphertext itself is custodied by the
// ledger and never stored here.
type Delivery struct {
	ID          string
	Sender      string
	Recipient   string
	Label       string
	Description string
	CreatedAt   time.Time
	ExpiresAt   *time.Time
}

// DeliveryState is the derived position of a delivery in its lifecycle. It is
// never persisted: it is computed from ledger existence plus local token state.
type DeliveryState string

const (
	StatePending          DeliveryState = "pending"
	StateAwaitingDelivery DeliveryState = "awaiting_delivery"
	StateDelivered        DeliveryState = "delivered"
	StateResolved         DeliveryState = "resolved"
	StateAcknowledged     DeliveryState = "acknowledged"
	StateExpired          DeliveryState = "expired"
	StateInvalid          DeliveryState = "invalid"
)
