// Package notify defines the contract to the external notification platform
// and a webhook-backed implementation. Every call site treats delivery as
// best-effort: a failed notification never rolls back token or ledger state.
package notify

import "context"

// MessageRef identifies a posted notification so it can be updated in place.
type MessageRef string

// Renderable carries everything needed to draw (or redraw) a delivery
// notification. It is captured once at registration; the payload itself is
// never consulted when re-rendering.
type Renderable struct {
	Label         string `json:"label"`
	SenderDisplay string `json:"sender_display"`
	Description   string `json:"description"`
	ResolveLink   string `json:"resolve_link"`
	Countdown     string `json:"countdown,omitempty"`
	Expired       bool   `json:"expired"`
}

// Notifier posts and refreshes delivery notifications.
type Notifier interface {
	// PostNotification delivers a new notification to the identity and
	// returns a reference for later updates.
	PostNotification(ctx context.Context, identity string, r Renderable) (MessageRef, error)

	// UpdateNotification redraws a previously posted notification.
	UpdateNotification(ctx context.Context, ref MessageRef, r Renderable) error
}
