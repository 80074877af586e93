package models

import "time"

// SendToken is a single-use credential authorizing the submission of one
// encrypted payload for a fixed sender/recipient/label triple. ConsumedAt is
// set exactly once; a consumed token is never valid again.
type SendToken struct {
	Token      string
	Sender     string
	Recipient  string
	Label      string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}
