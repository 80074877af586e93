// Package common defines shared constants and sentinel errors used across
// the coordinator. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors (generic/internal flow control).
	ErrorInternal   = errors.New("internal error")
	ErrorValidation = errors.New("validation error")

	// Token lifecycle errors. The four user-facing kinds below must render
	// identically on the wire; the distinction exists for logs and tests only.
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token expired")
	ErrTokenConsumed = errors.New("token already consumed")
	ErrTokenRevoked  = errors.New("token revoked")

	// Ledger errors. Unavailable is retryable by the caller, Rejected is not.
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	ErrLedgerRejected    = errors.New("ledger rejected request")

	// Identity errors.
	ErrUnknownIdentity = errors.New("unknown identity")

	// A primary-key collision on a freshly generated token means the entropy
	// source is broken. Never retried, never overwritten.
	ErrEntropyFailure = errors.New("token collision, entropy failure")
)
