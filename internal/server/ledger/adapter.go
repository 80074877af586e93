// Package ledger normalizes two incompatible protocol generations of the
// external privacy ledger behind one contract-operation interface. The
// implementation is selected once at startup; business code never branches
// on the generation.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/sealdrop/sealdrop/internal/server/config"
)

// Template names a contract template by module and entity. How the pair is
// qualified on the wire (package hash vs. package name) is a per-generation
// concern resolved inside the adapter.
type Template struct {
	Module string
	Entity string
}

func (t Template) String() string {
	return t.Module + ":" + t.Entity
}

// ContractRef is a normalized reference to a ledger contract.
//
// Degraded marks a generation-B create/exercise result whose response carried
// no creation event: only TransactionID is populated and the caller should
// log and continue, the write itself committed.
type ContractRef struct {
	ContractID    string
	Template      Template
	Payload       map[string]any
	TransactionID string
	Degraded      bool
}

// Identity is a ledger-scoped party reference.
type Identity struct {
	ID          string
	DisplayName string
}

// ReadCredential is a short-lived, read-only credential scoped to a single
// identity, handed to a client so it can fetch ciphertext directly from the
// ledger. The coordinator only guarantees it is short-lived and read-only;
// one-read enforcement belongs to the ledger.
type ReadCredential struct {
	Token     string
	Identity  string
	ExpiresAt time.Time
}

// Adapter is the single interface every component above uses to talk to the
// ledger, regardless of the configured protocol generation.
type Adapter interface {
	// CreateContract submits a contract write acting as the given identity
	// and returns the resulting reference.
	CreateContract(ctx context.Context, actingIdentity string, template Template, payload map[string]any) (*ContractRef, error)

	// ExerciseChoice exercises a choice on an existing contract.
	ExerciseChoice(ctx context.Context, actingIdentity string, template Template, contractID, choice string, args map[string]any) (*ContractRef, error)

	// QueryContracts returns the active contracts of the template visible to
	// identity whose payload fields equal every entry of filter. Filtering
	// happens server-side or client-side depending on the generation; callers
	// cannot tell the difference.
	QueryContracts(ctx context.Context, identity string, template Template, filter map[string]any) ([]*ContractRef, error)

	// FetchByKey performs a point lookup by contract key. Absence is
	// common.ErrorNotFound, not a transport error.
	FetchByKey(ctx context.Context, identity string, template Template, key map[string]any) (*ContractRef, error)

	// AllocateIdentity registers a new party on the ledger.
	AllocateIdentity(ctx context.Context, hint string) (*Identity, error)

	// ListIdentities returns all parties known to the ledger.
	ListIdentities(ctx context.Context) ([]*Identity, error)

	// MintReadCredential issues a read-only credential for identity valid
	// for ttl.
	MintReadCredential(identity string, ttl time.Duration) (*ReadCredential, error)

	// ResolveURL builds the URL a client uses to fetch a contract's payload
	// directly from the ledger with the given credential.
	ResolveURL(cred *ReadCredential, contractID string) string

	// Generation reports the configured protocol generation, for logs.
	Generation() string
}

// New selects the adapter implementation for the configured generation.
func New(cfg *config.Config) (Adapter, error) {
	switch cfg.LedgerGeneration {
	case "v1":
		return NewV1Client(cfg.LedgerBaseURL, []byte(cfg.SecretKey)), nil
	case "v2":
		return NewV2Client(cfg.LedgerBaseURL, cfg.LedgerAppToken, []byte(cfg.SecretKey)), nil
	default:
		return nil, fmt.Errorf("unknown ledger generation %q", cfg.LedgerGeneration)
	}
}
