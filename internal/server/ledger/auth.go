package ledger

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ledgerClaims is the claim set both generations' tokens carry. Generation A
// authenticates every call with a per-identity token (ActAs populated);
// read credentials for either generation are ReadAs-only.
type ledgerClaims struct {
	jwt.RegisteredClaims
	ActAs  []string `json:"actAs,omitempty"`
	ReadAs []string `json:"readAs,omitempty"`
}

// mintPartyToken signs an HS256 token allowing the identity to act on the
// ledger for validity. Used by the generation-A client on every call.
func mintPartyToken(secret []byte, identity string, validity time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, ledgerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(validity)),
		},
		ActAs:  []string{identity},
		ReadAs: []string{identity},
	})
	return token.SignedString(secret)
}

// mintReadOnlyToken signs an HS256 token that can only read as the identity.
// This backs the resolution credential handed to clients.
func mintReadOnlyToken(secret []byte, identity string, validity time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, ledgerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(validity)),
		},
		ReadAs: []string{identity},
	})
	return token.SignedString(secret)
}
