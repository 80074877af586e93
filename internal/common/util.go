package common

import (
	"crypto/rand"
	"encoding/hex"
)

// TokenByteLength is the number of random bytes in an access token.
// Hex encoding doubles it on the wire.
const TokenByteLength = 32

// MakeRandHexString generates size random bytes and returns them hex-encoded,
// so the resulting string is 2*size characters long.
//
// It returns an error if the random number generator fails.
func MakeRandHexString(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// IsHexToken reports whether s looks like a well-formed access token:
// exactly 2*TokenByteLength lowercase hex characters. Malformed tokens are
// rejected before any storage lookup.
func IsHexToken(s string) bool {
	if len(s) != 2*TokenByteLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
