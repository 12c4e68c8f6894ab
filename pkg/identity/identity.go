// Package identity provides the party identity type used across the
// purchase ledger, derived from signing public key material.
package identity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/i5heu/ouroboros-crypt/pkg/keys"
)

// Identity is a fixed-size party identifier, the SHA-256 of the
// party's signing public key. The zero value is the null identity
// and is never a valid role holder.
type Identity [sha256.Size]byte

// FromPublicKey derives the Identity for a signing public key.
func FromPublicKey(pub *keys.PublicKey) (Identity, error) {
	if pub == nil {
		return Identity{}, fmt.Errorf("public key must not be nil")
	}
	signBytes, err := pub.MarshalBinarySign()
	if err != nil {
		return Identity{}, fmt.Errorf("marshal sign key: %w", err)
	}
	return Identity(sha256.Sum256(signBytes)), nil
}

// FromHex parses a 64-character hex string into an Identity.
func FromHex(s string) (Identity, error) {
	if len(s) != sha256.Size*2 {
		return Identity{}, fmt.Errorf(
			"invalid hex length: expected %d, got %d",
			sha256.Size*2, len(s),
		)
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return Identity{}, fmt.Errorf("decode hex: %w", err)
	}
	var id Identity
	copy(id[:], decoded)
	return id, nil
}

// Equal returns true if both identities match. Comparison is
// constant-time.
func (id Identity) Equal(other Identity) bool {
	return subtle.ConstantTimeCompare(id[:], other[:]) == 1
}

// IsZero returns true for the null identity.
func (id Identity) IsZero() bool {
	return id == Identity{}
}

// Hex returns the lowercase hex representation.
func (id Identity) Hex() string {
	return hex.EncodeToString(id[:])
}

// String implements fmt.Stringer with a shortened form for logs.
func (id Identity) String() string {
	return id.Hex()[:12]
}
