// Package keyring implements the deuxdrop identity key hierarchy: a
// rarely-used root signing key authorizes a longterm signing key, which in
// turn issues named groups of purpose-scoped keys. Keyrings can be narrowed
// to capability-limited views that expose a single key's operations.
package keyring

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// KeyHash is a SHA-256 hash identifying a public key. It is the value
// exchanged on the wire wherever a party is named by key.
type KeyHash [sha256.Size]byte

// HashPublicKey computes the KeyHash of 32-byte public key material.
func HashPublicKey(pub *[32]byte) KeyHash {
	return KeyHash(sha256.Sum256(pub[:]))
}

// HashBytes computes the SHA-256 hash of the given data.
func HashBytes(data []byte) KeyHash {
	return KeyHash(sha256.Sum256(data))
}

// HashHexadecimal parses a 64-character hex string into a KeyHash.
func HashHexadecimal(s string) (KeyHash, error) {
	if len(s) != sha256.Size*2 {
		return KeyHash{}, fmt.Errorf(
			"invalid hex length: expected %d, got %d",
			sha256.Size*2, len(s),
		)
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return KeyHash{}, fmt.Errorf("decode hex: %w", err)
	}
	var h KeyHash
	copy(h[:], decoded)
	return h, nil
}

// Equal returns true if this hash equals the other hash.
func (h KeyHash) Equal(other KeyHash) bool {
	return subtle.ConstantTimeCompare(h[:], other[:]) == 1
}

// IsZero returns true if this hash is the zero value.
func (h KeyHash) IsZero() bool {
	return h == KeyHash{}
}

// String returns the hexadecimal representation of the hash.
func (h KeyHash) String() string {
	return hex.EncodeToString(h[:])
}

// Hex is an alias for String.
func (h KeyHash) Hex() string {
	return h.String()
}
