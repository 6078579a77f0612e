package keyring

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/sign"
)

// KeyKind distinguishes signing keys from boxing keys.
type KeyKind uint8

const (
	// KindSign is an ed25519-style signing key.
	KindSign KeyKind = iota + 1
	// KindBox is a curve25519 public-key-encryption key.
	KindBox
)

// String returns the textual kind name.
func (k KeyKind) String() string {
	switch k {
	case KindSign:
		return "sign"
	case KindBox:
		return "box"
	default:
		return "unknown"
	}
}

var (
	// ErrBadSignature indicates a detached signature did not verify.
	ErrBadSignature = errors.New("keyring: signature verification failed")
	// ErrBoxOpenFailed indicates an authenticated box failed to open.
	ErrBoxOpenFailed = errors.New("keyring: box open failed")
)

// SignKeyPair holds an asymmetric signing keypair. The private half never
// leaves the keyring that owns it.
type SignKeyPair struct {
	pub  *[32]byte
	priv *[64]byte
}

// NewSignKeyPair generates a fresh signing keypair.
func NewSignKeyPair() (*SignKeyPair, error) {
	pub, priv, err := sign.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate sign keypair: %w", err)
	}
	return &SignKeyPair{pub: pub, priv: priv}, nil
}

// Public returns a copy of the public key.
func (kp *SignKeyPair) Public() [32]byte {
	return *kp.pub
}

// Hash returns the KeyHash of the public key.
func (kp *SignKeyPair) Hash() KeyHash {
	return HashPublicKey(kp.pub)
}

// SignDetached produces a detached 64-byte signature over data.
func (kp *SignKeyPair) SignDetached(data []byte) []byte {
	signed := sign.Sign(nil, data, kp.priv)
	sig := make([]byte, signatureSize)
	copy(sig, signed[:signatureSize])
	return sig
}

const signatureSize = 64

// VerifyDetached checks a detached signature against data under pub.
func VerifyDetached(pub *[32]byte, data, sig []byte) error {
	if len(sig) != signatureSize {
		return fmt.Errorf(
			"keyring: signature must be %d bytes, got %d",
			signatureSize, len(sig),
		)
	}
	signed := make([]byte, 0, len(sig)+len(data))
	signed = append(signed, sig...)
	signed = append(signed, data...)
	if _, ok := sign.Open(nil, signed, pub); !ok {
		return ErrBadSignature
	}
	return nil
}

// BoxKeyPair holds a curve25519 keypair for public-key authenticated
// encryption.
type BoxKeyPair struct {
	pub  *[32]byte
	priv *[32]byte
}

// NewBoxKeyPair generates a fresh boxing keypair.
func NewBoxKeyPair() (*BoxKeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate box keypair: %w", err)
	}
	return &BoxKeyPair{pub: pub, priv: priv}, nil
}

// Public returns a copy of the public key.
func (kp *BoxKeyPair) Public() [32]byte {
	return *kp.pub
}

// Hash returns the KeyHash of the public key.
func (kp *BoxKeyPair) Hash() KeyHash {
	return HashPublicKey(kp.pub)
}

// Seal box-encrypts msg to peerPub under nonce, authenticated by this
// keypair's private half.
func (kp *BoxKeyPair) Seal(msg []byte, nonce *[24]byte, peerPub *[32]byte) []byte {
	return box.Seal(nil, msg, nonce, peerPub, kp.priv)
}

// Open authenticates and decrypts a box sealed by peerPub for this keypair.
func (kp *BoxKeyPair) Open(sealed []byte, nonce *[24]byte, peerPub *[32]byte) ([]byte, error) {
	opened, ok := box.Open(nil, sealed, nonce, peerPub, kp.priv)
	if !ok {
		return nil, ErrBoxOpenFailed
	}
	return opened, nil
}

// NewNonce returns 24 fresh random nonce bytes.
func NewNonce() (*[24]byte, error) {
	var n [24]byte
	if _, err := rand.Read(n[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return &n, nil
}
