package keyring

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const currentAuthVersion uint8 = 1

var (
	// ErrNotAuthorized indicates the longterm key has no valid root-signed
	// authorization for the checked use and timestamp.
	ErrNotAuthorized = errors.New("keyring: longterm key not authorized")
	// ErrAuthorizationExpired indicates the authorization exists but the
	// checked timestamp falls outside the configured validity window.
	ErrAuthorizationExpired = errors.New("keyring: authorization outside validity window")
)

// KeyAuthorization is the root key's attestation that a longterm key may
// act for the identity. It binds the longterm public key, the root public
// key, the authorized use, and the issue time under a root signature.
type KeyAuthorization struct {
	authVersion uint8
	longtermPub [32]byte
	rootPub     [32]byte
	use         KeyKind
	issuedAt    time.Time
	sig         []byte
}

// LongtermPub returns the authorized longterm public key.
func (a *KeyAuthorization) LongtermPub() [32]byte {
	return a.longtermPub
}

// RootPub returns the issuing root public key.
func (a *KeyAuthorization) RootPub() [32]byte {
	return a.rootPub
}

// Use returns the authorized key use.
func (a *KeyAuthorization) Use() KeyKind {
	return a.use
}

// IssuedAt returns the issue timestamp.
func (a *KeyAuthorization) IssuedAt() time.Time {
	return a.issuedAt
}

// Sig returns a copy of the detached root signature.
func (a *KeyAuthorization) Sig() []byte {
	out := make([]byte, len(a.sig))
	copy(out, a.sig)
	return out
}

// canonicalAuthPayload produces the byte string the root key signs.
// Layout: [1B version][32B longterm pub][32B root pub][1B use]
// [8B issuedAt unix-millis big-endian].
func canonicalAuthPayload(
	version uint8,
	longtermPub, rootPub [32]byte,
	use KeyKind,
	issuedAt time.Time,
) []byte {
	buf := make([]byte, 0, 1+32+32+1+8)
	buf = append(buf, version)
	buf = append(buf, longtermPub[:]...)
	buf = append(buf, rootPub[:]...)
	buf = append(buf, byte(use))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(issuedAt.UnixMilli()))
	buf = append(buf, ts[:]...)
	return buf
}

// newKeyAuthorization issues an authorization under the given root keypair.
func newKeyAuthorization(
	root *SignKeyPair,
	longtermPub [32]byte,
	use KeyKind,
	issuedAt time.Time,
) (*KeyAuthorization, error) {
	if use != KindSign && use != KindBox {
		return nil, fmt.Errorf("invalid key use: %d", use)
	}
	rootPub := root.Public()
	payload := canonicalAuthPayload(
		currentAuthVersion, longtermPub, rootPub, use, issuedAt,
	)
	return &KeyAuthorization{
		authVersion: currentAuthVersion,
		longtermPub: longtermPub,
		rootPub:     rootPub,
		use:         use,
		issuedAt:    issuedAt.UTC(),
		sig:         root.SignDetached(payload),
	}, nil
}

// AssertLongtermKeypairIsAuthorized verifies that auth is a well-formed,
// root-signed attestation binding longtermPub to rootPub for the given use,
// and that at falls inside the validity window when maxAge is non-zero.
// A maxAge of zero means the authorization does not expire.
//
// Any structural defect or signature mismatch fails closed with an error;
// a usable key chain is never derived from a bad authorization.
func AssertLongtermKeypairIsAuthorized(
	longtermPub [32]byte,
	use KeyKind,
	rootPub [32]byte,
	at time.Time,
	auth *KeyAuthorization,
	maxAge time.Duration,
) error {
	if auth == nil {
		return fmt.Errorf("%w: no authorization present", ErrNotAuthorized)
	}
	if auth.authVersion != currentAuthVersion {
		return fmt.Errorf(
			"%w: unsupported authorization version %d",
			ErrNotAuthorized, auth.authVersion,
		)
	}
	if auth.longtermPub != longtermPub {
		return fmt.Errorf("%w: longterm key mismatch", ErrNotAuthorized)
	}
	if auth.rootPub != rootPub {
		return fmt.Errorf("%w: root key mismatch", ErrNotAuthorized)
	}
	if auth.use != use {
		return fmt.Errorf(
			"%w: authorization is for %s use, not %s",
			ErrNotAuthorized, auth.use, use,
		)
	}
	payload := canonicalAuthPayload(
		auth.authVersion, auth.longtermPub, auth.rootPub,
		auth.use, auth.issuedAt,
	)
	if err := VerifyDetached(&rootPub, payload, auth.sig); err != nil {
		return fmt.Errorf("%w: %w", ErrNotAuthorized, err)
	}
	if at.Before(auth.issuedAt) {
		return fmt.Errorf(
			"%w: checked time precedes issue time", ErrAuthorizationExpired,
		)
	}
	if maxAge > 0 && at.After(auth.issuedAt.Add(maxAge)) {
		return ErrAuthorizationExpired
	}
	return nil
}

// AuthorizationWire is the stable JSON form of a KeyAuthorization.
type AuthorizationWire struct {
	Version     uint8  `json:"version"`
	LongtermPub string `json:"longtermPubKey"`
	RootPub     string `json:"rootPubKey"`
	Use         string `json:"use"`
	IssuedAt    int64  `json:"issuedAt"`
	Sig         []byte `json:"sig"`
}

// Wire converts the authorization to its JSON-codable form.
func (a *KeyAuthorization) Wire() AuthorizationWire {
	return AuthorizationWire{
		Version:     a.authVersion,
		LongtermPub: encodeKeyHex(a.longtermPub),
		RootPub:     encodeKeyHex(a.rootPub),
		Use:         a.use.String(),
		IssuedAt:    a.issuedAt.UnixMilli(),
		Sig:         a.Sig(),
	}
}

// AuthorizationFromWire reconstructs a KeyAuthorization from its wire form.
func AuthorizationFromWire(w AuthorizationWire) (*KeyAuthorization, error) {
	longterm, err := decodeKeyHex(w.LongtermPub)
	if err != nil {
		return nil, fmt.Errorf("longterm pub: %w", err)
	}
	root, err := decodeKeyHex(w.RootPub)
	if err != nil {
		return nil, fmt.Errorf("root pub: %w", err)
	}
	var use KeyKind
	switch w.Use {
	case KindSign.String():
		use = KindSign
	case KindBox.String():
		use = KindBox
	default:
		return nil, fmt.Errorf("unknown key use %q", w.Use)
	}
	if len(w.Sig) != signatureSize {
		return nil, fmt.Errorf(
			"signature must be %d bytes, got %d", signatureSize, len(w.Sig),
		)
	}
	sig := make([]byte, signatureSize)
	copy(sig, w.Sig)
	return &KeyAuthorization{
		authVersion: w.Version,
		longtermPub: longterm,
		rootPub:     root,
		use:         use,
		issuedAt:    time.UnixMilli(w.IssuedAt).UTC(),
		sig:         sig,
	}, nil
}
