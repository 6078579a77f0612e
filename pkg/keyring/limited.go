package keyring

import (
	"fmt"
)

// LimitedKeyring exposes the operations of exactly one delegated key. It
// cannot enumerate sibling keys or reconstruct any other part of the
// keyring it was carved from.
type LimitedKeyring interface {
	// GroupName returns the group the exposed key belongs to.
	GroupName() string
	// KeyName returns the exposed key's name within its group.
	KeyName() string
	// Kind returns the exposed key's kind.
	Kind() KeyKind
	// PublicKey returns the exposed key's public half.
	PublicKey() [32]byte
	// Hash returns the KeyHash of the exposed key's public half.
	Hash() KeyHash
	// SignDetached signs data. Errors if the key is not a signing key.
	SignDetached(data []byte) ([]byte, error)
	// Seal box-encrypts msg to peerPub. Errors if not a boxing key.
	Seal(msg []byte, nonce *[24]byte, peerPub *[32]byte) ([]byte, error)
	// Open opens a box sealed by peerPub. Errors if not a boxing key.
	Open(sealed []byte, nonce *[24]byte, peerPub *[32]byte) ([]byte, error)
}

// keyView is the sole LimitedKeyring implementation. It holds a reference
// to one GroupKey and nothing else, so even reflection over the view
// reaches no sibling key material.
type keyView struct {
	group string
	key   string
	gk    *GroupKey
}

type groupKeyHolder interface {
	GroupKey(group, key string) (*GroupKey, error)
}

// ExposeLimitedKeyringFor returns a view of a single named key on the
// given keyring (longterm or delegated).
func ExposeLimitedKeyringFor(
	kr groupKeyHolder,
	group, key string,
) (LimitedKeyring, error) {
	gk, err := kr.GroupKey(group, key)
	if err != nil {
		return nil, err
	}
	return &keyView{group: group, key: key, gk: gk}, nil
}

func (v *keyView) GroupName() string {
	return v.group
}

func (v *keyView) KeyName() string {
	return v.key
}

func (v *keyView) Kind() KeyKind {
	return v.gk.kind
}

func (v *keyView) PublicKey() [32]byte {
	return v.gk.PublicKey()
}

func (v *keyView) Hash() KeyHash {
	return v.gk.Hash()
}

func (v *keyView) SignDetached(data []byte) ([]byte, error) {
	if v.gk.kind != KindSign {
		return nil, fmt.Errorf(
			"keyring: %s/%s is not a signing key", v.group, v.key,
		)
	}
	return v.gk.sign.SignDetached(data), nil
}

func (v *keyView) Seal(msg []byte, nonce *[24]byte, peerPub *[32]byte) ([]byte, error) {
	if v.gk.kind != KindBox {
		return nil, fmt.Errorf(
			"keyring: %s/%s is not a boxing key", v.group, v.key,
		)
	}
	return v.gk.box.Seal(msg, nonce, peerPub), nil
}

func (v *keyView) Open(sealed []byte, nonce *[24]byte, peerPub *[32]byte) ([]byte, error) {
	if v.gk.kind != KindBox {
		return nil, fmt.Errorf(
			"keyring: %s/%s is not a boxing key", v.group, v.key,
		)
	}
	return v.gk.box.Open(sealed, nonce, peerPub)
}
