package keyring

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrUnknownGroup indicates the named key group is not on the keyring.
	ErrUnknownGroup = errors.New("keyring: unknown key group")
	// ErrUnknownKey indicates the named key is not in the group.
	ErrUnknownKey = errors.New("keyring: unknown key in group")
)

// RootKeyring exclusively owns an identity's root signing keypair. It is
// used only to authorize longterm keyrings and sign server self-idents;
// it is never transmitted or exposed through a limited view.
type RootKeyring struct {
	sign *SignKeyPair
}

// NewRootKeyring generates a fresh root keyring.
func NewRootKeyring() (*RootKeyring, error) {
	kp, err := NewSignKeyPair()
	if err != nil {
		return nil, fmt.Errorf("create root keyring: %w", err)
	}
	return &RootKeyring{sign: kp}, nil
}

// PublicKey returns the root public signing key.
func (r *RootKeyring) PublicKey() [32]byte {
	return r.sign.Public()
}

// Hash returns the KeyHash of the root public key.
func (r *RootKeyring) Hash() KeyHash {
	return r.sign.Hash()
}

// SignDetached signs data under the root key. Reserved for the few
// root-level operations (longterm issuance, server self-idents).
func (r *RootKeyring) SignDetached(data []byte) []byte {
	return r.sign.SignDetached(data)
}

// IssueLongtermKeyring generates a longterm keyring and the root-signed
// authorizations binding its sign and box keys to this root.
func (r *RootKeyring) IssueLongtermKeyring() (*LongtermKeyring, error) {
	signKey, err := NewSignKeyPair()
	if err != nil {
		return nil, fmt.Errorf("issue longterm keyring: %w", err)
	}
	boxKey, err := NewBoxKeyPair()
	if err != nil {
		return nil, fmt.Errorf("issue longterm keyring: %w", err)
	}
	now := time.Now().UTC()
	signAuth, err := newKeyAuthorization(r.sign, signKey.Public(), KindSign, now)
	if err != nil {
		return nil, fmt.Errorf("authorize longterm sign key: %w", err)
	}
	boxAuth, err := newKeyAuthorization(r.sign, boxKey.Public(), KindBox, now)
	if err != nil {
		return nil, fmt.Errorf("authorize longterm box key: %w", err)
	}
	return &LongtermKeyring{
		rootPub:  r.PublicKey(),
		sign:     signKey,
		box:      boxKey,
		signAuth: signAuth,
		boxAuth:  boxAuth,
		groups:   make(map[string]*KeyGroup),
	}, nil
}

// LongtermKeyring is the day-to-day signing identity authorized once by a
// root key. It signs self-idents and issues delegated key groups.
type LongtermKeyring struct {
	rootPub  [32]byte
	sign     *SignKeyPair
	box      *BoxKeyPair
	signAuth *KeyAuthorization
	boxAuth  *KeyAuthorization
	groups   map[string]*KeyGroup
}

// RootPublicKey returns the root key that authorized this keyring.
func (l *LongtermKeyring) RootPublicKey() [32]byte {
	return l.rootPub
}

// PublicKey returns the longterm public signing key.
func (l *LongtermKeyring) PublicKey() [32]byte {
	return l.sign.Public()
}

// Hash returns the KeyHash of the longterm public signing key.
func (l *LongtermKeyring) Hash() KeyHash {
	return l.sign.Hash()
}

// SignAuthorization returns the root attestation for the sign key.
func (l *LongtermKeyring) SignAuthorization() *KeyAuthorization {
	return l.signAuth
}

// BoxAuthorization returns the root attestation for the box key.
func (l *LongtermKeyring) BoxAuthorization() *KeyAuthorization {
	return l.boxAuth
}

// SignDetached signs data under the longterm key.
func (l *LongtermKeyring) SignDetached(data []byte) []byte {
	return l.sign.SignDetached(data)
}

// KeyGroup is a named set of purpose-scoped keys issued under a longterm
// keyring, e.g. messaging: {envelope: box, payload: box, announce: sign,
// tell: sign}.
type KeyGroup struct {
	name string
	keys map[string]*GroupKey
}

// GroupKey is a single purpose-scoped key inside a group.
type GroupKey struct {
	kind KeyKind
	sign *SignKeyPair
	box  *BoxKeyPair
}

// Kind returns the key's kind.
func (g *GroupKey) Kind() KeyKind {
	return g.kind
}

// PublicKey returns the key's public half.
func (g *GroupKey) PublicKey() [32]byte {
	if g.kind == KindSign {
		return g.sign.Public()
	}
	return g.box.Public()
}

// Hash returns the KeyHash of the public half.
func (g *GroupKey) Hash() KeyHash {
	return HashBytes(pubBytes(g))
}

func pubBytes(g *GroupKey) []byte {
	pub := g.PublicKey()
	return pub[:]
}

// Name returns the group name.
func (kg *KeyGroup) Name() string {
	return kg.name
}

// KeyNames returns the sorted names of the keys in the group.
func (kg *KeyGroup) KeyNames() []string {
	names := make([]string, 0, len(kg.keys))
	for name := range kg.keys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PublicKeys returns the public halves of every key in the group, keyed by
// key name, hex encoded. This is what a self-ident publishes.
func (kg *KeyGroup) PublicKeys() map[string]string {
	out := make(map[string]string, len(kg.keys))
	for name, k := range kg.keys {
		pub := k.PublicKey()
		out[name] = encodeKeyHex(pub)
	}
	return out
}

// IssueKeyGroup generates a named group of purpose-scoped keys on this
// longterm keyring. purposes maps key name to key kind.
func (l *LongtermKeyring) IssueKeyGroup(
	name string,
	purposes map[string]KeyKind,
) (*KeyGroup, error) {
	if name == "" {
		return nil, errors.New("keyring: group name must not be empty")
	}
	if len(purposes) == 0 {
		return nil, errors.New("keyring: group must contain at least one key")
	}
	if _, exists := l.groups[name]; exists {
		return nil, fmt.Errorf("keyring: group %q already issued", name)
	}
	group := &KeyGroup{
		name: name,
		keys: make(map[string]*GroupKey, len(purposes)),
	}
	for keyName, kind := range purposes {
		switch kind {
		case KindSign:
			kp, err := NewSignKeyPair()
			if err != nil {
				return nil, fmt.Errorf("issue group key %q: %w", keyName, err)
			}
			group.keys[keyName] = &GroupKey{kind: KindSign, sign: kp}
		case KindBox:
			kp, err := NewBoxKeyPair()
			if err != nil {
				return nil, fmt.Errorf("issue group key %q: %w", keyName, err)
			}
			group.keys[keyName] = &GroupKey{kind: KindBox, box: kp}
		default:
			return nil, fmt.Errorf(
				"keyring: invalid kind for group key %q", keyName,
			)
		}
	}
	l.groups[name] = group
	return group, nil
}

// Group returns the named key group.
func (l *LongtermKeyring) Group(name string) (*KeyGroup, error) {
	group, ok := l.groups[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGroup, name)
	}
	return group, nil
}

// GroupKey returns the named key in the named group.
func (l *LongtermKeyring) GroupKey(group, key string) (*GroupKey, error) {
	kg, err := l.Group(group)
	if err != nil {
		return nil, err
	}
	gk, ok := kg.keys[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q in group %q", ErrUnknownKey, key, group)
	}
	return gk, nil
}

// DelegatedKeyring carries only delegated key groups; it cannot sign as
// the longterm identity or reach the root.
type DelegatedKeyring struct {
	rootPub     [32]byte
	longtermPub [32]byte
	groups      map[string]*KeyGroup
}

// MakeDelegatedKeyring narrows a longterm keyring to its delegated groups.
func MakeDelegatedKeyring(l *LongtermKeyring) *DelegatedKeyring {
	groups := make(map[string]*KeyGroup, len(l.groups))
	for name, g := range l.groups {
		groups[name] = g
	}
	return &DelegatedKeyring{
		rootPub:     l.rootPub,
		longtermPub: l.PublicKey(),
		groups:      groups,
	}
}

// GroupKey returns the named key in the named group.
func (d *DelegatedKeyring) GroupKey(group, key string) (*GroupKey, error) {
	kg, ok := d.groups[group]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGroup, group)
	}
	gk, ok := kg.keys[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q in group %q", ErrUnknownKey, key, group)
	}
	return gk, nil
}

func encodeKeyHex(pub [32]byte) string {
	return hex.EncodeToString(pub[:])
}

func decodeKeyHex(s string) ([32]byte, error) {
	var out [32]byte
	if len(s) != 64 {
		return out, fmt.Errorf("invalid key hex length: %d", len(s))
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("decode key hex: %w", err)
	}
	copy(out[:], decoded)
	return out, nil
}
