package keyring

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Keyring persistence. The exported blobs contain private key material
// and are meant for storage the identity's owner controls; nothing here
// encrypts them at rest.

type signKeyWire struct {
	Pub  string `json:"pubKey"`
	Priv string `json:"privKey"`
}

type boxKeyWire struct {
	Pub  string `json:"pubKey"`
	Priv string `json:"privKey"`
}

type groupKeyWire struct {
	Kind string       `json:"kind"`
	Sign *signKeyWire `json:"sign,omitempty"`
	Box  *boxKeyWire  `json:"box,omitempty"`
}

type rootKeyringWire struct {
	Sign signKeyWire `json:"sign"`
}

type longtermKeyringWire struct {
	RootPub  string                             `json:"rootPubKey"`
	Sign     signKeyWire                        `json:"sign"`
	Box      boxKeyWire                         `json:"box"`
	SignAuth AuthorizationWire                  `json:"signAuth"`
	BoxAuth  AuthorizationWire                  `json:"boxAuth"`
	Groups   map[string]map[string]groupKeyWire `json:"groups"`
}

func signKeyToWire(kp *SignKeyPair) signKeyWire {
	return signKeyWire{
		Pub:  hex.EncodeToString(kp.pub[:]),
		Priv: hex.EncodeToString(kp.priv[:]),
	}
}

func signKeyFromWire(w signKeyWire) (*SignKeyPair, error) {
	pub, err := decodeKeyHex(w.Pub)
	if err != nil {
		return nil, fmt.Errorf("sign pub: %w", err)
	}
	rawPriv, err := hex.DecodeString(w.Priv)
	if err != nil || len(rawPriv) != 64 {
		return nil, fmt.Errorf("keyring: malformed sign private key")
	}
	var priv [64]byte
	copy(priv[:], rawPriv)
	return &SignKeyPair{pub: &pub, priv: &priv}, nil
}

func boxKeyToWire(kp *BoxKeyPair) boxKeyWire {
	return boxKeyWire{
		Pub:  hex.EncodeToString(kp.pub[:]),
		Priv: hex.EncodeToString(kp.priv[:]),
	}
}

func boxKeyFromWire(w boxKeyWire) (*BoxKeyPair, error) {
	pub, err := decodeKeyHex(w.Pub)
	if err != nil {
		return nil, fmt.Errorf("box pub: %w", err)
	}
	priv, err := decodeKeyHex(w.Priv)
	if err != nil {
		return nil, fmt.Errorf("box priv: %w", err)
	}
	return &BoxKeyPair{pub: &pub, priv: &priv}, nil
}

// ExportRootKeyring serializes a root keyring, private half included.
func ExportRootKeyring(r *RootKeyring) ([]byte, error) {
	return json.Marshal(rootKeyringWire{Sign: signKeyToWire(r.sign)})
}

// ImportRootKeyring reconstructs a root keyring from its exported form.
func ImportRootKeyring(data []byte) (*RootKeyring, error) {
	var w rootKeyringWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode root keyring: %w", err)
	}
	sign, err := signKeyFromWire(w.Sign)
	if err != nil {
		return nil, fmt.Errorf("decode root keyring: %w", err)
	}
	return &RootKeyring{sign: sign}, nil
}

// ExportLongtermKeyring serializes a longterm keyring with its root
// authorizations and every delegated group, private halves included.
func ExportLongtermKeyring(l *LongtermKeyring) ([]byte, error) {
	groups := make(map[string]map[string]groupKeyWire, len(l.groups))
	for name, g := range l.groups {
		keys := make(map[string]groupKeyWire, len(g.keys))
		for keyName, gk := range g.keys {
			kw := groupKeyWire{Kind: gk.kind.String()}
			switch gk.kind {
			case KindSign:
				sw := signKeyToWire(gk.sign)
				kw.Sign = &sw
			case KindBox:
				bw := boxKeyToWire(gk.box)
				kw.Box = &bw
			}
			keys[keyName] = kw
		}
		groups[name] = keys
	}
	return json.Marshal(longtermKeyringWire{
		RootPub:  encodeKeyHex(l.rootPub),
		Sign:     signKeyToWire(l.sign),
		Box:      boxKeyToWire(l.box),
		SignAuth: l.signAuth.Wire(),
		BoxAuth:  l.boxAuth.Wire(),
		Groups:   groups,
	})
}

// ImportLongtermKeyring reconstructs a longterm keyring. The embedded
// root authorizations are verified against the recorded root key before
// the keyring becomes usable.
func ImportLongtermKeyring(data []byte) (*LongtermKeyring, error) {
	var w longtermKeyringWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode longterm keyring: %w", err)
	}
	rootPub, err := decodeKeyHex(w.RootPub)
	if err != nil {
		return nil, fmt.Errorf("decode longterm keyring: %w", err)
	}
	signKey, err := signKeyFromWire(w.Sign)
	if err != nil {
		return nil, fmt.Errorf("decode longterm keyring: %w", err)
	}
	boxKey, err := boxKeyFromWire(w.Box)
	if err != nil {
		return nil, fmt.Errorf("decode longterm keyring: %w", err)
	}
	signAuth, err := AuthorizationFromWire(w.SignAuth)
	if err != nil {
		return nil, fmt.Errorf("decode sign authorization: %w", err)
	}
	boxAuth, err := AuthorizationFromWire(w.BoxAuth)
	if err != nil {
		return nil, fmt.Errorf("decode box authorization: %w", err)
	}
	now := signAuth.IssuedAt()
	err = AssertLongtermKeypairIsAuthorized(
		signKey.Public(), KindSign, rootPub, now, signAuth, 0,
	)
	if err != nil {
		return nil, fmt.Errorf("keyring: stored sign authorization: %w", err)
	}
	err = AssertLongtermKeypairIsAuthorized(
		boxKey.Public(), KindBox, rootPub, boxAuth.IssuedAt(), boxAuth, 0,
	)
	if err != nil {
		return nil, fmt.Errorf("keyring: stored box authorization: %w", err)
	}

	groups := make(map[string]*KeyGroup, len(w.Groups))
	for name, keys := range w.Groups {
		group := &KeyGroup{name: name, keys: make(map[string]*GroupKey, len(keys))}
		for keyName, kw := range keys {
			switch kw.Kind {
			case KindSign.String():
				if kw.Sign == nil {
					return nil, fmt.Errorf(
						"keyring: group key %s/%s missing sign material", name, keyName,
					)
				}
				kp, err := signKeyFromWire(*kw.Sign)
				if err != nil {
					return nil, fmt.Errorf("group key %s/%s: %w", name, keyName, err)
				}
				group.keys[keyName] = &GroupKey{kind: KindSign, sign: kp}
			case KindBox.String():
				if kw.Box == nil {
					return nil, fmt.Errorf(
						"keyring: group key %s/%s missing box material", name, keyName,
					)
				}
				kp, err := boxKeyFromWire(*kw.Box)
				if err != nil {
					return nil, fmt.Errorf("group key %s/%s: %w", name, keyName, err)
				}
				group.keys[keyName] = &GroupKey{kind: KindBox, box: kp}
			default:
				return nil, fmt.Errorf(
					"keyring: group key %s/%s has unknown kind %q",
					name, keyName, kw.Kind,
				)
			}
		}
		groups[name] = group
	}

	return &LongtermKeyring{
		rootPub:  rootPub,
		sign:     signKey,
		box:      boxKey,
		signAuth: signAuth,
		boxAuth:  boxAuth,
		groups:   groups,
	}, nil
}
