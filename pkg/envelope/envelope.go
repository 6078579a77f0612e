// Package envelope implements the transit message cryptography: a payload
// boxed to the recipient's payload key, wrapped in a storage envelope boxed
// to the recipient's envelope key, authored by the sender's tell key. One
// nonce covers both boxes of a message instance and is never reused across
// messages.
package envelope

import (
	"errors"

	"github.com/deuxdrop/deuxdrop-go/pkg/keyring"
)

// CurrentVersion is the transit envelope format revision.
const CurrentVersion uint8 = 1

var (
	// ErrNotForMe indicates the envelope names a different recipient key.
	// Detected by hash comparison before any decryption is attempted.
	ErrNotForMe = errors.New("envelope: not addressed to this key")
	// ErrCryptoFailure indicates signature verification or box opening
	// failed; the peer is treated as hostile or the data as corrupted.
	ErrCryptoFailure = errors.New("envelope: crypto failure")
	// ErrBadVersion indicates an unsupported envelope format revision.
	ErrBadVersion = errors.New("envelope: unsupported version")
)

// MessagePayload is the participant-visible message content.
type MessagePayload struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

// StorageEnvelope is the mailstore-visible wrapper: conversation routing
// metadata plus the opaque encrypted payload.
type StorageEnvelope struct {
	ConvID           string `json:"convId"`
	ComposedAt       int64  `json:"composedAt"`
	EncryptedPayload []byte `json:"encryptedPayload"`
}

// TransitEnvelope is the outer wire form carried between servers. Body is
// the boxed StorageEnvelope; AuthorSig is the sender's detached tell-key
// signature over Body.
type TransitEnvelope struct {
	SenderHash string `json:"senderKeyHash"`
	RecipHash  string `json:"recipKeyHash"`
	Nonce      []byte `json:"nonce"`
	Version    uint8  `json:"version"`
	Body       []byte `json:"body"`
	AuthorSig  []byte `json:"authorSig"`
}

// Sender bundles the capability-limited keys a sender needs: the envelope
// and payload boxing keys and the tell authorship key. Restricted views
// keep the rest of the sender's keyring out of reach of this codec.
type Sender struct {
	EnvelopeKey keyring.LimitedKeyring
	PayloadKey  keyring.LimitedKeyring
	TellKey     keyring.LimitedKeyring
}

// NewSender builds a Sender from a keyring holding the messaging group.
func NewSender(kr interface {
	GroupKey(group, key string) (*keyring.GroupKey, error)
}) (*Sender, error) {
	envelopeKey, err := keyring.ExposeLimitedKeyringFor(kr, "messaging", "envelope")
	if err != nil {
		return nil, err
	}
	payloadKey, err := keyring.ExposeLimitedKeyringFor(kr, "messaging", "payload")
	if err != nil {
		return nil, err
	}
	tellKey, err := keyring.ExposeLimitedKeyringFor(kr, "messaging", "tell")
	if err != nil {
		return nil, err
	}
	return &Sender{
		EnvelopeKey: envelopeKey,
		PayloadKey:  payloadKey,
		TellKey:     tellKey,
	}, nil
}
