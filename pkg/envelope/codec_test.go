package envelope

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deuxdrop/deuxdrop-go/pkg/ident"
	"github.com/deuxdrop/deuxdrop-go/pkg/keyring"
)

type party struct {
	longterm *keyring.LongtermKeyring
	ident    *ident.PersonSelfIdent
	sender   *Sender
}

func newParty(t *testing.T, name string) *party {
	t.Helper()
	serverRoot, err := keyring.NewRootKeyring()
	require.NoError(t, err)
	serverBox, err := keyring.NewBoxKeyPair()
	require.NoError(t, err)
	serverBlob, err := ident.SignServerSelfIdent(serverRoot, serverBox.Public(), ident.ServerInfo{
		Tag: "transit", Host: name + ".example.org", Port: 8765,
	})
	require.NoError(t, err)

	root, err := keyring.NewRootKeyring()
	require.NoError(t, err)
	longterm, err := root.IssueLongtermKeyring()
	require.NoError(t, err)
	messaging, err := longterm.IssueKeyGroup("messaging", map[string]keyring.KeyKind{
		"envelope": keyring.KindBox,
		"payload":  keyring.KindBox,
		"announce": keyring.KindSign,
		"tell":     keyring.KindSign,
	})
	require.NoError(t, err)

	blob, err := ident.SignPersonSelfIdent(longterm, ident.PersonParams{
		Poco:              map[string]string{"displayName": name},
		Messaging:         messaging,
		TransitServerBlob: serverBlob,
	})
	require.NoError(t, err)
	verified, err := ident.VerifyPersonSelfIdent(blob, 0)
	require.NoError(t, err)

	sender, err := NewSender(longterm)
	require.NoError(t, err)

	return &party{longterm: longterm, ident: verified, sender: sender}
}

func limitedKey(t *testing.T, p *party, key string) keyring.LimitedKeyring {
	t.Helper()
	view, err := keyring.ExposeLimitedKeyringFor(p.longterm, "messaging", key)
	require.NoError(t, err)
	return view
}

func TestTransitMessageRoundTrip(t *testing.T) {
	alice := newParty(t, "alice")
	bob := newParty(t, "bob")

	composedAt := time.Now().UnixMilli()
	te, err := EncryptTransitMessage(
		alice.sender,
		StorageEnvelope{ConvID: "conv-1", ComposedAt: composedAt},
		MessagePayload{Subject: "hi", Body: "hello bob"},
		bob.ident,
	)
	require.NoError(t, err)
	require.Equal(t, CurrentVersion, te.Version)
	require.Len(t, te.Nonce, 24)

	env, err := DecryptEnvelope(limitedKey(t, bob, "envelope"), te, alice.ident)
	require.NoError(t, err)
	require.Equal(t, "conv-1", env.ConvID)
	require.Equal(t, composedAt, env.ComposedAt)

	payload, err := DecryptPayload(limitedKey(t, bob, "payload"), env, te.Nonce, alice.ident)
	require.NoError(t, err)
	require.Equal(t, "hello bob", payload.Body)
	require.Equal(t, "hi", payload.Subject)
}

func TestEnvelopeNotForMe(t *testing.T) {
	alice := newParty(t, "alice")
	bob := newParty(t, "bob")
	carol := newParty(t, "carol")

	te, err := EncryptTransitMessage(
		alice.sender,
		StorageEnvelope{ConvID: "conv-1", ComposedAt: 1},
		MessagePayload{Body: "for bob only"},
		bob.ident,
	)
	require.NoError(t, err)

	_, err = DecryptEnvelope(limitedKey(t, carol, "envelope"), te, alice.ident)
	require.ErrorIs(t, err, ErrNotForMe)
}

func TestEnvelopeTamperDetection(t *testing.T) {
	alice := newParty(t, "alice")
	bob := newParty(t, "bob")

	te, err := EncryptTransitMessage(
		alice.sender,
		StorageEnvelope{ConvID: "conv-1", ComposedAt: 1},
		MessagePayload{Body: "original"},
		bob.ident,
	)
	require.NoError(t, err)

	env, err := DecryptEnvelope(limitedKey(t, bob, "envelope"), te, alice.ident)
	require.NoError(t, err)

	// Flip every byte position of the encrypted payload in turn; each
	// flip must surface as a crypto failure, never corrupted plaintext.
	for i := 0; i < len(env.EncryptedPayload); i += 7 {
		mutated := *env
		mutated.EncryptedPayload = make([]byte, len(env.EncryptedPayload))
		copy(mutated.EncryptedPayload, env.EncryptedPayload)
		mutated.EncryptedPayload[i] ^= 0x01

		_, err := DecryptPayload(limitedKey(t, bob, "payload"), &mutated, te.Nonce, alice.ident)
		if !errors.Is(err, ErrCryptoFailure) {
			t.Fatalf("byte %d: expected ErrCryptoFailure, got %v", i, err)
		}
	}
}

func TestEnvelopeBodyTamperClosesSignature(t *testing.T) {
	alice := newParty(t, "alice")
	bob := newParty(t, "bob")

	te, err := EncryptTransitMessage(
		alice.sender,
		StorageEnvelope{ConvID: "conv-1", ComposedAt: 1},
		MessagePayload{Body: "original"},
		bob.ident,
	)
	require.NoError(t, err)

	te.Body[0] ^= 0x01
	_, err = DecryptEnvelope(limitedKey(t, bob, "envelope"), te, alice.ident)
	require.ErrorIs(t, err, ErrCryptoFailure)
}

func TestEnvelopeWrongAuthor(t *testing.T) {
	alice := newParty(t, "alice")
	bob := newParty(t, "bob")
	mallory := newParty(t, "mallory")

	te, err := EncryptTransitMessage(
		alice.sender,
		StorageEnvelope{ConvID: "conv-1", ComposedAt: 1},
		MessagePayload{Body: "hello"},
		bob.ident,
	)
	require.NoError(t, err)

	// Claiming mallory authored alice's envelope must fail signature
	// verification before any box is opened.
	_, err = DecryptEnvelope(limitedKey(t, bob, "envelope"), te, mallory.ident)
	require.ErrorIs(t, err, ErrCryptoFailure)
}
