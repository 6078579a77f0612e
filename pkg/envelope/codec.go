package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/deuxdrop/deuxdrop-go/pkg/ident"
	"github.com/deuxdrop/deuxdrop-go/pkg/keyring"
)

// EncryptTransitMessage serializes payload, boxes it to the recipient's
// payload key under a fresh nonce, embeds the result in env, and boxes the
// whole envelope to the recipient's envelope key under the same nonce. The
// outer body carries a detached signature by the sender's tell key.
func EncryptTransitMessage(
	sender *Sender,
	env StorageEnvelope,
	payload MessagePayload,
	recip *ident.PersonSelfIdent,
) (*TransitEnvelope, error) {
	nonce, err := keyring.NewNonce()
	if err != nil {
		return nil, err
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	env.EncryptedPayload, err = sender.PayloadKey.Seal(
		payloadBytes, nonce, &recip.PayloadPub,
	)
	if err != nil {
		return nil, fmt.Errorf("box payload: %w", err)
	}

	envBytes, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal storage envelope: %w", err)
	}
	body, err := sender.EnvelopeKey.Seal(envBytes, nonce, &recip.EnvelopePub)
	if err != nil {
		return nil, fmt.Errorf("box envelope: %w", err)
	}

	sig, err := sender.TellKey.SignDetached(body)
	if err != nil {
		return nil, fmt.Errorf("sign envelope: %w", err)
	}

	return &TransitEnvelope{
		SenderHash: sender.TellKey.Hash().Hex(),
		RecipHash:  keyring.HashBytes(recip.EnvelopePub[:]).Hex(),
		Nonce:      nonce[:],
		Version:    CurrentVersion,
		Body:       body,
		AuthorSig:  sig,
	}, nil
}

// IsForKey reports whether the transit envelope names the given recipient
// envelope key. This check runs before any decryption; a mismatch is a
// routing outcome, not a crypto failure.
func (te *TransitEnvelope) IsForKey(h keyring.KeyHash) bool {
	return te.RecipHash == h.Hex()
}

// DecryptEnvelope verifies the author signature and opens the storage
// envelope with the recipient's envelope key. It fails, never returning
// partial data, on any verification or open failure.
func DecryptEnvelope(
	recipEnvelopeKey keyring.LimitedKeyring,
	te *TransitEnvelope,
	sender *ident.PersonSelfIdent,
) (*StorageEnvelope, error) {
	if te.Version != CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, te.Version)
	}
	if !te.IsForKey(recipEnvelopeKey.Hash()) {
		return nil, ErrNotForMe
	}
	nonce, err := nonceFromSlice(te.Nonce)
	if err != nil {
		return nil, err
	}
	if err := keyring.VerifyDetached(&sender.TellPub, te.Body, te.AuthorSig); err != nil {
		return nil, fmt.Errorf("%w: author signature: %w", ErrCryptoFailure, err)
	}
	opened, err := recipEnvelopeKey.Open(te.Body, nonce, &sender.EnvelopePub)
	if err != nil {
		return nil, fmt.Errorf("%w: envelope box: %w", ErrCryptoFailure, err)
	}
	var env StorageEnvelope
	if err := json.Unmarshal(opened, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope decode: %w", ErrCryptoFailure, err)
	}
	return &env, nil
}

// DecryptPayload opens the payload embedded in a decrypted storage
// envelope using the same nonce as the envelope box.
func DecryptPayload(
	recipPayloadKey keyring.LimitedKeyring,
	env *StorageEnvelope,
	transitNonce []byte,
	sender *ident.PersonSelfIdent,
) (*MessagePayload, error) {
	nonce, err := nonceFromSlice(transitNonce)
	if err != nil {
		return nil, err
	}
	opened, err := recipPayloadKey.Open(env.EncryptedPayload, nonce, &sender.PayloadPub)
	if err != nil {
		return nil, fmt.Errorf("%w: payload box: %w", ErrCryptoFailure, err)
	}
	var payload MessagePayload
	if err := json.Unmarshal(opened, &payload); err != nil {
		return nil, fmt.Errorf("%w: payload decode: %w", ErrCryptoFailure, err)
	}
	return &payload, nil
}

func nonceFromSlice(b []byte) (*[24]byte, error) {
	if len(b) != 24 {
		return nil, fmt.Errorf(
			"%w: nonce must be 24 bytes, got %d", ErrCryptoFailure, len(b),
		)
	}
	var n [24]byte
	copy(n[:], b)
	return &n, nil
}
