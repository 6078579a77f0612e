package ident

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deuxdrop/deuxdrop-go/pkg/keyring"
)

// ServerInfo names a server for self-ident issuance.
type ServerInfo struct {
	Tag  string
	Host string
	Port uint16
}

// SignServerSelfIdent builds and signs a server self-ident under the
// server's root keyring.
func SignServerSelfIdent(
	root *keyring.RootKeyring,
	boxPub [32]byte,
	info ServerInfo,
) ([]byte, error) {
	if info.Host == "" {
		return nil, fmt.Errorf("%w: host must not be empty", ErrMalformedIdent)
	}
	if info.Port == 0 {
		return nil, fmt.Errorf("%w: port must not be zero", ErrMalformedIdent)
	}
	rootPub := root.PublicKey()
	payload, err := json.Marshal(serverPayload{
		Tag:            info.Tag,
		Host:           info.Host,
		Port:           info.Port,
		BoxPubKey:      hex.EncodeToString(boxPub[:]),
		RootSignPubKey: hex.EncodeToString(rootPub[:]),
		IssuedAt:       time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal server payload: %w", err)
	}
	blob, err := json.Marshal(signedBlob{
		Payload: payload,
		Sig:     root.SignDetached(payload),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal server self-ident: %w", err)
	}
	return blob, nil
}

// VerifyServerSelfIdent parses a server self-ident blob and verifies its
// signature under the root key named inside the payload.
func VerifyServerSelfIdent(blob []byte) (*ServerSelfIdent, error) {
	var outer signedBlob
	if err := json.Unmarshal(blob, &outer); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedIdent, err)
	}
	var payload serverPayload
	if err := json.Unmarshal(outer.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedIdent, err)
	}
	rootPub, err := decodeKey(payload.RootSignPubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: root key: %w", ErrMalformedIdent, err)
	}
	boxPub, err := decodeKey(payload.BoxPubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: box key: %w", ErrMalformedIdent, err)
	}
	if payload.Host == "" || payload.Port == 0 {
		return nil, fmt.Errorf("%w: missing host or port", ErrMalformedIdent)
	}
	if err := keyring.VerifyDetached(&rootPub, outer.Payload, outer.Sig); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIdentSignature, err)
	}
	blobCopy := make([]byte, len(blob))
	copy(blobCopy, blob)
	return &ServerSelfIdent{
		Tag:      payload.Tag,
		Host:     payload.Host,
		Port:     payload.Port,
		BoxPub:   boxPub,
		RootPub:  rootPub,
		IssuedAt: time.UnixMilli(payload.IssuedAt).UTC(),
		Blob:     blobCopy,
	}, nil
}

// PersonParams collects everything a person self-ident publishes.
type PersonParams struct {
	// Poco is portable-contact info (displayName etc.).
	Poco map[string]string
	// Messaging is the issued messaging key group: envelope, payload,
	// announce, tell.
	Messaging *keyring.KeyGroup
	// TransitServerBlob is the signed self-ident of the transit server
	// this person is bound to.
	TransitServerBlob []byte
}

// SignPersonSelfIdent builds and signs a person self-ident under the
// longterm keyring. The longterm key's root authorization is embedded so
// a verifier can resolve the chain without further lookups.
func SignPersonSelfIdent(
	longterm *keyring.LongtermKeyring,
	params PersonParams,
) ([]byte, error) {
	if params.Messaging == nil {
		return nil, fmt.Errorf("%w: messaging group required", ErrMalformedIdent)
	}
	if len(params.TransitServerBlob) == 0 {
		return nil, fmt.Errorf("%w: transit server ident required", ErrMalformedIdent)
	}
	keys, err := messagingWire(params.Messaging)
	if err != nil {
		return nil, err
	}
	rootPub := longterm.RootPublicKey()
	longtermPub := longterm.PublicKey()
	payload, err := json.Marshal(personPayload{
		Poco:               params.Poco,
		RootSignPubKey:     hex.EncodeToString(rootPub[:]),
		LongtermSignPubKey: hex.EncodeToString(longtermPub[:]),
		LongtermAuth:       longterm.SignAuthorization().Wire(),
		IssuedAt:           time.Now().UnixMilli(),
		TransitServerIdent: json.RawMessage(params.TransitServerBlob),
		Keys:               keys,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal person payload: %w", err)
	}
	blob, err := json.Marshal(signedBlob{
		Payload: payload,
		Sig:     longterm.SignDetached(payload),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal person self-ident: %w", err)
	}
	return blob, nil
}

func messagingWire(group *keyring.KeyGroup) (MessagingKeysWire, error) {
	pubs := group.PublicKeys()
	wire := MessagingKeysWire{
		EnvelopeBoxPubKey:  pubs["envelope"],
		PayloadBoxPubKey:   pubs["payload"],
		AnnounceSignPubKey: pubs["announce"],
		TellSignPubKey:     pubs["tell"],
	}
	if wire.EnvelopeBoxPubKey == "" || wire.PayloadBoxPubKey == "" ||
		wire.AnnounceSignPubKey == "" || wire.TellSignPubKey == "" {
		return MessagingKeysWire{}, fmt.Errorf(
			"%w: messaging group must contain envelope, payload, announce and tell keys",
			ErrMalformedIdent,
		)
	}
	return wire, nil
}

// VerifyPersonSelfIdent parses a person self-ident blob, resolves the
// enclosed authorization chain to the named root key, and verifies the
// payload signature under the longterm key named inside it. maxAuthAge
// bounds the age of the longterm authorization at the ident's issue time;
// zero disables the bound.
func VerifyPersonSelfIdent(
	blob []byte,
	maxAuthAge time.Duration,
) (*PersonSelfIdent, error) {
	var outer signedBlob
	if err := json.Unmarshal(blob, &outer); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedIdent, err)
	}
	var payload personPayload
	if err := json.Unmarshal(outer.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedIdent, err)
	}
	rootPub, err := decodeKey(payload.RootSignPubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: root key: %w", ErrMalformedIdent, err)
	}
	longtermPub, err := decodeKey(payload.LongtermSignPubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: longterm key: %w", ErrMalformedIdent, err)
	}

	auth, err := keyring.AuthorizationFromWire(payload.LongtermAuth)
	if err != nil {
		return nil, fmt.Errorf("%w: authorization: %w", ErrMalformedIdent, err)
	}
	issuedAt := time.UnixMilli(payload.IssuedAt).UTC()
	if err := keyring.AssertLongtermKeypairIsAuthorized(
		longtermPub, keyring.KindSign, rootPub, issuedAt, auth, maxAuthAge,
	); err != nil {
		return nil, err
	}

	if err := keyring.VerifyDetached(&longtermPub, outer.Payload, outer.Sig); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIdentSignature, err)
	}

	server, err := VerifyServerSelfIdent(payload.TransitServerIdent)
	if err != nil {
		return nil, fmt.Errorf("transit server ident: %w", err)
	}

	envelopePub, err := decodeKey(payload.Keys.EnvelopeBoxPubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: envelope key: %w", ErrMalformedIdent, err)
	}
	payloadPub, err := decodeKey(payload.Keys.PayloadBoxPubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: payload key: %w", ErrMalformedIdent, err)
	}
	announcePub, err := decodeKey(payload.Keys.AnnounceSignPubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: announce key: %w", ErrMalformedIdent, err)
	}
	tellPub, err := decodeKey(payload.Keys.TellSignPubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: tell key: %w", ErrMalformedIdent, err)
	}

	blobCopy := make([]byte, len(blob))
	copy(blobCopy, blob)
	return &PersonSelfIdent{
		Poco:          payload.Poco,
		RootPub:       rootPub,
		LongtermPub:   longtermPub,
		IssuedAt:      issuedAt,
		TransitServer: server,
		EnvelopePub:   envelopePub,
		PayloadPub:    payloadPub,
		AnnouncePub:   announcePub,
		TellPub:       tellPub,
		Blob:          blobCopy,
	}, nil
}

func decodeKey(s string) ([32]byte, error) {
	var out [32]byte
	if len(s) != 64 {
		return out, fmt.Errorf("invalid key hex length: %d", len(s))
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	copy(out[:], decoded)
	return out, nil
}
