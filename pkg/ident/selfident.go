// Package ident builds and verifies self-idents: the signed blobs a person
// or server publishes so peers can reach and verify it. The JSON field
// names are wire contract; renaming any of them is a protocol break.
package ident

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deuxdrop/deuxdrop-go/pkg/keyring"
)

var (
	// ErrMalformedIdent indicates the blob is not a structurally valid
	// self-ident.
	ErrMalformedIdent = errors.New("ident: malformed self-ident")
	// ErrIdentSignature indicates the payload signature did not verify
	// under the key named inside the payload.
	ErrIdentSignature = errors.New("ident: self-ident signature invalid")
)

// signedBlob is the outer wire wrapper: the exact payload bytes that were
// signed plus a detached signature. The signing key is named inside the
// payload, never alongside the signature.
type signedBlob struct {
	Payload json.RawMessage `json:"payload"`
	Sig     []byte          `json:"sig"`
}

// MessagingKeysWire carries the public halves of the messaging key group.
type MessagingKeysWire struct {
	EnvelopeBoxPubKey  string `json:"envelopeBoxPubKey"`
	PayloadBoxPubKey   string `json:"payloadBoxPubKey"`
	AnnounceSignPubKey string `json:"announceSignPubKey"`
	TellSignPubKey     string `json:"tellSignPubKey"`
}

// personPayload is the signed person self-ident payload.
type personPayload struct {
	Poco               map[string]string        `json:"poco"`
	RootSignPubKey     string                   `json:"rootSignPubKey"`
	LongtermSignPubKey string                   `json:"longtermSignPubKey"`
	LongtermAuth       keyring.AuthorizationWire `json:"longtermAuth"`
	IssuedAt           int64                    `json:"issuedAt"`
	TransitServerIdent json.RawMessage          `json:"transitServerIdent"`
	Keys               MessagingKeysWire        `json:"keys"`
}

// serverPayload is the signed server self-ident payload. Servers sign with
// their root key directly; there is no longterm indirection.
type serverPayload struct {
	Tag            string `json:"tag"`
	Host           string `json:"host"`
	Port           uint16 `json:"port"`
	BoxPubKey      string `json:"boxPubKey"`
	RootSignPubKey string `json:"rootSignPubKey"`
	IssuedAt       int64  `json:"issuedAt"`
}

// ServerSelfIdent is a verified server self-ident.
type ServerSelfIdent struct {
	Tag      string
	Host     string
	Port     uint16
	BoxPub   [32]byte
	RootPub  [32]byte
	IssuedAt time.Time
	// Blob is the original signed wire form, reusable for re-publication.
	Blob []byte
}

// BoxKeyHash returns the KeyHash clients name this server by during the
// AuthConn handshake.
func (s *ServerSelfIdent) BoxKeyHash() keyring.KeyHash {
	return keyring.HashBytes(s.BoxPub[:])
}

// URL returns the websocket endpoint for the given role path.
func (s *ServerSelfIdent) URL(rolePath string) string {
	return fmt.Sprintf("ws://%s:%d/%s", s.Host, s.Port, rolePath)
}

// PersonSelfIdent is a verified person self-ident.
type PersonSelfIdent struct {
	Poco          map[string]string
	RootPub       [32]byte
	LongtermPub   [32]byte
	IssuedAt      time.Time
	TransitServer *ServerSelfIdent
	EnvelopePub   [32]byte
	PayloadPub    [32]byte
	AnnouncePub   [32]byte
	TellPub       [32]byte
	Blob          []byte
}

// RootKeyHash returns the KeyHash of the person's root key, the stable
// subject identifier across servers.
func (p *PersonSelfIdent) RootKeyHash() keyring.KeyHash {
	return keyring.HashBytes(p.RootPub[:])
}

// TellKeyHash returns the KeyHash of the authorship key.
func (p *PersonSelfIdent) TellKeyHash() keyring.KeyHash {
	return keyring.HashBytes(p.TellPub[:])
}

// EnvelopeKeyHash returns the KeyHash of the envelope boxing key, the
// recipient identifier on transit envelopes.
func (p *PersonSelfIdent) EnvelopeKeyHash() keyring.KeyHash {
	return keyring.HashBytes(p.EnvelopePub[:])
}
