package authconn

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// nonceSize is the handshake nonce length each side contributes.
	nonceSize = 24
	halfNonce = nonceSize / 2
	secretLen = 32
)

// Handshake frames travel in plaintext before the session key exists.
// Field names are wire contract.
type helloFrame struct {
	Type          string `json:"type"`
	ClientKeyHash string `json:"clientKeyHash"`
	ServerKeyHash string `json:"serverKeyHash"`
	Nonce         []byte `json:"nonce"`
}

type nonceFrame struct {
	Type  string `json:"type"`
	Nonce []byte `json:"nonce"`
}

type secretFrame struct {
	Type        string `json:"type"`
	BoxedSecret []byte `json:"boxedSecret"`
}

const (
	frameTypeHello  = "key"
	frameTypeNonce  = "nonce"
	frameTypeSecret = "secret"
)

// Message is the post-handshake frame envelope: a type tag and an opaque
// body dispatched on (state, Type).
type Message struct {
	Type string          `json:"type"`
	Msg  json.RawMessage `json:"msg,omitempty"`
}

// NewMessage builds a Message with a JSON-encoded body.
func NewMessage(msgType string, body any) (*Message, error) {
	if body == nil {
		return &Message{Type: msgType}, nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", msgType, err)
	}
	return &Message{Type: msgType, Msg: raw}, nil
}

// DecodeBody unmarshals the message body into v.
func (m *Message) DecodeBody(v any) error {
	if len(m.Msg) == 0 {
		return fmt.Errorf("%w: message %s has no body", ErrProtocol, m.Type)
	}
	if err := json.Unmarshal(m.Msg, v); err != nil {
		return fmt.Errorf("%w: decode %s body: %w", ErrProtocol, m.Type, err)
	}
	return nil
}

func newHandshakeNonce() ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate handshake nonce: %w", err)
	}
	return nonce, nil
}

func newSessionSecret() (*[secretLen]byte, error) {
	var secret [secretLen]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, fmt.Errorf("generate session secret: %w", err)
	}
	return &secret, nil
}

// handshakeBoxNonce combines the first halves of the two handshake nonces
// (client first); it keys the single boxed-secret exchange.
func handshakeBoxNonce(clientNonce, serverNonce []byte) *[24]byte {
	var n [24]byte
	copy(n[:halfNonce], clientNonce[:halfNonce])
	copy(n[halfNonce:], serverNonce[:halfNonce])
	return &n
}

// frameNonceBase combines the second halves of the handshake nonces in
// sender-first order, giving each direction a distinct base.
func frameNonceBase(senderNonce, receiverNonce []byte) [24]byte {
	var n [24]byte
	copy(n[:halfNonce], senderNonce[halfNonce:])
	copy(n[halfNonce:], receiverNonce[halfNonce:])
	return n
}

// frameNonce folds a per-frame counter into the direction's base nonce so
// stream nonces never repeat within a session.
func frameNonce(base *[24]byte, seq uint64) *[24]byte {
	n := *base
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], seq)
	for i, b := range ctr {
		n[nonceSize-8+i] ^= b
	}
	return &n
}

func sealFrame(msg *Message, secret *[secretLen]byte, base *[24]byte, seq uint64) ([]byte, error) {
	plain, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return secretbox.Seal(nil, plain, frameNonce(base, seq), secret), nil
}

func openFrame(data []byte, secret *[secretLen]byte, base *[24]byte, seq uint64) (*Message, error) {
	plain, ok := secretbox.Open(nil, data, frameNonce(base, seq), secret)
	if !ok {
		return nil, ErrAuthentication
	}
	var msg Message
	if err := json.Unmarshal(plain, &msg); err != nil {
		return nil, fmt.Errorf("%w: frame decode: %w", ErrProtocol, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: frame without type", ErrProtocol)
	}
	return &msg, nil
}
