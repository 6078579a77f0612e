// Package authconn implements the authenticated encrypted connection
// protocol all deuxdrop peers speak: a symmetric session key bootstrapped
// over an unauthenticated framed transport by boxing a fresh secret
// between the parties' connection keys. A successful box open is itself
// the peer authentication. Established traffic is secretbox-encrypted
// JSON frames dispatched through an explicit (state, message type) table.
package authconn

import (
	"errors"
	"fmt"
)

// Subprotocol tags the protocol revision on the websocket handshake.
const Subprotocol = "deuxdrop-v1"

// ConnState is a connection's logical state. The handshake states are
// owned by this package; applications may define additional dispatch
// states starting at StateAppBase.
type ConnState uint8

const (
	// StateConnecting is the client's initial state.
	StateConnecting ConnState = iota
	// StateAwaitingServerNonce: client sent its hello, awaiting nonce.
	StateAwaitingServerNonce
	// StateSendingBoxedSecret: client is transmitting the boxed secret.
	StateSendingBoxedSecret
	// StateAwaitingClientIdent is the server's initial state.
	StateAwaitingClientIdent
	// StateAwaitingBoxedSecret: server sent its nonce, awaiting secret.
	StateAwaitingBoxedSecret
	// StateEstablished: both sides hold the session secret.
	StateEstablished
	// StateClosed is terminal.
	StateClosed

	// StateAppBase is the first ConnState value available to application
	// dispatch states layered over an established connection.
	StateAppBase ConnState = 16
)

// String returns the textual state name.
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingServerNonce:
		return "awaitingServerNonce"
	case StateSendingBoxedSecret:
		return "sendingBoxedSecret"
	case StateAwaitingClientIdent:
		return "awaitingClientIdent"
	case StateAwaitingBoxedSecret:
		return "awaitingBoxedSecret"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		if s >= StateAppBase {
			return fmt.Sprintf("app(%d)", s)
		}
		return fmt.Sprintf("unknown(%d)", s)
	}
}

var (
	// ErrProtocol indicates a malformed frame or a message the dispatch
	// table has no entry for in the current state. The connection closes.
	ErrProtocol = errors.New("authconn: protocol error")
	// ErrAuthentication indicates a crypto failure at any step: a box or
	// secretbox that would not open, or a handshake that named the wrong
	// party. Deliberately indistinguishable from ErrProtocol on the wire.
	ErrAuthentication = errors.New("authconn: authentication failed")
	// ErrClosedBeforeCompletion rejects a pending one-shot call whose
	// connection closed before the reply arrived.
	ErrClosedBeforeCompletion = errors.New("authconn: connection closed before completion")
	// ErrClosed indicates an operation on a closed connection.
	ErrClosed = errors.New("authconn: connection closed")
)

// Slog attribute keys used throughout the package.
const (
	logKeyState    = "state"
	logKeyMsgType  = "messageType"
	logKeyPeerHash = "peerKeyHash"
	logKeyError    = "error"
)
