package authconn

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/deuxdrop/deuxdrop-go/pkg/keyring"
)

// ClientKeyResolver maps a claimed client key hash to the corresponding
// connection public key. Unknown hashes return false; the handshake then
// fails without revealing whether the hash was known.
type ClientKeyResolver interface {
	ResolveClientKey(hash keyring.KeyHash) (*[32]byte, bool)
}

// ClientKeyResolverFunc adapts a function to ClientKeyResolver.
type ClientKeyResolverFunc func(hash keyring.KeyHash) (*[32]byte, bool)

// ResolveClientKey implements ClientKeyResolver.
func (f ClientKeyResolverFunc) ResolveClientKey(hash keyring.KeyHash) (*[32]byte, bool) {
	return f(hash)
}

// ServerConfig identifies the accepting server and how it recognizes
// clients.
type ServerConfig struct {
	// BoxKey is the server's connection boxing key as a restricted view.
	BoxKey keyring.LimitedKeyring
	// Resolver maps claimed client key hashes to public keys.
	Resolver ClientKeyResolver
	// Handlers dispatches client messages once established.
	Handlers *HandlerTable
	// Logger is optional; nil means slog.Default().
	Logger *slog.Logger
}

// AcceptConn performs the server side of the AuthConn handshake. The
// returned connection is established: the boxed secret opened under the
// claimed client key, which is the client's authentication. On any
// failure the transport is closed without revealing the failing step.
//
//	awaitingClientIdent → awaitingBoxedSecret → established
func AcceptConn(ctx context.Context, fc FrameConn, cfg ServerConfig) (*Conn, error) {
	if cfg.BoxKey == nil || cfg.Resolver == nil {
		return nil, fmt.Errorf("authconn: server BoxKey and Resolver required")
	}
	conn, err := acceptConn(ctx, fc, cfg)
	if err != nil {
		fc.Close()
		return nil, err
	}
	return conn, nil
}

func acceptConn(ctx context.Context, fc FrameConn, cfg ServerConfig) (*Conn, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// awaitingClientIdent
	var hello helloFrame
	if err := readHandshake(fc, &hello); err != nil {
		return nil, err
	}
	if hello.Type != frameTypeHello || len(hello.Nonce) != nonceSize {
		return nil, fmt.Errorf("%w: bad hello frame", ErrProtocol)
	}

	// The client must be talking to the server it thinks it is; if the
	// named party is not us, hang up before contributing any material.
	ourHash := cfg.BoxKey.Hash()
	if hello.ServerKeyHash != ourHash.Hex() {
		logger.Debug("handshake for a different server identity",
			logKeyPeerHash, hello.ClientKeyHash)
		return nil, fmt.Errorf("%w: not the named server", ErrAuthentication)
	}

	clientKeyHash, err := keyring.HashHexadecimal(hello.ClientKeyHash)
	if err != nil {
		return nil, fmt.Errorf("%w: client key hash: %w", ErrProtocol, err)
	}

	serverNonce, err := newHandshakeNonce()
	if err != nil {
		return nil, err
	}
	if err := writeHandshake(fc, nonceFrame{
		Type:  frameTypeNonce,
		Nonce: serverNonce,
	}); err != nil {
		return nil, err
	}

	// awaitingBoxedSecret
	var sf secretFrame
	if err := readHandshake(fc, &sf); err != nil {
		return nil, err
	}
	if sf.Type != frameTypeSecret || len(sf.BoxedSecret) == 0 {
		return nil, fmt.Errorf("%w: bad secret frame", ErrProtocol)
	}

	clientPub, known := cfg.Resolver.ResolveClientKey(clientKeyHash)
	if !known {
		return nil, fmt.Errorf("%w: unknown client key", ErrAuthentication)
	}

	opened, err := cfg.BoxKey.Open(
		sf.BoxedSecret,
		handshakeBoxNonce(hello.Nonce, serverNonce),
		clientPub,
	)
	if err != nil {
		// Box refused to open under the claimed key: wrong key or
		// tampered secret. Either way the peer is not who it claims.
		return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	if len(opened) != secretLen {
		return nil, fmt.Errorf("%w: bad session secret length", ErrAuthentication)
	}
	var secret [secretLen]byte
	copy(secret[:], opened)

	return newConn(
		fc,
		logger,
		clientKeyHash,
		&secret,
		frameNonceBase(serverNonce, hello.Nonce),
		frameNonceBase(hello.Nonce, serverNonce),
		cfg.Handlers,
	), nil
}
