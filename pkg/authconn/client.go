package authconn

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/deuxdrop/deuxdrop-go/pkg/keyring"
)

// ClientConfig identifies the connecting client and the server it intends
// to reach.
type ClientConfig struct {
	// ConnKey is the client's connection boxing key (typically the
	// connBox key of the client group, as a restricted view).
	ConnKey keyring.LimitedKeyring
	// ServerBoxPub is the expected server's connection boxing key.
	ServerBoxPub [32]byte
	// Handlers dispatches server-initiated messages. Optional for pure
	// request/response usage.
	Handlers *HandlerTable
	// Logger is optional; nil means slog.Default().
	Logger *slog.Logger
}

// DialConn performs the client side of the AuthConn handshake over an
// already-open frame transport. On any failure the transport is closed
// and no connection is returned.
//
//	connecting → awaitingServerNonce → sendingBoxedSecret → established
func DialConn(ctx context.Context, fc FrameConn, cfg ClientConfig) (*Conn, error) {
	if cfg.ConnKey == nil {
		return nil, fmt.Errorf("authconn: client ConnKey required")
	}
	conn, err := dialConn(ctx, fc, cfg)
	if err != nil {
		fc.Close()
		return nil, err
	}
	return conn, nil
}

func dialConn(ctx context.Context, fc FrameConn, cfg ClientConfig) (*Conn, error) {
	serverKeyHash := keyring.HashBytes(cfg.ServerBoxPub[:])

	clientNonce, err := newHandshakeNonce()
	if err != nil {
		return nil, err
	}
	if err := writeHandshake(fc, helloFrame{
		Type:          frameTypeHello,
		ClientKeyHash: cfg.ConnKey.Hash().Hex(),
		ServerKeyHash: serverKeyHash.Hex(),
		Nonce:         clientNonce,
	}); err != nil {
		return nil, err
	}

	// awaitingServerNonce
	var nf nonceFrame
	if err := readHandshake(fc, &nf); err != nil {
		return nil, err
	}
	if nf.Type != frameTypeNonce || len(nf.Nonce) != nonceSize {
		return nil, fmt.Errorf("%w: bad server nonce frame", ErrProtocol)
	}

	// sendingBoxedSecret
	secret, err := newSessionSecret()
	if err != nil {
		return nil, err
	}
	boxed, err := cfg.ConnKey.Seal(
		secret[:],
		handshakeBoxNonce(clientNonce, nf.Nonce),
		&cfg.ServerBoxPub,
	)
	if err != nil {
		return nil, fmt.Errorf("box session secret: %w", err)
	}
	if err := writeHandshake(fc, secretFrame{
		Type:        frameTypeSecret,
		BoxedSecret: boxed,
	}); err != nil {
		return nil, err
	}

	return newConn(
		fc,
		cfg.Logger,
		serverKeyHash,
		secret,
		frameNonceBase(clientNonce, nf.Nonce),
		frameNonceBase(nf.Nonce, clientNonce),
		cfg.Handlers,
	), nil
}

// Dial opens a frame transport to url with d and performs the client
// handshake.
func Dial(ctx context.Context, d Dialer, url string, cfg ClientConfig) (*Conn, error) {
	fc, err := d.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	return DialConn(ctx, fc, cfg)
}
