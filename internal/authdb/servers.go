package authdb

import (
	"errors"
	"fmt"

	"github.com/deuxdrop/deuxdrop-go/pkg/ident"
	"github.com/deuxdrop/deuxdrop-go/pkg/keyring"
	"github.com/deuxdrop/deuxdrop-go/pkg/store"
)

// ServerAuthorizeServer records another server as a trusted peer from its
// verified self-ident blob. Re-authorizing an already known server
// refreshes the stored ident.
func (d *DB) ServerAuthorizeServer(selfIdentBlob []byte) (keyring.KeyHash, error) {
	peer, err := ident.VerifyServerSelfIdent(selfIdentBlob)
	if err != nil {
		return keyring.KeyHash{}, fmt.Errorf("authorize server: %w", err)
	}
	hash := peer.BoxKeyHash()
	err = d.store.PutCells(tableServerAuths, hash.Hex(), map[string][]byte{
		colSelfIdent: selfIdentBlob,
	})
	if err != nil {
		return keyring.KeyHash{}, fmt.Errorf("authorize server: %w", err)
	}
	d.logger.Info("server authorized",
		logKeySubject, hash.Hex(),
		"host", peer.Host)
	return hash, nil
}

// ServerCheckServerAuth reports whether the server named by its box key
// hash is a trusted peer.
func (d *DB) ServerCheckServerAuth(server keyring.KeyHash) (bool, error) {
	_, err := d.store.GetRowCell(tableServerAuths, server.Hex(), colSelfIdent)
	if errors.Is(err, store.ErrCellNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check server auth: %w", err)
	}
	return true, nil
}

// ServerFetchServerIdent returns the stored self-ident of a trusted peer
// server.
func (d *DB) ServerFetchServerIdent(
	server keyring.KeyHash,
) (*ident.ServerSelfIdent, error) {
	blob, err := d.store.GetRowCell(tableServerAuths, server.Hex(), colSelfIdent)
	if errors.Is(err, store.ErrCellNotFound) {
		return nil, ErrUnknownServer
	}
	if err != nil {
		return nil, fmt.Errorf("fetch server ident: %w", err)
	}
	peer, err := ident.VerifyServerSelfIdent(blob)
	if err != nil {
		return nil, fmt.Errorf("fetch server ident: %w", err)
	}
	return peer, nil
}

// ServerResolveServerKey returns the connection public key of a trusted
// peer server, for use during the AuthConn handshake.
func (d *DB) ServerResolveServerKey(server keyring.KeyHash) (*[32]byte, bool) {
	peer, err := d.ServerFetchServerIdent(server)
	if err != nil {
		return nil, false
	}
	pub := peer.BoxPub
	return &pub, true
}
