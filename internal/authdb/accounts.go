package authdb

import (
	"errors"
	"fmt"

	"github.com/deuxdrop/deuxdrop-go/pkg/ident"
	"github.com/deuxdrop/deuxdrop-go/pkg/keyring"
	"github.com/deuxdrop/deuxdrop-go/pkg/store"
)

const (
	colSelfIdent   = famData + ":selfIdent"
	colUserRootKey = famData + ":userRootKey"
	// colEnvelopeUser maps an envelope key hash row back to its account;
	// it lives beside colUserRootKey so envelope keys never pass a
	// client-auth check.
	colEnvelopeUser = famData + ":envelopeUserRootKey"
)

// UserEffigy is the server-side stand-in for a user reached through one
// of their authorized clients.
type UserEffigy struct {
	RootHash keyring.KeyHash
	Role     string
	Ident    *ident.PersonSelfIdent
}

// ServerCheckUserAccount reports whether a user account exists for the
// given root key.
func (d *DB) ServerCheckUserAccount(root keyring.KeyHash) (bool, error) {
	_, err := d.store.GetRowCell(tableUserAccounts, root.Hex(), colSelfIdent)
	if errors.Is(err, store.ErrCellNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check user account: %w", err)
	}
	return true, nil
}

// ServerCreateUserAccount registers a new user from their verified
// self-ident blob and the connection public keys of their clients. The
// root key named inside the blob becomes the account's subject.
func (d *DB) ServerCreateUserAccount(
	selfIdentBlob []byte,
	clientKeys [][32]byte,
) (keyring.KeyHash, error) {
	person, err := ident.VerifyPersonSelfIdent(selfIdentBlob, d.maxAuthAge)
	if err != nil {
		return keyring.KeyHash{}, fmt.Errorf("create user account: %w", err)
	}
	root := person.RootKeyHash()

	// The reverse lookups go in first and the race-created account row
	// last: a failure partway through leaves no account behind, so the
	// creation can simply be retried.
	for _, pub := range clientKeys {
		clientHash := keyring.HashBytes(pub[:])
		err := d.store.PutCells(tableClientAuths, clientHash.Hex(), map[string][]byte{
			colUserRootKey: []byte(root.Hex()),
		})
		if err != nil {
			return keyring.KeyHash{}, fmt.Errorf("record client auth: %w", err)
		}
	}

	// Inbound delivery addresses users by envelope key hash.
	err = d.store.PutCells(
		tableClientAuths, person.EnvelopeKeyHash().Hex(), map[string][]byte{
			colEnvelopeUser: []byte(root.Hex()),
		},
	)
	if err != nil {
		return keyring.KeyHash{}, fmt.Errorf("record envelope key: %w", err)
	}

	cells := map[string][]byte{colSelfIdent: selfIdentBlob}
	for _, pub := range clientKeys {
		pub := pub
		cells[famClients+":"+keyring.HashBytes(pub[:]).Hex()] = pub[:]
	}
	if err := d.store.RaceCreateRow(tableUserAccounts, root.Hex(), cells); err != nil {
		if errors.Is(err, store.ErrRowAlreadyExists) {
			return keyring.KeyHash{}, ErrAccountExists
		}
		return keyring.KeyHash{}, fmt.Errorf("create user account: %w", err)
	}

	d.logger.Info("user account created",
		logKeySubject, root.Hex(),
		"clients", len(clientKeys))
	return root, nil
}

// ServerAddClientAuth authorizes an additional client key on an existing
// account.
func (d *DB) ServerAddClientAuth(root keyring.KeyHash, clientPub [32]byte) error {
	exists, err := d.ServerCheckUserAccount(root)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("add client auth: no account for %s", root.Hex())
	}
	clientHash := keyring.HashBytes(clientPub[:])
	err = d.store.PutCells(tableUserAccounts, root.Hex(), map[string][]byte{
		famClients + ":" + clientHash.Hex(): clientPub[:],
	})
	if err != nil {
		return fmt.Errorf("add client auth: %w", err)
	}
	err = d.store.PutCells(tableClientAuths, clientHash.Hex(), map[string][]byte{
		colUserRootKey: []byte(root.Hex()),
	})
	if err != nil {
		return fmt.Errorf("add client auth: %w", err)
	}
	return nil
}

// ServerCheckClientAuth reports whether any account has authorized the
// given client key.
func (d *DB) ServerCheckClientAuth(client keyring.KeyHash) (bool, error) {
	_, err := d.store.GetRowCell(tableClientAuths, client.Hex(), colUserRootKey)
	if errors.Is(err, store.ErrCellNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check client auth: %w", err)
	}
	return true, nil
}

// ServerResolveClientKey returns the stored connection public key for a
// client key hash, for use during the AuthConn handshake.
func (d *DB) ServerResolveClientKey(client keyring.KeyHash) (*[32]byte, bool) {
	rootHex, err := d.store.GetRowCell(tableClientAuths, client.Hex(), colUserRootKey)
	if err != nil {
		return nil, false
	}
	raw, err := d.store.GetRowCell(
		tableUserAccounts, string(rootHex), famClients+":"+client.Hex(),
	)
	if err != nil || len(raw) != 32 {
		return nil, false
	}
	var pub [32]byte
	copy(pub[:], raw)
	return &pub, true
}

// ServerResolveClientUser maps an authorized client key to the account
// root it belongs to. An unknown client is a normal negative answer.
func (d *DB) ServerResolveClientUser(
	client keyring.KeyHash,
) (keyring.KeyHash, bool, error) {
	rootHex, err := d.store.GetRowCell(tableClientAuths, client.Hex(), colUserRootKey)
	if errors.Is(err, store.ErrCellNotFound) {
		return keyring.KeyHash{}, false, nil
	}
	if err != nil {
		return keyring.KeyHash{}, false, fmt.Errorf("resolve client user: %w", err)
	}
	root, err := keyring.HashHexadecimal(string(rootHex))
	if err != nil {
		return keyring.KeyHash{}, false, fmt.Errorf("resolve client user: %w", err)
	}
	return root, true, nil
}

// ServerResolveUserByEnvelopeKey maps a transit envelope's recipient key
// hash to the local account it belongs to. A hash belonging to no local
// account is a normal negative answer.
func (d *DB) ServerResolveUserByEnvelopeKey(
	envKey keyring.KeyHash,
) (keyring.KeyHash, bool, error) {
	rootHex, err := d.store.GetRowCell(tableClientAuths, envKey.Hex(), colEnvelopeUser)
	if errors.Is(err, store.ErrCellNotFound) {
		return keyring.KeyHash{}, false, nil
	}
	if err != nil {
		return keyring.KeyHash{}, false, fmt.Errorf("resolve envelope key: %w", err)
	}
	root, err := keyring.HashHexadecimal(string(rootHex))
	if err != nil {
		return keyring.KeyHash{}, false, fmt.Errorf("resolve envelope key: %w", err)
	}
	return root, true, nil
}

// ServerFetchUserEffigyUsingClient resolves the account behind a client
// key into its server-side representation for the given role.
func (d *DB) ServerFetchUserEffigyUsingClient(
	client keyring.KeyHash,
	role string,
) (*UserEffigy, error) {
	rootHex, err := d.store.GetRowCell(tableClientAuths, client.Hex(), colUserRootKey)
	if errors.Is(err, store.ErrCellNotFound) {
		return nil, ErrUnknownClient
	}
	if err != nil {
		return nil, fmt.Errorf("fetch user effigy: %w", err)
	}
	root, err := keyring.HashHexadecimal(string(rootHex))
	if err != nil {
		return nil, fmt.Errorf("fetch user effigy: %w", err)
	}
	blob, err := d.store.GetRowCell(tableUserAccounts, root.Hex(), colSelfIdent)
	if err != nil {
		return nil, fmt.Errorf("fetch user effigy: %w", err)
	}
	person, err := ident.VerifyPersonSelfIdent(blob, d.maxAuthAge)
	if err != nil {
		return nil, fmt.Errorf("fetch user effigy: %w", err)
	}
	return &UserEffigy{RootHash: root, Role: role, Ident: person}, nil
}
