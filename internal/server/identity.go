package server

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/deuxdrop/deuxdrop-go/pkg/ident"
	"github.com/deuxdrop/deuxdrop-go/pkg/keyring"
)

const (
	serverKeyGroup = "server"
	serverConnKey  = "connBox"
)

// Identity is a server's cryptographic self: the root keyring, the
// longterm keyring carrying the connection boxing key, and the signed
// self-ident other parties verify.
type Identity struct {
	Root          *keyring.RootKeyring
	Longterm      *keyring.LongtermKeyring
	ConnKey       keyring.LimitedKeyring
	SelfIdentBlob []byte
}

// NewIdentity generates a fresh server identity and signs its self-ident
// for the given endpoint info.
func NewIdentity(info ident.ServerInfo) (*Identity, error) {
	root, err := keyring.NewRootKeyring()
	if err != nil {
		return nil, err
	}
	longterm, err := root.IssueLongtermKeyring()
	if err != nil {
		return nil, err
	}
	if _, err := longterm.IssueKeyGroup(serverKeyGroup, map[string]keyring.KeyKind{
		serverConnKey: keyring.KindBox,
	}); err != nil {
		return nil, err
	}
	connKey, err := keyring.ExposeLimitedKeyringFor(longterm, serverKeyGroup, serverConnKey)
	if err != nil {
		return nil, err
	}
	blob, err := ident.SignServerSelfIdent(root, connKey.PublicKey(), info)
	if err != nil {
		return nil, err
	}
	return &Identity{
		Root:          root,
		Longterm:      longterm,
		ConnKey:       connKey,
		SelfIdentBlob: blob,
	}, nil
}

// BoxKeyHash is the hash clients name this server by during handshakes.
func (id *Identity) BoxKeyHash() keyring.KeyHash {
	return id.ConnKey.Hash()
}

// identityFile is the on-disk form. It contains private key material;
// SaveIdentity writes it owner-readable only.
type identityFile struct {
	Root      json.RawMessage `json:"root"`
	Longterm  json.RawMessage `json:"longterm"`
	SelfIdent []byte          `json:"selfIdent"`
}

// SaveIdentity persists the identity to path.
func SaveIdentity(path string, id *Identity) error {
	rootBlob, err := keyring.ExportRootKeyring(id.Root)
	if err != nil {
		return fmt.Errorf("export root keyring: %w", err)
	}
	longtermBlob, err := keyring.ExportLongtermKeyring(id.Longterm)
	if err != nil {
		return fmt.Errorf("export longterm keyring: %w", err)
	}
	data, err := json.MarshalIndent(identityFile{
		Root:      rootBlob,
		Longterm:  longtermBlob,
		SelfIdent: id.SelfIdentBlob,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write identity %s: %w", path, err)
	}
	return nil
}

// LoadIdentity restores a saved identity.
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity %s: %w", path, err)
	}
	var file identityFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode identity %s: %w", path, err)
	}
	root, err := keyring.ImportRootKeyring(file.Root)
	if err != nil {
		return nil, fmt.Errorf("identity %s: %w", path, err)
	}
	longterm, err := keyring.ImportLongtermKeyring(file.Longterm)
	if err != nil {
		return nil, fmt.Errorf("identity %s: %w", path, err)
	}
	connKey, err := keyring.ExposeLimitedKeyringFor(longterm, serverKeyGroup, serverConnKey)
	if err != nil {
		return nil, fmt.Errorf("identity %s: %w", path, err)
	}
	if _, err := ident.VerifyServerSelfIdent(file.SelfIdent); err != nil {
		return nil, fmt.Errorf("identity %s: %w", path, err)
	}
	return &Identity{
		Root:          root,
		Longterm:      longterm,
		ConnKey:       connKey,
		SelfIdentBlob: file.SelfIdent,
	}, nil
}
