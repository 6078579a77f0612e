// Command dropkeygen generates deuxdrop identities: a server identity for
// dropd, or a person keyring bound to an existing server.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/deuxdrop/deuxdrop-go/internal/server"
	"github.com/deuxdrop/deuxdrop-go/pkg/ident"
	"github.com/deuxdrop/deuxdrop-go/pkg/keyring"
)

const (
	messagingGroup = "messaging"
	clientGroup    = "client"
	clientConnKey  = "connBox"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "dropkeygen: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		mode = flag.String("mode", "server",
			"What to generate: server or person")
		out = flag.String("out", "",
			"Output file for private key material (required)")
		identOut = flag.String("ident-out", "",
			"Output file for the public self-ident blob")
		tag = flag.String("tag", "transit",
			"Server role tag (server mode)")
		host = flag.String("host", "",
			"Server hostname (server mode)")
		port = flag.Uint("port", 7787,
			"Server port (server mode)")
		name = flag.String("name", "",
			"Display name (person mode)")
		serverIdent = flag.String("server-ident", "",
			"Path to the transit server's self-ident blob (person mode)")
	)
	flag.Parse()

	if *out == "" {
		return fmt.Errorf("-out is required")
	}

	switch *mode {
	case "server":
		return genServer(*out, *identOut, *tag, *host, uint16(*port))
	case "person":
		return genPerson(*out, *identOut, *name, *serverIdent)
	default:
		return fmt.Errorf("unknown mode %q", *mode)
	}
}

func genServer(out, identOut, tag, host string, port uint16) error {
	if host == "" {
		return fmt.Errorf("-host is required in server mode")
	}
	identity, err := server.NewIdentity(ident.ServerInfo{
		Tag:  tag,
		Host: host,
		Port: port,
	})
	if err != nil {
		return err
	}
	if err := server.SaveIdentity(out, identity); err != nil {
		return err
	}
	if err := writeIdentBlob(identOut, identity.SelfIdentBlob); err != nil {
		return err
	}
	fmt.Printf("server key hash: %s\n", identity.BoxKeyHash().Hex())
	fmt.Printf("identity written to %s\n", out)
	return nil
}

// personFile is the on-disk form of a person's private key material. Like
// the server identity file it is written owner-readable only.
type personFile struct {
	Root      json.RawMessage `json:"root"`
	Longterm  json.RawMessage `json:"longterm"`
	SelfIdent []byte          `json:"selfIdent"`
}

func genPerson(out, identOut, name, serverIdentPath string) error {
	if name == "" {
		return fmt.Errorf("-name is required in person mode")
	}
	if serverIdentPath == "" {
		return fmt.Errorf("-server-ident is required in person mode")
	}
	serverBlob, err := os.ReadFile(serverIdentPath)
	if err != nil {
		return fmt.Errorf("read server ident: %w", err)
	}
	if _, err := ident.VerifyServerSelfIdent(serverBlob); err != nil {
		return fmt.Errorf("server ident: %w", err)
	}

	root, err := keyring.NewRootKeyring()
	if err != nil {
		return err
	}
	longterm, err := root.IssueLongtermKeyring()
	if err != nil {
		return err
	}
	messaging, err := longterm.IssueKeyGroup(messagingGroup, map[string]keyring.KeyKind{
		"envelope": keyring.KindBox,
		"payload":  keyring.KindBox,
		"announce": keyring.KindSign,
		"tell":     keyring.KindSign,
	})
	if err != nil {
		return err
	}
	// The client connection key rides on the same longterm keyring so one
	// exported file restores everything.
	if _, err := longterm.IssueKeyGroup(clientGroup, map[string]keyring.KeyKind{
		clientConnKey: keyring.KindBox,
	}); err != nil {
		return err
	}
	connKey, err := keyring.ExposeLimitedKeyringFor(longterm, clientGroup, clientConnKey)
	if err != nil {
		return err
	}

	blob, err := ident.SignPersonSelfIdent(longterm, ident.PersonParams{
		Poco:              map[string]string{"displayName": name},
		Messaging:         messaging,
		TransitServerBlob: serverBlob,
	})
	if err != nil {
		return err
	}

	rootBlob, err := keyring.ExportRootKeyring(root)
	if err != nil {
		return err
	}
	longtermBlob, err := keyring.ExportLongtermKeyring(longterm)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(personFile{
		Root:      rootBlob,
		Longterm:  longtermBlob,
		SelfIdent: blob,
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	if err := writeIdentBlob(identOut, blob); err != nil {
		return err
	}

	fmt.Printf("root key hash: %s\n", root.Hash().Hex())
	fmt.Printf("client key hash: %s\n", connKey.Hash().Hex())
	fmt.Printf("keyring written to %s\n", out)
	return nil
}

func writeIdentBlob(path string, blob []byte) error {
	if path == "" {
		return nil
	}
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Printf("self-ident written to %s\n", path)
	return nil
}
