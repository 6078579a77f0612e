// Package authdb is the server's authorization ledger: user accounts and
// their client keys, inter-server trust, and privilege attestations. The
// ledger is append-only; revocation is a later negative record, never a
// mutation of the grant it cancels. Absence of a privilege is a normal
// negative answer, not an error.
package authdb

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/deuxdrop/deuxdrop-go/pkg/store"
)

const (
	tableUserAccounts = "userAccounts"
	tableClientAuths  = "clientAuths"
	tableUserAuths    = "userAuths"
	tableServerAuths  = "serverAuths"
)

const (
	famData     = "d"
	famClients  = "c"
	famForward  = "f"
	famInverted = "i"
	famMeta     = "m"
)

// Privileges a subject can hold on another subject or on a conversation.
const (
	PrivilegeContact      = "contact"
	PrivilegeConversation = "conversation"
)

var (
	// ErrAccountExists is returned when creating an account for a root
	// key that already has one.
	ErrAccountExists = errors.New("authdb: account already exists")
	// ErrUnknownClient is returned when fetching state through a client
	// key no account has authorized.
	ErrUnknownClient = errors.New("authdb: unknown client key")
	// ErrUnknownServer is returned when fetching an unauthorized server.
	ErrUnknownServer = errors.New("authdb: unknown server")
)

const (
	logKeyTable   = "table"
	logKeySubject = "subject"
	logKeyPriv    = "privilege"
)

// Config carries the ledger's dependencies.
type Config struct {
	// Store is the keyed-storage engine backing the ledger.
	Store store.Store
	// MaxAuthAge bounds how old a self-ident's longterm authorization may
	// be when (re)verified. Zero accepts any age.
	MaxAuthAge time.Duration
	// Logger is optional; nil means slog.Default().
	Logger *slog.Logger
}

// DB is the authorization ledger over a storage engine.
type DB struct {
	store      store.Store
	maxAuthAge time.Duration
	logger     *slog.Logger
}

// New opens the ledger and defines its tables.
func New(cfg Config) (*DB, error) {
	if cfg.Store == nil {
		return nil, errors.New("authdb: store required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, t := range []struct {
		name     string
		families []string
	}{
		{tableUserAccounts, []string{famData, famClients}},
		{tableClientAuths, []string{famData}},
		{tableUserAuths, []string{famForward, famInverted, famMeta}},
		{tableServerAuths, []string{famData}},
	} {
		if err := cfg.Store.DefineTable(t.name, t.families); err != nil {
			return nil, fmt.Errorf("define table %s: %w", t.name, err)
		}
	}
	return &DB{
		store:      cfg.Store,
		maxAuthAge: cfg.MaxAuthAge,
		logger:     logger,
	}, nil
}
