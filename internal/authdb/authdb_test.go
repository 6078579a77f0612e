package authdb

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/deuxdrop/deuxdrop-go/pkg/ident"
	"github.com/deuxdrop/deuxdrop-go/pkg/keyring"
	"github.com/deuxdrop/deuxdrop-go/pkg/store"
)

func testStore(t *testing.T) store.Store {
	t.Helper()
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	s, err := store.NewBadgerStore(store.StoreConfig{
		Path:   t.TempDir(),
		Logger: quiet,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testDBOver(t *testing.T, s store.Store) *DB {
	t.Helper()
	db, err := New(Config{
		Store:  s,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return db
}

func testDB(t *testing.T) *DB {
	t.Helper()
	return testDBOver(t, testStore(t))
}

type testUser struct {
	root      keyring.KeyHash
	blob      []byte
	ident     *ident.PersonSelfIdent
	clientPub [32]byte
}

func newTestServerBlob(t *testing.T, host string) []byte {
	t.Helper()
	root, err := keyring.NewRootKeyring()
	require.NoError(t, err)
	box, err := keyring.NewBoxKeyPair()
	require.NoError(t, err)
	blob, err := ident.SignServerSelfIdent(root, box.Public(), ident.ServerInfo{
		Tag:  "transit",
		Host: host,
		Port: 7787,
	})
	require.NoError(t, err)
	return blob
}

func newTestUser(t *testing.T, name string, serverBlob []byte) *testUser {
	t.Helper()
	root, err := keyring.NewRootKeyring()
	require.NoError(t, err)
	longterm, err := root.IssueLongtermKeyring()
	require.NoError(t, err)
	messaging, err := longterm.IssueKeyGroup("messaging", map[string]keyring.KeyKind{
		"envelope": keyring.KindBox,
		"payload":  keyring.KindBox,
		"announce": keyring.KindSign,
		"tell":     keyring.KindSign,
	})
	require.NoError(t, err)
	blob, err := ident.SignPersonSelfIdent(longterm, ident.PersonParams{
		Poco:              map[string]string{"displayName": name},
		Messaging:         messaging,
		TransitServerBlob: serverBlob,
	})
	require.NoError(t, err)
	person, err := ident.VerifyPersonSelfIdent(blob, 0)
	require.NoError(t, err)

	connBox, err := keyring.NewBoxKeyPair()
	require.NoError(t, err)
	return &testUser{
		root:      person.RootKeyHash(),
		blob:      blob,
		ident:     person,
		clientPub: connBox.Public(),
	}
}

func TestAccountLifecycle(t *testing.T) {
	db := testDB(t)
	serverBlob := newTestServerBlob(t, "transit.example")
	alice := newTestUser(t, "Alice", serverBlob)

	exists, err := db.ServerCheckUserAccount(alice.root)
	require.NoError(t, err)
	require.False(t, exists)

	root, err := db.ServerCreateUserAccount(alice.blob, [][32]byte{alice.clientPub})
	require.NoError(t, err)
	require.Equal(t, alice.root, root)

	exists, err = db.ServerCheckUserAccount(alice.root)
	require.NoError(t, err)
	require.True(t, exists)

	_, err = db.ServerCreateUserAccount(alice.blob, nil)
	require.ErrorIs(t, err, ErrAccountExists)
}

// accountRowFailStore fails the next account-row creation, simulating a
// crash between the reverse-lookup writes and the account row itself.
type accountRowFailStore struct {
	store.Store
	failNext bool
}

func (s *accountRowFailStore) RaceCreateRow(
	table, row string,
	cells map[string][]byte,
) error {
	if s.failNext {
		s.failNext = false
		return errors.New("injected write failure")
	}
	return s.Store.RaceCreateRow(table, row, cells)
}

func TestAccountCreationFailureIsRetryable(t *testing.T) {
	flaky := &accountRowFailStore{Store: testStore(t), failNext: true}
	db := testDBOver(t, flaky)
	serverBlob := newTestServerBlob(t, "transit.example")
	alice := newTestUser(t, "Alice", serverBlob)

	_, err := db.ServerCreateUserAccount(alice.blob, [][32]byte{alice.clientPub})
	require.Error(t, err)

	// The failed attempt left no account behind, so a retry succeeds
	// instead of hitting ErrAccountExists.
	exists, err := db.ServerCheckUserAccount(alice.root)
	require.NoError(t, err)
	require.False(t, exists)

	root, err := db.ServerCreateUserAccount(alice.blob, [][32]byte{alice.clientPub})
	require.NoError(t, err)
	require.Equal(t, alice.root, root)

	pub, ok := db.ServerResolveClientKey(keyring.HashBytes(alice.clientPub[:]))
	require.True(t, ok)
	require.Equal(t, alice.clientPub, *pub)
}

func TestClientAuth(t *testing.T) {
	db := testDB(t)
	serverBlob := newTestServerBlob(t, "transit.example")
	alice := newTestUser(t, "Alice", serverBlob)
	clientHash := keyring.HashBytes(alice.clientPub[:])

	ok, err := db.ServerCheckClientAuth(clientHash)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = db.ServerCreateUserAccount(alice.blob, [][32]byte{alice.clientPub})
	require.NoError(t, err)

	ok, err = db.ServerCheckClientAuth(clientHash)
	require.NoError(t, err)
	require.True(t, ok)

	pub, ok := db.ServerResolveClientKey(clientHash)
	require.True(t, ok)
	require.Equal(t, alice.clientPub, *pub)

	user, ok, err := db.ServerResolveClientUser(clientHash)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, alice.root, user)

	_, ok, err = db.ServerResolveClientUser(keyring.KeyHash{})
	require.NoError(t, err)
	require.False(t, ok)

	effigy, err := db.ServerFetchUserEffigyUsingClient(clientHash, "deliver")
	require.NoError(t, err)
	require.Equal(t, alice.root, effigy.RootHash)
	require.Equal(t, "deliver", effigy.Role)
	require.Equal(t, "Alice", effigy.Ident.Poco["displayName"])

	stranger, err := keyring.NewBoxKeyPair()
	require.NoError(t, err)
	_, err = db.ServerFetchUserEffigyUsingClient(stranger.Hash(), "deliver")
	require.ErrorIs(t, err, ErrUnknownClient)
}

func TestResolveUserByEnvelopeKey(t *testing.T) {
	db := testDB(t)
	serverBlob := newTestServerBlob(t, "transit.example")
	alice := newTestUser(t, "Alice", serverBlob)

	_, err := db.ServerCreateUserAccount(alice.blob, [][32]byte{alice.clientPub})
	require.NoError(t, err)

	root, ok, err := db.ServerResolveUserByEnvelopeKey(alice.ident.EnvelopeKeyHash())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, alice.root, root)

	// Envelope keys are not connection keys.
	authed, err := db.ServerCheckClientAuth(alice.ident.EnvelopeKeyHash())
	require.NoError(t, err)
	require.False(t, authed)

	_, ok, err = db.ServerResolveUserByEnvelopeKey(keyring.KeyHash{})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAddClientAuth(t *testing.T) {
	db := testDB(t)
	serverBlob := newTestServerBlob(t, "transit.example")
	alice := newTestUser(t, "Alice", serverBlob)

	_, err := db.ServerCreateUserAccount(alice.blob, [][32]byte{alice.clientPub})
	require.NoError(t, err)

	second, err := keyring.NewBoxKeyPair()
	require.NoError(t, err)
	require.NoError(t, db.ServerAddClientAuth(alice.root, second.Public()))

	ok, err := db.ServerCheckClientAuth(second.Hash())
	require.NoError(t, err)
	require.True(t, ok)

	// Unknown account refuses new clients.
	bob := newTestUser(t, "Bob", serverBlob)
	require.Error(t, db.ServerAddClientAuth(bob.root, second.Public()))
}

func TestContactPrivilege(t *testing.T) {
	db := testDB(t)
	serverBlob := newTestServerBlob(t, "transit.example")
	alice := newTestUser(t, "Alice", serverBlob)
	bob := newTestUser(t, "Bob", serverBlob)
	transit, err := ident.VerifyServerSelfIdent(serverBlob)
	require.NoError(t, err)

	ok, err := db.UserCheckUserPrivilege(alice.root, bob.ident, PrivilegeContact)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, db.UserAuthorizeServerUserForContact(alice.root, bob.ident, transit))

	ok, err = db.UserCheckUserPrivilege(alice.root, bob.ident, PrivilegeContact)
	require.NoError(t, err)
	require.True(t, ok)

	// The grant is one-directional.
	ok, err = db.UserCheckUserPrivilege(bob.root, alice.ident, PrivilegeContact)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRevocationIsAppended(t *testing.T) {
	db := testDB(t)
	serverBlob := newTestServerBlob(t, "transit.example")
	alice := newTestUser(t, "Alice", serverBlob)
	bob := newTestUser(t, "Bob", serverBlob)

	require.NoError(t, db.UserAuthorizeServerUserForContact(alice.root, bob.ident, nil))
	require.NoError(t, db.UserRevokeUserPrivilege(alice.root, bob.root, PrivilegeContact))

	ok, err := db.UserCheckUserPrivilege(alice.root, bob.ident, PrivilegeContact)
	require.NoError(t, err)
	require.False(t, ok)

	// Re-granting after revocation works; the ledger keeps all three
	// records.
	require.NoError(t, db.UserAuthorizeServerUserForContact(alice.root, bob.ident, nil))
	ok, err = db.UserCheckUserPrivilege(alice.root, bob.ident, PrivilegeContact)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVouchedContact(t *testing.T) {
	db := testDB(t)
	serverBlob := newTestServerBlob(t, "transit.example")
	alice := newTestUser(t, "Alice", serverBlob)
	bob := newTestUser(t, "Bob", serverBlob)
	carol := newTestUser(t, "Carol", serverBlob)

	// Carol is vouched for by Bob, but Bob is not yet a contact.
	require.NoError(t, db.UserRecordVouchedContact(
		alice.root, bob.root, carol.ident, PrivilegeContact))
	ok, err := db.UserCheckUserPrivilege(alice.root, carol.ident, PrivilegeContact)
	require.NoError(t, err)
	require.False(t, ok)

	// Once Bob is a direct contact, the vouch takes effect.
	require.NoError(t, db.UserAuthorizeServerUserForContact(alice.root, bob.ident, nil))
	ok, err = db.UserCheckUserPrivilege(alice.root, carol.ident, PrivilegeContact)
	require.NoError(t, err)
	require.True(t, ok)

	// Revoking Bob withdraws the vouched privilege too.
	require.NoError(t, db.UserRevokeUserPrivilege(alice.root, bob.root, PrivilegeContact))
	ok, err = db.UserCheckUserPrivilege(alice.root, carol.ident, PrivilegeContact)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDirectGrantOutlivesVouchCollapse(t *testing.T) {
	db := testDB(t)
	serverBlob := newTestServerBlob(t, "transit.example")
	alice := newTestUser(t, "Alice", serverBlob)
	bob := newTestUser(t, "Bob", serverBlob)
	carol := newTestUser(t, "Carol", serverBlob)

	// Carol is a direct contact first, and a later entry also records
	// Bob vouching for her.
	require.NoError(t, db.UserAuthorizeServerUserForContact(alice.root, carol.ident, nil))
	require.NoError(t, db.UserAuthorizeServerUserForContact(alice.root, bob.ident, nil))
	require.NoError(t, db.UserRecordVouchedContact(
		alice.root, bob.root, carol.ident, PrivilegeContact))

	// Revoking Bob collapses the vouched path; the never-revoked direct
	// grant still stands on its own.
	require.NoError(t, db.UserRevokeUserPrivilege(alice.root, bob.root, PrivilegeContact))
	ok, err := db.UserCheckUserPrivilege(alice.root, carol.ident, PrivilegeContact)
	require.NoError(t, err)
	require.True(t, ok)

	// Revoking Carol herself cancels both paths at once.
	require.NoError(t, db.UserRevokeUserPrivilege(alice.root, carol.root, PrivilegeContact))
	ok, err = db.UserCheckUserPrivilege(alice.root, carol.ident, PrivilegeContact)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConversationPrivilege(t *testing.T) {
	db := testDB(t)
	serverBlob := newTestServerBlob(t, "transit.example")
	alice := newTestUser(t, "Alice", serverBlob)
	const convID = "conv-0001"

	ok, err := db.UserCheckConversation(alice.root, convID)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, db.UserAuthorizeUserForConversation(alice.root, convID))
	ok, err = db.UserCheckConversation(alice.root, convID)
	require.NoError(t, err)
	require.True(t, ok)

	// Fanout server admission uses the same row.
	fanoutBox, err := keyring.NewBoxKeyPair()
	require.NoError(t, err)
	ok, err = db.UserCheckConversation(fanoutBox.Hash(), convID)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, db.UserAuthorizeServerForConversation(fanoutBox.Hash(), convID))
	ok, err = db.UserCheckConversation(fanoutBox.Hash(), convID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestServerAuth(t *testing.T) {
	db := testDB(t)
	blob := newTestServerBlob(t, "peer.example")
	peer, err := ident.VerifyServerSelfIdent(blob)
	require.NoError(t, err)

	ok, err := db.ServerCheckServerAuth(peer.BoxKeyHash())
	require.NoError(t, err)
	require.False(t, ok)

	hash, err := db.ServerAuthorizeServer(blob)
	require.NoError(t, err)
	require.Equal(t, peer.BoxKeyHash(), hash)

	ok, err = db.ServerCheckServerAuth(hash)
	require.NoError(t, err)
	require.True(t, ok)

	stored, err := db.ServerFetchServerIdent(hash)
	require.NoError(t, err)
	require.Equal(t, "peer.example", stored.Host)

	pub, ok := db.ServerResolveServerKey(hash)
	require.True(t, ok)
	require.Equal(t, peer.BoxPub, *pub)

	_, err = db.ServerFetchServerIdent(keyring.KeyHash{})
	require.ErrorIs(t, err, ErrUnknownServer)
}
