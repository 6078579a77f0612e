package mailsender

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/deuxdrop/deuxdrop-go/internal/maildrop"
	"github.com/deuxdrop/deuxdrop-go/pkg/authconn"
	"github.com/deuxdrop/deuxdrop-go/pkg/envelope"
	"github.com/deuxdrop/deuxdrop-go/pkg/ident"
	"github.com/deuxdrop/deuxdrop-go/pkg/keyring"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newConnKey(t *testing.T, group string) keyring.LimitedKeyring {
	t.Helper()
	root, err := keyring.NewRootKeyring()
	require.NoError(t, err)
	longterm, err := root.IssueLongtermKeyring()
	require.NoError(t, err)
	_, err = longterm.IssueKeyGroup(group, map[string]keyring.KeyKind{
		"connBox": keyring.KindBox,
	})
	require.NoError(t, err)
	key, err := keyring.ExposeLimitedKeyringFor(longterm, group, "connBox")
	require.NoError(t, err)
	return key
}

// pipeDialer stands in for the websocket dialer: every Dial spawns an
// in-process destination server running the given handler table.
type pipeDialer struct {
	t         *testing.T
	serverKey keyring.LimitedKeyring
	clientKey keyring.LimitedKeyring
	handlers  *authconn.HandlerTable
}

func (d *pipeDialer) Dial(ctx context.Context, url string) (authconn.FrameConn, error) {
	clientFC, serverFC := authconn.NewPipe()
	go func() {
		conn, err := authconn.AcceptConn(ctx, serverFC, authconn.ServerConfig{
			BoxKey: d.serverKey,
			Resolver: authconn.ClientKeyResolverFunc(
				func(h keyring.KeyHash) (*[32]byte, bool) {
					if h != d.clientKey.Hash() {
						return nil, false
					}
					pub := d.clientKey.PublicKey()
					return &pub, true
				},
			),
			Handlers: d.handlers,
			Logger:   discardLogger(),
		})
		if err != nil {
			return
		}
		conn.Run(context.Background())
	}()
	return clientFC, nil
}

type senderFixture struct {
	sender *Sender
	dest   *ident.ServerSelfIdent
}

func newSenderFixture(t *testing.T, handlers *authconn.HandlerTable) *senderFixture {
	t.Helper()
	serverKey := newConnKey(t, "server")
	clientKey := newConnKey(t, "client")

	serverRoot, err := keyring.NewRootKeyring()
	require.NoError(t, err)
	blob, err := ident.SignServerSelfIdent(
		serverRoot, serverKey.PublicKey(),
		ident.ServerInfo{Tag: "transit", Host: "dest.example", Port: 7787},
	)
	require.NoError(t, err)
	dest, err := ident.VerifyServerSelfIdent(blob)
	require.NoError(t, err)

	sender, err := New(Config{
		ConnKey: clientKey,
		Dialer: &pipeDialer{
			t:         t,
			serverKey: serverKey,
			clientKey: clientKey,
			handlers:  handlers,
		},
		Logger: discardLogger(),
	})
	require.NoError(t, err)
	return &senderFixture{sender: sender, dest: dest}
}

func testEnvelope(t *testing.T) *envelope.TransitEnvelope {
	t.Helper()
	nonce := make([]byte, 24)
	_, err := rand.Read(nonce)
	require.NoError(t, err)
	return &envelope.TransitEnvelope{
		Version: envelope.CurrentVersion,
		Nonce:   nonce,
		Body:    []byte("boxed"),
	}
}

func ackHandlers(t *testing.T, wantConvID string, seq int64) *authconn.HandlerTable {
	t.Helper()
	handlers := authconn.NewHandlerTable()
	handlers.MustRegister(authconn.StateEstablished, maildrop.MsgDeliver,
		func(ctx context.Context, c *authconn.Conn, msg *authconn.Message) error {
			return c.SendType(maildrop.MsgDeliverAck, maildrop.DeliverAck{})
		})
	handlers.MustRegister(authconn.StateEstablished, maildrop.MsgFanout,
		func(ctx context.Context, c *authconn.Conn, msg *authconn.Message) error {
			var req maildrop.DeliverRequest
			if err := msg.DecodeBody(&req); err != nil {
				return err
			}
			if req.ConvID != wantConvID {
				t.Errorf("convId = %q, want %q", req.ConvID, wantConvID)
			}
			return c.SendType(maildrop.MsgDeliverAck, maildrop.DeliverAck{Seq: seq})
		})
	return handlers
}

func TestSendDirectAck(t *testing.T) {
	fx := newSenderFixture(t, ackHandlers(t, "", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, fx.sender.SendDirect(ctx, fx.dest, testEnvelope(t)))
}

func TestSendConversationSeq(t *testing.T) {
	fx := newSenderFixture(t, ackHandlers(t, "conv-9", 17))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	seq, err := fx.sender.SendConversation(ctx, fx.dest, "conv-9", testEnvelope(t))
	require.NoError(t, err)
	require.Equal(t, int64(17), seq)
}

func TestSendRefused(t *testing.T) {
	handlers := authconn.NewHandlerTable()
	handlers.MustRegister(authconn.StateEstablished, maildrop.MsgDeliver,
		func(ctx context.Context, c *authconn.Conn, msg *authconn.Message) error {
			return c.SendType(maildrop.MsgDeliverBad, nil)
		})
	fx := newSenderFixture(t, handlers)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := fx.sender.SendDirect(ctx, fx.dest, testEnvelope(t))
	require.ErrorIs(t, err, ErrDeliveryRefused)
}

func TestSendClosedBeforeAck(t *testing.T) {
	handlers := authconn.NewHandlerTable()
	handlers.MustRegister(authconn.StateEstablished, maildrop.MsgDeliver,
		func(ctx context.Context, c *authconn.Conn, msg *authconn.Message) error {
			return c.Close()
		})
	fx := newSenderFixture(t, handlers)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := fx.sender.SendDirect(ctx, fx.dest, testEnvelope(t))
	require.ErrorIs(t, err, ErrDeliveryIncomplete)
}

func TestSendMany(t *testing.T) {
	fx := newSenderFixture(t, ackHandlers(t, "conv-1", 3))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fixed := uuid.New()
	deliveries := []Delivery{
		{ID: fixed, Dest: fx.dest, Env: testEnvelope(t)},
		{Dest: fx.dest, ConvID: "conv-1", Env: testEnvelope(t)},
		{Dest: fx.dest, Env: testEnvelope(t)},
	}
	results := fx.sender.SendMany(ctx, deliveries)
	require.Len(t, results, 3)

	require.Equal(t, fixed, results[0].ID)
	for i, res := range results {
		require.NoError(t, res.Err, "delivery %d", i)
		require.NotEqual(t, uuid.Nil, res.ID)
	}
	require.Equal(t, int64(3), results[1].Seq)
}
