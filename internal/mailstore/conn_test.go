package mailstore

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deuxdrop/deuxdrop-go/pkg/authconn"
	"github.com/deuxdrop/deuxdrop-go/pkg/envelope"
	"github.com/deuxdrop/deuxdrop-go/pkg/ident"
	"github.com/deuxdrop/deuxdrop-go/pkg/keyring"
)

// staticAccounts resolves every listed client key to one account root.
type staticAccounts map[keyring.KeyHash]keyring.KeyHash

func (a staticAccounts) ServerResolveClientUser(
	client keyring.KeyHash,
) (keyring.KeyHash, bool, error) {
	root, ok := a[client]
	return root, ok, nil
}

// recordingDeliverer captures outbound envelopes and can be told to fail.
type recordingDeliverer struct {
	sent []*envelope.TransitEnvelope
	err  error
}

func (d *recordingDeliverer) SendDirect(
	ctx context.Context,
	dest *ident.ServerSelfIdent,
	env *envelope.TransitEnvelope,
) error {
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, env)
	return nil
}

type connFixture struct {
	ms        *Mailstore
	deliverer *recordingDeliverer
	userRoot  keyring.KeyHash
	connKey   keyring.LimitedKeyring
	client    *authconn.Conn
}

func testLimitedBoxKey(t *testing.T, group, key string) keyring.LimitedKeyring {
	t.Helper()
	root, err := keyring.NewRootKeyring()
	require.NoError(t, err)
	longterm, err := root.IssueLongtermKeyring()
	require.NoError(t, err)
	_, err = longterm.IssueKeyGroup(group, map[string]keyring.KeyKind{
		key: keyring.KindBox,
	})
	require.NoError(t, err)
	limited, err := keyring.ExposeLimitedKeyringFor(longterm, group, key)
	require.NoError(t, err)
	return limited
}

// newConnFixture builds a mailstore, a store-role dispatch table, and an
// AuthConn pair whose server side serves it.
func newConnFixture(t *testing.T) *connFixture {
	t.Helper()
	ms := testMailstore(t)
	deliverer := &recordingDeliverer{}

	userRoot := testUserHash(t)
	connKey := testLimitedBoxKey(t, "client", "connBox")

	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	sc, err := NewStoreConn(ms, staticAccounts{connKey.Hash(): userRoot}, deliverer, discard)
	require.NoError(t, err)
	handlers := authconn.NewHandlerTable()
	sc.RegisterHandlers(handlers)

	serverBox := testLimitedBoxKey(t, "server", "connBox")
	clientFC, serverFC := authconn.NewPipe()

	accepted := make(chan *authconn.Conn, 1)
	go func() {
		conn, err := authconn.AcceptConn(context.Background(), serverFC, authconn.ServerConfig{
			BoxKey: serverBox,
			Resolver: authconn.ClientKeyResolverFunc(
				func(h keyring.KeyHash) (*[32]byte, bool) {
					if h != connKey.Hash() {
						return nil, false
					}
					pub := connKey.PublicKey()
					return &pub, true
				},
			),
			Handlers: handlers,
			Logger:   discard,
		})
		if err != nil {
			t.Errorf("AcceptConn: %v", err)
			close(accepted)
			return
		}
		accepted <- conn
	}()

	client, err := authconn.DialConn(context.Background(), clientFC, authconn.ClientConfig{
		ConnKey:      connKey,
		ServerBoxPub: serverBox.PublicKey(),
		Logger:       discard,
	})
	require.NoError(t, err)

	server, ok := <-accepted
	require.True(t, ok)

	go server.Run(context.Background())
	go client.Run(context.Background())
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	return &connFixture{
		ms:        ms,
		deliverer: deliverer,
		userRoot:  userRoot,
		connKey:   connKey,
		client:    client,
	}
}

func (fx *connFixture) call(
	t *testing.T,
	msgType string,
	body any,
	replyTypes ...string,
) *authconn.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := authconn.NewMessage(msgType, body)
	require.NoError(t, err)
	reply, err := fx.client.Call(ctx, msg, replyTypes...)
	require.NoError(t, err)
	return reply
}

func (fx *connFixture) checkin(
	t *testing.T,
	level ReplicationLevel,
	seen int64,
) (string, CheckinReply) {
	t.Helper()
	reply := fx.call(t, MsgDeviceCheckin,
		CheckinRequest{Level: level, MutationSeq: seen},
		MsgCheckinCloseEnough, MsgCheckinNeedResync)
	var body CheckinReply
	require.NoError(t, reply.DecodeBody(&body))
	return reply.Type, body
}

func TestStoreConnCheckin(t *testing.T) {
	fx := newConnFixture(t)

	// Stateless clients are always close enough.
	verdict, _ := fx.checkin(t, Stateless, 0)
	require.Equal(t, MsgCheckinCloseEnough, verdict)

	require.NoError(t, fx.ms.DeliverDirectMessage(fx.userRoot, testEnvelope(1)))

	// A full replica that missed the delivery must resync; the reply
	// names the counter to catch up to.
	verdict, body := fx.checkin(t, Full, 0)
	require.Equal(t, MsgCheckinNeedResync, verdict)
	require.Equal(t, int64(1), body.MutationSeq)

	verdict, _ = fx.checkin(t, Full, body.MutationSeq)
	require.Equal(t, MsgCheckinCloseEnough, verdict)
}

func TestStoreConnConvFetch(t *testing.T) {
	fx := newConnFixture(t)

	require.NoError(t, fx.ms.DeliverConversationMessage(
		fx.userRoot, "conv-a", 1, testEnvelope(1), 100))
	require.NoError(t, fx.ms.DeliverConversationMessage(
		fx.userRoot, "conv-b", 1, testEnvelope(2), 200))

	reply := fx.call(t, MsgFetchConvIndex, nil, MsgConvIndexData)
	var idx ConvIndexReply
	require.NoError(t, reply.DecodeBody(&idx))
	require.Len(t, idx.Convs, 2)
	require.Equal(t, "conv-b", idx.Convs[0].ConvID)

	reply = fx.call(t, MsgFetchConvMsgs,
		ConvMsgsRequest{ConvID: "conv-a"}, MsgConvMsgsData)
	var msgs ConvMsgsReply
	require.NoError(t, reply.DecodeBody(&msgs))
	require.Equal(t, "conv-a", msgs.ConvID)
	require.Len(t, msgs.Msgs, 1)
	require.Equal(t, []byte{1}, msgs.Msgs[0].Envelope.Body)

	// Unknown conversation: an empty answer, not an error.
	reply = fx.call(t, MsgFetchConvMsgs,
		ConvMsgsRequest{ConvID: "conv-none"}, MsgConvMsgsData)
	require.NoError(t, reply.DecodeBody(&msgs))
	require.Empty(t, msgs.Msgs)
}

func TestStoreConnDirectFetchAndConsume(t *testing.T) {
	fx := newConnFixture(t)

	require.NoError(t, fx.ms.DeliverDirectMessage(fx.userRoot, testEnvelope(1)))
	require.NoError(t, fx.ms.DeliverDirectMessage(fx.userRoot, testEnvelope(2)))

	reply := fx.call(t, MsgFetchDirect, DirectFetchRequest{}, MsgDirectData)
	var direct DirectDataReply
	require.NoError(t, reply.DecodeBody(&direct))
	require.Len(t, direct.Msgs, 2)

	// Acknowledge the first; the ack carries the advanced mutation
	// counter.
	reply = fx.call(t, MsgConsumeDirect,
		ConsumeDirectRequest{Count: 1}, MsgAckMutation)
	var ack AckMutation
	require.NoError(t, reply.DecodeBody(&ack))
	require.Equal(t, int64(3), ack.MutationSeq)

	reply = fx.call(t, MsgFetchDirect, DirectFetchRequest{}, MsgDirectData)
	require.NoError(t, reply.DecodeBody(&direct))
	require.Len(t, direct.Msgs, 1)
	require.Equal(t, []byte{2}, direct.Msgs[0].Body)
}

func TestStoreConnSend(t *testing.T) {
	fx := newConnFixture(t)

	destRoot, err := keyring.NewRootKeyring()
	require.NoError(t, err)
	destBox, err := keyring.NewBoxKeyPair()
	require.NoError(t, err)
	destBlob, err := ident.SignServerSelfIdent(
		destRoot, destBox.Public(),
		ident.ServerInfo{Tag: "transit", Host: "dest.example", Port: 7787},
	)
	require.NoError(t, err)

	nonce := make([]byte, 24)
	_, err = rand.Read(nonce)
	require.NoError(t, err)
	env := &envelope.TransitEnvelope{
		SenderHash: keyring.KeyHash{}.Hex(),
		RecipHash:  keyring.KeyHash{}.Hex(),
		Nonce:      nonce,
		Version:    envelope.CurrentVersion,
		Body:       []byte("boxed"),
		AuthorSig:  []byte("sig"),
	}

	reply := fx.call(t, MsgSend,
		SendRequest{ServerIdent: destBlob, Msg: env},
		MsgAckSend, MsgSendBad)
	require.Equal(t, MsgAckSend, reply.Type)
	require.Len(t, fx.deliverer.sent, 1)
	require.Equal(t, env.Body, fx.deliverer.sent[0].Body)

	// A failed transit is reported without closing the session.
	fx.deliverer.err = errors.New("destination unreachable")
	reply = fx.call(t, MsgSend,
		SendRequest{ServerIdent: destBlob, Msg: env},
		MsgAckSend, MsgSendBad)
	require.Equal(t, MsgSendBad, reply.Type)

	fx.deliverer.err = nil
	reply = fx.call(t, MsgSend,
		SendRequest{ServerIdent: destBlob, Msg: env},
		MsgAckSend, MsgSendBad)
	require.Equal(t, MsgAckSend, reply.Type)
}
