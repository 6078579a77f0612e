package mailstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/deuxdrop/deuxdrop-go/pkg/authconn"
	"github.com/deuxdrop/deuxdrop-go/pkg/envelope"
	"github.com/deuxdrop/deuxdrop-go/pkg/ident"
	"github.com/deuxdrop/deuxdrop-go/pkg/keyring"
)

// Store-connection request vocabulary, client to server.
const (
	MsgDeviceCheckin  = "deviceCheckin"
	MsgFetchConvIndex = "fetchConvIndex"
	MsgFetchConvMsgs  = "fetchConvMsgs"
	MsgFetchDirect    = "fetchDirect"
	MsgConsumeDirect  = "consumeDirect"
	MsgSend           = "send"
)

// Additional server-to-client types beyond the core vocabulary.
const (
	MsgDirectData = "directData"
	MsgSendBad    = "send_bad"
)

// RolePath is the websocket endpoint path store connections arrive on.
const RolePath = "store/connect"

// defaultDirectBatch bounds a direct-queue fetch when the client names no
// count.
const defaultDirectBatch = 32

// CheckinRequest opens a session: the client names its replication level
// and the last mutation it has replicated.
type CheckinRequest struct {
	Level       ReplicationLevel `json:"level"`
	MutationSeq int64            `json:"mutationSeq"`
}

// CheckinReply carries the server's current mutation counter under either
// checkin verdict.
type CheckinReply struct {
	MutationSeq int64 `json:"mutationSeq"`
}

// ConvIndexReply is the body of a convIndexData message.
type ConvIndexReply struct {
	Convs []ConvSummary `json:"convs"`
}

// ConvMsgsRequest asks for the session user's copies of one conversation.
type ConvMsgsRequest struct {
	ConvID string `json:"convId"`
}

// ConvMsgsReply is the body of a convMsgsData message.
type ConvMsgsReply struct {
	ConvID string          `json:"convId"`
	Msgs   []StoredMessage `json:"msgs"`
}

// DirectFetchRequest asks for queued direct messages without consuming
// them.
type DirectFetchRequest struct {
	Count int `json:"count,omitempty"`
}

// DirectDataReply is the body of a directData message.
type DirectDataReply struct {
	Msgs []envelope.TransitEnvelope `json:"msgs"`
}

// ConsumeDirectRequest acknowledges direct messages the client has
// durably replicated, dropping them from the head of the queue.
type ConsumeDirectRequest struct {
	Count int `json:"count"`
}

// AckMutation is the body of an ackMutation message: the mutation counter
// after the client's change was applied.
type AckMutation struct {
	MutationSeq int64 `json:"mutationSeq"`
}

// SendRequest hands the store an outbound transit envelope and the
// destination server's self-ident blob.
type SendRequest struct {
	ServerIdent []byte                    `json:"serverIdent"`
	Msg         *envelope.TransitEnvelope `json:"msg"`
}

// AccountResolver maps an authenticated connection key to its account.
type AccountResolver interface {
	ServerResolveClientUser(client keyring.KeyHash) (keyring.KeyHash, bool, error)
}

// Deliverer forwards an outbound transit envelope to its destination
// server.
type Deliverer interface {
	SendDirect(
		ctx context.Context,
		dest *ident.ServerSelfIdent,
		env *envelope.TransitEnvelope,
	) error
}

// StoreConn serves the store-connection role: an authenticated client
// checks in, pulls its conversation index and message copies, drains its
// direct queue, and hands outbound messages to the sender. ackSend means
// this store accepted the message for transit; delivery to the recipient
// is the remote server's ack, and ackMutation confirms a replica change
// is durable here.
type StoreConn struct {
	ms       *Mailstore
	accounts AccountResolver
	send     Deliverer
	logger   *slog.Logger
}

// NewStoreConn builds the store role over the user's mailstore, the
// account ledger, and the outbound sender.
func NewStoreConn(
	ms *Mailstore,
	accounts AccountResolver,
	send Deliverer,
	logger *slog.Logger,
) (*StoreConn, error) {
	if ms == nil || accounts == nil || send == nil {
		return nil, errors.New("mailstore: mailstore, accounts, and sender required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreConn{ms: ms, accounts: accounts, send: send, logger: logger}, nil
}

// RegisterHandlers binds the store-connection message types onto an
// established connection's dispatch table.
func (sc *StoreConn) RegisterHandlers(table *authconn.HandlerTable) {
	table.MustRegister(authconn.StateEstablished, MsgDeviceCheckin, sc.handleCheckin)
	table.MustRegister(authconn.StateEstablished, MsgFetchConvIndex, sc.handleFetchConvIndex)
	table.MustRegister(authconn.StateEstablished, MsgFetchConvMsgs, sc.handleFetchConvMsgs)
	table.MustRegister(authconn.StateEstablished, MsgFetchDirect, sc.handleFetchDirect)
	table.MustRegister(authconn.StateEstablished, MsgConsumeDirect, sc.handleConsumeDirect)
	table.MustRegister(authconn.StateEstablished, MsgSend, sc.handleSend)
}

// user resolves the connection's authenticated key to its account. The
// store endpoint only admits client keys, so a miss here is a protocol
// failure, not a normal negative.
func (sc *StoreConn) user(c *authconn.Conn) (keyring.KeyHash, error) {
	root, ok, err := sc.accounts.ServerResolveClientUser(c.PeerKeyHash())
	if err != nil {
		return keyring.KeyHash{}, err
	}
	if !ok {
		return keyring.KeyHash{}, fmt.Errorf(
			"mailstore: no account for client %s", c.PeerKeyHash().Hex(),
		)
	}
	return root, nil
}

func (sc *StoreConn) handleCheckin(
	ctx context.Context,
	c *authconn.Conn,
	msg *authconn.Message,
) error {
	user, err := sc.user(c)
	if err != nil {
		return err
	}
	var req CheckinRequest
	if err := msg.DecodeBody(&req); err != nil {
		return err
	}
	verdict, err := sc.ms.Checkin(user, req.Level, req.MutationSeq)
	if err != nil {
		return err
	}
	current, err := sc.ms.MutationSeq(user)
	if err != nil {
		return err
	}
	sc.logger.Debug("device checkin",
		logKeyUser, user.Hex(),
		"level", req.Level.String(),
		"verdict", verdict)
	return c.SendType(verdict, CheckinReply{MutationSeq: current})
}

func (sc *StoreConn) handleFetchConvIndex(
	ctx context.Context,
	c *authconn.Conn,
	msg *authconn.Message,
) error {
	user, err := sc.user(c)
	if err != nil {
		return err
	}
	convs, err := sc.ms.FetchConvIndex(user)
	if err != nil {
		return err
	}
	return c.SendType(MsgConvIndexData, ConvIndexReply{Convs: convs})
}

func (sc *StoreConn) handleFetchConvMsgs(
	ctx context.Context,
	c *authconn.Conn,
	msg *authconn.Message,
) error {
	user, err := sc.user(c)
	if err != nil {
		return err
	}
	var req ConvMsgsRequest
	if err := msg.DecodeBody(&req); err != nil {
		return err
	}
	msgs, err := sc.ms.FetchConvMessages(user, req.ConvID)
	if errors.Is(err, ErrNoMessages) {
		// An unknown conversation is a normal empty answer.
		msgs = nil
	} else if err != nil {
		return err
	}
	return c.SendType(MsgConvMsgsData, ConvMsgsReply{ConvID: req.ConvID, Msgs: msgs})
}

func (sc *StoreConn) handleFetchDirect(
	ctx context.Context,
	c *authconn.Conn,
	msg *authconn.Message,
) error {
	user, err := sc.user(c)
	if err != nil {
		return err
	}
	var req DirectFetchRequest
	if err := msg.DecodeBody(&req); err != nil {
		return err
	}
	if req.Count <= 0 {
		req.Count = defaultDirectBatch
	}
	envs, err := sc.ms.PeekDirectMessages(user, req.Count)
	if err != nil {
		return err
	}
	return c.SendType(MsgDirectData, DirectDataReply{Msgs: envs})
}

func (sc *StoreConn) handleConsumeDirect(
	ctx context.Context,
	c *authconn.Conn,
	msg *authconn.Message,
) error {
	user, err := sc.user(c)
	if err != nil {
		return err
	}
	var req ConsumeDirectRequest
	if err := msg.DecodeBody(&req); err != nil {
		return err
	}
	if req.Count <= 0 {
		return fmt.Errorf("mailstore: consumeDirect count %d", req.Count)
	}
	seq, err := sc.ms.ConsumeDirectMessages(user, req.Count)
	if err != nil {
		return err
	}
	return c.SendType(MsgAckMutation, AckMutation{MutationSeq: seq})
}

func (sc *StoreConn) handleSend(
	ctx context.Context,
	c *authconn.Conn,
	msg *authconn.Message,
) error {
	user, err := sc.user(c)
	if err != nil {
		return err
	}
	var req SendRequest
	if err := msg.DecodeBody(&req); err != nil {
		return err
	}
	if req.Msg == nil {
		return errors.New("mailstore: send without envelope")
	}
	dest, err := ident.VerifyServerSelfIdent(req.ServerIdent)
	if err != nil {
		return fmt.Errorf("send destination: %w", err)
	}
	if err := sc.send.SendDirect(ctx, dest, req.Msg); err != nil {
		// A refused or failed transit is a normal negative outcome for
		// the session; the client may retry or repair.
		sc.logger.Debug("outbound send failed",
			logKeyUser, user.Hex(),
			logKeyError, err)
		return c.SendType(MsgSendBad, nil)
	}
	sc.logger.Info("outbound message accepted", logKeyUser, user.Hex())
	return c.SendType(MsgAckSend, nil)
}
