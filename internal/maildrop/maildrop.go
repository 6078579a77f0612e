// Package maildrop is the inbound admission point: it accepts boxed
// transit messages over an established AuthConn, checks the sender's
// authorization, and routes conversation traffic to fanout and direct
// traffic to the recipient's mailstore. A refused message gets a generic
// deliver_bad with no reason attached, so a probing sender learns nothing
// about which check failed.
package maildrop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/deuxdrop/deuxdrop-go/internal/authdb"
	"github.com/deuxdrop/deuxdrop-go/internal/fanout"
	"github.com/deuxdrop/deuxdrop-go/internal/mailstore"
	"github.com/deuxdrop/deuxdrop-go/pkg/authconn"
	"github.com/deuxdrop/deuxdrop-go/pkg/envelope"
	"github.com/deuxdrop/deuxdrop-go/pkg/keyring"
)

// Delivery message vocabulary.
const (
	MsgDeliver    = "deliver"
	MsgFanout     = "fanout"
	MsgDeliverAck = "deliver_ack"
	MsgDeliverBad = "deliver_bad"
)

// RolePath is the websocket endpoint path maildrop traffic arrives on.
const RolePath = "drop/deliver"

// replayCacheSize bounds the recently-seen-nonce cache. A nonce falling
// out of the cache could in principle be replayed; the window is large
// enough that a replay that old is caught by sequence checks downstream.
const replayCacheSize = 16384

const (
	logKeyPeer   = "peer"
	logKeyConvID = "convId"
	logKeyError  = "error"
)

// DeliverRequest is the body of a deliver or fanout message.
type DeliverRequest struct {
	ConvID string                    `json:"convId,omitempty"`
	Msg    *envelope.TransitEnvelope `json:"msg"`
}

// DeliverAck is the body of a deliver_ack reply. Seq is set for fanout
// traffic only.
type DeliverAck struct {
	Seq int64 `json:"seq,omitempty"`
}

// Maildrop admits inbound transit messages for this server's users.
type Maildrop struct {
	authdb    *authdb.DB
	fanout    *fanout.Fanout
	mailstore *mailstore.Mailstore
	seen      *lru.Cache
	logger    *slog.Logger
}

// New builds a maildrop over the server's ledger, fanout, and mailstore.
func New(
	db *authdb.DB,
	fo *fanout.Fanout,
	ms *mailstore.Mailstore,
	logger *slog.Logger,
) (*Maildrop, error) {
	if db == nil || fo == nil || ms == nil {
		return nil, errors.New("maildrop: authdb, fanout, and mailstore required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	seen, err := lru.New(replayCacheSize)
	if err != nil {
		return nil, fmt.Errorf("replay cache: %w", err)
	}
	return &Maildrop{
		authdb:    db,
		fanout:    fo,
		mailstore: ms,
		seen:      seen,
		logger:    logger,
	}, nil
}

// RegisterHandlers binds the delivery message types onto an established
// connection's dispatch table.
func (d *Maildrop) RegisterHandlers(table *authconn.HandlerTable) {
	table.MustRegister(authconn.StateEstablished, MsgDeliver, d.handleDeliver)
	table.MustRegister(authconn.StateEstablished, MsgFanout, d.handleFanout)
}

// refuse answers with the generic denial. The connection stays open; an
// authorization denial is a normal negative outcome, not a protocol
// failure.
func (d *Maildrop) refuse(c *authconn.Conn, peer keyring.KeyHash, why string) error {
	d.logger.Debug("delivery refused",
		logKeyPeer, peer.Hex(),
		"why", why)
	return c.SendType(MsgDeliverBad, nil)
}

// admitted reports whether the peer is an authorized client of a local
// account or a trusted peer server.
func (d *Maildrop) admitted(peer keyring.KeyHash) (bool, error) {
	ok, err := d.authdb.ServerCheckClientAuth(peer)
	if err != nil || ok {
		return ok, err
	}
	return d.authdb.ServerCheckServerAuth(peer)
}

// checkEnvelope validates shape and replay state. It does not record the
// nonce; that happens only after the message is accepted, so a refused
// message can be legitimately resent.
func (d *Maildrop) checkEnvelope(env *envelope.TransitEnvelope) bool {
	if env == nil || env.Version != envelope.CurrentVersion {
		return false
	}
	if len(env.Nonce) != 24 || len(env.Body) == 0 {
		return false
	}
	return !d.seen.Contains(string(env.Nonce))
}

func (d *Maildrop) handleDeliver(
	ctx context.Context,
	c *authconn.Conn,
	msg *authconn.Message,
) error {
	peer := c.PeerKeyHash()
	ok, err := d.admitted(peer)
	if err != nil {
		return err
	}
	if !ok {
		return d.refuse(c, peer, "unauthorized peer")
	}

	var req DeliverRequest
	if err := msg.DecodeBody(&req); err != nil {
		return d.refuse(c, peer, "malformed request")
	}
	if !d.checkEnvelope(req.Msg) {
		return d.refuse(c, peer, "rejected envelope")
	}

	recipKey, err := keyring.HashHexadecimal(req.Msg.RecipHash)
	if err != nil {
		return d.refuse(c, peer, "malformed recipient hash")
	}
	recipient, ok, err := d.authdb.ServerResolveUserByEnvelopeKey(recipKey)
	if err != nil {
		return err
	}
	if !ok {
		return d.refuse(c, peer, "unknown recipient")
	}

	if err := d.mailstore.DeliverDirectMessage(recipient, req.Msg); err != nil {
		return err
	}
	d.seen.Add(string(req.Msg.Nonce), struct{}{})

	d.logger.Info("direct message delivered",
		logKeyPeer, peer.Hex(),
		"recipient", recipient.Hex())
	return c.SendType(MsgDeliverAck, DeliverAck{})
}

func (d *Maildrop) handleFanout(
	ctx context.Context,
	c *authconn.Conn,
	msg *authconn.Message,
) error {
	peer := c.PeerKeyHash()
	ok, err := d.admitted(peer)
	if err != nil {
		return err
	}
	if !ok {
		return d.refuse(c, peer, "unauthorized peer")
	}

	var req DeliverRequest
	if err := msg.DecodeBody(&req); err != nil {
		return d.refuse(c, peer, "malformed request")
	}
	if req.ConvID == "" || !d.checkEnvelope(req.Msg) {
		return d.refuse(c, peer, "rejected envelope")
	}

	ok, err = d.authdb.UserCheckConversation(peer, req.ConvID)
	if err != nil {
		return err
	}
	if !ok {
		return d.refuse(c, peer, "no conversation privilege")
	}

	raw, err := json.Marshal(req.Msg)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	seq, err := d.fanout.AddMessageToConversation(req.ConvID, raw)
	if errors.Is(err, fanout.ErrNoConversation) {
		return d.refuse(c, peer, "no such conversation")
	}
	if err != nil {
		return err
	}

	participants, err := d.fanout.ConversationParticipants(req.ConvID)
	if err != nil {
		return err
	}
	activity := time.Now().UnixMilli()
	for _, rootHex := range participants {
		root, err := keyring.HashHexadecimal(rootHex)
		if err != nil {
			return fmt.Errorf("malformed participant root %q: %w", rootHex, err)
		}
		// Only users homed on this server get a mailstore copy.
		local, err := d.authdb.ServerCheckUserAccount(root)
		if err != nil {
			return err
		}
		if !local {
			continue
		}
		err = d.mailstore.DeliverConversationMessage(
			root, req.ConvID, seq, req.Msg, activity,
		)
		if err != nil {
			return err
		}
	}
	d.seen.Add(string(req.Msg.Nonce), struct{}{})

	d.logger.Info("conversation message fanned out",
		logKeyPeer, peer.Hex(),
		logKeyConvID, req.ConvID,
		"seq", seq)
	return c.SendType(MsgDeliverAck, DeliverAck{Seq: seq})
}
