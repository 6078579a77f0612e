// Package mailsender pushes outbound transit messages to their
// destination servers. Each message gets a one-shot authenticated
// connection that resolves on deliver_ack and rejects on deliver_bad or
// on the connection closing first. No retry happens here; redelivery
// policy belongs to the caller.
package mailsender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/deuxdrop/deuxdrop-go/internal/maildrop"
	"github.com/deuxdrop/deuxdrop-go/pkg/authconn"
	"github.com/deuxdrop/deuxdrop-go/pkg/envelope"
	"github.com/deuxdrop/deuxdrop-go/pkg/ident"
	"github.com/deuxdrop/deuxdrop-go/pkg/keyring"
)

var (
	// ErrDeliveryRefused means the destination answered deliver_bad. The
	// destination does not say why.
	ErrDeliveryRefused = errors.New("mailsender: delivery refused")
	// ErrDeliveryIncomplete means the connection closed before any
	// verdict arrived.
	ErrDeliveryIncomplete = errors.New("mailsender: closed before ack")
)

const (
	logKeyDelivery = "delivery"
	logKeyDest     = "dest"
	logKeyConvID   = "convId"
)

// batchConcurrency bounds how many destination servers a batch contacts
// at once.
const batchConcurrency = 8

// Config carries the sender's identity and transport.
type Config struct {
	// ConnKey is this server's connection boxing key as a restricted
	// view.
	ConnKey keyring.LimitedKeyring
	// Dialer opens framed transports to destination URLs. Nil means the
	// websocket dialer.
	Dialer authconn.Dialer
	// Logger is optional; nil means slog.Default().
	Logger *slog.Logger
}

// Sender delivers outbound messages over one-shot connections.
type Sender struct {
	connKey keyring.LimitedKeyring
	dialer  authconn.Dialer
	logger  *slog.Logger
}

// New builds a sender.
func New(cfg Config) (*Sender, error) {
	if cfg.ConnKey == nil {
		return nil, errors.New("mailsender: ConnKey required")
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &authconn.WebsocketDialer{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{connKey: cfg.ConnKey, dialer: dialer, logger: logger}, nil
}

// SendDirect delivers a non-conversation message to the recipient's
// transit server.
func (s *Sender) SendDirect(
	ctx context.Context,
	dest *ident.ServerSelfIdent,
	env *envelope.TransitEnvelope,
) error {
	_, err := s.send(ctx, dest, maildrop.MsgDeliver, maildrop.DeliverRequest{
		Msg: env,
	})
	return err
}

// SendConversation delivers a conversation message to its fanout server
// and returns the sequence number the fanout assigned.
func (s *Sender) SendConversation(
	ctx context.Context,
	dest *ident.ServerSelfIdent,
	convID string,
	env *envelope.TransitEnvelope,
) (int64, error) {
	ack, err := s.send(ctx, dest, maildrop.MsgFanout, maildrop.DeliverRequest{
		ConvID: convID,
		Msg:    env,
	})
	if err != nil {
		return 0, err
	}
	return ack.Seq, nil
}

// send opens a one-shot connection, transmits the request, and waits for
// exactly one verdict.
func (s *Sender) send(
	ctx context.Context,
	dest *ident.ServerSelfIdent,
	msgType string,
	req maildrop.DeliverRequest,
) (*maildrop.DeliverAck, error) {
	deliveryID := uuid.New()
	url := dest.URL(maildrop.RolePath)
	s.logger.Debug("opening one-shot delivery connection",
		logKeyDelivery, deliveryID.String(),
		logKeyDest, url)

	conn, err := authconn.Dial(ctx, s.dialer, url, authconn.ClientConfig{
		ConnKey:      s.connKey,
		ServerBoxPub: dest.BoxPub,
		Logger:       s.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	go conn.Run(ctx)
	defer conn.Close()

	msg, err := authconn.NewMessage(msgType, req)
	if err != nil {
		return nil, err
	}
	reply, err := conn.Call(ctx, msg, maildrop.MsgDeliverAck, maildrop.MsgDeliverBad)
	if errors.Is(err, authconn.ErrClosedBeforeCompletion) {
		return nil, fmt.Errorf("%w: %w", ErrDeliveryIncomplete, err)
	}
	if err != nil {
		return nil, err
	}
	if reply.Type == maildrop.MsgDeliverBad {
		s.logger.Info("delivery refused",
			logKeyDelivery, deliveryID.String(),
			logKeyDest, url)
		return nil, ErrDeliveryRefused
	}

	var ack maildrop.DeliverAck
	if len(reply.Msg) > 0 {
		if err := reply.DecodeBody(&ack); err != nil {
			return nil, err
		}
	}
	s.logger.Info("delivery acknowledged",
		logKeyDelivery, deliveryID.String(),
		logKeyDest, url)
	return &ack, nil
}

// Delivery is one element of a batch send.
type Delivery struct {
	// ID tags the delivery in logs and results. Zero means assign one.
	ID uuid.UUID
	// Dest is the destination server.
	Dest *ident.ServerSelfIdent
	// ConvID routes to fanout when non-empty, direct delivery otherwise.
	ConvID string
	// Env is the boxed message.
	Env *envelope.TransitEnvelope
}

// Result is the per-delivery outcome of a batch send.
type Result struct {
	ID  uuid.UUID
	Seq int64
	Err error
}

// SendMany delivers a batch concurrently, one one-shot connection per
// destination. Every delivery gets a result; a failed delivery never
// aborts its siblings.
func (s *Sender) SendMany(ctx context.Context, deliveries []Delivery) []Result {
	results := make([]Result, len(deliveries))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i, del := range deliveries {
		i, del := i, del
		if del.ID == uuid.Nil {
			del.ID = uuid.New()
		}
		results[i].ID = del.ID
		g.Go(func() error {
			if del.ConvID != "" {
				seq, err := s.SendConversation(ctx, del.Dest, del.ConvID, del.Env)
				results[i].Seq = seq
				results[i].Err = err
				return nil
			}
			results[i].Err = s.SendDirect(ctx, del.Dest, del.Env)
			return nil
		})
	}
	// Workers only record per-delivery outcomes; Wait cannot fail.
	_ = g.Wait()
	return results
}
