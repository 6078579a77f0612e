package authconn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/deuxdrop/deuxdrop-go/pkg/keyring"
)

// Conn is an established AuthConn session. All methods are safe for
// concurrent use. Incoming traffic is pumped by Run; one-shot calls and
// handler sends may proceed from any goroutine.
type Conn struct {
	fc          FrameConn
	logger      *slog.Logger
	peerKeyHash keyring.KeyHash

	secret   *[secretLen]byte
	sendBase [24]byte
	recvBase [24]byte

	sendMu  sync.Mutex
	sendSeq uint64

	// recvSeq is touched only by the Run goroutine.
	recvSeq uint64

	stateMu sync.Mutex
	state   ConnState

	handlers *HandlerTable

	pendMu  sync.Mutex
	pending []*waiter

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// waiter is one registered one-shot reply expectation.
type waiter struct {
	types map[string]struct{}
	ch    chan *Message
}

func newConn(
	fc FrameConn,
	logger *slog.Logger,
	peerKeyHash keyring.KeyHash,
	secret *[secretLen]byte,
	sendBase, recvBase [24]byte,
	handlers *HandlerTable,
) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		fc:          fc,
		logger:      logger,
		peerKeyHash: peerKeyHash,
		secret:      secret,
		sendBase:    sendBase,
		recvBase:    recvBase,
		state:       StateEstablished,
		handlers:    handlers,
		closed:      make(chan struct{}),
	}
}

// PeerKeyHash returns the authenticated peer's connection key hash.
func (c *Conn) PeerKeyHash() keyring.KeyHash {
	return c.peerKeyHash
}

// State returns the connection's current logical state.
func (c *Conn) State() ConnState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// SetState moves the connection to an application dispatch state.
func (c *Conn) SetState(s ConnState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.state = s
}

// Send seals and writes one message frame.
func (c *Conn) Send(msg *Message) error {
	select {
	case <-c.closed:
		return fmt.Errorf("%w: %s not sent", ErrClosed, msg.Type)
	default:
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	data, err := sealFrame(msg, c.secret, &c.sendBase, c.sendSeq)
	if err != nil {
		return err
	}
	if err := c.fc.WriteFrame(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	c.sendSeq++
	return nil
}

// SendType builds and sends a message in one step.
func (c *Conn) SendType(msgType string, body any) error {
	msg, err := NewMessage(msgType, body)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// Call sends msg and resolves with the first inbound message whose type is
// one of replyTypes. It rejects with ErrClosedBeforeCompletion if the
// connection closes first, and unregisters itself if ctx is done first.
func (c *Conn) Call(ctx context.Context, msg *Message, replyTypes ...string) (*Message, error) {
	if len(replyTypes) == 0 {
		return nil, fmt.Errorf("authconn: call needs at least one reply type")
	}
	w := &waiter{
		types: make(map[string]struct{}, len(replyTypes)),
		ch:    make(chan *Message, 1),
	}
	for _, t := range replyTypes {
		w.types[t] = struct{}{}
	}
	c.pendMu.Lock()
	c.pending = append(c.pending, w)
	c.pendMu.Unlock()

	if err := c.Send(msg); err != nil {
		c.removeWaiter(w)
		return nil, err
	}

	select {
	case reply := <-w.ch:
		return reply, nil
	case <-c.closed:
		return nil, c.closedBeforeCompletion()
	case <-ctx.Done():
		c.removeWaiter(w)
		return nil, ctx.Err()
	}
}

func (c *Conn) closedBeforeCompletion() error {
	if c.closeErr != nil {
		return fmt.Errorf("%w: %w", ErrClosedBeforeCompletion, c.closeErr)
	}
	return ErrClosedBeforeCompletion
}

func (c *Conn) removeWaiter(w *waiter) {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	for i, p := range c.pending {
		if p == w {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// deliverToWaiter hands msg to the oldest waiter expecting its type.
func (c *Conn) deliverToWaiter(msg *Message) bool {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	for i, w := range c.pending {
		if _, ok := w.types[msg.Type]; ok {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			w.ch <- msg
			return true
		}
	}
	return false
}

// Run pumps inbound frames until the connection closes, dispatching each
// message to a pending one-shot waiter or the handler table. It returns
// the close reason (nil for an orderly local Close).
func (c *Conn) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.closeWithError(ctx.Err())
			return c.closeErr
		case <-c.closed:
			return c.closeErr
		default:
		}

		data, err := c.fc.ReadFrame()
		if err != nil {
			// Reading past a locally initiated close is the orderly
			// shutdown path, not an error.
			select {
			case <-c.closed:
				return c.closeErr
			default:
			}
			c.closeWithError(fmt.Errorf("read frame: %w", err))
			return c.closeErr
		}

		msg, err := openFrame(data, c.secret, &c.recvBase, c.recvSeq)
		if err != nil {
			c.logger.Debug("frame rejected",
				logKeyPeerHash, c.peerKeyHash.Hex(),
				logKeyError, err)
			c.closeWithError(err)
			return c.closeErr
		}
		c.recvSeq++

		if c.deliverToWaiter(msg) {
			continue
		}

		state := c.State()
		handler, ok := c.handlers.lookup(state, msg.Type)
		if !ok {
			c.logger.Debug("no handler for message",
				logKeyState, state.String(),
				logKeyMsgType, msg.Type,
				logKeyPeerHash, c.peerKeyHash.Hex())
			c.closeWithError(fmt.Errorf(
				"%w: no handler for %s in state %s",
				ErrProtocol, msg.Type, state,
			))
			return c.closeErr
		}
		if err := handler(ctx, c, msg); err != nil {
			c.closeWithError(err)
			return c.closeErr
		}
	}
}

// Close shuts the connection down. Idempotent; pending one-shot calls
// reject with ErrClosedBeforeCompletion.
func (c *Conn) Close() error {
	c.closeWithError(nil)
	return nil
}

// CloseReason reports why the connection closed, nil for an orderly local
// close or while still open.
func (c *Conn) CloseReason() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

// Done is closed when the connection is fully shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

func (c *Conn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		c.stateMu.Lock()
		c.state = StateClosed
		c.stateMu.Unlock()
		close(c.closed)
		if cerr := c.fc.Close(); cerr != nil && err == nil {
			c.logger.Debug("transport close",
				logKeyPeerHash, c.peerKeyHash.Hex(),
				logKeyError, cerr)
		}
	})
}

// Handshake helpers shared by the client and server sides: handshake
// frames are plaintext JSON, one frame per message.

func writeHandshake(fc FrameConn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode handshake frame: %w", err)
	}
	if err := fc.WriteFrame(data); err != nil {
		return fmt.Errorf("write handshake frame: %w", err)
	}
	return nil
}

func readHandshake(fc FrameConn, v any) error {
	data, err := fc.ReadFrame()
	if err != nil {
		return fmt.Errorf("read handshake frame: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: handshake decode: %w", ErrProtocol, err)
	}
	return nil
}
