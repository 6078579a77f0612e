package authconn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// FrameConn is the unauthenticated framed transport an AuthConn runs
// over: whole-message binary framing, no ordering of reads against
// writes, no built-in security.
type FrameConn interface {
	// ReadFrame returns the next complete frame.
	ReadFrame() ([]byte, error)
	// WriteFrame writes one complete frame.
	WriteFrame(data []byte) error
	// Close tears the transport down. Idempotent.
	Close() error
}

// wsFrameConn adapts a gorilla websocket connection to FrameConn.
type wsFrameConn struct {
	ws *websocket.Conn
}

// NewWebsocketFrameConn wraps an upgraded or dialed websocket connection.
func NewWebsocketFrameConn(ws *websocket.Conn) FrameConn {
	return &wsFrameConn{ws: ws}
}

func (c *wsFrameConn) ReadFrame() ([]byte, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		// Control frames are handled by gorilla; a text frame on this
		// protocol is a peer defect worth surfacing.
		if msgType != websocket.BinaryMessage {
			return nil, fmt.Errorf("%w: non-binary frame", ErrProtocol)
		}
		return data, nil
	}
}

func (c *wsFrameConn) WriteFrame(data []byte) error {
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsFrameConn) Close() error {
	return c.ws.Close()
}

// Dialer opens a FrameConn to a peer endpoint URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (FrameConn, error)
}

// WebsocketDialer dials ws:// endpoints with the deuxdrop subprotocol.
type WebsocketDialer struct{}

// Dial opens a websocket FrameConn and verifies the negotiated
// subprotocol.
func (WebsocketDialer) Dial(ctx context.Context, url string) (FrameConn, error) {
	dialer := websocket.Dialer{Subprotocols: []string{Subprotocol}}
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if ws.Subprotocol() != Subprotocol {
		ws.Close()
		return nil, fmt.Errorf(
			"%w: server did not accept subprotocol %s", ErrProtocol, Subprotocol,
		)
	}
	return NewWebsocketFrameConn(ws), nil
}

// Upgrader upgrades inbound HTTP requests to AuthConn frame transports.
var Upgrader = websocket.Upgrader{
	Subprotocols:    []string{Subprotocol},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Peer authentication happens inside the AuthConn handshake, not at
	// the HTTP layer.
	CheckOrigin: func(*http.Request) bool { return true },
}

// pipeConn is an in-process FrameConn for tests and same-process role
// wiring: two of them share a pair of channels.
type pipeConn struct {
	in        <-chan []byte
	out       chan<- []byte
	closed    chan struct{}
	closeOnce sync.Once
	peer      *pipeConn
}

// NewPipe returns two connected in-process FrameConns.
func NewPipe() (FrameConn, FrameConn) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	a := &pipeConn{in: ba, out: ab, closed: make(chan struct{})}
	b := &pipeConn{in: ab, out: ba, closed: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

var errPipeClosed = errors.New("authconn: pipe closed")

func (p *pipeConn) ReadFrame() ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case <-p.closed:
		return nil, errPipeClosed
	case <-p.peer.closed:
		// Drain anything the peer wrote before closing.
		select {
		case data := <-p.in:
			return data, nil
		default:
			return nil, errPipeClosed
		}
	}
}

func (p *pipeConn) WriteFrame(data []byte) error {
	frame := make([]byte, len(data))
	copy(frame, data)
	select {
	case p.out <- frame:
		return nil
	case <-p.closed:
		return errPipeClosed
	case <-p.peer.closed:
		return errPipeClosed
	}
}

func (p *pipeConn) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}
