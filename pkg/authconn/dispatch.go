package authconn

import (
	"context"
	"fmt"
)

// DispatchKey routes an inbound message: the connection's current logical
// state paired with the message type tag.
type DispatchKey struct {
	State ConnState
	Type  string
}

// Handler processes one inbound message on an established connection.
type Handler func(ctx context.Context, c *Conn, msg *Message) error

// HandlerTable is the explicit (state, type) → handler mapping replacing
// name-mangled dynamic method lookup. It is assembled before connections
// are accepted and read-only afterwards.
type HandlerTable struct {
	handlers map[DispatchKey]Handler
}

// NewHandlerTable creates an empty handler table.
func NewHandlerTable() *HandlerTable {
	return &HandlerTable{handlers: make(map[DispatchKey]Handler)}
}

// Register binds a handler to a (state, type) pair. Registering a pair
// twice is a programming error and fails loudly.
func (t *HandlerTable) Register(state ConnState, msgType string, h Handler) error {
	if h == nil {
		return fmt.Errorf("authconn: nil handler for %s/%s", state, msgType)
	}
	key := DispatchKey{State: state, Type: msgType}
	if _, dup := t.handlers[key]; dup {
		return fmt.Errorf(
			"authconn: handler already registered for %s/%s", state, msgType,
		)
	}
	t.handlers[key] = h
	return nil
}

// MustRegister is Register for static table assembly at startup.
func (t *HandlerTable) MustRegister(state ConnState, msgType string, h Handler) {
	if err := t.Register(state, msgType, h); err != nil {
		panic(err)
	}
}

func (t *HandlerTable) lookup(state ConnState, msgType string) (Handler, bool) {
	if t == nil {
		return nil, false
	}
	h, ok := t.handlers[DispatchKey{State: state, Type: msgType}]
	return h, ok
}
