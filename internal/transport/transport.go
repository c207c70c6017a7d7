// Package transport provides the bidirectional event channel between this
// client and the coordinating server. Components emit named events and
// subscribe to inbound ones; payloads stay raw JSON until the proto layer
// validates them.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotConnected is returned when an emit is attempted while the
	// server connection is down. Callers degrade to queueing.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: closed")

	// ErrAckTimeout is returned when the server does not acknowledge an
	// emit within the caller's timeout.
	ErrAckTimeout = errors.New("transport: ack timeout")

	// ErrNack is returned when the server explicitly reports failure.
	ErrNack = errors.New("transport: delivery rejected")
)

// Handler receives the raw payload of one inbound event. Handlers for a
// given connection are invoked sequentially in arrival order.
type Handler func(payload json.RawMessage)

// Transport is the event channel shared by all components. No component
// closes it; only the owning session does.
type Transport interface {
	// Emit sends a fire-and-forget event.
	Emit(event string, payload any) error

	// EmitWithAck sends an event and waits for the server acknowledgement,
	// racing it against the timeout. The loser's effect is ignored.
	EmitWithAck(ctx context.Context, event string, payload any, timeout time.Duration) error

	// On registers a handler for a named event and returns its remover.
	On(event string, h Handler) (off func())

	// Connected reports whether the server link is currently up.
	Connected() bool

	// OnConnectionChange registers a listener for connect/disconnect
	// transitions and returns its remover.
	OnConnectionChange(fn func(connected bool)) (off func())

	// Close tears the connection down permanently.
	Close() error
}
