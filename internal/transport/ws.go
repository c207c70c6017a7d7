package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("transport")

const (
	writeTimeout     = 10 * time.Second
	reconnectMinWait = 500 * time.Millisecond
	reconnectMaxWait = 30 * time.Second
)

// envelope is the websocket frame format shared with the coordinating
// server. An event frame carries Event+Payload; an ack frame carries
// AckFor+Success and echoes nothing else.
type envelope struct {
	Event   string          `json:"event,omitempty"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	AckFor  string          `json:"ackFor,omitempty"`
	Success bool            `json:"success,omitempty"`
}

// WSClient is the websocket Transport implementation. It dials the
// coordinating server, reconnects with exponential backoff, correlates
// acks by frame id, and fans inbound events out to registered handlers
// in arrival order.
type WSClient struct {
	url    string
	header http.Header

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool

	handlerMu sync.RWMutex
	handlers  map[string][]*handlerEntry

	connMu        sync.RWMutex
	connListeners map[*connListener]struct{}

	ackMu   sync.Mutex
	pending map[string]chan bool

	done chan struct{}
}

type handlerEntry struct{ fn Handler }

type connListener struct{ fn func(bool) }

// DialWS creates a websocket transport and starts its connect loop.
// The returned client is usable immediately; emits before the first
// successful dial fail with ErrNotConnected.
func DialWS(url string, header http.Header) *WSClient {
	c := &WSClient{
		url:           url,
		header:        header,
		handlers:      make(map[string][]*handlerEntry),
		connListeners: make(map[*connListener]struct{}),
		pending:       make(map[string]chan bool),
		done:          make(chan struct{}),
	}
	go c.run()
	return c
}

// run dials, reads until failure, then backs off and redials.
func (c *WSClient) run() {
	wait := reconnectMinWait
	for {
		select {
		case <-c.done:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(c.url, c.header)
		if err != nil {
			log.Debugf("dial %s failed: %v (retry in %s)", c.url, err, wait)
			select {
			case <-time.After(wait):
			case <-c.done:
				return
			}
			wait *= 2
			if wait > reconnectMaxWait {
				wait = reconnectMaxWait
			}
			continue
		}

		wait = reconnectMinWait
		c.setConn(conn)
		log.Infof("connected to %s", c.url)
		c.notifyConn(true)

		c.readLoop(conn)

		c.setConn(nil)
		c.notifyConn(false)
		c.failPending()
		log.Warnf("connection to %s lost", c.url)
	}
}

func (c *WSClient) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != nil && c.conn != conn {
		c.conn.Close()
	}
	c.conn = conn
	c.connected = conn != nil
	c.mu.Unlock()
}

// readLoop dispatches inbound frames until the connection breaks.
// Handlers run on this goroutine, so per-connection ordering holds.
func (c *WSClient) readLoop(conn *websocket.Conn) {
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			conn.Close()
			return
		}

		if env.AckFor != "" {
			c.resolveAck(env.AckFor, env.Success)
			continue
		}
		if env.Event == "" {
			continue
		}

		c.handlerMu.RLock()
		entries := make([]*handlerEntry, len(c.handlers[env.Event]))
		copy(entries, c.handlers[env.Event])
		c.handlerMu.RUnlock()

		for _, e := range entries {
			e.fn(env.Payload)
		}
	}
}

// Emit sends a fire-and-forget event frame.
func (c *WSClient) Emit(event string, payload any) error {
	return c.write(envelope{Event: event}, payload)
}

// EmitWithAck sends an event frame with a correlation id and waits for
// the matching ack, the timeout, or ctx — whichever comes first.
func (c *WSClient) EmitWithAck(ctx context.Context, event string, payload any, timeout time.Duration) error {
	id := uuid.NewString()
	ackCh := make(chan bool, 1)

	c.ackMu.Lock()
	c.pending[id] = ackCh
	c.ackMu.Unlock()
	defer func() {
		c.ackMu.Lock()
		delete(c.pending, id)
		c.ackMu.Unlock()
	}()

	if err := c.write(envelope{Event: event, ID: id}, payload); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ok := <-ackCh:
		if !ok {
			return ErrNack
		}
		return nil
	case <-timer.C:
		return ErrAckTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

func (c *WSClient) write(env envelope, payload any) error {
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", env.Event, err)
		}
		env.Payload = raw
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("write %s: %w", env.Event, err)
	}
	return nil
}

func (c *WSClient) resolveAck(id string, success bool) {
	c.ackMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.ackMu.Unlock()
	if ok {
		ch <- success
	}
}

// failPending nacks every in-flight ack wait when the connection drops,
// so senders fall back to the durable queue instead of hanging for the
// full timeout.
func (c *WSClient) failPending() {
	c.ackMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- false
	}
	c.ackMu.Unlock()
}

// On registers a handler for event and returns a remover.
func (c *WSClient) On(event string, h Handler) (off func()) {
	e := &handlerEntry{fn: h}
	c.handlerMu.Lock()
	c.handlers[event] = append(c.handlers[event], e)
	c.handlerMu.Unlock()

	return func() {
		c.handlerMu.Lock()
		list := c.handlers[event]
		for i, cur := range list {
			if cur == e {
				c.handlers[event] = append(list[:i], list[i+1:]...)
				break
			}
		}
		c.handlerMu.Unlock()
	}
}

// Connected reports whether the server link is up.
func (c *WSClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// OnConnectionChange registers a connect/disconnect listener.
func (c *WSClient) OnConnectionChange(fn func(bool)) (off func()) {
	l := &connListener{fn: fn}
	c.connMu.Lock()
	c.connListeners[l] = struct{}{}
	c.connMu.Unlock()

	return func() {
		c.connMu.Lock()
		delete(c.connListeners, l)
		c.connMu.Unlock()
	}
}

func (c *WSClient) notifyConn(connected bool) {
	c.connMu.RLock()
	listeners := make([]*connListener, 0, len(c.connListeners))
	for l := range c.connListeners {
		listeners = append(listeners, l)
	}
	c.connMu.RUnlock()
	for _, l := range listeners {
		l.fn(connected)
	}
}

// Close shuts the transport down permanently. Idempotent.
func (c *WSClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	close(c.done)
	c.failPending()
	if conn != nil {
		conn.Close()
	}
	return nil
}
