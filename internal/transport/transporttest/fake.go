// Package transporttest provides an in-memory Transport for component
// tests. Delivery is synchronous so tests need no sleeps to observe
// handler side effects.
package transporttest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/watchwire/watchwire/internal/transport"
)

// Sent records one outbound emit.
type Sent struct {
	Event   string
	Payload json.RawMessage
	Acked   bool
}

// Fake implements transport.Transport in memory.
type Fake struct {
	mu        sync.Mutex
	connected bool
	handlers  map[string]map[int]transport.Handler
	connSubs  map[int]func(bool)
	nextID    int
	sent      []Sent

	// AckErr, when set, is returned from every EmitWithAck.
	AckErr error
}

var _ transport.Transport = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		connected: true,
		handlers:  make(map[string]map[int]transport.Handler),
		connSubs:  make(map[int]func(bool)),
	}
}

func (f *Fake) Emit(event string, payload any) error {
	return f.record(event, payload, false, nil)
}

func (f *Fake) EmitWithAck(_ context.Context, event string, payload any, _ time.Duration) error {
	f.mu.Lock()
	err := f.AckErr
	f.mu.Unlock()
	return f.record(event, payload, true, err)
}

func (f *Fake) record(event string, payload any, acked bool, ackErr error) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	f.sent = append(f.sent, Sent{Event: event, Payload: raw, Acked: acked})
	return ackErr
}

func (f *Fake) On(event string, h transport.Handler) (off func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers[event] == nil {
		f.handlers[event] = make(map[int]transport.Handler)
	}
	id := f.nextID
	f.nextID++
	f.handlers[event][id] = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers[event], id)
	}
}

func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) OnConnectionChange(fn func(bool)) (off func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.connSubs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.connSubs, id)
	}
}

func (f *Fake) Close() error { return nil }

// SetConnected flips the link state and fires connection listeners,
// like a real reconnect would.
func (f *Fake) SetConnected(up bool) {
	f.mu.Lock()
	if f.connected == up {
		f.mu.Unlock()
		return
	}
	f.connected = up
	subs := make([]func(bool), 0, len(f.connSubs))
	for _, fn := range f.connSubs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()
	for _, fn := range subs {
		fn(up)
	}
}

// SetAckErr makes subsequent EmitWithAck calls fail with err.
func (f *Fake) SetAckErr(err error) {
	f.mu.Lock()
	f.AckErr = err
	f.mu.Unlock()
}

// Deliver injects an inbound event, invoking handlers synchronously.
// v is marshalled to JSON first.
func (f *Fake) Deliver(t testingT, event string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %s: %v", event, err)
	}
	f.mu.Lock()
	hs := make([]transport.Handler, 0, len(f.handlers[event]))
	for _, h := range f.handlers[event] {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(raw)
	}
}

// Sent returns a copy of everything emitted so far.
func (f *Fake) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Sent, len(f.sent))
	copy(out, f.sent)
	return out
}

// SentFor filters emits by event name.
func (f *Fake) SentFor(event string) []Sent {
	var out []Sent
	for _, s := range f.Sent() {
		if s.Event == event {
			out = append(out, s)
		}
	}
	return out
}

// Reset clears the emit log.
func (f *Fake) Reset() {
	f.mu.Lock()
	f.sent = nil
	f.mu.Unlock()
}

type testingT interface {
	Fatalf(format string, args ...any)
}
