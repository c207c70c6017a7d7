// Package chat makes message delivery resilient to transient
// disconnects. Sends race a transport ack against a timeout; anything
// that misses lands in a durable outbox and is retried on a fixed
// interval and on reconnect, up to a bounded attempt count.
package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/watchwire/watchwire/internal/proto"
	"github.com/watchwire/watchwire/internal/transport"
	"github.com/watchwire/watchwire/internal/util"
)

var log = logging.Logger("chat")

const (
	// DefaultHistorySize is the number of messages kept in memory.
	DefaultHistorySize = 200

	// DefaultAckTimeout bounds how long a send waits for the server ack.
	DefaultAckTimeout = 5 * time.Second

	// DefaultRetryInterval is the cadence of queue processing passes.
	DefaultRetryInterval = 3 * time.Second

	// DefaultMaxRetries is the attempt bound after which a message is
	// surfaced as non-retryable.
	DefaultMaxRetries = 3
)

// Options tune the delivery queue. Zero values fall back to defaults.
type Options struct {
	HistorySize   int
	AckTimeout    time.Duration
	RetryInterval time.Duration
	MaxRetries    int
}

// Manager is the chat delivery queue for one client.
type Manager struct {
	tr     transport.Transport
	outbox *Outbox
	selfID string

	ackTimeout    time.Duration
	retryInterval time.Duration
	maxRetries    int

	mu      sync.Mutex
	roomID  string
	history *util.RingBuffer[*Message]
	byID    map[string]*Message // locally-sent messages, for receipt matching
	typing  bool

	listenerMu      sync.RWMutex
	msgListeners    map[chan *Message]struct{}
	typingListeners map[chan TypingNotice]struct{}

	processMu sync.Mutex // serializes queue passes

	offs []func()
	done chan struct{}
}

// New creates the delivery queue, reloads the durable outbox, registers
// transport handlers and starts the retry loop.
func New(tr transport.Transport, outbox *Outbox, selfID string, opts Options) *Manager {
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}

	m := &Manager{
		tr:              tr,
		outbox:          outbox,
		selfID:          selfID,
		ackTimeout:      opts.AckTimeout,
		retryInterval:   opts.RetryInterval,
		maxRetries:      opts.MaxRetries,
		history:         util.NewRingBuffer[*Message](opts.HistorySize),
		byID:            make(map[string]*Message),
		msgListeners:    make(map[chan *Message]struct{}),
		typingListeners: make(map[chan TypingNotice]struct{}),
		done:            make(chan struct{}),
	}

	// Reload undelivered messages so a restart keeps them visible and
	// in the retry rotation.
	if queued, err := outbox.All(); err != nil {
		log.Errorf("reload outbox: %v", err)
	} else {
		for _, msg := range queued {
			m.byID[msg.ID] = msg
			m.history.Push(msg)
		}
		if len(queued) > 0 {
			log.Infof("reloaded %d undelivered messages", len(queued))
		}
	}

	m.offs = append(m.offs,
		tr.On(proto.EventChatMessage, m.handleRemoteMessage),
		tr.On(proto.EventMessageDelivered, func(raw json.RawMessage) { m.handleReceipt(raw, StatusDelivered) }),
		tr.On(proto.EventMessageRead, func(raw json.RawMessage) { m.handleReceipt(raw, StatusRead) }),
		tr.On(proto.EventTypingStart, func(raw json.RawMessage) { m.handleTyping(raw, true) }),
		tr.On(proto.EventTypingEnd, func(raw json.RawMessage) { m.handleTyping(raw, false) }),
		tr.OnConnectionChange(func(connected bool) {
			if connected {
				go m.ProcessQueue(context.Background())
			}
		}),
	)

	go m.retryLoop()
	return m
}

// SetRoom scopes subsequent sends to roomID.
func (m *Manager) SetRoom(roomID string) {
	m.mu.Lock()
	m.roomID = roomID
	m.mu.Unlock()
}

// Send creates a message and attempts delivery. Offline sends go
// straight to the durable queue with a zero retry count; online sends
// wait for the server ack and fall back to the queue on timeout or
// rejection. The returned message reflects the final status of this
// attempt.
func (m *Manager) Send(ctx context.Context, content string, typ MessageType, metadata map[string]string) (*Message, error) {
	m.mu.Lock()
	roomID := m.roomID
	m.mu.Unlock()

	msg := NewMessage(m.selfID, roomID, content, typ, metadata)
	m.track(msg)

	if !m.tr.Connected() {
		msg.Status = StatusFailed
		msg.RetryCount = 0
		if err := m.outbox.Put(msg); err != nil {
			return msg, err
		}
		log.Debugf("offline, queued message %s", msg.ID)
		m.notify(msg)
		return msg, nil
	}

	m.notify(msg) // sending

	if err := m.tr.EmitWithAck(ctx, proto.EventChatMessage, msg, m.ackTimeout); err != nil {
		msg.advance(StatusFailed)
		msg.RetryCount = 1
		if perr := m.outbox.Put(msg); perr != nil {
			log.Errorf("persist failed message %s: %v", msg.ID, perr)
		}
		log.Warnf("send %s failed (%v), queued for retry", msg.ID, err)
		m.notify(msg)
		return msg, nil
	}

	msg.advance(StatusSent)
	m.notify(msg)
	return msg, nil
}

// ProcessQueue attempts delivery of every queued message in insertion
// order. Safe to call concurrently and with an empty queue; messages
// whose retry count reached the maximum are skipped.
func (m *Manager) ProcessQueue(ctx context.Context) {
	m.processMu.Lock()
	defer m.processMu.Unlock()

	if !m.tr.Connected() {
		return
	}

	pending, err := m.outbox.Pending(m.maxRetries)
	if err != nil {
		log.Errorf("read outbox: %v", err)
		return
	}

	for _, msg := range pending {
		tracked := m.track(msg)

		if err := m.tr.EmitWithAck(ctx, proto.EventChatMessage, tracked, m.ackTimeout); err != nil {
			tracked.RetryCount++
			tracked.advance(StatusFailed)
			if perr := m.outbox.Put(tracked); perr != nil {
				log.Errorf("persist retry state %s: %v", tracked.ID, perr)
			}
			if tracked.RetryCount >= m.maxRetries {
				log.Warnf("message %s exhausted %d attempts, giving up", tracked.ID, tracked.RetryCount)
			}
			m.notify(tracked)
			continue
		}

		tracked.advance(StatusSent)
		if err := m.outbox.Delete(tracked.ID); err != nil {
			log.Errorf("dequeue %s: %v", tracked.ID, err)
		}
		log.Debugf("retried message %s delivered", tracked.ID)
		m.notify(tracked)
	}
}

// Retry puts an exhausted message back into the rotation and kicks a
// queue pass.
func (m *Manager) Retry(ctx context.Context, id string) error {
	msg, ok, err := m.outbox.Get(id)
	if err != nil || !ok {
		return err
	}
	msg.RetryCount = 0
	if err := m.outbox.Put(msg); err != nil {
		return err
	}
	if tracked := m.lookup(id); tracked != nil {
		tracked.RetryCount = 0
	}
	go m.ProcessQueue(ctx)
	return nil
}

// Discard drops an undelivered message for good.
func (m *Manager) Discard(id string) error {
	m.mu.Lock()
	delete(m.byID, id)
	m.mu.Unlock()
	return m.outbox.Delete(id)
}

// MarkRead reports a received message as read to its sender.
func (m *Manager) MarkRead(messageID string) error {
	return m.tr.Emit(proto.EventMessageRead, proto.Receipt{
		MessageID: messageID,
		UserID:    m.selfID,
	})
}

// SetTyping emits typing start/end transitions. Repeated calls with the
// same value are suppressed.
func (m *Manager) SetTyping(typing bool) error {
	m.mu.Lock()
	if m.typing == typing {
		m.mu.Unlock()
		return nil
	}
	m.typing = typing
	roomID := m.roomID
	m.mu.Unlock()

	event := proto.EventTypingEnd
	if typing {
		event = proto.EventTypingStart
	}
	return m.tr.Emit(event, proto.TypingEvent{UserID: m.selfID, RoomID: roomID})
}

// History returns the in-memory message buffer, oldest first.
func (m *Manager) History() []*Message {
	return m.history.Snapshot()
}

// QueueLen returns the number of messages in the durable outbox.
func (m *Manager) QueueLen() int {
	n, err := m.outbox.Len()
	if err != nil {
		log.Errorf("count outbox: %v", err)
		return 0
	}
	return n
}

// Get returns a tracked message by id.
func (m *Manager) Get(id string) (*Message, bool) {
	msg := m.lookup(id)
	return msg, msg != nil
}

// SubscribeMessages returns a channel receiving every message mutation
// (new, status change, remote arrival).
func (m *Manager) SubscribeMessages() (ch chan *Message, cancel func()) {
	ch = make(chan *Message, 32)
	m.listenerMu.Lock()
	m.msgListeners[ch] = struct{}{}
	m.listenerMu.Unlock()

	return ch, func() {
		m.listenerMu.Lock()
		if _, ok := m.msgListeners[ch]; ok {
			delete(m.msgListeners, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	}
}

// SubscribeTyping returns a channel receiving remote typing events.
func (m *Manager) SubscribeTyping() (ch chan TypingNotice, cancel func()) {
	ch = make(chan TypingNotice, 16)
	m.listenerMu.Lock()
	m.typingListeners[ch] = struct{}{}
	m.listenerMu.Unlock()

	return ch, func() {
		m.listenerMu.Lock()
		if _, ok := m.typingListeners[ch]; ok {
			delete(m.typingListeners, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	}
}

// Close stops the retry loop and unsubscribes all transport handlers.
// The shared transport itself stays open.
func (m *Manager) Close() error {
	select {
	case <-m.done:
		return nil
	default:
		close(m.done)
	}
	for _, off := range m.offs {
		off()
	}

	m.listenerMu.Lock()
	for ch := range m.msgListeners {
		close(ch)
	}
	m.msgListeners = make(map[chan *Message]struct{})
	for ch := range m.typingListeners {
		close(ch)
	}
	m.typingListeners = make(map[chan TypingNotice]struct{})
	m.listenerMu.Unlock()
	return nil
}

func (m *Manager) retryLoop() {
	ticker := time.NewTicker(m.retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.ProcessQueue(context.Background())
		}
	}
}

// track registers a message in the id index and history, reusing the
// already-tracked instance when one exists so status updates converge
// on a single object.
func (m *Manager) track(msg *Message) *Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byID[msg.ID]; ok {
		return existing
	}
	m.byID[msg.ID] = msg
	m.history.Push(msg)
	return msg
}

func (m *Manager) lookup(id string) *Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id]
}

// handleRemoteMessage synthesizes a delivered message from a remote
// sender and acknowledges receipt. It never enters the send/retry path.
func (m *Manager) handleRemoteMessage(raw json.RawMessage) {
	var msg Message
	if err := proto.Decode(raw, &msg); err != nil {
		log.Warnf("drop malformed chat message: %v", err)
		return
	}
	if msg.SenderID == m.selfID {
		return // our own message relayed back
	}

	msg.Status = StatusDelivered
	m.mu.Lock()
	m.history.Push(&msg)
	m.mu.Unlock()

	if err := m.tr.Emit(proto.EventMessageDelivered, proto.Receipt{
		MessageID: msg.ID,
		UserID:    m.selfID,
	}); err != nil {
		log.Debugf("delivered receipt for %s not sent: %v", msg.ID, err)
	}

	m.notify(&msg)
}

// handleReceipt applies a delivered/read receipt to the matching local
// message. Unknown ids are ignored.
func (m *Manager) handleReceipt(raw json.RawMessage, status Status) {
	var rc proto.Receipt
	if err := proto.Decode(raw, &rc); err != nil {
		log.Warnf("drop malformed receipt: %v", err)
		return
	}
	msg := m.lookup(rc.MessageID)
	if msg == nil {
		return
	}
	if msg.advance(status) {
		m.notify(msg)
	}
}

func (m *Manager) handleTyping(raw json.RawMessage, typing bool) {
	var ev proto.TypingEvent
	if err := proto.Decode(raw, &ev); err != nil {
		return
	}
	if ev.UserID == m.selfID {
		return
	}
	notice := TypingNotice{UserID: ev.UserID, RoomID: ev.RoomID, Typing: typing}
	m.listenerMu.RLock()
	for ch := range m.typingListeners {
		select {
		case ch <- notice:
		default:
		}
	}
	m.listenerMu.RUnlock()
}

func (m *Manager) notify(msg *Message) {
	m.listenerMu.RLock()
	for ch := range m.msgListeners {
		select {
		case ch <- msg:
		default:
			// listener buffer full, skip
		}
	}
	m.listenerMu.RUnlock()
}
