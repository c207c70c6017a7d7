// Package presence derives the local user's activity state from input
// and visibility signals and mirrors every other participant's state
// from broadcast updates, last write wins.
package presence

import (
	"encoding/json"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/watchwire/watchwire/internal/proto"
	"github.com/watchwire/watchwire/internal/transport"
)

var log = logging.Logger("presence")

// DefaultIdleTimeout is the inactivity window before online turns away.
const DefaultIdleTimeout = 5 * time.Minute

// Record is the tracked presence of one user. LastSeen is populated
// only when the status is offline.
type Record struct {
	UserID   string
	Status   proto.PresenceStatus
	LastSeen int64 // unix millis
}

// Tracker owns the local status machine and the remote record table.
type Tracker struct {
	tr          transport.Transport
	selfID      string
	idleTimeout time.Duration
	nowFunc     func() time.Time

	mu        sync.Mutex
	status    proto.PresenceStatus
	lastSeen  int64
	hidden    bool
	idleTimer *time.Timer
	records   map[string]Record

	listenerMu sync.RWMutex
	listeners  map[chan Record]struct{}

	offs   []func()
	closed bool
}

// New creates a tracker. The initial status follows the transport's
// current connectivity; the idle timer starts immediately.
func New(tr transport.Transport, selfID string, idleTimeout time.Duration) *Tracker {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	t := &Tracker{
		tr:          tr,
		selfID:      selfID,
		idleTimeout: idleTimeout,
		nowFunc:     time.Now,
		records:     make(map[string]Record),
		listeners:   make(map[chan Record]struct{}),
	}

	if tr.Connected() {
		t.status = proto.StatusOnline
	} else {
		t.status = proto.StatusOffline
		t.lastSeen = proto.NowMillis()
	}

	t.offs = append(t.offs,
		tr.On(proto.EventPresenceUpdate, t.handleRemote),
		tr.OnConnectionChange(t.handleConnectivity),
	)
	t.resetIdleTimer()
	return t
}

// Activity records a local input signal (pointer, keyboard, scroll).
// Away from idleness flips back to online immediately; either way the
// idle timer restarts.
func (t *Tracker) Activity() {
	t.mu.Lock()
	wake := t.status == proto.StatusAway && !t.hidden
	if wake {
		t.status = proto.StatusOnline
	}
	t.resetIdleTimerLocked()
	t.mu.Unlock()

	if wake {
		t.broadcast(proto.StatusOnline, 0)
	}
}

// Hidden reports that the tab or window was hidden. Goes away
// immediately regardless of the idle timer.
func (t *Tracker) Hidden() {
	t.mu.Lock()
	t.hidden = true
	drop := t.status == proto.StatusOnline
	if drop {
		t.status = proto.StatusAway
	}
	t.mu.Unlock()

	if drop {
		t.broadcast(proto.StatusAway, 0)
	}
}

// Visible reports that the tab or window became visible again, which
// counts as activity.
func (t *Tracker) Visible() {
	t.mu.Lock()
	t.hidden = false
	wake := t.status == proto.StatusAway
	if wake {
		t.status = proto.StatusOnline
	}
	t.resetIdleTimerLocked()
	t.mu.Unlock()

	if wake {
		t.broadcast(proto.StatusOnline, 0)
	}
}

// Self returns the local user's current record.
func (t *Tracker) Self() Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Record{UserID: t.selfID, Status: t.status, LastSeen: t.lastSeen}
}

// Get returns the tracked record for a user.
func (t *Tracker) Get(userID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[userID]
	return r, ok
}

// Snapshot returns a copy of all remote records.
func (t *Tracker) Snapshot() map[string]Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make(map[string]Record, len(t.records))
	for k, v := range t.records {
		cp[k] = v
	}
	return cp
}

// Subscribe returns a channel receiving presence changes, local and
// remote.
func (t *Tracker) Subscribe() (ch chan Record, cancel func()) {
	ch = make(chan Record, 16)
	t.listenerMu.Lock()
	t.listeners[ch] = struct{}{}
	t.listenerMu.Unlock()

	return ch, func() {
		t.listenerMu.Lock()
		if _, ok := t.listeners[ch]; ok {
			delete(t.listeners, ch)
			close(ch)
		}
		t.listenerMu.Unlock()
	}
}

// Close stops the idle timer and unsubscribes from the transport.
func (t *Tracker) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	if t.idleTimer != nil {
		t.idleTimer.Stop()
	}
	t.mu.Unlock()

	for _, off := range t.offs {
		off()
	}

	t.listenerMu.Lock()
	for ch := range t.listeners {
		close(ch)
	}
	t.listeners = make(map[chan Record]struct{})
	t.listenerMu.Unlock()
	return nil
}

// resetIdleTimer cancels and reschedules the idle timer; the last
// scheduled timer wins.
func (t *Tracker) resetIdleTimer() {
	t.mu.Lock()
	t.resetIdleTimerLocked()
	t.mu.Unlock()
}

func (t *Tracker) resetIdleTimerLocked() {
	if t.closed {
		return
	}
	if t.idleTimer != nil {
		t.idleTimer.Stop()
	}
	t.idleTimer = time.AfterFunc(t.idleTimeout, t.onIdle)
}

func (t *Tracker) onIdle() {
	t.mu.Lock()
	drop := t.status == proto.StatusOnline
	if drop {
		t.status = proto.StatusAway
	}
	t.mu.Unlock()

	if drop {
		log.Debugf("idle for %s, going away", t.idleTimeout)
		t.broadcast(proto.StatusAway, 0)
	}
}

// handleConnectivity maps transport state to presence: disconnect is
// offline with a last-seen stamp, reconnect is online.
func (t *Tracker) handleConnectivity(connected bool) {
	t.mu.Lock()
	var lastSeen int64
	if connected {
		t.status = proto.StatusOnline
		t.lastSeen = 0
		t.resetIdleTimerLocked()
	} else {
		t.status = proto.StatusOffline
		t.lastSeen = t.nowFunc().UnixMilli()
		lastSeen = t.lastSeen
	}
	status := t.status
	t.mu.Unlock()

	t.broadcast(status, lastSeen)
}

// broadcast emits the local status and notifies subscribers. While the
// transport is down the emit fails silently; peers learn of the drop
// from the server side.
func (t *Tracker) broadcast(status proto.PresenceStatus, lastSeen int64) {
	update := proto.PresenceUpdate{UserID: t.selfID, Status: status}
	if status == proto.StatusOffline {
		update.LastSeen = lastSeen
	}
	if err := t.tr.Emit(proto.EventPresenceUpdate, update); err != nil {
		log.Debugf("presence broadcast skipped: %v", err)
	}
	t.notify(Record{UserID: t.selfID, Status: status, LastSeen: update.LastSeen})
}

// handleRemote replaces the stored record wholesale — no merge logic,
// last write wins.
func (t *Tracker) handleRemote(raw json.RawMessage) {
	var update proto.PresenceUpdate
	if err := proto.Decode(raw, &update); err != nil {
		log.Warnf("drop malformed presence update: %v", err)
		return
	}
	if update.UserID == t.selfID {
		return
	}

	rec := Record{UserID: update.UserID, Status: update.Status, LastSeen: update.LastSeen}
	t.mu.Lock()
	t.records[update.UserID] = rec
	t.mu.Unlock()

	t.notify(rec)
}

func (t *Tracker) notify(rec Record) {
	t.listenerMu.RLock()
	for ch := range t.listeners {
		select {
		case ch <- rec:
		default:
		}
	}
	t.listenerMu.RUnlock()
}
