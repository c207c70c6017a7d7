// Package mediasync keeps playback position and play/pause state
// approximately synchronized across a room. Playback progress is a
// continuous locally-generated stream, so remote corrections take a
// short sync lock during which local events are not re-broadcast, and
// position is only corrected when drift exceeds a threshold.
package mediasync

import (
	"encoding/json"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/watchwire/watchwire/internal/proto"
	"github.com/watchwire/watchwire/internal/transport"
)

var log = logging.Logger("mediasync")

const (
	// DefaultStaleness is the maximum age of a remote broadcast before
	// it is ignored.
	DefaultStaleness = 2 * time.Second

	// DefaultSyncLock is the suppression window after applying a remote
	// correction.
	DefaultSyncLock = 500 * time.Millisecond

	// DefaultDriftSeconds is the minimum position difference that
	// triggers an actual seek.
	DefaultDriftSeconds = 3.0

	// DefaultThrottle bounds ordinary progress broadcasts to one per
	// window.
	DefaultThrottle = 2 * time.Second

	// driftEpsilon is the fractional fallback when the media duration
	// is unknown and drift in seconds cannot be computed.
	driftEpsilon = 0.01
)

// Apply is a correction the player collaborator should perform.
// Nil fields mean "leave unchanged".
type Apply struct {
	URL     string
	Title   string
	Seek    *float64 // target fractional progress
	Playing *bool
}

// Options tune the broadcaster. Zero values fall back to defaults.
type Options struct {
	Staleness    time.Duration
	SyncLock     time.Duration
	DriftSeconds float64
	Throttle     time.Duration
}

// Broadcaster propagates playback events for one room.
type Broadcaster struct {
	tr     transport.Transport
	selfID string

	staleness    time.Duration
	lockWindow   time.Duration
	driftSeconds float64
	throttle     time.Duration
	nowFunc      func() time.Time

	mu           sync.Mutex
	roomID       string
	current      proto.MediaState
	lockedUntil  time.Time
	lastProgress time.Time

	listenerMu sync.RWMutex
	listeners  map[chan Apply]struct{}

	offs []func()
}

// New creates a broadcaster and registers its transport handlers.
func New(tr transport.Transport, selfID string, opts Options) *Broadcaster {
	if opts.Staleness <= 0 {
		opts.Staleness = DefaultStaleness
	}
	if opts.SyncLock <= 0 {
		opts.SyncLock = DefaultSyncLock
	}
	if opts.DriftSeconds <= 0 {
		opts.DriftSeconds = DefaultDriftSeconds
	}
	if opts.Throttle <= 0 {
		opts.Throttle = DefaultThrottle
	}

	b := &Broadcaster{
		tr:           tr,
		selfID:       selfID,
		staleness:    opts.Staleness,
		lockWindow:   opts.SyncLock,
		driftSeconds: opts.DriftSeconds,
		throttle:     opts.Throttle,
		nowFunc:      time.Now,
		listeners:    make(map[chan Apply]struct{}),
	}

	b.offs = append(b.offs,
		tr.On(proto.EventMediaStateUpdate, b.handleState),
		tr.On(proto.EventMediaSeek, b.handleSeek),
		tr.On(proto.EventMediaPlayPause, b.handlePlayPause),
	)
	return b
}

// SetRoom scopes subsequent broadcasts to roomID.
func (b *Broadcaster) SetRoom(roomID string) {
	b.mu.Lock()
	b.roomID = roomID
	b.mu.Unlock()
}

// UpdateState records the local player's state and broadcasts it.
// While the sync lock is held nothing is sent; ordinary progress is
// throttled to one broadcast per window.
func (b *Broadcaster) UpdateState(state proto.MediaState) error {
	now := b.nowFunc()

	b.mu.Lock()
	state.SenderID = b.selfID
	state.RoomID = b.roomID
	state.Timestamp = now.UnixMilli()
	b.current = state

	if now.Before(b.lockedUntil) {
		b.mu.Unlock()
		return nil
	}
	if now.Sub(b.lastProgress) < b.throttle {
		b.mu.Unlock()
		return nil
	}
	b.lastProgress = now
	b.mu.Unlock()

	return b.tr.Emit(proto.EventMediaStateUpdate, state)
}

// Seek broadcasts a deliberate position change immediately (no
// throttle), unless the sync lock is held.
func (b *Broadcaster) Seek(progress float64) error {
	now := b.nowFunc()

	b.mu.Lock()
	b.current.Progress = progress
	if now.Before(b.lockedUntil) {
		b.mu.Unlock()
		return nil
	}
	msg := proto.MediaSeek{
		Progress:  progress,
		Timestamp: now.UnixMilli(),
		SenderID:  b.selfID,
		RoomID:    b.roomID,
	}
	b.mu.Unlock()

	return b.tr.Emit(proto.EventMediaSeek, msg)
}

// TogglePlayPause broadcasts a play/pause flip immediately, unless the
// sync lock is held.
func (b *Broadcaster) TogglePlayPause(isPlaying bool) error {
	now := b.nowFunc()

	b.mu.Lock()
	b.current.IsPlaying = isPlaying
	if now.Before(b.lockedUntil) {
		b.mu.Unlock()
		return nil
	}
	msg := proto.MediaPlayPause{
		IsPlaying: isPlaying,
		Timestamp: now.UnixMilli(),
		SenderID:  b.selfID,
		RoomID:    b.roomID,
	}
	b.mu.Unlock()

	return b.tr.Emit(proto.EventMediaPlayPause, msg)
}

// Current returns the last known playback state.
func (b *Broadcaster) Current() proto.MediaState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Subscribe returns a channel of corrections for the player to apply.
func (b *Broadcaster) Subscribe() (ch chan Apply, cancel func()) {
	ch = make(chan Apply, 16)
	b.listenerMu.Lock()
	b.listeners[ch] = struct{}{}
	b.listenerMu.Unlock()

	return ch, func() {
		b.listenerMu.Lock()
		if _, ok := b.listeners[ch]; ok {
			delete(b.listeners, ch)
			close(ch)
		}
		b.listenerMu.Unlock()
	}
}

// Close unsubscribes all transport handlers and listeners.
func (b *Broadcaster) Close() error {
	for _, off := range b.offs {
		off()
	}
	b.listenerMu.Lock()
	for ch := range b.listeners {
		close(ch)
	}
	b.listeners = make(map[chan Apply]struct{})
	b.listenerMu.Unlock()
	return nil
}

// accept applies the echo-suppression and staleness checks shared by
// every remote event. On acceptance the sync lock is taken.
func (b *Broadcaster) accept(senderID string, timestamp int64) bool {
	if senderID == b.selfID {
		return false
	}
	now := b.nowFunc()
	if now.UnixMilli()-timestamp > b.staleness.Milliseconds() {
		log.Debugf("stale broadcast from %s ignored (age %dms)", senderID, now.UnixMilli()-timestamp)
		return false
	}

	b.mu.Lock()
	b.lockedUntil = now.Add(b.lockWindow)
	b.mu.Unlock()
	return true
}

func (b *Broadcaster) handleState(raw json.RawMessage) {
	var state proto.MediaState
	if err := proto.Decode(raw, &state); err != nil {
		log.Warnf("drop malformed media state: %v", err)
		return
	}
	if !b.accept(state.SenderID, state.Timestamp) {
		return
	}

	b.mu.Lock()
	apply := Apply{URL: state.URL, Title: state.Title}
	if b.exceedsDrift(b.current.Progress, state.Progress, state.Duration) {
		p := state.Progress
		apply.Seek = &p
		b.current.Progress = state.Progress
	}
	playing := state.IsPlaying
	apply.Playing = &playing
	b.current.URL = state.URL
	b.current.Title = state.Title
	b.current.IsPlaying = state.IsPlaying
	if state.Duration > 0 {
		b.current.Duration = state.Duration
	}
	b.mu.Unlock()

	b.notify(apply)
}

func (b *Broadcaster) handleSeek(raw json.RawMessage) {
	var seek proto.MediaSeek
	if err := proto.Decode(raw, &seek); err != nil {
		log.Warnf("drop malformed media seek: %v", err)
		return
	}
	if !b.accept(seek.SenderID, seek.Timestamp) {
		return
	}

	b.mu.Lock()
	apply := Apply{}
	if b.exceedsDrift(b.current.Progress, seek.Progress, b.current.Duration) {
		p := seek.Progress
		apply.Seek = &p
		b.current.Progress = seek.Progress
	}
	b.mu.Unlock()

	if apply.Seek != nil {
		b.notify(apply)
	}
}

func (b *Broadcaster) handlePlayPause(raw json.RawMessage) {
	var pp proto.MediaPlayPause
	if err := proto.Decode(raw, &pp); err != nil {
		log.Warnf("drop malformed play/pause: %v", err)
		return
	}
	if !b.accept(pp.SenderID, pp.Timestamp) {
		return
	}

	b.mu.Lock()
	b.current.IsPlaying = pp.IsPlaying
	b.mu.Unlock()

	playing := pp.IsPlaying
	b.notify(Apply{Playing: &playing})
}

// exceedsDrift reports whether the position difference warrants a seek.
// With a known duration the threshold is in seconds of media time;
// otherwise a small fractional epsilon is used.
func (b *Broadcaster) exceedsDrift(local, remote, duration float64) bool {
	diff := remote - local
	if diff < 0 {
		diff = -diff
	}
	if duration > 0 {
		return diff*duration > b.driftSeconds
	}
	return diff > driftEpsilon
}

func (b *Broadcaster) notify(apply Apply) {
	b.listenerMu.RLock()
	for ch := range b.listeners {
		select {
		case ch <- apply:
		default:
		}
	}
	b.listenerMu.RUnlock()
}
