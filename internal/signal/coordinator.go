// Package signal negotiates and maintains direct peer links between
// room participants. The coordinating server is only used to exchange
// connection-setup messages; once a link is up, chat and media events
// can flow over its data channel directly.
package signal

import (
	"encoding/json"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/watchwire/watchwire/internal/proto"
	"github.com/watchwire/watchwire/internal/transport"
)

var log = logging.Logger("signal")

// maxBufferedCandidates bounds the per-peer early-candidate buffer.
// Candidates can arrive before the answer in some orderings; they are
// held until the link has a remote description.
const maxBufferedCandidates = 32

// Event is a link lifecycle or data notification.
type Event struct {
	PeerID string
	State  LinkState // set on state transitions
	Data   []byte    // set on data-channel payloads
}

// Coordinator owns the peer links for the current room.
type Coordinator struct {
	tr     transport.Transport
	selfID string
	cfg    webrtc.Configuration

	mu        sync.Mutex
	roomID    string
	links     map[string]*Link
	buffered  map[string][]json.RawMessage // early candidates per peer
	listeners map[chan Event]struct{}

	offs []func()
}

// DefaultICEServers is used when the config names none.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

// New creates a coordinator and registers its transport handlers.
func New(tr transport.Transport, selfID string, iceServers []string) *Coordinator {
	if len(iceServers) == 0 {
		iceServers = DefaultICEServers
	}
	c := &Coordinator{
		tr:     tr,
		selfID: selfID,
		cfg: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
		},
		links:     make(map[string]*Link),
		buffered:  make(map[string][]json.RawMessage),
		listeners: make(map[chan Event]struct{}),
	}

	c.offs = append(c.offs,
		tr.On(proto.EventWebRTCOffer, c.handleOffer),
		tr.On(proto.EventWebRTCAnswer, c.handleAnswer),
		tr.On(proto.EventWebRTCCandidate, c.handleCandidate),
		tr.On(proto.EventUserJoinedRoom, c.handleUserJoined),
		tr.On(proto.EventUserLeftRoom, c.handleUserLeft),
	)
	return c
}

// JoinRoom announces this client in roomID. The server replies with one
// user_joined_room per existing participant, which drives the outbound
// offers.
func (c *Coordinator) JoinRoom(roomID string) error {
	c.mu.Lock()
	c.roomID = roomID
	c.mu.Unlock()

	log.Infof("joining room %s", roomID)
	return c.tr.Emit(proto.EventJoinRoom, proto.RoomJoin{RoomID: roomID, UserID: c.selfID})
}

// LeaveRoom announces departure and tears down every link. Idempotent.
func (c *Coordinator) LeaveRoom() error {
	c.mu.Lock()
	roomID := c.roomID
	c.roomID = ""
	c.mu.Unlock()

	if roomID == "" {
		return nil
	}

	c.CloseAllLinks()
	log.Infof("left room %s", roomID)
	return c.tr.Emit(proto.EventLeaveRoom, proto.RoomJoin{RoomID: roomID, UserID: c.selfID})
}

// InitiateLink creates a fresh link to peerID and sends it an offer.
// An existing link for the peer is torn down first, so there is never
// more than one in-flight negotiation per peer.
func (c *Coordinator) InitiateLink(peerID string) error {
	link, err := c.replaceLink(peerID)
	if err != nil {
		return err
	}
	if err := link.openDataChannel(); err != nil {
		c.dropLink(peerID, link)
		return err
	}

	offer, err := link.createOffer()
	if err != nil {
		c.dropLink(peerID, link)
		return err
	}

	log.Debugf("offering to %s", peerID)
	return c.tr.Emit(proto.EventWebRTCOffer, proto.SignalOffer{
		From:  c.selfID,
		To:    peerID,
		Offer: offer,
	})
}

// Link returns the current link for a peer.
func (c *Coordinator) Link(peerID string) (*Link, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.links[peerID]
	return l, ok
}

// Peers returns the ids of all peers with a live link.
func (c *Coordinator) Peers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.links))
	for id := range c.links {
		out = append(out, id)
	}
	return out
}

// SendData writes a payload to one peer's data channel.
func (c *Coordinator) SendData(peerID string, payload []byte) error {
	link, ok := c.Link(peerID)
	if !ok {
		return transport.ErrNotConnected
	}
	return link.Send(payload)
}

// BroadcastData writes a payload to every connected peer, skipping
// links whose channel is not open yet.
func (c *Coordinator) BroadcastData(payload []byte) {
	c.mu.Lock()
	links := make([]*Link, 0, len(c.links))
	for _, l := range c.links {
		links = append(links, l)
	}
	c.mu.Unlock()

	for _, l := range links {
		if err := l.Send(payload); err != nil {
			log.Debugf("broadcast to %s skipped: %v", l.peerID, err)
		}
	}
}

// CloseAllLinks tears down every link. Idempotent.
func (c *Coordinator) CloseAllLinks() {
	c.mu.Lock()
	links := c.links
	c.links = make(map[string]*Link)
	c.buffered = make(map[string][]json.RawMessage)
	c.mu.Unlock()

	for _, l := range links {
		l.close()
	}
}

// Subscribe returns a channel of link events.
func (c *Coordinator) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 32)
	c.mu.Lock()
	c.listeners[ch] = struct{}{}
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.mu.Unlock()
	}
}

// Close unsubscribes transport handlers and tears everything down.
func (c *Coordinator) Close() error {
	for _, off := range c.offs {
		off()
	}
	c.CloseAllLinks()

	c.mu.Lock()
	for ch := range c.listeners {
		close(ch)
	}
	c.listeners = make(map[chan Event]struct{})
	c.mu.Unlock()
	return nil
}

// replaceLink creates a new link for peerID, synchronously closing any
// existing one first (last offer wins, and re-initiation always starts
// from a clean connection).
func (c *Coordinator) replaceLink(peerID string) (*Link, error) {
	c.mu.Lock()
	old := c.links[peerID]
	delete(c.links, peerID)
	c.mu.Unlock()

	if old != nil {
		log.Debugf("replacing existing link to %s (was %s)", peerID, old.State())
		old.close()
	}

	link, err := newLink(peerID, c.currentRoom(), c.cfg, c.onLinkState, c.onLinkData, c.onLocalCandidate)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.links[peerID] = link
	c.mu.Unlock()

	c.notify(Event{PeerID: peerID, State: LinkStateNew})
	return link, nil
}

func (c *Coordinator) dropLink(peerID string, link *Link) {
	c.mu.Lock()
	if c.links[peerID] == link {
		delete(c.links, peerID)
	}
	delete(c.buffered, peerID)
	c.mu.Unlock()
	link.close()
}

func (c *Coordinator) currentRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// onLinkState removes links that hit a fatal state. There is no silent
// reconnection; a fresh membership event or InitiateLink call starts
// over from new.
func (c *Coordinator) onLinkState(peerID string, state LinkState) {
	if state == LinkStateFailed || state == LinkStateDisconnected {
		c.mu.Lock()
		link := c.links[peerID]
		delete(c.links, peerID)
		delete(c.buffered, peerID)
		c.mu.Unlock()
		if link != nil {
			link.close()
			log.Warnf("link to %s %s, removed", peerID, state)
		}
	}
	c.notify(Event{PeerID: peerID, State: state})
}

func (c *Coordinator) onLinkData(peerID string, payload []byte) {
	c.notify(Event{PeerID: peerID, Data: payload})
}

func (c *Coordinator) onLocalCandidate(peerID string, cand webrtc.ICECandidateInit) {
	raw, err := json.Marshal(cand)
	if err != nil {
		return
	}
	if err := c.tr.Emit(proto.EventWebRTCCandidate, proto.SignalCandidate{
		From:      c.selfID,
		To:        peerID,
		Candidate: raw,
	}); err != nil {
		log.Debugf("candidate to %s not sent: %v", peerID, err)
	}
}

// handleUserJoined creates a link and starts negotiation. The server
// relays this event both for later joiners and, to a fresh joiner, once
// per existing participant.
func (c *Coordinator) handleUserJoined(raw json.RawMessage) {
	var m proto.Membership
	if err := proto.Decode(raw, &m); err != nil || m.UserID == "" || m.UserID == c.selfID {
		return
	}
	log.Infof("peer %s joined, initiating link", m.UserID)
	if err := c.InitiateLink(m.UserID); err != nil {
		log.Errorf("initiate link to %s: %v", m.UserID, err)
	}
}

func (c *Coordinator) handleUserLeft(raw json.RawMessage) {
	var m proto.Membership
	if err := proto.Decode(raw, &m); err != nil || m.UserID == "" {
		return
	}
	c.mu.Lock()
	link := c.links[m.UserID]
	delete(c.links, m.UserID)
	delete(c.buffered, m.UserID)
	c.mu.Unlock()

	if link != nil {
		link.close()
		log.Infof("peer %s left, link closed", m.UserID)
	}
}

// handleOffer accepts an inbound offer, replacing any existing link for
// the sender (last offer wins prevents duplicate links under glare).
func (c *Coordinator) handleOffer(raw json.RawMessage) {
	var offer proto.SignalOffer
	if err := proto.Decode(raw, &offer); err != nil {
		log.Warnf("drop malformed offer: %v", err)
		return
	}

	link, err := c.replaceLink(offer.From)
	if err != nil {
		log.Errorf("link for offer from %s: %v", offer.From, err)
		return
	}

	answer, err := link.acceptOffer(offer.Offer)
	if err != nil {
		log.Errorf("accept offer from %s: %v", offer.From, err)
		c.dropLink(offer.From, link)
		return
	}

	c.applyBuffered(offer.From, link)

	if err := c.tr.Emit(proto.EventWebRTCAnswer, proto.SignalAnswer{
		From:   c.selfID,
		To:     offer.From,
		Answer: answer,
	}); err != nil {
		log.Warnf("answer to %s not sent: %v", offer.From, err)
	}
}

// handleAnswer completes a negotiation this side started. Answers for
// unknown peers are logged and dropped — the link may have failed or
// been replaced in the meantime.
func (c *Coordinator) handleAnswer(raw json.RawMessage) {
	var answer proto.SignalAnswer
	if err := proto.Decode(raw, &answer); err != nil {
		log.Warnf("drop malformed answer: %v", err)
		return
	}

	link, ok := c.Link(answer.From)
	if !ok || !link.offerPending() {
		log.Debugf("answer from %s has no matching offer, dropped", answer.From)
		return
	}

	if err := link.acceptAnswer(answer.Answer); err != nil {
		log.Errorf("accept answer from %s: %v", answer.From, err)
		c.dropLink(answer.From, link)
		return
	}

	c.applyBuffered(answer.From, link)
}

// handleCandidate applies a remote candidate, buffering it when the
// link does not yet have a remote description.
func (c *Coordinator) handleCandidate(raw json.RawMessage) {
	var cand proto.SignalCandidate
	if err := proto.Decode(raw, &cand); err != nil {
		log.Warnf("drop malformed candidate: %v", err)
		return
	}

	link, ok := c.Link(cand.From)
	if !ok || !link.hasRemoteDescription() {
		c.bufferCandidate(cand.From, cand.Candidate)
		return
	}

	if err := link.addCandidate(cand.Candidate); err != nil {
		log.Debugf("candidate from %s rejected: %v", cand.From, err)
	}
}

func (c *Coordinator) bufferCandidate(peerID string, cand json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := c.buffered[peerID]
	if len(buf) >= maxBufferedCandidates {
		log.Warnf("candidate buffer for %s full, dropping", peerID)
		return
	}
	c.buffered[peerID] = append(buf, cand)
}

// applyBuffered drains candidates that arrived before the remote
// description was in place.
func (c *Coordinator) applyBuffered(peerID string, link *Link) {
	c.mu.Lock()
	buf := c.buffered[peerID]
	delete(c.buffered, peerID)
	c.mu.Unlock()

	for _, cand := range buf {
		if err := link.addCandidate(cand); err != nil {
			log.Debugf("buffered candidate for %s rejected: %v", peerID, err)
		}
	}
	if len(buf) > 0 {
		log.Debugf("applied %d buffered candidates for %s", len(buf), peerID)
	}
}

func (c *Coordinator) notify(evt Event) {
	c.mu.Lock()
	listeners := make([]chan Event, 0, len(c.listeners))
	for ch := range c.listeners {
		listeners = append(listeners, ch)
	}
	c.mu.Unlock()

	for _, ch := range listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
