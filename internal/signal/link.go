package signal

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// LinkState is the lifecycle state of one peer link.
type LinkState string

const (
	LinkStateNew          LinkState = "new"
	LinkStateConnecting   LinkState = "connecting"
	LinkStateConnected    LinkState = "connected"
	LinkStateDisconnected LinkState = "disconnected"
	LinkStateFailed       LinkState = "failed"
)

// dataChannelLabel is the label of the direct chat/media channel opened
// by the offering side.
const dataChannelLabel = "watchwire-data"

// Link is the direct connection to one remote participant. The peer
// connection is owned exclusively by the coordinator; at most one Link
// exists per (room, peer) at any time.
type Link struct {
	peerID string
	roomID string

	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	state  LinkState
	closed bool

	onState func(peerID string, state LinkState)
	onData  func(peerID string, payload []byte)
}

func newLink(peerID, roomID string, cfg webrtc.Configuration,
	onState func(string, LinkState), onData func(string, []byte),
	onICE func(peerID string, cand webrtc.ICECandidateInit)) (*Link, error) {

	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	l := &Link{
		peerID:  peerID,
		roomID:  roomID,
		pc:      pc,
		state:   LinkStateNew,
		onState: onState,
		onData:  onData,
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil {
			onICE(peerID, cand.ToJSON())
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnecting:
			l.setState(LinkStateConnecting)
		case webrtc.PeerConnectionStateConnected:
			l.setState(LinkStateConnected)
		case webrtc.PeerConnectionStateDisconnected:
			l.setState(LinkStateDisconnected)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			l.setState(LinkStateFailed)
		}
	})

	// The answering side receives the channel the offerer opened.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			return
		}
		l.attachDataChannel(dc)
	})

	return l, nil
}

// PeerID returns the remote participant's user id.
func (l *Link) PeerID() string { return l.peerID }

// State returns the link's current lifecycle state.
func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) setState(s LinkState) {
	l.mu.Lock()
	if l.closed || l.state == s {
		l.mu.Unlock()
		return
	}
	l.state = s
	cb := l.onState
	l.mu.Unlock()
	if cb != nil {
		cb(l.peerID, s)
	}
}

func (l *Link) attachDataChannel(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.dc = dc
	cb := l.onData
	peerID := l.peerID
	l.mu.Unlock()

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if cb != nil {
			cb(peerID, msg.Data)
		}
	})
}

// openDataChannel creates the outbound data channel; the offering side
// calls this before generating its offer.
func (l *Link) openDataChannel() error {
	dc, err := l.pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	l.attachDataChannel(dc)
	return nil
}

// createOffer produces the local SDP offer.
func (l *Link) createOffer() (json.RawMessage, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	l.setState(LinkStateConnecting)
	return json.Marshal(offer)
}

// acceptOffer applies a remote offer and produces the answer.
func (l *Link) acceptOffer(raw json.RawMessage) (json.RawMessage, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &offer); err != nil {
		return nil, fmt.Errorf("unmarshal offer: %w", err)
	}
	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	l.setState(LinkStateConnecting)
	return json.Marshal(answer)
}

// acceptAnswer completes the negotiation this link started.
func (l *Link) acceptAnswer(raw json.RawMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &answer); err != nil {
		return fmt.Errorf("unmarshal answer: %w", err)
	}
	if err := l.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// addCandidate applies one remote ICE candidate.
func (l *Link) addCandidate(raw json.RawMessage) error {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &cand); err != nil {
		return fmt.Errorf("unmarshal candidate: %w", err)
	}
	if err := l.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// hasRemoteDescription reports whether candidates can be applied yet.
func (l *Link) hasRemoteDescription() bool {
	return l.pc.RemoteDescription() != nil
}

// offerPending reports whether this link started a negotiation that has
// not been answered.
func (l *Link) offerPending() bool {
	return l.pc.LocalDescription() != nil && l.pc.RemoteDescription() == nil
}

// Send writes a payload to the data channel, if open.
func (l *Link) Send(payload []byte) error {
	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("data channel to %s not open", l.peerID)
	}
	return dc.Send(payload)
}

// close tears the peer connection down. Idempotent. State callbacks are
// muted first so teardown never looks like a network failure.
func (l *Link) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	pc := l.pc
	l.mu.Unlock()

	if err := pc.Close(); err != nil {
		log.Debugf("close link to %s: %v", l.peerID, err)
	}
}
