// Package proto defines the named events exchanged with the coordinating
// server and the payload shapes that flow over them. Every inbound payload
// is decoded and validated here before it reaches a component.
package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event names on the wire. Signaling events are addressed point-to-point
// via the coordinating server relay; everything else is room-scoped.
const (
	EventChatMessage      = "chat_message"
	EventTypingStart      = "typing_start"
	EventTypingEnd        = "typing_end"
	EventPresenceUpdate   = "presence_update"
	EventMediaStateUpdate = "media_state_update"
	EventMediaSeek        = "media_seek"
	EventMediaPlayPause   = "media_play_pause"
	EventWebRTCOffer      = "webrtc_offer"
	EventWebRTCAnswer     = "webrtc_answer"
	EventWebRTCCandidate  = "webrtc_ice_candidate"
	EventMessageDelivered = "message_delivered"
	EventMessageRead      = "message_read"
	EventJoinRoom         = "join_room"
	EventLeaveRoom        = "leave_room"
	EventUserJoinedRoom   = "user_joined_room"
	EventUserLeftRoom     = "user_left_room"
)

// PresenceStatus is a user's activity state.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusOffline PresenceStatus = "offline"
)

// RoomJoin announces this client in a room.
type RoomJoin struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// Membership notifies that a user entered or left the current room.
// The server relays one per existing participant when this client joins.
type Membership struct {
	UserID string `json:"userId"`
	RoomID string `json:"roomId,omitempty"`
}

// PresenceUpdate carries a user's current status. LastSeen is only set
// when the status is offline.
type PresenceUpdate struct {
	UserID   string         `json:"userId"`
	Status   PresenceStatus `json:"status"`
	LastSeen int64          `json:"lastSeen,omitempty"` // unix millis
}

// TypingEvent signals the start or end of typing in a room.
type TypingEvent struct {
	UserID string `json:"userId"`
	RoomID string `json:"roomId"`
}

// Receipt reports a delivery or read acknowledgement for one message.
type Receipt struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

// MediaState is the full playback state broadcast for a room.
type MediaState struct {
	URL       string  `json:"url"`
	Title     string  `json:"title,omitempty"`
	IsPlaying bool    `json:"isPlaying"`
	Progress  float64 `json:"progress"`           // fractional position 0..1
	Duration  float64 `json:"duration,omitempty"` // media length in seconds, 0 if unknown
	Timestamp int64   `json:"timestamp"`          // producer wall clock, unix millis
	SenderID  string  `json:"senderId"`
	RoomID    string  `json:"roomId"`
}

// MediaSeek is a deliberate position correction.
type MediaSeek struct {
	Progress  float64 `json:"progress"`
	Timestamp int64   `json:"timestamp"`
	SenderID  string  `json:"senderId"`
	RoomID    string  `json:"roomId"`
}

// MediaPlayPause toggles the shared play state.
type MediaPlayPause struct {
	IsPlaying bool   `json:"isPlaying"`
	Timestamp int64  `json:"timestamp"`
	SenderID  string `json:"senderId"`
	RoomID    string `json:"roomId"`
}

// SignalOffer carries an SDP offer addressed to one peer.
type SignalOffer struct {
	From  string          `json:"from"`
	To    string          `json:"to"`
	Offer json.RawMessage `json:"offer"`
}

// SignalAnswer carries an SDP answer addressed to one peer.
type SignalAnswer struct {
	From   string          `json:"from"`
	To     string          `json:"to"`
	Answer json.RawMessage `json:"answer"`
}

// SignalCandidate carries one ICE candidate addressed to one peer.
type SignalCandidate struct {
	From      string          `json:"from"`
	To        string          `json:"to"`
	Candidate json.RawMessage `json:"candidate"`
}

// Decode unmarshals a raw payload into v and runs its validation hook
// when it has one. Invalid payloads are rejected at the boundary so the
// components only ever see well-formed variants.
func Decode(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if c, ok := v.(interface{ Validate() error }); ok {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}
	return nil
}

// Validate checks the fields the relay needs to route an offer.
func (s *SignalOffer) Validate() error {
	if s.From == "" {
		return fmt.Errorf("offer missing sender")
	}
	if len(s.Offer) == 0 {
		return fmt.Errorf("offer missing description")
	}
	return nil
}

// Validate checks the fields the relay needs to route an answer.
func (s *SignalAnswer) Validate() error {
	if s.From == "" {
		return fmt.Errorf("answer missing sender")
	}
	if len(s.Answer) == 0 {
		return fmt.Errorf("answer missing description")
	}
	return nil
}

// Validate checks the fields the relay needs to route a candidate.
func (s *SignalCandidate) Validate() error {
	if s.From == "" {
		return fmt.Errorf("candidate missing sender")
	}
	if len(s.Candidate) == 0 {
		return fmt.Errorf("candidate missing payload")
	}
	return nil
}

// Validate rejects presence payloads with unknown statuses.
func (p *PresenceUpdate) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("presence missing user id")
	}
	switch p.Status {
	case StatusOnline, StatusAway, StatusOffline:
		return nil
	}
	return fmt.Errorf("unknown presence status %q", p.Status)
}

// Validate rejects media states with out-of-range positions.
func (m *MediaState) Validate() error {
	if m.SenderID == "" {
		return fmt.Errorf("media state missing sender id")
	}
	if m.Progress < 0 || m.Progress > 1 {
		return fmt.Errorf("media state progress %v out of range", m.Progress)
	}
	return nil
}

// Validate rejects seeks with out-of-range positions.
func (m *MediaSeek) Validate() error {
	if m.SenderID == "" {
		return fmt.Errorf("media seek missing sender id")
	}
	if m.Progress < 0 || m.Progress > 1 {
		return fmt.Errorf("media seek progress %v out of range", m.Progress)
	}
	return nil
}

// Validate rejects play/pause events without a sender.
func (m *MediaPlayPause) Validate() error {
	if m.SenderID == "" {
		return fmt.Errorf("play/pause missing sender id")
	}
	return nil
}

// NowMillis returns the current wall clock in unix milliseconds.
func NowMillis() int64 { return time.Now().UnixMilli() }
