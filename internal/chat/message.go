package chat

import (
	"fmt"
	"sync"
	"time"
)

// MessageType represents the kind of chat message
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeMedia  MessageType = "media"
	MessageTypeSystem MessageType = "system"
)

// Status is the delivery state of a message. It only moves forward,
// except sending/sent may drop to failed on error.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

var statusRank = map[Status]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// TypingNotice reports a remote peer starting or stopping typing.
type TypingNotice struct {
	UserID string
	RoomID string
	Typing bool
}

// Message represents one unit of chat content
type Message struct {
	ID         string            `json:"id"`
	SenderID   string            `json:"senderId"`
	RoomID     string            `json:"roomId"`
	Content    string            `json:"content"`
	Type       MessageType       `json:"type"`
	Metadata   map[string]string `json:"metadata,omitempty"` // media metadata
	Status     Status            `json:"status"`
	RetryCount int               `json:"retryCount"`
	Timestamp  int64             `json:"timestamp"` // unix millis
}

// NewMessage creates a locally-sent message in the sending state.
func NewMessage(senderID, roomID, content string, typ MessageType, metadata map[string]string) *Message {
	ts := nextTimestamp()
	return &Message{
		ID:        fmt.Sprintf("%s-%d", senderID, ts),
		SenderID:  senderID,
		RoomID:    roomID,
		Content:   content,
		Type:      typ,
		Metadata:  metadata,
		Status:    StatusSending,
		Timestamp: ts,
	}
}

// advance moves the message status forward. Backward transitions are
// ignored so a late "delivered" receipt never undoes "read". Failed is
// reachable only from sending/sent.
func (m *Message) advance(s Status) bool {
	if s == StatusFailed {
		if m.Status == StatusSending || m.Status == StatusSent || m.Status == StatusFailed {
			m.Status = StatusFailed
			return true
		}
		return false
	}
	cur, ok := statusRank[m.Status]
	if !ok {
		// failed → retried back into the pipeline
		m.Status = s
		return true
	}
	next, ok := statusRank[s]
	if !ok || next < cur {
		return false
	}
	m.Status = s
	return true
}

var (
	tsMu   sync.Mutex
	lastTS int64
)

// nextTimestamp returns the current unix-milli clock, bumped when two
// messages land in the same millisecond so ids stay unique and ordered.
func nextTimestamp() int64 {
	tsMu.Lock()
	defer tsMu.Unlock()
	ts := time.Now().UnixMilli()
	if ts <= lastTS {
		ts = lastTS + 1
	}
	lastTS = ts
	return ts
}
