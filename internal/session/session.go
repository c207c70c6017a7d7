// Package session composes the synchronization core for one client:
// the shared transport, the peer link coordinator, the chat delivery
// queue, the presence tracker and the media sync broadcaster. One
// active room at a time; the session is the only owner allowed to
// close the transport.
package session

import (
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/watchwire/watchwire/internal/chat"
	"github.com/watchwire/watchwire/internal/config"
	"github.com/watchwire/watchwire/internal/mediasync"
	"github.com/watchwire/watchwire/internal/presence"
	"github.com/watchwire/watchwire/internal/signal"
	"github.com/watchwire/watchwire/internal/storage"
	"github.com/watchwire/watchwire/internal/transport"
)

var log = logging.Logger("session")

// Session wires the four components over one shared transport.
type Session struct {
	cfg config.Config
	tr  transport.Transport
	db  *storage.DB

	Chat     *chat.Manager
	Presence *presence.Tracker
	Media    *mediasync.Broadcaster
	Signal   *signal.Coordinator
}

// New builds a session on an already-dialled transport and an open
// database. Undelivered messages from previous runs are reloaded into
// the retry rotation immediately.
func New(cfg config.Config, tr transport.Transport, db *storage.DB) (*Session, error) {
	outbox, err := chat.NewOutbox(db)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}

	selfID := cfg.Identity.UserID

	s := &Session{
		cfg: cfg,
		tr:  tr,
		db:  db,
		Chat: chat.New(tr, outbox, selfID, chat.Options{
			HistorySize:   cfg.Chat.HistorySize,
			AckTimeout:    time.Duration(cfg.Chat.AckTimeoutMs) * time.Millisecond,
			RetryInterval: time.Duration(cfg.Chat.RetryIntervalMs) * time.Millisecond,
			MaxRetries:    cfg.Chat.MaxRetries,
		}),
		Presence: presence.New(tr, selfID, time.Duration(cfg.Presence.IdleTimeoutSec)*time.Second),
		Media: mediasync.New(tr, selfID, mediasync.Options{
			Staleness:    time.Duration(cfg.Media.StalenessMs) * time.Millisecond,
			SyncLock:     time.Duration(cfg.Media.SyncLockMs) * time.Millisecond,
			DriftSeconds: cfg.Media.DriftSeconds,
			Throttle:     time.Duration(cfg.Media.ThrottleMs) * time.Millisecond,
		}),
		Signal: signal.New(tr, selfID, cfg.ICE.Servers),
	}
	return s, nil
}

// JoinRoom scopes every component to roomID and starts peer link
// negotiation with the room's participants.
func (s *Session) JoinRoom(roomID string) error {
	s.Chat.SetRoom(roomID)
	s.Media.SetRoom(roomID)
	if err := s.Signal.JoinRoom(roomID); err != nil {
		return fmt.Errorf("join room %s: %w", roomID, err)
	}
	return nil
}

// LeaveRoom tears down the room's peer links and unscopes the
// components. Chat retry processing keeps running — queued messages
// outlive room membership.
func (s *Session) LeaveRoom() error {
	err := s.Signal.LeaveRoom()
	s.Chat.SetRoom("")
	s.Media.SetRoom("")
	return err
}

// Close shuts the whole session down: components first, then the
// transport, then the database.
func (s *Session) Close() error {
	if err := s.Signal.LeaveRoom(); err != nil {
		log.Debugf("leave on close: %v", err)
	}
	s.Signal.Close()
	s.Media.Close()
	s.Presence.Close()
	s.Chat.Close()

	if err := s.tr.Close(); err != nil {
		return err
	}
	return s.db.Close()
}
