package chat

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/watchwire/watchwire/internal/storage"
)

// Outbox is the durable undelivered-message queue. Every mutation is
// written through so a restart never loses a queued message. Insertion
// order (rowid) is the delivery order.
type Outbox struct {
	db *storage.DB
}

// NewOutbox creates the outbox table if needed.
func NewOutbox(db *storage.DB) (*Outbox, error) {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS outbox (
			id          TEXT PRIMARY KEY,
			sender_id   TEXT NOT NULL,
			room_id     TEXT NOT NULL,
			content     TEXT NOT NULL,
			type        TEXT NOT NULL,
			metadata    TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			timestamp   INTEGER NOT NULL
		);
	`); err != nil {
		return nil, fmt.Errorf("create outbox table: %w", err)
	}
	return &Outbox{db: db}, nil
}

// Put inserts or updates a queued message.
func (o *Outbox) Put(m *Message) error {
	meta := ""
	if len(m.Metadata) > 0 {
		b, err := json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = string(b)
	}
	_, err := o.db.Exec(`
		INSERT INTO outbox (id, sender_id, room_id, content, type, metadata, status, retry_count, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			retry_count = excluded.retry_count
	`, m.ID, m.SenderID, m.RoomID, m.Content, string(m.Type), meta, string(m.Status), m.RetryCount, m.Timestamp)
	if err != nil {
		return fmt.Errorf("put outbox message: %w", err)
	}
	return nil
}

// Delete removes a message from the outbox. Unknown ids are a no-op.
func (o *Outbox) Delete(id string) error {
	_, err := o.db.Exec(`DELETE FROM outbox WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete outbox message: %w", err)
	}
	return nil
}

// Get returns one queued message by id.
func (o *Outbox) Get(id string) (*Message, bool, error) {
	row := o.db.QueryRow(`
		SELECT id, sender_id, room_id, content, type, metadata, status, retry_count, timestamp
		FROM outbox WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

// Pending returns the messages still in the retry rotation, oldest
// first. Messages whose retry count reached maxRetries are excluded —
// they stay in the outbox for explicit Retry/Discard.
func (o *Outbox) Pending(maxRetries int) ([]*Message, error) {
	return o.list(`
		SELECT id, sender_id, room_id, content, type, metadata, status, retry_count, timestamp
		FROM outbox WHERE retry_count < ? ORDER BY rowid`, maxRetries)
}

// All returns every queued message in insertion order.
func (o *Outbox) All() ([]*Message, error) {
	return o.list(`
		SELECT id, sender_id, room_id, content, type, metadata, status, retry_count, timestamp
		FROM outbox ORDER BY rowid`)
}

// Len returns the number of queued messages.
func (o *Outbox) Len() (int, error) {
	var n int
	if err := o.db.QueryRow(`SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count outbox: %w", err)
	}
	return n, nil
}

func (o *Outbox) list(query string, args ...any) ([]*Message, error) {
	rows, err := o.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*Message, error) {
	var m Message
	var typ, status, meta string
	if err := r.Scan(&m.ID, &m.SenderID, &m.RoomID, &m.Content, &typ, &meta, &status, &m.RetryCount, &m.Timestamp); err != nil {
		return nil, err
	}
	m.Type = MessageType(typ)
	m.Status = Status(status)
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &m, nil
}
