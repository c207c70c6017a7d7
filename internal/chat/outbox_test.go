package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchwire/watchwire/internal/storage"
)

func newTestOutbox(t *testing.T) *Outbox {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ob, err := NewOutbox(db)
	require.NoError(t, err)
	return ob
}

func queuedMessage(content string, retries int) *Message {
	msg := NewMessage("alice", "movie-night", content, MessageTypeText, nil)
	msg.Status = StatusFailed
	msg.RetryCount = retries
	return msg
}

func TestPendingKeepsInsertionOrder(t *testing.T) {
	ob := newTestOutbox(t)

	require.NoError(t, ob.Put(queuedMessage("first", 0)))
	require.NoError(t, ob.Put(queuedMessage("second", 0)))
	require.NoError(t, ob.Put(queuedMessage("third", 0)))

	pending, err := ob.Pending(3)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "first", pending[0].Content)
	assert.Equal(t, "second", pending[1].Content)
	assert.Equal(t, "third", pending[2].Content)
}

func TestPendingExcludesExhausted(t *testing.T) {
	ob := newTestOutbox(t)

	require.NoError(t, ob.Put(queuedMessage("retryable", 2)))
	require.NoError(t, ob.Put(queuedMessage("exhausted", 3)))

	pending, err := ob.Pending(3)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "retryable", pending[0].Content)

	// The exhausted message is still stored, just out of rotation.
	n, err := ob.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPutIsUpsert(t *testing.T) {
	ob := newTestOutbox(t)

	msg := queuedMessage("hello", 0)
	require.NoError(t, ob.Put(msg))

	msg.RetryCount = 2
	require.NoError(t, ob.Put(msg))

	got, ok, err := ob.Get(msg.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, got.RetryCount)

	n, err := ob.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMetadataRoundTrip(t *testing.T) {
	ob := newTestOutbox(t)

	msg := NewMessage("alice", "movie-night", "shared a clip", MessageTypeMedia, map[string]string{
		"url":   "https://cdn.example/clip.mp4",
		"title": "Blooper reel",
	})
	msg.Status = StatusFailed
	require.NoError(t, ob.Put(msg))

	got, ok, err := ob.Get(msg.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, msg.Metadata, got.Metadata)
	assert.Equal(t, MessageTypeMedia, got.Type)
}

func TestDeleteMissingIsNoop(t *testing.T) {
	ob := newTestOutbox(t)
	assert.NoError(t, ob.Delete("alice-123"))
}
