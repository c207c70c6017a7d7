package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchwire/watchwire/internal/proto"
	"github.com/watchwire/watchwire/internal/transport/transporttest"
)

func newTestTracker(t *testing.T, idle time.Duration) (*Tracker, *transporttest.Fake) {
	t.Helper()
	fake := transporttest.New()
	tr := New(fake, "alice", idle)
	t.Cleanup(func() { tr.Close() })
	return tr, fake
}

func lastUpdate(t *testing.T, fake *transporttest.Fake) proto.PresenceUpdate {
	t.Helper()
	sent := fake.SentFor(proto.EventPresenceUpdate)
	require.NotEmpty(t, sent)
	var u proto.PresenceUpdate
	require.NoError(t, proto.Decode(sent[len(sent)-1].Payload, &u))
	return u
}

func TestStartsOnline(t *testing.T) {
	tr, _ := newTestTracker(t, time.Hour)
	assert.Equal(t, proto.StatusOnline, tr.Self().Status)
}

func TestIdleGoesAway(t *testing.T) {
	tr, fake := newTestTracker(t, 20*time.Millisecond)

	assert.Eventually(t, func() bool {
		return tr.Self().Status == proto.StatusAway
	}, time.Second, 5*time.Millisecond)

	u := lastUpdate(t, fake)
	assert.Equal(t, proto.StatusAway, u.Status)
	assert.Zero(t, u.LastSeen, "away carries no last-seen stamp")
}

func TestActivityWakesFromAway(t *testing.T) {
	tr, fake := newTestTracker(t, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return tr.Self().Status == proto.StatusAway
	}, time.Second, 5*time.Millisecond)

	tr.Activity()
	assert.Equal(t, proto.StatusOnline, tr.Self().Status)
	assert.Equal(t, proto.StatusOnline, lastUpdate(t, fake).Status)
}

func TestActivityWhileOnlineOnlyRestartsTimer(t *testing.T) {
	tr, fake := newTestTracker(t, time.Hour)
	fake.Reset()

	tr.Activity()
	tr.Activity()

	assert.Equal(t, proto.StatusOnline, tr.Self().Status)
	assert.Empty(t, fake.SentFor(proto.EventPresenceUpdate), "no broadcast without a transition")
}

func TestHiddenGoesAwayImmediately(t *testing.T) {
	tr, fake := newTestTracker(t, time.Hour)

	tr.Hidden()
	assert.Equal(t, proto.StatusAway, tr.Self().Status)
	assert.Equal(t, proto.StatusAway, lastUpdate(t, fake).Status)

	// Activity while hidden does not wake.
	tr.Activity()
	assert.Equal(t, proto.StatusAway, tr.Self().Status)

	tr.Visible()
	assert.Equal(t, proto.StatusOnline, tr.Self().Status)
	assert.Equal(t, proto.StatusOnline, lastUpdate(t, fake).Status)
}

func TestDisconnectGoesOfflineWithLastSeen(t *testing.T) {
	tr, fake := newTestTracker(t, time.Hour)
	tr.nowFunc = func() time.Time { return time.UnixMilli(1700000000000) }

	fake.SetConnected(false)

	self := tr.Self()
	assert.Equal(t, proto.StatusOffline, self.Status)
	assert.Equal(t, int64(1700000000000), self.LastSeen)

	fake.SetConnected(true)
	self = tr.Self()
	assert.Equal(t, proto.StatusOnline, self.Status)
	assert.Zero(t, self.LastSeen)

	u := lastUpdate(t, fake)
	assert.Equal(t, proto.StatusOnline, u.Status)
	assert.Zero(t, u.LastSeen)
}

func TestRemoteLastWriteWins(t *testing.T) {
	tr, fake := newTestTracker(t, time.Hour)

	fake.Deliver(t, proto.EventPresenceUpdate, proto.PresenceUpdate{UserID: "bob", Status: proto.StatusOnline})
	fake.Deliver(t, proto.EventPresenceUpdate, proto.PresenceUpdate{UserID: "bob", Status: proto.StatusAway})

	rec, ok := tr.Get("bob")
	require.True(t, ok)
	assert.Equal(t, proto.StatusAway, rec.Status)

	fake.Deliver(t, proto.EventPresenceUpdate, proto.PresenceUpdate{
		UserID: "bob", Status: proto.StatusOffline, LastSeen: 1700000000123,
	})
	rec, _ = tr.Get("bob")
	assert.Equal(t, proto.StatusOffline, rec.Status)
	assert.Equal(t, int64(1700000000123), rec.LastSeen)

	assert.Len(t, tr.Snapshot(), 1)
}

func TestOwnUpdateIgnored(t *testing.T) {
	tr, fake := newTestTracker(t, time.Hour)

	fake.Deliver(t, proto.EventPresenceUpdate, proto.PresenceUpdate{UserID: "alice", Status: proto.StatusAway})

	_, ok := tr.Get("alice")
	assert.False(t, ok, "own relayed update must not enter the record table")
	assert.Equal(t, proto.StatusOnline, tr.Self().Status)
}

func TestSubscribeSeesTransitions(t *testing.T) {
	tr, fake := newTestTracker(t, time.Hour)

	ch, off := tr.Subscribe()
	defer off()

	fake.Deliver(t, proto.EventPresenceUpdate, proto.PresenceUpdate{UserID: "bob", Status: proto.StatusOnline})

	rec := <-ch
	assert.Equal(t, "bob", rec.UserID)
	assert.Equal(t, proto.StatusOnline, rec.Status)
}
