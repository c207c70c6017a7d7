package mediasync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchwire/watchwire/internal/proto"
	"github.com/watchwire/watchwire/internal/transport/transporttest"
)

// fixedClock lets tests advance time by hand.
type fixedClock struct{ now time.Time }

func (c *fixedClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBroadcaster(t *testing.T) (*Broadcaster, *transporttest.Fake, *fixedClock) {
	t.Helper()
	fake := transporttest.New()
	clock := &fixedClock{now: time.UnixMilli(1700000000000)}
	b := New(fake, "alice", Options{})
	b.nowFunc = func() time.Time { return clock.now }
	b.SetRoom("movie-night")
	t.Cleanup(func() { b.Close() })
	return b, fake, clock
}

func remoteState(clock *fixedClock, progress float64, playing bool) proto.MediaState {
	return proto.MediaState{
		URL:       "https://cdn.example/movie.mp4",
		Title:     "Movie",
		IsPlaying: playing,
		Progress:  progress,
		Duration:  7200, // 2h film
		Timestamp: clock.now.UnixMilli(),
		SenderID:  "bob",
		RoomID:    "movie-night",
	}
}

func TestUpdateStateThrottled(t *testing.T) {
	b, fake, clock := newTestBroadcaster(t)

	require.NoError(t, b.UpdateState(proto.MediaState{Progress: 0.10, Duration: 7200}))
	clock.advance(500 * time.Millisecond)
	require.NoError(t, b.UpdateState(proto.MediaState{Progress: 0.11, Duration: 7200}))
	clock.advance(2 * time.Second)
	require.NoError(t, b.UpdateState(proto.MediaState{Progress: 0.12, Duration: 7200}))

	sent := fake.SentFor(proto.EventMediaStateUpdate)
	assert.Len(t, sent, 2, "middle update falls inside the throttle window")

	// The local state still tracks the suppressed update.
	assert.InDelta(t, 0.12, b.Current().Progress, 1e-9)
}

func TestSeekAndToggleBypassThrottle(t *testing.T) {
	b, fake, _ := newTestBroadcaster(t)

	require.NoError(t, b.Seek(0.5))
	require.NoError(t, b.Seek(0.6))
	require.NoError(t, b.TogglePlayPause(false))

	assert.Len(t, fake.SentFor(proto.EventMediaSeek), 2)
	assert.Len(t, fake.SentFor(proto.EventMediaPlayPause), 1)
}

func TestRemoteStateAppliesWithinLock(t *testing.T) {
	b, fake, clock := newTestBroadcaster(t)

	ch, off := b.Subscribe()
	defer off()

	// Remote is far ahead: 0.5 × 7200s = 3600s of drift.
	fake.Deliver(t, proto.EventMediaStateUpdate, remoteState(clock, 0.5, true))

	apply := <-ch
	require.NotNil(t, apply.Seek)
	assert.InDelta(t, 0.5, *apply.Seek, 1e-9)
	require.NotNil(t, apply.Playing)
	assert.True(t, *apply.Playing)

	// Local events inside the sync lock are swallowed, not broadcast.
	require.NoError(t, b.Seek(0.51))
	require.NoError(t, b.TogglePlayPause(false))
	assert.Empty(t, fake.SentFor(proto.EventMediaSeek))
	assert.Empty(t, fake.SentFor(proto.EventMediaPlayPause))

	// After the lock expires they flow again.
	clock.advance(600 * time.Millisecond)
	require.NoError(t, b.Seek(0.52))
	assert.Len(t, fake.SentFor(proto.EventMediaSeek), 1)
}

func TestSmallDriftIgnored(t *testing.T) {
	b, fake, clock := newTestBroadcaster(t)

	require.NoError(t, b.UpdateState(proto.MediaState{Progress: 0.5000, Duration: 7200}))

	ch, off := b.Subscribe()
	defer off()

	// 0.0001 × 7200s = 0.72s, under the 3s threshold.
	fake.Deliver(t, proto.EventMediaStateUpdate, remoteState(clock, 0.5001, true))

	apply := <-ch
	assert.Nil(t, apply.Seek, "sub-threshold drift must not seek")
	require.NotNil(t, apply.Playing)
}

func TestRemoteSeekBelowThresholdNotified(t *testing.T) {
	b, fake, clock := newTestBroadcaster(t)

	require.NoError(t, b.UpdateState(proto.MediaState{Progress: 0.5, Duration: 7200}))

	ch, off := b.Subscribe()
	defer off()

	fake.Deliver(t, proto.EventMediaSeek, proto.MediaSeek{
		Progress: 0.5001, Timestamp: clock.now.UnixMilli(), SenderID: "bob", RoomID: "movie-night",
	})
	select {
	case apply := <-ch:
		t.Fatalf("unexpected correction: %+v", apply)
	default:
	}

	fake.Deliver(t, proto.EventMediaSeek, proto.MediaSeek{
		Progress: 0.9, Timestamp: clock.now.UnixMilli(), SenderID: "bob", RoomID: "movie-night",
	})
	apply := <-ch
	require.NotNil(t, apply.Seek)
	assert.InDelta(t, 0.9, *apply.Seek, 1e-9)
}

func TestEpsilonFallbackWithoutDuration(t *testing.T) {
	b, fake, clock := newTestBroadcaster(t)

	require.NoError(t, b.UpdateState(proto.MediaState{Progress: 0.5}))

	ch, off := b.Subscribe()
	defer off()

	state := remoteState(clock, 0.505, true)
	state.Duration = 0
	fake.Deliver(t, proto.EventMediaStateUpdate, state)

	apply := <-ch
	assert.Nil(t, apply.Seek, "0.005 is under the fractional epsilon")

	clock.advance(time.Second)
	state = remoteState(clock, 0.52, true)
	state.Duration = 0
	fake.Deliver(t, proto.EventMediaStateUpdate, state)

	apply = <-ch
	require.NotNil(t, apply.Seek)
}

func TestStaleBroadcastIgnored(t *testing.T) {
	b, fake, clock := newTestBroadcaster(t)

	ch, off := b.Subscribe()
	defer off()

	state := remoteState(clock, 0.5, true)
	clock.advance(3 * time.Second) // older than the staleness window
	fake.Deliver(t, proto.EventMediaStateUpdate, state)

	select {
	case apply := <-ch:
		t.Fatalf("stale broadcast applied: %+v", apply)
	default:
	}
}

func TestOwnEchoIgnored(t *testing.T) {
	b, fake, clock := newTestBroadcaster(t)

	ch, off := b.Subscribe()
	defer off()

	state := remoteState(clock, 0.5, true)
	state.SenderID = "alice"
	fake.Deliver(t, proto.EventMediaStateUpdate, state)

	select {
	case apply := <-ch:
		t.Fatalf("own echo applied: %+v", apply)
	default:
	}
}

func TestRemotePlayPause(t *testing.T) {
	b, fake, clock := newTestBroadcaster(t)

	ch, off := b.Subscribe()
	defer off()

	fake.Deliver(t, proto.EventMediaPlayPause, proto.MediaPlayPause{
		IsPlaying: true, Timestamp: clock.now.UnixMilli(), SenderID: "bob", RoomID: "movie-night",
	})

	apply := <-ch
	require.NotNil(t, apply.Playing)
	assert.True(t, *apply.Playing)
	assert.True(t, b.Current().IsPlaying)
}
