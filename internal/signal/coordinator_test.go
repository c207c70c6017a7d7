package signal

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchwire/watchwire/internal/proto"
	"github.com/watchwire/watchwire/internal/transport/transporttest"
)

// Tests use host-candidate-only ICE so no STUN traffic leaves the box.
func newTestCoordinator(t *testing.T) (*Coordinator, *transporttest.Fake) {
	t.Helper()
	fake := transporttest.New()
	c := New(fake, "alice", nil)
	c.cfg = webrtc.Configuration{}
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.JoinRoom("movie-night"))
	return c, fake
}

// makeRemoteOffer builds a real SDP offer the way a peer would.
func makeRemoteOffer(t *testing.T) json.RawMessage {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	_, err = pc.CreateDataChannel(dataChannelLabel, nil)
	require.NoError(t, err)

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(offer))

	raw, err := json.Marshal(pc.LocalDescription())
	require.NoError(t, err)
	return raw
}

func TestJoinRoomAnnounces(t *testing.T) {
	_, fake := newTestCoordinator(t)

	joins := fake.SentFor(proto.EventJoinRoom)
	require.Len(t, joins, 1)

	var rj proto.RoomJoin
	require.NoError(t, json.Unmarshal(joins[0].Payload, &rj))
	assert.Equal(t, "movie-night", rj.RoomID)
	assert.Equal(t, "alice", rj.UserID)
}

func TestUserJoinedInitiatesOffer(t *testing.T) {
	c, fake := newTestCoordinator(t)

	fake.Deliver(t, proto.EventUserJoinedRoom, proto.Membership{UserID: "bob", RoomID: "movie-night"})

	offers := fake.SentFor(proto.EventWebRTCOffer)
	require.Len(t, offers, 1)

	var off proto.SignalOffer
	require.NoError(t, proto.Decode(offers[0].Payload, &off))
	assert.Equal(t, "alice", off.From)
	assert.Equal(t, "bob", off.To)

	link, ok := c.Link("bob")
	require.True(t, ok)
	assert.True(t, link.offerPending())
}

func TestOwnJoinEchoIgnored(t *testing.T) {
	c, fake := newTestCoordinator(t)

	fake.Deliver(t, proto.EventUserJoinedRoom, proto.Membership{UserID: "alice", RoomID: "movie-night"})

	assert.Empty(t, fake.SentFor(proto.EventWebRTCOffer))
	assert.Empty(t, c.Peers())
}

func TestInboundOfferAnswered(t *testing.T) {
	c, fake := newTestCoordinator(t)

	fake.Deliver(t, proto.EventWebRTCOffer, proto.SignalOffer{
		From: "bob", To: "alice", Offer: makeRemoteOffer(t),
	})

	answers := fake.SentFor(proto.EventWebRTCAnswer)
	require.Len(t, answers, 1)

	var ans proto.SignalAnswer
	require.NoError(t, proto.Decode(answers[0].Payload, &ans))
	assert.Equal(t, "alice", ans.From)
	assert.Equal(t, "bob", ans.To)

	link, ok := c.Link("bob")
	require.True(t, ok)
	assert.True(t, link.hasRemoteDescription())
}

func TestDuplicateOfferReplacesLink(t *testing.T) {
	c, fake := newTestCoordinator(t)

	fake.Deliver(t, proto.EventWebRTCOffer, proto.SignalOffer{
		From: "bob", To: "alice", Offer: makeRemoteOffer(t),
	})
	first, ok := c.Link("bob")
	require.True(t, ok)

	// A renegotiation offer from the same peer wins over the old link.
	fake.Deliver(t, proto.EventWebRTCOffer, proto.SignalOffer{
		From: "bob", To: "alice", Offer: makeRemoteOffer(t),
	})

	second, ok := c.Link("bob")
	require.True(t, ok)
	assert.NotSame(t, first, second)
	assert.Len(t, c.Peers(), 1, "never more than one link per peer")
	assert.Len(t, fake.SentFor(proto.EventWebRTCAnswer), 2)
}

func TestGlareResolvedByInboundOffer(t *testing.T) {
	c, fake := newTestCoordinator(t)

	// We offered first...
	require.NoError(t, c.InitiateLink("bob"))
	require.Len(t, fake.SentFor(proto.EventWebRTCOffer), 1)

	// ...and bob offered simultaneously. The inbound offer replaces ours.
	fake.Deliver(t, proto.EventWebRTCOffer, proto.SignalOffer{
		From: "bob", To: "alice", Offer: makeRemoteOffer(t),
	})

	assert.Len(t, c.Peers(), 1)
	link, _ := c.Link("bob")
	assert.False(t, link.offerPending(), "surviving link is the answering side")
}

func TestAnswerWithoutOfferDropped(t *testing.T) {
	c, fake := newTestCoordinator(t)

	fake.Deliver(t, proto.EventWebRTCAnswer, proto.SignalAnswer{
		From: "ghost", To: "alice", Answer: json.RawMessage(`{"type":"answer","sdp":""}`),
	})

	assert.Empty(t, c.Peers())
}

func TestEarlyCandidatesBuffered(t *testing.T) {
	c, fake := newTestCoordinator(t)

	// Candidate before any link exists for the sender.
	fake.Deliver(t, proto.EventWebRTCCandidate, proto.SignalCandidate{
		From: "bob", To: "alice", Candidate: json.RawMessage(`{"candidate":"candidate:1 1 udp 1 127.0.0.1 4444 typ host"}`),
	})

	c.mu.Lock()
	buffered := len(c.buffered["bob"])
	c.mu.Unlock()
	assert.Equal(t, 1, buffered)

	// The buffer drains once an offer sets the remote description.
	fake.Deliver(t, proto.EventWebRTCOffer, proto.SignalOffer{
		From: "bob", To: "alice", Offer: makeRemoteOffer(t),
	})

	c.mu.Lock()
	buffered = len(c.buffered["bob"])
	c.mu.Unlock()
	assert.Zero(t, buffered)
}

func TestCandidateBufferBounded(t *testing.T) {
	c, fake := newTestCoordinator(t)

	for i := 0; i < maxBufferedCandidates+8; i++ {
		fake.Deliver(t, proto.EventWebRTCCandidate, proto.SignalCandidate{
			From: "bob", To: "alice",
			Candidate: json.RawMessage(fmt.Sprintf(`{"candidate":"candidate:%d 1 udp 1 127.0.0.1 4444 typ host"}`, i)),
		})
	}

	c.mu.Lock()
	buffered := len(c.buffered["bob"])
	c.mu.Unlock()
	assert.Equal(t, maxBufferedCandidates, buffered)
}

func TestUserLeftClosesLink(t *testing.T) {
	c, fake := newTestCoordinator(t)

	fake.Deliver(t, proto.EventUserJoinedRoom, proto.Membership{UserID: "bob", RoomID: "movie-night"})
	require.Len(t, c.Peers(), 1)

	fake.Deliver(t, proto.EventUserLeftRoom, proto.Membership{UserID: "bob", RoomID: "movie-night"})
	assert.Empty(t, c.Peers())
}

func TestLeaveRoomIdempotent(t *testing.T) {
	c, fake := newTestCoordinator(t)

	fake.Deliver(t, proto.EventUserJoinedRoom, proto.Membership{UserID: "bob", RoomID: "movie-night"})
	require.Len(t, c.Peers(), 1)

	require.NoError(t, c.LeaveRoom())
	assert.Empty(t, c.Peers())
	assert.Len(t, fake.SentFor(proto.EventLeaveRoom), 1)

	// Leaving again is a no-op.
	require.NoError(t, c.LeaveRoom())
	assert.Len(t, fake.SentFor(proto.EventLeaveRoom), 1)
}

func TestSendDataWithoutLink(t *testing.T) {
	c, _ := newTestCoordinator(t)
	assert.Error(t, c.SendData("nobody", []byte("hi")))
}
