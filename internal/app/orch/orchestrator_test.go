package orch

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/dkeye/voicemesh/internal/app"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/metrics"
	"github.com/dkeye/voicemesh/internal/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	msgs   []signaling.Message
	full   bool
	closed bool
	// failNext rejects that many sends, then accepts again
	failNext int
}

func (f *fakeConn) TrySend(frame core.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("closed")
	}
	if f.full {
		return errors.New("full")
	}
	if f.failNext > 0 {
		f.failNext--
		return errors.New("full")
	}
	m, err := signaling.Parse(frame)
	if err != nil {
		return err
	}
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

// take returns and clears the received messages.
func (f *fakeConn) take() []signaling.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.msgs
	f.msgs = nil
	return out
}

type fixture struct {
	o     *Orchestrator
	conns map[domain.UserID]*fakeConn
	sess  map[domain.UserID]core.MemberSession
}

func newFixture(t *testing.T, policy app.Policy) *fixture {
	t.Helper()
	return &fixture{
		o:     New(policy, metrics.NewRelay(prometheus.NewRegistry())),
		conns: make(map[domain.UserID]*fakeConn),
		sess:  make(map[domain.UserID]core.MemberSession),
	}
}

func (f *fixture) connect(id string) (core.MemberSession, *fakeConn) {
	uid := domain.UserID(id)
	c := &fakeConn{}
	s := core.NewMemberSession(domain.NewMember(&domain.User{ID: uid, Username: id + "-name"}), c)
	f.o.Connect(s, func() {})
	f.conns[uid] = c
	f.sess[uid] = s
	return s, c
}

func offer() *webrtc.SessionDescription {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
}

func TestJoinVoice_RosterAndAnnouncement(t *testing.T) {
	f := newFixture(t, app.SimplePolicy{})
	a, ca := f.connect("a")
	b, cb := f.connect("b")

	f.o.JoinVoice(a, "lobby")
	msgs := ca.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, signaling.TypeChannelUsers, msgs[0].Type)
	assert.Equal(t, domain.ChannelID("lobby"), msgs[0].ChannelID)
	assert.Empty(t, msgs[0].UserIDs)

	f.o.JoinVoice(b, "lobby")
	msgs = cb.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, []domain.UserID{"a"}, msgs[0].UserIDs)

	msgs = ca.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, signaling.TypeUserJoined, msgs[0].Type)
	assert.Equal(t, domain.UserID("b"), msgs[0].UserID)
	assert.Equal(t, "b-name", msgs[0].Username)

	ch, ok := f.o.Registry.ChannelOf("b")
	require.True(t, ok)
	assert.Equal(t, domain.ChannelID("lobby"), ch)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.o.Metrics.ActiveChannels))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.o.Metrics.ChannelJoins))
}

func TestJoinVoice_SwitchingChannelsLeavesTheOldOne(t *testing.T) {
	f := newFixture(t, app.SimplePolicy{})
	a, ca := f.connect("a")
	b, cb := f.connect("b")
	f.o.JoinVoice(a, "one")
	f.o.JoinVoice(b, "one")
	ca.take()
	cb.take()

	f.o.JoinVoice(b, "two")
	msgs := ca.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, signaling.TypeUserLeft, msgs[0].Type)
	assert.Equal(t, domain.ChannelID("one"), msgs[0].ChannelID)

	msgs = cb.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.ChannelID("two"), msgs[0].ChannelID)
	assert.Empty(t, msgs[0].UserIDs)
	assert.Equal(t, 2, f.o.Channels.Count())
}

func TestJoinVoice_InvalidChannel(t *testing.T) {
	f := newFixture(t, app.SimplePolicy{})
	a, ca := f.connect("a")

	f.o.JoinVoice(a, "")
	msgs := ca.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, signaling.TypeError, msgs[0].Type)
	assert.Equal(t, signaling.ErrCodeBadPayload, msgs[0].Error)
	assert.Equal(t, domain.ChannelID(""), msgs[0].ChannelID)
	assert.Zero(t, f.o.Channels.Count())

	long := domain.ChannelID(strings.Repeat("x", domain.MaxChannelIDLen+1))
	f.o.JoinVoice(a, long)
	msgs = ca.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, long, msgs[0].ChannelID, "rejection names the channel")
}

func TestLeaveVoice(t *testing.T) {
	f := newFixture(t, app.SimplePolicy{})
	a, ca := f.connect("a")
	b, _ := f.connect("b")
	f.o.JoinVoice(a, "lobby")
	f.o.JoinVoice(b, "lobby")
	ca.take()

	assert.True(t, f.o.LeaveVoice("b"))
	assert.False(t, f.o.LeaveVoice("b"), "second leave is a no-op")

	msgs := ca.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, signaling.TypeUserLeft, msgs[0].Type)
	assert.Equal(t, domain.UserID("b"), msgs[0].UserID)

	assert.True(t, f.o.LeaveVoice("a"))
	assert.Zero(t, f.o.Channels.Count())
	assert.Zero(t, testutil.ToFloat64(f.o.Metrics.ActiveChannels))
}

func TestRoute_StampsSender(t *testing.T) {
	f := newFixture(t, app.SimplePolicy{})
	a, _ := f.connect("a")
	_, cb := f.connect("b")

	f.o.Route(a, signaling.Message{Type: signaling.TypeCallOffer, TargetUserID: "b", FromUserID: "spoofed", Offer: offer()})

	msgs := cb.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, signaling.TypeCallOffer, msgs[0].Type)
	assert.Equal(t, domain.UserID("a"), msgs[0].FromUserID)
	assert.Equal(t, "a-name", msgs[0].FromUsername)
	assert.Equal(t, "v=0", msgs[0].Offer.SDP)
}

func TestRoute_OfflineCallOfferEndsTheCall(t *testing.T) {
	f := newFixture(t, app.SimplePolicy{})
	a, ca := f.connect("a")

	f.o.Route(a, signaling.Message{Type: signaling.TypeCallOffer, TargetUserID: "ghost", Offer: offer()})

	msgs := ca.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, signaling.TypeCallEnd, msgs[0].Type)
	assert.Equal(t, domain.UserID("ghost"), msgs[0].FromUserID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.o.Metrics.Dropped.WithLabelValues(metrics.DropUserOffline)))
}

func TestRoute_OfflineTargetGetsError(t *testing.T) {
	f := newFixture(t, app.SimplePolicy{})
	a, ca := f.connect("a")

	f.o.Route(a, signaling.Message{Type: signaling.TypeCallEnd, TargetUserID: "ghost"})

	msgs := ca.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, signaling.TypeError, msgs[0].Type)
	assert.Equal(t, signaling.ErrCodeUserOffline, msgs[0].Error)
}

func TestRoute_SelfTargetIsRejected(t *testing.T) {
	f := newFixture(t, app.SimplePolicy{})
	a, ca := f.connect("a")

	f.o.Route(a, signaling.Message{Type: signaling.TypeCallEnd, TargetUserID: "a"})

	msgs := ca.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, signaling.ErrCodeBadPayload, msgs[0].Error)
}

func TestRoute_ChannelMessagesStayInsideTheChannel(t *testing.T) {
	f := newFixture(t, app.SimplePolicy{})
	a, ca := f.connect("a")
	b, cb := f.connect("b")
	f.o.JoinVoice(a, "lobby")
	ca.take()

	msg := signaling.Message{Type: signaling.TypeChannelOffer, TargetUserID: "b", ChannelID: "lobby", Offer: offer()}
	f.o.Route(a, msg)
	assert.Empty(t, cb.take(), "b is not a member")
	assert.Empty(t, ca.take(), "dropped silently")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.o.Metrics.Dropped.WithLabelValues(metrics.DropNotInChannel)))

	f.o.JoinVoice(b, "lobby")
	ca.take()
	cb.take()
	f.o.Route(a, msg)
	msgs := cb.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.ChannelID("lobby"), msgs[0].ChannelID)
	assert.Equal(t, domain.UserID("a"), msgs[0].FromUserID)
}

func TestDisconnect_IsAnImplicitLeave(t *testing.T) {
	f := newFixture(t, app.SimplePolicy{})
	a, ca := f.connect("a")
	b, _ := f.connect("b")
	f.o.JoinVoice(a, "lobby")
	f.o.JoinVoice(b, "lobby")
	ca.take()

	f.o.Disconnect(b)

	msgs := ca.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, signaling.TypeUserLeft, msgs[0].Type)
	assert.Equal(t, domain.UserID("b"), msgs[0].UserID)
	_, online := f.o.Registry.GetSession("b")
	assert.False(t, online)
	assert.Equal(t, []domain.UserID{"a"}, f.o.Registry.Online())
}

func TestConnect_NewestConnectionWins(t *testing.T) {
	f := newFixture(t, app.SimplePolicy{})
	peer, cp := f.connect("p")
	old, oldConn := f.connect("a")
	f.o.JoinVoice(peer, "lobby")
	f.o.JoinVoice(old, "lobby")
	cp.take()

	fresh, _ := f.connect("a")
	assert.True(t, oldConn.closed)
	assert.True(t, f.o.Registry.IsCurrent(fresh))
	_, inChannel := f.o.Registry.ChannelOf("a")
	assert.False(t, inChannel)

	msgs := cp.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, signaling.TypeUserLeft, msgs[0].Type)

	// the old connection's teardown must not unbind the new one
	f.o.Disconnect(old)
	assert.True(t, f.o.Registry.IsCurrent(fresh))
}

func TestBackpressure_KicksSlowMember(t *testing.T) {
	f := newFixture(t, app.SimplePolicy{})
	a, ca := f.connect("a")
	b, cb := f.connect("b")
	c, _ := f.connect("c")
	f.o.JoinVoice(a, "lobby")
	f.o.JoinVoice(b, "lobby")
	ca.take()
	cb.take()

	ca.full = true
	f.o.JoinVoice(c, "lobby")

	ch, ok := f.o.Channels.Get("lobby")
	require.True(t, ok)
	assert.False(t, ch.Has("a"), "slow member kicked")
	assert.True(t, ch.Has("b"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.o.Metrics.Kicks))

	var types []signaling.Type
	for _, m := range cb.take() {
		types = append(types, m.Type)
	}
	assert.Equal(t, []signaling.Type{signaling.TypeUserJoined, signaling.TypeUserLeft}, types)
}

func TestBackpressure_KickedMemberIsTold(t *testing.T) {
	f := newFixture(t, app.SimplePolicy{})
	a, ca := f.connect("a")
	b, _ := f.connect("b")
	c, _ := f.connect("c")
	f.o.JoinVoice(a, "lobby")
	f.o.JoinVoice(b, "lobby")
	ca.take()

	// the user-joined overflows; the queue has drained by the time of the kick notice
	ca.failNext = 1
	f.o.JoinVoice(c, "lobby")

	msgs := ca.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, signaling.TypeUserLeft, msgs[0].Type)
	assert.Equal(t, domain.ChannelID("lobby"), msgs[0].ChannelID)
	assert.Equal(t, domain.UserID("a"), msgs[0].UserID)
	_, ok := f.o.Registry.ChannelOf("a")
	assert.False(t, ok)
}

func TestKick(t *testing.T) {
	f := newFixture(t, app.SimplePolicy{})
	a, ca := f.connect("a")
	b, cb := f.connect("b")
	f.o.JoinVoice(a, "lobby")
	f.o.JoinVoice(b, "lobby")
	ca.take()
	cb.take()

	assert.True(t, f.o.Kick("b"))
	assert.False(t, f.o.Kick("b"), "not in a channel any more")

	for _, conn := range []*fakeConn{ca, cb} {
		msgs := conn.take()
		require.Len(t, msgs, 1)
		assert.Equal(t, signaling.TypeUserLeft, msgs[0].Type)
		assert.Equal(t, domain.UserID("b"), msgs[0].UserID)
	}
}

func TestBackpressure_TolerantPolicyKeepsMember(t *testing.T) {
	f := newFixture(t, app.TolerantPolicy{})
	a, ca := f.connect("a")
	b, _ := f.connect("b")
	f.o.JoinVoice(a, "lobby")
	ca.full = true

	f.o.JoinVoice(b, "lobby")

	ch, ok := f.o.Channels.Get("lobby")
	require.True(t, ok)
	assert.True(t, ch.Has("a"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.o.Metrics.Dropped.WithLabelValues(metrics.DropBackpressure)))
}

func TestWhoAmI(t *testing.T) {
	f := newFixture(t, app.SimplePolicy{})
	a, _ := f.connect("a")
	f.o.JoinVoice(a, "lobby")

	m := f.o.WhoAmI("a")
	assert.Equal(t, signaling.TypeWhoAmI, m.Type)
	assert.Equal(t, domain.UserID("a"), m.UserID)
	assert.Equal(t, "a-name", m.Username)
	assert.Equal(t, domain.ChannelID("lobby"), m.ChannelID)
}

func TestEvict(t *testing.T) {
	f := newFixture(t, app.SimplePolicy{})
	a, ca := f.connect("a")
	b, _ := f.connect("b")
	f.o.JoinVoice(a, "lobby")
	f.o.JoinVoice(b, "lobby")
	ca.take()

	f.o.Evict("lobby")

	msgs := ca.take()
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	assert.Equal(t, signaling.TypeUserLeft, last.Type)
	assert.Equal(t, domain.UserID("a"), last.UserID, "evicted member is told about itself")

	assert.Zero(t, f.o.Channels.Count())
	_, ok := f.o.Registry.ChannelOf("a")
	assert.False(t, ok)
	assert.Equal(t, []domain.UserID{"a", "b"}, f.o.Registry.Online(), "evicted users stay connected")
}
