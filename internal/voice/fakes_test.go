package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/signaling"
	"github.com/pion/webrtc/v4"
)

type fakeTrack struct {
	id       string
	disabled atomic.Bool
}

func (t *fakeTrack) ID() string              { return t.id }
func (t *fakeTrack) SetEnabled(enabled bool) { t.disabled.Store(!enabled) }
func (t *fakeTrack) Enabled() bool           { return !t.disabled.Load() }

type fakeMedia struct {
	mu       sync.Mutex
	fail     error
	track    *fakeTrack
	acquired int
	released int
}

func (m *fakeMedia) Acquire(context.Context) (core.LocalTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	m.acquired++
	m.track = &fakeTrack{id: fmt.Sprintf("mic-%d", m.acquired)}
	return m.track, nil
}

func (m *fakeMedia) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.track == nil {
		return
	}
	m.track = nil
	m.released++
}

// holding reports whether a track is currently acquired.
func (m *fakeMedia) holding() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.track != nil
}

func (m *fakeMedia) current() *fakeTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.track
}

var errNoRemoteDescription = errors.New("remote description not set")

// fakeTransport reports Connected as soon as both descriptions are applied.
type fakeTransport struct {
	mu         sync.Mutex
	remote     domain.UserID
	h          core.TransportHandlers
	local      bool
	remoteDesc bool
	connected  bool
	closed     bool
	applied    []webrtc.ICECandidateInit
	answerErr  error
}

func (t *fakeTransport) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	t.mu.Lock()
	t.local = true
	t.mu.Unlock()
	t.maybeConnect()
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-to-" + string(t.remote)}, nil
}

func (t *fakeTransport) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if offer.Type != webrtc.SDPTypeOffer {
		return nil, errors.New("not an offer")
	}
	t.mu.Lock()
	t.remoteDesc = true
	t.local = true
	t.mu.Unlock()
	t.maybeConnect()
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-to-" + string(t.remote)}, nil
}

func (t *fakeTransport) ApplyAnswer(answer webrtc.SessionDescription) error {
	t.mu.Lock()
	if t.answerErr != nil {
		t.mu.Unlock()
		return t.answerErr
	}
	t.remoteDesc = true
	t.mu.Unlock()
	t.maybeConnect()
	return nil
}

func (t *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.remoteDesc {
		return errNoRemoteDescription
	}
	t.applied = append(t.applied, c)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) maybeConnect() {
	t.mu.Lock()
	fire := t.local && t.remoteDesc && !t.connected && !t.closed
	if fire {
		t.connected = true
	}
	t.mu.Unlock()
	if fire {
		t.h.OnStateChange(webrtc.PeerConnectionStateConnected)
	}
}

func (t *fakeTransport) emitCandidate(c webrtc.ICECandidateInit) { t.h.OnICECandidate(c) }
func (t *fakeTransport) fail()                                   { t.h.OnStateChange(webrtc.PeerConnectionStateFailed) }

func (t *fakeTransport) appliedCandidates() []webrtc.ICECandidateInit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), t.applied...)
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeTransport
	fail    error
}

func (f *fakeFactory) NewTransport(remote domain.UserID, track core.LocalTrack, h core.TransportHandlers) (core.PeerTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	t := &fakeTransport{remote: remote, h: h}
	f.created = append(f.created, t)
	return t, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// last returns the most recent transport created toward remote.
func (f *fakeFactory) last(remote domain.UserID) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.created) - 1; i >= 0; i-- {
		if f.created[i].remote == remote {
			return f.created[i]
		}
	}
	return nil
}

type recordingRelay struct {
	mu   sync.Mutex
	msgs []signaling.Message
	fail error
}

func (r *recordingRelay) Send(m signaling.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.msgs = append(r.msgs, m)
	return nil
}

func (r *recordingRelay) sent() []signaling.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]signaling.Message(nil), r.msgs...)
}

func (r *recordingRelay) types() []signaling.Type {
	var out []signaling.Type
	for _, m := range r.sent() {
		out = append(out, m.Type)
	}
	return out
}

func (r *recordingRelay) ofType(t signaling.Type) []signaling.Message {
	var out []signaling.Message
	for _, m := range r.sent() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// harness drives one session without a running loop: transport callbacks
// queue on loop and run when the test calls flush.
type harness struct {
	loop    *Loop
	relay   *recordingRelay
	media   *fakeMedia
	factory *fakeFactory
	env     *env

	mu      sync.Mutex
	states  []CallState
	ringing []domain.UserID
	peers   [][]domain.UserID
	errs    []error
}

func newHarness(self domain.UserID) *harness {
	h := &harness{
		loop:    NewLoop(),
		relay:   &recordingRelay{},
		media:   &fakeMedia{},
		factory: &fakeFactory{},
	}
	h.env = &env{
		self:    domain.User{ID: self, Username: string(self)},
		relay:   h.relay,
		media:   h.media,
		factory: h.factory,
		post:    func(fn func()) { h.loop.Post(fn) },
		hooks: Hooks{
			OnCallState: func(s CallState, _ domain.UserID) {
				h.mu.Lock()
				h.states = append(h.states, s)
				h.mu.Unlock()
			},
			OnIncomingCall: func(from domain.UserID, _ string) {
				h.mu.Lock()
				h.ringing = append(h.ringing, from)
				h.mu.Unlock()
			},
			OnChannelPeers: func(_ domain.ChannelID, peers []domain.UserID) {
				h.mu.Lock()
				h.peers = append(h.peers, peers)
				h.mu.Unlock()
			},
			OnError: func(err error) {
				h.mu.Lock()
				h.errs = append(h.errs, err)
				h.mu.Unlock()
			},
		},
	}
	return h
}

func (h *harness) flush() { h.loop.drain() }

func offer(sdp string) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
}

func answer(sdp string) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
}

func cand(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

// hub is an in-memory relay shared by several clients.
type hub struct {
	mu       sync.Mutex
	clients  map[domain.UserID]*Client
	channels map[domain.ChannelID][]domain.UserID
	order    []domain.UserID
	// reject refuses joins with this error code when set
	reject string
}

func newHub() *hub {
	return &hub{
		clients:  make(map[domain.UserID]*Client),
		channels: make(map[domain.ChannelID][]domain.UserID),
	}
}

type hubRelay struct {
	hub  *hub
	self domain.User
}

func (r *hubRelay) Send(m signaling.Message) error {
	h := r.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	switch m.Type {
	case signaling.TypeJoinChannel:
		if h.reject != "" {
			h.clients[r.self.ID].Deliver(signaling.Message{Type: signaling.TypeError, ChannelID: m.ChannelID, Error: h.reject})
			return nil
		}
		existing := append([]domain.UserID(nil), h.channels[m.ChannelID]...)
		h.channels[m.ChannelID] = append(h.channels[m.ChannelID], r.self.ID)
		h.order = append(h.order, r.self.ID)
		h.clients[r.self.ID].Deliver(signaling.Message{Type: signaling.TypeChannelUsers, ChannelID: m.ChannelID, UserIDs: existing})
		for _, id := range existing {
			h.clients[id].Deliver(signaling.Message{Type: signaling.TypeUserJoined, ChannelID: m.ChannelID, UserID: r.self.ID, Username: r.self.Username})
		}
	case signaling.TypeLeaveChannel:
		members := h.channels[m.ChannelID]
		kept := members[:0]
		for _, id := range members {
			if id != r.self.ID {
				kept = append(kept, id)
			}
		}
		h.channels[m.ChannelID] = kept
		for _, id := range kept {
			h.clients[id].Deliver(signaling.Message{Type: signaling.TypeUserLeft, ChannelID: m.ChannelID, UserID: r.self.ID})
		}
	default:
		target, ok := h.clients[m.TargetUserID]
		if !ok {
			return fmt.Errorf("%s offline", m.TargetUserID)
		}
		m.FromUserID = r.self.ID
		m.FromUsername = r.self.Username
		m.TargetUserID = ""
		target.Deliver(m)
	}
	return nil
}

type peer struct {
	client  *Client
	media   *fakeMedia
	factory *fakeFactory
}

// add registers and starts a client; it stops when ctx is done.
func (h *hub) add(ctx context.Context, id domain.UserID, hooks Hooks) *peer {
	p := &peer{media: &fakeMedia{}, factory: &fakeFactory{}}
	self := domain.User{ID: id, Username: "user-" + string(id)}
	p.client = NewClient(Options{
		Self:      self,
		Relay:     &hubRelay{hub: h, self: self},
		Media:     p.media,
		Transport: p.factory,
		Hooks:     hooks,
	})
	h.mu.Lock()
	h.clients[id] = p.client
	h.mu.Unlock()
	go func() { _ = p.client.Run(ctx) }()
	return p
}

func (h *hub) setReject(code string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reject = code
}

// kick removes id from channel the way the relay does: everyone left,
// including id itself, gets a user-left naming id.
func (h *hub) kick(channel domain.ChannelID, id domain.UserID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.channels[channel]
	kept := members[:0]
	for _, m := range members {
		if m != id {
			kept = append(kept, m)
		}
	}
	h.channels[channel] = kept
	left := signaling.Message{Type: signaling.TypeUserLeft, ChannelID: channel, UserID: id}
	for _, m := range kept {
		h.clients[m].Deliver(left)
	}
	h.clients[id].Deliver(left)
}

func (h *hub) joinOrder() []domain.UserID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.UserID(nil), h.order...)
}
