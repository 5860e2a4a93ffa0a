package voice

import (
	"fmt"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type LinkRole int

const (
	RoleInitiator LinkRole = iota
	RoleResponder
)

func (r LinkRole) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

type LinkState int

const (
	LinkNew LinkState = iota
	LinkOfferSent
	LinkAnswerSent
	LinkConnected
	LinkDisconnected
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkNew:
		return "new"
	case LinkOfferSent:
		return "offer_sent"
	case LinkAnswerSent:
		return "answer_sent"
	case LinkConnected:
		return "connected"
	case LinkDisconnected:
		return "disconnected"
	case LinkClosed:
		return "closed"
	}
	return "unknown"
}

// linkSignals selects the message types a link negotiates with. 1:1 calls
// and voice channels share the link logic but not the wire vocabulary.
type linkSignals struct {
	offer     signaling.Type
	answer    signaling.Type
	candidate signaling.Type
	channel   domain.ChannelID
}

var callSignals = linkSignals{
	offer:     signaling.TypeCallOffer,
	answer:    signaling.TypeCallAnswer,
	candidate: signaling.TypeCallCandidate,
}

func channelSignals(ch domain.ChannelID) linkSignals {
	return linkSignals{
		offer:     signaling.TypeChannelOffer,
		answer:    signaling.TypeChannelAnswer,
		candidate: signaling.TypeChannelCandidate,
		channel:   ch,
	}
}

type linkConfig struct {
	remote  domain.UserID
	role    LinkRole
	track   core.LocalTrack
	factory core.TransportFactory
	relay   core.Relay
	signals linkSignals
	post    func(func())
	// onGone is called on the loop when the transport reports a dead link.
	onGone func(*PeerLink)
}

// PeerLink owns exactly one transport to exactly one remote participant.
// All methods must be called on the loop goroutine.
type PeerLink struct {
	remote    domain.UserID
	role      LinkRole
	state     LinkState
	transport core.PeerTransport
	relay     core.Relay
	signals   linkSignals
	onGone    func(*PeerLink)
	logger    zerolog.Logger

	remoteSet bool
	localSent bool
	// pendingLocal holds candidates gathered before our description went out,
	// pendingRemote those received before the remote description was applied.
	pendingLocal  []webrtc.ICECandidateInit
	pendingRemote []webrtc.ICECandidateInit
}

func newPeerLink(cfg linkConfig) (*PeerLink, error) {
	if cfg.track == nil {
		return nil, ErrNoLocalTrack
	}
	l := &PeerLink{
		remote:  cfg.remote,
		role:    cfg.role,
		state:   LinkNew,
		relay:   cfg.relay,
		signals: cfg.signals,
		onGone:  cfg.onGone,
		logger: log.With().
			Str("module", "voice.link").
			Str("peer", string(cfg.remote)).
			Str("role", cfg.role.String()).
			Logger(),
	}
	if cfg.signals.channel != "" {
		l.logger = l.logger.With().Str("channel", string(cfg.signals.channel)).Logger()
	}

	post := cfg.post
	t, err := cfg.factory.NewTransport(cfg.remote, cfg.track, core.TransportHandlers{
		OnICECandidate: func(c webrtc.ICECandidateInit) {
			post(func() { l.onLocalCandidate(c) })
		},
		OnStateChange: func(s webrtc.PeerConnectionState) {
			post(func() { l.onTransportState(s) })
		},
	})
	if err != nil {
		return nil, fmt.Errorf("new transport for %s: %w", cfg.remote, err)
	}
	l.transport = t
	return l, nil
}

func (l *PeerLink) Remote() domain.UserID { return l.remote }
func (l *PeerLink) Role() LinkRole        { return l.role }
func (l *PeerLink) State() LinkState      { return l.state }

func (l *PeerLink) createAsInitiator() error {
	if l.state != LinkNew {
		return fmt.Errorf("create offer in state %s", l.state)
	}
	offer, err := l.transport.CreateAndSetOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	l.setState(LinkOfferSent)
	if err := l.send(signaling.Message{Type: l.signals.offer, Offer: offer}); err != nil {
		return err
	}
	l.localSent = true
	l.flushLocal()
	return nil
}

func (l *PeerLink) acceptOffer(offer webrtc.SessionDescription) error {
	if l.state != LinkNew {
		return fmt.Errorf("%w in state %s", ErrUnexpectedOffer, l.state)
	}
	answer, err := l.transport.ApplyOfferAndCreateAnswer(offer)
	if err != nil {
		return fmt.Errorf("answer offer: %w", err)
	}
	l.remoteSet = true
	l.setState(LinkAnswerSent)
	l.flushRemote()
	if err := l.send(signaling.Message{Type: l.signals.answer, Answer: answer}); err != nil {
		return err
	}
	l.localSent = true
	l.flushLocal()
	return nil
}

// acceptAnswer applies the remote answer. The link only reaches LinkConnected
// when the transport reports connectivity.
func (l *PeerLink) acceptAnswer(answer webrtc.SessionDescription) error {
	if l.state != LinkOfferSent || l.remoteSet {
		return fmt.Errorf("%w in state %s", ErrUnexpectedAnswer, l.state)
	}
	if err := l.transport.ApplyAnswer(answer); err != nil {
		return fmt.Errorf("apply answer: %w", err)
	}
	l.remoteSet = true
	l.flushRemote()
	return nil
}

func (l *PeerLink) addRemoteCandidate(c webrtc.ICECandidateInit) {
	if l.state == LinkClosed {
		return
	}
	if !l.remoteSet {
		l.pendingRemote = append(l.pendingRemote, c)
		l.logger.Debug().Int("pending", len(l.pendingRemote)).Msg("remote candidate buffered")
		return
	}
	l.applyRemote(c)
}

func (l *PeerLink) applyRemote(c webrtc.ICECandidateInit) {
	if err := l.transport.AddICECandidate(c); err != nil {
		l.logger.Warn().Err(err).Msg("add ice candidate")
	}
}

func (l *PeerLink) flushRemote() {
	pending := l.pendingRemote
	l.pendingRemote = nil
	for _, c := range pending {
		l.applyRemote(c)
	}
}

func (l *PeerLink) onLocalCandidate(c webrtc.ICECandidateInit) {
	if l.state == LinkClosed {
		return
	}
	if !l.localSent {
		l.pendingLocal = append(l.pendingLocal, c)
		return
	}
	if err := l.send(signaling.Message{Type: l.signals.candidate, Candidate: &c}); err != nil {
		l.logger.Warn().Err(err).Msg("send candidate")
	}
}

func (l *PeerLink) flushLocal() {
	pending := l.pendingLocal
	l.pendingLocal = nil
	for i := range pending {
		if err := l.send(signaling.Message{Type: l.signals.candidate, Candidate: &pending[i]}); err != nil {
			l.logger.Warn().Err(err).Msg("send candidate")
		}
	}
}

func (l *PeerLink) onTransportState(s webrtc.PeerConnectionState) {
	if l.state == LinkClosed || l.state == LinkDisconnected {
		return
	}
	l.logger.Info().Str("peer_connection_state", s.String()).Msg("transport state")
	switch s {
	case webrtc.PeerConnectionStateConnected:
		l.setState(LinkConnected)
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		l.setState(LinkDisconnected)
		if l.onGone != nil {
			l.onGone(l)
		}
	}
}

// close is idempotent and safe from any state.
func (l *PeerLink) close() {
	if l.state == LinkClosed {
		return
	}
	l.setState(LinkClosed)
	l.pendingLocal = nil
	l.pendingRemote = nil
	if l.transport != nil {
		if err := l.transport.Close(); err != nil {
			l.logger.Error().Err(err).Msg("close transport")
		}
	}
}

func (l *PeerLink) setState(s LinkState) {
	if l.state == s {
		return
	}
	l.logger.Debug().Str("from", l.state.String()).Str("to", s.String()).Msg("link state")
	l.state = s
}

func (l *PeerLink) send(msg signaling.Message) error {
	msg.TargetUserID = l.remote
	msg.ChannelID = l.signals.channel
	if err := l.relay.Send(msg); err != nil {
		return fmt.Errorf("%w: send %s: %v", ErrRelay, msg.Type, err)
	}
	return nil
}
