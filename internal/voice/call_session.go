package voice

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type CallState int

const (
	CallIdle CallState = iota
	CallCalling
	CallRinging
	CallConnected
	CallEnded
)

func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallCalling:
		return "calling"
	case CallRinging:
		return "ringing"
	case CallConnected:
		return "connected"
	case CallEnded:
		return "ended"
	}
	return "unknown"
}

// CallSession is the 1:1 call state machine. A client has exactly one; it
// rejects a second call instead of queuing it.
type CallSession struct {
	env *env

	state    CallState
	peer     domain.UserID
	peerName string
	link     *PeerLink
	track    core.LocalTrack
	muted    bool

	// held while RINGING, consumed by Accept
	pendingOffer      *webrtc.SessionDescription
	pendingCandidates []webrtc.ICECandidateInit

	// after glare we kept our offer: candidates until the answer belong to
	// the offer the peer abandoned
	staleCandidates bool
}

func newCallSession(e *env) *CallSession {
	return &CallSession{env: e}
}

func (s *CallSession) State() CallState    { return s.state }
func (s *CallSession) Peer() domain.UserID { return s.peer }
func (s *CallSession) Link() *PeerLink     { return s.link }
func (s *CallSession) Active() bool        { return s.state != CallIdle }
func (s *CallSession) Muted() bool         { return s.muted }

func (s *CallSession) StartCall(ctx context.Context, target domain.UserID) error {
	if target == s.env.self.ID {
		return ErrSelfCall
	}
	if s.state != CallIdle {
		return ErrBusy
	}
	// Claimed before acquiring media so an offer arriving meanwhile sees us busy.
	s.state = CallCalling
	s.peer = target

	track, err := s.env.media.Acquire(ctx)
	if err != nil {
		s.reset()
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	s.track = track

	link, err := s.newLink(RoleInitiator)
	if err != nil {
		s.releaseMedia()
		s.reset()
		return err
	}
	s.link = link
	s.env.hooks.callState(CallCalling, target)

	if err := link.createAsInitiator(); err != nil {
		s.logger().Error().Err(err).Msg("start call")
		s.teardown()
		return err
	}
	s.logger().Info().Msg("calling")
	return nil
}

// Accept answers the ringing call.
func (s *CallSession) Accept(ctx context.Context) error {
	if s.state != CallRinging || s.pendingOffer == nil {
		return ErrNotRinging
	}
	track, err := s.env.media.Acquire(ctx)
	if err != nil {
		_ = s.sendEnd(s.peer)
		s.toIdle()
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	s.track = track

	link, err := s.newLink(RoleResponder)
	if err != nil {
		_ = s.sendEnd(s.peer)
		s.teardown()
		return err
	}
	s.link = link
	for _, c := range s.pendingCandidates {
		link.addRemoteCandidate(c)
	}
	offer := *s.pendingOffer
	s.pendingOffer = nil
	s.pendingCandidates = nil

	if err := link.acceptOffer(offer); err != nil {
		s.logger().Error().Err(err).Msg("accept call")
		_ = s.sendEnd(s.peer)
		s.teardown()
		return err
	}
	s.setState(CallConnected)
	return nil
}

func (s *CallSession) Reject() error {
	if s.state != CallRinging {
		return ErrNotRinging
	}
	s.logger().Info().Msg("reject call")
	err := s.sendEnd(s.peer)
	s.toIdle()
	return err
}

// Hangup ends whatever call is in progress. No-op while idle.
func (s *CallSession) Hangup() error {
	if s.state == CallIdle {
		return nil
	}
	s.logger().Info().Str("state", s.state.String()).Msg("hangup")
	err := s.sendEnd(s.peer)
	s.teardown()
	return err
}

// ToggleMute flips the local track and returns the new muted state.
func (s *CallSession) ToggleMute() (bool, error) {
	if s.track == nil {
		return false, ErrNoLocalTrack
	}
	s.muted = !s.muted
	s.track.SetEnabled(!s.muted)
	return s.muted, nil
}

func (s *CallSession) HandleOffer(from domain.UserID, username string, offer webrtc.SessionDescription) {
	switch {
	case s.state == CallIdle:
		s.peer = from
		s.peerName = username
		s.pendingOffer = &offer
		s.pendingCandidates = nil
		s.setState(CallRinging)
		s.env.hooks.incomingCall(from, username)
	case s.state == CallRinging && from == s.peer:
		s.logger().Debug().Msg("duplicate offer while ringing")
		s.pendingOffer = &offer
	case s.state == CallCalling && from == s.peer:
		s.resolveGlare(from, username, offer)
	case from == s.peer:
		s.logger().Warn().Str("state", s.state.String()).Msg("offer from current peer ignored")
	default:
		log.Info().Str("module", "voice.call").Str("from", string(from)).Str("state", s.state.String()).Msg("busy, rejecting offer")
		if err := s.sendEnd(from); err != nil {
			s.env.hooks.err(err)
		}
	}
}

// resolveGlare handles two users calling each other at once. The offer of
// the lower user id wins; the other side drops its own offer and rings.
func (s *CallSession) resolveGlare(from domain.UserID, username string, offer webrtc.SessionDescription) {
	if s.env.self.ID < from {
		s.logger().Info().Msg("glare: keeping own offer")
		s.staleCandidates = true
		return
	}
	s.logger().Info().Msg("glare: yielding to remote offer")
	if s.link != nil {
		s.link.close()
		s.link = nil
	}
	s.releaseMedia()
	s.peerName = username
	s.pendingOffer = &offer
	s.pendingCandidates = nil
	s.setState(CallRinging)
	s.env.hooks.incomingCall(from, username)
}

func (s *CallSession) HandleAnswer(from domain.UserID, answer webrtc.SessionDescription) {
	if s.state != CallCalling || from != s.peer || s.link == nil {
		log.Debug().Str("module", "voice.call").Str("from", string(from)).Str("state", s.state.String()).Msg("unexpected answer ignored")
		return
	}
	s.staleCandidates = false
	if err := s.link.acceptAnswer(answer); err != nil {
		s.logger().Warn().Err(err).Msg("answer ignored")
		if !errors.Is(err, ErrUnexpectedAnswer) {
			s.env.hooks.err(err)
		}
		return
	}
	s.setState(CallConnected)
}

func (s *CallSession) HandleCandidate(from domain.UserID, c webrtc.ICECandidateInit) {
	if s.state == CallIdle || from != s.peer {
		return
	}
	if s.state == CallRinging {
		s.pendingCandidates = append(s.pendingCandidates, c)
		return
	}
	if s.staleCandidates {
		log.Debug().Str("module", "voice.call").Str("from", string(from)).Msg("candidate for abandoned offer dropped")
		return
	}
	if s.link != nil {
		s.link.addRemoteCandidate(c)
	}
}

func (s *CallSession) HandleEnd(from domain.UserID) {
	if s.state == CallIdle || from != s.peer {
		return
	}
	s.logger().Info().Str("state", s.state.String()).Msg("remote ended call")
	s.teardown()
}

func (s *CallSession) onLinkGone(l *PeerLink) {
	if l != s.link {
		return
	}
	s.logger().Warn().Msg("transport lost, ending call")
	_ = s.sendEnd(s.peer)
	s.teardown()
}

func (s *CallSession) newLink(role LinkRole) (*PeerLink, error) {
	return newPeerLink(linkConfig{
		remote:  s.peer,
		role:    role,
		track:   s.track,
		factory: s.env.factory,
		relay:   s.env.relay,
		signals: callSignals,
		post:    s.env.post,
		onGone:  s.onLinkGone,
	})
}

func (s *CallSession) sendEnd(to domain.UserID) error {
	if err := s.env.relay.Send(signaling.Message{Type: signaling.TypeCallEnd, TargetUserID: to}); err != nil {
		return fmt.Errorf("%w: send call-end: %v", ErrRelay, err)
	}
	return nil
}

// teardown closes the link, releases media and passes through ENDED to IDLE.
func (s *CallSession) teardown() {
	if s.link != nil {
		s.link.close()
		s.link = nil
	}
	s.releaseMedia()
	s.toIdle()
}

func (s *CallSession) toIdle() {
	s.setState(CallEnded)
	s.reset()
	s.env.hooks.callState(CallIdle, "")
}

func (s *CallSession) releaseMedia() {
	if s.track != nil {
		s.env.media.Release()
		s.track = nil
	}
	s.muted = false
}

func (s *CallSession) reset() {
	s.state = CallIdle
	s.peer = ""
	s.peerName = ""
	s.pendingOffer = nil
	s.pendingCandidates = nil
	s.staleCandidates = false
}

func (s *CallSession) setState(st CallState) {
	if s.state == st {
		return
	}
	s.logger().Info().Str("from", s.state.String()).Str("to", st.String()).Msg("call state")
	s.state = st
	s.env.hooks.callState(st, s.peer)
}

func (s *CallSession) logger() *zerolog.Logger {
	l := log.With().Str("module", "voice.call").Str("peer", string(s.peer)).Logger()
	return &l
}
