package voice

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ChannelMesh is the N-party voice channel session: one PeerLink per remote
// member. Roles follow join order: the newer member offers, the older one
// answers, so each pair negotiates exactly once without a shared lock.
type ChannelMesh struct {
	env *env

	channel domain.ChannelID
	joined  bool
	// join sent, roster not received yet
	pending bool
	track   core.LocalTrack
	muted   bool
	links   map[domain.UserID]*PeerLink
}

func newChannelMesh(e *env) *ChannelMesh {
	return &ChannelMesh{env: e, links: make(map[domain.UserID]*PeerLink)}
}

func (m *ChannelMesh) Joined() bool                    { return m.joined }
func (m *ChannelMesh) Pending() bool                   { return m.pending }
func (m *ChannelMesh) Channel() domain.ChannelID       { return m.channel }
func (m *ChannelMesh) Muted() bool                     { return m.muted }
func (m *ChannelMesh) Link(id domain.UserID) *PeerLink { return m.links[id] }

// Peers returns the remote ids that currently have a link, sorted.
func (m *ChannelMesh) Peers() []domain.UserID {
	out := make([]domain.UserID, 0, len(m.links))
	for id := range m.links {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Join enters channel, leaving the current one first. Joining the channel we
// are already in is a no-op.
func (m *ChannelMesh) Join(ctx context.Context, channel domain.ChannelID) error {
	if err := channel.Validate(); err != nil {
		return err
	}
	if m.joined {
		if m.channel == channel {
			return nil
		}
		if err := m.Leave(); err != nil {
			m.env.hooks.err(err)
		}
	}

	track, err := m.env.media.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	if err := m.env.relay.Send(signaling.Message{Type: signaling.TypeJoinChannel, ChannelID: channel}); err != nil {
		m.env.media.Release()
		return fmt.Errorf("%w: send join: %v", ErrRelay, err)
	}
	m.track = track
	m.channel = channel
	m.joined = true
	m.pending = true
	m.muted = false
	m.logger().Info().Msg("join sent")
	m.env.hooks.channelPeers(channel, nil)
	return nil
}

// Leave is idempotent: leaving while not joined does nothing.
func (m *ChannelMesh) Leave() error {
	if !m.joined {
		return nil
	}
	var sendErr error
	if err := m.env.relay.Send(signaling.Message{Type: signaling.TypeLeaveChannel, ChannelID: m.channel}); err != nil {
		sendErr = fmt.Errorf("%w: send leave: %v", ErrRelay, err)
	}
	m.logger().Info().Msg("left voice channel")
	m.teardown()
	return sendErr
}

// HandleJoinRejected undoes a pending join the relay refused. It reports
// whether the rejection matched that join.
func (m *ChannelMesh) HandleJoinRejected(channel domain.ChannelID, reason string) bool {
	if !m.pending || channel != m.channel {
		return false
	}
	m.logger().Warn().Str("reason", reason).Msg("join rejected by relay")
	m.teardown()
	m.env.hooks.err(fmt.Errorf("%w: %s", ErrJoinRejected, reason))
	return true
}

// teardown drops every link and the track without telling the relay.
func (m *ChannelMesh) teardown() {
	for id, l := range m.links {
		l.close()
		delete(m.links, id)
	}
	if m.track != nil {
		m.env.media.Release()
		m.track = nil
	}
	ch := m.channel
	m.joined = false
	m.pending = false
	m.channel = ""
	m.muted = false
	m.env.hooks.channelPeers(ch, nil)
}

// ToggleMute disables the one shared track, silencing every outgoing link.
func (m *ChannelMesh) ToggleMute() (bool, error) {
	if !m.joined || m.track == nil {
		return false, ErrNotJoined
	}
	m.muted = !m.muted
	m.track.SetEnabled(!m.muted)
	return m.muted, nil
}

// HandleRoster offers to every member that was present before us.
func (m *ChannelMesh) HandleRoster(channel domain.ChannelID, ids []domain.UserID) {
	if !m.owns(channel) {
		return
	}
	m.pending = false
	m.logger().Info().Int("existing", len(ids)).Msg("roster received")
	for _, id := range ids {
		if id == m.env.self.ID {
			continue
		}
		if _, ok := m.links[id]; ok {
			continue
		}
		l, err := m.newLink(id, RoleInitiator)
		if err != nil {
			m.logger().Error().Err(err).Str("peer", string(id)).Msg("create link")
			m.env.hooks.err(err)
			continue
		}
		m.links[id] = l
		if err := l.createAsInitiator(); err != nil {
			m.logger().Error().Err(err).Str("peer", string(id)).Msg("offer")
			m.dropLink(l)
			m.env.hooks.err(err)
		}
	}
	m.notifyPeers()
}

// HandleUserJoined only logs: the newcomer discovers us through its own
// roster and offers first.
func (m *ChannelMesh) HandleUserJoined(channel domain.ChannelID, id domain.UserID, username string) {
	if !m.owns(channel) {
		return
	}
	m.logger().Info().Str("peer", string(id)).Str("username", username).Msg("user joined, awaiting offer")
}

func (m *ChannelMesh) HandleUserLeft(channel domain.ChannelID, id domain.UserID) {
	if !m.owns(channel) {
		return
	}
	if id == m.env.self.ID {
		// the relay removed us; it already forgot our membership
		m.logger().Warn().Msg("removed from voice channel by relay")
		m.teardown()
		m.env.hooks.err(fmt.Errorf("%w: %s", ErrRemovedFromChannel, channel))
		return
	}
	l, ok := m.links[id]
	if !ok {
		return
	}
	m.logger().Info().Str("peer", string(id)).Msg("user left")
	m.dropLink(l)
	m.notifyPeers()
}

func (m *ChannelMesh) HandleOffer(from domain.UserID, channel domain.ChannelID, offer webrtc.SessionDescription) {
	if !m.owns(channel) || from == m.env.self.ID {
		return
	}
	if _, ok := m.links[from]; ok {
		m.logger().Debug().Str("peer", string(from)).Msg("offer for existing link ignored")
		return
	}
	l, err := m.newLink(from, RoleResponder)
	if err != nil {
		m.logger().Error().Err(err).Str("peer", string(from)).Msg("create link")
		m.env.hooks.err(err)
		return
	}
	m.links[from] = l
	if err := l.acceptOffer(offer); err != nil {
		m.logger().Error().Err(err).Str("peer", string(from)).Msg("answer")
		m.dropLink(l)
		m.env.hooks.err(err)
		return
	}
	m.notifyPeers()
}

func (m *ChannelMesh) HandleAnswer(from domain.UserID, channel domain.ChannelID, answer webrtc.SessionDescription) {
	if !m.owns(channel) {
		return
	}
	l, ok := m.links[from]
	if !ok {
		m.logger().Debug().Str("peer", string(from)).Msg("answer without link ignored")
		return
	}
	if err := l.acceptAnswer(answer); err != nil {
		m.logger().Warn().Err(err).Str("peer", string(from)).Msg("answer ignored")
		if !errors.Is(err, ErrUnexpectedAnswer) {
			m.env.hooks.err(err)
		}
	}
}

func (m *ChannelMesh) HandleCandidate(from domain.UserID, channel domain.ChannelID, c webrtc.ICECandidateInit) {
	if !m.owns(channel) {
		return
	}
	l, ok := m.links[from]
	if !ok {
		m.logger().Debug().Str("peer", string(from)).Msg("candidate without link dropped")
		return
	}
	l.addRemoteCandidate(c)
}

func (m *ChannelMesh) onLinkGone(l *PeerLink) {
	if m.links[l.Remote()] != l {
		return
	}
	m.logger().Warn().Str("peer", string(l.Remote())).Msg("transport lost, dropping peer")
	m.dropLink(l)
	m.notifyPeers()
}

func (m *ChannelMesh) dropLink(l *PeerLink) {
	if m.links[l.Remote()] == l {
		delete(m.links, l.Remote())
	}
	l.close()
}

func (m *ChannelMesh) newLink(remote domain.UserID, role LinkRole) (*PeerLink, error) {
	return newPeerLink(linkConfig{
		remote:  remote,
		role:    role,
		track:   m.track,
		factory: m.env.factory,
		relay:   m.env.relay,
		signals: channelSignals(m.channel),
		post:    m.env.post,
		onGone:  m.onLinkGone,
	})
}

func (m *ChannelMesh) owns(channel domain.ChannelID) bool {
	return m.joined && channel == m.channel
}

func (m *ChannelMesh) notifyPeers() {
	m.env.hooks.channelPeers(m.channel, m.Peers())
}

func (m *ChannelMesh) logger() *zerolog.Logger {
	l := log.With().Str("module", "voice.mesh").Str("channel", string(m.channel)).Logger()
	return &l
}
