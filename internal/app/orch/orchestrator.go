package orch

import (
	"context"

	"github.com/dkeye/voicemesh/internal/app"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/metrics"
	"github.com/dkeye/voicemesh/internal/signaling"
	"github.com/rs/zerolog/log"
)

// Orchestrator is the relay's brain: it binds connections to users, keeps
// voice channel rosters and forwards targeted messages. It never inspects
// SDP or candidates.
type Orchestrator struct {
	Registry *app.Registry
	Channels core.ChannelManager
	Policy   app.Policy
	Metrics  *metrics.Relay
}

func New(policy app.Policy, m *metrics.Relay) *Orchestrator {
	return &Orchestrator{
		Registry: app.NewRegistry(),
		Channels: app.NewChannelManager(),
		Policy:   policy,
		Metrics:  m,
	}
}

// Connect binds sess to its user. A previous connection of the same user is
// canceled and leaves its voice channel first.
func (o *Orchestrator) Connect(sess core.MemberSession, cancel context.CancelFunc) {
	uid := sess.Meta().User.ID
	if _, ok := o.Registry.GetSession(uid); ok {
		o.Registry.Cancel(uid)
		o.LeaveVoice(uid)
	}
	if prev, replaced := o.Registry.Bind(sess, cancel); replaced {
		prev.Signal().Close()
	}
	o.Metrics.Connected()
}

// Disconnect is an implicit leave. It is a no-op for a session that was
// already replaced by a newer connection.
func (o *Orchestrator) Disconnect(sess core.MemberSession) {
	o.Metrics.Disconnected()
	uid := sess.Meta().User.ID
	if !o.Registry.IsCurrent(sess) {
		return
	}
	o.LeaveVoice(uid)
	o.Registry.Unbind(uid, sess)
	log.Info().Str("module", "orch").Str("user", string(uid)).Msg("disconnected")
}

// Route forwards a targeted message, stamped with the sender identity.
func (o *Orchestrator) Route(sess core.MemberSession, msg signaling.Message) {
	from := sess.Meta().User
	l := log.With().Str("module", "orch").Str("type", string(msg.Type)).Str("from", string(from.ID)).Str("to", string(msg.TargetUserID)).Logger()

	if msg.TargetUserID == "" || msg.TargetUserID == from.ID {
		o.Metrics.Drop(metrics.DropBadPayload)
		o.ReplyError(sess, signaling.ErrCodeBadPayload)
		return
	}
	if msg.Type.IsChannelScoped() && !o.sameChannel(msg.ChannelID, from.ID, msg.TargetUserID) {
		o.Metrics.Drop(metrics.DropNotInChannel)
		l.Debug().Str("channel", string(msg.ChannelID)).Msg("channel message outside channel dropped")
		return
	}
	target, ok := o.Registry.GetSession(msg.TargetUserID)
	if !ok {
		o.Metrics.Drop(metrics.DropUserOffline)
		l.Info().Msg("target offline")
		if msg.Type == signaling.TypeCallOffer {
			// the caller's call session goes back to idle
			o.Reply(sess, signaling.Message{Type: signaling.TypeCallEnd, FromUserID: msg.TargetUserID})
			return
		}
		o.ReplyError(sess, signaling.ErrCodeUserOffline)
		return
	}

	msg.FromUserID = from.ID
	msg.FromUsername = from.Username
	if err := o.send(target, msg); err != nil {
		o.Metrics.Drop(metrics.DropBackpressure)
		l.Warn().Err(err).Msg("forward failed")
	}
}

func (o *Orchestrator) WhoAmI(uid domain.UserID) signaling.Message {
	resp := signaling.Message{Type: signaling.TypeWhoAmI, UserID: uid}
	if sess, ok := o.Registry.GetSession(uid); ok {
		resp.Username = sess.Meta().User.Username
	}
	if ch, ok := o.Registry.ChannelOf(uid); ok {
		resp.ChannelID = ch
	}
	return resp
}

func (o *Orchestrator) Reply(sess core.MemberSession, msg signaling.Message) {
	if err := o.send(sess, msg); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("user", string(sess.Meta().User.ID)).Str("type", string(msg.Type)).Msg("reply failed")
	}
}

func (o *Orchestrator) ReplyError(sess core.MemberSession, code string) {
	o.Reply(sess, signaling.Message{Type: signaling.TypeError, Error: code})
}

func (o *Orchestrator) send(sess core.MemberSession, msg signaling.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return sess.Signal().TrySend(data)
}

func (o *Orchestrator) sameChannel(id domain.ChannelID, a, b domain.UserID) bool {
	ch, ok := o.Channels.Get(id)
	return ok && ch.Has(a) && ch.Has(b)
}

func (o *Orchestrator) onBackpressure(ch core.ChannelService, slow core.MemberSession) {
	if o.Policy == nil {
		return
	}
	switch o.Policy.OnBackPressure(ch, slow) {
	case app.KickMember:
		uid := slow.Meta().User.ID
		log.Warn().Str("module", "orch").Str("user", string(uid)).Str("channel", string(ch.Channel().ID)).Msg("kicking slow member")
		o.Metrics.Kicked()
		o.Kick(uid)
	case app.DropFrame, app.NoAction:
		o.Metrics.Drop(metrics.DropBackpressure)
	}
}
