package orch

import (
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/signaling"
	"github.com/rs/zerolog/log"
)

// JoinVoice moves sess into channel id. The joiner receives the roster as it
// was before the join; the members in that roster learn about the joiner.
func (o *Orchestrator) JoinVoice(sess core.MemberSession, id domain.ChannelID) {
	user := sess.Meta().User
	if err := id.Validate(); err != nil {
		o.RejectJoin(sess, id, signaling.ErrCodeBadPayload)
		return
	}
	if cur, ok := o.Registry.ChannelOf(user.ID); ok {
		o.leave(user.ID, cur)
		log.Info().Str("module", "orch").Str("user", string(user.ID)).Str("from_channel", string(cur)).Msg("left previous channel")
	}

	ch, existing := o.Channels.Join(id, user.ID, sess)
	o.Registry.SetChannel(user.ID, id)
	o.Metrics.Joined()
	o.Metrics.SetChannels(o.Channels.Count())
	log.Info().Str("module", "orch").Str("user", string(user.ID)).Str("channel", string(id)).Int("existing", len(existing)).Msg("joined voice channel")

	o.Reply(sess, signaling.Message{Type: signaling.TypeChannelUsers, ChannelID: id, UserIDs: existing})
	o.fanout(ch, existing, signaling.Message{
		Type:      signaling.TypeUserJoined,
		ChannelID: id,
		UserID:    user.ID,
		Username:  user.Username,
	})
}

// LeaveVoice removes uid from its voice channel. Reports false when uid was
// not in one.
func (o *Orchestrator) LeaveVoice(uid domain.UserID) bool {
	ch, ok := o.Registry.ChannelOf(uid)
	if !ok {
		return false
	}
	return o.leave(uid, ch)
}

// RejectJoin answers a refused join. The error echoes the channel so the
// client can tell it apart from other failures.
func (o *Orchestrator) RejectJoin(sess core.MemberSession, id domain.ChannelID, code string) {
	o.Reply(sess, signaling.Message{Type: signaling.TypeError, ChannelID: id, Error: code})
}

// Kick removes uid from its voice channel and, unlike LeaveVoice, tells uid
// itself with a user-left naming its own id.
func (o *Orchestrator) Kick(uid domain.UserID) bool {
	id, ok := o.Registry.ChannelOf(uid)
	if !ok || !o.leave(uid, id) {
		return false
	}
	if sess, ok := o.Registry.GetSession(uid); ok {
		o.Reply(sess, signaling.Message{Type: signaling.TypeUserLeft, ChannelID: id, UserID: uid})
	}
	return true
}

func (o *Orchestrator) leave(uid domain.UserID, id domain.ChannelID) bool {
	o.Registry.ClearChannel(uid)
	ch, ok := o.Channels.Leave(id, uid)
	if !ok {
		return false
	}
	o.Metrics.Left()
	o.Metrics.SetChannels(o.Channels.Count())
	log.Info().Str("module", "orch").Str("user", string(uid)).Str("channel", string(id)).Msg("left voice channel")

	data, err := signaling.Message{Type: signaling.TypeUserLeft, ChannelID: id, UserID: uid}.Encode()
	if err != nil {
		return true
	}
	res := ch.Broadcast(uid, data)
	for _, slow := range res.Dropped {
		o.onBackpressure(ch, slow)
	}
	return true
}

// fanout sends msg to the listed members of ch.
func (o *Orchestrator) fanout(ch core.ChannelService, ids []domain.UserID, msg signaling.Message) {
	data, err := msg.Encode()
	if err != nil {
		return
	}
	var slow []core.MemberSession
	for _, id := range ids {
		sess, ok := o.Registry.GetSession(id)
		if !ok {
			continue
		}
		if err := sess.Signal().TrySend(data); err != nil {
			slow = append(slow, sess)
		}
	}
	for _, s := range slow {
		o.onBackpressure(ch, s)
	}
}

// Evict removes every member of channel id.
func (o *Orchestrator) Evict(id domain.ChannelID) {
	ch, ok := o.Channels.Get(id)
	if !ok {
		return
	}
	for _, m := range ch.MembersSnapshot() {
		o.Kick(m.ID)
	}
	o.Channels.StopChannel(id)
}
