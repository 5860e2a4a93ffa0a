package signal

import (
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/metrics"
	"github.com/dkeye/voicemesh/internal/signaling"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleJoin(sess core.MemberSession, msg signaling.Message) {
	uid := sess.Meta().User.ID
	if ctl.Limiter != nil && !ctl.Limiter.Allow(uid) {
		log.Warn().Str("module", "signal").Str("user", string(uid)).Msg("join rate limited")
		ctl.Orch.Metrics.Drop(metrics.DropRateLimited)
		ctl.Orch.RejectJoin(sess, msg.ChannelID, signaling.ErrCodeRateLimited)
		return
	}
	log.Info().Str("module", "signal").Str("user", string(uid)).Str("channel", string(msg.ChannelID)).Msg("join")
	ctl.Orch.JoinVoice(sess, msg.ChannelID)
}

// handleLeave leaves the current voice channel; the connection stays open.
// A leave naming another channel is ignored.
func (ctl *SignalWSController) handleLeave(sess core.MemberSession, msg signaling.Message) {
	uid := sess.Meta().User.ID
	cur, ok := ctl.Orch.Registry.ChannelOf(uid)
	if !ok || cur != msg.ChannelID {
		log.Debug().Str("module", "signal").Str("user", string(uid)).Str("channel", string(msg.ChannelID)).Msg("leave for channel not joined")
		return
	}
	log.Info().Str("module", "signal").Str("user", string(uid)).Str("channel", string(cur)).Msg("leave")
	ctl.Orch.LeaveVoice(uid)
}
