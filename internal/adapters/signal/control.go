package signal

import (
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/signaling"
)

func (ctl *SignalWSController) handlePing(sess core.MemberSession) {
	ctl.Orch.Reply(sess, signaling.Message{Type: signaling.TypePong})
}
