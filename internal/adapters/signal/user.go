package signal

import "github.com/dkeye/voicemesh/internal/core"

func (ctl *SignalWSController) handleWhoAmI(sess core.MemberSession) {
	ctl.Orch.Reply(sess, ctl.Orch.WhoAmI(sess.Meta().User.ID))
}
