package signal

import (
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/signaling"
)

// handleTargeted forwards offers, answers, candidates and call-end to the
// addressed user. Payloads are opaque to the relay.
func (ctl *SignalWSController) handleTargeted(sess core.MemberSession, msg signaling.Message) {
	ctl.Orch.Route(sess, msg)
}
