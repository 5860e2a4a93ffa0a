package voice

import "github.com/dkeye/voicemesh/internal/domain"

// Hooks let a UI observe the voice core. They run on the loop goroutine and
// must not call back into Client synchronously.
type Hooks struct {
	OnCallState    func(state CallState, peer domain.UserID)
	OnIncomingCall func(from domain.UserID, username string)
	OnChannelPeers func(channel domain.ChannelID, peers []domain.UserID)
	OnError        func(err error)
}

func (h Hooks) callState(state CallState, peer domain.UserID) {
	if h.OnCallState != nil {
		h.OnCallState(state, peer)
	}
}

func (h Hooks) incomingCall(from domain.UserID, username string) {
	if h.OnIncomingCall != nil {
		h.OnIncomingCall(from, username)
	}
}

func (h Hooks) channelPeers(channel domain.ChannelID, peers []domain.UserID) {
	if h.OnChannelPeers != nil {
		h.OnChannelPeers(channel, peers)
	}
}

func (h Hooks) err(err error) {
	if h.OnError != nil && err != nil {
		h.OnError(err)
	}
}
