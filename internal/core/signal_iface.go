package core

import "github.com/dkeye/voicemesh/internal/signaling"

// Frame is a raw binary payload.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Relay is the client side of the signaling relay: typed messages addressed
// by user identity. Send must not block on the network.
type Relay interface {
	Send(signaling.Message) error
}
