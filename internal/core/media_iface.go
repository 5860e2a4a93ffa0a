package core

import (
	"context"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

// LocalTrack is the single local audio track of a call or channel session.
// One physical track is attached to every outgoing PeerConnection.
type LocalTrack interface {
	ID() string
	// SetEnabled is the mute switch; a disabled track sends nothing.
	SetEnabled(enabled bool)
	Enabled() bool
}

// MediaSource hands out one LocalTrack at a time.
type MediaSource interface {
	// Acquire may block on hardware or permission prompts.
	Acquire(ctx context.Context) (LocalTrack, error)
	// Release stops the track returned by the last Acquire. Idempotent.
	Release()
}

// TransportHandlers are invoked from transport-owned goroutines.
// Implementations of the voice core re-post them onto their event loop.
type TransportHandlers struct {
	OnICECandidate func(webrtc.ICECandidateInit)
	OnStateChange  func(webrtc.PeerConnectionState)
}

// PeerTransport is one peer connection to one remote participant.
type PeerTransport interface {
	// CreateAndSetOffer creates a local offer and applies it as local description.
	CreateAndSetOffer() (*webrtc.SessionDescription, error)
	// ApplyOfferAndCreateAnswer sets offer as remote description, then creates
	// and applies a local answer.
	ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	ApplyAnswer(answer webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate. Requires a remote description.
	AddICECandidate(webrtc.ICECandidateInit) error
	// Close should stop all underlying media resources. Idempotent.
	Close() error
}

type TransportFactory interface {
	NewTransport(remote domain.UserID, track LocalTrack, h TransportHandlers) (PeerTransport, error)
}
