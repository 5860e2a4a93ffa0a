package voice

import "errors"

var (
	ErrNoLocalTrack     = errors.New("no local audio track")
	ErrMediaUnavailable = errors.New("microphone unavailable")
	ErrUnexpectedAnswer = errors.New("unexpected answer")
	ErrUnexpectedOffer  = errors.New("unexpected offer")
	ErrBusy             = errors.New("already in a call")
	ErrNotRinging       = errors.New("no incoming call")
	ErrSelfCall         = errors.New("cannot call yourself")
	ErrNotJoined        = errors.New("not in a voice channel")
	ErrRelay            = errors.New("signaling relay unavailable")

	ErrJoinRejected       = errors.New("voice channel join rejected")
	ErrRemovedFromChannel = errors.New("removed from voice channel")
)
