// Package signaling defines the JSON messages exchanged over the relay.
package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

type Type string

const (
	// 1:1 calls
	TypeCallOffer     Type = "voice-call-offer"
	TypeCallAnswer    Type = "voice-call-answer"
	TypeCallCandidate Type = "ice-candidate"
	TypeCallEnd       Type = "call-end"

	// voice channels
	TypeJoinChannel      Type = "join-voice-channel"
	TypeLeaveChannel     Type = "leave-voice-channel"
	TypeChannelUsers     Type = "voice-channel-users"
	TypeUserJoined       Type = "user-joined-voice"
	TypeUserLeft         Type = "user-left-voice"
	TypeChannelOffer     Type = "channel-voice-offer"
	TypeChannelAnswer    Type = "channel-voice-answer"
	TypeChannelCandidate Type = "channel-ice-candidate"

	// relay control
	TypePing   Type = "ping"
	TypePong   Type = "pong"
	TypeWhoAmI Type = "whoami"
	TypeError  Type = "error"
)

// Error codes carried in Message.Error.
const (
	ErrCodeBadPayload   = "bad_payload"
	ErrCodeUserOffline  = "user_offline"
	ErrCodeRateLimited  = "rate_limited"
	ErrCodeNotInChannel = "not_in_channel"
)

// Message is the single envelope for every relay message. Which fields are
// set depends on Type; see Validate.
type Message struct {
	Type Type `json:"type"`

	TargetUserID domain.UserID `json:"target_user_id,omitempty"`
	FromUserID   domain.UserID `json:"from_user_id,omitempty"`
	FromUsername string        `json:"from_username,omitempty"`

	ChannelID domain.ChannelID `json:"channel_id,omitempty"`
	UserID    domain.UserID    `json:"user_id,omitempty"`
	Username  string           `json:"username,omitempty"`
	UserIDs   []domain.UserID  `json:"user_ids,omitempty"`

	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`

	Error string `json:"error,omitempty"`
}

// IsTargeted reports whether the relay forwards m to m.TargetUserID verbatim.
func (t Type) IsTargeted() bool {
	switch t {
	case TypeCallOffer, TypeCallAnswer, TypeCallCandidate, TypeCallEnd,
		TypeChannelOffer, TypeChannelAnswer, TypeChannelCandidate:
		return true
	}
	return false
}

// IsChannelScoped reports whether m only makes sense between members of m.ChannelID.
func (t Type) IsChannelScoped() bool {
	switch t {
	case TypeChannelOffer, TypeChannelAnswer, TypeChannelCandidate:
		return true
	}
	return false
}

func Parse(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var m Message
	if err := dec.Decode(&m); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func (m Message) Validate() error {
	if m.Type.IsTargeted() && m.TargetUserID == "" && m.FromUserID == "" {
		return fmt.Errorf("%s message missing target_user_id", m.Type)
	}
	if m.Type.IsChannelScoped() && m.ChannelID == "" {
		return fmt.Errorf("%s message missing channel_id", m.Type)
	}
	switch m.Type {
	case TypeCallOffer, TypeChannelOffer:
		if m.Offer == nil {
			return fmt.Errorf("%s message missing offer", m.Type)
		}
		if m.Offer.Type != webrtc.SDPTypeOffer {
			return fmt.Errorf("%s message has offer.type=%q", m.Type, m.Offer.Type)
		}
	case TypeCallAnswer, TypeChannelAnswer:
		if m.Answer == nil {
			return fmt.Errorf("%s message missing answer", m.Type)
		}
		if m.Answer.Type != webrtc.SDPTypeAnswer {
			return fmt.Errorf("%s message has answer.type=%q", m.Type, m.Answer.Type)
		}
	case TypeCallCandidate, TypeChannelCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("%s message missing candidate", m.Type)
		}
	case TypeJoinChannel, TypeLeaveChannel, TypeChannelUsers:
		if err := m.ChannelID.Validate(); err != nil {
			return fmt.Errorf("%s: %w", m.Type, err)
		}
	case TypeUserJoined, TypeUserLeft:
		if m.UserID == "" {
			return fmt.Errorf("%s message missing user_id", m.Type)
		}
	case TypeCallEnd, TypePing, TypePong, TypeWhoAmI, TypeError:
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}
