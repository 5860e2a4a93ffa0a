package app

import "github.com/dkeye/voicemesh/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropFrame
)

// Policy decides what happens to a member whose outbound queue is full.
type Policy interface {
	OnBackPressure(ch core.ChannelService, member core.MemberSession) BackpressureAction
}

// SimplePolicy kicks slow members out of the voice channel.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(ch core.ChannelService, member core.MemberSession) BackpressureAction {
	return KickMember
}

// TolerantPolicy drops the frame and keeps the member.
type TolerantPolicy struct{}

func (TolerantPolicy) OnBackPressure(ch core.ChannelService, member core.MemberSession) BackpressureAction {
	return DropFrame
}
