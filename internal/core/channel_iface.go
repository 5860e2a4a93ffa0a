package core

import (
	"github.com/dkeye/voicemesh/internal/domain"
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	ID       domain.UserID `json:"id"`
	Username string        `json:"username"`
}

// ChannelService is the core-facing API of a voice channel roster.
// It owns the membership set but never touches transport resources.
type ChannelService interface {
	Channel() *domain.Channel
	MemberCount() int
	MembersSnapshot() []MemberDTO
	Has(uid domain.UserID) bool

	// Join returns the roster as it was before uid was added. Snapshot and
	// insert happen under one lock so concurrent joiners see a total order.
	Join(uid domain.UserID, ms MemberSession) []domain.UserID
	Leave(uid domain.UserID) bool
	Broadcast(from domain.UserID, data Frame) PublishResult
}

type ChannelInfo struct {
	ID      domain.ChannelID `json:"channel_id"`
	Members []MemberDTO      `json:"members"`
}

// ChannelManager owns the set of live channels. Join and Leave run under the
// manager lock so a channel is never dropped while someone is joining it.
type ChannelManager interface {
	Get(id domain.ChannelID) (ChannelService, bool)
	List() []ChannelInfo
	Count() int

	// Join creates the channel on first use and returns the roster uid joined.
	Join(id domain.ChannelID, uid domain.UserID, ms MemberSession) (ChannelService, []domain.UserID)
	// Leave removes uid and drops the channel once it is empty.
	Leave(id domain.ChannelID, uid domain.UserID) (ChannelService, bool)
	StopChannel(id domain.ChannelID)
}
