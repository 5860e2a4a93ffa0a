package core

import (
	"sort"
	"sync"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/rs/zerolog/log"
)

// channelImpl is a threadsafe in-memory voice channel roster.
// It never closes adapter-owned resources.
type channelImpl struct {
	channel *domain.Channel
	mu      sync.RWMutex
	byUser  map[domain.UserID]MemberSession
}

func NewChannelService(ch *domain.Channel) ChannelService {
	return &channelImpl{
		channel: ch,
		byUser:  make(map[domain.UserID]MemberSession),
	}
}

func (c *channelImpl) Channel() *domain.Channel { return c.channel }

func (c *channelImpl) MemberCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byUser)
}

func (c *channelImpl) Has(uid domain.UserID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byUser[uid]
	return ok
}

func (c *channelImpl) Join(uid domain.UserID, ms MemberSession) []domain.UserID {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing := make([]domain.UserID, 0, len(c.byUser))
	for id := range c.byUser {
		if id != uid {
			existing = append(existing, id)
		}
	}
	sort.Slice(existing, func(i, j int) bool { return existing[i] < existing[j] })
	c.byUser[uid] = ms
	log.Info().Str("module", "core.channel").Str("channel", string(c.channel.ID)).Str("user", string(uid)).Int("existing", len(existing)).Msg("member joined")
	return existing
}

func (c *channelImpl) Leave(uid domain.UserID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byUser[uid]; !ok {
		return false
	}
	delete(c.byUser, uid)
	log.Info().Str("module", "core.channel").Str("channel", string(c.channel.ID)).Str("user", string(uid)).Msg("member left")
	return true
}

func (c *channelImpl) Broadcast(from domain.UserID, data Frame) PublishResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res := PublishResult{}
	for uid, m := range c.byUser {
		if uid == from {
			continue
		}
		if err := m.Signal().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.channel").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (c *channelImpl) MembersSnapshot() []MemberDTO {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]MemberDTO, 0, len(c.byUser))
	for _, ms := range c.byUser {
		u := ms.Meta().User
		out = append(out, MemberDTO{ID: u.ID, Username: u.Username})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
