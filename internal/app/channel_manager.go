package app

import (
	"sort"
	"sync"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/rs/zerolog/log"
)

type ChannelManagerImpl struct {
	mu       sync.RWMutex
	channels map[domain.ChannelID]core.ChannelService
}

func NewChannelManager() core.ChannelManager {
	return &ChannelManagerImpl{channels: make(map[domain.ChannelID]core.ChannelService)}
}

func (f *ChannelManagerImpl) Get(id domain.ChannelID) (core.ChannelService, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ch, ok := f.channels[id]
	return ch, ok
}

func (f *ChannelManagerImpl) Join(id domain.ChannelID, uid domain.UserID, ms core.MemberSession) (core.ChannelService, []domain.UserID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[id]
	if !ok {
		ch = core.NewChannelService(&domain.Channel{ID: id})
		f.channels[id] = ch
		log.Info().Str("module", "app.channels").Str("channel", string(id)).Msg("channel created")
	}
	return ch, ch.Join(uid, ms)
}

func (f *ChannelManagerImpl) Leave(id domain.ChannelID, uid domain.UserID) (core.ChannelService, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[id]
	if !ok {
		return nil, false
	}
	left := ch.Leave(uid)
	if ch.MemberCount() == 0 {
		delete(f.channels, id)
		log.Info().Str("module", "app.channels").Str("channel", string(id)).Msg("channel closed")
	}
	return ch, left
}

func (f *ChannelManagerImpl) List() []core.ChannelInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]core.ChannelInfo, 0, len(f.channels))
	for id, ch := range f.channels {
		out = append(out, core.ChannelInfo{ID: id, Members: ch.MembersSnapshot()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *ChannelManagerImpl) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.channels)
}

func (f *ChannelManagerImpl) StopChannel(id domain.ChannelID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.channels, id)
}
