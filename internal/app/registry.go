package app

import (
	"context"
	"sort"
	"sync"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/rs/zerolog/log"
)

type sessionEntry struct {
	Channel domain.ChannelID
	Session core.MemberSession
	Cancel  context.CancelFunc
}

// Registry maps each connected user to its signaling session and the voice
// channel it is in. A user has at most one session; the newest wins.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.UserID]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[domain.UserID]*sessionEntry),
	}
}

// Bind registers sess for its user and returns the session it replaced, if any.
func (r *Registry) Bind(sess core.MemberSession, cancel context.CancelFunc) (core.MemberSession, bool) {
	uid := sess.Meta().User.ID
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, had := r.sessions[uid]
	r.sessions[uid] = &sessionEntry{Session: sess, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("user", string(uid)).Bool("replaced", had).Msg("bound signal")
	if had {
		return prev.Session, true
	}
	return nil, false
}

// Unbind removes uid only while sess is still its current session.
func (r *Registry) Unbind(uid domain.UserID, sess core.MemberSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[uid]
	if !ok || e.Session != sess {
		return false
	}
	delete(r.sessions, uid)
	log.Info().Str("module", "app.registry").Str("user", string(uid)).Msg("unbind session")
	return true
}

func (r *Registry) GetSession(uid domain.UserID) (core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[uid]; ok {
		return e.Session, true
	}
	return nil, false
}

// IsCurrent reports whether sess is the live session of its user.
func (r *Registry) IsCurrent(sess core.MemberSession) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sess.Meta().User.ID]
	return ok && e.Session == sess
}

func (r *Registry) ChannelOf(uid domain.UserID) (domain.ChannelID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[uid]
	if !ok || e.Channel == "" {
		return "", false
	}
	return e.Channel, true
}

func (r *Registry) SetChannel(uid domain.UserID, ch domain.ChannelID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[uid]
	if !ok {
		return false
	}
	e.Channel = ch
	log.Info().Str("module", "app.registry").Str("user", string(uid)).Str("channel", string(ch)).Msg("updated channel")
	return true
}

func (r *Registry) ClearChannel(uid domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[uid]; ok {
		e.Channel = ""
	}
}

// Online returns the connected user ids, sorted.
func (r *Registry) Online() []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.UserID, 0, len(r.sessions))
	for uid := range r.sessions {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Cancel stops the pumps of uid's connection.
func (r *Registry) Cancel(uid domain.UserID) bool {
	r.mu.RLock()
	e, ok := r.sessions[uid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("user", string(uid)).Msg("canceled session")
	return true
}
