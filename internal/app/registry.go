package app

import (
	"context"
	"sync"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

// Session is the server-side half of one live transport connection.
type Session struct {
	ID       domain.SessionID
	Identity domain.Identity
	Conn     core.SignalConnection

	room   domain.RoomID
	cancel context.CancelFunc
}

// Registry tracks live sessions and the room each one currently belongs to.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[domain.SessionID]*Session),
	}
}

func (r *Registry) Bind(sid domain.SessionID, id domain.Identity, conn core.SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = &Session{ID: sid, Identity: id, Conn: conn, cancel: cancel}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("identity", string(id)).Msg("bound session")
}

// Get returns a copy of the session record.
func (r *Registry) Get(sid domain.SessionID) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[sid]; ok {
		return *s, true
	}
	return Session{}, false
}

func (r *Registry) Unbind(sid domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind session")
}

func (r *Registry) RoomOf(sid domain.SessionID) (domain.RoomID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sid]
	if !ok || s.room == "" {
		return "", false
	}
	return s.room, true
}

func (r *Registry) SetRoom(sid domain.SessionID, room domain.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sid]
	if !ok {
		return false
	}
	s.room = room
	return true
}

func (r *Registry) ClearRoom(sid domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sid]; ok {
		s.room = ""
	}
}

func (r *Registry) Identity(sid domain.SessionID) (domain.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sid]
	if !ok {
		return "", false
	}
	return s.Identity, true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Cancel stops the session's transport; cleanup follows on its read loop.
func (r *Registry) Cancel(sid domain.SessionID) bool {
	r.mu.RLock()
	s, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if s.cancel != nil {
		s.cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}
