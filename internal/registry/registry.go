package registry

import (
	"log/slog"
	"sync"

	"github.com/grajrb/ProSyncHub-sub000/models"
)

/*
	Process-local session registry: connection id -> session identity.
	This is the source of truth for "who is connected to this process" and
	nothing more. It is never consulted by remote processes; cross-process
	visibility comes from the broker, not from sharing this map.
*/

type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*models.Session
}

func New(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger,
		sessions: make(map[string]*models.Session),
	}
}

// Put stores or replaces the session for a connection. Replacement happens
// on re-authentication of a live connection (credential refresh).
func (r *Registry) Put(connectionID string, session *models.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[connectionID] = session
	r.logger.Debug("Session stored", "connection_id", connectionID, "user_id", session.UserID)
}

func (r *Registry) Get(connectionID string) *models.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[connectionID]
}

// Remove drops the session for a connection and returns it, or nil when the
// connection was never authenticated or already removed. Safe to call more
// than once.
func (r *Registry) Remove(connectionID string) *models.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[connectionID]
	if !ok {
		return nil
	}
	delete(r.sessions, connectionID)
	r.logger.Debug("Session removed", "connection_id", connectionID, "user_id", session.UserID)
	return session
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
