package session

import (
	"context"
	"errors"
	"sync"

	"github.com/shared-canvas/backend/internal/model"
)

// Registry tracks the running tab sessions of this process by record path,
// so equal tab ids of different users or documents never meet.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Manager
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Manager)}
}

// Add registers a started m under its path, replacing any previous manager.
func (r *Registry) Add(m *Manager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[m.Path()] = m
}

// Get retrieves the manager of a tab.
func (r *Registry) Get(docID, userID, tabID string) (*Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.sessions[model.PresencePath(docID, userID, tabID)]
	return m, ok
}

// Remove unregisters m unless another manager has taken its path since.
func (r *Registry) Remove(m *Manager) {
	path := m.Path()
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[path]; ok && cur == m {
		delete(r.sessions, path)
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// StopAll stops and unregisters every session.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.sessions))
	for _, m := range r.sessions {
		managers = append(managers, m)
	}
	r.sessions = make(map[string]*Manager)
	r.mu.Unlock()

	var errs []error
	for _, m := range managers {
		if err := m.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
