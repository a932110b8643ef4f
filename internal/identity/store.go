// Package identity resolves who a client connection declares itself to be:
// guest session allocation, profile claims from a customer credential, and
// the identify/identified handshake run on every open connection.
package identity

import (
	"context"
	"errors"
	"sync"

	"github.com/haasonsaas/livechat/pkg/models"
)

// ErrNoSession is returned when no session id is cached for a role.
var ErrNoSession = errors.New("identity: no cached session")

// SessionStore persists the session id a role last identified with.
type SessionStore interface {
	// LoadSession returns the cached session id or ErrNoSession.
	LoadSession(ctx context.Context, role models.Role) (string, error)

	// SaveSession caches the session id for role.
	SaveSession(ctx context.Context, role models.Role, sessionID string) error

	// DeleteSession removes the cached session id. Missing entries are not an error.
	DeleteSession(ctx context.Context, role models.Role) error
}

// MemoryStore is an in-memory SessionStore.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[models.Role]string
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[models.Role]string)}
}

// LoadSession implements SessionStore.
func (s *MemoryStore) LoadSession(_ context.Context, role models.Role) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.sessions[role]
	if !ok || id == "" {
		return "", ErrNoSession
	}
	return id, nil
}

// SaveSession implements SessionStore.
func (s *MemoryStore) SaveSession(_ context.Context, role models.Role, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[role] = sessionID
	return nil
}

// DeleteSession implements SessionStore.
func (s *MemoryStore) DeleteSession(_ context.Context, role models.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, role)
	return nil
}
