package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gateway-proxy/pkg/identity"
)

var _ Store = (*Manager)(nil)

// Manager is the thread-safe in-memory session table. The zero value is
// not usable; create one with NewManager.
type Manager struct {
	validator identity.TokenValidator
	now       func() time.Time

	// lastID only grows, so ids are never reused even after Remove.
	lastID atomic.Int64

	mu       sync.RWMutex
	sessions map[int64]*Session
}

// NewManager creates an empty session table. validator resolves the tokens
// presented on refresh.
func NewManager(validator identity.TokenValidator) *Manager {
	return &Manager{
		validator: validator,
		now:       time.Now,
		sessions:  make(map[int64]*Session),
	}
}

// Create allocates the next session id and records the owner.
func (m *Manager) Create(o Owner) Session {
	s := &Session{
		ID:         m.lastID.Add(1),
		UserID:     o.Identity.UserID,
		Username:   o.Identity.Username,
		Token:      o.Token,
		CreatedAt:  m.now(),
		ExpiresAt:  o.Identity.ExpiresAt,
		ConnID:     o.ConnID,
		RemoteAddr: o.RemoteAddr,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return *s
}

// Refresh succeeds only when requestedID names session id and token
// resolves to the session's owner. Every failure wraps ErrRefreshRejected;
// the session is left untouched in that case.
func (m *Manager) Refresh(ctx context.Context, id, requestedID int64, token string) error {
	m.mu.RLock()
	s, ok := m.sessions[id]
	var owner int64
	if ok {
		owner = s.UserID
	}
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %w", ErrRefreshRejected, ErrSessionNotFound)
	}
	if requestedID != id {
		return fmt.Errorf("%w: session id %d does not match %d", ErrRefreshRejected, requestedID, id)
	}

	ident, err := m.validator.Validate(ctx, token)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRefreshRejected, err)
	}
	if ident.UserID != owner {
		return fmt.Errorf("%w: token belongs to user %d, session to user %d", ErrRefreshRejected, ident.UserID, owner)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// The connection may have closed while the token was being validated.
	s, ok = m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %w", ErrRefreshRejected, ErrSessionNotFound)
	}
	s.Token = token
	s.ExpiresAt = ident.ExpiresAt
	return nil
}

// Get returns a copy of session id.
func (m *Manager) Get(id int64) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}
	return *s, nil
}

// Remove discards session id. Removing an unknown id is a no-op.
func (m *Manager) Remove(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// List returns copies of all sessions ordered by id.
func (m *Manager) List() []Session {
	m.mu.RLock()
	result := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		result = append(result, *s)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Len returns the number of active sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
