package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateway-proxy/pkg/identity"
)

// stubValidator resolves tokens from a fixed table.
type stubValidator map[string]identity.Identity

func (s stubValidator) Validate(_ context.Context, token string) (identity.Identity, error) {
	id, ok := s[token]
	if !ok {
		return identity.Identity{}, identity.ErrMalformedToken
	}
	return id, nil
}

var (
	alice = identity.Identity{UserID: 1, Username: "alice", ExpiresAt: time.Unix(2000000000, 0)}
	bob   = identity.Identity{UserID: 2, Username: "bob", ExpiresAt: time.Unix(2000000000, 0)}
)

func newTestManager() *Manager {
	return NewManager(stubValidator{
		"alice-1": alice,
		"alice-2": {UserID: 1, Username: "alice", ExpiresAt: time.Unix(2100000000, 0)},
		"bob-1":   bob,
	})
}

func TestManager_CreateAndGet(t *testing.T) {
	m := newTestManager()

	s := m.Create(Owner{Identity: alice, Token: "alice-1", ConnID: "c1", RemoteAddr: "10.0.0.1:5000"})
	assert.Equal(t, int64(1), s.ID)

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s, got)
	assert.Equal(t, int64(1), got.UserID)
	assert.Equal(t, "alice-1", got.Token)
	assert.Equal(t, alice.ExpiresAt, got.ExpiresAt)
	assert.Equal(t, "c1", got.ConnID)
}

func TestManager_IDsNeverReused(t *testing.T) {
	m := newTestManager()

	a := m.Create(Owner{Identity: alice, Token: "alice-1"})
	m.Remove(a.ID)
	b := m.Create(Owner{Identity: alice, Token: "alice-1"})

	assert.Greater(t, b.ID, a.ID)
	_, err := m.Get(a.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_ConcurrentCreateUnique(t *testing.T) {
	m := newTestManager()

	const n = 200
	ids := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- m.Create(Owner{Identity: bob, Token: "bob-1"}).ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool, n)
	for id := range ids {
		assert.False(t, seen[id], "duplicate session id %d", id)
		assert.Positive(t, id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, m.Len())
}

func TestManager_RefreshSuccess(t *testing.T) {
	m := newTestManager()
	s := m.Create(Owner{Identity: alice, Token: "alice-1"})

	require.NoError(t, m.Refresh(context.Background(), s.ID, s.ID, "alice-2"))

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, "alice-2", got.Token)
	assert.Equal(t, time.Unix(2100000000, 0), got.ExpiresAt)
}

func TestManager_RefreshRejected(t *testing.T) {
	tests := []struct {
		name        string
		requestedID func(id int64) int64
		token       string
	}{
		{"malformed token", func(id int64) int64 { return id }, "{abcd"},
		{"another user's token", func(id int64) int64 { return id }, "bob-1"},
		{"session id mismatch", func(int64) int64 { return 0 }, "alice-2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager()
			s := m.Create(Owner{Identity: alice, Token: "alice-1"})

			err := m.Refresh(context.Background(), s.ID, tt.requestedID(s.ID), tt.token)
			assert.True(t, errors.Is(err, ErrRefreshRejected), "got %v", err)

			got, _ := m.Get(s.ID)
			assert.Equal(t, "alice-1", got.Token, "token must be unchanged")
			assert.Equal(t, alice.ExpiresAt, got.ExpiresAt)
		})
	}
}

func TestManager_RefreshMismatchedIDWithSameUserToken(t *testing.T) {
	m := newTestManager()
	for i := 0; i < 6; i++ {
		m.Create(Owner{Identity: bob, Token: "bob-1"})
	}
	s := m.Create(Owner{Identity: alice, Token: "alice-1"})
	require.Equal(t, int64(7), s.ID)

	err := m.Refresh(context.Background(), s.ID, 0, "alice-2")
	assert.ErrorIs(t, err, ErrRefreshRejected)
}

func TestManager_RefreshUnknownSession(t *testing.T) {
	m := newTestManager()

	err := m.Refresh(context.Background(), 42, 42, "alice-2")
	assert.ErrorIs(t, err, ErrRefreshRejected)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_List(t *testing.T) {
	m := newTestManager()

	m.Create(Owner{Identity: alice, Token: "alice-1"})
	m.Create(Owner{Identity: bob, Token: "bob-1"})
	m.Create(Owner{Identity: alice, Token: "alice-1"})

	sessions := m.List()
	require.Len(t, sessions, 3)
	for i, s := range sessions {
		assert.Equal(t, int64(i+1), s.ID)
	}
}

func TestSession_Expired(t *testing.T) {
	s := Session{ExpiresAt: time.Unix(100, 0)}
	assert.False(t, s.Expired(time.Unix(99, 0)))
	assert.True(t, s.Expired(time.Unix(100, 0)))
	assert.False(t, Session{}.Expired(time.Now()))
}
