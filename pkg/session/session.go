// Package session manages the sessions of authenticated client connections.
// A session is created when a connection's token validates, lives exactly as
// long as that connection, and can have its token replaced by a refresh.
package session

import (
	"context"
	"time"

	"gateway-proxy/pkg/identity"
)

// Error provides constant error strings for session operations.
type Error string

func (e Error) Error() string { return string(e) }

// Constant errors.
const (
	ErrSessionNotFound = Error("session not found")
	ErrRefreshRejected = Error("session refresh rejected")
)

// Session is the authenticated state of one client connection.
type Session struct {
	// ID is unique for the lifetime of the process and never reused.
	ID int64

	// UserID is the identity the session's token was issued to.
	UserID int64

	// Username is informational only.
	Username string

	// Token is the current access token. Replaced on refresh.
	Token string

	// CreatedAt is when the handshake succeeded.
	CreatedAt time.Time

	// ExpiresAt is the expiry of the current token.
	ExpiresAt time.Time

	// ConnID identifies the owning client connection.
	ConnID string

	// RemoteAddr is the client's address as seen by the proxy.
	RemoteAddr string
}

// Expired reports whether the session's token has expired at now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Owner describes who a new session belongs to.
type Owner struct {
	Identity   identity.Identity
	Token      string
	ConnID     string
	RemoteAddr string
}

// Store defines the interface for session management.
type Store interface {
	// Create allocates a new session for an authenticated connection.
	Create(o Owner) Session

	// Refresh replaces the token of session id. requestedID is the id the
	// client claims to own.
	Refresh(ctx context.Context, id, requestedID int64, token string) error

	// Get returns a snapshot of session id.
	Get(id int64) (Session, error)

	// Remove discards session id.
	Remove(id int64)

	// List returns snapshots of all active sessions ordered by id.
	List() []Session
}
