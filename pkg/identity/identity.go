// Package identity validates client bearer tokens against the external
// identity service. Tokens are JWTs: the proxy checks their shape and expiry
// locally and asks the identity service which user they belong to.
//
// Client also exposes SignIn and Refresh so tools and tests can obtain
// tokens the same way end users do; the proxy itself only resolves tokens
// through Account and checks reachability with Ping.
package identity

import (
	"context"
	"time"
)

// Error provides constant error strings for token validation.
type Error string

func (e Error) Error() string { return string(e) }

// Constant errors.
const (
	ErrMalformedToken  = Error("token is malformed")
	ErrUnknownIdentity = Error("token does not identify a known user")
)

// Identity is the user a validated token asserts.
type Identity struct {
	UserID    int64
	Username  string
	ExpiresAt time.Time
}

// Account is the user record returned by the identity service.
type Account struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role,omitempty"`
	Language string `json:"language,omitempty"`
}

// SignedIn is the identity service's answer to a sign in or token refresh.
type SignedIn struct {
	Account
	Token string `json:"token"`
}

// Resolver looks up the account a token belongs to.
type Resolver interface {
	Account(ctx context.Context, token string) (Account, error)
}

// TokenValidator is what the rest of the proxy depends on.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (Identity, error)
}
