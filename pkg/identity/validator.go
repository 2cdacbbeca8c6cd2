package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims issued by the identity service.
type Claims struct {
	UID *int64 `json:"uid,omitempty"`
	jwt.RegisteredClaims
}

var _ TokenValidator = (*Validator)(nil)

// Validator checks token structure locally and resolves the user through
// the identity service. It holds no mutable state and is safe for
// concurrent use.
type Validator struct {
	resolver Resolver
	parser   *jwt.Parser
	leeway   time.Duration
	now      func() time.Time
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithLeeway tolerates clock skew when checking expiry.
func WithLeeway(d time.Duration) ValidatorOption {
	return func(v *Validator) { v.leeway = d }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

// NewValidator creates a validator backed by the given resolver.
func NewValidator(r Resolver, opts ...ValidatorOption) *Validator {
	v := &Validator{
		resolver: r,
		parser:   jwt.NewParser(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ParseClaims performs the structural check: the token must be a JWT with a
// user id and an expiry that has not passed. The signature is the identity
// service's business and is not verified here.
func (v *Validator) ParseClaims(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := v.parser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if claims.UID == nil {
		return nil, fmt.Errorf("%w: missing uid claim", ErrMalformedToken)
	}
	if claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: missing exp claim", ErrMalformedToken)
	}
	if !v.now().Before(claims.ExpiresAt.Add(v.leeway)) {
		return nil, fmt.Errorf("%w: token expired at %s", ErrMalformedToken, claims.ExpiresAt.Time)
	}
	return claims, nil
}

// Validate returns the identity asserted by token. Errors wrap either
// ErrMalformedToken or ErrUnknownIdentity; an unreachable identity service
// counts as an unknown identity.
func (v *Validator) Validate(ctx context.Context, token string) (Identity, error) {
	claims, err := v.ParseClaims(token)
	if err != nil {
		return Identity{}, err
	}

	account, err := v.resolver.Account(ctx, token)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnknownIdentity, err)
	}
	if account.ID != *claims.UID {
		return Identity{}, fmt.Errorf("%w: token uid %d resolved to account %d",
			ErrUnknownIdentity, *claims.UID, account.ID)
	}

	return Identity{
		UserID:    account.ID,
		Username:  account.Username,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
