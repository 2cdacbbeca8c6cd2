package identity_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateway-proxy/pkg/identity"
	"gateway-proxy/pkg/identity/identitytest"
)

func newFixture(t *testing.T) (*identitytest.Server, *identity.Validator) {
	t.Helper()
	srv := identitytest.NewServer(
		identitytest.User{ID: 1, Username: "admin", Password: "iqrf"},
		identitytest.User{ID: 2, Username: "operator", Password: "secret"},
	)
	t.Cleanup(srv.Close)
	return srv, identity.NewValidator(identity.NewClient(srv.URL, time.Second))
}

func TestValidator_ValidToken(t *testing.T) {
	srv, v := newFixture(t)

	id, err := v.Validate(context.Background(), srv.Token(1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), id.UserID)
	assert.Equal(t, "admin", id.Username)
	assert.WithinDuration(t, time.Now().Add(srv.TTL), id.ExpiresAt, 2*time.Second)
}

func TestValidator_MalformedTokens(t *testing.T) {
	srv, v := newFixture(t)

	valid := srv.Token(1)
	parts := strings.Split(valid, ".")

	tests := map[string]string{
		"plain string":    "invalid",
		"broken json":     "{abcd",
		"two segments":    parts[0] + "." + parts[1],
		"garbage payload": parts[0] + ".!!!." + parts[2],
		"expired":         srv.TokenExpiring(1, time.Now().Add(-time.Minute)),
		"empty":           "",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := v.Validate(context.Background(), token)
			assert.True(t, errors.Is(err, identity.ErrMalformedToken), "got %v", err)
		})
	}
}

func TestValidator_UnknownUser(t *testing.T) {
	srv, v := newFixture(t)

	_, err := v.Validate(context.Background(), srv.Token(99))
	assert.ErrorIs(t, err, identity.ErrUnknownIdentity)
}

func TestValidator_ForgedSignature(t *testing.T) {
	srv, v := newFixture(t)

	token := srv.Token(1)
	forged := token[:strings.LastIndex(token, ".")+1] + "AAAA"

	_, err := v.Validate(context.Background(), forged)
	assert.ErrorIs(t, err, identity.ErrUnknownIdentity)
}

func TestValidator_ServiceDown(t *testing.T) {
	srv, v := newFixture(t)
	srv.SetDown(true)

	_, err := v.Validate(context.Background(), srv.Token(1))
	assert.ErrorIs(t, err, identity.ErrUnknownIdentity)
}

type fixedResolver struct {
	account identity.Account
}

func (f fixedResolver) Account(context.Context, string) (identity.Account, error) {
	return f.account, nil
}

func TestValidator_AccountMismatch(t *testing.T) {
	srv, _ := newFixture(t)
	v := identity.NewValidator(fixedResolver{account: identity.Account{ID: 2, Username: "operator"}})

	_, err := v.Validate(context.Background(), srv.Token(1))
	assert.ErrorIs(t, err, identity.ErrUnknownIdentity)
}

func TestValidator_Leeway(t *testing.T) {
	srv, _ := newFixture(t)
	v := identity.NewValidator(fixedResolver{account: identity.Account{ID: 1}}, identity.WithLeeway(time.Minute))

	_, err := v.Validate(context.Background(), srv.TokenExpiring(1, time.Now().Add(-10*time.Second)))
	assert.NoError(t, err)
}

func TestValidator_Clock(t *testing.T) {
	srv, _ := newFixture(t)
	future := func() time.Time { return time.Now().Add(2 * time.Hour) }
	v := identity.NewValidator(fixedResolver{account: identity.Account{ID: 1}}, identity.WithClock(future))

	_, err := v.ParseClaims(srv.Token(1))
	assert.ErrorIs(t, err, identity.ErrMalformedToken)
}
