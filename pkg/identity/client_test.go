package identity_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateway-proxy/pkg/identity"
)

func TestClient_SignInAndRefresh(t *testing.T) {
	srv, v := newFixture(t)
	c := identity.NewClient(srv.URL+"/", time.Second)
	ctx := context.Background()

	signedIn, err := c.SignIn(ctx, "admin", "iqrf")
	require.NoError(t, err)
	assert.Equal(t, int64(1), signedIn.ID)
	assert.NotEmpty(t, signedIn.Token)

	refreshed, err := c.Refresh(ctx, signedIn.Token)
	require.NoError(t, err)
	assert.NotEqual(t, signedIn.Token, refreshed.Token)

	id, err := v.Validate(ctx, refreshed.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id.UserID)
}

func TestClient_SignInBadCredentials(t *testing.T) {
	srv, _ := newFixture(t)
	c := identity.NewClient(srv.URL, time.Second)

	_, err := c.SignIn(context.Background(), "admin", "wrong")
	var se *identity.StatusError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, http.StatusUnauthorized, se.Code)
}

func TestClient_Account(t *testing.T) {
	srv, _ := newFixture(t)
	c := identity.NewClient(srv.URL, time.Second)

	acc, err := c.Account(context.Background(), srv.Token(2))
	require.NoError(t, err)
	assert.Equal(t, identity.Account{ID: 2, Username: "operator"}, acc)
}

func TestClient_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c := identity.NewClient(url, 200*time.Millisecond)
	_, err := c.Account(context.Background(), "token")
	assert.Error(t, err)
}

func TestClient_BadJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte("not json"))
	}))
	defer ts.Close()

	c := identity.NewClient(ts.URL, time.Second)
	_, err := c.Account(context.Background(), "tok")
	assert.ErrorContains(t, err, "decoding identity service response")
}

func TestClient_Ping(t *testing.T) {
	srv, _ := newFixture(t)
	c := identity.NewClient(srv.URL, time.Second)

	require.NoError(t, c.Ping(context.Background()))

	srv.SetDown(true)
	err := c.Ping(context.Background())
	var se *identity.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)

	srv.Close()
	assert.Error(t, c.Ping(context.Background()))
}
