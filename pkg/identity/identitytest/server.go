// Package identitytest provides an in-process fake of the identity service
// for tests. It issues HS256 JWTs shaped like the real service's tokens and
// serves the sign in, refresh and account endpoints.
package identitytest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"gateway-proxy/pkg/identity"
)

// User is an account known to the fake service.
type User struct {
	ID       int64
	Username string
	Password string
}

// Server is a fake identity service.
type Server struct {
	*httptest.Server

	// TTL is the lifetime of issued tokens.
	TTL time.Duration

	secret []byte
	jti    atomic.Int64

	mu    sync.RWMutex
	users map[int64]User
	down  bool
}

// NewServer starts a fake identity service knowing the given users.
func NewServer(users ...User) *Server {
	s := &Server{
		TTL:    time.Hour,
		secret: []byte("identitytest-secret"),
		users:  make(map[int64]User),
	}
	for _, u := range users {
		s.users[u.ID] = u
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /user/signIn", s.handleSignIn)
	mux.HandleFunc("POST /user/refreshToken", s.handleRefresh)
	mux.HandleFunc("GET /user", s.handleAccount)
	s.Server = httptest.NewServer(mux)
	return s
}

// Token mints a valid token for uid, whether or not the user exists.
func (s *Server) Token(uid int64) string {
	return s.TokenExpiring(uid, time.Now().Add(s.TTL))
}

// TokenExpiring mints a token for uid with the given expiry.
func (s *Server) TokenExpiring(uid int64, exp time.Time) string {
	now := time.Now()
	claims := identity.Claims{
		UID: &uid,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "identitytest",
			ID:        fmt.Sprintf("jti-%d", s.jti.Add(1)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		panic(err)
	}
	return token
}

// SetDown makes every endpoint answer 503 until called with false.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func (s *Server) isDown() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.down
}

func (s *Server) verify(r *http.Request) (User, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return User{}, false
	}
	claims := &identity.Claims{}
	_, err := jwt.ParseWithClaims(strings.TrimPrefix(header, "Bearer "), claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || claims.UID == nil {
		return User{}, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[*claims.UID]
	return u, ok
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if s.isDown() {
		writeError(w, http.StatusServiceUnavailable, "unavailable")
		return
	}
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	s.mu.RLock()
	var found *User
	for _, u := range s.users {
		if u.Username == creds.Username && u.Password == creds.Password {
			found = &u
			break
		}
	}
	s.mu.RUnlock()

	if found == nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	s.writeSignedIn(w, *found)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.isDown() {
		writeError(w, http.StatusServiceUnavailable, "unavailable")
		return
	}
	u, ok := s.verify(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	s.writeSignedIn(w, u)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	if s.isDown() {
		writeError(w, http.StatusServiceUnavailable, "unavailable")
		return
	}
	u, ok := s.verify(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(identity.Account{ID: u.ID, Username: u.Username})
}

func (s *Server) writeSignedIn(w http.ResponseWriter, u User) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(identity.SignedIn{
		Account: identity.Account{ID: u.ID, Username: u.Username},
		Token:   s.Token(u.ID),
	})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
