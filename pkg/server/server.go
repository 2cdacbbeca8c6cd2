// Package server wires together the HTTP server, the health and admin API,
// and the websocket proxy handler.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/jpillora/requestlog"
	"github.com/rs/zerolog"

	"gateway-proxy/pkg/proxy"
	"gateway-proxy/pkg/session"
)

// Options configures a Server.
type Options struct {
	// AdminToken protects the session API. Empty disables it.
	AdminToken string

	// RequestLog wraps the handler with per-request logging.
	RequestLog bool

	// ShutdownTimeout bounds graceful shutdown. Defaults to 10s.
	ShutdownTimeout time.Duration
}

// Server is the HTTP server for the gateway proxy.
type Server struct {
	proxy    *proxy.Proxy
	sessions session.Store
	usage    *session.UsageTracker
	opts     Options
	router   *mux.Router
	handler  http.Handler
	log      zerolog.Logger
}

// New creates a new Server around p.
func New(p *proxy.Proxy, sessions session.Store, usage *session.UsageTracker, opts Options, log zerolog.Logger) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if usage == nil {
		usage = session.NewUsageTracker()
	}

	s := &Server{
		proxy:    p,
		sessions: sessions,
		usage:    usage,
		opts:     opts,
		router:   mux.NewRouter(),
		log:      log,
	}

	// Health endpoint.
	s.router.HandleFunc("/v1/health", s.handleHealth).Methods(http.MethodGet)

	// Session API (for operators).
	if opts.AdminToken != "" {
		s.router.Handle("/v1/sessions", s.requireAdmin(s.handleListSessions)).Methods(http.MethodGet)
		s.router.Handle("/v1/sessions/{id}", s.requireAdmin(s.handleTerminateSession)).Methods(http.MethodDelete)
	} else {
		s.router.PathPrefix("/v1/sessions").HandlerFunc(s.handleAdminDisabled)
	}

	// Everything else is a client websocket.
	s.router.PathPrefix("/").Handler(p)

	s.handler = s.router
	if opts.RequestLog {
		s.handler = requestlog.Wrap(s.handler)
	}
	return s
}

// Run listens on addr and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.RunWithListener(ctx, l)
}

// RunWithListener serves on l until ctx is cancelled, then closes client
// connections and shuts the HTTP server down.
func (s *Server) RunWithListener(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info().Str("addr", l.Addr().String()).Msg("Gateway proxy listening")

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(l) }()

	select {
	case err := <-errc:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	s.log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by http.Server.
	err := errors.Join(srv.Shutdown(shutdownCtx), s.proxy.Shutdown(shutdownCtx))
	if serveErr := <-errc; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		err = errors.Join(err, serveErr)
	}
	return err
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": s.proxy.Len()})
}

func (s *Server) requireAdmin(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AdminToken)) != 1 {
			s.log.Warn().Str("addr", r.RemoteAddr).Str("path", r.URL.Path).Msg("Rejected admin request")
			writeError(w, http.StatusUnauthorized, "missing or invalid authorization header")
			return
		}
		next(w, r)
	})
}

func (s *Server) handleAdminDisabled(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, "admin API disabled")
}

// sessionInfo is the JSON representation of a session in list responses.
// The token is intentionally omitted.
type sessionInfo struct {
	ID         int64         `json:"id"`
	UserID     int64         `json:"user_id"`
	Username   string        `json:"username"`
	ConnID     string        `json:"conn_id"`
	RemoteAddr string        `json:"remote_addr"`
	CreatedAt  time.Time     `json:"created_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
	Usage      session.Usage `json:"usage"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.sessions.List()

	infos := make([]sessionInfo, len(sessions))
	for i, sess := range sessions {
		infos[i] = sessionInfo{
			ID:         sess.ID,
			UserID:     sess.UserID,
			Username:   sess.Username,
			ConnID:     sess.ConnID,
			RemoteAddr: sess.RemoteAddr,
			CreatedAt:  sess.CreatedAt,
			ExpiresAt:  sess.ExpiresAt,
			Usage:      s.usage.Get(sess.ID),
		}
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	if err := s.proxy.Terminate(id); err != nil {
		if errors.Is(err, proxy.ErrConnNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.log.Info().Int64("session", id).Msg("Terminated session")
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}
