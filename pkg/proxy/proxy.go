// Package proxy implements the client-facing websocket endpoint. It
// authenticates each connection with a bearer token, gives it a session,
// opens an upstream bridge for it and routes messages in both directions.
package proxy

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid"
	"github.com/rs/zerolog"

	"gateway-proxy/pkg/identity"
	"gateway-proxy/pkg/message"
	"gateway-proxy/pkg/session"
	"gateway-proxy/pkg/upstream"
)

// Error provides constant error strings for proxy operations.
type Error string

func (e Error) Error() string { return string(e) }

// Constant errors.
const (
	ErrConnNotFound = Error("no connection for session")
)

// Options configures a Proxy.
type Options struct {
	// Upstream is used for the bridge opened by every connection.
	Upstream upstream.Config

	// AllowedOrigins lists the Origin header values accepted on upgrade.
	// Empty or containing "*" accepts any origin.
	AllowedOrigins []string

	// SendQueue is the per-connection outbound buffer. Defaults to 256.
	SendQueue int

	// Now is the clock used for session expiry. Defaults to time.Now.
	Now func() time.Time
}

// Proxy is the websocket handler and the registry of its live connections.
type Proxy struct {
	validator identity.TokenValidator
	sessions  session.Store
	usage     *session.UsageTracker
	opts      Options
	upgrader  websocket.Upgrader
	log       zerolog.Logger

	mu      sync.Mutex
	conns   map[int64]*Conn // keyed by session id
	closing bool
	wg      sync.WaitGroup
}

// New creates a Proxy.
func New(validator identity.TokenValidator, sessions session.Store, usage *session.UsageTracker, opts Options, log zerolog.Logger) *Proxy {
	if opts.SendQueue <= 0 {
		opts.SendQueue = 256
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if usage == nil {
		usage = session.NewUsageTracker()
	}

	p := &Proxy{
		validator: validator,
		sessions:  sessions,
		usage:     usage,
		opts:      opts,
		log:       log,
		conns:     make(map[int64]*Conn),
	}
	p.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     p.checkOrigin,
	}
	return p
}

func (p *Proxy) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(p.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range p.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and runs the connection until it closes.
// The bearer token is taken from the token query parameter.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.isClosing() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	connID := ulid.MustNew(ulid.Now(), rand.Reader).String()
	log := p.log.With().Str("conn", connID).Str("addr", r.RemoteAddr).Logger()

	ws, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	c := newConn(p, ws, log)
	c.setState(StateAuthenticating)

	values, present := r.URL.Query()["token"]
	if !present {
		c.reject(message.AuthMissingToken, "missing token")
		return
	}
	token := values[0]

	ident, err := p.validator.Validate(r.Context(), token)
	if err != nil {
		log.Warn().Err(err).Msg("Handshake token rejected")
		c.reject(message.AuthInvalidToken, "invalid token")
		return
	}

	s := p.sessions.Create(session.Owner{
		Identity:   ident,
		Token:      token,
		ConnID:     connID,
		RemoteAddr: r.RemoteAddr,
	})
	c.attach(s)

	if !p.register(c) {
		p.sessions.Remove(s.ID)
		c.refuse(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer p.unregister(c)

	c.serve(r.Context())
}

func (p *Proxy) isClosing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closing
}

func (p *Proxy) register(c *Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing {
		return false
	}
	p.conns[c.sessionID] = c
	p.wg.Add(1)
	return true
}

func (p *Proxy) unregister(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns[c.sessionID] == c {
		delete(p.conns, c.sessionID)
	}
	p.wg.Done()
}

// Len returns the number of authenticated connections.
func (p *Proxy) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Terminate closes the connection owning session id with a normal close.
func (p *Proxy) Terminate(id int64) error {
	p.mu.Lock()
	c, ok := p.conns[id]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w %d", ErrConnNotFound, id)
	}
	c.log.Info().Msg("Terminating connection")
	c.closeWith(nil, websocket.CloseNormalClosure, "session terminated")
	return nil
}

// Shutdown closes every connection with 1001 (going away) and waits for
// them to finish or for ctx to end. New connections are refused.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closing = true
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	p.log.Info().Int("connections", len(conns)).Msg("Closing client connections")
	for _, c := range conns {
		c.closeWith(nil, websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, c := range conns {
			c.stop()
		}
		return ctx.Err()
	}
}
