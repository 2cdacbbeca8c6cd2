// Package upstream connects the proxy to the gateway daemon. A Bridge owns
// one daemon websocket, authenticates it with the proxy's API token, keeps it
// alive across disconnects and relays frames in both directions.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
)

// Error provides constant error strings for upstream operations.
type Error string

func (e Error) Error() string { return string(e) }

// Constant errors.
const (
	ErrNotConnected     = Error("upstream not connected")
	ErrNotAuthenticated = Error("upstream not authenticated")
	ErrClosed           = Error("upstream bridge closed")
)

const (
	defaultHandshakeTimeout  = 10 * time.Second
	defaultWriteTimeout      = 10 * time.Second
	defaultMinReconnectDelay = time.Second
	defaultMaxReconnectDelay = 60 * time.Second
)

// Config describes how to reach and authenticate with the daemon.
type Config struct {
	// URL is the daemon websocket endpoint. Defaults to DefaultURL.
	URL string

	// Token is the proxy's daemon API token.
	Token string

	// Header is sent with every dial. Optional.
	Header http.Header

	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	MinReconnectDelay time.Duration
	MaxReconnectDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.MinReconnectDelay <= 0 {
		c.MinReconnectDelay = defaultMinReconnectDelay
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = defaultMaxReconnectDelay
	}
	if c.MaxReconnectDelay < c.MinReconnectDelay {
		c.MaxReconnectDelay = c.MinReconnectDelay
	}
	return c
}

// Listener receives the bridge's lifecycle events and daemon frames. Calls
// come from the bridge's own goroutine, one at a time, and may continue
// briefly after Close.
type Listener interface {
	UpstreamReady(expiration int64)
	UpstreamAuthFailed(code int)
	UpstreamDisconnected()
	UpstreamReconnecting(attempt int, delay time.Duration)
	UpstreamMessage(payload []byte)
}

// Bridge is a single authenticated daemon connection with automatic
// reconnect.
type Bridge struct {
	cfg      Config
	listener Listener
	log      zerolog.Logger
	dialer   *websocket.Dialer

	mu            sync.Mutex
	conn          *websocket.Conn
	authenticated bool
	expiration    int64
	closed        bool
	cancel        context.CancelFunc

	// writeMu serialises writes; gorilla/websocket allows one writer.
	writeMu sync.Mutex
}

// New creates a bridge. Nothing is dialled until Run.
func New(cfg Config, listener Listener, log zerolog.Logger) *Bridge {
	cfg = cfg.withDefaults()
	return &Bridge{
		cfg:      cfg,
		listener: listener,
		log:      log.With().Str("upstream", cfg.URL).Logger(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
	}
}

// Run connects to the daemon and keeps reconnecting until ctx is cancelled
// or Close is called.
func (b *Bridge) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.cancel = cancel
	b.mu.Unlock()

	bo := &backoff.Backoff{
		Min:    b.cfg.MinReconnectDelay,
		Max:    b.cfg.MaxReconnectDelay,
		Factor: 2,
	}

	for {
		connected, err := b.connect(ctx)
		if b.stopped(ctx) {
			b.log.Debug().Msg("Upstream bridge stopped")
			return
		}
		if connected {
			bo.Reset()
		}

		attempt := int(bo.Attempt()) + 1
		delay := bo.Duration()
		b.log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("Upstream connection lost, reconnecting")
		b.listener.UpstreamReconnecting(attempt, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			b.log.Debug().Msg("Upstream bridge stopped")
			return
		case <-timer.C:
		}
	}
}

// connect runs one connection from dial to disconnect. connected reports
// whether the dial succeeded.
func (b *Bridge) connect(ctx context.Context) (connected bool, err error) {
	conn, _, err := b.dialer.DialContext(ctx, b.cfg.URL, b.cfg.Header)
	if err != nil {
		return false, fmt.Errorf("dialing upstream: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.authenticated = false
	b.expiration = 0
	b.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	b.log.Debug().Msg("Upstream connected, authenticating")
	if err := b.write(conn, authMessage(b.cfg.Token)); err != nil {
		b.drop(conn)
		b.disconnected(ctx)
		return true, fmt.Errorf("sending upstream auth: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			b.drop(conn)
			b.disconnected(ctx)
			return true, fmt.Errorf("reading upstream: %w", err)
		}
		b.handle(data)
	}
}

func (b *Bridge) disconnected(ctx context.Context) {
	if b.stopped(ctx) {
		return
	}
	b.listener.UpstreamDisconnected()
}

func (b *Bridge) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// drop forgets conn and closes it.
func (b *Bridge) drop(conn *websocket.Conn) {
	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
		b.authenticated = false
		b.expiration = 0
	}
	b.mu.Unlock()
	conn.Close()
}

func (b *Bridge) handle(data []byte) {
	reply := parseAuthReply(data)

	b.mu.Lock()
	authenticated := b.authenticated
	switch reply.kind {
	case replySuccess:
		if !authenticated {
			b.authenticated = true
			b.expiration = reply.expiration
		}
	case replyFailed:
		b.authenticated = false
		b.expiration = 0
	}
	b.mu.Unlock()

	switch {
	case reply.kind == replySuccess && !authenticated:
		b.log.Info().Int64("expiration", reply.expiration).Bool("service", reply.service).Msg("Upstream authenticated")
		b.listener.UpstreamReady(reply.expiration)
	case reply.kind == replyFailed:
		b.log.Error().Int("code", reply.code).Str("reason", reply.reason).Msg("Upstream authentication failed")
		b.listener.UpstreamAuthFailed(reply.code)
	case !authenticated:
		b.log.Warn().Int("bytes", len(data)).Msg("Dropping upstream message received before authentication")
	case !json.Valid(data):
		b.log.Error().Int("bytes", len(data)).Msg("Dropping non-JSON upstream message")
	default:
		b.listener.UpstreamMessage(data)
	}
}

// Forward writes payload to the daemon unchanged.
func (b *Bridge) Forward(payload []byte) error {
	b.mu.Lock()
	conn, authenticated, closed := b.conn, b.authenticated, b.closed
	b.mu.Unlock()

	switch {
	case closed:
		return ErrClosed
	case conn == nil:
		return ErrNotConnected
	case !authenticated:
		return ErrNotAuthenticated
	}
	if err := b.write(conn, payload); err != nil {
		return fmt.Errorf("forwarding upstream: %w", err)
	}
	return nil
}

func (b *Bridge) write(conn *websocket.Conn, payload []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// Close stops the bridge and closes the daemon connection with a normal
// close frame. Safe to call more than once and before Run.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	conn, cancel := b.conn, b.cancel
	b.conn = nil
	b.authenticated = false
	b.mu.Unlock()

	if conn != nil {
		b.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnected")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		b.writeMu.Unlock()
		conn.Close()
	}
	if cancel != nil {
		cancel()
	}
}

// Ready reports whether the daemon connection is authenticated.
func (b *Bridge) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.authenticated
}

// Expiration returns the expiration the daemon reported on the last
// successful authentication, or 0.
func (b *Bridge) Expiration() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.expiration
}
