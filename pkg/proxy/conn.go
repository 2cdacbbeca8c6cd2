package proxy

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"gateway-proxy/pkg/message"
	"gateway-proxy/pkg/session"
	"gateway-proxy/pkg/upstream"
)

// State is the lifecycle stage of a client connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var _ upstream.Listener = (*Conn)(nil)

// outbound is one item for the write pump. A non-zero closeCode makes the
// pump send a close frame after data and stop.
type outbound struct {
	data      []byte
	closeCode int
	closeText string
}

// Conn is one client websocket. The handler goroutine reads, the write pump
// owns all writes, and the upstream bridge calls back from its own goroutine.
type Conn struct {
	proxy  *Proxy
	ws     *websocket.Conn
	log    zerolog.Logger
	state  atomic.Int32
	meter  meter
	bridge *upstream.Bridge

	sessionID int64

	send       chan outbound
	done       chan struct{}
	writerDone chan struct{}
	stopOnce   sync.Once
}

func newConn(p *Proxy, ws *websocket.Conn, log zerolog.Logger) *Conn {
	return &Conn{
		proxy:      p,
		ws:         ws,
		log:        log,
		send:       make(chan outbound, p.opts.SendQueue),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// State returns the connection's current lifecycle stage.
func (c *Conn) State() State {
	return State(c.state.Load())
}

func (c *Conn) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.log.Debug().Stringer("from", old).Stringer("to", s).Msg("Connection state changed")
	}
}

// attach binds the connection to its newly created session.
func (c *Conn) attach(s session.Session) {
	c.sessionID = s.ID
	c.log = c.log.With().Int64("session", s.ID).Int64("user", s.UserID).Logger()
	c.meter = meter{usage: c.proxy.usage, id: s.ID, log: c.log}
	c.bridge = upstream.New(c.proxy.opts.Upstream, c, c.log)
}

// reject fails the handshake: one proxy_auth_failed envelope, then close
// 1008. Only used before the write pump starts.
func (c *Conn) reject(code message.AuthError, reason string) {
	c.log.Info().Int("code", int(code)).Str("reason", reason).Msg("Handshake rejected")

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, message.AuthFailed(code).Bytes()); err != nil {
		c.log.Debug().Err(err).Msg("Failed to send auth failure")
	}
	c.refuse(websocket.ClosePolicyViolation, reason)
}

// refuse closes a connection that never started its pumps.
func (c *Conn) refuse(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.ws.Close()
	c.setState(StateClosed)
}

// serve runs an authenticated connection until either side closes it.
func (c *Conn) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.setState(StateAuthenticated)
	c.log.Info().Msg("Client authenticated")

	go c.writePump()
	// proxy_auth_success must precede anything the bridge reports.
	c.enqueue(message.AuthSuccess(c.sessionID))
	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		c.bridge.Run(ctx)
	}()

	c.readPump(ctx)

	c.stop()
	<-c.writerDone
	cancel()
	c.bridge.Close()
	// No bridge callback may touch the session's usage after it is cleared.
	<-bridgeDone
	c.proxy.sessions.Remove(c.sessionID)
	c.meter.clear()
	c.setState(StateClosed)
	c.log.Info().Msg("Client disconnected")
}

// stop makes both pumps exit. Safe to call from any goroutine.
func (c *Conn) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *Conn) enqueue(env message.Envelope) bool {
	return c.push(outbound{data: env.Bytes()})
}

// closeWith queues env (if any) followed by a close frame.
func (c *Conn) closeWith(env *message.Envelope, code int, text string) {
	o := outbound{closeCode: code, closeText: text}
	if env != nil {
		o.data = env.Bytes()
	}
	c.push(o)
}

// push queues o for the write pump. A full queue closes the connection.
func (c *Conn) push(o outbound) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- o:
		return true
	case <-c.done:
		return false
	default:
		c.log.Error().Int("queue", cap(c.send)).Msg("Outbound queue full, closing connection")
		c.stop()
		return false
	}
}

// UpstreamReady tells the client the daemon accepted the proxy.
func (c *Conn) UpstreamReady(expiration int64) {
	c.enqueue(message.UpstreamReady(expiration))
}

// UpstreamAuthFailed tells the client the daemon rejected the API token.
func (c *Conn) UpstreamAuthFailed(code int) {
	c.enqueue(message.UpstreamAuthFailed(code))
}

// UpstreamDisconnected tells the client the daemon connection was lost.
func (c *Conn) UpstreamDisconnected() {
	c.enqueue(message.UpstreamDisconnected())
}

// UpstreamReconnecting tells the client when the next attempt is made.
func (c *Conn) UpstreamReconnecting(attempt int, delay time.Duration) {
	c.enqueue(message.UpstreamReconnecting(attempt, delay))
}

// UpstreamMessage meters and relays a daemon frame to the client.
func (c *Conn) UpstreamMessage(payload []byte) {
	c.meter.response(len(payload))
	c.enqueue(message.Response(payload))
}
