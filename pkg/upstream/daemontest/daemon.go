// Package daemontest provides a fake gateway daemon for tests.
package daemontest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// Daemon is a websocket server speaking the daemon's auth handshake. After
// authentication every request is answered with the reply registered for its
// msgId, or echoed back unchanged.
type Daemon struct {
	*httptest.Server

	// Token is the API key the daemon accepts.
	Token string

	upgrader websocket.Upgrader

	mu         sync.Mutex
	expiration int64
	service    bool
	silent     bool
	replies    map[string]string
	received   []string
	conns      map[*websocket.Conn]struct{}
	accepted   int
}

// New starts a daemon accepting token.
func New(token string) *Daemon {
	d := &Daemon{
		Token:      token,
		expiration: 1735689600,
		replies:    make(map[string]string),
		conns:      make(map[*websocket.Conn]struct{}),
	}
	d.Server = httptest.NewServer(http.HandlerFunc(d.serve))
	return d
}

// WSURL returns the daemon's websocket URL.
func (d *Daemon) WSURL() string {
	return "ws" + strings.TrimPrefix(d.Server.URL, "http")
}

// SetExpiration sets the expiration reported in auth_success.
func (d *Daemon) SetExpiration(exp int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expiration = exp
}

// SetSilent stops the daemon answering requests. They are still recorded.
func (d *Daemon) SetSilent(silent bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.silent = silent
}

// Reply registers the raw frame sent back for requests carrying msgID.
func (d *Daemon) Reply(msgID, frame string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replies[msgID] = frame
}

// Send pushes frame to every authenticated connection.
func (d *Daemon) Send(frame string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for c := range d.conns {
		_ = c.WriteMessage(websocket.TextMessage, []byte(frame))
	}
}

// Received returns the requests received after authentication, in order.
func (d *Daemon) Received() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.received...)
}

// Accepted returns how many connections have authenticated.
func (d *Daemon) Accepted() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.accepted
}

// Connections returns the number of open authenticated connections.
func (d *Daemon) Connections() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// DropAll closes every connection without a close frame.
func (d *Daemon) DropAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for c := range d.conns {
		c.Close()
	}
}

func (d *Daemon) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if !d.authenticate(conn) {
		return
	}
	defer func() {
		d.mu.Lock()
		delete(d.conns, conn)
		d.mu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		d.mu.Lock()
		d.received = append(d.received, string(data))
		reply, silent := d.replyFor(data), d.silent
		if !silent {
			err = conn.WriteMessage(websocket.TextMessage, []byte(reply))
		}
		d.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (d *Daemon) authenticate(conn *websocket.Conn) bool {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return false
	}

	var req struct {
		Type  string `json:"type"`
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.Type != "auth" || req.Token != d.Token {
		_ = conn.WriteJSON(map[string]any{"type": "auth_failed", "code": 2, "error": "invalid API key"})
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := conn.WriteJSON(map[string]any{"type": "auth_success", "expiration": d.expiration, "service": d.service}); err != nil {
		return false
	}
	d.conns[conn] = struct{}{}
	d.accepted++
	return true
}

// replyFor must be called with mu held.
func (d *Daemon) replyFor(data []byte) string {
	var req struct {
		Data struct {
			MsgID string `json:"msgId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &req); err == nil {
		if reply, ok := d.replies[req.Data.MsgID]; ok {
			return reply
		}
	}
	return string(data)
}
