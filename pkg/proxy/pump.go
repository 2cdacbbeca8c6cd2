package proxy

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

// readPump reads client messages and routes them one at a time. It returns
// when the socket fails or the router ends the connection.
func (c *Conn) readPump(ctx context.Context) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.log.Warn().Err(err).Msg("Websocket read error")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		if !c.route(ctx, data) {
			return
		}
	}
}

// writePump delivers queued messages and keeps the connection alive with
// pings. Once stopped it flushes what is already queued, so a close frame
// queued just before stop still goes out.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		close(c.writerDone)
	}()

	for {
		select {
		case o := <-c.send:
			if !c.write(o) {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			for {
				select {
				case o := <-c.send:
					if !c.write(o) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// write sends o and reports whether the pump should continue.
func (c *Conn) write(o outbound) bool {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if o.data != nil {
		if err := c.ws.WriteMessage(websocket.TextMessage, o.data); err != nil {
			c.log.Debug().Err(err).Msg("Failed to write message")
			return false
		}
	}
	if o.closeCode != 0 {
		msg := websocket.FormatCloseMessage(o.closeCode, o.closeText)
		if err := c.ws.WriteMessage(websocket.CloseMessage, msg); err != nil {
			c.log.Debug().Err(err).Msg("Failed to write close frame")
		}
		return false
	}
	return true
}
