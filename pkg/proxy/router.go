package proxy

import (
	"context"

	"github.com/gorilla/websocket"

	"gateway-proxy/pkg/message"
)

// route handles one client message. It returns false when the connection
// must end.
func (c *Conn) route(ctx context.Context, data []byte) bool {
	s, err := c.proxy.sessions.Get(c.sessionID)
	if err != nil {
		c.log.Warn().Err(err).Msg("Session gone, closing connection")
		return false
	}
	if s.Expired(c.proxy.opts.Now()) {
		c.log.Info().Time("expired", s.ExpiresAt).Msg("Session expired")
		env := message.SessionExpired()
		c.closeWith(&env, websocket.ClosePolicyViolation, "session expired")
		return false
	}

	cl := message.Classify(data)
	c.log.Debug().Stringer("kind", cl.Kind).Int("bytes", len(data)).Msg("Client message")

	switch cl.Kind {
	case message.KindInvalid:
		c.meter.rejected()
		c.enqueue(message.MessageInvalid(string(data), cl.Err))

	case message.KindRefresh:
		if err := c.proxy.sessions.Refresh(ctx, c.sessionID, cl.SessionID, cl.Token); err != nil {
			c.log.Warn().Err(err).Int64("requested", cl.SessionID).Msg("Session refresh failed")
			c.enqueue(message.RefreshFailed())
			break
		}
		c.log.Info().Msg("Session refreshed")
		c.enqueue(message.RefreshSuccess())

	case message.KindDaemonRequest:
		if err := c.bridge.Forward(data); err != nil {
			c.log.Warn().Err(err).Str("mType", cl.MType).Str("msgId", cl.MsgID).Msg("Upstream request failed")
			c.meter.rejected()
			c.enqueue(message.RequestFailed(cl.MType, cl.MsgID))
			break
		}
		c.meter.request(len(data))

	default:
		c.meter.rejected()
		c.enqueue(message.RequestInvalid(string(data)))
	}
	return true
}
