// Package message defines the JSON envelope exchanged between the proxy and
// its clients, the closed set of proxy message types, and the structural
// classifier applied to every client message.
package message

import (
	"bytes"
	"encoding/json"
	"time"
)

// Proxy-originated message types.
const (
	TypeAuthFailed       = "proxy_auth_failed"
	TypeAuthSuccess      = "proxy_auth_success"
	TypeMessageInvalid   = "proxy_message_invalid"
	TypeRefreshSuccess   = "proxy_session_refresh_success"
	TypeRefreshFailed    = "proxy_session_refresh_failed"
	TypeSessionExpired   = "proxy_session_expired"
	TypeUpstreamReady    = "upstream_ready"
	TypeUpstreamResponse = "upstream_response"
	TypeRequestInvalid   = "upstream_request_invalid"
	TypeRequestFailed    = "upstream_request_failed"
	TypeUpstreamAuth     = "upstream_auth_failed"
	TypeDisconnected     = "upstream_disconnected"
	TypeReconnecting     = "upstream_reconnecting"
)

// TypeSessionRefresh is the only control message a client may send.
const TypeSessionRefresh = "proxy_session_refresh"

// AuthError is the code carried by a proxy_auth_failed envelope.
type AuthError int

const (
	// AuthMissingToken means the connection carried no token.
	AuthMissingToken AuthError = 0
	// AuthInvalidToken means the token was malformed or did not resolve to a user.
	AuthInvalidToken AuthError = 1
)

// Envelope is the wire unit sent to clients.
type Envelope struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
}

// Bytes encodes the envelope. HTML escaping is off so echoed client text and
// upstream payloads keep their characters.
func (e Envelope) Bytes() []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		// Fall back to an envelope without data rather than sending nothing.
		buf.Reset()
		_ = enc.Encode(Envelope{Type: e.Type, Timestamp: e.Timestamp})
	}
	return bytes.TrimRight(buf.Bytes(), "\n")
}

// Now returns the current time. Tests replace it to get stable timestamps.
var Now = time.Now

func newEnvelope(typ string, data any) Envelope {
	return Envelope{Type: typ, Timestamp: Now().Unix(), Data: data}
}

// AuthFailed reports a rejected handshake.
func AuthFailed(code AuthError) Envelope {
	return newEnvelope(TypeAuthFailed, map[string]any{"code": int(code)})
}

// AuthSuccess reports an accepted handshake and the allocated session id.
func AuthSuccess(sessionID int64) Envelope {
	return newEnvelope(TypeAuthSuccess, map[string]any{"sessionId": sessionID})
}

// UpstreamReady tells the client the upstream daemon accepted the proxy's
// credentials. expiration is the epoch reported by the daemon.
func UpstreamReady(expiration int64) Envelope {
	return newEnvelope(TypeUpstreamReady, map[string]any{"expiration": expiration})
}

// MessageInvalid echoes a message that could not be parsed as JSON.
func MessageInvalid(raw string, err error) Envelope {
	desc := ""
	if err != nil {
		desc = err.Error()
	}
	return newEnvelope(TypeMessageInvalid, map[string]any{"message": raw, "error": desc})
}

// RefreshSuccess carries no data.
func RefreshSuccess() Envelope {
	return newEnvelope(TypeRefreshSuccess, nil)
}

// RefreshFailed carries no data; the cause is never disclosed.
func RefreshFailed() Envelope {
	return newEnvelope(TypeRefreshFailed, nil)
}

// SessionExpired is sent right before the proxy closes an expired session.
func SessionExpired() Envelope {
	return newEnvelope(TypeSessionExpired, nil)
}

// RequestInvalid echoes valid JSON that is neither a control message nor a
// daemon request.
func RequestInvalid(raw string) Envelope {
	return newEnvelope(TypeRequestInvalid, raw)
}

// RequestFailed reports a daemon request that could not be sent upstream.
func RequestFailed(mType, msgID string) Envelope {
	return newEnvelope(TypeRequestFailed, map[string]any{"mType": mType, "msgId": msgID})
}

// Response wraps an upstream payload. The payload is embedded as JSON, so
// insignificant whitespace is compacted away; its content is unchanged.
func Response(payload []byte) Envelope {
	return newEnvelope(TypeUpstreamResponse, json.RawMessage(payload))
}

// UpstreamAuthFailed reports that the daemon rejected the proxy's API token.
func UpstreamAuthFailed(code int) Envelope {
	return newEnvelope(TypeUpstreamAuth, map[string]any{"code": code})
}

// UpstreamDisconnected reports a lost upstream connection.
func UpstreamDisconnected() Envelope {
	return newEnvelope(TypeDisconnected, nil)
}

// UpstreamReconnecting announces the next reconnect attempt. delay is
// reported in whole seconds, rounded up.
func UpstreamReconnecting(attempt int, delay time.Duration) Envelope {
	secs := int64((delay + time.Second - 1) / time.Second)
	return newEnvelope(TypeReconnecting, map[string]any{"attempt": attempt, "delay": secs})
}
