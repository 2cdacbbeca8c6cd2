package upstream

import (
	"encoding/json"
	"fmt"
)

// DefaultURL is where the gateway daemon listens when no upstream is configured.
const DefaultURL = "ws://localhost:1338"

// Daemon auth message types.
const (
	typeAuth        = "auth"
	typeAuthSuccess = "auth_success"
	typeAuthFailed  = "auth_failed"
)

type authRequest struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// authMessage builds the first frame sent on every upstream connection. The
// daemon only accepts the proxy's own API token; client tokens never leave
// the proxy.
func authMessage(token string) []byte {
	b, _ := json.Marshal(authRequest{Type: typeAuth, Token: token})
	return b
}

type replyKind int

const (
	replyOther replyKind = iota
	replySuccess
	replyFailed
)

// authReply is an auth_success or auth_failed frame from the daemon.
type authReply struct {
	kind       replyKind
	expiration int64
	service    bool
	code       int
	reason     string
}

type rawAuthReply struct {
	Type       string  `json:"type"`
	Expiration *int64  `json:"expiration"`
	Service    *bool   `json:"service"`
	Code       *int    `json:"code"`
	Error      *string `json:"error"`
}

// parseAuthReply recognises the daemon's auth replies. Anything else,
// including auth frames with missing or mistyped fields, is replyOther.
func parseAuthReply(raw []byte) authReply {
	var r rawAuthReply
	if err := json.Unmarshal(raw, &r); err != nil {
		return authReply{kind: replyOther}
	}

	switch r.Type {
	case typeAuthSuccess:
		if r.Expiration == nil || r.Service == nil {
			return authReply{kind: replyOther}
		}
		return authReply{kind: replySuccess, expiration: *r.Expiration, service: *r.Service}
	case typeAuthFailed:
		if r.Code == nil || r.Error == nil {
			return authReply{kind: replyOther}
		}
		return authReply{kind: replyFailed, code: *r.Code, reason: *r.Error}
	default:
		return authReply{kind: replyOther}
	}
}

func (r authReply) String() string {
	switch r.kind {
	case replySuccess:
		return fmt.Sprintf("auth_success(expiration=%d, service=%t)", r.expiration, r.service)
	case replyFailed:
		return fmt.Sprintf("auth_failed(code=%d, error=%q)", r.code, r.reason)
	default:
		return "other"
	}
}
