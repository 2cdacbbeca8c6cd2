package message

import (
	"bytes"
	"encoding/json"
)

// Kind is the outcome of classifying a client message.
type Kind int

const (
	// KindInvalid means the message is not JSON.
	KindInvalid Kind = iota
	// KindRefresh is a proxy_session_refresh control message.
	KindRefresh
	// KindDaemonRequest is a request to forward to the upstream daemon.
	KindDaemonRequest
	// KindUnrecognized is valid JSON of no known shape.
	KindUnrecognized
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindRefresh:
		return "refresh"
	case KindDaemonRequest:
		return "daemon_request"
	case KindUnrecognized:
		return "unrecognized"
	default:
		return "unknown"
	}
}

// Classified is a tagged variant over the parsed shape of a client message.
// Only the fields matching Kind are set.
type Classified struct {
	Kind Kind

	// KindInvalid
	Err error

	// KindRefresh
	SessionID int64
	Token     string

	// KindDaemonRequest
	MType string
	MsgID string
}

// Classify inspects the structure of raw and decides how the proxy must
// handle it. It never looks at business fields of daemon requests.
func Classify(raw []byte) Classified {
	var probe json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Classified{Kind: KindInvalid, Err: err}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return Classified{Kind: KindInvalid, Err: err}
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return Classified{Kind: KindUnrecognized}
	}

	if c, ok := classifyRefresh(obj); ok {
		return c
	}
	if c, ok := classifyDaemonRequest(obj); ok {
		return c
	}
	return Classified{Kind: KindUnrecognized}
}

func classifyRefresh(obj map[string]any) (Classified, bool) {
	if typ, _ := obj["type"].(string); typ != TypeSessionRefresh {
		return Classified{}, false
	}
	data, ok := obj["data"].(map[string]any)
	if !ok {
		return Classified{}, false
	}
	num, ok := data["sessionId"].(json.Number)
	if !ok {
		return Classified{}, false
	}
	id, err := num.Int64()
	if err != nil {
		return Classified{}, false
	}
	token, ok := data["token"].(string)
	if !ok {
		return Classified{}, false
	}
	return Classified{Kind: KindRefresh, SessionID: id, Token: token}, true
}

func classifyDaemonRequest(obj map[string]any) (Classified, bool) {
	mType, ok := obj["mType"].(string)
	if !ok {
		return Classified{}, false
	}
	data, ok := obj["data"].(map[string]any)
	if !ok {
		return Classified{}, false
	}
	msgID, _ := data["msgId"].(string)
	return Classified{Kind: KindDaemonRequest, MType: mType, MsgID: msgID}, true
}
