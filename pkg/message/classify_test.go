package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Classified
	}{
		{
			name: "refresh",
			raw:  `{"type":"proxy_session_refresh","timestamp":1,"data":{"sessionId":7,"token":"abc"}}`,
			want: Classified{Kind: KindRefresh, SessionID: 7, Token: "abc"},
		},
		{
			name: "refresh without timestamp",
			raw:  `{"type":"proxy_session_refresh","data":{"sessionId":0,"token":"{abcd"}}`,
			want: Classified{Kind: KindRefresh, SessionID: 0, Token: "{abcd"},
		},
		{
			name: "daemon request",
			raw:  `{"mType":"iqrfRaw","data":{"msgId":"X","req":{"rData":"00.00.06.03.FF.FF"}}}`,
			want: Classified{Kind: KindDaemonRequest, MType: "iqrfRaw", MsgID: "X"},
		},
		{
			name: "daemon request without msgId",
			raw:  `{"mType":"mngDaemon_Version","data":{}}`,
			want: Classified{Kind: KindDaemonRequest, MType: "mngDaemon_Version"},
		},
		{
			name: "unrecognized object",
			raw:  `{"testkey":"testval"}`,
			want: Classified{Kind: KindUnrecognized},
		},
		{
			name: "refresh with fractional session id",
			raw:  `{"type":"proxy_session_refresh","data":{"sessionId":1.5,"token":"abc"}}`,
			want: Classified{Kind: KindUnrecognized},
		},
		{
			name: "refresh without token",
			raw:  `{"type":"proxy_session_refresh","data":{"sessionId":1}}`,
			want: Classified{Kind: KindUnrecognized},
		},
		{
			name: "daemon request with string data",
			raw:  `{"mType":"iqrfRaw","data":"x"}`,
			want: Classified{Kind: KindUnrecognized},
		},
		{
			name: "json array",
			raw:  `[1,2,3]`,
			want: Classified{Kind: KindUnrecognized},
		},
		{
			name: "json scalar",
			raw:  `"hello"`,
			want: Classified{Kind: KindUnrecognized},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify([]byte(tt.raw)))
		})
	}
}

func TestClassify_Invalid(t *testing.T) {
	for _, raw := range []string{`{"type}`, ``, `not json`, `{"a":1} trailing`} {
		got := Classify([]byte(raw))
		assert.Equal(t, KindInvalid, got.Kind, "raw %q", raw)
		assert.Error(t, got.Err, "raw %q", raw)
	}
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "refresh", KindRefresh.String())
	assert.Equal(t, "daemon_request", KindDaemonRequest.String())
	assert.Equal(t, "unknown", Kind(42).String())
}
