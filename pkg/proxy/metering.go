package proxy

import (
	"github.com/rs/zerolog"

	"gateway-proxy/pkg/session"
)

// meter records the traffic of one session.
type meter struct {
	usage *session.UsageTracker
	id    int64
	log   zerolog.Logger
}

func (m meter) request(n int) {
	m.usage.RecordRequest(m.id, n)
	m.log.Debug().Int("bytes", n).Msg("Request forwarded upstream")
}

func (m meter) response(n int) {
	m.usage.RecordResponse(m.id, n)
	m.log.Debug().Int("bytes", n).Msg("Upstream response relayed")
}

func (m meter) rejected() {
	m.usage.RecordRejected(m.id)
}

func (m meter) clear() {
	u := m.usage.Get(m.id)
	m.log.Info().
		Int64("requests", u.Requests).
		Int64("responses", u.Responses).
		Int64("rejected", u.Rejected).
		Int64("bytes_in", u.BytesIn).
		Int64("bytes_out", u.BytesOut).
		Msg("Session usage")
	m.usage.Clear(m.id)
}
