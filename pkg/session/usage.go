package session

import "sync"

// Usage tracks message traffic for a session.
type Usage struct {
	Requests  int64 `json:"requests"`
	Responses int64 `json:"responses"`
	Rejected  int64 `json:"rejected"`
	BytesIn   int64 `json:"bytes_in"`
	BytesOut  int64 `json:"bytes_out"`
}

// UsageTracker stores per-session usage. Thread-safe.
type UsageTracker struct {
	mu    sync.RWMutex
	usage map[int64]*Usage // keyed by session id
}

// NewUsageTracker creates a new usage tracker.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{
		usage: make(map[int64]*Usage),
	}
}

func (u *UsageTracker) entry(id int64) *Usage {
	usage, ok := u.usage[id]
	if !ok {
		usage = &Usage{}
		u.usage[id] = usage
	}
	return usage
}

// RecordRequest counts a request of n bytes forwarded upstream.
func (u *UsageTracker) RecordRequest(id int64, n int) {
	u.mu.Lock()
	defer u.mu.Unlock()

	usage := u.entry(id)
	usage.Requests++
	usage.BytesIn += int64(n)
}

// RecordResponse counts an upstream reply of n bytes sent to the client.
func (u *UsageTracker) RecordResponse(id int64, n int) {
	u.mu.Lock()
	defer u.mu.Unlock()

	usage := u.entry(id)
	usage.Responses++
	usage.BytesOut += int64(n)
}

// RecordRejected counts a client message the proxy refused to forward.
func (u *UsageTracker) RecordRejected(id int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.entry(id).Rejected++
}

// Get returns the current usage for a session.
func (u *UsageTracker) Get(id int64) Usage {
	u.mu.RLock()
	defer u.mu.RUnlock()

	usage, ok := u.usage[id]
	if !ok {
		return Usage{}
	}
	// Return a copy.
	return *usage
}

// Clear removes usage data for a session.
func (u *UsageTracker) Clear(id int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.usage, id)
}
