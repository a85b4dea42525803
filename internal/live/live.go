// Package live owns the bounded request log and its companion
// publish/subscribe fan-out: every proxied request's outcome is appended
// to a capped ring (newest first) and broadcast to whoever is listening
// on the live_requests topic — typically the admin package's websocket
// handler.
package live

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/drsoft-oss/gengar/internal/store"
)

const (
	requestLogKey = "gengar:request_log"
	liveTopic     = "gengar:live_requests"
	// maxLogEntries bounds the request log ring (spec: at most 500 records).
	maxLogEntries = 500
)

// Entry is one request/response record, matching the live record schema:
// {ts, method, url, target_domain, proxy_ip, status, latency_ms, blocked,
// attempt, strategy, error, response_headers}.
type Entry struct {
	ID              string            `json:"id"`
	TS              float64           `json:"ts"`
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	TargetDomain    string            `json:"target_domain"`
	ProxyIP         string            `json:"proxy_ip"`
	Status          int               `json:"status"`
	LatencyMS       float64           `json:"latency_ms"`
	Blocked         bool              `json:"blocked"`
	Attempt         int               `json:"attempt"`
	Strategy        string            `json:"strategy"`
	Error           string            `json:"error,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
}

// NewEntry stamps a correlation id and "now" onto an otherwise-filled-in
// entry.
func NewEntry(e Entry) Entry {
	e.ID = uuid.NewString()
	e.TS = float64(time.Now().UnixNano()) / 1e9
	return e
}

// Feed is the live request log + broadcast.
type Feed struct {
	st store.Store
}

// NewFeed wraps a store with the live-log operations.
func NewFeed(st store.Store) *Feed {
	return &Feed{st: st}
}

// Publish appends entry to the bounded log (newest at head, trimmed to
// maxLogEntries) and fans it out to subscribers. Marshal failures are
// impossible for this fixed struct shape and are treated as unreachable.
func (f *Feed) Publish(e Entry) {
	raw, _ := json.Marshal(e)
	f.st.LPush(requestLogKey, string(raw))
	f.st.LTrim(requestLogKey, 0, maxLogEntries-1)
	f.st.Publish(liveTopic, string(raw))
}

// Recent returns up to n of the most recently published entries, newest
// first.
func (f *Feed) Recent(n int) []Entry {
	if n <= 0 || n > maxLogEntries {
		n = maxLogEntries
	}
	raw := f.st.LRange(requestLogKey, 0, n-1)
	out := make([]Entry, 0, len(raw))
	for _, r := range raw {
		var e Entry
		if json.Unmarshal([]byte(r), &e) == nil {
			out = append(out, e)
		}
	}
	return out
}

// Subscribe streams every entry published from this point on as decoded
// Entry values. The returned cancel func must be called to release the
// underlying subscription.
func (f *Feed) Subscribe() (<-chan Entry, func()) {
	raw, cancel := f.st.Subscribe(liveTopic)
	out := make(chan Entry, cap(raw))
	go func() {
		defer close(out)
		for msg := range raw {
			var e Entry
			if json.Unmarshal([]byte(msg), &e) == nil {
				out <- e
			}
		}
	}()
	return out, cancel
}
