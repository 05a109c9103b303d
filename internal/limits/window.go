// Package limits implements the rate limiting used at the connection
// gate and inside admitted sessions. Per-IP and per-participant limits
// use true sliding windows; the global connection limiter is a token
// bucket.
package limits

import (
	"sync"
	"time"
)

// Window is a sliding-window counter: at most limit events within any
// span-long interval. Unlike a resettable per-second counter, a burst
// straddling a second boundary cannot double the effective limit.
type Window struct {
	mu     sync.Mutex
	limit  int
	span   time.Duration
	stamps []time.Time
}

// NewWindow creates a sliding window allowing limit events per span.
func NewWindow(limit int, span time.Duration) *Window {
	return &Window{limit: limit, span: span}
}

// Allow records an event at now and reports whether it is within the
// limit. Denied events are not recorded.
func (w *Window) Allow(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.span)
	keep := 0
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			w.stamps[keep] = ts
			keep++
		}
	}
	w.stamps = w.stamps[:keep]

	if len(w.stamps) >= w.limit {
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}

// Len reports the number of events currently inside the window.
func (w *Window) Len(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := now.Add(-w.span)
	n := 0
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}
