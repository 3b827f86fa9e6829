package security

import (
	"errors"
	"sync"
	"time"

	"github.com/sessionkit/sessionkit/pkg/metrics"
)

// ErrRateLimited is returned when a sensitive operation is rejected before
// any network call is made.
var ErrRateLimited = errors.New("RATE_LIMIT_EXCEEDED")

// SlidingWindow counts attempts per (endpoint, identifier) over a moving
// window. A bucket never holds more than limit live timestamps before
// blocking.
type SlidingWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string][]time.Time
}

func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:   limit,
		window:  window,
		now:     time.Now,
		buckets: make(map[string][]time.Time),
	}
}

// Allow records an attempt for (endpoint, identifier) and reports whether it
// is within the limit. The (limit+1)-th attempt inside a window is rejected;
// once the window has rolled past the oldest attempt the next one is
// accepted again.
func (w *SlidingWindow) Allow(endpoint, identifier string) bool {
	key := endpoint + "|" + identifier
	now := w.now()
	cutoff := now.Add(-w.window)

	w.mu.Lock()
	defer w.mu.Unlock()

	attempts := w.buckets[key]
	kept := attempts[:0]
	for _, t := range attempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= w.limit {
		w.buckets[key] = kept
		metrics.RateLimitRejected.WithLabelValues("sliding").Inc()
		return false
	}
	w.buckets[key] = append(kept, now)
	metrics.RateLimitAllowed.WithLabelValues("sliding").Inc()
	return true
}

// Check is Allow returning ErrRateLimited instead of a bool, for call sites
// that propagate the rejection.
func (w *SlidingWindow) Check(endpoint, identifier string) error {
	if !w.Allow(endpoint, identifier) {
		return ErrRateLimited
	}
	return nil
}

// Reset clears the bucket for (endpoint, identifier). Called after a
// successful attempt so past failures stop counting against the caller.
func (w *SlidingWindow) Reset(endpoint, identifier string) {
	w.mu.Lock()
	delete(w.buckets, endpoint+"|"+identifier)
	w.mu.Unlock()
}
