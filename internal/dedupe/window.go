// ABOUTME: Bounded, time-windowed set of recently seen keys.
// ABOUTME: Ring buffer of insertion order plus a map for lookup; expiry is checked lazily.

package dedupe

import (
	"sync"
	"time"
)

// Window tracks keys seen within a TTL, holding at most size of them.
type Window struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	ring []string
	next int
	now  func() time.Time
}

// New creates a Window. Non-positive size defaults to 1024, non-positive ttl to one hour.
func New(ttl time.Duration, size int) *Window {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Window{
		ttl:  ttl,
		seen: make(map[string]time.Time, size),
		ring: make([]string, size),
		now:  time.Now,
	}
}

// Seen reports whether key was marked within the window, without marking it.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.liveLocked(key)
}

// CheckAndMark marks key and reports whether it was already present.
// True means the caller should treat the event as a duplicate.
// The empty key is never recorded.
func (w *Window) CheckAndMark(key string) bool {
	if key == "" {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.liveLocked(key) {
		return true
	}
	if _, stale := w.seen[key]; stale {
		// Expired but still occupying a ring slot; refresh in place.
		w.seen[key] = w.now()
		return false
	}

	if old := w.ring[w.next]; old != "" {
		delete(w.seen, old)
	}
	w.ring[w.next] = key
	w.next = (w.next + 1) % len(w.ring)
	w.seen[key] = w.now()
	return false
}

// Len returns the number of keys currently held, expired or not.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

func (w *Window) liveLocked(key string) bool {
	at, ok := w.seen[key]
	return ok && w.now().Sub(at) < w.ttl
}
