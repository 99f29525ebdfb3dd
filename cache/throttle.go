package cache

import (
	"sync"
	"time"
)

// Throttle bounds how often a given resource is revalidated in the
// background. Entries older than the retention window are purged
// periodically by the scheduler.
type Throttle struct {
	window  time.Duration
	entries map[string]time.Time
	now     func() time.Time
	mu      sync.Mutex
}

// NewThrottle creates a throttle with the given minimum revalidation window.
func NewThrottle(window time.Duration) *Throttle {
	return &Throttle{
		window:  window,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Allow reports whether key may be revalidated now, and records the
// revalidation time when it may. Repeated calls within the window return
// false even if many requests for the key arrive in quick succession.
func (t *Throttle) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if last, exists := t.entries[key]; exists && now.Sub(last) < t.window {
		return false
	}
	t.entries[key] = now
	return true
}

// Purge drops entries older than the retention window.
func (t *Throttle) Purge(retention time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	purged := 0
	for key, last := range t.entries {
		if now.Sub(last) > retention {
			delete(t.entries, key)
			purged++
		}
	}
	return purged
}

// Len reports the number of tracked resources.
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
