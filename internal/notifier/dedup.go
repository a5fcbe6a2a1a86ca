package notifier

import (
	"sync"
	"time"
)

// dedupCache remembers message keys until their suppression window ends.
type dedupCache struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func newDedupCache() *dedupCache {
	return &dedupCache{until: map[string]time.Time{}}
}

// allow reports whether key may be sent now and, if so, suppresses it for
// window. When the cache exceeds max, entries expiring soonest go first.
func (d *dedupCache) allow(key string, now time.Time, window time.Duration, max int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := d.until[key]; ok && now.Before(t) {
		return false
	}
	d.until[key] = now.Add(window)

	for k, t := range d.until {
		if !now.Before(t) {
			delete(d.until, k)
		}
	}
	for max > 0 && len(d.until) > max {
		var (
			oldest string
			minT   time.Time
		)
		for k, t := range d.until {
			if oldest == "" || t.Before(minT) {
				oldest, minT = k, t
			}
		}
		delete(d.until, oldest)
	}
	return true
}

// forget lifts suppression for key, used when every attempt failed so a
// later identical message is not silently swallowed.
func (d *dedupCache) forget(key string) {
	d.mu.Lock()
	delete(d.until, key)
	d.mu.Unlock()
}

func (d *dedupCache) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.until)
}
