// Package convo implements the C5.1 ingress pipeline's dedup cache and the
// C5 ConversationState machine shared by the webhook handlers and response
// monitor in internal/bridge/webhook.
package convo

import (
	"sync"
	"time"
)

// DedupCache admits an event fingerprint (the Matrix event ID) at most
// once within its TTL and rejects every repeat, mirroring the teacher's ConversationTracker cooldown
// sweep but keyed by a single string rather than a room+sender pair.
type DedupCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time // fingerprint -> expiry
}

// NewDedupCache creates a cache whose entries expire after ttl (default
// 1h per spec.md §3 when ttl <= 0).
func NewDedupCache(ttl time.Duration) *DedupCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &DedupCache{ttl: ttl, entries: make(map[string]time.Time)}
}

// SeenOrInsert reports whether fingerprint was already present and
// unexpired; if not, it inserts it with a fresh TTL and returns false. This
// is the single atomic check-and-set the ingress pipeline needs — splitting
// it into a Seen() then Insert() call would race two concurrent deliveries
// of the same event.
func (d *DedupCache) SeenOrInsert(fingerprint string) bool {
	return d.seenOrInsertAt(fingerprint, time.Now())
}

func (d *DedupCache) seenOrInsertAt(fingerprint string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if expiry, ok := d.entries[fingerprint]; ok && now.Before(expiry) {
		return true
	}
	d.entries[fingerprint] = now.Add(d.ttl)
	return false
}

// Sweep evicts expired entries. Called periodically by the same sweep loop
// that expires conversations, so the dedup cache doesn't grow unbounded
// across a long-running process.
func (d *DedupCache) Sweep(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for k, expiry := range d.entries {
		if now.After(expiry) {
			delete(d.entries, k)
			removed++
		}
	}
	return removed
}

// Len reports the current entry count, used by diagnostics.
func (d *DedupCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
