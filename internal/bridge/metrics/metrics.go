// Package metrics is the in-memory counter set SPEC_FULL.md's observability
// supplement calls for: a handful of monotonic counts the webhook surface
// exposes over GET /metrics for scraping, without pulling in a full metrics
// client — nothing else in the bridge needs histograms or labels, just
// "how many of these has the process seen since it started."
package metrics

import "sync/atomic"

// Counters is a fixed set of named counts, each safe for concurrent
// increment from any goroutine. Zero value is ready to use.
type Counters struct {
	MessagesRouted         atomic.Int64
	WebhooksReceived       atomic.Int64
	ConversationsCompleted atomic.Int64
	ConversationsTimedOut  atomic.Int64
	DedupHits              atomic.Int64
}

// Snapshot is the point-in-time JSON view of Counters.
type Snapshot struct {
	MessagesRouted         int64 `json:"messages_routed"`
	WebhooksReceived       int64 `json:"webhooks_received"`
	ConversationsCompleted int64 `json:"conversations_completed"`
	ConversationsTimedOut  int64 `json:"conversations_timed_out"`
	DedupHits              int64 `json:"dedup_hits"`
}

// Snapshot reads every counter's current value. Counters may be incremented
// concurrently with the read; the result is a consistent snapshot of each
// individual field, not an atomic snapshot of the whole set.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		MessagesRouted:         c.MessagesRouted.Load(),
		WebhooksReceived:       c.WebhooksReceived.Load(),
		ConversationsCompleted: c.ConversationsCompleted.Load(),
		ConversationsTimedOut:  c.ConversationsTimedOut.Load(),
		DedupHits:              c.DedupHits.Load(),
	}
}
