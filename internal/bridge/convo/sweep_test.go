package convo

import (
	"context"
	"testing"
	"time"
)

func TestSweeper_TickFlagsTimeoutsAndInvokesCallback(t *testing.T) {
	tr := NewTracker(300 * time.Second)
	// tick() sweeps at time.Now(), so the conversation is created just past
	// the 300s max age relative to wall-clock "now".
	tr.startPendingAt("$origin1", "!room", "agent-1", time.Now().Add(-301*time.Second))

	var notified []*ConversationState
	s := &Sweeper{
		Dedup:   NewDedupCache(time.Hour),
		Tracker: tr,
		OnTimeout: func(ctx context.Context, c *ConversationState) {
			notified = append(notified, c)
		},
	}
	s.tick(context.Background())

	if len(notified) != 1 {
		t.Fatalf("expected 1 timeout notification, got %d", len(notified))
	}
}

func TestSweeper_TickRemovesExpiredDedupAndSessionEntries(t *testing.T) {
	dedup := NewDedupCache(time.Minute)
	sessions := NewSessionStore(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	dedup.seenOrInsertAt("$event1", now)
	sessions.bindAt("sess-1", "agent-1", now)

	s := &Sweeper{Dedup: dedup, Sessions: sessions, Tracker: NewTracker(time.Minute)}
	s.tick(context.Background())

	// tick() uses time.Now() internally, so entries seeded far in the past
	// relative to wall-clock "now" should already be gone.
	if dedup.Len() != 0 {
		t.Fatalf("expected dedup cache to be swept by tick, got %d entries", dedup.Len())
	}
	if sessions.Len() != 0 {
		t.Fatalf("expected session store to be swept by tick, got %d entries", sessions.Len())
	}
}
