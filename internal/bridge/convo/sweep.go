package convo

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically evicts expired dedup entries and sessions, and
// flags conversations that have exceeded their max age as timed out. It
// owns no locks of its own — all mutation happens inside the component
// methods it calls, each of which is independently safe for concurrent use.
type Sweeper struct {
	Dedup     *DedupCache
	Sessions  *SessionStore
	Tracker   *Tracker
	Interval  time.Duration
	GCRetain  time.Duration
	OnTimeout func(ctx context.Context, c *ConversationState)
}

// DefaultSweepInterval is the 60s cadence spec.md §4.5 mandates for the
// conversation timeout sweep.
const DefaultSweepInterval = 60 * time.Second

// DefaultGCRetain keeps terminal conversations around long enough for the
// /conversations diagnostic endpoint to show recent history.
const DefaultGCRetain = 15 * time.Minute

// Run blocks, sweeping on Interval (default DefaultSweepInterval) until ctx
// is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	now := time.Now()

	if s.Dedup != nil {
		s.Dedup.Sweep(now)
	}
	if s.Sessions != nil {
		s.Sessions.Sweep(now)
	}
	if s.Tracker == nil {
		return
	}

	timedOut := s.Tracker.SweepTimeouts(now)
	for _, c := range timedOut {
		slog.Warn("convo: conversation timed out", "agent", c.AgentID, "room", c.RoomID, "event", c.OriginEventID)
		if s.OnTimeout != nil {
			s.OnTimeout(ctx, c)
		}
	}

	retain := s.GCRetain
	if retain <= 0 {
		retain = DefaultGCRetain
	}
	if removed := s.Tracker.GC(now, retain); removed > 0 {
		slog.Debug("convo: garbage collected terminal conversations", "count", removed)
	}
}
