package convo

import (
	"errors"
	"testing"
	"time"
)

func TestTracker_StartPendingThenActivate(t *testing.T) {
	tr := NewTracker(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	c := tr.startPendingAt("$origin1", "!room:example.com", "agent-1", now)
	if c.Status != StatusPending {
		t.Fatalf("expected StatusPending, got %s", c.Status)
	}

	activated, err := tr.activateAt("agent-1", "run-1", true, now.Add(time.Second))
	if err != nil {
		t.Fatalf("Activate: unexpected error: %v", err)
	}
	if activated.Status != StatusActive {
		t.Fatalf("expected StatusActive, got %s", activated.Status)
	}
	if !activated.ToolsAttached {
		t.Fatalf("expected ToolsAttached to be true")
	}

	byRun, err := tr.ResolveByRun("run-1")
	if err != nil {
		t.Fatalf("ResolveByRun: unexpected error: %v", err)
	}
	if byRun.OriginEventID != "$origin1" {
		t.Fatalf("expected origin event $origin1, got %s", byRun.OriginEventID)
	}
}

func TestTracker_ActivateWithoutPendingIsNotFound(t *testing.T) {
	tr := NewTracker(time.Minute)
	_, err := tr.Activate("unknown-agent", "run-1", false)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTracker_CompleteIsIdempotent(t *testing.T) {
	tr := NewTracker(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.startPendingAt("$origin1", "!room", "agent-1", now)

	if err := tr.completeAt("$origin1", now.Add(time.Second)); err != nil {
		t.Fatalf("first Complete: unexpected error: %v", err)
	}
	if err := tr.completeAt("$origin1", now.Add(2*time.Second)); err != nil {
		t.Fatalf("second Complete should be a no-op success, got: %v", err)
	}
}

func TestTracker_CompleteAfterTimeoutIsTerminal(t *testing.T) {
	tr := NewTracker(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.startPendingAt("$origin1", "!room", "agent-1", now)

	tr.SweepTimeouts(now.Add(2 * time.Minute))

	if err := tr.Complete("$origin1"); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
}

func TestTracker_SweepTimeouts(t *testing.T) {
	tr := NewTracker(300 * time.Second)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.startPendingAt("$origin1", "!room", "agent-1", now)

	if timedOut := tr.SweepTimeouts(now.Add(100 * time.Second)); len(timedOut) != 0 {
		t.Fatalf("expected no timeouts before maxAge elapses, got %d", len(timedOut))
	}

	timedOut := tr.SweepTimeouts(now.Add(301 * time.Second))
	if len(timedOut) != 1 {
		t.Fatalf("expected 1 timeout, got %d", len(timedOut))
	}
	if timedOut[0].Status != StatusTimeout {
		t.Fatalf("expected StatusTimeout, got %s", timedOut[0].Status)
	}
}

func TestTracker_GCRemovesOldTerminalConversationsOnly(t *testing.T) {
	tr := NewTracker(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.startPendingAt("$origin1", "!room", "agent-1", now)
	tr.startPendingAt("$origin2", "!room", "agent-2", now)

	_ = tr.completeAt("$origin1", now)

	removed := tr.GC(now.Add(time.Hour), 30*time.Minute)
	if removed != 1 {
		t.Fatalf("expected 1 terminal conversation removed, got %d", removed)
	}
	if _, err := tr.Get("$origin1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected $origin1 to be gone after GC")
	}
	if _, err := tr.Get("$origin2"); err != nil {
		t.Fatalf("expected $origin2 (still pending) to survive GC, got err: %v", err)
	}
}

func TestTracker_ReassignRunMovesRunIndex(t *testing.T) {
	tr := NewTracker(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.startPendingAt("$origin1", "!room", "agent-1", now)
	if _, err := tr.activateAt("agent-1", "run-1", false, now); err != nil {
		t.Fatalf("Activate: unexpected error: %v", err)
	}

	if err := tr.ReassignRun("$origin1", "run-2"); err != nil {
		t.Fatalf("ReassignRun: unexpected error: %v", err)
	}

	if _, err := tr.ResolveByRun("run-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected old run-1 index to be dropped")
	}
	byRun, err := tr.ResolveByRun("run-2")
	if err != nil {
		t.Fatalf("ResolveByRun(run-2): unexpected error: %v", err)
	}
	if byRun.OriginEventID != "$origin1" {
		t.Fatalf("expected origin event $origin1, got %s", byRun.OriginEventID)
	}
}
