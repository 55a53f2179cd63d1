package convo

import (
	"testing"
	"time"
)

func TestSessionStore_BindAndLookup(t *testing.T) {
	s := NewSessionStore(time.Hour)
	s.Bind("sess-1", "agent-1")

	agentID, ok := s.AgentFor("sess-1")
	if !ok {
		t.Fatalf("expected session to be found")
	}
	if agentID != "agent-1" {
		t.Fatalf("expected agent-1, got %s", agentID)
	}
}

func TestSessionStore_UnknownSessionIsNotFound(t *testing.T) {
	s := NewSessionStore(time.Hour)
	if _, ok := s.AgentFor("missing"); ok {
		t.Fatalf("expected unknown session to report not found")
	}
}

func TestSessionStore_SlidingTTL(t *testing.T) {
	s := NewSessionStore(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.bindAt("sess-1", "agent-1", now)

	if _, ok := s.agentForAt("sess-1", now.Add(50*time.Second)); !ok {
		t.Fatalf("expected session still alive within TTL")
	}
	// The lookup above should have slid the expiry forward by another minute.
	if _, ok := s.agentForAt("sess-1", now.Add(90*time.Second)); !ok {
		t.Fatalf("expected sliding TTL to keep the session alive past the original window")
	}
}

func TestSessionStore_ExpiresWithoutTouch(t *testing.T) {
	s := NewSessionStore(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.bindAt("sess-1", "agent-1", now)

	if _, ok := s.agentForAt("sess-1", now.Add(61*time.Second)); ok {
		t.Fatalf("expected session to expire after TTL with no intervening touch")
	}
}

func TestSessionStore_Sweep(t *testing.T) {
	s := NewSessionStore(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.bindAt("old", "agent-1", now)
	s.bindAt("fresh", "agent-2", now.Add(50*time.Second))

	removed := s.Sweep(now.Add(61 * time.Second))
	if removed != 1 {
		t.Fatalf("expected 1 expired session removed, got %d", removed)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 session remaining, got %d", s.Len())
	}
}
