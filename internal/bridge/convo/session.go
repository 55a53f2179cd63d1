package convo

import (
	"sync"
	"time"
)

// SessionStore maps an MCP session ID (Mcp-Session-Id header) to the agent
// ID that owns it, with a sliding TTL: every lookup refreshes the entry's
// expiry so a long-lived but continuously active session never drops out
// from under the proxy in internal/bridge/proxy.
type SessionStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]sessionEntry
}

type sessionEntry struct {
	agentID string
	expiry  time.Time
}

// NewSessionStore creates a store whose entries slide forward by ttl on
// every touch (default 1h per spec.md §4.5.4 when ttl <= 0).
func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &SessionStore{ttl: ttl, entries: make(map[string]sessionEntry)}
}

// Bind associates sessionID with agentID, creating or refreshing the entry.
func (s *SessionStore) Bind(sessionID, agentID string) {
	s.bindAt(sessionID, agentID, time.Now())
}

func (s *SessionStore) bindAt(sessionID, agentID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[sessionID] = sessionEntry{agentID: agentID, expiry: now.Add(s.ttl)}
}

// AgentFor returns the agent ID bound to sessionID, sliding its TTL forward
// on this lookup. The second return value is false if the session is
// unknown or has expired.
func (s *SessionStore) AgentFor(sessionID string) (string, bool) {
	return s.agentForAt(sessionID, time.Now())
}

func (s *SessionStore) agentForAt(sessionID string, now time.Time) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[sessionID]
	if !ok || now.After(e.expiry) {
		delete(s.entries, sessionID)
		return "", false
	}
	e.expiry = now.Add(s.ttl)
	s.entries[sessionID] = e
	return e.agentID, true
}

// Sweep evicts expired sessions. Run from the same periodic loop as the
// conversation timeout sweep.
func (s *SessionStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, e := range s.entries {
		if now.After(e.expiry) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Len reports the current session count, used by diagnostics.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
