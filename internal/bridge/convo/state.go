package convo

import (
	"fmt"
	"sync"
	"time"
)

// Status is a ConversationState's position in the pending -> active ->
// completed | timeout machine. Both completed and timeout are terminal:
// once reached, AddRun refuses further mutation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusTimeout   Status = "timeout"
)

// ErrTerminal is returned when a caller tries to mutate a conversation that
// has already reached a terminal status.
var ErrTerminal = fmt.Errorf("convo: conversation already terminal")

// ErrNotFound is returned when a lookup key has no matching conversation.
var ErrNotFound = fmt.Errorf("convo: conversation not found")

// ConversationState tracks one agent invocation from the ingress event that
// triggered it through to the agent's reply (or a monitor timeout). It is
// keyed primarily by the Matrix event ID that started the run, since that
// is the event every reply must thread back to.
type ConversationState struct {
	OriginEventID string // the Matrix event that started this run
	RoomID        string
	AgentID       string
	RunID         string // set once the agent service reports one, may be reassigned on cross-run relay
	ToolsAttached bool
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (c *ConversationState) clone() *ConversationState {
	cp := *c
	return &cp
}

// Tracker is the C5 conversation state machine: a map of ConversationState
// keyed by origin event ID, with two secondary indexes (agentID and runID,
// each pointing at the most recent origin event for that key) rather than
// a cross-linked object graph, per the no-cyclic-data guidance this bridge
// follows for all in-memory routing tables.
type Tracker struct {
	mu        sync.Mutex
	byEvent   map[string]*ConversationState
	byAgent   map[string]string // agentID -> most recent origin event ID
	byRun     map[string]string // runID -> origin event ID
	maxAge    time.Duration
}

// NewTracker creates a Tracker whose conversations time out after maxAge
// (default 300s per spec.md §4.5 when maxAge <= 0).
func NewTracker(maxAge time.Duration) *Tracker {
	if maxAge <= 0 {
		maxAge = 300 * time.Second
	}
	return &Tracker{
		byEvent: make(map[string]*ConversationState),
		byAgent: make(map[string]string),
		byRun:   make(map[string]string),
		maxAge:  maxAge,
	}
}

// StartPending creates a new conversation in StatusPending for an ingress
// event, indexed by agentID so the tool-selector webhook can find it before
// the agent service has assigned a run ID.
func (t *Tracker) StartPending(originEventID, roomID, agentID string) *ConversationState {
	return t.startPendingAt(originEventID, roomID, agentID, time.Now())
}

func (t *Tracker) startPendingAt(originEventID, roomID, agentID string, now time.Time) *ConversationState {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := &ConversationState{
		OriginEventID: originEventID,
		RoomID:        roomID,
		AgentID:       agentID,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	t.byEvent[originEventID] = c
	t.byAgent[agentID] = originEventID
	return c.clone()
}

// Activate attaches a run ID to the pending conversation for agentID and
// moves it to StatusActive, recording the toolsAttached flag the
// tool-selector webhook observed. Returns ErrNotFound if no pending
// conversation exists for agentID, ErrTerminal if it has already completed
// or timed out.
func (t *Tracker) Activate(agentID, runID string, toolsAttached bool) (*ConversationState, error) {
	return t.activateAt(agentID, runID, toolsAttached, time.Now())
}

func (t *Tracker) activateAt(agentID, runID string, toolsAttached bool, now time.Time) (*ConversationState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	eventID, ok := t.byAgent[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	c, ok := t.byEvent[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Status == StatusCompleted || c.Status == StatusTimeout {
		return nil, ErrTerminal
	}

	c.RunID = runID
	c.ToolsAttached = toolsAttached
	c.Status = StatusActive
	c.UpdatedAt = now
	if runID != "" {
		t.byRun[runID] = eventID
	}
	return c.clone(), nil
}

// ResolveByRun finds the conversation associated with runID, the primary
// lookup path for the agent-completion webhook (which reports runId, not
// the original Matrix event).
func (t *Tracker) ResolveByRun(runID string) (*ConversationState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	eventID, ok := t.byRun[runID]
	if !ok {
		return nil, ErrNotFound
	}
	c, ok := t.byEvent[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	return c.clone(), nil
}

// ResolveByAgent finds the most recent conversation started for agentID,
// used by the response monitor and by cross-run relay when a completion
// webhook arrives with a runId the tracker has never seen (spec.md §4.5.2's
// "no_crossrun_conversation" fallback path tries this before giving up).
func (t *Tracker) ResolveByAgent(agentID string) (*ConversationState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	eventID, ok := t.byAgent[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	c, ok := t.byEvent[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	return c.clone(), nil
}

// ReassignRun points an existing conversation at a new runID without
// changing its status, used when the agent service issues a follow-up run
// (e.g. a tool-call continuation) for the same origin event.
func (t *Tracker) ReassignRun(originEventID, newRunID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byEvent[originEventID]
	if !ok {
		return ErrNotFound
	}
	if c.Status == StatusCompleted || c.Status == StatusTimeout {
		return ErrTerminal
	}
	if c.RunID != "" {
		delete(t.byRun, c.RunID)
	}
	c.RunID = newRunID
	t.byRun[newRunID] = originEventID
	return nil
}

// Complete marks the conversation identified by originEventID as
// StatusCompleted. Idempotent: completing an already-completed conversation
// is a no-op success, since delivery retries can race the state update.
func (t *Tracker) Complete(originEventID string) error {
	return t.completeAt(originEventID, time.Now())
}

func (t *Tracker) completeAt(originEventID string, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byEvent[originEventID]
	if !ok {
		return ErrNotFound
	}
	if c.Status == StatusCompleted {
		return nil
	}
	if c.Status == StatusTimeout {
		return ErrTerminal
	}
	c.Status = StatusCompleted
	c.UpdatedAt = now
	return nil
}

// Get returns a snapshot of the conversation for originEventID.
func (t *Tracker) Get(originEventID string) (*ConversationState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byEvent[originEventID]
	if !ok {
		return nil, ErrNotFound
	}
	return c.clone(), nil
}

// Snapshot returns every tracked conversation, newest first by CreatedAt,
// for the GET /conversations diagnostic endpoint.
func (t *Tracker) Snapshot() []*ConversationState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*ConversationState, 0, len(t.byEvent))
	for _, c := range t.byEvent {
		out = append(out, c.clone())
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.After(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// SweepTimeouts marks every non-terminal conversation older than maxAge as
// StatusTimeout and returns the ones it flagged, so the caller can send the
// stock "taking longer than expected" reply and stop any running monitor.
// Timed-out conversations remain in the index (callers query them via
// ResolveByAgent/ResolveByRun right up until GC) until GC removes them.
func (t *Tracker) SweepTimeouts(now time.Time) []*ConversationState {
	t.mu.Lock()
	defer t.mu.Unlock()

	var timedOut []*ConversationState
	for _, c := range t.byEvent {
		if c.Status == StatusCompleted || c.Status == StatusTimeout {
			continue
		}
		if now.Sub(c.CreatedAt) > t.maxAge {
			c.Status = StatusTimeout
			c.UpdatedAt = now
			timedOut = append(timedOut, c.clone())
		}
	}
	return timedOut
}

// GC removes terminal conversations older than retain, freeing the agent
// and run indexes they occupy. Called from the same sweep loop as
// SweepTimeouts, on a longer retention window so /conversations can still
// show recently finished runs.
func (t *Tracker) GC(now time.Time, retain time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for eventID, c := range t.byEvent {
		if c.Status != StatusCompleted && c.Status != StatusTimeout {
			continue
		}
		if now.Sub(c.UpdatedAt) < retain {
			continue
		}
		delete(t.byEvent, eventID)
		if t.byAgent[c.AgentID] == eventID {
			delete(t.byAgent, c.AgentID)
		}
		if c.RunID != "" && t.byRun[c.RunID] == eventID {
			delete(t.byRun, c.RunID)
		}
		removed++
	}
	return removed
}
