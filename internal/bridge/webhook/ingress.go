package webhook

import (
	"context"
	"log/slog"
	"sync"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/agentsvc"
	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/convo"
	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/metrics"
	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/storage"
)

// roomIndex is the reverse of storage's agentID-keyed AgentRoom mapping: it
// answers "which agent owns this room" for the C5.1 ingress pipeline, which
// only has a room ID to start from. It is rebuilt from storage on a miss
// rather than kept perfectly in sync with room provisioning, since agent
// rooms are created far less often than messages arrive in them.
type roomIndex struct {
	mu     sync.RWMutex
	byRoom map[id.RoomID]string
	store  storage.Backend
}

func newRoomIndex(store storage.Backend) *roomIndex {
	return &roomIndex{byRoom: make(map[id.RoomID]string), store: store}
}

func (ri *roomIndex) agentFor(ctx context.Context, roomID id.RoomID) (string, bool) {
	ri.mu.RLock()
	agentID, ok := ri.byRoom[roomID]
	ri.mu.RUnlock()
	if ok {
		return agentID, true
	}

	rooms, err := ri.store.ListAgentRooms(ctx)
	if err != nil {
		slog.Warn("webhook: ingress room index refresh failed", "err", err)
		return "", false
	}

	ri.mu.Lock()
	for _, r := range rooms {
		ri.byRoom[id.RoomID(r.RoomID)] = r.AgentID
	}
	agentID, ok = ri.byRoom[roomID]
	ri.mu.Unlock()
	return agentID, ok
}

// Ingress drives the C5.1 pipeline: one instance is registered as a
// clients.EventHandler on the ClientPool and invoked for every inbound
// m.room.message any pool client observes.
type Ingress struct {
	dedup    *convo.DedupCache
	tracker  *convo.Tracker
	rooms    *roomIndex
	agentSvc *agentsvc.Client
	metrics  *metrics.Counters
}

// NewIngress builds an Ingress sharing the same dedup cache and tracker the
// webhook Server uses, since both sides of the pipeline mutate the one
// in-memory ConversationState set. metrics may be nil, in which case
// Handle's counts are simply not recorded.
func NewIngress(store storage.Backend, agentSvc *agentsvc.Client, dedup *convo.DedupCache, tracker *convo.Tracker, counters *metrics.Counters) *Ingress {
	return &Ingress{
		dedup:    dedup,
		tracker:  tracker,
		rooms:    newRoomIndex(store),
		agentSvc: agentSvc,
		metrics:  counters,
	}
}

// Handle implements clients.EventHandler. identityID names which pool
// member's sync loop delivered evt; it is not the routing key (rooms are),
// but is useful for diagnostics when several identities share a room.
func (in *Ingress) Handle(ctx context.Context, identityID string, evt *event.Event) {
	if evt.Type != event.EventMessage {
		return
	}

	if in.dedup.SeenOrInsert(string(evt.ID)) {
		if in.metrics != nil {
			in.metrics.DedupHits.Add(1)
		}
		return
	}

	agentID, ok := in.rooms.agentFor(ctx, evt.RoomID)
	if !ok {
		slog.Debug("webhook: ingress no_route", "room", evt.RoomID, "event", evt.ID)
		return
	}

	msg := evt.Content.AsMessage()
	if msg == nil || msg.Body == "" {
		return
	}

	in.tracker.StartPending(string(evt.ID), string(evt.RoomID), agentID)

	if _, err := in.agentSvc.SendPrompt(ctx, agentID, agentsvc.RunRequest{Message: msg.Body}); err != nil {
		slog.Error("webhook: ingress failed to forward prompt to agent service", "agent", agentID, "event", evt.ID, "err", err)
		return
	}
	if in.metrics != nil {
		in.metrics.MessagesRouted.Add(1)
	}
}
