// Package webhook is the C5.2/C5.3/C5.4 HTTP surface of the bridge: the
// agent-completion webhook, the tool-selector fallback webhook, the
// response monitor it spawns, and the diagnostic /conversations endpoints.
// The C5.1 ingress pipeline (inbound Matrix messages) is driven by
// clients.EventHandler and lives in ingress.go, but shares this package's
// dedup cache and conversation tracker; it keeps its own room-to-agent
// index instead of the agent-room cache.
package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/agentsvc"
	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/clients"
	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/convo"
	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/metrics"
	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/storage"
)

// errNoSender is returned when no pool client is available to post a
// reply into a target room.
var errNoSender = fmt.Errorf("webhook: no sender client available")

// maxWebhookBodyBytes caps inbound webhook bodies, matching the teacher's
// 1 MiB ceiling on untrusted request bodies.
const maxWebhookBodyBytes = 1 << 20

// Config holds the runtime options spec.md §6 lists for the webhook
// surface.
type Config struct {
	WebhookSecret             string
	SkipSignatureVerification bool
	AuditNonMatrix            bool
	ServiceName               string
}

// Server is the C5 webhook HTTP surface. It owns the dedup cache,
// conversation tracker, session store, agent-room cache, and response
// monitor manager — the one in-memory state §4.5's four internal parts
// share.
type Server struct {
	cfg       Config
	tracker   *convo.Tracker
	dedup     *convo.DedupCache
	sessions  *convo.SessionStore
	roomCache *agentRoomCache
	pool      *clients.Pool
	agentSvc  *agentsvc.Client
	monitors  *monitorManager
	schemas   *schemas
	metrics   *metrics.Counters
	startedAt time.Time
	disabled  bool
}

// Metrics returns the server's counter set, for wiring into other
// components (internal/bridge/webhook.Ingress, most notably) that
// contribute to the same in-memory totals.
func (s *Server) Metrics() *metrics.Counters { return s.metrics }

// New builds a Server and its monitor manager. The deliver/stockReply
// functions passed to the monitor are this server's own reply-posting
// logic, reused by both the webhook branch and the monitor branch per
// §4.5.3 step 3's "same code path as §4.5.2's cross-run branch" note.
func New(cfg Config, store storage.Backend, pool *clients.Pool, agentSvc *agentsvc.Client, tracker *convo.Tracker, dedup *convo.DedupCache, sessions *convo.SessionStore, counters *metrics.Counters) (*Server, error) {
	compiled, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	if counters == nil {
		counters = &metrics.Counters{}
	}

	s := &Server{
		cfg:       cfg,
		tracker:   tracker,
		dedup:     dedup,
		sessions:  sessions,
		roomCache: newAgentRoomCache(store),
		pool:      pool,
		agentSvc:  agentSvc,
		schemas:   compiled,
		metrics:   counters,
		startedAt: time.Now(),
	}
	s.monitors = newMonitorManager(agentSvc, tracker, s.deliverMonitorResult, s.postMonitorTimeout)
	return s, nil
}

// deliverMonitorResult posts a monitor-found response as a reply to the
// conversation's origin event, mirroring the webhook's cross-run branch,
// and marks the conversation completed.
func (s *Server) deliverMonitorResult(ctx context.Context, c *convo.ConversationState, text string) error {
	if isRelayContent(text) {
		return nil
	}
	roomID, err := s.roomCache.RoomFor(ctx, c.AgentID)
	if err != nil {
		return err
	}
	sender := selectSender(ctx, s.pool, c.AgentID, roomID)
	if sender == nil {
		return errNoSender
	}
	if _, err := sender.ReplyText(ctx, roomID, id.EventID(c.OriginEventID), text); err != nil {
		return err
	}
	if err := s.tracker.Complete(c.OriginEventID); err != nil {
		return err
	}
	s.metrics.ConversationsCompleted.Add(1)
	return nil
}

// postMonitorTimeout implements §4.5.3 step 4: a stock "still processing"
// reply threaded to the origin event, per spec.md §9's resolution of the
// ambiguous reply-threading open question (treat the timeout reply the
// same as any other reply, for consistency with §4.5.2).
func (s *Server) postMonitorTimeout(ctx context.Context, c *convo.ConversationState) error {
	roomID, err := s.roomCache.RoomFor(ctx, c.AgentID)
	if err != nil {
		return err
	}
	sender := selectSender(ctx, s.pool, c.AgentID, roomID)
	if sender == nil {
		return errNoSender
	}
	if _, err = sender.ReplyText(ctx, roomID, id.EventID(c.OriginEventID), stockTimeoutReply); err != nil {
		return err
	}
	s.metrics.ConversationsTimedOut.Add(1)
	return nil
}

const stockTimeoutReply = "This is taking longer than expected. I'll keep working on it — check back shortly."

// PostTimeoutReply is postMonitorTimeout's exported form, for conversations
// the sweeper finds past ConversationMaxAge. Wired as
// convo.Sweeper.OnTimeout so both timeout paths end in the same stock reply;
// the sweeper calls it for every conversation it flags, whether or not a
// tool-selector webhook ever attached a monitor to it.
func (s *Server) PostTimeoutReply(ctx context.Context, c *convo.ConversationState) {
	if err := s.postMonitorTimeout(ctx, c); err != nil {
		slog.Warn("webhook: failed to post sweep-timeout reply", "agent", c.AgentID, "err", err)
	}
}

// Mux returns an *http.ServeMux with every route from spec.md §6 mounted.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/webhook/tool-selector", s.handleToolSelector)
	mux.HandleFunc("/webhooks/letta/agent-response", s.handleAgentResponse)
	mux.HandleFunc("/conversations/start", s.handleConversationStart)
	mux.HandleFunc("/conversations/response", s.handleConversationResponse)
	mux.HandleFunc("/conversations", s.handleConversationsList)
	return mux
}

type healthResponse struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Timestamp time.Time `json:"timestamp"`
	Sessions  int       `json:"sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	name := s.cfg.ServiceName
	if name == "" {
		name = "matrix-agent-bridge"
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Service:   name,
		Timestamp: time.Now(),
		Sessions:  s.sessions.Len(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}
