package webhook

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/convo"
)

type startConversationRequest struct {
	MatrixEventID string `json:"matrix_event_id"`
	MatrixRoomID  string `json:"matrix_room_id"`
	AgentID       string `json:"agent_id"`
	OriginalQuery string `json:"original_query,omitempty"`
}

type startConversationResponse struct {
	ConversationID string `json:"conversation_id"`
	AgentID        string `json:"agent_id"`
	Tracking       bool   `json:"tracking"`
}

// handleConversationStart implements POST /conversations/start: an explicit
// entry point for callers that trigger an agent run outside the normal
// Matrix-ingress path (e.g. a CLI or API-originated prompt) but still want
// the reply routed back to a Matrix event.
func (s *Server) handleConversationStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req startConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	if req.MatrixEventID == "" || req.MatrixRoomID == "" || req.AgentID == "" {
		http.Error(w, "matrix_event_id, matrix_room_id, and agent_id are required", http.StatusBadRequest)
		return
	}

	s.tracker.StartPending(req.MatrixEventID, req.MatrixRoomID, req.AgentID)

	writeJSON(w, http.StatusOK, startConversationResponse{
		ConversationID: req.MatrixEventID,
		AgentID:        req.AgentID,
		Tracking:       true,
	})
}

type conversationResponseRequest struct {
	AgentID        string `json:"agent_id"`
	Response       string `json:"response"`
	OpencodeSender string `json:"opencode_sender,omitempty"`
}

// handleConversationResponse implements POST /conversations/response:
// completes the newest active conversation for agent_id by posting
// Response as a reply to its origin event.
func (s *Server) handleConversationResponse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req conversationResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	if req.AgentID == "" || req.Response == "" {
		http.Error(w, "agent_id and response are required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	current, err := s.tracker.ResolveByAgent(req.AgentID)
	if err != nil || (current.Status != convo.StatusActive && current.Status != convo.StatusPending) {
		http.Error(w, "no active conversation for agent", http.StatusNotFound)
		return
	}

	roomID, err := s.roomCache.RoomFor(ctx, req.AgentID)
	if err != nil {
		slog.Info("webhook: no room mapping for agent", "agent", req.AgentID, "err", err)
		http.Error(w, "no room mapping for agent", http.StatusNotFound)
		return
	}

	sender := selectSender(ctx, s.pool, req.AgentID, roomID)
	if sender == nil {
		http.Error(w, "no sender available", http.StatusInternalServerError)
		return
	}
	if _, err := sender.ReplyText(ctx, roomID, id.EventID(current.OriginEventID), req.Response); err != nil {
		slog.Error("webhook: failed to post conversation response", "agent", req.AgentID, "err", err)
		http.Error(w, "delivery failed", http.StatusInternalServerError)
		return
	}
	_ = s.tracker.Complete(current.OriginEventID)
	s.monitors.Cancel(current.OriginEventID)

	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "completed", "agent_id": req.AgentID})
}

type conversationSummary struct {
	ConversationID string    `json:"conversation_id"`
	RoomID         string    `json:"room_id"`
	AgentID        string    `json:"agent_id"`
	RunID          string    `json:"run_id,omitempty"`
	Status         string    `json:"status"`
	ToolsAttached  bool      `json:"tools_attached"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// handleConversationsList implements GET /conversations: a diagnostic
// listing of every tracked conversation, newest first.
func (s *Server) handleConversationsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshot := s.tracker.Snapshot()
	out := make([]conversationSummary, 0, len(snapshot))
	for _, c := range snapshot {
		out = append(out, conversationSummary{
			ConversationID: c.OriginEventID,
			RoomID:         c.RoomID,
			AgentID:        c.AgentID,
			RunID:          c.RunID,
			Status:         string(c.Status),
			ToolsAttached:  c.ToolsAttached,
			CreatedAt:      c.CreatedAt,
			UpdatedAt:      c.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": out})
}
