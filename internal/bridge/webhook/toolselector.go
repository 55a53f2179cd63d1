package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

// toolSelectorEnvelope is the POST /webhook/tool-selector body documented in
// spec.md §6.
type toolSelectorEnvelope struct {
	Event         string   `json:"event"`
	AgentID       string   `json:"agent_id"`
	NewRunID      string   `json:"new_run_id"`
	TriggerType   string   `json:"trigger_type"`
	ToolsAttached []string `json:"tools_attached"`
	Query         string   `json:"query"`
	Timestamp     string   `json:"timestamp"`
}

type toolSelectorResponse struct {
	Status         string   `json:"status"`
	Tracking       bool     `json:"tracking"`
	Monitoring     bool     `json:"monitoring"`
	ConversationID string   `json:"conversation_id"`
	ToolsAttached  []string `json:"tools_attached"`
}

// handleToolSelector implements §4.5.3 steps 1-3: resolve the active
// conversation for agent_id, mark it active with the new run and attached
// tools, and spawn the fallback response monitor.
func (s *Server) handleToolSelector(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.metrics.WebhooksReceived.Add(1)

	rawBody, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if err := validateAgainst(s.schemas.toolSelector, rawBody); err != nil {
		slog.Info("webhook: tool-selector failed schema validation", "err", err)
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}

	var env toolSelectorEnvelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}

	current, err := s.tracker.ResolveByAgent(env.AgentID)
	if err != nil {
		writeJSON(w, http.StatusOK, toolSelectorResponse{Status: "no_active_conversation"})
		return
	}

	activated, err := s.tracker.Activate(env.AgentID, env.NewRunID, len(env.ToolsAttached) > 0)
	if err != nil {
		slog.Info("webhook: tool-selector could not activate conversation", "agent", env.AgentID, "err", err)
		writeJSON(w, http.StatusOK, toolSelectorResponse{Status: "no_active_conversation"})
		return
	}

	monitoring := true
	if err := s.monitors.Start(r.Context(), activated); err != nil {
		if err == errBusy {
			monitoring = false
		} else {
			slog.Error("webhook: failed to start response monitor", "agent", env.AgentID, "err", err)
			monitoring = false
		}
	}

	writeJSON(w, http.StatusOK, toolSelectorResponse{
		Status:         "tracking",
		Tracking:       true,
		Monitoring:     monitoring,
		ConversationID: current.OriginEventID,
		ToolsAttached:  env.ToolsAttached,
	})
}

// writeJSON is the small helper every handler in this package uses to
// write a JSON response body with the right content type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
