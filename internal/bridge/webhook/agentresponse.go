package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/clients"
	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/convo"
)

// agentResponseEnvelope is the POST /webhooks/letta/agent-response body
// shape documented in spec.md §6.
type agentResponseEnvelope struct {
	EventType string `json:"event_type"`
	AgentID   string `json:"agent_id"`
	Data      struct {
		RunID    string         `json:"run_id"`
		Messages []agentMessage `json:"messages"`
	} `json:"data"`
}

// handleAgentResponse implements §4.5.2 end to end.
func (s *Server) handleAgentResponse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.disabled {
		http.Error(w, "endpoint disabled", http.StatusGone)
		return
	}
	s.metrics.WebhooksReceived.Add(1)

	rawBody, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !s.cfg.SkipSignatureVerification {
		sig := r.Header.Get("X-Letta-Signature")
		if err := verifySignature(sig, rawBody, s.cfg.WebhookSecret); err != nil {
			slog.Info("webhook: signature check failed", "err", err)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	if err := validateAgainst(s.schemas.agentResponse, rawBody); err != nil {
		slog.Info("webhook: agent-response failed schema validation", "err", err)
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}

	var env agentResponseEnvelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		slog.Info("webhook: malformed agent-response body", "err", err)
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	msg, text, found := longestAssistantMessage(env.Data.Messages)
	if !found {
		slog.Debug("webhook: no_assistant_content", "agent", env.AgentID)
		w.WriteHeader(http.StatusOK)
		return
	}
	if isRelayContent(text) {
		slog.Debug("webhook: inter_agent_relay dropped", "agent", env.AgentID)
		w.WriteHeader(http.StatusOK)
		return
	}

	roomID, err := s.roomCache.RoomFor(ctx, env.AgentID)
	if err != nil {
		slog.Info("webhook: no room mapping for agent", "agent", env.AgentID, "err", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	current, resolveErr := s.tracker.ResolveByAgent(env.AgentID)
	crossRun := resolveErr == nil && current.Status == convo.StatusActive && current.ToolsAttached

	if crossRun {
		sender := selectSender(ctx, s.pool, env.AgentID, roomID)
		if sender == nil {
			slog.Warn("webhook: no sender client available for cross-run reply", "agent", env.AgentID)
			http.Error(w, "no sender available", http.StatusInternalServerError)
			return
		}
		if _, err := sender.ReplyText(ctx, roomID, id.EventID(current.OriginEventID), text); err != nil {
			slog.Error("webhook: failed to post cross-run reply", "agent", env.AgentID, "err", err)
			http.Error(w, "delivery failed", http.StatusInternalServerError)
			return
		}
		_ = s.tracker.Complete(current.OriginEventID)
		s.monitors.Cancel(current.OriginEventID)
		w.WriteHeader(http.StatusOK)
		return
	}

	if !s.cfg.AuditNonMatrix {
		slog.Debug("webhook: no_crossrun_conversation, auditing disabled", "agent", env.AgentID, "run", msg.RunID)
		w.WriteHeader(http.StatusOK)
		return
	}

	sender := selectSender(ctx, s.pool, env.AgentID, roomID)
	if sender == nil {
		slog.Warn("webhook: no sender client available for audit notice", "agent", env.AgentID)
		http.Error(w, "no sender available", http.StatusInternalServerError)
		return
	}
	if err := s.postAuditNotice(ctx, sender, roomID, env.AgentID, text, resolveErr == nil); err != nil {
		slog.Error("webhook: failed to post audit notice", "agent", env.AgentID, "err", err)
		http.Error(w, "delivery failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// postAuditNotice sends the §4.5.2 step 5 out-of-band audit message: an
// m.notice (a quiet message type most clients don't notify on), prefixed
// with a source tag and truncated to 500 characters, with an HTML-escaped
// formatted_body.
func (s *Server) postAuditNotice(ctx context.Context, sender *clients.Client, roomID id.RoomID, agentID, text string, hadConversation bool) error {
	body, formatted := formatAuditBody(agentID, text, hadConversation)
	content := &event.MessageEventContent{
		MsgType:       event.MsgNotice,
		Body:          body,
		Format:        event.FormatHTML,
		FormattedBody: formatted,
	}
	_, err := sender.Raw().SendMessageEvent(ctx, roomID, event.EventMessage, content)
	return err
}

// sourceTag picks the audit prefix spec.md §4.5.2 describes: "CLI/API" when
// a Matrix-side conversation exists for this agent (even though it isn't
// currently cross-run eligible), "Direct" when the agent produced this
// message with no Matrix-originated trigger at all.
func sourceTag(hadConversation bool) string {
	if hadConversation {
		return "CLI/API"
	}
	return "Direct"
}

func formatAuditBody(agentID, text string, hadConversation bool) (body, formatted string) {
	truncated := truncate(text, 500)
	tag := fmt.Sprintf("[%s]", sourceTag(hadConversation))
	prefix := "🖥️ **" + tag + "**"
	body = fmt.Sprintf("%s (%s) %s", prefix, agentID, truncated)
	formatted = "🖥️ <strong>" + html.EscapeString(tag) + "</strong> (" + html.EscapeString(agentID) + ") " + html.EscapeString(truncated)
	return body, formatted
}
