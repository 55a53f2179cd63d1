package proxy_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/convo"
	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/proxy"
)

func TestProxy_InjectsAgentIDIntoToolCallArguments(t *testing.T) {
	var gotBody map[string]interface{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	sessions := convo.NewSessionStore(time.Hour)
	p, err := proxy.New(upstream.URL, sessions)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	reqBody := `{"jsonrpc":"2.0","method":"tools/call","params":{"name":"search","arguments":{"query":"x"}}}`
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(reqBody))
	req.Header.Set("X-Agent-Id", "agent-1")
	req.Header.Set("Mcp-Session-Id", "sess-1")
	w := httptest.NewRecorder()

	p.ServeHTTP(w, req)

	params, _ := gotBody["params"].(map[string]interface{})
	args, _ := params["arguments"].(map[string]interface{})
	if args["__injected_agent_id"] != "agent-1" {
		t.Fatalf("expected __injected_agent_id=agent-1 in forwarded body, got %v", gotBody)
	}
}

func TestProxy_NonToolCallPassesThroughUnmodified(t *testing.T) {
	var gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	sessions := convo.NewSessionStore(time.Hour)
	p, err := proxy.New(upstream.URL, sessions)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	reqBody := `{"jsonrpc":"2.0","method":"ping","params":{}}`
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(reqBody))
	req.Header.Set("X-Agent-Id", "agent-1")
	w := httptest.NewRecorder()

	p.ServeHTTP(w, req)

	if gotBody != reqBody {
		t.Fatalf("expected body unmodified, got %q", gotBody)
	}
}

func TestProxy_BindsSessionFromRequestHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	sessions := convo.NewSessionStore(time.Hour)
	p, err := proxy.New(upstream.URL, sessions)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(`{}`))
	req.Header.Set("X-Agent-Id", "agent-1")
	req.Header.Set("Mcp-Session-Id", "sess-1")
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)

	agentID, ok := sessions.AgentFor("sess-1")
	if !ok || agentID != "agent-1" {
		t.Fatalf("expected session sess-1 bound to agent-1, got %q ok=%v", agentID, ok)
	}
}

