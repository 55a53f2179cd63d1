package agentsvc_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/agentsvc"
)

func TestClient_SendsBearerToken(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(agentsvc.Agent{ID: "agent-1", Name: "Test Agent"})
	}))
	defer ts.Close()

	client := agentsvc.New(ts.URL, "tok-abc")
	_, err := client.GetAgent(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if gotAuth != "Bearer tok-abc" {
		t.Errorf("Authorization header = %q; want %q", gotAuth, "Bearer tok-abc")
	}
}

func TestClient_NoTokenNoHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(agentsvc.Agent{ID: "agent-1"})
	}))
	defer ts.Close()

	client := agentsvc.New(ts.URL, "")
	_, err := client.GetAgent(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if gotAuth != "" {
		t.Errorf("Authorization header = %q; want empty", gotAuth)
	}
}

func TestClient_SendsRequestID(t *testing.T) {
	var gotReqID string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReqID = r.Header.Get("X-Request-ID")
		json.NewEncoder(w).Encode([]agentsvc.Agent{})
	}))
	defer ts.Close()

	client := agentsvc.New(ts.URL, "")
	_, _ = client.ListAgents(context.Background())
	if gotReqID == "" {
		t.Error("expected X-Request-ID header on GET request")
	}
}

func TestClient_SendPromptReturnsRunID(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req agentsvc.RunRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Message != "hello" {
			t.Errorf("expected message %q, got %q", "hello", req.Message)
		}
		json.NewEncoder(w).Encode(agentsvc.RunResponse{RunID: "run-123"})
	}))
	defer ts.Close()

	client := agentsvc.New(ts.URL, "")
	resp, err := client.SendPrompt(context.Background(), "agent-1", agentsvc.RunRequest{Message: "hello"})
	if err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	if resp.RunID != "run-123" {
		t.Errorf("RunID = %q; want %q", resp.RunID, "run-123")
	}
}

func TestClient_ErrorStatusIncludesBodySnippet(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer ts.Close()

	client := agentsvc.New(ts.URL, "")
	_, err := client.GetAgent(context.Background(), "agent-1")
	if err == nil {
		t.Fatal("expected error on 500 response")
	}
}
