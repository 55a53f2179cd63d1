// Package agentsvc is an HTTP client for the external agent service (Letta
// or a compatible OpenCode/custom deployment) that actually runs agent
// reasoning. The bridge calls it to resolve agent metadata, submit a
// Matrix-originated prompt as a run, and fetch prior messages for context;
// the agent service calls back into the bridge's webhook endpoints when a
// run completes or needs a tool selection.
package agentsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oculairmedia/matrix-agent-bridge/common/trace"
)

const (
	timeoutGet      = 10 * time.Second
	timeoutSend     = time.Hour
	timeoutWebhook  = 10 * time.Second
	maxResponseByte = 1 << 20
)

// Client talks to one agent service base URL (e.g. a Letta server).
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a Client. token, when non-empty, is sent as a bearer token on
// every request.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{},
	}
}

// Agent is the subset of agent-service metadata the bridge needs to
// provision an identity and a room for it.
type Agent struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Message is one turn in an agent's message history, used to backfill a
// freshly joined room or answer a GET /conversations diagnostic query.
type Message struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// RunRequest is the body of a prompt submission.
type RunRequest struct {
	Message  string `json:"message"`
	StreamOn bool   `json:"stream_steps,omitempty"`
}

// RunResponse is returned when a run is accepted for asynchronous
// processing; the agent service will call the bridge's webhook when it
// finishes.
type RunResponse struct {
	RunID string `json:"run_id"`
}

// WebhookConfig describes the callback URL and shared secret the bridge
// wants the agent service to use for run-completion notifications.
type WebhookConfig struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
}

// GetAgent fetches metadata for a single agent by ID.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutGet)
	defer cancel()
	var a Agent
	if err := c.get(ctx, "/v1/agents/"+agentID, &a); err != nil {
		return nil, fmt.Errorf("agentsvc: get agent %s: %w", agentID, err)
	}
	return &a, nil
}

// ListAgents returns every agent the service knows about.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutGet)
	defer cancel()
	var agents []Agent
	if err := c.get(ctx, "/v1/agents", &agents); err != nil {
		return nil, fmt.Errorf("agentsvc: list agents: %w", err)
	}
	return agents, nil
}

// ListMessages returns the agent's recent message history, most recent
// last, used when a newly provisioned agent room needs its first context.
func (c *Client) ListMessages(ctx context.Context, agentID string, limit int) ([]Message, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutGet)
	defer cancel()
	path := fmt.Sprintf("/v1/agents/%s/messages?limit=%d", agentID, limit)
	var messages []Message
	if err := c.get(ctx, path, &messages); err != nil {
		return nil, fmt.Errorf("agentsvc: list messages for %s: %w", agentID, err)
	}
	return messages, nil
}

// SendPrompt submits a Matrix-originated message to agentID as a new run.
// The agent service processes it asynchronously and reports completion via
// the configured webhook; the returned RunID is what the bridge uses to
// correlate that later callback with the ConversationState that started it.
func (c *Client) SendPrompt(ctx context.Context, agentID string, req RunRequest) (*RunResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutSend)
	defer cancel()
	var resp RunResponse
	if err := c.post(ctx, "/v1/agents/"+agentID+"/messages", req, &resp); err != nil {
		return nil, fmt.Errorf("agentsvc: send prompt to %s: %w", agentID, err)
	}
	return &resp, nil
}

// EnsureWebhook registers (or updates) the bridge's run-completion callback
// for agentID. Idempotent: calling it repeatedly with the same cfg is a
// no-op on the agent service side.
func (c *Client) EnsureWebhook(ctx context.Context, agentID string, cfg WebhookConfig) error {
	ctx, cancel := context.WithTimeout(ctx, timeoutWebhook)
	defer cancel()
	return c.post(ctx, "/v1/agents/"+agentID+"/webhook", cfg, nil)
}

// --- internal helpers, grounded on the teacher's acp.Client request/response plumbing ---

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.setCommonHeaders(req)
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setCommonHeaders(req)
	return c.do(req, out)
}

func (c *Client) setCommonHeaders(req *http.Request) {
	if traceID := trace.FromContext(req.Context()); traceID != "" {
		req.Header.Set("X-Trace-ID", traceID)
	}
	req.Header.Set("X-Request-ID", trace.GenerateID())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseByte))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode >= 400 {
		snippet := string(bodyBytes)
		if len(snippet) > 200 {
			snippet = snippet[:200] + "…"
		}
		return fmt.Errorf("agentsvc %s %s -> %d %s: %s", req.Method, req.URL.Path, resp.StatusCode, resp.Status, snippet)
	}

	if out != nil && len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
