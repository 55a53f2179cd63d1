package storage

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

// Per-operation timeouts, mirroring the ACP client's policy of per-call
// contexts rather than one shared http.Client timeout: reads are cheap and
// bounded tightly, the identity/agent-room writes get more slack because the
// remote store may itself be fsyncing or proxying to a database.
const (
	apiTimeoutRead  = 5 * time.Second
	apiTimeoutWrite = 10 * time.Second
)

// apiMaxResponseBytes caps how much of a response body APIBackend reads,
// guarding against a misbehaving remote store streaming unbounded data.
const apiMaxResponseBytes = 1 << 20 // 1 MiB

// APIBackend is the remote HTTP Storage backend from spec.md §4.1: every
// Backend method becomes one REST call against a central store shared by
// multiple bridge instances. 5xx responses and transport failures are
// classified as ErrUnavailable so callers retry instead of treating them as
// "no such record".
type APIBackend struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewAPIBackend creates a remote storage client. token is sent as a Bearer
// credential on every request; it is the storage_internal_key from Config.
func NewAPIBackend(baseURL, token string) *APIBackend {
	return &APIBackend{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{},
	}
}

func (a *APIBackend) Local() bool { return false }

func (a *APIBackend) Close() error { return nil }

func (a *APIBackend) GetIdentity(ctx context.Context, id string) (*Identity, error) {
	var out Identity
	if err := a.getJSON(ctx, "/identities/"+id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *APIBackend) GetIdentityByMXID(ctx context.Context, mxid string) (*Identity, error) {
	var out Identity
	if err := a.getJSON(ctx, "/identities/by-mxid/"+mxid, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *APIBackend) PutIdentity(ctx context.Context, identity *Identity) error {
	return a.putJSON(ctx, "/identities/"+identity.ID, identity)
}

func (a *APIBackend) ListIdentities(ctx context.Context) ([]*Identity, error) {
	var out []*Identity
	if err := a.getJSON(ctx, "/identities", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *APIBackend) DeleteIdentity(ctx context.Context, id string) error {
	return a.deleteJSON(ctx, "/identities/"+id)
}

func (a *APIBackend) GetDMRoom(ctx context.Context, key DMRoomKey) (*DMRoom, error) {
	var out DMRoom
	if err := a.getJSON(ctx, "/dm-rooms/"+string(key), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *APIBackend) PutDMRoom(ctx context.Context, room *DMRoom) error {
	return a.putJSON(ctx, "/dm-rooms/"+string(room.Key), room)
}

func (a *APIBackend) GetAgentRoom(ctx context.Context, agentID string) (*AgentRoom, error) {
	var out AgentRoom
	if err := a.getJSON(ctx, "/agent-rooms/"+agentID, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *APIBackend) PutAgentRoom(ctx context.Context, room *AgentRoom) error {
	return a.putJSON(ctx, "/agent-rooms/"+room.AgentID, room)
}

func (a *APIBackend) ListAgentRooms(ctx context.Context) ([]*AgentRoom, error) {
	var out []*AgentRoom
	if err := a.getJSON(ctx, "/agent-rooms", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *APIBackend) DeleteAgentRoom(ctx context.Context, agentID string) error {
	return a.deleteJSON(ctx, "/agent-rooms/"+agentID)
}

func (a *APIBackend) GetSpaceConfig(ctx context.Context) (*SpaceConfig, error) {
	var out SpaceConfig
	if err := a.getJSON(ctx, "/space-config", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *APIBackend) PutSpaceConfig(ctx context.Context, cfg *SpaceConfig) error {
	return a.putJSON(ctx, "/space-config", cfg)
}

// --- internal helpers ---

func (a *APIBackend) getJSON(ctx context.Context, path string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, apiTimeoutRead)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return err
	}
	a.setCommonHeaders(req)
	return a.do(req, out)
}

func (a *APIBackend) putJSON(ctx context.Context, path string, body interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, apiTimeoutWrite)
	defer cancel()
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("storage: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, a.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	a.setCommonHeaders(req)
	return a.do(req, nil)
}

func (a *APIBackend) deleteJSON(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, apiTimeoutWrite)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, a.baseURL+path, nil)
	if err != nil {
		return err
	}
	a.setCommonHeaders(req)
	return a.do(req, nil)
}

func (a *APIBackend) setCommonHeaders(req *http.Request) {
	if traceID := trace.FromContext(req.Context()); traceID != "" {
		req.Header.Set("X-Trace-ID", traceID)
	}
	req.Header.Set("X-Request-ID", trace.GenerateID())
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
}

func (a *APIBackend) do(req *http.Request, out interface{}) error {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, apiMaxResponseBytes)
	bodyBytes, err := io.ReadAll(limited)
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s %s -> %d", ErrUnavailable, req.Method, req.URL.Path, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("storage api: %s %s -> %d: %s", req.Method, req.URL.Path, resp.StatusCode, string(bodyBytes))
	}

	if out != nil && len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, out); err != nil {
			return fmt.Errorf("storage api: unmarshal response: %w", err)
		}
	}
	return nil
}
