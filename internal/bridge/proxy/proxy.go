// Package proxy implements the C5.4 session-aware reverse proxy that fronts
// the MCP tool-handler port. It extracts the caller's agent and session
// identity from request headers, injects that identity into JSON-RPC
// tools/call bodies so handlers don't need ambient per-request state, and
// streams everything else through untouched.
package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"

	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/convo"
)

// headerAgentID and headerSessionID are the request headers the proxy
// consults to bind a session to the agent acting on its behalf.
const (
	headerAgentID   = "X-Agent-Id"
	headerSessionID = "Mcp-Session-Id"
)

// injectedAgentKey is the JSON-RPC params.arguments field the proxy adds to
// every tools/call request so handlers can recover the caller's identity
// without relying on a thread-local or task-local execution context across
// the HTTP boundary (spec.md §9's explicit rejection of ambient
// propagation).
const injectedAgentKey = "__injected_agent_id"

// Proxy forwards requests to a single upstream handler port, rewriting
// JSON-RPC tools/call bodies in flight.
type Proxy struct {
	sessions *convo.SessionStore
	upstream *httputil.ReverseProxy
	target   *url.URL
}

// New builds a Proxy targeting upstreamURL (the internal MCP handler
// port), sharing sessions with the rest of the C5 conversation state.
func New(upstreamURL string, sessions *convo.SessionStore) (*Proxy, error) {
	target, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, err
	}
	p := &Proxy{sessions: sessions, target: target}
	p.upstream = &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(target)
			r.Out.Host = target.Host
		},
		ModifyResponse: p.captureSessionHeader,
	}
	return p, nil
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agentID := r.Header.Get(headerAgentID)
	sessionID := r.Header.Get(headerSessionID)
	if sessionID != "" && agentID != "" {
		p.sessions.Bind(sessionID, agentID)
	} else if sessionID != "" {
		if bound, ok := p.sessions.AgentFor(sessionID); ok {
			agentID = bound
		}
	}

	if agentID != "" && isToolCall(r) {
		if err := rewriteToolCallBody(r, agentID); err != nil {
			slog.Warn("proxy: failed to inject agent id into tool call body", "err", err)
		}
	}

	p.upstream.ServeHTTP(w, r)
}

// captureSessionHeader records a newly issued Mcp-Session-Id from the
// upstream response, binding it to the agent that made the request that
// produced it (read back off the request's own header, since the request
// object survives into ModifyResponse).
func (p *Proxy) captureSessionHeader(resp *http.Response) error {
	sessionID := resp.Header.Get(headerSessionID)
	if sessionID == "" {
		return nil
	}
	agentID := resp.Request.Header.Get(headerAgentID)
	if agentID != "" {
		p.sessions.Bind(sessionID, agentID)
	}
	return nil
}

// isToolCall reports whether r looks like it might carry a JSON-RPC
// tools/call request. The real determination happens in
// rewriteToolCallBody once the body is parsed; this is a cheap pre-filter
// so GET requests and bodiless requests skip the read-rewrite-reset cycle.
// Any POST body, JSON or not, is read and then forwarded unchanged when it
// is not a tools/call.
func isToolCall(r *http.Request) bool {
	return r.Method == http.MethodPost && r.Body != nil
}

// jsonRPCRequest is the minimal JSON-RPC envelope the proxy needs to
// recognise a tools/call and reach into params.arguments.
type jsonRPCRequest struct {
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params"`
}

// rewriteToolCallBody reads r's body, and if it is a JSON-RPC tools/call,
// injects injectedAgentKey into params.arguments, re-encodes, and resets
// both the body and Content-Length so the proxied request is well-formed.
func rewriteToolCallBody(r *http.Request, agentID string) error {
	raw, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		return err
	}

	var req jsonRPCRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.Method != "tools/call" {
		// Not a recognisable tools/call body; forward the original bytes
		// untouched.
		r.Body = io.NopCloser(bytes.NewReader(raw))
		r.ContentLength = int64(len(raw))
		return nil
	}

	var envelope map[string]interface{}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		r.Body = io.NopCloser(bytes.NewReader(raw))
		r.ContentLength = int64(len(raw))
		return err
	}

	params, _ := envelope["params"].(map[string]interface{})
	if params == nil {
		params = make(map[string]interface{})
		envelope["params"] = params
	}
	args, _ := params["arguments"].(map[string]interface{})
	if args == nil {
		args = make(map[string]interface{})
		params["arguments"] = args
	}
	args[injectedAgentKey] = agentID

	rewritten, err := json.Marshal(envelope)
	if err != nil {
		r.Body = io.NopCloser(bytes.NewReader(raw))
		r.ContentLength = int64(len(raw))
		return err
	}

	r.Body = io.NopCloser(bytes.NewReader(rewritten))
	r.ContentLength = int64(len(rewritten))
	r.Header.Set("Content-Length", strconv.Itoa(len(rewritten)))
	return nil
}
