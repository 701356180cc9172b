// Package mcp serves the streaming-HTTP JSON-RPC transport on /v1/mcp.
// Clients handshake with initialize, carry the minted Mcp-Session-Id on
// every later request, and poll the per-session response queue with POST.
package mcp

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/cachebash/backend/internal/auth"
	"github.com/cachebash/backend/internal/gate"
	"github.com/cachebash/backend/internal/store"
)

const (
	// pollWindow bounds how long one POST waits for queued responses.
	pollWindow   = 2 * time.Second
	pollInterval = 50 * time.Millisecond

	maxBodyBytes = 1 << 20

	serverName    = "cachebash"
	serverVersion = "1.0.0"
)

// restFallbackHint tells clients with a broken session where to go instead.
const restFallbackHint = "session invalid; reinitialize or use the REST API under /v1"

// Handler serves /v1/mcp.
type Handler struct {
	store    store.Store
	gate     *gate.Gate
	resolver *auth.Resolver
	queues   *queueSet
	logger   *log.Logger

	// allowedHosts guards against DNS rebinding; empty means any host.
	allowedHosts map[string]bool
}

// NewHandler wires the transport. sessionGauge may be nil.
func NewHandler(st store.Store, g *gate.Gate, resolver *auth.Resolver, allowedHosts []string, sessionGauge func(delta float64)) *Handler {
	hosts := make(map[string]bool, len(allowedHosts))
	for _, h := range allowedHosts {
		hosts[h] = true
	}
	return &Handler{
		store:        st,
		gate:         g,
		resolver:     resolver,
		queues:       newQueueSet(sessionGauge),
		logger:       log.New(os.Stdout, "[MCP] ", log.LstdFlags),
		allowedHosts: hosts,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(h.allowedHosts) > 0 && !h.allowedHosts[r.Host] {
		writeRPC(w, http.StatusForbidden, errorFor(nil, codeInvalidRequest, "host not allowed", nil))
		return
	}

	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		writeRPC(w, http.StatusMethodNotAllowed, errorFor(nil, codeMethodNotFound,
			"method not allowed; POST JSON-RPC to this endpoint", nil))
	}
}

// authTenant resolves the bearer for session bookkeeping. Tool calls are
// re-authenticated by the gate.
func (h *Handler) authTenant(r *http.Request) *auth.Context {
	return h.resolver.Resolve(r.Context(), bearerToken(r))
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	if gerr := h.gate.PreAuth(clientIP(r)); gerr != nil {
		writeRPC(w, http.StatusTooManyRequests, errorFor(nil, codeInvalidRequest, gerr.Message, nil))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeRPC(w, http.StatusBadRequest, errorFor(nil, codeParse, "unreadable body", nil))
		return
	}

	reqs, batch, perr := parseRequests(body)
	if perr != nil {
		writeRPC(w, http.StatusBadRequest, perr)
		return
	}

	ac := h.authTenant(r)
	if ac == nil {
		writeRPC(w, http.StatusUnauthorized, errorFor(nil, codeInvalidRequest, "authentication required", nil))
		return
	}

	// initialize opens the handshake, so it may only lead a payload. Reject
	// before any earlier request takes effect.
	for i, req := range reqs {
		if req.Method == "initialize" && i > 0 {
			writeRPC(w, http.StatusBadRequest, errorFor(req.ID, codeInvalidRequest,
				"initialize must be the first request", nil))
			return
		}
	}

	sid := r.Header.Get(SessionHeader)
	minted := ""

	for _, req := range reqs {
		if req.Method == "initialize" {
			if sid != "" {
				writeRPC(w, http.StatusBadRequest, errorFor(req.ID, codeInvalidRequest,
					"initialize must not carry a session id", nil))
				return
			}
			newSID, err := h.createSession(r.Context(), ac.TenantUID, ac.UID)
			if err != nil {
				h.logger.Printf("initialize: %v", err)
				writeRPC(w, http.StatusInternalServerError, errorFor(req.ID, codeInternal, "internal error", nil))
				return
			}
			minted = newSID
			sid = newSID
			h.queues.push(sid, responseFor(req, map[string]interface{}{
				"protocolVersion": protocolVersion,
				"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
				"serverInfo":      map[string]interface{}{"name": serverName, "version": serverVersion},
			}))
			continue
		}

		if sid == "" {
			writeRPC(w, http.StatusBadRequest, errorFor(req.ID, codeSession,
				"missing session id", restFallbackHint))
			return
		}
		if minted == "" {
			if err := h.validateSession(r.Context(), ac.TenantUID, sid); err != nil {
				writeRPC(w, http.StatusNotFound, errorFor(req.ID, codeSession, err.Error(), restFallbackHint))
				return
			}
		}

		if resp := h.dispatch(r, ac, req); resp != nil {
			h.queues.push(sid, resp)
		}
	}

	if minted != "" {
		w.Header().Set(SessionHeader, minted)
	}
	h.respond(w, sid, batch)
}

// dispatch runs one request; nil means notification (no response).
func (h *Handler) dispatch(r *http.Request, ac *auth.Context, req *rpcRequest) *rpcResponse {
	switch req.Method {
	case "notifications/initialized":
		return nil
	case "ping":
		if req.isNotification() {
			return nil
		}
		return responseFor(req, map[string]interface{}{})
	case "tools/list":
		defs := h.gate.Registry().List()
		list := make([]map[string]interface{}, 0, len(defs))
		for _, d := range defs {
			entry := map[string]interface{}{
				"name":        d.Name,
				"description": d.Description,
			}
			if d.InputSchema != nil {
				entry["inputSchema"] = d.InputSchema
			} else {
				entry["inputSchema"] = map[string]interface{}{"type": "object"}
			}
			list = append(list, entry)
		}
		return responseFor(req, map[string]interface{}{"tools": list})
	case "tools/call":
		return h.toolCall(r, req)
	default:
		if req.isNotification() {
			return nil
		}
		return errorFor(req.ID, codeMethodNotFound, "method not found: "+req.Method, nil)
	}
}

// toolCall funnels through the gate; denials come back as tool results so
// MCP clients can show them.
func (h *Handler) toolCall(r *http.Request, req *rpcRequest) *rpcResponse {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return errorFor(req.ID, codeInvalidRequest, "tools/call requires a name", nil)
	}
	if params.Arguments == nil {
		params.Arguments = map[string]interface{}{}
	}

	result, gerr := h.gate.Invoke(r.Context(), gate.Request{
		Bearer:   bearerToken(r),
		ClientIP: clientIP(r),
		Tool:     params.Name,
		Args:     params.Arguments,
		Endpoint: "mcp",
	})
	if gerr != nil {
		return responseFor(req, toolResult{
			Content: []textContent{{Type: "text", Text: gerr.Code + ": " + gerr.Message}},
			IsError: true,
		})
	}

	text, err := json.Marshal(result)
	if err != nil {
		return errorFor(req.ID, codeInternal, "unencodable result", nil)
	}
	return responseFor(req, toolResult{Content: []textContent{{Type: "text", Text: string(text)}}})
}

// respond polls the session queue and writes whatever arrives in the window.
func (h *Handler) respond(w http.ResponseWriter, sid string, batch bool) {
	deadline := time.Now().Add(pollWindow)
	for {
		if out := h.queues.drain(sid); len(out) > 0 {
			if batch || len(out) > 1 {
				writeJSON(w, http.StatusOK, out)
			} else {
				writeJSON(w, http.StatusOK, out[0])
			}
			return
		}
		if time.Now().After(deadline) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		time.Sleep(pollInterval)
	}
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ac := h.authTenant(r)
	if ac == nil {
		writeRPC(w, http.StatusUnauthorized, errorFor(nil, codeInvalidRequest, "authentication required", nil))
		return
	}
	sid := r.Header.Get(SessionHeader)
	if sid == "" {
		writeRPC(w, http.StatusBadRequest, errorFor(nil, codeSession, "missing session id", nil))
		return
	}
	h.deleteSession(r.Context(), ac.TenantUID, sid)
	w.WriteHeader(http.StatusNoContent)
}

// parseRequests accepts a single request or a batch.
func parseRequests(body []byte) ([]*rpcRequest, bool, *rpcResponse) {
	trimmed := json.RawMessage(body)
	var single rpcRequest
	if err := json.Unmarshal(trimmed, &single); err == nil && single.Method != "" {
		return []*rpcRequest{&single}, false, nil
	}
	var many []*rpcRequest
	if err := json.Unmarshal(trimmed, &many); err == nil {
		if len(many) == 0 {
			return nil, true, errorFor(nil, codeInvalidRequest, "empty batch", nil)
		}
		return many, true, nil
	}
	return nil, false, errorFor(nil, codeParse, "invalid JSON-RPC payload", nil)
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host := r.RemoteAddr
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRPC(w http.ResponseWriter, status int, resp *rpcResponse) {
	writeJSON(w, status, resp)
}
