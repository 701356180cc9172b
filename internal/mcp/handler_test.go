package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachebash/backend/internal/analytics"
	"github.com/cachebash/backend/internal/auth"
	"github.com/cachebash/backend/internal/core"
	"github.com/cachebash/backend/internal/crypto"
	"github.com/cachebash/backend/internal/gate"
	"github.com/cachebash/backend/internal/ledger"
	"github.com/cachebash/backend/internal/ratelimit"
	"github.com/cachebash/backend/internal/store"
	"github.com/cachebash/backend/internal/tools"
	"github.com/cachebash/backend/internal/usage"
)

const testKey = "cb_mcp_key"

func testHandler(t *testing.T) (*Handler, *store.Memstore) {
	t.Helper()
	st := store.NewMemstore()
	require.NoError(t, st.Set(context.Background(), core.KeyIndexPath(crypto.HashKey(testKey)),
		map[string]interface{}{
			"tenantUid": "tenant1",
			"programId": "builder",
			"tier":      auth.TierPro,
			"active":    true,
		}))

	sink := ledger.NewSink(st, 1, 16)
	t.Cleanup(sink.Close)
	limiter := ratelimit.New()
	t.Cleanup(limiter.Stop)

	registry := tools.NewRegistry()
	registry.Register(tools.Definition{Name: "create_task", Description: "create"},
		func(ctx context.Context, ac *auth.Context, args map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"taskId": "t1"}, nil
		})
	registry.Register(tools.Definition{Name: "dream_activate", Description: "activate"},
		func(ctx context.Context, ac *auth.Context, args map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{}, nil
		})

	resolver := auth.NewResolver(st, nil, sink)
	g := gate.New(resolver, limiter, registry, sink, usage.NewRecorder(st, sink),
		analytics.New(st, sink, nil), gate.NewBudgetCache(st), nil)
	return NewHandler(st, g, resolver, nil, nil), st
}

func post(h *Handler, bearer, sid string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/mcp", bytes.NewReader([]byte(body)))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if sid != "" {
		req.Header.Set(SessionHeader, sid)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) *rpcResponse {
	t.Helper()
	var resp rpcResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return &resp
}

func initialize(t *testing.T, h *Handler) string {
	t.Helper()
	w := post(h, testKey, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	require.Equal(t, http.StatusOK, w.Code)
	sid := w.Header().Get(SessionHeader)
	require.NotEmpty(t, sid)
	return sid
}

func TestInitializeHandshake(t *testing.T) {
	h, st := testHandler(t)

	w := post(h, testKey, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	require.Equal(t, http.StatusOK, w.Code)

	sid := w.Header().Get(SessionHeader)
	require.Len(t, sid, 32, "16 random bytes hex-encoded")

	resp := decodeResponse(t, w)
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, protocolVersion, result["protocolVersion"])
	assert.Equal(t, "cachebash", result["serverInfo"].(map[string]interface{})["name"])

	// Handshake state is persisted under the tenant.
	_, err := st.Get(context.Background(), core.MCPSessionPath("tenant1", sid))
	assert.NoError(t, err)
}

func TestInitializeRejectsExistingSession(t *testing.T) {
	h, _ := testHandler(t)
	sid := initialize(t, h)

	w := post(h, testKey, sid, `{"jsonrpc":"2.0","id":2,"method":"initialize","params":{}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeResponse(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidRequest, resp.Error.Code)
}

func TestRequestsWithoutSessionAreRejected(t *testing.T) {
	h, _ := testHandler(t)

	w := post(h, testKey, "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeResponse(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeSession, resp.Error.Code)
	assert.Contains(t, resp.Error.Data, "REST")

	w = post(h, testKey, "deadbeefdeadbeefdeadbeefdeadbeef", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	resp = decodeResponse(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeSession, resp.Error.Code)
}

func TestUnauthenticatedPost(t *testing.T) {
	h, _ := testHandler(t)
	w := post(h, "", "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestToolsList(t *testing.T) {
	h, _ := testHandler(t)
	sid := initialize(t, h)

	w := post(h, testKey, sid, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse(t, w)
	require.Nil(t, resp.Error)

	list := resp.Result.(map[string]interface{})["tools"].([]interface{})
	names := map[string]bool{}
	for _, item := range list {
		entry := item.(map[string]interface{})
		names[entry["name"].(string)] = true
		assert.NotNil(t, entry["inputSchema"])
	}
	assert.True(t, names["create_task"])
	assert.True(t, names["dream_activate"])
}

func TestToolsCallSuccess(t *testing.T) {
	h, _ := testHandler(t)
	sid := initialize(t, h)

	w := post(h, testKey, sid,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"create_task","arguments":{"title":"x","target":"mason"}}}`)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse(t, w)
	require.Nil(t, resp.Error)

	result := resp.Result.(map[string]interface{})
	content := result["content"].([]interface{})
	require.Len(t, content, 1)
	assert.Contains(t, content[0].(map[string]interface{})["text"], "t1")
	assert.Nil(t, result["isError"])
}

func TestToolsCallDenialIsToolResult(t *testing.T) {
	h, _ := testHandler(t)
	sid := initialize(t, h)

	// builder lacks dream.write, so the gate denies; MCP clients get a
	// tool result with isError, not a JSON-RPC error.
	w := post(h, testKey, sid,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"dream_activate","arguments":{}}}`)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse(t, w)
	require.Nil(t, resp.Error)

	result := resp.Result.(map[string]interface{})
	assert.Equal(t, true, result["isError"])
	text := result["content"].([]interface{})[0].(map[string]interface{})["text"].(string)
	assert.Contains(t, text, "CAPABILITY_DENIED")
}

func TestPingAndNotifications(t *testing.T) {
	h, _ := testHandler(t)
	sid := initialize(t, h)

	w := post(h, testKey, sid, `{"jsonrpc":"2.0","id":5,"method":"ping"}`)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse(t, w)
	assert.Nil(t, resp.Error)

	// Notifications queue nothing; with an empty queue the poll times out
	// into 204.
	w = post(h, testKey, sid, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestUnknownMethod(t *testing.T) {
	h, _ := testHandler(t)
	sid := initialize(t, h)

	w := post(h, testKey, sid, `{"jsonrpc":"2.0","id":6,"method":"resources/list"}`)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeMethodNotFound, resp.Error.Code)
}

func TestBatchRequests(t *testing.T) {
	h, _ := testHandler(t)
	sid := initialize(t, h)

	w := post(h, testKey, sid,
		`[{"jsonrpc":"2.0","id":7,"method":"ping"},{"jsonrpc":"2.0","id":8,"method":"tools/list"}]`)
	require.Equal(t, http.StatusOK, w.Code)

	var batch []*rpcResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &batch))
	assert.Len(t, batch, 2)
}

func TestBatchRequiresInitializeFirst(t *testing.T) {
	h, _ := testHandler(t)

	// A fresh connection whose batch buries initialize behind another call
	// is out of order.
	w := post(h, testKey, "",
		`[{"jsonrpc":"2.0","id":1,"method":"tools/list"},{"jsonrpc":"2.0","id":2,"method":"initialize"}]`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeResponse(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidRequest, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "initialize must be the first request")
	assert.Empty(t, w.Header().Get(SessionHeader))

	// Same shape on an established session: reject before running anything.
	sid := initialize(t, h)
	w = post(h, testKey, sid,
		`[{"jsonrpc":"2.0","id":3,"method":"ping"},{"jsonrpc":"2.0","id":4,"method":"initialize"}]`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp = decodeResponse(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidRequest, resp.Error.Code)

	// The rejected batch left nothing queued on the session.
	w = post(h, testKey, sid, `{"jsonrpc":"2.0","id":5,"method":"ping"}`)
	require.Equal(t, http.StatusOK, w.Code)
	resp = decodeResponse(t, w)
	assert.Equal(t, "5", string(resp.ID))
}

func TestParseErrors(t *testing.T) {
	h, _ := testHandler(t)

	w := post(h, testKey, "", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeResponse(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeParse, resp.Error.Code)

	w = post(h, testKey, "", `[]`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp = decodeResponse(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidRequest, resp.Error.Code)
}

func TestDeleteTearsDownSession(t *testing.T) {
	h, st := testHandler(t)
	sid := initialize(t, h)

	req := httptest.NewRequest(http.MethodDelete, "/v1/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	req.Header.Set(SessionHeader, sid)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)

	_, err := st.Get(context.Background(), core.MCPSessionPath("tenant1", sid))
	assert.ErrorIs(t, err, store.ErrNotFound)

	// The torn-down session no longer validates.
	resp := post(h, testKey, sid, `{"jsonrpc":"2.0","id":9,"method":"ping"}`)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestHostAllowList(t *testing.T) {
	st := store.NewMemstore()
	sink := ledger.NewSink(st, 1, 16)
	t.Cleanup(sink.Close)
	h := NewHandler(st, nil, auth.NewResolver(st, nil, sink), []string{"api.cachebash.dev"}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/mcp", bytes.NewReader([]byte(`{}`)))
	req.Host = "evil.example.com"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	h, _ := testHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/mcp", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
