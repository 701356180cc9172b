package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/cachebash/backend/internal/core"
	"github.com/cachebash/backend/internal/store"
)

// sessionIdleTimeout invalidates handshakes that go quiet.
const sessionIdleTimeout = 60 * time.Minute

// SessionHeader carries the minted session id on every request after
// initialize.
const SessionHeader = "Mcp-Session-Id"

// mintSessionID returns 16 random bytes hex-encoded.
func mintSessionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("mint session id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// createSession persists the handshake record under the tenant.
func (h *Handler) createSession(ctx context.Context, tenantUID, userUID string) (string, error) {
	sid, err := mintSessionID()
	if err != nil {
		return "", err
	}
	err = h.store.Set(ctx, core.MCPSessionPath(tenantUID, sid), map[string]interface{}{
		"userId":       userUID,
		"lastActivity": store.ServerTimestamp,
		"createdAt":    store.ServerTimestamp,
	})
	if err != nil {
		return "", fmt.Errorf("persist mcp session: %w", err)
	}
	h.queues.open(sid)
	return sid, nil
}

// validateSession loads the session doc, enforces the idle timeout, and
// bumps lastActivity.
func (h *Handler) validateSession(ctx context.Context, tenantUID, sid string) error {
	doc, err := h.store.Get(ctx, core.MCPSessionPath(tenantUID, sid))
	if err != nil {
		return fmt.Errorf("unknown session")
	}
	var sess core.MCPSession
	if err := doc.DataTo(&sess); err != nil {
		return fmt.Errorf("unknown session")
	}
	if sess.LastActivity != nil && time.Since(*sess.LastActivity) > sessionIdleTimeout {
		_ = h.store.Delete(ctx, doc.Path)
		h.queues.close(sid)
		return fmt.Errorf("session expired")
	}
	return h.store.Merge(ctx, doc.Path, map[string]interface{}{
		"lastActivity": store.ServerTimestamp,
	})
}

// deleteSession tears down the handshake.
func (h *Handler) deleteSession(ctx context.Context, tenantUID, sid string) {
	_ = h.store.Delete(ctx, core.MCPSessionPath(tenantUID, sid))
	h.queues.close(sid)
}

// queueSet holds the per-session in-process response queues.
type queueSet struct {
	mu     sync.Mutex
	queues map[string][]*rpcResponse
	gauge  func(delta float64)
}

func newQueueSet(gauge func(delta float64)) *queueSet {
	if gauge == nil {
		gauge = func(float64) {}
	}
	return &queueSet{queues: make(map[string][]*rpcResponse), gauge: gauge}
}

func (q *queueSet) open(sid string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queues[sid]; !ok {
		q.queues[sid] = nil
		q.gauge(1)
	}
}

func (q *queueSet) close(sid string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queues[sid]; ok {
		delete(q.queues, sid)
		q.gauge(-1)
	}
}

func (q *queueSet) push(sid string, resp *rpcResponse) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queues[sid]; !ok {
		q.gauge(1)
	}
	q.queues[sid] = append(q.queues[sid], resp)
}

// drain returns and clears everything queued for sid.
func (q *queueSet) drain(sid string) []*rpcResponse {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.queues[sid]
	if len(out) > 0 {
		q.queues[sid] = nil
	}
	return out
}
