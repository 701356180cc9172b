package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cachebash/backend/internal/core"
	"github.com/cachebash/backend/internal/store"
)

// budgetCacheTTL bounds how stale a cached dream-budget verdict may be.
// Activation and killing invalidate eagerly; the TTL covers consumption
// creeping past the cap between invalidations.
const budgetCacheTTL = 60 * time.Second

type budgetVerdict struct {
	err     *Error // nil when the dream admits calls
	expires time.Time
}

// BudgetCache answers "may this session's tool calls proceed" for sessions
// linked to dreams, caching per (tenant, programId).
type BudgetCache struct {
	store store.Store

	mu      sync.Mutex
	entries map[string]budgetVerdict

	now func() time.Time
}

// NewBudgetCache wires the cache to the store.
func NewBudgetCache(st store.Store) *BudgetCache {
	return &BudgetCache{
		store:   st,
		entries: make(map[string]budgetVerdict),
		now:     time.Now,
	}
}

func budgetKey(tenantUID, programID string) string {
	return tenantUID + ":" + programID
}

// Check fails closed when the session's dream is killed or over budget. A
// session without a dream link always passes.
func (b *BudgetCache) Check(ctx context.Context, tenantUID, programID, sessionID string) *Error {
	if sessionID == "" {
		return nil
	}

	key := budgetKey(tenantUID, programID)
	b.mu.Lock()
	if v, ok := b.entries[key]; ok && b.now().Before(v.expires) {
		b.mu.Unlock()
		return v.err
	}
	b.mu.Unlock()

	verdict := b.lookup(ctx, tenantUID, sessionID)

	b.mu.Lock()
	b.entries[key] = budgetVerdict{err: verdict, expires: b.now().Add(budgetCacheTTL)}
	b.mu.Unlock()
	return verdict
}

// lookup reads session -> dream from the store. Store failures admit the
// call: budget enforcement is a guard rail, not an availability dependency.
func (b *BudgetCache) lookup(ctx context.Context, tenantUID, sessionID string) *Error {
	doc, err := b.store.Get(ctx, core.SessionPath(tenantUID, sessionID))
	if err != nil {
		return nil
	}
	var sess core.Session
	if err := doc.DataTo(&sess); err != nil || sess.DreamID == "" {
		return nil
	}

	dreamDoc, err := b.store.Get(ctx, core.TaskPath(tenantUID, sess.DreamID))
	if err != nil {
		return nil
	}
	var dream core.Task
	if err := dreamDoc.DataTo(&dream); err != nil || dream.Dream == nil {
		return nil
	}

	switch dream.Status {
	case core.StatusFailed, core.StatusDerezzed:
		return &Error{
			Code:    CodeDreamKilled,
			Message: fmt.Sprintf("DREAM_KILLED: dream %s is %s", sess.DreamID, dream.Status),
		}
	}
	if dream.Dream.BudgetConsumedUSD >= dream.Dream.BudgetCapUSD {
		return &Error{
			Code: CodeBudgetExceeded,
			Message: fmt.Sprintf("BUDGET_EXCEEDED: dream %s consumed %.2f of %.2f USD",
				sess.DreamID, dream.Dream.BudgetConsumedUSD, dream.Dream.BudgetCapUSD),
		}
	}
	return nil
}

// Invalidate drops the cached verdict for a tenant/program pair. Called on
// dream activation and killing.
func (b *BudgetCache) Invalidate(tenantUID, programID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, budgetKey(tenantUID, programID))
}
