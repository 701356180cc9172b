// Package mirror is the sync queue: mirror writes that failed or were
// deferred are queued per tenant and retried by a control loop with
// exponential backoff, abandoning after a fixed number of attempts.
package mirror

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/cachebash/backend/internal/core"
	"github.com/cachebash/backend/internal/events"
	"github.com/cachebash/backend/internal/ledger"
	"github.com/cachebash/backend/internal/store"
)

// Op names for queued mirror operations.
const (
	OpTaskCreated   = "task_created"
	OpTaskCompleted = "task_completed"
)

// Executor performs one mirror operation against the downstream mirror.
// The concrete mapping lives outside the coordination core.
type Executor interface {
	Execute(ctx context.Context, tenantUID string, op core.SyncOp) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, tenantUID string, op core.SyncOp) error

func (f ExecutorFunc) Execute(ctx context.Context, tenantUID string, op core.SyncOp) error {
	return f(ctx, tenantUID, op)
}

// NopExecutor succeeds without doing anything; used when no mirror is
// configured so queued items drain instead of accumulating.
type NopExecutor struct{}

func (NopExecutor) Execute(context.Context, string, core.SyncOp) error { return nil }

// Queue writes sync ops under tenants/{uid}/sync_queue.
type Queue struct {
	store store.Store
	sink  *ledger.Sink
}

// NewQueue wires the queue. sink carries the fire-and-forget enqueue writes.
func NewQueue(st store.Store, sink *ledger.Sink) *Queue {
	return &Queue{store: st, sink: sink}
}

// Enqueue queues a mirror op off the request path. A lost enqueue loses one
// mirror write, never coordination state.
func (q *Queue) Enqueue(tenantUID, op string, payload map[string]interface{}) {
	id := uuid.NewString()
	path := core.SyncQueuePath(tenantUID) + "/" + id
	q.sink.Submit("sync_enqueue", func(ctx context.Context) error {
		return q.store.Create(ctx, path, map[string]interface{}{
			"op":         op,
			"payload":    payload,
			"retryCount": 0,
			"status":     core.SyncQueued,
			"timestamp":  store.ServerTimestamp,
		})
	})
}

// Backoff returns the minimum age a queue item must reach before its next
// attempt: 2^retryCount minutes.
func Backoff(retryCount int) time.Duration {
	return time.Duration(math.Pow(2, float64(retryCount))) * time.Minute
}

// ProcessResult summarizes one processing pass.
type ProcessResult struct {
	Attempted  int
	Reconciled int
	Failed     int
	Abandoned  int
}

// ProcessTenant retries queued ops for one tenant, ordered by (retryCount,
// timestamp) so fresh items go first and oldest first within a retry tier.
// batchLimit bounds the pass.
func ProcessTenant(ctx context.Context, st store.Store, exec Executor, emitter events.Emitter,
	tenantUID string, batchLimit int, now time.Time) (ProcessResult, error) {

	var res ProcessResult

	docs, err := st.Query(ctx, core.SyncQueuePath(tenantUID), store.Query{
		Filters: []store.Filter{
			store.Where("status", store.OpEqual, core.SyncQueued),
			store.Where("retryCount", store.OpLess, core.SyncMaxRetries),
		},
		OrderBy: "retryCount",
		Limit:   batchLimit,
	})
	if err != nil {
		return res, err
	}

	type queued struct {
		doc *store.Doc
		op  core.SyncOp
	}
	items := make([]queued, 0, len(docs))
	for _, doc := range docs {
		var op core.SyncOp
		if err := doc.DataTo(&op); err != nil {
			slog.Warn("malformed sync op, skipping", "path", doc.Path, "error", err)
			continue
		}
		op.ID = doc.ID
		items = append(items, queued{doc: doc, op: op})
	}
	// The store orders on a single key; break retryCount ties on timestamp.
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].op, items[j].op
		if a.RetryCount != b.RetryCount {
			return a.RetryCount < b.RetryCount
		}
		switch {
		case a.Timestamp == nil:
			return b.Timestamp != nil
		case b.Timestamp == nil:
			return false
		default:
			return a.Timestamp.Before(*b.Timestamp)
		}
	})

	for _, item := range items {
		doc, op := item.doc, item.op

		if op.Timestamp != nil && now.Sub(*op.Timestamp) < Backoff(op.RetryCount) {
			continue
		}
		res.Attempted++

		execErr := exec.Execute(ctx, tenantUID, op)
		if execErr == nil {
			if derr := st.Delete(ctx, doc.Path); derr != nil {
				slog.Warn("sync op delete failed", "path", doc.Path, "error", derr)
				continue
			}
			res.Reconciled++
			if emitter != nil {
				emitter.Emit(tenantUID, core.EventSyncReconciled, "sync_queue", map[string]interface{}{
					"op": op.Op, "opId": op.ID, "retries": op.RetryCount,
				})
			}
			continue
		}

		op.RetryCount++
		update := map[string]interface{}{
			"retryCount": op.RetryCount,
			"lastError":  execErr.Error(),
		}
		if op.RetryCount >= core.SyncMaxRetries {
			update["status"] = core.SyncAbandoned
			res.Abandoned++
			if emitter != nil {
				emitter.Emit(tenantUID, core.EventSyncAbandoned, "sync_queue", map[string]interface{}{
					"op": op.Op, "opId": op.ID, "lastError": execErr.Error(),
				})
			}
		} else {
			res.Failed++
		}
		if merr := st.Merge(ctx, doc.Path, update); merr != nil {
			slog.Warn("sync op update failed", "path", doc.Path, "error", merr)
		}
	}
	return res, nil
}
