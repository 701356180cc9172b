package loops

import (
	"context"
	"fmt"
	"time"

	"github.com/cachebash/backend/internal/core"
	"github.com/cachebash/backend/internal/lifecycle"
	"github.com/cachebash/backend/internal/store"
)

// orphanHeartbeatTimeout is how long an active task may go without a
// heartbeat before its claim is considered abandoned.
const orphanHeartbeatTimeout = 30 * time.Minute

// ReviveOrphans returns heartbeat-silent active tasks to the queue so
// another session can claim them. The owning session keeps no claim.
func (r *Runner) ReviveOrphans(ctx context.Context) (LoopStats, error) {
	stats := LoopStats{Loop: "orphan_revival"}
	start := r.now()

	cutoff := start.UTC().Add(-orphanHeartbeatTimeout)
	docs, err := r.store.CollectionGroup(ctx, core.ColTasks, store.Query{
		Filters: []store.Filter{
			store.Where("status", store.OpEqual, string(core.StatusActive)),
			store.Where("lastHeartbeat", store.OpLess, cutoff),
		},
		Limit: maxLoopBatch,
	})
	if err != nil {
		r.finish(&stats, start, err)
		return stats, fmt.Errorf("orphan revival: query: %w", err)
	}
	stats.Scanned = len(docs)

	for _, doc := range docs {
		var task core.Task
		if err := doc.DataTo(&task); err != nil {
			stats.Errors++
			continue
		}
		// Dreams time out on their own schedule; sprint stories follow their
		// sprint. Only plain tasks and questions are revived.
		kind := task.LifecycleKind()
		if kind != core.KindTask {
			continue
		}
		next, err := lifecycle.Transition(kind, task.Status, core.StatusCreated)
		if err != nil {
			stats.Errors++
			continue
		}

		tenant := tenantOf(doc)
		if err := r.store.Merge(ctx, doc.Path, map[string]interface{}{
			"status":        string(next),
			"sessionId":     "",
			"startedAt":     nil,
			"lastHeartbeat": nil,
			"revertReason":  "heartbeat_timeout",
		}); err != nil {
			stats.Errors++
			continue
		}
		stats.Modified++
		r.emit(tenant, core.EventTaskReverted, map[string]interface{}{
			"taskId": doc.ID, "previousSession": task.SessionID, "reason": "heartbeat_timeout",
		})
	}

	r.finish(&stats, start, nil)
	return stats, nil
}
