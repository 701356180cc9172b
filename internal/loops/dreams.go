package loops

import (
	"context"
	"fmt"
	"time"

	"github.com/cachebash/backend/internal/core"
	"github.com/cachebash/backend/internal/lifecycle"
	"github.com/cachebash/backend/internal/store"
)

// TimeoutDreams fails active dreams that outlived startedAt plus their
// configured timeout_hours.
func (r *Runner) TimeoutDreams(ctx context.Context) (LoopStats, error) {
	stats := LoopStats{Loop: "dream_timeout"}
	start := r.now()

	docs, err := r.store.CollectionGroup(ctx, core.ColTasks, store.Query{
		Filters: []store.Filter{
			store.Where("type", store.OpEqual, string(core.TaskTypeDream)),
			store.Where("status", store.OpEqual, string(core.StatusActive)),
		},
		Limit: maxLoopBatch,
	})
	if err != nil {
		r.finish(&stats, start, err)
		return stats, fmt.Errorf("dream timeout: query: %w", err)
	}
	stats.Scanned = len(docs)

	now := start.UTC()
	for _, doc := range docs {
		var task core.Task
		if err := doc.DataTo(&task); err != nil || task.Dream == nil || task.StartedAt == nil {
			continue
		}
		deadline := task.StartedAt.Add(time.Duration(task.Dream.TimeoutHours * float64(time.Hour)))
		if now.Before(deadline) {
			continue
		}
		next, err := lifecycle.Transition(core.KindDream, task.Status, core.StatusFailed)
		if err != nil {
			stats.Errors++
			continue
		}

		outcome := fmt.Sprintf("timed out after %.1f hours", task.Dream.TimeoutHours)
		tenant := tenantOf(doc)
		if err := r.store.Merge(ctx, doc.Path, map[string]interface{}{
			"status":      string(next),
			"completedAt": store.ServerTimestamp,
			"dream":       map[string]interface{}{"outcome": outcome},
		}); err != nil {
			stats.Errors++
			continue
		}
		stats.Modified++
		r.emit(tenant, core.EventDreamTimeout, map[string]interface{}{
			"dreamId": doc.ID, "agent": task.Dream.Agent, "outcome": outcome,
		})
	}

	r.finish(&stats, start, nil)
	return stats, nil
}
