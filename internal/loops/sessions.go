package loops

import (
	"context"
	"fmt"
	"time"

	"github.com/cachebash/backend/internal/core"
	"github.com/cachebash/backend/internal/lifecycle"
	"github.com/cachebash/backend/internal/store"
)

// staleSessionThreshold is how long a session may go without a heartbeat
// before the archiver derezzes it.
const staleSessionThreshold = 24 * time.Hour

// ArchiveStaleSessions derezzes sessions whose heartbeat went silent past
// the threshold.
func (r *Runner) ArchiveStaleSessions(ctx context.Context) (LoopStats, error) {
	stats := LoopStats{Loop: "stale_sessions"}
	start := r.now()

	cutoff := start.UTC().Add(-staleSessionThreshold)
	docs, err := r.store.CollectionGroup(ctx, core.ColSessions, store.Query{
		Filters: []store.Filter{
			store.Where("status", store.OpEqual, string(core.StatusActive)),
			store.Where("lastHeartbeat", store.OpLess, cutoff),
		},
		Limit: maxLoopBatch,
	})
	if err != nil {
		r.finish(&stats, start, err)
		return stats, fmt.Errorf("stale sessions: query: %w", err)
	}
	stats.Scanned = len(docs)

	for _, doc := range docs {
		var sess core.Session
		if err := doc.DataTo(&sess); err != nil {
			stats.Errors++
			continue
		}
		next, err := lifecycle.Transition(core.KindSession, sess.Status, core.StatusDerezzed)
		if err != nil {
			stats.Errors++
			continue
		}

		tenant := tenantOf(doc)
		if err := r.store.Merge(ctx, doc.Path, map[string]interface{}{
			"status":   string(next),
			"archived": true,
		}); err != nil {
			stats.Errors++
			continue
		}
		stats.Modified++
		r.emit(tenant, core.EventSessionArchived, map[string]interface{}{
			"sessionId": doc.ID, "reason": "heartbeat_stale",
		})
	}

	r.finish(&stats, start, nil)
	return stats, nil
}
