package loops

import (
	"context"
	"fmt"
	"sort"

	"github.com/cachebash/backend/internal/core"
	"github.com/cachebash/backend/internal/mirror"
	"github.com/cachebash/backend/internal/store"
)

// ProcessSyncQueue drains queued mirror operations tenant by tenant. Tenants
// are discovered from the queue itself via a collection-group scan.
func (r *Runner) ProcessSyncQueue(ctx context.Context) (LoopStats, error) {
	stats := LoopStats{Loop: "sync_queue"}
	start := r.now()

	docs, err := r.store.CollectionGroup(ctx, core.ColSyncQueue, store.Query{
		Filters: []store.Filter{
			store.Where("status", store.OpEqual, core.SyncQueued),
		},
		Limit: maxLoopBatch,
	})
	if err != nil {
		r.finish(&stats, start, err)
		return stats, fmt.Errorf("sync queue: discover tenants: %w", err)
	}
	stats.Scanned = len(docs)

	tenantSet := map[string]bool{}
	for _, doc := range docs {
		tenantSet[tenantOf(doc)] = true
	}
	tenants := make([]string, 0, len(tenantSet))
	for t := range tenantSet {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)

	for _, tenant := range tenants {
		res, err := mirror.ProcessTenant(ctx, r.store, r.syncExec, r.emitter, tenant, maxLoopBatch, start.UTC())
		if err != nil {
			r.logger.Printf("sync queue: tenant %s: %v", tenant, err)
			stats.Errors++
			continue
		}
		stats.Modified += res.Reconciled + res.Abandoned
		stats.Errors += res.Failed
	}

	r.finish(&stats, start, nil)
	return stats, nil
}
