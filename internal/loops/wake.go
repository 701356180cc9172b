package loops

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/cachebash/backend/internal/core"
	"github.com/cachebash/backend/internal/store"
)

// wakeFailureThreshold is how many consecutive probe failures mark the host
// unreachable and suspend spawning.
const wakeFailureThreshold = 3

// WakeDaemon finds created tasks whose target program has no active
// session and asks the host to spawn one. A failing host degrades the loop
// to probe-only until a probe succeeds again.
func (r *Runner) WakeDaemon(ctx context.Context) (LoopStats, error) {
	stats := LoopStats{Loop: "wake"}
	start := r.now()
	defer func() { r.finish(&stats, start, nil) }()

	if r.wakeHostURL == "" {
		return stats, nil
	}

	if !r.probeHost(ctx) {
		r.wakeFailures++
		if r.wakeFailures == wakeFailureThreshold {
			r.emit("system", core.EventHostUnreachable, map[string]interface{}{
				"hostUrl": r.wakeHostURL, "failures": r.wakeFailures,
			})
		}
		if r.wakeFailures >= wakeFailureThreshold {
			return stats, fmt.Errorf("wake: host unreachable after %d probes", r.wakeFailures)
		}
		return stats, nil
	}
	r.wakeFailures = 0

	docs, err := r.store.CollectionGroup(ctx, core.ColTasks, store.Query{
		Filters: []store.Filter{
			store.Where("status", store.OpEqual, string(core.StatusCreated)),
			store.Where("type", store.OpEqual, string(core.TaskTypeTask)),
		},
		Limit: maxLoopBatch,
	})
	if err != nil {
		return stats, fmt.Errorf("wake: query pending tasks: %w", err)
	}
	stats.Scanned = len(docs)

	// Group pending work by (tenant, target) so each sleeping program gets
	// at most one spawn per pass.
	type wakeKey struct{ tenant, target string }
	pending := map[wakeKey]int{}
	for _, doc := range docs {
		var task core.Task
		if err := doc.DataTo(&task); err != nil || task.Target == "" {
			continue
		}
		pending[wakeKey{tenantOf(doc), task.Target}]++
	}

	keys := make([]wakeKey, 0, len(pending))
	for k := range pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].tenant != keys[j].tenant {
			return keys[i].tenant < keys[j].tenant
		}
		return keys[i].target < keys[j].target
	})

	for _, k := range keys {
		awake, err := r.hasActiveSession(ctx, k.tenant, k.target)
		if err != nil {
			stats.Errors++
			continue
		}
		if awake {
			continue
		}
		if err := r.wakePacer.Wait(ctx); err != nil {
			return stats, err
		}
		if err := r.spawn(ctx, k.tenant, k.target, pending[k]); err != nil {
			r.logger.Printf("wake: spawn %s/%s: %v", k.tenant, k.target, err)
			stats.Errors++
			continue
		}
		stats.Modified++
		r.emit(k.tenant, core.EventProgramWake, map[string]interface{}{
			"target": k.target, "pendingTasks": pending[k],
		})
	}
	return stats, nil
}

func (r *Runner) probeHost(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.wakeHostURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := r.wakeClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

func (r *Runner) hasActiveSession(ctx context.Context, tenantUID, target string) (bool, error) {
	docs, err := r.store.Query(ctx, core.SessionsPath(tenantUID), store.Query{
		Filters: []store.Filter{
			store.Where("programId", store.OpEqual, target),
			store.Where("status", store.OpEqual, string(core.StatusActive)),
		},
		Limit: 1,
	})
	if err != nil {
		return false, err
	}
	return len(docs) > 0, nil
}

func (r *Runner) spawn(ctx context.Context, tenantUID, target string, pendingTasks int) error {
	body, err := json.Marshal(map[string]interface{}{
		"tenant":       tenantUID,
		"program":      target,
		"pendingTasks": pendingTasks,
		"requestedAt":  r.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.wakeHostURL+"/spawn", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.spawnClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("spawn returned %d", resp.StatusCode)
	}
	return nil
}
