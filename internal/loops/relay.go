package loops

import (
	"context"
	"fmt"
	"time"

	"github.com/cachebash/backend/internal/core"
	"github.com/cachebash/backend/internal/store"
)

// deadLetterAge is how long a message may sit pending before the
// dead-letter processor starts charging delivery attempts against it.
const deadLetterAge = time.Hour

// ExpireRelay sweeps the relay plane: pending messages past their expiry,
// pending messages older than the default TTL that never got an expiresAt
// stamp, previously expired messages still under their attempt cap, and
// delivered messages past twice their TTL (retention). The sweeps overlap,
// so results are deduplicated by path.
func (r *Runner) ExpireRelay(ctx context.Context) (LoopStats, error) {
	stats := LoopStats{Loop: "relay_expiry"}
	start := r.now()
	now := start.UTC()

	seen := map[string]*store.Doc{}
	collect := func(docs []*store.Doc) {
		for _, d := range docs {
			if _, ok := seen[d.Path]; !ok && len(seen) < maxLoopBatch {
				seen[d.Path] = d
			}
		}
	}

	expired, err := r.store.CollectionGroup(ctx, core.ColRelay, store.Query{
		Filters: []store.Filter{
			store.Where("status", store.OpEqual, core.RelayPending),
			store.Where("expiresAt", store.OpLess, now),
		},
		Limit: maxLoopBatch,
	})
	if err != nil {
		r.finish(&stats, start, err)
		return stats, fmt.Errorf("relay expiry: query expired: %w", err)
	}
	collect(expired)

	// Messages written before expiry stamping existed fall back to the
	// default TTL measured from createdAt.
	legacy, err := r.store.CollectionGroup(ctx, core.ColRelay, store.Query{
		Filters: []store.Filter{
			store.Where("status", store.OpEqual, core.RelayPending),
			store.Where("createdAt", store.OpLess, now.Add(-core.DefaultRelayTTLSeconds*time.Second)),
		},
		Limit: maxLoopBatch,
	})
	if err != nil {
		r.finish(&stats, start, err)
		return stats, fmt.Errorf("relay expiry: query legacy: %w", err)
	}
	collect(legacy)

	// Expired messages stay in the sweep so attempts keep accruing until
	// the cap dead-letters them.
	retrying, err := r.store.CollectionGroup(ctx, core.ColRelay, store.Query{
		Filters: []store.Filter{
			store.Where("status", store.OpEqual, core.RelayExpired),
		},
		Limit: maxLoopBatch,
	})
	if err != nil {
		r.finish(&stats, start, err)
		return stats, fmt.Errorf("relay expiry: query retrying: %w", err)
	}
	collect(retrying)

	delivered, err := r.store.CollectionGroup(ctx, core.ColRelay, store.Query{
		Filters: []store.Filter{
			store.Where("status", store.OpEqual, core.RelayDelivered),
			store.Where("createdAt", store.OpLess, now.Add(-2*core.DefaultRelayTTLSeconds*time.Second)),
		},
		Limit: maxLoopBatch,
	})
	if err != nil {
		r.finish(&stats, start, err)
		return stats, fmt.Errorf("relay expiry: query delivered: %w", err)
	}
	collect(delivered)

	stats.Scanned = len(seen)
	for path, doc := range seen {
		var msg core.RelayMessage
		if err := doc.DataTo(&msg); err != nil {
			stats.Errors++
			continue
		}
		tenant := tenantOf(doc)

		if msg.Status == core.RelayDelivered {
			// Retention: delivered messages past 2x TTL are deleted outright.
			if err := r.store.Delete(ctx, path); err != nil {
				stats.Errors++
				continue
			}
			stats.Modified++
			continue
		}

		if msg.DeliveryAttempts+1 >= msg.MaxDeliveryAttempts {
			if err := r.store.Merge(ctx, path, map[string]interface{}{
				"status":           core.RelayDeadLettered,
				"deadLetteredAt":   store.ServerTimestamp,
				"deliveryAttempts": store.Increment(1),
			}); err != nil {
				stats.Errors++
				continue
			}
			stats.Modified++
			r.emit(tenant, core.EventRelayDeadLetter, map[string]interface{}{
				"messageId": doc.ID, "messageType": string(msg.MessageType), "target": msg.Target,
			})
			continue
		}

		if err := r.store.Merge(ctx, path, map[string]interface{}{
			"status":           core.RelayExpired,
			"deliveryAttempts": store.Increment(1),
		}); err != nil {
			stats.Errors++
			continue
		}
		stats.Modified++
	}

	r.finish(&stats, start, nil)
	return stats, nil
}

// ProcessDeadLetters charges attempts against messages stuck undelivered
// for over an hour; messages at their attempt cap are copied into the
// tenant's dead_letters subcollection and removed from the live relay.
func (r *Runner) ProcessDeadLetters(ctx context.Context) (LoopStats, error) {
	stats := LoopStats{Loop: "dead_letters"}
	start := r.now()
	now := start.UTC()

	var docs []*store.Doc
	for _, status := range []string{core.RelayPending, core.RelayExpired} {
		batch, err := r.store.CollectionGroup(ctx, core.ColRelay, store.Query{
			Filters: []store.Filter{
				store.Where("status", store.OpEqual, status),
				store.Where("createdAt", store.OpLess, now.Add(-deadLetterAge)),
			},
			Limit: maxLoopBatch,
		})
		if err != nil {
			r.finish(&stats, start, err)
			return stats, fmt.Errorf("dead letters: query %s: %w", status, err)
		}
		docs = append(docs, batch...)
	}
	stats.Scanned = len(docs)

	for _, doc := range docs {
		var msg core.RelayMessage
		if err := doc.DataTo(&msg); err != nil {
			stats.Errors++
			continue
		}
		tenant := tenantOf(doc)

		if msg.DeliveryAttempts < msg.MaxDeliveryAttempts {
			if err := r.store.Merge(ctx, doc.Path, map[string]interface{}{
				"deliveryAttempts": store.Increment(1),
			}); err != nil {
				stats.Errors++
			} else {
				stats.Modified++
			}
			continue
		}

		// At cap: move the document out of the live relay.
		copied := make(map[string]interface{}, len(doc.Data)+2)
		for k, v := range doc.Data {
			copied[k] = v
		}
		copied["status"] = core.RelayDeadLettered
		copied["deadLetteredAt"] = store.ServerTimestamp
		copied["originalPath"] = doc.Path

		batch := r.store.Batch()
		batch.Set(core.DeadLettersPath(tenant)+"/"+doc.ID, copied)
		batch.Delete(doc.Path)
		if err := batch.Commit(ctx); err != nil {
			stats.Errors++
			continue
		}
		stats.Modified++
		r.emit(tenant, core.EventRelayDeadLetter, map[string]interface{}{
			"messageId": doc.ID, "target": msg.Target, "moved": true,
		})
	}

	r.finish(&stats, start, nil)
	return stats, nil
}
