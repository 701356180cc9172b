// Package analytics emits product events. Event is metadata-only by type:
// it has no free-text fields, so task titles, instructions, payloads, and
// question content cannot leak into the analytics stream no matter what a
// caller does.
package analytics

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cachebash/backend/internal/core"
	"github.com/cachebash/backend/internal/events"
	"github.com/cachebash/backend/internal/ledger"
	"github.com/cachebash/backend/internal/store"
)

// Event is one metadata-only product event.
type Event struct {
	Type          string
	Source        string
	Program       string
	Tool          string
	Outcome       string
	EntityID      string
	SessionID     string
	CorrelationID string
	DurationMs    int64
	Count         int
}

// Emitter persists events under the tenant and forwards them to the live
// event stream. Both paths are fire-and-forget.
type Emitter struct {
	store store.Store
	sink  *ledger.Sink
	bus   events.Emitter
}

// New wires the emitter. bus may be nil when no live stream exists (tests).
func New(st store.Store, sink *ledger.Sink, bus events.Emitter) *Emitter {
	return &Emitter{store: st, sink: sink, bus: bus}
}

// Emit publishes the event on the live stream and queues the persisted copy.
func (e *Emitter) Emit(tenantID string, evt Event) {
	data := evt.data()

	if e.bus != nil {
		e.bus.Emit(tenantID, evt.Type, evt.Source, data)
	}

	path := core.AnalyticsPath(tenantID) + "/" + uuid.NewString()
	doc := make(map[string]interface{}, len(data)+2)
	for k, v := range data {
		doc[k] = v
	}
	doc["type"] = evt.Type
	doc["createdAt"] = store.ServerTimestamp

	e.sink.Submit("analytics", func(ctx context.Context) error {
		return e.store.Create(ctx, path, doc)
	})
}

func (evt Event) data() map[string]interface{} {
	data := map[string]interface{}{}
	if evt.Source != "" {
		data["source"] = evt.Source
	}
	if evt.Program != "" {
		data["program"] = evt.Program
	}
	if evt.Tool != "" {
		data["tool"] = evt.Tool
	}
	if evt.Outcome != "" {
		data["outcome"] = evt.Outcome
	}
	if evt.EntityID != "" {
		data["entityId"] = evt.EntityID
	}
	if evt.SessionID != "" {
		data["sessionId"] = evt.SessionID
	}
	if evt.CorrelationID != "" {
		data["correlationId"] = evt.CorrelationID
	}
	if evt.DurationMs > 0 {
		data["durationMs"] = evt.DurationMs
	}
	if evt.Count > 0 {
		data["count"] = evt.Count
	}
	return data
}

// OperationalMetrics is the aggregation returned by get_operational_metrics.
type OperationalMetrics struct {
	Since       time.Time        `json:"since"`
	EventCounts map[string]int64 `json:"eventCounts"`
	Claims      int64            `json:"claims"`
	Contentions int64            `json:"contentions"`
	Buckets     struct {
		Daily   string `json:"daily"`
		Weekly  string `json:"weekly"`
		Monthly string `json:"monthly"`
	} `json:"buckets"`
}

// Aggregate counts analytics events by type since the given time and folds
// in claim/contention totals from the claim-event stream.
func Aggregate(ctx context.Context, st store.Store, tenantID string, since time.Time) (*OperationalMetrics, error) {
	out := &OperationalMetrics{
		Since:       since,
		EventCounts: map[string]int64{},
	}

	docs, err := st.Query(ctx, core.AnalyticsPath(tenantID), store.Query{
		Filters: []store.Filter{store.Where("createdAt", store.OpGreaterEqual, since)},
	})
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		if t, ok := d.Data["type"].(string); ok {
			out.EventCounts[t]++
		}
	}

	claims, err := st.Query(ctx, core.ClaimEventsPath(tenantID), store.Query{
		Filters: []store.Filter{store.Where("createdAt", store.OpGreaterEqual, since)},
	})
	if err != nil {
		return nil, err
	}
	for _, d := range claims {
		switch d.Data["outcome"] {
		case core.ClaimOutcomeClaimed:
			out.Claims++
		case core.ClaimOutcomeContention:
			out.Contentions++
		}
	}
	return out, nil
}
