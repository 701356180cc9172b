// Package usage meters per-tenant activity into monthly counter documents
// updated by server-side atomic increments.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/cachebash/backend/internal/core"
	"github.com/cachebash/backend/internal/ledger"
	"github.com/cachebash/backend/internal/store"
)

// Counter names are the field keys of the monthly usage document.
type Counter string

const (
	TasksCreated    Counter = "tasks_created"
	SessionsStarted Counter = "sessions_started"
	MessagesSent    Counter = "messages_sent"
	TotalToolCalls  Counter = "total_tool_calls"
)

// ISOWeek returns the ISO-8601 week number of t, always in [1, 53].
func ISOWeek(t time.Time) int {
	_, week := t.ISOWeek()
	return week
}

// AggregateKeys are the bucket names used when rolling events up per
// day/week/month.
type AggregateKeys struct {
	Daily   string
	Weekly  string
	Monthly string
}

// BuildAggregateKeys derives the bucket names for a point in time. The
// weekly key uses the ISO year, which can differ from the calendar year in
// the first and last days of a year.
func BuildAggregateKeys(t time.Time) AggregateKeys {
	isoYear, isoWeek := t.ISOWeek()
	return AggregateKeys{
		Daily:   "daily_" + t.Format("2006-01-02"),
		Weekly:  fmt.Sprintf("weekly_%04d-W%02d", isoYear, isoWeek),
		Monthly: "monthly_" + t.Format("2006-01"),
	}
}

// MonthKey is the usage document id for a point in time.
func MonthKey(t time.Time) string {
	return t.Format("2006-01")
}

// Recorder increments usage counters through the shared observability sink,
// so metering never blocks or fails a request.
type Recorder struct {
	store store.Store
	sink  *ledger.Sink
	now   func() time.Time
}

// NewRecorder wires the recorder to the store and sink.
func NewRecorder(st store.Store, sink *ledger.Sink) *Recorder {
	return &Recorder{store: st, sink: sink, now: time.Now}
}

// Increment bumps the named counters on this month's document.
func (r *Recorder) Increment(tenantID string, counters ...Counter) {
	if len(counters) == 0 {
		return
	}
	path := core.UsagePath(tenantID, MonthKey(r.now().UTC()))

	data := make(map[string]interface{}, len(counters)+1)
	for _, c := range counters {
		data[string(c)] = store.Increment(1)
	}
	data["updatedAt"] = store.ServerTimestamp

	r.sink.Submit("usage", func(ctx context.Context) error {
		return r.store.Merge(ctx, path, data)
	})
}
