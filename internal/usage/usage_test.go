package usage

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachebash/backend/internal/ledger"
	"github.com/cachebash/backend/internal/store"
)

func TestISOWeekBounds(t *testing.T) {
	// Scan a decade of days; every week number must stay in [1, 53].
	day := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	for day.Before(end) {
		w := ISOWeek(day)
		require.GreaterOrEqual(t, w, 1, day)
		require.LessOrEqual(t, w, 53, day)
		day = day.AddDate(0, 0, 1)
	}
}

func TestBuildAggregateKeysShapes(t *testing.T) {
	daily := regexp.MustCompile(`^daily_\d{4}-\d{2}-\d{2}$`)
	weekly := regexp.MustCompile(`^weekly_\d{4}-W\d{2}$`)
	monthly := regexp.MustCompile(`^monthly_\d{4}-\d{2}$`)

	dates := []time.Time{
		time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC),
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC),
		time.Date(2024, 2, 29, 12, 0, 0, 0, time.UTC),
	}
	for _, d := range dates {
		keys := BuildAggregateKeys(d)
		assert.Regexp(t, daily, keys.Daily, d)
		assert.Regexp(t, weekly, keys.Weekly, d)
		assert.Regexp(t, monthly, keys.Monthly, d)
	}
}

func TestBuildAggregateKeysKnownValues(t *testing.T) {
	keys := BuildAggregateKeys(time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, "daily_2026-08-24", keys.Daily)
	assert.Equal(t, "weekly_2026-W35", keys.Weekly)
	assert.Equal(t, "monthly_2026-08", keys.Monthly)

	// 2026-01-01 falls in ISO week 1 of 2026.
	keys = BuildAggregateKeys(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, "weekly_2026-W01", keys.Weekly)
}

func TestRecorderIncrements(t *testing.T) {
	m := store.NewMemstore()
	sink := ledger.NewSink(m, 1, 16)
	r := NewRecorder(m, sink)
	r.now = func() time.Time { return time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC) }

	r.Increment("tenant-1", TotalToolCalls, TasksCreated)
	r.Increment("tenant-1", TotalToolCalls)
	sink.Close()

	doc, err := m.Get(context.Background(), "tenants/tenant-1/usage/2026-08")
	require.NoError(t, err)
	assert.EqualValues(t, 2, doc.Data["total_tool_calls"])
	assert.EqualValues(t, 1, doc.Data["tasks_created"])
	assert.NotNil(t, doc.Data["updatedAt"])
}

func TestRecorderNoCountersIsNoop(t *testing.T) {
	m := store.NewMemstore()
	sink := ledger.NewSink(m, 1, 16)
	r := NewRecorder(m, sink)

	r.Increment("tenant-1")
	sink.Close()
	assert.Equal(t, 0, m.Len())
}
