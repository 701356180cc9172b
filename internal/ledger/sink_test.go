package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachebash/backend/internal/core"
	"github.com/cachebash/backend/internal/store"
)

func TestSinkRecordWritesEntry(t *testing.T) {
	m := store.NewMemstore()
	s := NewSink(m, 2, 16)

	allowed := true
	s.Record("tenant-1", core.LedgerEntry{
		Type:          core.LedgerCost,
		Tool:          "create_task",
		ProgramID:     "builder",
		DurationMs:    42,
		Success:       true,
		CorrelationID: "corr-1",
	})
	s.RecordAudit("tenant-1", core.LedgerEntry{
		Tool:    "create_task",
		Allowed: &allowed,
		Success: true,
	})

	s.Close()

	docs, err := m.Query(context.Background(), "tenants/tenant-1/ledger", store.Query{})
	require.NoError(t, err)
	require.Len(t, docs, 2)

	byType := map[string]*store.Doc{}
	for _, d := range docs {
		byType[d.Data["type"].(string)] = d
	}

	cost := byType["cost"]
	require.NotNil(t, cost)
	assert.Equal(t, "create_task", cost.Data["tool"])
	assert.EqualValues(t, 42, cost.Data["durationMs"])
	assert.NotNil(t, cost.Data["timestamp"], "server timestamp stamped")

	audit := byType["audit"]
	require.NotNil(t, audit)
	assert.Equal(t, true, audit.Data["allowed"])
}

func TestSinkDropsWhenFull(t *testing.T) {
	m := store.NewMemstore()
	s := NewSink(m, 1, 1)

	block := make(chan struct{})
	s.Submit("slow", func(ctx context.Context) error {
		<-block
		return nil
	})
	// Give the worker a beat to pick up the blocking job.
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 5; i++ {
		s.Submit("noop", func(ctx context.Context) error { return nil })
	}

	stats := s.Stats()
	assert.Greater(t, stats["dropped"], int64(0))

	close(block)
	s.Close()
}

func TestSinkSwallowsWriteErrors(t *testing.T) {
	m := store.NewMemstore()
	s := NewSink(m, 1, 4)

	s.Submit("failing", func(ctx context.Context) error { return errors.New("backend down") })
	s.Close()

	assert.EqualValues(t, 1, s.Stats()["failed"])
}

func TestSinkSubmitAfterCloseIsNoop(t *testing.T) {
	s := NewSink(store.NewMemstore(), 1, 4)
	s.Close()
	// Must not panic.
	s.Submit("late", func(ctx context.Context) error { return nil })
}
