package mirror

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachebash/backend/internal/core"
	"github.com/cachebash/backend/internal/ledger"
	"github.com/cachebash/backend/internal/store"
)

func TestBackoffDoubles(t *testing.T) {
	assert.Equal(t, 1*time.Minute, Backoff(0))
	assert.Equal(t, 2*time.Minute, Backoff(1))
	assert.Equal(t, 4*time.Minute, Backoff(2))
	assert.Equal(t, 8*time.Minute, Backoff(3))
	assert.Equal(t, 16*time.Minute, Backoff(4))
}

func TestEnqueueWritesQueuedOp(t *testing.T) {
	st := store.NewMemstore()
	sink := ledger.NewSink(st, 1, 16)
	q := NewQueue(st, sink)

	q.Enqueue("tenant1", OpTaskCreated, map[string]interface{}{"taskId": "t1"})
	sink.Close()

	docs, err := st.Query(context.Background(), core.SyncQueuePath("tenant1"), store.Query{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, OpTaskCreated, docs[0].Data["op"])
	assert.Equal(t, core.SyncQueued, docs[0].Data["status"])
	assert.Equal(t, 0, docs[0].Data["retryCount"])
	assert.NotNil(t, docs[0].Data["timestamp"])
}

func seedOp(t *testing.T, st *store.Memstore, id string, retryCount int, age time.Duration, now time.Time) {
	t.Helper()
	err := st.Set(context.Background(), core.SyncQueuePath("tenant1")+"/"+id, map[string]interface{}{
		"op":         OpTaskCreated,
		"payload":    map[string]interface{}{"taskId": id},
		"retryCount": retryCount,
		"status":     core.SyncQueued,
		"timestamp":  now.Add(-age),
	})
	require.NoError(t, err)
}

func TestProcessTenantReconciles(t *testing.T) {
	st := store.NewMemstore()
	ctx := context.Background()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	seedOp(t, st, "op1", 0, 2*time.Minute, now)

	var executed []string
	exec := ExecutorFunc(func(ctx context.Context, tenantUID string, op core.SyncOp) error {
		executed = append(executed, op.ID)
		return nil
	})

	res, err := ProcessTenant(ctx, st, exec, nil, "tenant1", 100, now)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempted)
	assert.Equal(t, 1, res.Reconciled)
	assert.Equal(t, []string{"op1"}, executed)

	// Reconciled ops are deleted.
	docs, err := st.Query(ctx, core.SyncQueuePath("tenant1"), store.Query{})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestProcessTenantHonorsBackoff(t *testing.T) {
	st := store.NewMemstore()
	ctx := context.Background()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	// retryCount 2 needs 4 minutes of age; this op is only 1 minute old.
	seedOp(t, st, "young", 2, time.Minute, now)

	res, err := ProcessTenant(ctx, st, NopExecutor{}, nil, "tenant1", 100, now)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Attempted)

	res, err = ProcessTenant(ctx, st, NopExecutor{}, nil, "tenant1", 100, now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reconciled)
}

func TestProcessTenantFailureIncrementsRetry(t *testing.T) {
	st := store.NewMemstore()
	ctx := context.Background()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	seedOp(t, st, "op1", 0, 2*time.Minute, now)

	exec := ExecutorFunc(func(context.Context, string, core.SyncOp) error {
		return errors.New("mirror unavailable")
	})
	res, err := ProcessTenant(ctx, st, exec, nil, "tenant1", 100, now)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Abandoned)

	doc, err := st.Get(ctx, core.SyncQueuePath("tenant1")+"/op1")
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Data["retryCount"])
	assert.Equal(t, core.SyncQueued, doc.Data["status"])
	assert.Equal(t, "mirror unavailable", doc.Data["lastError"])
}

func TestProcessTenantAbandonsAtMaxRetries(t *testing.T) {
	st := store.NewMemstore()
	ctx := context.Background()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	seedOp(t, st, "op1", core.SyncMaxRetries-1, 24*time.Hour, now)

	exec := ExecutorFunc(func(context.Context, string, core.SyncOp) error {
		return errors.New("still down")
	})
	res, err := ProcessTenant(ctx, st, exec, nil, "tenant1", 100, now)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Abandoned)

	doc, err := st.Get(ctx, core.SyncQueuePath("tenant1")+"/op1")
	require.NoError(t, err)
	assert.Equal(t, core.SyncAbandoned, doc.Data["status"])

	// Abandoned ops leave the queued query and are never retried again.
	res, err = ProcessTenant(ctx, st, exec, nil, "tenant1", 100, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Attempted)
}

func TestProcessTenantOrdersFreshFirst(t *testing.T) {
	st := store.NewMemstore()
	ctx := context.Background()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	seedOp(t, st, "worn", 3, 24*time.Hour, now)
	seedOp(t, st, "fresh", 0, 2*time.Minute, now)

	var order []string
	exec := ExecutorFunc(func(ctx context.Context, tenantUID string, op core.SyncOp) error {
		order = append(order, op.ID)
		return nil
	})
	_, err := ProcessTenant(ctx, st, exec, nil, "tenant1", 100, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh", "worn"}, order)
}

func TestProcessTenantOrdersOldestFirstWithinTier(t *testing.T) {
	st := store.NewMemstore()
	ctx := context.Background()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	seedOp(t, st, "late", 0, 3*time.Minute, now)
	seedOp(t, st, "early", 0, 10*time.Minute, now)
	seedOp(t, st, "mid", 0, 5*time.Minute, now)

	var order []string
	exec := ExecutorFunc(func(ctx context.Context, tenantUID string, op core.SyncOp) error {
		order = append(order, op.ID)
		return nil
	})
	_, err := ProcessTenant(ctx, st, exec, nil, "tenant1", 100, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"early", "mid", "late"}, order)
}
