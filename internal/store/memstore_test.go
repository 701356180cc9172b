package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemstoreCRUD(t *testing.T) {
	ctx := context.Background()
	m := NewMemstore()

	err := m.Create(ctx, "tenants/u1/tasks/t1", map[string]interface{}{"title": "first"})
	require.NoError(t, err)

	err = m.Create(ctx, "tenants/u1/tasks/t1", map[string]interface{}{"title": "dup"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	doc, err := m.Get(ctx, "tenants/u1/tasks/t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", doc.ID)
	assert.Equal(t, "first", doc.Data["title"])

	require.NoError(t, m.Delete(ctx, "tenants/u1/tasks/t1"))
	_, err = m.Get(ctx, "tenants/u1/tasks/t1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is not an error.
	assert.NoError(t, m.Delete(ctx, "tenants/u1/tasks/t1"))
}

func TestMemstoreServerTimestamp(t *testing.T) {
	ctx := context.Background()
	m := NewMemstore()
	fixed := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	m.Clock = func() time.Time { return fixed }

	require.NoError(t, m.Set(ctx, "tenants/u1/tasks/t1", map[string]interface{}{
		"createdAt": ServerTimestamp,
	}))

	doc, err := m.Get(ctx, "tenants/u1/tasks/t1")
	require.NoError(t, err)
	assert.Equal(t, fixed, doc.Data["createdAt"])
}

func TestMemstoreMergeAndIncrement(t *testing.T) {
	ctx := context.Background()
	m := NewMemstore()

	require.NoError(t, m.Set(ctx, "tenants/u1/usage/2026-03", map[string]interface{}{
		"total_tool_calls": 1,
		"nested":           map[string]interface{}{"keep": "me"},
	}))

	require.NoError(t, m.Merge(ctx, "tenants/u1/usage/2026-03", map[string]interface{}{
		"total_tool_calls": Increment(2),
		"tasks_created":    Increment(1),
		"nested":           map[string]interface{}{"add": "too"},
	}))

	doc, err := m.Get(ctx, "tenants/u1/usage/2026-03")
	require.NoError(t, err)
	assert.EqualValues(t, 3, doc.Data["total_tool_calls"])
	assert.EqualValues(t, 1, doc.Data["tasks_created"])

	nested := doc.Data["nested"].(map[string]interface{})
	assert.Equal(t, "me", nested["keep"])
	assert.Equal(t, "too", nested["add"])
}

func TestMemstoreNestedSentinels(t *testing.T) {
	ctx := context.Background()
	m := NewMemstore()

	require.NoError(t, m.Set(ctx, "tenants/u1/tasks/t1", map[string]interface{}{
		"dream": map[string]interface{}{"budget_consumed_usd": 0.5, "agent": "oracle"},
	}))

	// Sentinels resolve inside nested maps, not just at the top level.
	require.NoError(t, m.Merge(ctx, "tenants/u1/tasks/t1", map[string]interface{}{
		"dream": map[string]interface{}{
			"budget_consumed_usd": IncrementFloat(0.25),
			"lastAccrualAt":       ServerTimestamp,
		},
	}))

	doc, err := m.Get(ctx, "tenants/u1/tasks/t1")
	require.NoError(t, err)
	dream := doc.Data["dream"].(map[string]interface{})
	assert.InDelta(t, 0.75, dream["budget_consumed_usd"].(float64), 1e-9)
	assert.Equal(t, "oracle", dream["agent"])
	assert.NotNil(t, dream["lastAccrualAt"])
}

func TestMemstoreIncrementFloat(t *testing.T) {
	ctx := context.Background()
	m := NewMemstore()

	require.NoError(t, m.Set(ctx, "tenants/u1/tasks/d1", map[string]interface{}{
		"dream": map[string]interface{}{"budget_consumed_usd": 0.25},
	}))
	require.NoError(t, m.Merge(ctx, "tenants/u1/tasks/d1", map[string]interface{}{
		"dream": map[string]interface{}{"budget_consumed_usd": IncrementFloat(0.5)},
	}))

	doc, err := m.Get(ctx, "tenants/u1/tasks/d1")
	require.NoError(t, err)
	dream := doc.Data["dream"].(map[string]interface{})
	assert.InDelta(t, 0.75, dream["budget_consumed_usd"].(float64), 1e-9)
}

func TestMemstoreQueryFiltersOrderLimit(t *testing.T) {
	ctx := context.Background()
	m := NewMemstore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, status := range []string{"created", "created", "active", "done"} {
		require.NoError(t, m.Set(ctx, "tenants/u1/tasks/t"+string(rune('a'+i)), map[string]interface{}{
			"status":    status,
			"target":    "builder",
			"createdAt": base.Add(time.Duration(i) * time.Hour),
		}))
	}

	docs, err := m.Query(ctx, "tenants/u1/tasks", Query{
		Filters: []Filter{Where("status", OpEqual, "created")},
		OrderBy: "createdAt",
		Desc:    true,
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "tb", docs[0].ID)
	assert.Equal(t, "ta", docs[1].ID)

	docs, err = m.Query(ctx, "tenants/u1/tasks", Query{
		Filters: []Filter{Where("status", OpIn, []string{"created", "active"})},
		Limit:   2,
	})
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	docs, err = m.Query(ctx, "tenants/u1/tasks", Query{
		Filters: []Filter{Where("createdAt", OpLess, base.Add(30 * time.Minute))},
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "ta", docs[0].ID)
}

func TestMemstoreQueryExcludesSubcollections(t *testing.T) {
	ctx := context.Background()
	m := NewMemstore()

	require.NoError(t, m.Set(ctx, "tenants/u1/tasks/t1", map[string]interface{}{"x": 1}))
	require.NoError(t, m.Set(ctx, "tenants/u1/tasks/t1/notes/n1", map[string]interface{}{"x": 2}))

	docs, err := m.Query(ctx, "tenants/u1/tasks", Query{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "t1", docs[0].ID)
}

func TestMemstoreArrayContains(t *testing.T) {
	ctx := context.Background()
	m := NewMemstore()

	require.NoError(t, m.Set(ctx, "canonical_accounts/h1", map[string]interface{}{
		"canonicalUid":  "u-canon",
		"alternateUids": []string{"u-alt-1", "u-alt-2"},
	}))

	docs, err := m.Query(ctx, "canonical_accounts", Query{
		Filters: []Filter{Where("alternateUids", OpArrayContains, "u-alt-2")},
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "u-canon", docs[0].Data["canonicalUid"])

	docs, err = m.Query(ctx, "canonical_accounts", Query{
		Filters: []Filter{Where("alternateUids", OpArrayContains, "nobody")},
	})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestMemstoreCollectionGroup(t *testing.T) {
	ctx := context.Background()
	m := NewMemstore()

	require.NoError(t, m.Set(ctx, "tenants/u1/relay/m1", map[string]interface{}{"status": "pending"}))
	require.NoError(t, m.Set(ctx, "tenants/u2/relay/m2", map[string]interface{}{"status": "pending"}))
	require.NoError(t, m.Set(ctx, "tenants/u2/relay/m3", map[string]interface{}{"status": "delivered"}))
	require.NoError(t, m.Set(ctx, "tenants/u2/tasks/t1", map[string]interface{}{"status": "pending"}))

	docs, err := m.CollectionGroup(ctx, "relay", Query{
		Filters: []Filter{Where("status", OpEqual, "pending")},
	})
	require.NoError(t, err)
	assert.Len(t, docs, 2)
	for _, d := range docs {
		assert.NotEmpty(t, ParentTenant(d.Path))
	}
}

func TestMemstoreTransactionClaimPattern(t *testing.T) {
	ctx := context.Background()
	m := NewMemstore()

	require.NoError(t, m.Set(ctx, "tenants/u1/tasks/t1", map[string]interface{}{
		"status": "created",
	}))

	err := m.RunTransaction(ctx, func(tx Tx) error {
		doc, err := tx.Get("tenants/u1/tasks/t1")
		if err != nil {
			return err
		}
		require.Equal(t, "created", doc.Data["status"])
		return tx.Merge("tenants/u1/tasks/t1", map[string]interface{}{
			"status":    "active",
			"sessionId": "sess-1",
		})
	})
	require.NoError(t, err)

	doc, err := m.Get(ctx, "tenants/u1/tasks/t1")
	require.NoError(t, err)
	assert.Equal(t, "active", doc.Data["status"])
	assert.Equal(t, "sess-1", doc.Data["sessionId"])
}

func TestMemstoreTransactionReadsOwnWrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemstore()

	err := m.RunTransaction(ctx, func(tx Tx) error {
		require.NoError(t, tx.Set("tenants/u1/tasks/t1", map[string]interface{}{"n": 1}))
		doc, err := tx.Get("tenants/u1/tasks/t1")
		require.NoError(t, err)
		assert.EqualValues(t, 1, doc.Data["n"])
		return nil
	})
	require.NoError(t, err)
}

func TestMemstoreTransactionErrorDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemstore()

	err := m.RunTransaction(ctx, func(tx Tx) error {
		_ = tx.Set("tenants/u1/tasks/t1", map[string]interface{}{"n": 1})
		return assert.AnError
	})
	require.Error(t, err)

	_, err = m.Get(ctx, "tenants/u1/tasks/t1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemstoreBatch(t *testing.T) {
	ctx := context.Background()
	m := NewMemstore()

	b := m.Batch()
	b.Set("tenants/u1/tasks/t1", map[string]interface{}{"n": 1})
	b.Set("tenants/u1/tasks/t2", map[string]interface{}{"n": 2})
	b.Delete("tenants/u1/tasks/t2")
	require.Equal(t, 3, b.Len())
	require.NoError(t, b.Commit(ctx))

	_, err := m.Get(ctx, "tenants/u1/tasks/t1")
	assert.NoError(t, err)
	_, err = m.Get(ctx, "tenants/u1/tasks/t2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemstoreBatchCeiling(t *testing.T) {
	ctx := context.Background()
	m := NewMemstore()

	b := m.Batch()
	for i := 0; i < MaxBatchWrites+1; i++ {
		b.Set("tenants/u1/tasks/t", map[string]interface{}{"n": i})
	}
	assert.Error(t, b.Commit(ctx))
}

func TestMemstoreDocDataTo(t *testing.T) {
	ctx := context.Background()
	m := NewMemstore()
	created := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, m.Set(ctx, "tenants/u1/tasks/t1", map[string]interface{}{
		"id":        "t1",
		"title":     "decode me",
		"status":    "created",
		"createdAt": created,
		"cost_usd":  0.5,
	}))

	doc, err := m.Get(ctx, "tenants/u1/tasks/t1")
	require.NoError(t, err)

	var out struct {
		ID        string     `json:"id"`
		Title     string     `json:"title"`
		Status    string     `json:"status"`
		CreatedAt *time.Time `json:"createdAt"`
		CostUSD   float64    `json:"cost_usd"`
	}
	require.NoError(t, doc.DataTo(&out))
	assert.Equal(t, "decode me", out.Title)
	assert.Equal(t, "created", out.Status)
	require.NotNil(t, out.CreatedAt)
	assert.True(t, created.Equal(*out.CreatedAt))
	assert.InDelta(t, 0.5, out.CostUSD, 1e-9)
}

func TestSplitPathValidation(t *testing.T) {
	_, err := SplitPath("")
	assert.Error(t, err)
	_, err = SplitPath("tenants//tasks")
	assert.Error(t, err)

	assert.True(t, IsDocPath("tenants/u1/tasks/t1"))
	assert.False(t, IsDocPath("tenants/u1/tasks"))

	assert.Equal(t, "u1", ParentTenant("tenants/u1/relay/m1"))
	assert.Equal(t, "", ParentTenant("keyIndex/abc"))
}
