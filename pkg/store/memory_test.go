package store_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/illmade-knight/go-asyncops/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedTable(t *testing.T, table *store.MemoryTable, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		status := "active"
		if i%3 == 0 {
			status = "disabled"
		}
		require.NoError(t, table.Put(ctx, store.Item{
			"pk":        "USER",
			"sk":        fmt.Sprintf("user-%04d", i),
			"status":    status,
			"createdAt": fmt.Sprintf("2025-01-%02dT00:00:00Z", 1+i%28),
		}))
	}
}

func TestMemoryTable_GetPut(t *testing.T) {
	ctx := context.Background()
	table := store.NewMemoryTable()

	_, err := table.Get(ctx, "USER", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = table.Put(ctx, store.Item{"pk": "USER"})
	assert.ErrorIs(t, err, store.ErrValidation)

	require.NoError(t, table.Put(ctx, store.Item{"pk": "USER", "sk": "u1", "name": "Ada"}))
	item, err := table.Get(ctx, "USER", "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", item["name"])

	// Returned items are copies.
	item["name"] = "changed"
	again, err := table.Get(ctx, "USER", "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", again["name"])
}

func TestMemoryTable_BatchWrite(t *testing.T) {
	ctx := context.Background()
	table := store.NewMemoryTable()

	t.Run("invalid items are returned as failed", func(t *testing.T) {
		failed, err := table.BatchWrite(ctx, []store.Item{
			{"pk": "A", "sk": "1"},
			{"pk": "A"},
			{"pk": "A", "sk": "2"},
		})
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, 2, table.Len())
	})

	t.Run("oversized batch is rejected", func(t *testing.T) {
		items := make([]store.Item, store.MaxBatchWriteSize+1)
		_, err := table.BatchWrite(ctx, items)
		assert.ErrorIs(t, err, store.ErrValidation)
	})
}

func TestMemoryTable_QueryPagination(t *testing.T) {
	ctx := context.Background()
	table := store.NewMemoryTable()
	seedTable(t, table, 120)

	var sizes []int
	var start store.Key
	seen := make(map[string]bool)
	for {
		res, err := table.Query(ctx, store.Query{
			KeyCondition:      store.KeyCondition{PartitionValue: "USER"},
			Limit:             50,
			ExclusiveStartKey: start,
		})
		require.NoError(t, err)
		sizes = append(sizes, len(res.Items))
		for _, item := range res.Items {
			assert.False(t, seen[item.SortKey()], "item %s delivered twice", item.SortKey())
			seen[item.SortKey()] = true
		}
		if res.LastEvaluatedKey == nil {
			break
		}
		start = res.LastEvaluatedKey
	}
	assert.Equal(t, []int{50, 50, 20}, sizes)
	assert.Len(t, seen, 120)
}

func TestMemoryTable_QueryIndexAndFilter(t *testing.T) {
	ctx := context.Background()
	table := store.NewMemoryTable(store.Index{Name: "by-status", PartitionKey: "status", SortKey: "createdAt"})
	seedTable(t, table, 30)

	res, err := table.Query(ctx, store.Query{
		IndexName: "by-status",
		KeyCondition: store.KeyCondition{
			PartitionValue: "disabled",
			Sort:           &store.Condition{Attribute: "createdAt", Op: store.OpBetween, Value: "2025-01-01", To: "2025-01-10"},
		},
		Limit: 100,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Items)
	for _, item := range res.Items {
		assert.Equal(t, "disabled", item["status"])
		assert.LessOrEqual(t, item.String("createdAt"), "2025-01-10")
	}
	for i := 1; i < len(res.Items); i++ {
		assert.LessOrEqual(t, res.Items[i-1].String("createdAt"), res.Items[i].String("createdAt"))
	}

	scan, err := table.Query(ctx, store.Query{
		Scan:   true,
		Filter: []store.Condition{{Attribute: "status", Op: store.OpEq, Value: "active"}},
		Limit:  100,
	})
	require.NoError(t, err)
	assert.Len(t, scan.Items, 20)
	assert.Nil(t, scan.LastEvaluatedKey)

	_, err = table.Query(ctx, store.Query{IndexName: "nope", Limit: 1})
	assert.ErrorIs(t, err, store.ErrValidation)
}
