package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryTable is a thread-safe, in-memory implementation of Table. It honours
// secondary indexes, key conditions, filters and continuation keys, and is
// intended for local development and tests.
type MemoryTable struct {
	mu      sync.RWMutex
	items   map[string]Item
	indexes map[string]Index
}

// NewMemoryTable creates an empty table with the given secondary indexes.
func NewMemoryTable(indexes ...Index) *MemoryTable {
	t := &MemoryTable{
		items:   make(map[string]Item),
		indexes: make(map[string]Index, len(indexes)),
	}
	for _, idx := range indexes {
		t.indexes[idx.Name] = idx
	}
	return t
}

func memKey(pk, sk string) string { return pk + "\x00" + sk }

// Get retrieves a copy of the item stored under pk/sk.
func (t *MemoryTable) Get(ctx context.Context, pk, sk string) (Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	item, ok := t.items[memKey(pk, sk)]
	if !ok {
		return nil, fmt.Errorf("%w: pk=%s sk=%s", ErrNotFound, pk, sk)
	}
	return item.Clone(), nil
}

// Put stores a copy of the item.
func (t *MemoryTable) Put(ctx context.Context, item Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateItem(item); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items[memKey(item.PartitionKey(), item.SortKey())] = item.Clone()
	return nil
}

// BatchWrite stores every valid item. Invalid items are returned as failed.
func (t *MemoryTable) BatchWrite(ctx context.Context, items []Item) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(items) > MaxBatchWriteSize {
		return nil, fmt.Errorf("%w: batch of %d exceeds limit of %d", ErrValidation, len(items), MaxBatchWriteSize)
	}
	var failed []Item
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, item := range items {
		if validateItem(item) != nil {
			failed = append(failed, item)
			continue
		}
		t.items[memKey(item.PartitionKey(), item.SortKey())] = item.Clone()
	}
	return failed, nil
}

// Query returns one page of matching items in key order.
func (t *MemoryTable) Query(ctx context.Context, q Query) (QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return QueryResult{}, err
	}
	if q.Limit <= 0 {
		return QueryResult{}, fmt.Errorf("%w: limit must be positive", ErrValidation)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	partitionAttr := PartitionKeyAttr
	sortAttr := SortKeyAttr
	if q.IndexName != "" {
		idx, ok := t.indexes[q.IndexName]
		if !ok {
			return QueryResult{}, fmt.Errorf("%w: unknown index %q", ErrValidation, q.IndexName)
		}
		partitionAttr, sortAttr = idx.PartitionKey, idx.SortKey
	}
	if q.Scan {
		partitionAttr, sortAttr = PartitionKeyAttr, SortKeyAttr
	}
	order := orderAttrs(partitionAttr, sortAttr)

	matches := make([]Item, 0)
	for _, item := range t.items {
		if !q.Scan {
			if item.String(partitionAttr) != q.KeyCondition.PartitionValue {
				continue
			}
			if q.KeyCondition.Sort != nil && !q.KeyCondition.Sort.Match(item) {
				continue
			}
		}
		if !matchAll(q.Filter, item) {
			continue
		}
		matches = append(matches, item)
	}
	sort.Slice(matches, func(i, j int) bool {
		return compareTuple(tupleOf(matches[i], order), tupleOf(matches[j], order)) < 0
	})

	start := 0
	if len(q.ExclusiveStartKey) > 0 {
		after := keyTuple(q.ExclusiveStartKey, order)
		start = sort.Search(len(matches), func(i int) bool {
			return compareTuple(tupleOf(matches[i], order), after) > 0
		})
	}

	end := start + q.Limit
	if end > len(matches) {
		end = len(matches)
	}
	page := make([]Item, 0, end-start)
	for _, item := range matches[start:end] {
		page = append(page, item.Clone())
	}

	res := QueryResult{Items: page}
	if end < len(matches) && len(page) > 0 {
		res.LastEvaluatedKey = keyOf(page[len(page)-1], order)
	}
	return res, nil
}

// Len returns the number of stored items.
func (t *MemoryTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

// orderAttrs lists the attributes that define query order and make up a
// continuation key. Base keys are always included so the order is total.
func orderAttrs(partitionAttr, sortAttr string) []string {
	attrs := make([]string, 0, 4)
	seen := make(map[string]bool, 4)
	for _, a := range []string{partitionAttr, sortAttr, PartitionKeyAttr, SortKeyAttr} {
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		attrs = append(attrs, a)
	}
	return attrs
}

func tupleOf(item Item, attrs []string) []string {
	out := make([]string, len(attrs))
	for i, a := range attrs {
		out[i] = item.String(a)
	}
	return out
}

func keyTuple(k Key, attrs []string) []string {
	out := make([]string, len(attrs))
	for i, a := range attrs {
		out[i] = k[a]
	}
	return out
}

func keyOf(item Item, attrs []string) Key {
	k := make(Key, len(attrs))
	for _, a := range attrs {
		k[a] = item.String(a)
	}
	return k
}

func compareTuple(a, b []string) int {
	for i := range a {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	return 0
}

func matchAll(conds []Condition, item Item) bool {
	for _, c := range conds {
		if !c.Match(item) {
			return false
		}
	}
	return true
}
