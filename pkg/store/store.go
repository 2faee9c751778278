// Package store defines the partitioned key-value table contract consumed by the
// async operations layer, together with an in-memory and a Firestore backed
// implementation.
package store

import (
	"context"
	"errors"
	"fmt"
)

// Reserved attribute names holding an item's primary key.
const (
	PartitionKeyAttr = "pk"
	SortKeyAttr      = "sk"
)

// MaxBatchWriteSize is the largest number of items a single BatchWrite call accepts.
const MaxBatchWriteSize = 25

var (
	// ErrNotFound is returned by Get when no item exists for the given key.
	ErrNotFound = errors.New("store: item not found")
	// ErrThrottled signals that the backend rejected the call because of load.
	// It is always safe to retry.
	ErrThrottled = errors.New("store: request throttled")
	// ErrValidation signals that an item or query is malformed. Retrying will not help.
	ErrValidation = errors.New("store: validation failed")
)

// Item is a single record. Key attributes (pk, sk and any index key attributes)
// must hold string values.
type Item map[string]any

// PartitionKey returns the item's partition key, or "" if unset.
func (i Item) PartitionKey() string { return i.String(PartitionKeyAttr) }

// SortKey returns the item's sort key, or "" if unset.
func (i Item) SortKey() string { return i.String(SortKeyAttr) }

// String returns the attribute as a string, or "" when it is missing or not a string.
func (i Item) String(attr string) string {
	s, _ := i[attr].(string)
	return s
}

// Clone returns a shallow copy of the item.
func (i Item) Clone() Item {
	out := make(Item, len(i))
	for k, v := range i {
		out[k] = v
	}
	return out
}

// Key is a store-native resume point: the key attribute values of the last item
// returned by a query (base table keys plus the index keys, if an index was used).
type Key map[string]string

// Index describes a secondary index over the table.
type Index struct {
	Name         string `yaml:"name"`
	PartitionKey string `yaml:"partition_key"`
	SortKey      string `yaml:"sort_key"`
}

// Op is a comparison operator used by key conditions and filters.
type Op string

const (
	OpEq         Op = "=="
	OpLt         Op = "<"
	OpLe         Op = "<="
	OpGt         Op = ">"
	OpGe         Op = ">="
	OpBetween    Op = "between"
	OpBeginsWith Op = "begins_with"
)

// Condition compares a single attribute against one value, or two for OpBetween.
type Condition struct {
	Attribute string
	Op        Op
	Value     string
	To        string // upper bound for OpBetween
}

// Match reports whether the item satisfies the condition. Attribute values are
// compared as strings, so ordered attributes must be stored in a lexically
// sortable form (e.g. RFC3339 timestamps).
func (c Condition) Match(item Item) bool {
	raw, ok := item[c.Attribute]
	if !ok {
		return false
	}
	v := fmt.Sprint(raw)
	switch c.Op {
	case OpEq:
		return v == c.Value
	case OpLt:
		return v < c.Value
	case OpLe:
		return v <= c.Value
	case OpGt:
		return v > c.Value
	case OpGe:
		return v >= c.Value
	case OpBetween:
		return v >= c.Value && v <= c.To
	case OpBeginsWith:
		return len(v) >= len(c.Value) && v[:len(c.Value)] == c.Value
	default:
		return false
	}
}

// KeyCondition restricts a query to one partition and optionally a sort key range.
type KeyCondition struct {
	PartitionValue string
	Sort           *Condition
}

// Query describes a query against the base table (IndexName == "") or a
// secondary index. When Scan is set the key condition is ignored and every
// item is visited, with Filter applied.
type Query struct {
	IndexName         string
	KeyCondition      KeyCondition
	Filter            []Condition
	Limit             int
	ExclusiveStartKey Key
	Scan              bool
}

// QueryResult holds one page of a query. LastEvaluatedKey is nil once the
// query is exhausted.
type QueryResult struct {
	Items            []Item
	LastEvaluatedKey Key
}

// Table is the persistent store collaborator.
type Table interface {
	// Get retrieves a single item by its primary key.
	Get(ctx context.Context, pk, sk string) (Item, error)
	// Put creates or replaces an item.
	Put(ctx context.Context, item Item) error
	// BatchWrite writes up to MaxBatchWriteSize items. Items the backend could not
	// write are returned so the caller can decide whether to retry them.
	BatchWrite(ctx context.Context, items []Item) (failed []Item, err error)
	// Query returns one page of items matching q.
	Query(ctx context.Context, q Query) (QueryResult, error)
}

func validateItem(item Item) error {
	if item.PartitionKey() == "" || item.SortKey() == "" {
		return fmt.Errorf("%w: item requires string %q and %q attributes", ErrValidation, PartitionKeyAttr, SortKeyAttr)
	}
	return nil
}
