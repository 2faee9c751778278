package pagination

import (
	"sort"

	"github.com/illmade-knight/go-asyncops/pkg/store"
)

// Range restricts an attribute to [From, To]. An empty bound is open.
type Range struct {
	Attribute string `json:"attribute"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
}

func (r Range) condition() store.Condition {
	switch {
	case r.From != "" && r.To != "":
		return store.Condition{Attribute: r.Attribute, Op: store.OpBetween, Value: r.From, To: r.To}
	case r.From != "":
		return store.Condition{Attribute: r.Attribute, Op: store.OpGe, Value: r.From}
	default:
		return store.Condition{Attribute: r.Attribute, Op: store.OpLe, Value: r.To}
	}
}

// Filter is the attribute set of a paginated view: exact matches plus ranges.
type Filter struct {
	Equals map[string]string `json:"equals,omitempty"`
	Ranges []Range           `json:"ranges,omitempty"`
}

// IsEmpty reports whether the filter selects everything.
func (f Filter) IsEmpty() bool {
	return len(f.Equals) == 0 && len(f.Ranges) == 0
}

// Plan is the store query chosen for a filter.
type Plan struct {
	// Index is the secondary index used, or "" for the base table or a scan.
	Index    string
	FullScan bool
	Query    store.Query
}

// planner picks the most selective index for a filter.
type planner struct {
	indexes  []store.Index
	priority map[string]int
}

func newPlanner(indexes []store.Index, priority []string) *planner {
	rank := make(map[string]int, len(priority))
	for i, attr := range priority {
		if _, seen := rank[attr]; !seen {
			rank[attr] = i
		}
	}
	return &planner{indexes: indexes, priority: rank}
}

func (p *planner) rank(attr string) int {
	if r, ok := p.priority[attr]; ok {
		return r
	}
	return len(p.priority)
}

// plan resolves a filter to a query. An exact match on the base partition key
// wins outright. Otherwise candidates are indexes whose partition key has an
// exact match in the filter, ordered by the configured attribute priority and
// then by whether a range can be pushed into the sort key. With no candidate
// the query becomes a filtered scan.
func (p *planner) plan(f Filter) Plan {
	base := store.Index{PartitionKey: store.PartitionKeyAttr, SortKey: store.SortKeyAttr}
	if _, ok := f.Equals[store.PartitionKeyAttr]; ok {
		return p.build(base, f)
	}

	hasRange := func(attr string) bool {
		for _, r := range f.Ranges {
			if r.Attribute == attr {
				return true
			}
		}
		return false
	}

	var candidates []store.Index
	for _, idx := range p.indexes {
		if _, ok := f.Equals[idx.PartitionKey]; ok {
			candidates = append(candidates, idx)
		}
	}
	if len(candidates) == 0 {
		return Plan{
			FullScan: true,
			Query:    store.Query{Scan: true, Filter: conditions(f, "", "")},
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if ra, rb := p.rank(a.PartitionKey), p.rank(b.PartitionKey); ra != rb {
			return ra < rb
		}
		if ha, hb := hasRange(a.SortKey), hasRange(b.SortKey); ha != hb {
			return ha
		}
		return a.Name < b.Name
	})
	return p.build(candidates[0], f)
}

func (p *planner) build(idx store.Index, f Filter) Plan {
	q := store.Query{
		IndexName:    idx.Name,
		KeyCondition: store.KeyCondition{PartitionValue: f.Equals[idx.PartitionKey]},
	}
	sortUsed := ""
	for _, r := range f.Ranges {
		if r.Attribute == idx.SortKey && (r.From != "" || r.To != "") {
			c := r.condition()
			q.KeyCondition.Sort = &c
			sortUsed = r.Attribute
			break
		}
	}
	q.Filter = conditions(f, idx.PartitionKey, sortUsed)
	return Plan{Index: idx.Name, Query: q}
}

// conditions converts the parts of f not covered by the key condition into
// filter conditions, in a stable order.
func conditions(f Filter, partitionAttr, sortAttr string) []store.Condition {
	attrs := make([]string, 0, len(f.Equals))
	for attr := range f.Equals {
		if attr != partitionAttr {
			attrs = append(attrs, attr)
		}
	}
	sort.Strings(attrs)

	out := make([]store.Condition, 0, len(attrs)+len(f.Ranges))
	for _, attr := range attrs {
		out = append(out, store.Condition{Attribute: attr, Op: store.OpEq, Value: f.Equals[attr]})
	}
	sortConsumed := false
	for _, r := range f.Ranges {
		if r.From == "" && r.To == "" {
			continue
		}
		if r.Attribute == sortAttr && !sortConsumed {
			sortConsumed = true
			continue
		}
		out = append(out, r.condition())
	}
	return out
}
