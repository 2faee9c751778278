// Package pagination serves filtered, cursor-paginated views over a store.Table,
// choosing a secondary index for the filter and optionally caching pages per
// query family.
package pagination

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/illmade-knight/go-asyncops/pkg/cache"
	"github.com/illmade-knight/go-asyncops/pkg/store"
	"github.com/rs/zerolog"
)

// Family groups cacheable queries that share a TTL and are invalidated together.
type Family struct {
	Name string        `yaml:"name"`
	TTL  time.Duration `yaml:"ttl"`
}

// Config holds configuration for the Paginator.
type Config struct {
	MinPageSize     int           `yaml:"min_page_size"`
	DefaultPageSize int           `yaml:"default_page_size"`
	MaxPageSize     int           `yaml:"max_page_size"`
	Indexes         []store.Index `yaml:"indexes"`
	// Priority lists filter attributes from most to least selective. Exact-match
	// status or category fields belong ahead of owner or date fields.
	Priority []string `yaml:"priority"`
	Families []Family `yaml:"families"`
	// StoreTimeout bounds each store query.
	StoreTimeout time.Duration `yaml:"store_timeout"`
}

// DefaultConfig provides a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinPageSize:     10,
		DefaultPageSize: 50,
		MaxPageSize:     100,
		StoreTimeout:    10 * time.Second,
	}
}

// Page is one page of results. Items must be treated as read-only; a cached
// page is shared between callers.
type Page struct {
	Items      []store.Item `json:"items"`
	NextCursor string       `json:"nextCursor,omitempty"`
	Index      string       `json:"index,omitempty"`
}

// Recorder receives a signal for every store query. It may be nil.
type Recorder interface {
	ObserveQuery(index string, fullScan bool)
}

// Paginator resolves filtered views to store queries.
type Paginator struct {
	cfg      Config
	table    store.Table
	pages    cache.Cache[Page]
	families map[string]Family
	planner  *planner
	recorder Recorder
	logger   zerolog.Logger
}

// NewPaginator creates a Paginator. pages may be nil, in which case every
// request reads through to the table.
func NewPaginator(
	cfg Config,
	table store.Table,
	pages cache.Cache[Page],
	recorder Recorder,
	logger zerolog.Logger,
) (*Paginator, error) {
	if table == nil {
		return nil, errors.New("store table cannot be nil")
	}
	def := DefaultConfig()
	if cfg.MinPageSize <= 0 {
		cfg.MinPageSize = def.MinPageSize
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = def.MaxPageSize
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = def.DefaultPageSize
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if cfg.MinPageSize > cfg.MaxPageSize {
		return nil, fmt.Errorf("min page size %d exceeds max page size %d", cfg.MinPageSize, cfg.MaxPageSize)
	}
	cfg.DefaultPageSize = clamp(cfg.DefaultPageSize, cfg.MinPageSize, cfg.MaxPageSize)

	seen := make(map[string]bool, len(cfg.Indexes))
	for _, idx := range cfg.Indexes {
		if idx.Name == "" || idx.PartitionKey == "" {
			return nil, fmt.Errorf("index %q requires a name and a partition key", idx.Name)
		}
		if seen[idx.Name] {
			return nil, fmt.Errorf("duplicate index %q", idx.Name)
		}
		seen[idx.Name] = true
	}
	families := make(map[string]Family, len(cfg.Families))
	for _, f := range cfg.Families {
		families[f.Name] = f
	}

	return &Paginator{
		cfg:      cfg,
		table:    table,
		pages:    pages,
		families: families,
		planner:  newPlanner(cfg.Indexes, cfg.Priority),
		recorder: recorder,
		logger:   logger.With().Str("component", "QueryPaginator").Logger(),
	}, nil
}

// Limit clamps a requested page size; non-positive requests get the default.
func (p *Paginator) Limit(requested int) int {
	if requested <= 0 {
		return p.cfg.DefaultPageSize
	}
	return clamp(requested, p.cfg.MinPageSize, p.cfg.MaxPageSize)
}

// Plan returns the store query a filter resolves to.
func (p *Paginator) Plan(f Filter) Plan {
	return p.planner.plan(f)
}

// Paginate returns one page of items matching f. An empty cursor starts at the
// beginning; a cursor that does not decode, or that was issued for a different
// index, is rejected with a *DecodeError.
func (p *Paginator) Paginate(ctx context.Context, f Filter, limit int, cursor string) (Page, error) {
	plan := p.planner.plan(f)
	start, err := p.startKey(plan, cursor)
	if err != nil {
		return Page{}, err
	}
	return p.fetch(ctx, plan, p.Limit(limit), start)
}

// PaginateCached is Paginate read through the page cache under a query family.
// Unknown families and a nil cache fall back to an uncached read.
func (p *Paginator) PaginateCached(ctx context.Context, family string, f Filter, limit int, cursor string) (Page, error) {
	plan := p.planner.plan(f)
	start, err := p.startKey(plan, cursor)
	if err != nil {
		return Page{}, err
	}
	limit = p.Limit(limit)

	fam, ok := p.families[family]
	if p.pages == nil || !ok {
		p.logger.Debug().Str("family", family).Msg("Query family is not cached, reading through.")
		return p.fetch(ctx, plan, limit, start)
	}
	key, err := cacheKey(family, f, limit, cursor)
	if err != nil {
		return Page{}, err
	}
	return p.pages.GetOrSet(ctx, key, fam.TTL, func(ctx context.Context) (Page, error) {
		return p.fetch(ctx, plan, limit, start)
	})
}

// InvalidateFamily drops every cached page of a query family. Callers mutating
// the entities behind a family must call it before reporting success.
func (p *Paginator) InvalidateFamily(ctx context.Context, family string) int {
	if p.pages == nil {
		return 0
	}
	n := p.pages.InvalidatePattern(ctx, family+":")
	p.logger.Debug().Str("family", family).Int("removed", n).Msg("Invalidated query family.")
	return n
}

func (p *Paginator) startKey(plan Plan, cursor string) (store.Key, error) {
	if cursor == "" {
		return nil, nil
	}
	c, err := DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	if c.Index != plan.Index {
		return nil, &DecodeError{Cursor: cursor, Reason: fmt.Sprintf("cursor was issued for index %q, query uses %q", c.Index, plan.Index)}
	}
	return c.Key, nil
}

func (p *Paginator) fetch(ctx context.Context, plan Plan, limit int, start store.Key) (Page, error) {
	if plan.FullScan {
		ev := p.logger.Warn()
		if len(plan.Query.Filter) == 0 {
			ev = p.logger.Debug()
		}
		ev.Int("filters", len(plan.Query.Filter)).Msg("No index matches the filter, falling back to a full scan.")
	}
	if p.recorder != nil {
		p.recorder.ObserveQuery(plan.Index, plan.FullScan)
	}

	q := plan.Query
	q.Limit = limit
	q.ExclusiveStartKey = start

	queryCtx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	defer cancel()
	res, err := p.table.Query(queryCtx, q)
	if err != nil {
		return Page{}, fmt.Errorf("failed to query store: %w", err)
	}
	next, err := EncodeCursor(plan.Index, res.LastEvaluatedKey)
	if err != nil {
		return Page{}, err
	}
	return Page{Items: res.Items, NextCursor: next, Index: plan.Index}, nil
}

// cacheKey is the family prefix followed by a hash of the canonical request.
func cacheKey(family string, f Filter, limit int, cursor string) (string, error) {
	ranges := append([]Range(nil), f.Ranges...)
	sort.SliceStable(ranges, func(i, j int) bool {
		if ranges[i].Attribute != ranges[j].Attribute {
			return ranges[i].Attribute < ranges[j].Attribute
		}
		if ranges[i].From != ranges[j].From {
			return ranges[i].From < ranges[j].From
		}
		return ranges[i].To < ranges[j].To
	})
	// encoding/json writes map keys in sorted order.
	body, err := json.Marshal(struct {
		Equals map[string]string `json:"e,omitempty"`
		Ranges []Range           `json:"r,omitempty"`
		Limit  int               `json:"l"`
		Cursor string            `json:"c,omitempty"`
	}{f.Equals, ranges, limit, cursor})
	if err != nil {
		return "", fmt.Errorf("failed to build cache key: %w", err)
	}
	sum := sha256.Sum256(body)
	return family + ":" + hex.EncodeToString(sum[:]), nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
