package notify

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config holds configuration for the Hub.
type Config struct {
	// BufferSize bounds the events queued per connection. When full, the
	// oldest queued event is dropped.
	BufferSize int `yaml:"buffer_size"`
	// KeepAliveInterval is how often keep-alive events are sent and stale
	// connections are reaped by Start.
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
	// StaleAfter is how long a connection may go without a Touch before it is reaped.
	StaleAfter time.Duration `yaml:"stale_after"`
	// Shards splits the owner registry across independently locked maps.
	Shards int              `yaml:"shards"`
	Now    func() time.Time `yaml:"-"`
}

// DefaultConfig provides a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:        64,
		KeepAliveInterval: 30 * time.Second,
		StaleAfter:        5 * time.Minute,
		Shards:            16,
	}
}

// Stats is a snapshot of hub activity.
type Stats struct {
	Connections int
	Published   uint64
	Dropped     uint64
	Reaped      uint64
}

type connection struct {
	id       string
	ownerID  string
	lastSeen atomic.Int64

	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// push enqueues ev without blocking, evicting the oldest queued events to
// make room. It reports how many events were dropped.
func (c *connection) push(ev Event) (dropped int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, false
	}
	for {
		select {
		case c.ch <- ev:
			return dropped, true
		default:
		}
		select {
		case <-c.ch:
			dropped++
		default:
		}
	}
}

func (c *connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

type hubShard struct {
	mu     sync.RWMutex
	owners map[string]map[string]*connection
}

// Hub is a per-owner publish/subscribe registry of live connections.
type Hub struct {
	cfg    Config
	shards []*hubShard
	byID   sync.Map // connection ID -> *connection
	now    func() time.Time
	logger zerolog.Logger

	live      atomic.Int64
	published atomic.Uint64
	dropped   atomic.Uint64
	reaped    atomic.Uint64
}

// NewHub creates a new Hub.
func NewHub(cfg Config, logger zerolog.Logger) *Hub {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = def.KeepAliveInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	h := &Hub{
		cfg:    cfg,
		shards: make([]*hubShard, cfg.Shards),
		now:    now,
		logger: logger.With().Str("component", "NotificationHub").Logger(),
	}
	for i := range h.shards {
		h.shards[i] = &hubShard{owners: make(map[string]map[string]*connection)}
	}
	return h
}

func (h *Hub) shardFor(ownerID string) *hubShard {
	f := fnv.New32a()
	_, _ = f.Write([]byte(ownerID))
	return h.shards[f.Sum32()%uint32(len(h.shards))]
}

// Subscribe registers a new connection for ownerID. The returned channel is
// closed when the connection is unsubscribed, reaped or the hub is closed.
func (h *Hub) Subscribe(ownerID string) (string, <-chan Event) {
	c := &connection{
		id:      uuid.NewString(),
		ownerID: ownerID,
		ch:      make(chan Event, h.cfg.BufferSize),
	}
	c.lastSeen.Store(h.now().UnixNano())

	s := h.shardFor(ownerID)
	s.mu.Lock()
	set, ok := s.owners[ownerID]
	if !ok {
		set = make(map[string]*connection)
		s.owners[ownerID] = set
	}
	set[c.id] = c
	s.mu.Unlock()

	h.byID.Store(c.id, c)
	h.live.Add(1)
	h.logger.Debug().Str("owner_id", ownerID).Str("connection_id", c.id).Msg("Connection subscribed.")
	return c.id, c.ch
}

// Unsubscribe removes a connection and closes its channel.
func (h *Hub) Unsubscribe(connectionID string) error {
	if !h.remove(connectionID) {
		return ErrConnectionNotFound
	}
	h.logger.Debug().Str("connection_id", connectionID).Msg("Connection unsubscribed.")
	return nil
}

func (h *Hub) remove(connectionID string) bool {
	v, ok := h.byID.LoadAndDelete(connectionID)
	if !ok {
		return false
	}
	c := v.(*connection)

	s := h.shardFor(c.ownerID)
	s.mu.Lock()
	if set, ok := s.owners[c.ownerID]; ok {
		delete(set, c.id)
		if len(set) == 0 {
			delete(s.owners, c.ownerID)
		}
	}
	s.mu.Unlock()

	c.close()
	h.live.Add(-1)
	return true
}

// Touch records a successful send or client ack on the connection.
func (h *Hub) Touch(connectionID string) error {
	v, ok := h.byID.Load(connectionID)
	if !ok {
		return ErrConnectionNotFound
	}
	v.(*connection).lastSeen.Store(h.now().UnixNano())
	return nil
}

// Publish delivers ev to every live connection of ownerID without blocking and
// returns the number of connections it was queued on. Publishing to an owner
// with no connections is a no-op.
func (h *Hub) Publish(ownerID string, ev Event) int {
	s := h.shardFor(ownerID)
	s.mu.RLock()
	set := s.owners[ownerID]
	targets := make([]*connection, 0, len(set))
	for _, c := range set {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if h.deliver(c, ev) {
			delivered++
		}
	}
	if delivered > 0 {
		h.published.Add(1)
	}
	return delivered
}

// Broadcast delivers ev to every live connection of every owner.
func (h *Hub) Broadcast(ev Event) int {
	delivered := 0
	for _, c := range h.connections() {
		if h.deliver(c, ev) {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) deliver(c *connection, ev Event) bool {
	dropped, ok := c.push(ev)
	if dropped > 0 {
		h.dropped.Add(uint64(dropped))
		h.logger.Warn().
			Str("owner_id", c.ownerID).
			Str("connection_id", c.id).
			Int("dropped", dropped).
			Msg("Connection buffer full, dropped oldest events.")
	}
	return ok
}

func (h *Hub) connections() []*connection {
	var out []*connection
	for _, s := range h.shards {
		s.mu.RLock()
		for _, set := range s.owners {
			for _, c := range set {
				out = append(out, c)
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// SendKeepAlives queues a keep-alive event on every connection.
func (h *Hub) SendKeepAlives() int {
	return h.Broadcast(Event{Type: EventKeepAlive})
}

// Reap removes every connection that has not been touched within StaleAfter.
func (h *Hub) Reap() int {
	cutoff := h.now().Add(-h.cfg.StaleAfter).UnixNano()
	n := 0
	for _, c := range h.connections() {
		if c.lastSeen.Load() > cutoff {
			continue
		}
		if h.remove(c.id) {
			n++
			h.logger.Warn().
				Str("owner_id", c.ownerID).
				Str("connection_id", c.id).
				Time("last_seen", time.Unix(0, c.lastSeen.Load())).
				Msg("Reaped stale connection.")
		}
	}
	h.reaped.Add(uint64(n))
	return n
}

// Start runs keep-alives and reaping every KeepAliveInterval until ctx is done.
func (h *Hub) Start(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.KeepAliveInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.Reap()
				h.SendKeepAlives()
			}
		}
	}()
}

// Close removes every connection.
func (h *Hub) Close() {
	for _, c := range h.connections() {
		h.remove(c.id)
	}
	h.logger.Info().Msg("Notification hub closed.")
}

// Stats returns a snapshot of the hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Connections: int(h.live.Load()),
		Published:   h.published.Load(),
		Dropped:     h.dropped.Load(),
		Reaped:      h.reaped.Load(),
	}
}
