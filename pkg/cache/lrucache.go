package cache

import (
	"container/list"
	"sync"
	"time"
)

// entry is the internal structure stored in the linked list.
type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

func (e *entry[V]) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// lruShard is a size-limited map with a Least Recently Used eviction order.
// All methods are safe for concurrent use.
type lruShard[V any] struct {
	maxSize int

	mu    sync.Mutex
	ll    *list.List               // front is most recently used
	items map[string]*list.Element // fast key lookups
}

func newLRUShard[V any](maxSize int) *lruShard[V] {
	return &lruShard[V]{
		maxSize: maxSize,
		ll:      list.New(),
		items:   make(map[string]*list.Element),
	}
}

// get returns the live value for key and marks it most recently used. An
// expired entry is removed and reported as absent.
func (s *lruShard[V]) get(key string, now time.Time) (v V, found bool, removed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	elem, ok := s.items[key]
	if !ok {
		return v, false, 0
	}
	e := elem.Value.(*entry[V])
	if e.expired(now) {
		s.removeElement(elem)
		return v, false, 1
	}
	s.ll.MoveToFront(elem)
	return e.value, true, 0
}

// peek is get without touching recency.
func (s *lruShard[V]) peek(key string, now time.Time) (v V, found bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.items[key]; ok {
		e := elem.Value.(*entry[V])
		if !e.expired(now) {
			return e.value, true
		}
	}
	return v, false
}

// set inserts or overwrites key. When a new key does not fit, the least
// recently used entry is evicted first. It reports the change in entry count
// and whether an eviction happened.
func (s *lruShard[V]) set(key string, value V, expiresAt time.Time) (delta int, evicted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.items[key]; ok {
		e := elem.Value.(*entry[V])
		e.value = value
		e.expiresAt = expiresAt
		s.ll.MoveToFront(elem)
		return 0, false
	}

	if s.ll.Len() >= s.maxSize {
		if back := s.ll.Back(); back != nil {
			s.removeElement(back)
			evicted = true
			delta--
		}
	}
	s.items[key] = s.ll.PushFront(&entry[V]{key: key, value: value, expiresAt: expiresAt})
	return delta + 1, evicted
}

func (s *lruShard[V]) remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.items[key]; ok {
		s.removeElement(elem)
		return true
	}
	return false
}

// removeMatching deletes every key accepted by match.
func (s *lruShard[V]) removeMatching(match func(key string) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, elem := range s.items {
		if match(key) {
			s.removeElement(elem)
			n++
		}
	}
	return n
}

// removeExpired deletes every entry that has expired by now.
func (s *lruShard[V]) removeExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, elem := range s.items {
		if elem.Value.(*entry[V]).expired(now) {
			s.removeElement(elem)
			n++
		}
	}
	return n
}

// removeElement must be called with the mutex held.
func (s *lruShard[V]) removeElement(elem *list.Element) {
	e := s.ll.Remove(elem).(*entry[V])
	delete(s.items, e.key)
}
