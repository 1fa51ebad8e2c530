// Package cache holds the bounded recency set the scorer uses to judge
// counterparty novelty.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// RecencySet remembers which string keys were marked recently. Capacity
// bounds memory; the TTL bounds how long an idle key counts as seen. Both
// limits exist so a key pair absent for long enough registers as novel
// again.
type RecencySet struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*list.Element
	order    *list.List

	nowFn func() time.Time
}

type marked struct {
	key      string
	lastSeen time.Time
}

func NewRecencySet(capacity int, ttl time.Duration) *RecencySet {
	return &RecencySet{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
		nowFn:    time.Now,
	}
}

// Seen reports whether the key was marked within the TTL. A hit refreshes
// the key's recency; an expired key is dropped and reads as unseen.
func (s *RecencySet) Seen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		return false
	}
	m := elem.Value.(*marked)
	if s.nowFn().Sub(m.lastSeen) > s.ttl {
		s.remove(elem)
		return false
	}
	s.order.MoveToFront(elem)
	return true
}

// Mark records the key as seen now, evicting the least recently seen key
// when the set is full.
func (s *RecencySet) Mark(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	if elem, ok := s.items[key]; ok {
		elem.Value.(*marked).lastSeen = now
		s.order.MoveToFront(elem)
		return
	}

	if s.order.Len() >= s.capacity {
		if oldest := s.order.Back(); oldest != nil {
			s.remove(oldest)
		}
	}
	s.items[key] = s.order.PushFront(&marked{key: key, lastSeen: now})
}

// Forget drops the key so its next lookup reads as unseen. Unknown keys
// are a no-op.
func (s *RecencySet) Forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.items[key]; ok {
		s.remove(elem)
	}
}

// Len returns the number of keys tracked, expired entries included until
// their next lookup.
func (s *RecencySet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

func (s *RecencySet) remove(elem *list.Element) {
	s.order.Remove(elem)
	delete(s.items, elem.Value.(*marked).key)
}
