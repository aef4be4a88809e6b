package transport

import "sync"

// DefaultDedupSize is how many recent delivery ids each channel remembers.
const DefaultDedupSize = 1000

// RecentSet remembers the last N ids it has seen. Older ids are forgotten in
// insertion order.
type RecentSet struct {
	mu   sync.Mutex
	ring []string
	next int
	full bool
	ids  map[string]struct{}
}

func NewRecentSet(size int) *RecentSet {
	if size <= 0 {
		size = DefaultDedupSize
	}
	return &RecentSet{
		ring: make([]string, size),
		ids:  make(map[string]struct{}, size),
	}
}

// Add records id and reports whether it was new. Empty ids are always new
// and never recorded.
func (s *RecentSet) Add(id string) bool {
	if id == "" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	if s.full {
		delete(s.ids, s.ring[s.next])
	}
	s.ring[s.next] = id
	s.ids[id] = struct{}{}
	s.next++
	if s.next == len(s.ring) {
		s.next = 0
		s.full = true
	}
	return true
}

// Contains reports whether id is currently remembered.
func (s *RecentSet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

func (s *RecentSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
