package shared

import (
	"sync"

	"github.com/coachpo/voltlink/internal/domain/schema"
)

// KindSet tracks which data kinds an adapter is subscribed to.
type KindSet struct {
	mu     sync.Mutex
	active map[schema.DataKind]struct{}
}

// NewKindSet creates an empty set.
func NewKindSet() *KindSet {
	return &KindSet{mu: sync.Mutex{}, active: make(map[schema.DataKind]struct{})}
}

// Add records kinds and returns those that were not yet present, in input order.
func (s *KindSet) Add(kinds []schema.DataKind) []schema.DataKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := make([]schema.DataKind, 0, len(kinds))
	for _, kind := range kinds {
		if _, ok := s.active[kind]; ok {
			continue
		}
		s.active[kind] = struct{}{}
		added = append(added, kind)
	}
	return added
}

// Has reports whether kind is subscribed.
func (s *KindSet) Has(kind schema.DataKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[kind]
	return ok
}

// List returns the subscribed kinds in canonical order.
func (s *KindSet) List() []schema.DataKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.DataKind, 0, len(s.active))
	for _, kind := range schema.AllDataKinds() {
		if _, ok := s.active[kind]; ok {
			out = append(out, kind)
		}
	}
	return out
}
