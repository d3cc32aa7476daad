package feed

import "transitmap/internal/domain"

// VisibleSet is an accumulated collection unique by key. It is not safe for
// concurrent use; Feed guards its sets with its own mutex.
type VisibleSet[T any] struct {
	key   func(T) string
	index map[string]struct{}
	items []T
}

func NewVisibleSet[T any](key func(T) string) *VisibleSet[T] {
	return &VisibleSet[T]{
		key:   key,
		index: make(map[string]struct{}),
	}
}

// Merge adds every item whose key is not present yet and returns how many
// were added. Items already present are left unchanged. Items with an empty
// key are dropped.
func (s *VisibleSet[T]) Merge(items []T) int {
	added := 0
	for _, it := range items {
		k := s.key(it)
		if k == "" {
			continue
		}
		if _, ok := s.index[k]; ok {
			continue
		}
		s.index[k] = struct{}{}
		s.items = append(s.items, it)
		added++
	}
	return added
}

func (s *VisibleSet[T]) Contains(key string) bool {
	_, ok := s.index[key]
	return ok
}

func (s *VisibleSet[T]) Len() int {
	return len(s.items)
}

// Items returns a copy in insertion order.
func (s *VisibleSet[T]) Items() []T {
	out := make([]T, len(s.items))
	copy(out, s.items)
	return out
}

func (s *VisibleSet[T]) Clear() {
	s.index = make(map[string]struct{})
	s.items = nil
}

func stopKey(s domain.BusStop) string { return s.StopID }

func stationKey(s domain.SubwayStation) string { return s.StationID }
