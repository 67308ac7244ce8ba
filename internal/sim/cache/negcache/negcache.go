// Package negcache is a small set used to remember failed searches.
package negcache

import "sort"

type Set[K comparable] struct {
	m map[K]struct{}
}

func New[K comparable]() *Set[K] { return &Set[K]{m: map[K]struct{}{}} }

func (s *Set[K]) Has(k K) bool {
	_, ok := s.m[k]
	return ok
}

func (s *Set[K]) Add(k K) { s.m[k] = struct{}{} }

func (s *Set[K]) Remove(k K) bool {
	if _, ok := s.m[k]; !ok {
		return false
	}
	delete(s.m, k)
	return true
}

// RemoveFunc deletes every entry for which fn returns true.
func (s *Set[K]) RemoveFunc(fn func(K) bool) int {
	n := 0
	for k := range s.m {
		if fn(k) {
			delete(s.m, k)
			n++
		}
	}
	return n
}

func (s *Set[K]) Clear() { clear(s.m) }

func (s *Set[K]) Len() int { return len(s.m) }

// Sorted returns the entries ordered by less.
func (s *Set[K]) Sorted(less func(a, b K) bool) []K {
	out := make([]K, 0, len(s.m))
	for k := range s.m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}
