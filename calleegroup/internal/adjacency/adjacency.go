// Package adjacency holds the caller sets of a callee group: for each
// function, the functions whose code calls it directly.
//
// A Set starts sparse and is promoted to a bit vector once the sparse form
// would use more memory than the dense one. Promotion is one way.
package adjacency

import (
	"math/bits"
	"slices"
)

// sparseEntryBytes approximates the per-element cost of a map entry.
const sparseEntryBytes = 16

// Set is a set of function code indices below a fixed universe. The zero
// value is not usable; create sets with New.
type Set struct {
	sparse   map[uint32]struct{}
	dense    []uint64
	universe uint32
	count    int
}

// New creates an empty sparse set for indices below universe.
func New(universe uint32) Set {
	return Set{universe: universe}
}

func denseWords(universe uint32) int {
	return int((universe + 63) / 64)
}

// IsDense reports whether the set has been promoted.
func (s *Set) IsDense() bool { return s.dense != nil }

// Len returns the number of elements.
func (s *Set) Len() int { return s.count }

// Add inserts i and reports whether it was absent. It panics if i is not
// below the universe.
func (s *Set) Add(i uint32) bool {
	if i >= s.universe {
		panic("adjacency: index out of universe")
	}
	if s.dense != nil {
		w, b := i/64, uint64(1)<<(i%64)
		if s.dense[w]&b != 0 {
			return false
		}
		s.dense[w] |= b
		s.count++
		return true
	}

	if s.sparse == nil {
		s.sparse = make(map[uint32]struct{})
	}
	if _, ok := s.sparse[i]; ok {
		return false
	}
	s.sparse[i] = struct{}{}
	s.count++
	if s.count*sparseEntryBytes >= denseWords(s.universe)*8 {
		s.Promote()
	}
	return true
}

// Contains reports whether i is in the set.
func (s *Set) Contains(i uint32) bool {
	if i >= s.universe {
		return false
	}
	if s.dense != nil {
		return s.dense[i/64]&(1<<(i%64)) != 0
	}
	_, ok := s.sparse[i]
	return ok
}

// Promote converts the set to its dense form.
func (s *Set) Promote() {
	if s.dense != nil {
		return
	}
	s.dense = make([]uint64, denseWords(s.universe))
	for i := range s.sparse {
		s.dense[i/64] |= 1 << (i % 64)
	}
	s.sparse = nil
}

// ForEach calls fn for every element. Dense sets are visited in
// ascending order; sparse sets in no particular order.
func (s *Set) ForEach(fn func(uint32)) {
	if s.dense != nil {
		for w, word := range s.dense {
			for word != 0 {
				b := bits.TrailingZeros64(word)
				fn(uint32(w*64 + b))
				word &= word - 1
			}
		}
		return
	}
	for i := range s.sparse {
		fn(i)
	}
}

// Sorted returns the elements in ascending order.
func (s *Set) Sorted() []uint32 {
	out := make([]uint32, 0, s.count)
	s.ForEach(func(i uint32) { out = append(out, i) })
	slices.Sort(out)
	return out
}
