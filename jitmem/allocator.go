// Package jitmem provides a reference executable-memory allocator and a
// linker on top of it. Addresses are virtual: the runtime never jumps into
// them, but every placement, release and call-site patch goes through the
// same accounting a page-mapped allocator would do.
package jitmem

import (
	"fmt"
	"sort"
	"sync"

	"github.com/docker/go-units"

	"github.com/wippyai/wasm-tierup/codegen"
)

const (
	// Granule is the allocation alignment.
	Granule = 16
	// PageSize is the reservation unit reported in stats.
	PageSize = 4096
	// DefaultBase is the first address handed out.
	DefaultBase codegen.CodePtr = 0x7f00_0000_0000
)

type extent struct {
	off  uint64
	size uint64
}

// Stats is a snapshot of allocator usage.
type Stats struct {
	Capacity    uint64
	Used        uint64
	Peak        uint64
	Allocations uint64
	Frees       uint64
	Failures    uint64
}

func (s Stats) String() string {
	return fmt.Sprintf("%s of %s used (peak %s), %d live allocations, %d failures",
		units.BytesSize(float64(s.Used)),
		units.BytesSize(float64(s.Capacity)),
		units.BytesSize(float64(s.Peak)),
		s.Allocations-s.Frees,
		s.Failures)
}

// Allocator hands out granule-aligned ranges from a fixed-capacity arena.
// Released ranges are coalesced and reused first-fit.
type Allocator struct {
	free     []extent // sorted by off
	stats    Stats
	top      uint64
	capacity uint64
	base     codegen.CodePtr
	mu       sync.Mutex
}

// NewAllocator creates an allocator with the given capacity in bytes.
// The capacity is rounded up to whole pages.
func NewAllocator(capacity uint64) *Allocator {
	capacity = roundUp(capacity, PageSize)
	return &Allocator{
		base:     DefaultBase,
		capacity: capacity,
		stats:    Stats{Capacity: capacity},
	}
}

func roundUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// Allocate reserves size bytes. It returns the start address and the
// reserved size, or an error wrapping codegen.ErrOutOfExecutableMemory.
func (a *Allocator) Allocate(size uint32) (codegen.CodePtr, uint64, error) {
	want := roundUp(uint64(max(size, 1)), Granule)

	a.mu.Lock()
	defer a.mu.Unlock()

	for i, e := range a.free {
		if e.size < want {
			continue
		}
		if e.size == want {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = extent{off: e.off + want, size: e.size - want}
		}
		a.noteAlloc(want)
		return a.base + codegen.CodePtr(e.off), want, nil
	}

	if a.top+want > a.capacity {
		a.stats.Failures++
		return 0, 0, fmt.Errorf("jitmem: %d bytes requested, %d of %d in use: %w",
			want, a.stats.Used, a.capacity, codegen.ErrOutOfExecutableMemory)
	}
	off := a.top
	a.top += want
	a.noteAlloc(want)
	return a.base + codegen.CodePtr(off), want, nil
}

func (a *Allocator) noteAlloc(n uint64) {
	a.stats.Used += n
	a.stats.Allocations++
	if a.stats.Used > a.stats.Peak {
		a.stats.Peak = a.stats.Used
	}
}

// Free returns a range obtained from Allocate.
func (a *Allocator) Free(start codegen.CodePtr, size uint64) {
	if start < a.base {
		panic(fmt.Sprintf("jitmem: free of foreign address %#x", uintptr(start)))
	}
	off := uint64(start - a.base)

	a.mu.Lock()
	defer a.mu.Unlock()

	if off+size > a.top {
		panic(fmt.Sprintf("jitmem: free of unallocated range %#x+%d", uintptr(start), size))
	}

	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].off >= off })
	if (i < len(a.free) && a.free[i].off < off+size) || (i > 0 && a.free[i-1].off+a.free[i-1].size > off) {
		panic(fmt.Sprintf("jitmem: double free at %#x", uintptr(start)))
	}
	a.free = append(a.free, extent{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = extent{off: off, size: size}

	// Coalesce with the following and preceding extents.
	if i+1 < len(a.free) && a.free[i].off+a.free[i].size == a.free[i+1].off {
		a.free[i].size += a.free[i+1].size
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	if i > 0 && a.free[i-1].off+a.free[i-1].size == a.free[i].off {
		a.free[i-1].size += a.free[i].size
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
	// Give a trailing extent back to the bump region.
	if last := a.free[len(a.free)-1]; last.off+last.size == a.top {
		a.top = last.off
		a.free = a.free[:len(a.free)-1]
	}

	a.stats.Used -= size
	a.stats.Frees++
}

// Stats returns a snapshot of allocator usage.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}
