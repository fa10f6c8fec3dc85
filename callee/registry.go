package callee

import (
	"sync"

	"github.com/google/btree"

	"github.com/wippyai/wasm-tierup/codegen"
)

type registryEntry struct {
	callee *Callee
	start  codegen.CodePtr
	end    codegen.CodePtr
}

// CodeRegistry maps machine code addresses back to the records that own
// them. Stack walkers and exception unwinding resolve a PC through it.
type CodeRegistry struct {
	tree *btree.BTreeG[registryEntry]
	mu   sync.RWMutex
}

// NewCodeRegistry creates an empty registry.
func NewCodeRegistry() *CodeRegistry {
	return &CodeRegistry{
		tree: btree.NewG[registryEntry](16, func(a, b registryEntry) bool {
			return a.start < b.start
		}),
	}
}

var (
	registry     *CodeRegistry
	registryOnce sync.Once
)

// Registry returns the process-wide registry.
func Registry() *CodeRegistry {
	registryOnce.Do(func() {
		registry = NewCodeRegistry()
	})
	return registry
}

// Register adds c under its code range. Records that own no code are
// ignored and Register returns false.
func (r *CodeRegistry) Register(c *Callee) bool {
	start, end := c.Range()
	if start == end {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tree.ReplaceOrInsert(registryEntry{callee: c, start: start, end: end})
	return true
}

// Unregister removes c if it is still the record registered at its start
// address.
func (r *CodeRegistry) Unregister(c *Callee) bool {
	start, end := c.Range()
	if start == end {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tree.Get(registryEntry{start: start})
	if !ok || e.callee != c {
		return false
	}
	r.tree.Delete(e)
	return true
}

// Lookup returns the record whose code contains pc.
func (r *CodeRegistry) Lookup(pc codegen.CodePtr) (*Callee, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *Callee
	r.tree.DescendLessOrEqual(registryEntry{start: pc}, func(e registryEntry) bool {
		if pc < e.end {
			found = e.callee
		}
		return false
	})
	return found, found != nil
}

// Contains reports whether c is registered.
func (r *CodeRegistry) Contains(c *Callee) bool {
	start, end := c.Range()
	if start == end {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tree.Get(registryEntry{start: start})
	return ok && e.callee == c
}

// Len returns the number of registered records.
func (r *CodeRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tree.Len()
}
