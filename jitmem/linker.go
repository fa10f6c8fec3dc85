package jitmem

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-tierup/codegen"
)

// Buffer is linked code owned by an Allocator.
type Buffer struct {
	alloc    *Allocator
	calls    map[uint32]*atomic.Uintptr // fixed at link time
	start    codegen.CodePtr
	reserved uint64
	size     uint32
	released atomic.Bool
}

func (b *Buffer) Start() codegen.CodePtr { return b.start }
func (b *Buffer) End() codegen.CodePtr   { return b.start + codegen.CodePtr(b.size) }

// Size returns the code size in bytes.
func (b *Buffer) Size() uint32 { return b.size }

// LocationOf converts a code offset to an absolute address.
func (b *Buffer) LocationOf(offset uint32) codegen.CodePtr {
	if offset > b.size {
		panic(fmt.Sprintf("jitmem: offset %d outside %d byte buffer", offset, b.size))
	}
	return b.start + codegen.CodePtr(offset)
}

// RepatchCall atomically retargets the direct call at offset.
func (b *Buffer) RepatchCall(offset uint32, target codegen.CodePtr) {
	slot, ok := b.calls[offset]
	if !ok {
		panic(fmt.Sprintf("jitmem: no call site at offset %d", offset))
	}
	slot.Store(uintptr(target))
}

// CallTarget returns the current target of the call at offset, or 0 if
// the call has not been linked yet.
func (b *Buffer) CallTarget(offset uint32) codegen.CodePtr {
	slot, ok := b.calls[offset]
	if !ok {
		panic(fmt.Sprintf("jitmem: no call site at offset %d", offset))
	}
	return codegen.CodePtr(slot.Load())
}

// Release frees the backing memory. Later calls are no-ops.
func (b *Buffer) Release() {
	if b.released.CompareAndSwap(false, true) {
		b.alloc.Free(b.start, b.reserved)
	}
}

// Released reports whether Release has been called.
func (b *Buffer) Released() bool {
	return b.released.Load()
}

// Linker implements codegen.Linker on an Allocator.
type Linker struct {
	alloc *Allocator
	log   *zap.Logger
}

// NewLinker creates a linker. A nil logger disables logging.
func NewLinker(alloc *Allocator, log *zap.Logger) *Linker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Linker{alloc: alloc, log: log}
}

// Allocator returns the underlying allocator.
func (l *Linker) Allocator() *Allocator { return l.alloc }

// Link places code into executable memory. Call sites start unlinked.
func (l *Linker) Link(ctx context.Context, code *codegen.UnlinkedCode) (codegen.LinkedBuffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, c := range code.Calls {
		if c.Offset >= max(code.Size, 1) {
			return nil, fmt.Errorf("jitmem: call site offset %d outside %d byte function", c.Offset, code.Size)
		}
	}

	start, reserved, err := l.alloc.Allocate(code.Size)
	if err != nil {
		l.log.Warn("executable memory exhausted",
			zap.Uint32("function", uint32(code.Function)),
			zap.Stringer("tier", code.Tier),
			zap.Uint32("size", code.Size))
		return nil, err
	}

	calls := make(map[uint32]*atomic.Uintptr, len(code.Calls))
	for _, c := range code.Calls {
		calls[c.Offset] = new(atomic.Uintptr)
	}
	return &Buffer{
		alloc:    l.alloc,
		calls:    calls,
		start:    start,
		reserved: reserved,
		size:     code.Size,
	}, nil
}
