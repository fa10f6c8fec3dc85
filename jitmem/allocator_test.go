package jitmem

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/wippyai/wasm-tierup/codegen"
	"github.com/wippyai/wasm-tierup/module"
)

func TestAllocator_Basic(t *testing.T) {
	a := NewAllocator(PageSize)

	p1, n1, err := a.Allocate(10)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if n1 != Granule {
		t.Errorf("reserved %d, want %d", n1, Granule)
	}
	p2, _, err := a.Allocate(100)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if p2 != p1+Granule {
		t.Errorf("second allocation at %#x, want %#x", p2, p1+Granule)
	}

	st := a.Stats()
	if st.Used != Granule+112 || st.Allocations != 2 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestAllocator_OutOfMemory(t *testing.T) {
	a := NewAllocator(PageSize)
	if _, _, err := a.Allocate(PageSize); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	_, _, err := a.Allocate(1)
	if !errors.Is(err, codegen.ErrOutOfExecutableMemory) {
		t.Fatalf("expected ErrOutOfExecutableMemory, got %v", err)
	}
	if a.Stats().Failures != 1 {
		t.Errorf("Failures = %d, want 1", a.Stats().Failures)
	}
}

func TestAllocator_FreeReuseAndCoalesce(t *testing.T) {
	a := NewAllocator(PageSize)
	p1, n1, _ := a.Allocate(32)
	p2, n2, _ := a.Allocate(32)
	p3, n3, _ := a.Allocate(32)

	a.Free(p1, n1)
	a.Free(p2, n2)

	// p1 and p2 coalesced into one 64 byte hole.
	p4, _, err := a.Allocate(64)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if p4 != p1 {
		t.Errorf("expected reuse at %#x, got %#x", p1, p4)
	}

	a.Free(p4, 64)
	a.Free(p3, n3)
	if st := a.Stats(); st.Used != 0 {
		t.Errorf("Used = %d after freeing everything", st.Used)
	}

	// Everything returned to the bump region, so a full page fits again.
	if _, _, err := a.Allocate(PageSize); err != nil {
		t.Errorf("full page allocation after frees failed: %v", err)
	}
}

func TestAllocator_DoubleFreePanics(t *testing.T) {
	a := NewAllocator(PageSize)
	p, n, _ := a.Allocate(16)
	_, _, _ = a.Allocate(16)
	a.Free(p, n)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on double free")
		}
	}()
	a.Free(p, n)
}

func TestAllocator_Concurrent(t *testing.T) {
	a := NewAllocator(1 << 20)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				p, n, err := a.Allocate(48)
				if err != nil {
					t.Error(err)
					return
				}
				a.Free(p, n)
			}
		}()
	}
	wg.Wait()
	if a.Stats().Used != 0 {
		t.Errorf("Used = %d, want 0", a.Stats().Used)
	}
}

func TestStats_String(t *testing.T) {
	s := NewAllocator(64 * 1024).Stats().String()
	if !strings.Contains(s, "64KiB") {
		t.Errorf("Stats.String() = %q", s)
	}
}

func TestLinker_Link(t *testing.T) {
	l := NewLinker(NewAllocator(PageSize), nil)
	code := &codegen.UnlinkedCode{
		Size:  64,
		Calls: []codegen.CallSite{{Offset: 8, Target: module.SpaceIndex(3)}},
	}

	lb, err := l.Link(context.Background(), code)
	if err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	buf := lb.(*Buffer)
	if buf.End()-buf.Start() != 64 {
		t.Errorf("range = %d bytes", buf.End()-buf.Start())
	}
	if buf.LocationOf(8) != buf.Start()+8 {
		t.Error("LocationOf is wrong")
	}
	if buf.CallTarget(8) != 0 {
		t.Error("call should start unlinked")
	}
	buf.RepatchCall(8, 0x1234)
	if buf.CallTarget(8) != 0x1234 {
		t.Errorf("CallTarget = %#x", buf.CallTarget(8))
	}

	buf.Release()
	buf.Release()
	if !buf.Released() || l.Allocator().Stats().Used != 0 {
		t.Error("Release did not return memory")
	}
}

func TestLinker_Errors(t *testing.T) {
	l := NewLinker(NewAllocator(PageSize), nil)

	_, err := l.Link(context.Background(), &codegen.UnlinkedCode{Size: 2 * PageSize})
	if !errors.Is(err, codegen.ErrOutOfExecutableMemory) {
		t.Errorf("expected out of memory, got %v", err)
	}

	_, err = l.Link(context.Background(), &codegen.UnlinkedCode{
		Size:  16,
		Calls: []codegen.CallSite{{Offset: 16}},
	})
	if err == nil || errors.Is(err, codegen.ErrOutOfExecutableMemory) {
		t.Errorf("expected plain link error, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Link(ctx, &codegen.UnlinkedCode{Size: 16}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context error, got %v", err)
	}
}
