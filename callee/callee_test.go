package callee

import (
	"context"
	"runtime"
	"testing"

	"github.com/wippyai/wasm-tierup/codegen"
	"github.com/wippyai/wasm-tierup/jitmem"
	"github.com/wippyai/wasm-tierup/module"
	"github.com/wippyai/wasm-tierup/tierup"
	"github.com/wippyai/wasm-tierup/wasm"
)

func link(t *testing.T, code *codegen.UnlinkedCode) Entrypoint {
	t.Helper()
	l := jitmem.NewLinker(jitmem.NewAllocator(1<<20), nil)
	buf, err := l.Link(context.Background(), code)
	if err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	return Entrypoint{Buffer: buf, CalleeSaves: code.CalleeSaves, FrameSize: code.FrameSize}
}

func handlerCode() *codegen.UnlinkedCode {
	return &codegen.UnlinkedCode{
		Size: 128,
		Handlers: []codegen.UnlinkedHandler{
			{TryStart: 10, TryEnd: 20, TargetOffset: 40, Tag: 3, Kind: wasm.HandlerCatch},
			{TryStart: 10, TryEnd: 20, TargetOffset: 48, Kind: wasm.HandlerCatchAll},
			{TryStart: 30, TryEnd: 36, TargetOffset: 0, Kind: wasm.HandlerDelegate},
			{TryStart: 50, TryEnd: 60, TargetOffset: 64, Tag: 1, Kind: wasm.HandlerTryTableCatchRef},
		},
	}
}

func TestMode_Tier(t *testing.T) {
	tests := []struct {
		mode Mode
		want codegen.Tier
	}{
		{ModeInterpreter, codegen.TierInterpreter},
		{ModeBaselineJIT, codegen.TierBaselineJIT},
		{ModeOptimizingJIT, codegen.TierOptimizingJIT},
		{ModeOSREntry, codegen.TierOptimizingJIT},
		{ModeBuiltin, codegen.TierInterpreter},
		{ModeThunk, codegen.TierInterpreter},
	}
	for _, tt := range tests {
		if got := tt.mode.Tier(); got != tt.want {
			t.Errorf("%s.Tier() = %s, want %s", tt.mode, got, tt.want)
		}
	}
}

func TestInterpreter_HandlersUseThunks(t *testing.T) {
	trig := tierup.NewTrigger(codegen.TierBaselineJIT, tierup.DefaultThresholds())
	c := NewInterpreter(2, "f", handlerCode(), trig)
	if c.Linked() {
		t.Fatal("record linked before SetEntrypoint")
	}
	c.SetEntrypoint(Entrypoint{})

	th := InterpreterThunks()
	if c.Entrypoint() != th.Entry.Entrypoint() {
		t.Errorf("interpreter entrypoint = %#x", c.Entrypoint())
	}
	if s, e := c.Range(); s != 0 || e != 0 {
		t.Errorf("interpreter range = [%#x, %#x)", s, e)
	}
	if c.CalleeSaveRegisters() != InterpreterCalleeSaves {
		t.Error("unexpected interpreter callee saves")
	}
	if c.Trigger() != trig {
		t.Error("Trigger not kept")
	}

	hs := c.Handlers()
	want := []*Callee{th.Catch, th.CatchAll, th.CatchAll, th.TryTableCatchRef}
	for i, h := range hs {
		if h.Target != want[i].Entrypoint() {
			t.Errorf("handler %d (%s) target %#x, want %s", i, h.Kind, h.Target, want[i].Name())
		}
	}
}

func TestBaselineJIT_Link(t *testing.T) {
	code := handlerCode()
	code.LoopEntrypoints = []uint32{8, 24}
	code.SharedLoopEntrypoint = 100
	code.HasSharedLoopEntry = true
	code.CalleeSaves = codegen.RegisterSet(0).Add(3).Add(4)

	c := NewBaselineJIT(1, "g", codegen.Signaling, code, nil)
	func() {
		defer func() {
			if recover() == nil {
				t.Error("Entrypoint before linking should panic")
			}
		}()
		c.Entrypoint()
	}()

	ep := link(t, code)
	c.SetEntrypoint(ep)
	start := ep.Buffer.Start()

	if c.Entrypoint() != start {
		t.Errorf("Entrypoint = %#x, want %#x", c.Entrypoint(), start)
	}
	if s, e := c.Range(); s != start || e != start+128 {
		t.Errorf("Range = [%#x, %#x)", s, e)
	}
	if c.CalleeSaveRegisters().Count() != 2 {
		t.Error("callee saves not taken from the entrypoint")
	}
	if c.Handlers()[0].Target != start+40 || c.Handlers()[3].Target != start+64 {
		t.Error("JIT handlers must resolve to code offsets")
	}
	loops := c.LoopEntrypoints()
	if len(loops) != 2 || loops[1] != start+24 {
		t.Errorf("LoopEntrypoints = %v", loops)
	}
	if p, ok := c.SharedLoopEntrypoint(); !ok || p != start+100 {
		t.Errorf("SharedLoopEntrypoint = %#x, %v", p, ok)
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Error("second SetEntrypoint should panic")
			}
		}()
		c.SetEntrypoint(ep)
	}()

	c.RelinkHandlers()
	if c.Handlers()[0].Target != start+40 {
		t.Error("RelinkHandlers changed a handler target")
	}

	c.Release()
	if !c.Released() || !ep.Buffer.(*jitmem.Buffer).Released() {
		t.Error("Release must free the buffer")
	}
}

func TestHandlerFor(t *testing.T) {
	c := NewOptimizingJIT(0, "h", codegen.BoundsChecking, handlerCode())
	c.SetEntrypoint(link(t, c.Unlinked()))

	if h, ok := c.HandlerFor(12, 3); !ok || h.Kind != wasm.HandlerCatch {
		t.Errorf("tag 3 at 12: %+v %v", h, ok)
	}
	if h, ok := c.HandlerFor(12, 9); !ok || h.Kind != wasm.HandlerCatchAll {
		t.Errorf("tag 9 at 12: %+v %v", h, ok)
	}
	if _, ok := c.HandlerFor(20, 3); ok {
		t.Error("try end is exclusive")
	}
	if _, ok := c.HandlerFor(55, 2); ok {
		t.Error("try_table catch_ref must match its tag")
	}
}

func TestCallSiteIndexForPC(t *testing.T) {
	code := &codegen.UnlinkedCode{
		Size: 64,
		CallSiteRanges: []codegen.CallSiteRange{
			{Start: 20, End: 30, CallSiteIndex: 2},
			{Start: 0, End: 10, CallSiteIndex: 1},
		},
		StackMaps: map[uint32][]codegen.ValueLocation{
			2: {{Kind: codegen.InRegister, Value: 19}, {Kind: codegen.InStackSlot, Value: 8}},
		},
	}
	c := NewBaselineJIT(0, "f", codegen.BoundsChecking, code, nil)
	c.SetEntrypoint(link(t, code))
	start, _ := c.Range()

	if locs, ok := c.StackMap(2); !ok || len(locs) != 2 || locs[1].Kind != codegen.InStackSlot {
		t.Errorf("StackMap(2) = %v, %v", locs, ok)
	}
	if _, ok := c.StackMap(1); ok {
		t.Error("StackMap(1) should be missing")
	}

	tests := []struct {
		off  uint32
		csi  uint32
		want bool
	}{
		{0, 1, true},
		{9, 1, true},
		{10, 0, false},
		{25, 2, true},
		{30, 0, false},
		{100, 0, false},
	}
	for _, tt := range tests {
		csi, ok := c.CallSiteIndexForPC(start + codegen.CodePtr(tt.off))
		if ok != tt.want || csi != tt.csi {
			t.Errorf("offset %d: got (%d, %v), want (%d, %v)", tt.off, csi, ok, tt.csi, tt.want)
		}
	}
}

func TestCodeOrigin(t *testing.T) {
	code := &codegen.UnlinkedCode{
		Size: 32,
		CodeOrigins: []codegen.CodeOrigin{
			{FirstInlineCSI: 1, LastInlineCSI: 1, Function: 5},
			{FirstInlineCSI: 2, LastInlineCSI: 3, Function: 6},
			{FirstInlineCSI: 1, LastInlineCSI: 3, Function: 7},
		},
	}
	c := NewOptimizingJIT(0, "outer", codegen.BoundsChecking, code)

	tests := []struct {
		csi   uint32
		depth int
		want  module.SpaceIndex
		ok    bool
	}{
		{1, 0, 5, true},
		{1, 1, 7, true},
		{1, 2, 0, false},
		{3, 0, 6, true},
		{3, 1, 7, true},
		{4, 0, 0, false},
	}
	for _, tt := range tests {
		o, ok := c.CodeOrigin(tt.csi, tt.depth)
		if ok != tt.ok || (ok && o.Function != tt.want) {
			t.Errorf("CodeOrigin(%d, %d) = %+v, %v", tt.csi, tt.depth, o, ok)
		}
	}
	if c.InlineDepth(2) != 2 {
		t.Errorf("InlineDepth(2) = %d", c.InlineDepth(2))
	}
}

func TestOSREntry_Owner(t *testing.T) {
	owner := NewBaselineJIT(1, "f", codegen.BoundsChecking, nil, nil)
	osr := NewOSREntry(1, "f", codegen.BoundsChecking, nil, 2, owner)
	owner.SetOSREntry(osr)

	if osr.Owner() != owner || owner.OSREntry() != osr || osr.LoopIndex() != 2 {
		t.Fatal("OSR relation not recorded")
	}
	if osr.Tier() != codegen.TierOptimizingJIT {
		t.Errorf("OSR tier = %s", osr.Tier())
	}
	owner.Release()
	if owner.OSREntry() != nil {
		t.Error("Release should drop the owned OSR entry")
	}
}

func TestRegistry(t *testing.T) {
	r := NewCodeRegistry()
	code := &codegen.UnlinkedCode{Size: 64}
	a := NewBaselineJIT(0, "a", codegen.BoundsChecking, code, nil)
	a.SetEntrypoint(link(t, code))
	start, end := a.Range()

	interp := NewInterpreter(0, "a", nil, nil)
	interp.SetEntrypoint(Entrypoint{})
	if r.Register(interp) {
		t.Error("interpreter records own no code")
	}

	if !r.Register(a) || r.Len() != 1 || !r.Contains(a) {
		t.Fatal("Register failed")
	}
	if got, ok := r.Lookup(start + 10); !ok || got != a {
		t.Error("Lookup inside range failed")
	}
	if _, ok := r.Lookup(end); ok {
		t.Error("Lookup at end must miss")
	}
	if _, ok := r.Lookup(start - 1); ok {
		t.Error("Lookup before start must miss")
	}
	if !r.Unregister(a) || r.Len() != 0 {
		t.Error("Unregister failed")
	}
	if r.Unregister(a) {
		t.Error("second Unregister should report false")
	}
}

type payload struct {
	next *payload
	pad  [8]uint64
}

func TestWeakOrStrong(t *testing.T) {
	p := &payload{}
	w := Strong(p)
	if !w.IsStrong() || w.Get() != p {
		t.Fatal("strong reference broken")
	}
	w.ConvertToWeak()
	if !w.IsWeak() || w.Get() != p {
		t.Fatal("weak reference to a live object must resolve")
	}
	if !w.ConvertToStrong() || !w.IsStrong() {
		t.Fatal("ConvertToStrong on a live object failed")
	}
	runtime.KeepAlive(p)

	var null WeakOrStrong[payload]
	if !null.IsNull() || null.Get() != nil {
		t.Error("zero value must be null")
	}

	gone := Weak(&payload{})
	runtime.GC()
	if gone.Get() != nil {
		t.Error("weak reference kept its target alive")
	}
	if gone.ConvertToStrong() {
		t.Error("ConvertToStrong on a collected object must fail")
	}
}
