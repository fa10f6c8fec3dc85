package calleegroup

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wippyai/wasm-tierup/callee"
	"github.com/wippyai/wasm-tierup/codegen"
	"github.com/wippyai/wasm-tierup/errors"
	"github.com/wippyai/wasm-tierup/jitmem"
	"github.com/wippyai/wasm-tierup/module"
	"github.com/wippyai/wasm-tierup/tierup"
	"github.com/wippyai/wasm-tierup/wasm"
)

type fixture struct {
	g      *Group
	linker *jitmem.Linker
	reg    *callee.CodeRegistry
}

func testInfo(t *testing.T, imports, defined int) *module.Info {
	t.Helper()
	imps := make([]module.Import, imports)
	for i := range imps {
		imps[i] = module.Import{Module: "env", Name: fmt.Sprintf("i%d", i)}
	}
	info, err := module.NewInfo("test", imps, make([]module.Function, defined))
	if err != nil {
		t.Fatalf("NewInfo failed: %v", err)
	}
	return info
}

func newFixture(t *testing.T, imports, defined int, cfg Config) *fixture {
	t.Helper()
	info := testInfo(t, imports, defined)
	reg := callee.NewCodeRegistry()
	cfg.Registry = reg
	f := &fixture{
		g:      New(info, codegen.BoundsChecking, cfg),
		linker: jitmem.NewLinker(jitmem.NewAllocator(1<<20), nil),
		reg:    reg,
	}
	t.Cleanup(f.g.Release)

	space := info.Space()
	interps := make([]*callee.Callee, defined)
	for i := range interps {
		s := space.ToSpaceIndex(module.CodeIndex(i))
		trig := tierup.NewTrigger(codegen.TierOptimizingJIT, tierup.DefaultThresholds())
		interps[i] = callee.NewInterpreter(s, info.Name(s), nil, trig)
		interps[i].SetEntrypoint(callee.Entrypoint{})
	}
	thunks := make([]*callee.Callee, imports)
	for i := range thunks {
		code := &codegen.UnlinkedCode{Size: 16}
		thunks[i] = callee.NewThunk(module.SpaceIndex(i), info.Name(module.SpaceIndex(i)), callee.ThunkImportExit, code)
		thunks[i].SetEntrypoint(f.link(t, code))
	}
	f.g.PopulateBaseline(interps, thunks)
	return f
}

func (f *fixture) link(t *testing.T, code *codegen.UnlinkedCode) callee.Entrypoint {
	t.Helper()
	buf, err := f.linker.Link(context.Background(), code)
	if err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	return callee.Entrypoint{Buffer: buf, CalleeSaves: code.CalleeSaves}
}

// record builds a linked JIT record for c whose calls target the given
// space indices at offsets 8, 16, 24 and so on.
func (f *fixture) record(t *testing.T, mode callee.Mode, c module.CodeIndex, targets ...module.SpaceIndex) *callee.Callee {
	t.Helper()
	code := &codegen.UnlinkedCode{
		Size:     64,
		Function: c,
		Handlers: []codegen.UnlinkedHandler{{TryStart: 2, TryEnd: 6, TargetOffset: 40, Kind: wasm.HandlerCatchAll}},
	}
	for i, s := range targets {
		code.Calls = append(code.Calls, codegen.CallSite{Offset: uint32(8 * (i + 1)), Target: s})
	}
	s := f.g.Space().ToSpaceIndex(c)
	var rec *callee.Callee
	switch mode {
	case callee.ModeBaselineJIT:
		trig := tierup.NewTrigger(codegen.TierOptimizingJIT, tierup.DefaultThresholds())
		rec = callee.NewBaselineJIT(s, "f", codegen.BoundsChecking, code, trig)
	case callee.ModeOptimizingJIT:
		rec = callee.NewOptimizingJIT(s, "f", codegen.BoundsChecking, code)
	default:
		t.Fatalf("unsupported mode %s", mode)
	}
	rec.SetEntrypoint(f.link(t, code))
	return rec
}

func (f *fixture) install(rec *callee.Callee) bool {
	var ok bool
	f.g.WithLock(func(l *Locked) { ok = l.Install(rec) })
	return ok
}

func TestGroup_Lifecycle(t *testing.T) {
	f := newFixture(t, 0, 2, Config{})
	g := f.g

	if g.IsRunnable() || g.CompilationFinished() || g.ErrorMessage() != "" {
		t.Fatal("fresh group must not be runnable")
	}

	var calls []bool
	g.CompileAsync(func(_ *Group, async bool) { calls = append(calls, async) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := g.WaitUntilFinished(ctx); err == nil {
		t.Error("WaitUntilFinished should time out before the baseline finishes")
	}

	g.MarkBaselineFinished()
	g.MarkBaselineFinished()
	if !g.IsRunnable() || g.Err() != nil {
		t.Fatalf("group not runnable: %v", g.Err())
	}
	if err := g.WaitUntilFinished(context.Background()); err != nil {
		t.Errorf("WaitUntilFinished: %v", err)
	}

	g.CompileAsync(func(_ *Group, async bool) { calls = append(calls, async) })
	if len(calls) != 2 || !calls[0] || calls[1] {
		t.Errorf("completion callbacks ran as %v, want [true false]", calls)
	}
}

func TestGroup_BaselineFailure(t *testing.T) {
	f := newFixture(t, 2, 3, Config{})
	g := f.g

	g.Fail(errors.OutOfExecutableMemory(codegen.TierInterpreter, 2, false))
	g.Fail(errors.CompileFailed(codegen.TierInterpreter, 0, fmt.Errorf("late")))

	if g.IsRunnable() || !g.CompilationFinished() {
		t.Fatal("failed group must be finished and not runnable")
	}
	msg := g.ErrorMessage()
	if !strings.Contains(msg, "Out of executable memory") || !strings.Contains(msg, "index 2") {
		t.Errorf("ErrorMessage = %q", msg)
	}
	if !errors.IsKind(g.Err(), errors.KindBaselineFailure) || !errors.IsOutOfMemory(g.Err()) {
		t.Errorf("unexpected error chain: %v", g.Err())
	}
	if g.IsSafeToRun(codegen.BoundsChecking) {
		t.Error("a failed group is never safe to run")
	}
}

func TestGroup_InstallOptimizing(t *testing.T) {
	f := newFixture(t, 2, 3, Config{})
	f.g.MarkBaselineFinished()

	rec := f.record(t, callee.ModeOptimizingJIT, 1)
	if !f.install(rec) {
		t.Fatal("Install refused")
	}

	if f.g.LookupOptimized(1) != rec {
		t.Error("LookupOptimized(1) should return the new record")
	}
	if f.g.LookupOptimized(0) != nil || f.g.LookupOptimized(2) != nil {
		t.Error("other functions must stay on the interpreter")
	}
	if !f.reg.Contains(rec) {
		t.Error("record not registered")
	}
	if got := f.g.IndirectCallEntrypoint(3); got != rec.Entrypoint() {
		t.Errorf("indirect entrypoint = %#x, want %#x", got, rec.Entrypoint())
	}
	if got := f.g.IndirectCallEntrypoint(2); got != callee.InterpreterThunks().Entry.Entrypoint() {
		t.Errorf("function 0 indirect entrypoint = %#x", got)
	}
}

func TestGroup_MonotonicTier(t *testing.T) {
	f := newFixture(t, 0, 1, Config{})
	f.g.MarkBaselineFinished()

	bbq := f.record(t, callee.ModeBaselineJIT, 0)
	if !f.install(bbq) || f.g.LookupOptimized(0) != bbq {
		t.Fatal("baseline install failed")
	}
	omg := f.record(t, callee.ModeOptimizingJIT, 0)
	if !f.install(omg) || f.g.LookupOptimized(0) != omg {
		t.Fatal("optimizing install failed")
	}

	late := f.record(t, callee.ModeBaselineJIT, 0)
	if f.install(late) {
		t.Error("a lower tier must not replace a higher one")
	}
	if f.g.LookupOptimized(0) != omg {
		t.Error("lookup regressed after a rejected install")
	}
	if f.reg.Contains(late) {
		t.Error("rejected record must not be registered")
	}
}

func TestGroup_SameTierLastWriterWins(t *testing.T) {
	f := newFixture(t, 0, 1, Config{})
	f.g.MarkBaselineFinished()

	a := f.record(t, callee.ModeOptimizingJIT, 0)
	b := f.record(t, callee.ModeOptimizingJIT, 0)
	f.install(a)
	f.install(b)

	if f.g.LookupOptimized(0) != b {
		t.Fatal("second install should win")
	}
	if f.g.RetiredCount() != 1 {
		t.Fatalf("RetiredCount = %d, want 1", f.g.RetiredCount())
	}

	if n := f.g.SweepRetired(func(c *callee.Callee) bool { return c == a }); n != 0 {
		t.Errorf("live record swept (%d)", n)
	}
	if n := f.g.SweepRetired(nil); n != 1 {
		t.Errorf("SweepRetired released %d, want 1", n)
	}
	if !a.Released() || f.reg.Contains(a) {
		t.Error("swept record must be released and unregistered")
	}
	var ref TriState
	f.g.WithLock(func(l *Locked) { ref = l.CalleeIsReferenced(a) })
	if ref != False {
		t.Errorf("CalleeIsReferenced(old) = %s", ref)
	}
}

func TestGroup_CallSitePatching(t *testing.T) {
	// Two imports, three defined functions: space indices 2, 3, 4.
	f := newFixture(t, 2, 3, Config{})
	f.g.MarkBaselineFinished()
	interpEntry := callee.InterpreterThunks().Entry.Entrypoint()

	caller := f.record(t, callee.ModeBaselineJIT, 0, 3, 0)
	f.install(caller)
	buf := caller.Buffer()

	if got := buf.CallTarget(8); got != interpEntry {
		t.Errorf("call to function 1 targets %#x, want interpreter", got)
	}
	if got := buf.CallTarget(16); got != f.g.ImportThunk(0).Entrypoint() {
		t.Errorf("call to import 0 targets %#x, want its thunk", got)
	}
	if callers := f.g.Callers(1); len(callers) != 1 || callers[0] != 0 {
		t.Errorf("Callers(1) = %v", callers)
	}

	target := f.record(t, callee.ModeOptimizingJIT, 1)
	f.install(target)
	if got := buf.CallTarget(8); got != target.Entrypoint() {
		t.Errorf("caller not repatched: %#x, want %#x", got, target.Entrypoint())
	}

	self := f.record(t, callee.ModeOptimizingJIT, 2, 4)
	f.install(self)
	if got := self.Buffer().CallTarget(8); got != self.Entrypoint() {
		t.Errorf("recursive call targets %#x, want own entry", got)
	}
}

func TestGroup_CallersRepatchedOnTierUp(t *testing.T) {
	f := newFixture(t, 0, 2, Config{})
	f.g.MarkBaselineFinished()

	callerOMG := f.record(t, callee.ModeOptimizingJIT, 0, 1)
	f.install(callerOMG)

	bbq := f.record(t, callee.ModeBaselineJIT, 1)
	f.install(bbq)
	if callerOMG.Buffer().CallTarget(8) != bbq.Entrypoint() {
		t.Fatal("caller should call the baseline code")
	}

	omg := f.record(t, callee.ModeOptimizingJIT, 1)
	f.install(omg)
	if callerOMG.Buffer().CallTarget(8) != omg.Entrypoint() {
		t.Fatal("caller should call the optimized code")
	}

	// A baseline reinstall under the optimizing code must not pull callers back.
	bbq2 := f.record(t, callee.ModeBaselineJIT, 1)
	f.g.WithLock(func(l *Locked) {
		if l.Install(bbq2) {
			t.Error("baseline install over optimizing code accepted")
		}
	})
	if callerOMG.Buffer().CallTarget(8) != omg.Entrypoint() {
		t.Error("caller retargeted to lower tier")
	}
}

func TestGroup_ReleaseBaselineJIT(t *testing.T) {
	f := newFixture(t, 0, 1, Config{FreeRetiredCode: true})
	f.g.MarkBaselineFinished()

	trig := f.g.Interpreter(0).Trigger()
	trig.TryStartCompiling(codegen.BoundsChecking)
	trig.MarkCompiled(codegen.BoundsChecking)

	bbq := f.record(t, callee.ModeBaselineJIT, 0)
	f.install(bbq)
	omg := f.record(t, callee.ModeOptimizingJIT, 0)
	f.install(omg)

	f.g.WithLock(func(l *Locked) { l.ReleaseBaselineJIT(0) })

	rec, strong := f.g.TryGetBaselineJITForLoopOSR(0)
	if rec != bbq || strong {
		t.Errorf("TryGetBaselineJITForLoopOSR = %v, strong %v", rec, strong)
	}
	if trig.Status(codegen.BoundsChecking) != tierup.NotStarted {
		t.Error("interpreter trigger should be reset")
	}
	f.g.WithLock(func(l *Locked) {
		if got := l.CalleeIsReferenced(bbq); got != Indeterminate {
			t.Errorf("CalleeIsReferenced(released baseline) = %s", got)
		}
		if got := l.CalleeIsReferenced(omg); got != True {
			t.Errorf("CalleeIsReferenced(optimizing) = %s", got)
		}
		if got := l.CalleeIsReferenced(f.g.Interpreter(0)); got != True {
			t.Errorf("CalleeIsReferenced(interpreter) = %s", got)
		}
	})

	f.g.SweepRetired(nil)
	if !bbq.Released() {
		t.Error("released baseline code should be swept")
	}
	if rec, _ := f.g.TryGetBaselineJITForLoopOSR(0); rec != nil {
		t.Error("swept baseline must not be handed out for OSR")
	}
	if f.g.LookupOptimized(0) != omg {
		t.Error("optimizing code lost")
	}
}

func TestGroup_OSREntry(t *testing.T) {
	f := newFixture(t, 0, 2, Config{})
	f.g.MarkBaselineFinished()

	owner := f.record(t, callee.ModeBaselineJIT, 1)
	f.install(owner)

	code := &codegen.UnlinkedCode{
		Size:  32,
		Calls: []codegen.CallSite{{Offset: 4, Target: 0}},
	}
	osr := callee.NewOSREntry(1, "f", codegen.BoundsChecking, code, 0, owner)
	osr.SetEntrypoint(f.link(t, code))

	f.g.WithLock(func(l *Locked) {
		if !l.RecordOSREntry(1, osr) {
			t.Fatal("RecordOSREntry refused")
		}
		if l.OSREntry(1) != osr {
			t.Error("OSR entry not recorded")
		}
		if got := l.CalleeIsReferenced(osr); got != True {
			t.Errorf("CalleeIsReferenced(osr) = %s", got)
		}
	})
	if owner.OSREntry() != osr || !f.reg.Contains(osr) {
		t.Error("owner or registry missing the OSR entry")
	}

	target := f.record(t, callee.ModeOptimizingJIT, 0)
	f.install(target)
	if osr.Buffer().CallTarget(4) != target.Entrypoint() {
		t.Error("OSR entry call site not repatched")
	}
}

func TestGroup_NewFromExisting(t *testing.T) {
	f := newFixture(t, 1, 2, Config{})
	f.g.MarkBaselineFinished()

	sig := NewFromExisting(codegen.Signaling, f.g)
	defer sig.Release()

	if !sig.CompilationFinished() || !sig.IsRunnable() {
		t.Fatal("cloned group should be finished and runnable")
	}
	if sig.Interpreter(1) != f.g.Interpreter(1) {
		t.Error("interpreter records should be shared")
	}
	if sig.IndirectCallEntrypoint(1) != f.g.IndirectCallEntrypoint(1) {
		t.Error("entrypoints should be copied")
	}
	if sig.IsSafeToRun(codegen.BoundsChecking) || !sig.IsSafeToRun(codegen.Signaling) {
		t.Error("signaling code needs a signaling memory")
	}
	if !f.g.IsSafeToRun(codegen.Signaling) {
		t.Error("bounds-checking code runs against any memory")
	}

	sig.Release()
	if !f.reg.Contains(f.g.ImportThunk(0)) {
		t.Error("releasing a clone must not unregister shared thunks")
	}
}

func TestGroup_Release(t *testing.T) {
	f := newFixture(t, 1, 2, Config{})
	f.g.MarkBaselineFinished()

	rec := f.record(t, callee.ModeOptimizingJIT, 0)
	f.install(rec)
	f.g.Release()

	if !f.g.Released() || !rec.Released() {
		t.Fatal("Release should free installed code")
	}
	if f.g.LookupOptimized(0) != nil {
		t.Error("released group still hands out code")
	}
	if f.reg.Len() != 0 {
		t.Errorf("registry still holds %d records", f.reg.Len())
	}
	if f.install(f.record(t, callee.ModeOptimizingJIT, 1)) {
		t.Error("install into a released group must be a no-op")
	}
}

func TestGroup_FailureIsolation(t *testing.T) {
	f := newFixture(t, 0, 3, Config{})
	f.g.MarkBaselineFinished()

	ok := f.record(t, callee.ModeOptimizingJIT, 0)
	f.install(ok)

	// A failed tier-up never reaches the group; only the trigger knows.
	trig := f.g.Interpreter(1).Trigger()
	trig.TryStartCompiling(codegen.BoundsChecking)
	trig.MarkFailed(codegen.BoundsChecking, codegen.TierOptimizingJIT,
		errors.CompileFailed(codegen.TierOptimizingJIT, 1, fmt.Errorf("forced")))

	if !f.g.IsRunnable() {
		t.Error("tier-up failure must not make the module unrunnable")
	}
	if f.g.LookupOptimized(0) != ok || f.g.LookupOptimized(1) != nil || f.g.LookupOptimized(2) != nil {
		t.Error("lookups changed after a tier-up failure")
	}
}

func TestGroup_ConcurrentInstallAndLookup(t *testing.T) {
	const n = 8
	f := newFixture(t, 0, n, Config{})
	f.g.MarkBaselineFinished()

	recs := make([][2]*callee.Callee, n)
	for i := range recs {
		recs[i] = [2]*callee.Callee{
			f.record(t, callee.ModeBaselineJIT, module.CodeIndex(i), module.SpaceIndex((i+1)%n)),
			f.record(t, callee.ModeOptimizingJIT, module.CodeIndex(i), module.SpaceIndex((i+1)%n)),
		}
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errc := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(c module.CodeIndex) {
			defer wg.Done()
			best := codegen.TierInterpreter
			for {
				select {
				case <-stop:
					return
				default:
				}
				rec := f.g.LookupOptimized(c)
				if rec == nil {
					if best > codegen.TierInterpreter {
						errc <- fmt.Errorf("function %d lost its JIT code", c)
						return
					}
					continue
				}
				if rec.Tier() < best {
					errc <- fmt.Errorf("function %d went from %s to %s", c, best, rec.Tier())
					return
				}
				best = rec.Tier()
				if len(rec.Handlers()) != 1 || rec.Entrypoint() == 0 {
					errc <- fmt.Errorf("function %d published without handlers", c)
					return
				}
			}
		}(module.CodeIndex(i))
	}

	var installers sync.WaitGroup
	for i := 0; i < n; i++ {
		installers.Add(1)
		go func(i int) {
			defer installers.Done()
			f.install(recs[i][0])
			f.install(recs[i][1])
		}(i)
	}
	installers.Wait()
	close(stop)
	wg.Wait()
	close(errc)

	for err := range errc {
		t.Error(err)
	}
	for i := 0; i < n; i++ {
		if f.g.LookupOptimized(module.CodeIndex(i)) != recs[i][1] {
			t.Errorf("function %d not on optimized code", i)
		}
		next := recs[(i+n-1)%n][1]
		if next.Buffer().CallTarget(8) != recs[i][1].Entrypoint() {
			t.Errorf("caller of %d not retargeted", i)
		}
	}
}

func TestGroup_RecordCallerConcurrent(t *testing.T) {
	f := newFixture(t, 0, 64, Config{})
	var wg sync.WaitGroup
	for caller := 0; caller < 64; caller++ {
		wg.Add(1)
		go func(caller module.CodeIndex) {
			defer wg.Done()
			f.g.RecordCaller(0, caller)
			f.g.RecordCaller(0, caller)
		}(module.CodeIndex(caller))
	}
	wg.Wait()
	if got := len(f.g.Callers(0)); got != 64 {
		t.Errorf("Callers(0) has %d entries, want 64", got)
	}
}
