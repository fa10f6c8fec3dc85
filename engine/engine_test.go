package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/wippyai/wasm-tierup/callee"
	"github.com/wippyai/wasm-tierup/codegen"
	"github.com/wippyai/wasm-tierup/errors"
	"github.com/wippyai/wasm-tierup/module"
	"github.com/wippyai/wasm-tierup/tierup"
	"github.com/wippyai/wasm-tierup/wasm"
)

// testBinary has one import (space 0) and three defined functions
// (space 1, 2, 3). Function 0 calls function 1 and loops; function 2
// calls the import.
func testBinary() []byte {
	m := &wasm.Module{
		ModuleName: "demo",
		Types:      []wasm.FuncType{{}},
		Imports: []wasm.Import{
			{Module: "env", Name: "tick", Kind: wasm.KindFunc, TypeIdx: 0},
		},
		Funcs: []uint32{0, 0, 0},
		Exports: []wasm.Export{
			{Name: "main", Kind: wasm.KindFunc, Idx: 1},
		},
		Code: []wasm.FuncBody{
			{Code: []byte{
				wasm.OpCall, 0x02,
				wasm.OpLoop, 0x40,
				wasm.OpI32Const, 0x00,
				wasm.OpBrIf, 0x00,
				wasm.OpEnd,
				wasm.OpEnd,
			}},
			{Code: []byte{wasm.OpNop, wasm.OpEnd}},
			{Code: []byte{wasm.OpCall, 0x00, wasm.OpEnd}},
		},
		Names: map[uint32]string{1: "main", 2: "leaf", 3: "tick_twice"},
	}
	return m.Encode()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Thresholds = tierup.Thresholds{WarmUp: 3, Soon: 1, LoopWeight: 1}
	cfg.Workers = 1
	cfg.ConcurrentJIT = false
	cfg.ExecutableMemory = "1MiB"
	return cfg
}

// failingLinker fails every link of one defined function.
type failingLinker struct {
	codegen.Linker
	fn  module.CodeIndex
	err error
}

func (l *failingLinker) Link(ctx context.Context, code *codegen.UnlinkedCode) (codegen.LinkedBuffer, error) {
	if code.Function == l.fn && code.Tier == codegen.TierInterpreter {
		return nil, l.err
	}
	return l.Linker.Link(ctx, code)
}

func newTestEngine(t *testing.T, cfg Config, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithRegistry(callee.NewCodeRegistry())}, opts...)
	e, err := New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func loadTestModule(t *testing.T, e *Engine) *Module {
	t.Helper()
	ctx := context.Background()
	m, err := e.LoadModule(ctx, testBinary())
	if err != nil {
		t.Fatalf("LoadModule failed: %v", err)
	}
	if err := m.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	return m
}

func callN(t *testing.T, m *Module, mode codegen.MemoryMode, c module.CodeIndex, n int) *callee.Callee {
	t.Helper()
	var rec *callee.Callee
	for range n {
		var err error
		rec, err = m.Call(context.Background(), mode, c)
		if err != nil {
			t.Fatalf("Call(%d) failed: %v", c, err)
		}
	}
	return rec
}

func TestEngine_LoadModule(t *testing.T) {
	e := newTestEngine(t, testConfig())
	m := loadTestModule(t, e)

	if !m.IsRunnable() || m.ErrorMessage() != "" {
		t.Fatalf("module not runnable: %q", m.ErrorMessage())
	}
	if m.Info().ModuleName != "demo" {
		t.Errorf("ModuleName = %q", m.Info().ModuleName)
	}
	space := m.Info().Space()
	if space.ImportCount() != 1 || space.DefinedCount() != 3 {
		t.Fatalf("space = %d imports, %d defined", space.ImportCount(), space.DefinedCount())
	}

	for c := range module.CodeIndex(3) {
		rec, err := m.Current(codegen.BoundsChecking, c)
		if err != nil {
			t.Fatalf("Current(%d) failed: %v", c, err)
		}
		if rec.Mode() != callee.ModeInterpreter {
			t.Errorf("function %d starts in %s", c, rec.Mode())
		}
		ep, err := m.Entrypoint(codegen.BoundsChecking, space.ToSpaceIndex(c))
		if err != nil || ep != rec.Entrypoint() {
			t.Errorf("Entrypoint(%d) = %#x, %v; want %#x", c, ep, err, rec.Entrypoint())
		}
	}

	if _, err := m.Entrypoint(codegen.BoundsChecking, 9); !errors.IsKind(err, errors.KindInvalidIndex) {
		t.Errorf("Entrypoint(9) error = %v", err)
	}
	if _, err := m.Call(context.Background(), codegen.BoundsChecking, 3); !errors.IsKind(err, errors.KindInvalidIndex) {
		t.Errorf("Call(3) error = %v", err)
	}

	st := e.Stats()
	if st.Modules != 1 || st.Registered == 0 || st.Memory.Used == 0 {
		t.Errorf("engine stats = %+v", st)
	}
}

func TestEngine_TierProgression(t *testing.T) {
	e := newTestEngine(t, testConfig())
	m := loadTestModule(t, e)
	bc := codegen.BoundsChecking

	if rec := callN(t, m, bc, 1, 2); rec.Mode() != callee.ModeInterpreter {
		t.Fatalf("after 2 calls: %s, want interpreter", rec.Mode())
	}
	if rec := callN(t, m, bc, 1, 1); rec.Mode() != callee.ModeBaselineJIT {
		t.Fatalf("after 3 calls: %s, want baseline-jit", rec.Mode())
	}
	if rec := callN(t, m, bc, 1, 2); rec.Mode() != callee.ModeBaselineJIT {
		t.Fatalf("after 5 calls: %s, want baseline-jit", rec.Mode())
	}
	omg := callN(t, m, bc, 1, 1)
	if omg.Mode() != callee.ModeOptimizingJIT {
		t.Fatalf("after 6 calls: %s, want optimizing-jit", omg.Mode())
	}
	if rec := callN(t, m, bc, 1, 10); rec != omg {
		t.Errorf("optimized record replaced by %v", rec)
	}

	g, err := m.CalleeGroupFor(bc)
	if err != nil {
		t.Fatal(err)
	}
	if bbq, _ := g.TryGetBaselineJITForLoopOSR(1); bbq != nil {
		t.Error("baseline record should be released once optimized code is installed")
	}
	if g.RetiredCount() == 0 {
		t.Error("released baseline code should be retired")
	}
	if n := m.SweepRetired(nil); n == 0 {
		t.Error("SweepRetired freed nothing")
	}

	// Callers are recorded when the caller's JIT code is installed.
	if rec := callN(t, m, bc, 0, 3); rec.Mode() != callee.ModeBaselineJIT {
		t.Fatalf("function 0 is %s, want baseline-jit", rec.Mode())
	}

	s := m.Stats(bc)
	if s.Scheduled != 3 || s.Installed != 3 || s.Failed != 0 {
		t.Errorf("counters = %d scheduled, %d installed, %d failed", s.Scheduled, s.Installed, s.Failed)
	}
	if s.ByTier["optimizing-jit"] != 1 || s.ByTier["baseline-jit"] != 1 || s.ByTier["interpreter"] != 1 {
		t.Errorf("ByTier = %v", s.ByTier)
	}
	if fs := s.Functions[1]; fs.Name != "leaf" || fs.Tier != "optimizing-jit" || fs.Calls != 6 {
		t.Errorf("function 1 stats = %+v", fs)
	}
	if fs := s.Functions[1]; len(fs.Callers) != 1 || fs.Callers[0] != 0 {
		t.Errorf("callers of function 1 = %v", fs.Callers)
	}
}

func TestEngine_LoopTierUp(t *testing.T) {
	e := newTestEngine(t, testConfig())
	m := loadTestModule(t, e)
	ctx := context.Background()
	bc := codegen.BoundsChecking

	// Interpreter back edges count toward the baseline tier.
	for range 3 {
		if osr, err := m.OnLoop(ctx, bc, 0, 0); err != nil || osr != nil {
			t.Fatalf("OnLoop in the interpreter = %v, %v", osr, err)
		}
	}
	bbq, err := m.Current(bc, 0)
	if err != nil || bbq.Mode() != callee.ModeBaselineJIT {
		t.Fatalf("Current(0) = %v, %v; want baseline-jit", bbq, err)
	}

	// Baseline back edges count toward an OSR entry.
	var osr *callee.Callee
	for range 3 {
		if osr, err = m.OnLoop(ctx, bc, 0, 0); err != nil {
			t.Fatal(err)
		}
	}
	if osr == nil || osr.Mode() != callee.ModeOSREntry {
		t.Fatalf("OnLoop after warm-up = %v, want an OSR entry", osr)
	}
	if osr.LoopIndex() != 0 || osr.Owner() != bbq || bbq.OSREntry() != osr {
		t.Errorf("OSR entry not linked to its owner")
	}
	if again, _ := m.OnLoop(ctx, bc, 0, 0); again != osr {
		t.Errorf("OnLoop returned %v, want the existing OSR entry", again)
	}
	if fs := m.Stats(bc).Functions[0]; fs.OSR != "compiled" {
		t.Errorf("OSR status = %q", fs.OSR)
	}
}

func TestEngine_FunctionIndexRange(t *testing.T) {
	cfg := testConfig()
	cfg.FunctionIndexRange = "0:1"
	e := newTestEngine(t, cfg)
	m := loadTestModule(t, e)

	if rec := callN(t, m, codegen.BoundsChecking, 1, 20); rec.Mode() != callee.ModeInterpreter {
		t.Errorf("function outside the range tiered up to %s", rec.Mode())
	}
	if rec := callN(t, m, codegen.BoundsChecking, 0, 3); rec.Mode() != callee.ModeBaselineJIT {
		t.Errorf("function inside the range is %s", rec.Mode())
	}
	fs := m.Stats(codegen.BoundsChecking).Functions[1]
	if fs.Status != "not-started" || fs.Counter >= 0 {
		t.Errorf("out-of-range function stats = %+v", fs)
	}
}

func TestEngine_OptimizingOnly(t *testing.T) {
	cfg := testConfig()
	cfg.UseBaselineJIT = false
	e := newTestEngine(t, cfg)
	m := loadTestModule(t, e)

	if rec := callN(t, m, codegen.BoundsChecking, 2, 3); rec.Mode() != callee.ModeOptimizingJIT {
		t.Errorf("without the baseline tier, function 2 is %s", rec.Mode())
	}
}

func TestEngine_SignalingGroup(t *testing.T) {
	e := newTestEngine(t, testConfig())
	m := loadTestModule(t, e)

	sig, err := m.CalleeGroupFor(codegen.Signaling)
	if err != nil {
		t.Fatalf("CalleeGroupFor failed: %v", err)
	}
	if again, _ := m.CalleeGroupFor(codegen.Signaling); again != sig {
		t.Error("CalleeGroupFor should return the existing group")
	}
	if !sig.IsSafeToRun(codegen.Signaling) {
		t.Error("signaling group should be safe to run in signaling mode")
	}

	rec := callN(t, m, codegen.Signaling, 2, 3)
	if rec.Mode() != callee.ModeBaselineJIT || rec.MemoryMode() != codegen.Signaling {
		t.Fatalf("signaling call = %s in %s", rec.Mode(), rec.MemoryMode())
	}
	primary, err := m.Current(codegen.BoundsChecking, 2)
	if err != nil || primary.Mode() != callee.ModeInterpreter {
		t.Errorf("bounds-checking group saw the signaling tier-up: %v, %v", primary, err)
	}
	if s := m.Stats(codegen.Signaling); s.MemoryMode != "signaling" || s.ByTier["baseline-jit"] != 1 {
		t.Errorf("signaling stats = %+v", s)
	}
}

func TestEngine_BaselineFailure(t *testing.T) {
	cfg := testConfig()
	probe := newTestEngine(t, cfg)
	fail := &failingLinker{Linker: probe.linker, fn: 2, err: codegen.ErrOutOfExecutableMemory}
	e := newTestEngine(t, cfg, WithLinker(fail))

	ctx := context.Background()
	m, err := e.LoadModule(ctx, testBinary())
	if err != nil {
		t.Fatalf("LoadModule failed: %v", err)
	}
	err = m.Wait(ctx)
	if !errors.IsKind(err, errors.KindNotRunnable) {
		t.Fatalf("Wait error = %v, want not runnable", err)
	}
	if m.IsRunnable() {
		t.Fatal("module should not be runnable")
	}
	msg := m.ErrorMessage()
	if !strings.Contains(msg, "Out of executable memory") || !strings.Contains(msg, "index 2") {
		t.Errorf("ErrorMessage = %q", msg)
	}

	_, err = m.Call(ctx, codegen.BoundsChecking, 0)
	if !errors.IsKind(err, errors.KindNotRunnable) || !strings.Contains(err.Error(), msg) {
		t.Errorf("Call error = %v", err)
	}
	if s := m.Stats(codegen.BoundsChecking); s.Runnable || s.Error != msg || len(s.Functions) != 0 {
		t.Errorf("stats of failed module = %+v", s)
	}
}

func TestEngine_Concurrent(t *testing.T) {
	cfg := testConfig()
	cfg.ConcurrentJIT = true
	cfg.Workers = 2
	e := newTestEngine(t, cfg)
	m := loadTestModule(t, e)

	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, err := m.Call(context.Background(), codegen.BoundsChecking, 1)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Mode() == callee.ModeOptimizingJIT {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("function 1 stuck in %s", rec.Mode())
		}
		time.Sleep(time.Millisecond)
	}
	if st := e.Stats().Worklist; st.Enqueued < 3 {
		t.Errorf("worklist stats = %+v", st)
	}
}

func TestEngine_Validation(t *testing.T) {
	e := newTestEngine(t, testConfig())
	_, err := e.LoadModule(context.Background(), []byte("\x00asm\x01\x00\x00\x00\x0a"))
	if !errors.IsKind(err, errors.KindValidation) {
		t.Errorf("LoadModule error = %v, want a validation error", err)
	}

	cfg := testConfig()
	cfg.ValidateModules = false
	e = newTestEngine(t, cfg)
	_, err = e.LoadModule(context.Background(), []byte("not wasm"))
	if !errors.IsKind(err, errors.KindParse) {
		t.Errorf("LoadModule error = %v, want a parse error", err)
	}
}

func TestEngine_Close(t *testing.T) {
	e := newTestEngine(t, testConfig())
	before := e.Stats().Memory.Used
	m := loadTestModule(t, e)
	ctx := context.Background()

	if _, err := m.CalleeGroupFor(codegen.Signaling); err != nil {
		t.Fatalf("CalleeGroupFor failed: %v", err)
	}
	callN(t, m, codegen.BoundsChecking, 1, 6)
	callN(t, m, codegen.Signaling, 2, 3)
	if e.Stats().Memory.Used == before {
		t.Fatal("loading and tiering allocated no code")
	}

	m.Close()
	if _, err := m.CalleeGroupFor(codegen.Signaling); !errors.IsKind(err, errors.KindTornDown) {
		t.Errorf("CalleeGroupFor after Close = %v", err)
	}
	if n := e.Stats().Modules; n != 0 {
		t.Errorf("closed module still tracked: %d", n)
	}
	if used := e.Stats().Memory.Used; used != before {
		t.Errorf("executable memory after Close = %d, want %d", used, before)
	}

	m = loadTestModule(t, e)
	if err := e.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := m.Call(ctx, codegen.BoundsChecking, 0); err == nil {
		t.Error("Call after Close should fail")
	}
	if _, err := e.LoadModule(ctx, testBinary()); !errors.IsKind(err, errors.KindTornDown) {
		t.Errorf("LoadModule after Close = %v", err)
	}
	if err := e.Close(ctx); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestEngine_CancelledContext(t *testing.T) {
	cfg := testConfig()
	cfg.ValidateModules = false
	e := newTestEngine(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m, err := e.LoadModule(ctx, testBinary())
	if err != nil {
		t.Fatalf("LoadModule failed: %v", err)
	}
	// A worker may have picked the plan up, in which case the cancelled
	// wait returns early; the plan itself still finishes.
	if err := m.Wait(context.Background()); err != nil {
		t.Fatalf("baseline compile failed: %v", err)
	}

	for range 3 {
		if _, err := m.Call(ctx, codegen.BoundsChecking, 1); err != nil {
			t.Fatalf("Call failed: %v", err)
		}
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, err := m.Current(codegen.BoundsChecking, 1)
		if err != nil {
			t.Fatalf("Current failed: %v", err)
		}
		if rec.Tier() == codegen.TierBaselineJIT {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("still at %s", rec.Tier())
		}
		time.Sleep(time.Millisecond)
	}
	st := m.Stats(codegen.BoundsChecking)
	if st.Failed != 0 {
		t.Errorf("failed plans = %d", st.Failed)
	}
	if st.Functions[1].LastError != "" {
		t.Errorf("last error recorded: %s", st.Functions[1].LastError)
	}
}

func TestModule_CurrentInvalidIndex(t *testing.T) {
	e := newTestEngine(t, testConfig())
	m := loadTestModule(t, e)

	if _, err := m.Current(codegen.BoundsChecking, 3); !errors.IsKind(err, errors.KindInvalidIndex) {
		t.Errorf("Current(3) = %v", err)
	}
	if rec, err := m.Current(codegen.BoundsChecking, 2); err != nil || rec == nil {
		t.Errorf("Current(2) = %v, %v", rec, err)
	}
}

func TestModule_Profile(t *testing.T) {
	e := newTestEngine(t, testConfig())
	m := loadTestModule(t, e)

	callN(t, m, codegen.BoundsChecking, 1, 2)
	callN(t, m, codegen.BoundsChecking, 0, 1)

	prof := m.profile(0)
	if prof.Invocations != 1 {
		t.Errorf("Invocations = %d, want 1", prof.Invocations)
	}
	if n := prof.CallCounts[2]; n != 2 {
		t.Errorf("calls to space 2 = %d, want 2", n)
	}
	if _, ok := prof.CallCounts[3]; ok {
		t.Error("uncalled function should be left out")
	}
}
