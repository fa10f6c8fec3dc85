package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-tierup/callee"
	"github.com/wippyai/wasm-tierup/calleegroup"
	"github.com/wippyai/wasm-tierup/codegen"
	"github.com/wippyai/wasm-tierup/errors"
	"github.com/wippyai/wasm-tierup/module"
	"github.com/wippyai/wasm-tierup/plan"
	"github.com/wippyai/wasm-tierup/tierup"
)

// Module is a loaded module: its metadata, its callee group per memory
// mode, and the tier-up driver the call-dispatch path reports to.
type Module struct {
	e        *Engine
	info     *module.Info
	compiler *plan.Compiler
	entry    *plan.EntryPlan
	log      *zap.Logger
	id       uuid.UUID

	mu     sync.Mutex
	groups [codegen.NumMemoryModes]*calleegroup.Group
	closed bool

	scheduled atomic.Uint64
	installed atomic.Uint64
	failed    atomic.Uint64

	// calls counts reported calls per code index, for optimizing-tier
	// profiles.
	calls []atomic.Uint64
}

func newModule(e *Engine, info *module.Info) *Module {
	m := &Module{
		e:     e,
		info:  info,
		id:    uuid.New(),
		calls: make([]atomic.Uint64, info.Space().DefinedCount()),
	}
	m.log = e.log.With(zap.String("module", info.ModuleName), zap.String("id", m.id.String()))
	m.compiler = &plan.Compiler{
		Backend:           e.backend,
		Linker:            e.linker,
		Logger:            m.log,
		Thresholds:        e.cfg.Thresholds,
		InterpreterTarget: e.cfg.interpreterTarget(),
		Parallelism:       e.cfg.Workers,
	}
	g := calleegroup.New(info, e.mode, e.groupConfig())
	m.groups[e.mode] = g
	m.entry = plan.NewEntryPlan(m.compiler, g)
	return m
}

// ID returns the module's identifier used in logs.
func (m *Module) ID() uuid.UUID { return m.id }

// Info returns the module metadata.
func (m *Module) Info() *module.Info { return m.info }

func (m *Module) primary() *calleegroup.Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groups[m.e.mode]
}

// Wait blocks until the baseline compile ends. It returns a NotRunnable
// error carrying the module's error message if it failed.
func (m *Module) Wait(ctx context.Context) error {
	g := m.primary()
	if err := g.WaitUntilFinished(ctx); err != nil {
		return err
	}
	if !g.IsRunnable() {
		return errors.NotRunnable(g.ErrorMessage())
	}
	return nil
}

// IsRunnable reports whether the baseline compile succeeded.
func (m *Module) IsRunnable() bool { return m.primary().IsRunnable() }

// ErrorMessage returns the baseline failure message, or "".
func (m *Module) ErrorMessage() string { return m.primary().ErrorMessage() }

// CalleeGroupFor returns the group for mode. Groups for other modes than
// the engine's are cloned from the primary group on first use, which
// requires a finished baseline.
func (m *Module) CalleeGroupFor(mode codegen.MemoryMode) (*calleegroup.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New(errors.PhaseLoad, errors.KindTornDown).Detail("module closed").Build()
	}
	if g := m.groups[mode]; g != nil {
		return g, nil
	}
	primary := m.groups[m.e.mode]
	if !primary.CompilationFinished() {
		return nil, errors.New(errors.PhaseLoad, errors.KindMemoryMode).
			Detail("baseline compile for %s still running", mode).Build()
	}
	g := calleegroup.NewFromExisting(mode, primary)
	m.groups[mode] = g
	m.log.Debug("callee group created", zap.Stringer("memory_mode", mode))
	return g, nil
}

// runnableGroup returns the group for mode if code may run in it.
func (m *Module) runnableGroup(mode codegen.MemoryMode) (*calleegroup.Group, error) {
	g, err := m.CalleeGroupFor(mode)
	if err != nil {
		return nil, err
	}
	if !g.IsRunnable() {
		if !g.CompilationFinished() {
			return nil, errors.NotRunnable("baseline compile still running")
		}
		return nil, errors.NotRunnable(g.ErrorMessage())
	}
	return g, nil
}

// Entrypoint returns the address a call to s jumps to in mode.
func (m *Module) Entrypoint(mode codegen.MemoryMode, s module.SpaceIndex) (codegen.CodePtr, error) {
	if !m.info.Space().IsValid(s) {
		return 0, errors.InvalidIndex(errors.PhaseLoad, uint32(s), m.info.Space().Total())
	}
	g, err := m.runnableGroup(mode)
	if err != nil {
		return 0, err
	}
	return g.IndirectCallEntrypoint(s), nil
}

// Current returns the record a call to c runs in mode: the best JIT
// record, or the interpreter record.
func (m *Module) Current(mode codegen.MemoryMode, c module.CodeIndex) (*callee.Callee, error) {
	if err := m.checkIndex(c); err != nil {
		return nil, err
	}
	g, err := m.runnableGroup(mode)
	if err != nil {
		return nil, err
	}
	return current(g, c), nil
}

func current(g *calleegroup.Group, c module.CodeIndex) *callee.Callee {
	if rec := g.LookupOptimized(c); rec != nil {
		return rec
	}
	return g.Interpreter(c)
}

// Call reports one call to c and returns the record the call runs. It
// counts the call on whichever tier is current and may schedule a tier-up.
func (m *Module) Call(ctx context.Context, mode codegen.MemoryMode, c module.CodeIndex) (*callee.Callee, error) {
	if err := m.checkIndex(c); err != nil {
		return nil, err
	}
	g, err := m.runnableGroup(mode)
	if err != nil {
		return nil, err
	}
	switch cur := current(g, c); cur.Mode() {
	case callee.ModeInterpreter:
		return m.OnCall(ctx, mode, c)
	case callee.ModeBaselineJIT:
		return m.OnBaselineJITCall(ctx, mode, c)
	default:
		return cur, nil
	}
}

// OnCall is reported by the interpreter on entry to c. It bumps c's
// interpreter trigger and schedules the next tier when it fires. It
// returns the record the call should run.
func (m *Module) OnCall(ctx context.Context, mode codegen.MemoryMode, c module.CodeIndex) (*callee.Callee, error) {
	if err := m.checkIndex(c); err != nil {
		return nil, err
	}
	g, err := m.runnableGroup(mode)
	if err != nil {
		return nil, err
	}
	m.calls[c].Add(1)
	trig := g.Interpreter(c).Trigger()
	if !trig.Increment(1) {
		return current(g, c), nil
	}
	m.tierUp(ctx, g, c, trig, m.interpreterPlan(g, c, trig))
	return current(g, c), nil
}

// OnBaselineJITCall is reported by baseline code on entry to c. It bumps
// the baseline record's trigger and schedules the optimizing tier when it
// fires.
func (m *Module) OnBaselineJITCall(ctx context.Context, mode codegen.MemoryMode, c module.CodeIndex) (*callee.Callee, error) {
	if err := m.checkIndex(c); err != nil {
		return nil, err
	}
	g, err := m.runnableGroup(mode)
	if err != nil {
		return nil, err
	}
	m.calls[c].Add(1)
	bbq, _ := g.TryGetBaselineJITForLoopOSR(c)
	if bbq == nil {
		return current(g, c), nil
	}
	trig := bbq.Trigger()
	if !trig.Increment(1) {
		return current(g, c), nil
	}
	m.tierUp(ctx, g, c, trig, func() plan.Plan {
		return m.optimizingPlan(g, c, trig)
	})
	return current(g, c), nil
}

// interpreterPlan builds the plan an interpreter trigger asks for.
func (m *Module) interpreterPlan(g *calleegroup.Group, c module.CodeIndex, trig *tierup.Trigger) func() plan.Plan {
	return func() plan.Plan {
		if trig.Target() == codegen.TierBaselineJIT {
			return plan.NewBaselineJITPlan(m.compiler, g, c, trig)
		}
		return m.optimizingPlan(g, c, trig)
	}
}

func (m *Module) optimizingPlan(g *calleegroup.Group, c module.CodeIndex, trig *tierup.Trigger) plan.Plan {
	p := plan.NewOptimizingJITPlan(m.compiler, g, c, trig)
	p.SetProfile(m.profile(c))
	return p
}

// profile snapshots the call counts seen so far. Functions never called
// are left out.
func (m *Module) profile(c module.CodeIndex) *codegen.Profile {
	space := m.info.Space()
	prof := &codegen.Profile{
		CallCounts:  make(map[module.SpaceIndex]uint64),
		Invocations: m.calls[c].Load(),
	}
	for i := range m.calls {
		if n := m.calls[i].Load(); n > 0 {
			prof.CallCounts[space.ToSpaceIndex(module.CodeIndex(i))] = n
		}
	}
	return prof
}

// tierUp runs when trig reaches its threshold.
func (m *Module) tierUp(ctx context.Context, g *calleegroup.Group, c module.CodeIndex, trig *tierup.Trigger, build func() plan.Plan) {
	target := trig.Target()
	if cur := g.LookupOptimized(c); cur != nil && cur.Tier() >= target {
		// Already running the target tier, for example after the baseline
		// record was released and the interpreter trigger rearmed.
		trig.DeferIndefinitely()
		return
	}
	if !m.e.shouldJIT(target, c) {
		trig.DeferIndefinitely()
		return
	}

	switch trig.TryStartCompiling(g.Mode()) {
	case tierup.NotStarted:
		trig.OptimizeAfterWarmUp()
		m.submit(ctx, build(), c, target)
	case tierup.Compiling:
		trig.OptimizeAfterWarmUp()
	case tierup.Compiled, tierup.Failed:
		trig.DeferIndefinitely()
	}
}

// OnLoop is reported on a back edge of loop in c. In the interpreter it
// counts toward the next tier; in baseline code it counts toward an OSR
// entry for the loop. It returns the OSR entry to jump to, or nil to keep
// running the current code.
func (m *Module) OnLoop(ctx context.Context, mode codegen.MemoryMode, c module.CodeIndex, loop uint32) (*callee.Callee, error) {
	if err := m.checkIndex(c); err != nil {
		return nil, err
	}
	g, err := m.runnableGroup(mode)
	if err != nil {
		return nil, err
	}

	bbq, _ := g.TryGetBaselineJITForLoopOSR(c)
	if bbq == nil {
		if g.TryGetOptimizingJIT(c) != nil {
			return nil, nil
		}
		trig := g.Interpreter(c).Trigger()
		if trig.IncrementLoop() {
			m.tierUp(ctx, g, c, trig, m.interpreterPlan(g, c, trig))
		}
		return nil, nil
	}

	if osr := bbq.OSREntry(); osr != nil && osr.LoopIndex() == loop {
		return osr, nil
	}
	trig := bbq.Trigger()
	if !trig.IncrementLoop() {
		return nil, nil
	}
	if !m.e.cfg.UseOSR || !m.e.shouldJIT(codegen.TierOptimizingJIT, c) || g.TryGetOptimizingJIT(c) != nil {
		return nil, nil
	}

	switch trig.TryStartOSR(g.Mode()) {
	case tierup.NotStarted:
		trig.OptimizeAfterWarmUp()
		m.submit(ctx, plan.NewOSREntryPlan(m.compiler, g, bbq, loop), c, codegen.TierOptimizingJIT)
	case tierup.Compiling:
		trig.OptimizeAfterWarmUp()
	}
	if osr := bbq.OSREntry(); osr != nil && osr.LoopIndex() == loop {
		return osr, nil
	}
	return nil, nil
}

func (m *Module) submit(ctx context.Context, p plan.Plan, c module.CodeIndex, tier codegen.Tier) {
	m.scheduled.Add(1)
	p.AddCompletionTask(func(p plan.Plan) {
		if p.Failed() {
			m.failed.Add(1)
			return
		}
		m.installed.Add(1)
	})
	if err := m.e.schedule(ctx, p); err != nil {
		m.log.Warn("tier-up not scheduled",
			zap.Uint32("function", uint32(c)), zap.Stringer("tier", tier), zap.Error(err))
		return
	}
	m.log.Debug("tier-up scheduled",
		zap.Uint32("function", uint32(c)), zap.Stringer("tier", tier), zap.Stringer("kind", p.Kind()))
}

func (m *Module) checkIndex(c module.CodeIndex) error {
	if n := m.info.Space().DefinedCount(); uint32(c) >= n {
		return errors.InvalidIndex(errors.PhaseTierUp, uint32(c), n)
	}
	return nil
}

// SweepRetired frees replaced code in every group. live reports records
// still executing on some stack; nil means none are.
func (m *Module) SweepRetired(live func(*callee.Callee) bool) int {
	if live == nil {
		live = func(*callee.Callee) bool { return false }
	}
	m.mu.Lock()
	groups := m.groups
	m.mu.Unlock()

	n := 0
	for _, g := range groups {
		if g != nil {
			n += g.SweepRetired(live)
		}
	}
	return n
}

// Close releases every group. Plans still running finish and drop their
// results.
func (m *Module) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	groups := m.groups
	m.mu.Unlock()

	for _, g := range groups {
		if g != nil {
			g.Release()
		}
	}
	m.e.forget(m)
}

func (m *Module) String() string {
	return fmt.Sprintf("module %q (%s)", m.info.ModuleName, m.id)
}
