// Package calleegroup implements the per-module, per-memory-mode registry
// that owns every code record of a module, arbitrates concurrent
// installation of higher tiers and retargets direct call sites when a
// function's code is replaced.
//
// Two locks are involved. The group lock serializes installation, staging
// and teardown; callers reach it through WithLock. Each function slot has
// its own mutex guarding its baseline-JIT reference and its caller set, so
// executing code can look up a replacement without waiting on an unrelated
// install.
package calleegroup

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-tierup/callee"
	"github.com/wippyai/wasm-tierup/calleegroup/internal/adjacency"
	"github.com/wippyai/wasm-tierup/codegen"
	"github.com/wippyai/wasm-tierup/errors"
	"github.com/wippyai/wasm-tierup/module"
)

// TriState is a three-valued answer.
type TriState uint8

const (
	False TriState = iota
	True
	Indeterminate
)

func (t TriState) String() string {
	switch t {
	case False:
		return "false"
	case True:
		return "true"
	default:
		return "indeterminate"
	}
}

// slot holds the JIT records of one function.
type slot struct {
	mu         sync.Mutex
	baseline   callee.WeakOrStrong[callee.Callee]
	callers    adjacency.Set
	optimizing atomic.Pointer[callee.Callee]
}

// staging is the single-entry area a record sits in while its call sites
// are patched.
type staging struct {
	baseline   callee.WeakOrStrong[callee.Callee]
	optimizing *callee.Callee
	index      module.CodeIndex
	active     bool
}

// Config controls a group.
type Config struct {
	// Registry receives every published record. Defaults to callee.Registry().
	Registry *callee.CodeRegistry

	// Logger overrides the package logger.
	Logger *zap.Logger

	// FreeRetiredCode demotes baseline-JIT records to weak references once
	// the optimizing tier has been installed over them.
	FreeRetiredCode bool
}

// CompletionFunc is called when the mandatory baseline compile ends.
// async is false when the group had already finished at registration.
type CompletionFunc func(g *Group, async bool)

// Group is the callee group of one module in one memory mode.
type Group struct {
	info     *module.Info
	space    module.IndexSpace
	registry *callee.CodeRegistry
	baseLog  *zap.Logger
	log      *zap.Logger
	id       uuid.UUID

	mu           sync.Mutex
	slots        []slot
	installing   staging
	osrEntries   map[module.CodeIndex]weak.Pointer[callee.Callee]
	interpreters []*callee.Callee
	importThunks []*callee.Callee
	entrypoints  []atomic.Uintptr
	retired      []*callee.Callee
	tasks        []CompletionFunc

	err         atomic.Pointer[errors.Error]
	done        chan struct{}
	finishOnce  sync.Once
	finished    atomic.Bool
	released    atomic.Bool
	freeRetired bool
	ownsThunks  bool
	mode        codegen.MemoryMode
}

// New creates an empty group. The mandatory baseline compile fills it in
// through PopulateBaseline and MarkBaselineFinished, or Fail.
func New(info *module.Info, mode codegen.MemoryMode, cfg Config) *Group {
	space := info.Space()
	g := &Group{
		info:        info,
		space:       space,
		registry:    cfg.Registry,
		id:          uuid.New(),
		slots:       make([]slot, space.DefinedCount()),
		osrEntries:  make(map[module.CodeIndex]weak.Pointer[callee.Callee]),
		entrypoints: make([]atomic.Uintptr, space.DefinedCount()),
		done:        make(chan struct{}),
		freeRetired: cfg.FreeRetiredCode,
		mode:        mode,
	}
	if g.registry == nil {
		g.registry = callee.Registry()
	}
	log := cfg.Logger
	if log == nil {
		log = Logger()
	}
	g.baseLog = log
	g.log = log.With(zap.String("group", g.id.String()), zap.Stringer("memory_mode", mode))
	for i := range g.slots {
		g.slots[i].callers = adjacency.New(space.DefinedCount())
	}
	return g
}

// NewFromExisting creates a finished group for mode that shares other's
// interpreter records, import thunks and indirect-call entrypoints. JIT
// records are not shared; they are compiled per memory mode.
func NewFromExisting(mode codegen.MemoryMode, other *Group) *Group {
	g := New(other.info, mode, Config{
		Registry:        other.registry,
		Logger:          other.baseLog,
		FreeRetiredCode: other.freeRetired,
	})

	other.mu.Lock()
	g.interpreters = other.interpreters
	g.importThunks = other.importThunks
	for i := range other.entrypoints {
		g.entrypoints[i].Store(other.entrypoints[i].Load())
	}
	other.mu.Unlock()

	if e := other.err.Load(); e != nil {
		g.err.Store(e)
	}
	g.finish()
	return g
}

// ID returns the group's identifier used in logs.
func (g *Group) ID() uuid.UUID { return g.id }

// Mode returns the memory mode the group's code is compiled for.
func (g *Group) Mode() codegen.MemoryMode { return g.mode }

// Info returns the module metadata.
func (g *Group) Info() *module.Info { return g.info }

// Space returns the module's function index space.
func (g *Group) Space() module.IndexSpace { return g.space }

// Registry returns the reverse address registry records are published to.
func (g *Group) Registry() *callee.CodeRegistry { return g.registry }

// FreesRetiredCode reports whether baseline-JIT code is released after
// the optimizing tier is installed.
func (g *Group) FreesRetiredCode() bool { return g.freeRetired }

// PopulateBaseline stores the interpreter records, one per defined
// function, and the exit thunks, one per import. It must be called once,
// before MarkBaselineFinished.
func (g *Group) PopulateBaseline(interpreters, importThunks []*callee.Callee) {
	if uint32(len(interpreters)) != g.space.DefinedCount() {
		panic(fmt.Sprintf("calleegroup: %d interpreter records for %d functions", len(interpreters), g.space.DefinedCount()))
	}
	if uint32(len(importThunks)) != g.space.ImportCount() {
		panic(fmt.Sprintf("calleegroup: %d import thunks for %d imports", len(importThunks), g.space.ImportCount()))
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.interpreters != nil {
		panic("calleegroup: baseline populated twice")
	}
	for i, c := range interpreters {
		if !c.Linked() {
			panic(fmt.Sprintf("calleegroup: interpreter record %d is not linked", i))
		}
		g.entrypoints[i].Store(uintptr(c.Entrypoint()))
	}
	for _, th := range importThunks {
		g.registry.Register(th)
	}
	g.interpreters = interpreters
	g.importThunks = importThunks
	g.ownsThunks = true
}

// MarkBaselineFinished marks the module runnable. Only the first call has
// an effect.
func (g *Group) MarkBaselineFinished() {
	g.finish()
}

// Fail records a failure of the mandatory baseline compile and finishes
// the group. The first failure wins; later ones are dropped.
func (g *Group) Fail(err error) {
	if err == nil {
		return
	}
	bf := errors.BaselineFailure(err)
	if g.err.CompareAndSwap(nil, bf) {
		g.log.Warn("baseline compile failed", zap.Error(err))
	}
	g.finish()
}

func (g *Group) finish() {
	g.finishOnce.Do(func() {
		g.mu.Lock()
		g.finished.Store(true)
		tasks := g.tasks
		g.tasks = nil
		g.mu.Unlock()

		close(g.done)
		for _, fn := range tasks {
			fn(g, true)
		}
	})
}

// CompilationFinished reports whether the mandatory baseline compile has
// ended, successfully or not.
func (g *Group) CompilationFinished() bool {
	return g.finished.Load()
}

// IsRunnable reports whether the baseline compile finished without error.
func (g *Group) IsRunnable() bool {
	return g.finished.Load() && g.err.Load() == nil
}

// Err returns the module-level error, or nil.
func (g *Group) Err() error {
	if e := g.err.Load(); e != nil {
		return e
	}
	return nil
}

// ErrorMessage returns the module-level error message. It is empty unless
// the group is finished and not runnable.
func (g *Group) ErrorMessage() string {
	if e := g.err.Load(); e != nil {
		return e.Error()
	}
	return ""
}

// IsSafeToRun reports whether the group's code may run against a memory
// in memMode. Code without bounds checks needs a signaling memory.
func (g *Group) IsSafeToRun(memMode codegen.MemoryMode) bool {
	if !g.IsRunnable() {
		return false
	}
	switch g.mode {
	case codegen.BoundsChecking:
		return true
	case codegen.Signaling:
		return memMode == codegen.Signaling
	}
	panic(fmt.Sprintf("calleegroup: unknown memory mode %d", g.mode))
}

// Done returns a channel closed when the baseline compile ends.
func (g *Group) Done() <-chan struct{} { return g.done }

// WaitUntilFinished blocks until the baseline compile ends or ctx is done.
func (g *Group) WaitUntilFinished(ctx context.Context) error {
	select {
	case <-g.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CompileAsync calls fn once the baseline compile ends. If it already has,
// fn runs on the calling goroutine with async set to false.
func (g *Group) CompileAsync(fn CompletionFunc) {
	g.mu.Lock()
	if !g.finished.Load() {
		g.tasks = append(g.tasks, fn)
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	fn(g, false)
}

// Interpreter returns the interpreter record of a defined function.
func (g *Group) Interpreter(c module.CodeIndex) *callee.Callee {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.interpreters == nil {
		return nil
	}
	return g.interpreters[c]
}

// ImportThunk returns the exit thunk of an imported function.
func (g *Group) ImportThunk(s module.SpaceIndex) *callee.Callee {
	if !g.space.IsImport(s) {
		panic(fmt.Sprintf("calleegroup: %s is not an import", s))
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.importThunks == nil {
		return nil
	}
	return g.importThunks[s]
}

// IndirectCallEntrypoint returns the address an indirect call to s jumps
// to. It never blocks on an install.
func (g *Group) IndirectCallEntrypoint(s module.SpaceIndex) codegen.CodePtr {
	if g.space.IsImport(s) {
		if th := g.ImportThunk(s); th != nil {
			return th.Entrypoint()
		}
		return 0
	}
	return codegen.CodePtr(g.entrypoints[g.space.ToCodeIndex(s)].Load())
}

// LookupOptimized returns the best JIT record of c, or nil if the function
// still runs in the interpreter. It takes only the slot's lock.
func (g *Group) LookupOptimized(c module.CodeIndex) *callee.Callee {
	if g.released.Load() {
		return nil
	}
	s := &g.slots[c]
	if o := s.optimizing.Load(); o != nil {
		return o
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b := s.baseline.Get(); b != nil && !b.Released() {
		return b
	}
	return nil
}

// TryGetOptimizingJIT returns the published optimizing record of c.
func (g *Group) TryGetOptimizingJIT(c module.CodeIndex) *callee.Callee {
	if g.released.Load() {
		return nil
	}
	return g.slots[c].optimizing.Load()
}

// TryGetBaselineJITForLoopOSR returns the baseline record of c for loop
// OSR. strong is false when the record has been released to a weak
// reference; the caller must then keep the record reachable itself.
func (g *Group) TryGetBaselineJITForLoopOSR(c module.CodeIndex) (rec *callee.Callee, strong bool) {
	if g.released.Load() {
		return nil, false
	}
	s := &g.slots[c]
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.baseline.Get()
	if b == nil || b.Released() {
		return nil, false
	}
	return b, s.baseline.IsStrong()
}

// RecordCaller notes that caller's code calls callee directly. It is
// idempotent and serialized per callee.
func (g *Group) RecordCaller(calleeIndex, caller module.CodeIndex) {
	s := &g.slots[calleeIndex]
	s.mu.Lock()
	s.callers.Add(uint32(caller))
	s.mu.Unlock()
}

// Callers returns the recorded callers of c in ascending order.
func (g *Group) Callers(c module.CodeIndex) []module.CodeIndex {
	s := &g.slots[c]
	s.mu.Lock()
	raw := s.callers.Sorted()
	s.mu.Unlock()
	out := make([]module.CodeIndex, len(raw))
	for i, r := range raw {
		out[i] = module.CodeIndex(r)
	}
	return out
}

// RetiredCount returns the number of records waiting to be swept.
func (g *Group) RetiredCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.retired)
}

// SweepRetired releases retired records for which live returns false and
// returns how many were released. live is asked about each record once;
// a nil live treats every record as dead.
func (g *Group) SweepRetired(live func(*callee.Callee) bool) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	kept := g.retired[:0]
	n := 0
	for _, c := range g.retired {
		if live != nil && live(c) {
			kept = append(kept, c)
			continue
		}
		g.dropLocked(c)
		n++
	}
	clear(g.retired[len(kept):])
	g.retired = kept
	if n > 0 {
		g.log.Debug("swept retired code", zap.Int("released", n), zap.Int("kept", len(kept)))
	}
	return n
}

func (g *Group) dropLocked(c *callee.Callee) {
	if osr := c.OSREntry(); osr != nil {
		g.registry.Unregister(osr)
		osr.Release()
	}
	if c.Linked() {
		g.registry.Unregister(c)
	}
	c.Release()
}

// Release tears the group down: every JIT record and thunk is
// unregistered and its memory freed, and so are the interpreter records
// when the group owns them. Plans that finish afterwards do not
// install anything.
func (g *Group) Release() {
	if !g.released.CompareAndSwap(false, true) {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	for i := range g.slots {
		s := &g.slots[i]
		if o := s.optimizing.Swap(nil); o != nil {
			g.dropLocked(o)
		}
		s.mu.Lock()
		if b := s.baseline.Get(); b != nil {
			g.dropLocked(b)
		}
		s.baseline = callee.WeakOrStrong[callee.Callee]{}
		s.mu.Unlock()
	}
	for _, c := range g.retired {
		g.dropLocked(c)
	}
	g.retired = nil
	for code, w := range g.osrEntries {
		if osr := w.Value(); osr != nil {
			g.dropLocked(osr)
		}
		delete(g.osrEntries, code)
	}
	// Groups cloned with NewFromExisting share the baseline records; only
	// the group that was populated frees them.
	if g.ownsThunks {
		for _, th := range g.importThunks {
			g.registry.Unregister(th)
			th.Release()
		}
		for _, c := range g.interpreters {
			c.Release()
		}
	}
	g.log.Debug("callee group released")
}

// Released reports whether Release has been called.
func (g *Group) Released() bool { return g.released.Load() }
