package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-tierup/callee"
	"github.com/wippyai/wasm-tierup/calleegroup"
	"github.com/wippyai/wasm-tierup/codegen"
	"github.com/wippyai/wasm-tierup/codegen/synthetic"
	"github.com/wippyai/wasm-tierup/errors"
	"github.com/wippyai/wasm-tierup/jitmem"
	"github.com/wippyai/wasm-tierup/module"
	"github.com/wippyai/wasm-tierup/plan"
	"github.com/wippyai/wasm-tierup/tierup"
	"github.com/wippyai/wasm-tierup/wasm"
)

// Engine owns the process-level collaborators shared by every module it
// loads: the code generator, the linker and its executable memory, the
// compile worklist and the reverse code-address registry.
type Engine struct {
	validator wazero.Runtime
	backend   codegen.Backend
	linker    codegen.Linker
	alloc     *jitmem.Allocator
	worklist  *plan.Worklist
	registry  *callee.CodeRegistry
	log       *zap.Logger
	modules   map[uuid.UUID]*Module
	cfg       Config
	fnRange   tierup.FunctionRange
	mu        sync.Mutex
	mode      codegen.MemoryMode
	closed    atomic.Bool

	ownsWorklist bool
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. Defaults to the package logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithBackend replaces the code generator.
func WithBackend(b codegen.Backend) Option {
	return func(e *Engine) { e.backend = b }
}

// WithLinker replaces the linker. Memory stats are then unavailable.
func WithLinker(l codegen.Linker) Option {
	return func(e *Engine) { e.linker = l }
}

// WithWorklist schedules plans on w instead of a private worklist. The
// engine does not close it.
func WithWorklist(w *plan.Worklist) Option {
	return func(e *Engine) { e.worklist = w }
}

// WithRegistry publishes code to r instead of the process-wide registry.
func WithRegistry(r *callee.CodeRegistry) Option {
	return func(e *Engine) { e.registry = r }
}

// New creates an engine.
func New(ctx context.Context, cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mode, _ := cfg.memoryMode()
	fnRange, _ := cfg.functionRange()

	e := &Engine{
		cfg:     cfg,
		mode:    mode,
		fnRange: fnRange,
		modules: make(map[uuid.UUID]*Module),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = Logger()
	}
	if e.backend == nil {
		e.backend = synthetic.New(synthetic.Config{InlineBudget: cfg.InlineBudget})
	}
	if e.linker == nil {
		size, _ := cfg.executableMemory()
		e.alloc = jitmem.NewAllocator(size)
		e.linker = jitmem.NewLinker(e.alloc, e.log)
	}
	if e.worklist == nil {
		workers := cfg.Workers
		if workers == 0 {
			e.worklist = plan.EnsureWorklist()
		} else {
			e.worklist = plan.NewWorklist(workers, e.log)
			e.ownsWorklist = true
		}
	}
	if e.registry == nil {
		e.registry = callee.Registry()
	}
	if cfg.ValidateModules {
		rc := wazero.NewRuntimeConfigInterpreter().WithCoreFeatures(api.CoreFeaturesV2)
		e.validator = wazero.NewRuntimeWithConfig(ctx, rc)
	}

	e.log.Debug("engine created",
		zap.Stringer("memory_mode", mode),
		zap.String("executable_memory", cfg.ExecutableMemory),
		zap.Bool("concurrent_jit", cfg.ConcurrentJIT))
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// MemoryMode returns the mode of each module's primary group.
func (e *Engine) MemoryMode() codegen.MemoryMode { return e.mode }

// Registry returns the registry code is published to.
func (e *Engine) Registry() *callee.CodeRegistry { return e.registry }

// LoadModule decodes, optionally validates, and starts compiling a binary.
// The returned module becomes runnable once its baseline compile finishes;
// use Module.Wait to block for it.
func (e *Engine) LoadModule(ctx context.Context, bin []byte) (*Module, error) {
	if e.closed.Load() {
		return nil, errors.New(errors.PhaseLoad, errors.KindTornDown).Detail("engine closed").Build()
	}
	if e.validator != nil {
		compiled, err := e.validator.CompileModule(ctx, bin)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseValidate, errors.KindValidation, err, "module failed validation")
		}
		_ = compiled.Close(ctx)
	}

	parsed, err := wasm.ParseModule(bin)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseParse, errors.KindParse, err, "decode module")
	}
	info, err := module.FromWasm(parsed)
	if err != nil {
		return nil, err
	}
	return e.NewModule(ctx, info)
}

// NewModule starts compiling already decoded module metadata.
func (e *Engine) NewModule(ctx context.Context, info *module.Info) (*Module, error) {
	if e.closed.Load() {
		return nil, errors.New(errors.PhaseLoad, errors.KindTornDown).Detail("engine closed").Build()
	}

	m := newModule(e, info)
	if err := e.schedule(ctx, m.entry); err != nil {
		m.primary().Release()
		return nil, err
	}

	e.mu.Lock()
	e.modules[m.id] = m
	e.mu.Unlock()
	return m, nil
}

func (e *Engine) forget(m *Module) {
	e.mu.Lock()
	delete(e.modules, m.id)
	e.mu.Unlock()
}

// schedule enqueues p and, without concurrent JIT, runs it before
// returning.
func (e *Engine) schedule(ctx context.Context, p plan.Plan) error {
	if err := e.worklist.Enqueue(p); err != nil {
		return err
	}
	if !e.cfg.ConcurrentJIT {
		_ = e.worklist.CompleteSynchronously(ctx, p)
	}
	return nil
}

// shouldJIT reports whether c may be compiled at tier.
func (e *Engine) shouldJIT(tier codegen.Tier, c module.CodeIndex) bool {
	return e.cfg.tierEnabled(tier) && tierup.ShouldJIT(tier, c, e.fnRange)
}

// Stats is a snapshot of engine-wide counters.
type Stats struct {
	Memory     jitmem.Stats
	Worklist   plan.WorklistStats
	Registered int
	Modules    int
}

// Stats returns engine-wide counters.
func (e *Engine) Stats() Stats {
	var s Stats
	if e.alloc != nil {
		s.Memory = e.alloc.Stats()
	}
	s.Worklist = e.worklist.Stats()
	s.Registered = e.registry.Len()
	e.mu.Lock()
	s.Modules = len(e.modules)
	e.mu.Unlock()
	return s
}

// Close releases every module and stops the engine's own workers. Plans
// already queued still run to completion.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.mu.Lock()
	mods := make([]*Module, 0, len(e.modules))
	for _, m := range e.modules {
		mods = append(mods, m)
	}
	e.mu.Unlock()

	for _, m := range mods {
		m.Close()
	}
	if e.ownsWorklist {
		e.worklist.Close()
	}

	var errs error
	if e.validator != nil {
		errs = multierr.Append(errs, e.validator.Close(ctx))
	}
	e.log.Debug("engine closed", zap.Int("modules", len(mods)))
	return errs
}

// groupConfig is the configuration of every callee group the engine
// creates.
func (e *Engine) groupConfig() calleegroup.Config {
	return calleegroup.Config{
		Registry:        e.registry,
		Logger:          e.log,
		FreeRetiredCode: e.cfg.FreeRetiredCode,
	}
}
