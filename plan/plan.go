// Package plan implements tiering plans: one-shot background jobs that
// compile a single function, or a whole module's mandatory baseline, and
// publish the result through a callee group.
//
// A plan runs to completion on the goroutine that calls Work. It never
// yields and is never cancelled; a plan whose group has been torn down
// still finishes and simply drops its result.
package plan

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-tierup/codegen"
	"github.com/wippyai/wasm-tierup/errors"
	"github.com/wippyai/wasm-tierup/module"
	"github.com/wippyai/wasm-tierup/tierup"
)

// Kind identifies a plan type. Lower kinds are scheduled first.
type Kind uint8

const (
	KindEntry Kind = iota
	KindOSREntry
	KindBaselineJIT
	KindOptimizingJIT
)

func (k Kind) String() string {
	switch k {
	case KindEntry:
		return "entry"
	case KindOSREntry:
		return "osr-entry"
	case KindBaselineJIT:
		return "baseline-jit"
	case KindOptimizingJIT:
		return "optimizing-jit"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Plan is a schedulable compile job.
type Plan interface {
	ID() uuid.UUID
	Kind() Kind
	// Work runs the plan. Only the first call does anything.
	Work(ctx context.Context)
	Done() <-chan struct{}
	Wait(ctx context.Context) error
	Failed() bool
	Err() error
	// AddCompletionTask registers fn to run when the plan completes. It
	// returns false, without registering, if the plan already completed.
	AddCompletionTask(fn func(Plan)) bool
}

// Compiler bundles the collaborators plans use.
type Compiler struct {
	Backend codegen.Backend
	Linker  codegen.Linker
	Logger  *zap.Logger

	// Thresholds arm the triggers of newly created records.
	Thresholds tierup.Thresholds

	// InterpreterTarget is the tier interpreter triggers promote to.
	InterpreterTarget codegen.Tier

	// Parallelism bounds concurrent function compiles in an entry plan.
	// Zero means one per function.
	Parallelism int
}

func (c *Compiler) log() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return Logger()
}

// compileAndLink runs the backend and the linker for one function and
// maps their failures onto the error taxonomy.
func (c *Compiler) compileAndLink(ctx context.Context, req codegen.Request, tieringUp bool) (*codegen.UnlinkedCode, codegen.LinkedBuffer, error) {
	fn := uint32(req.Function)
	if req.Module.UsesSIMD(req.Function) {
		req.SavedFPWidth = codegen.SaveVectors
	}

	code, err := c.Backend.Compile(ctx, req)
	if err != nil {
		return nil, nil, errors.CompileFailed(req.Tier, fn, err)
	}
	code.Function = req.Function
	code.Tier = req.Tier

	buf, err := c.Linker.Link(ctx, code)
	if err != nil {
		if isExecOOM(err) {
			oom := errors.OutOfExecutableMemory(req.Tier, fn, tieringUp)
			oom.Cause = err
			return nil, nil, oom
		}
		return nil, nil, errors.LinkFailed(req.Tier, fn, err)
	}
	return code, buf, nil
}

// base carries the state every plan shares: first-error-wins failure,
// completion tasks and the done channel.
type base struct {
	self    Plan
	err     error
	log     *zap.Logger
	done    chan struct{}
	tasks   []func(Plan)
	id      uuid.UUID
	mu      sync.Mutex
	started atomic.Bool
	ended   bool
	kind    Kind
}

func (b *base) init(self Plan, kind Kind, log *zap.Logger) {
	b.self = self
	b.kind = kind
	b.id = uuid.New()
	b.done = make(chan struct{})
	b.log = log.With(zap.String("plan", b.id.String()), zap.Stringer("kind", kind))
}

func (b *base) ID() uuid.UUID { return b.id }
func (b *base) Kind() Kind    { return b.kind }

func (b *base) Done() <-chan struct{} { return b.done }

// Wait blocks until the plan completes or ctx is done and returns the
// plan's error.
func (b *base) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return b.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *base) Failed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err != nil
}

func (b *base) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *base) AddCompletionTask(fn func(Plan)) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ended {
		return false
	}
	b.tasks = append(b.tasks, fn)
	return true
}

// begin reports whether this is the first call to Work.
func (b *base) begin() bool {
	return b.started.CompareAndSwap(false, true)
}

// fail records err unless an earlier error was recorded.
func (b *base) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.err = err
	}
}

// complete runs the completion tasks once and releases waiters.
func (b *base) complete() {
	b.mu.Lock()
	if b.ended {
		b.mu.Unlock()
		return
	}
	b.ended = true
	tasks := b.tasks
	b.tasks = nil
	b.mu.Unlock()

	close(b.done)
	for _, fn := range tasks {
		fn(b.self)
	}
}

func isExecOOM(err error) bool {
	return stderrors.Is(err, codegen.ErrOutOfExecutableMemory)
}

func spaceName(info *module.Info, c module.CodeIndex) (module.SpaceIndex, string) {
	s := info.Space().ToSpaceIndex(c)
	return s, info.Name(s)
}
