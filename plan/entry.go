package plan

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/wasm-tierup/callee"
	"github.com/wippyai/wasm-tierup/calleegroup"
	"github.com/wippyai/wasm-tierup/codegen"
	"github.com/wippyai/wasm-tierup/errors"
	"github.com/wippyai/wasm-tierup/module"
	"github.com/wippyai/wasm-tierup/tierup"
)

// importThunkSize is the code size of an import exit thunk.
const importThunkSize = 32

// EntryPlan is the mandatory baseline compile of a module: an interpreter
// record for every defined function and an exit thunk for every import.
// It either populates the group and marks it runnable, or fails it.
type EntryPlan struct {
	base
	c     *Compiler
	group *calleegroup.Group

	errMu sync.Mutex
	errs  error
}

// NewEntryPlan creates the baseline plan for group.
func NewEntryPlan(c *Compiler, group *calleegroup.Group) *EntryPlan {
	p := &EntryPlan{c: c, group: group}
	p.init(p, KindEntry, c.log().With(zap.String("module", group.Info().ModuleName)))
	return p
}

// Group returns the group the plan fills in.
func (p *EntryPlan) Group() *calleegroup.Group { return p.group }

// Errors returns every function failure observed, combined. Err returns
// only the first.
func (p *EntryPlan) Errors() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.errs
}

func (p *EntryPlan) record(err error) {
	p.fail(err)
	p.errMu.Lock()
	p.errs = multierr.Append(p.errs, err)
	p.errMu.Unlock()
}

// Work compiles and links every function, then publishes the baseline.
func (p *EntryPlan) Work(ctx context.Context) {
	if !p.begin() {
		return
	}
	defer p.complete()

	info := p.group.Info()
	space := info.Space()
	interps := make([]*callee.Callee, space.DefinedCount())
	thunks := make([]*callee.Callee, space.ImportCount())

	for i := range thunks {
		th, err := p.importThunk(ctx, module.SpaceIndex(i))
		if err != nil {
			p.record(err)
			break
		}
		thunks[i] = th
	}

	if !p.Failed() {
		eg, egCtx := errgroup.WithContext(ctx)
		if p.c.Parallelism > 0 {
			eg.SetLimit(p.c.Parallelism)
		}
		for i := range interps {
			code := module.CodeIndex(i)
			eg.Go(func() error {
				if egCtx.Err() != nil {
					return nil
				}
				rec, err := p.interpreter(egCtx, code)
				if err != nil {
					if egCtx.Err() != nil && p.Failed() {
						return nil
					}
					p.record(err)
					return err
				}
				interps[code] = rec
				return nil
			})
		}
		_ = eg.Wait()

		if !p.Failed() {
			for i, r := range interps {
				if r == nil {
					p.record(errors.New(errors.PhaseCompile, errors.KindBaselineFailure).
						Tier(codegen.TierInterpreter).
						Function(uint32(i)).
						Detail("function was not compiled").
						Build())
					break
				}
			}
		}
	}

	if err := p.Err(); err != nil {
		for _, r := range interps {
			if r != nil {
				r.Release()
			}
		}
		for _, th := range thunks {
			if th != nil {
				th.Release()
			}
		}
		p.log.Warn("baseline compile failed", zap.Error(err))
		p.group.Fail(err)
		return
	}

	p.group.PopulateBaseline(interps, thunks)
	p.group.MarkBaselineFinished()
	p.log.Debug("baseline compile finished",
		zap.Uint32("functions", space.DefinedCount()),
		zap.Uint32("imports", space.ImportCount()))
}

func (p *EntryPlan) interpreter(ctx context.Context, code module.CodeIndex) (*callee.Callee, error) {
	info := p.group.Info()
	req := codegen.Request{
		Module:     info,
		Function:   code,
		Tier:       codegen.TierInterpreter,
		MemoryMode: p.group.Mode(),
	}
	unlinked, buf, err := p.c.compileAndLink(ctx, req, false)
	if err != nil {
		return nil, err
	}

	target := p.c.InterpreterTarget
	if target == codegen.TierInterpreter {
		target = codegen.TierBaselineJIT
	}
	trig := tierup.NewTrigger(target, p.c.Thresholds)

	s, name := spaceName(info, code)
	rec := callee.NewInterpreter(s, name, unlinked, trig)
	rec.SetEntrypoint(callee.Entrypoint{
		Buffer:      buf,
		CalleeSaves: callee.InterpreterCalleeSaves,
		FrameSize:   unlinked.FrameSize,
	})
	return rec, nil
}

func (p *EntryPlan) importThunk(ctx context.Context, s module.SpaceIndex) (*callee.Callee, error) {
	code := &codegen.UnlinkedCode{Size: importThunkSize}
	buf, err := p.c.Linker.Link(ctx, code)
	if err != nil {
		if isExecOOM(err) {
			return nil, errors.Wrap(errors.PhaseLink, errors.KindOutOfMemory, err,
				fmt.Sprintf("Out of executable memory at import %d", uint32(s)))
		}
		return nil, errors.Wrap(errors.PhaseLink, errors.KindInvalidData, err,
			fmt.Sprintf("link failed, at import %d", uint32(s)))
	}
	th := callee.NewThunk(s, p.group.Info().Name(s), callee.ThunkImportExit, code)
	th.SetEntrypoint(callee.Entrypoint{Buffer: buf})
	return th, nil
}
