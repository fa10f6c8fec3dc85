package plan

import (
	"context"
	"weak"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-tierup/callee"
	"github.com/wippyai/wasm-tierup/calleegroup"
	"github.com/wippyai/wasm-tierup/codegen"
	"github.com/wippyai/wasm-tierup/module"
	"github.com/wippyai/wasm-tierup/tierup"
)

// tierPlan is the state shared by the single-function plans. The group is
// held weakly so a queued plan does not keep a torn-down module alive.
type tierPlan struct {
	base
	c       *Compiler
	group   weak.Pointer[calleegroup.Group]
	info    *module.Info
	trigger *tierup.Trigger
	profile *codegen.Profile
	code    module.CodeIndex
	mode    codegen.MemoryMode
}

func (p *tierPlan) setup(self Plan, kind Kind, c *Compiler, g *calleegroup.Group, code module.CodeIndex, trigger *tierup.Trigger) {
	p.c = c
	p.group = weak.Make(g)
	p.info = g.Info()
	p.trigger = trigger
	p.code = code
	p.mode = g.Mode()
	p.init(self, kind, c.log().With(
		zap.Uint32("function", uint32(code)),
		zap.Stringer("memory_mode", p.mode)))
}

// Function returns the code index the plan compiles.
func (p *tierPlan) Function() module.CodeIndex { return p.code }

// SetProfile attaches profiling data for the backend. It must be called
// before the plan is scheduled.
func (p *tierPlan) SetProfile(prof *codegen.Profile) { p.profile = prof }

// liveGroup returns the group if it still exists and has not been
// released.
func (p *tierPlan) liveGroup() *calleegroup.Group {
	g := p.group.Value()
	if g == nil || g.Released() {
		return nil
	}
	return g
}

func (p *tierPlan) compile(ctx context.Context, tier codegen.Tier, osr *codegen.OSREntry) (*codegen.UnlinkedCode, codegen.LinkedBuffer, error) {
	return p.c.compileAndLink(ctx, codegen.Request{
		Module:     p.info,
		Profile:    p.profile,
		OSREntry:   osr,
		Function:   p.code,
		Tier:       tier,
		MemoryMode: p.mode,
	}, true)
}

func (p *tierPlan) entrypoint(code *codegen.UnlinkedCode, buf codegen.LinkedBuffer) callee.Entrypoint {
	return callee.Entrypoint{Buffer: buf, CalleeSaves: code.CalleeSaves, FrameSize: code.FrameSize}
}

// BaselineJITPlan compiles one function with the baseline JIT.
type BaselineJITPlan struct {
	tierPlan
	result *callee.Callee
}

// NewBaselineJITPlan creates a plan for code. trigger is the interpreter
// trigger that requested it; its status is updated when the plan ends.
func NewBaselineJITPlan(c *Compiler, g *calleegroup.Group, code module.CodeIndex, trigger *tierup.Trigger) *BaselineJITPlan {
	p := &BaselineJITPlan{}
	p.setup(p, KindBaselineJIT, c, g, code, trigger)
	return p
}

// Result returns the installed record, or nil.
func (p *BaselineJITPlan) Result() *callee.Callee {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

func (p *BaselineJITPlan) Work(ctx context.Context) {
	if !p.begin() {
		return
	}
	defer p.complete()

	code, buf, err := p.compile(ctx, codegen.TierBaselineJIT, nil)
	if err != nil {
		p.log.Debug("baseline compile failed", zap.Error(err))
		p.fail(err)
		p.trigger.MarkFailed(p.mode, codegen.TierBaselineJIT, err)
		return
	}

	s, name := spaceName(p.info, p.code)
	next := tierup.NewTrigger(codegen.TierOptimizingJIT, p.c.Thresholds)
	rec := callee.NewBaselineJIT(s, name, p.mode, code, next)
	rec.SetEntrypoint(p.entrypoint(code, buf))

	installed := false
	if g := p.liveGroup(); g != nil {
		g.WithLock(func(l *calleegroup.Locked) { installed = l.Install(rec) })
	}
	if !installed {
		rec.Release()
		p.log.Debug("baseline code dropped")
	} else {
		p.mu.Lock()
		p.result = rec
		p.mu.Unlock()
	}
	p.trigger.MarkCompiled(p.mode)
}

// OptimizingJITPlan compiles one function with the optimizing JIT and
// installs it over whatever lower tier is running.
type OptimizingJITPlan struct {
	tierPlan
	result *callee.Callee
}

// NewOptimizingJITPlan creates a plan for code. trigger is the trigger of
// the tier that requested it.
func NewOptimizingJITPlan(c *Compiler, g *calleegroup.Group, code module.CodeIndex, trigger *tierup.Trigger) *OptimizingJITPlan {
	p := &OptimizingJITPlan{}
	p.setup(p, KindOptimizingJIT, c, g, code, trigger)
	return p
}

// Result returns the installed record, or nil.
func (p *OptimizingJITPlan) Result() *callee.Callee {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

func (p *OptimizingJITPlan) Work(ctx context.Context) {
	if !p.begin() {
		return
	}
	defer p.complete()

	code, buf, err := p.compile(ctx, codegen.TierOptimizingJIT, nil)
	if err != nil {
		p.log.Debug("optimizing compile failed", zap.Error(err))
		p.fail(err)
		p.trigger.MarkFailed(p.mode, codegen.TierOptimizingJIT, err)
		return
	}

	s, name := spaceName(p.info, p.code)
	rec := callee.NewOptimizingJIT(s, name, p.mode, code)
	rec.SetEntrypoint(p.entrypoint(code, buf))

	g := p.liveGroup()
	if g == nil {
		rec.Release()
		p.trigger.MarkCompiled(p.mode)
		return
	}

	installed := false
	g.WithLock(func(l *calleegroup.Locked) {
		installed = l.Install(rec)
		if !installed {
			return
		}
		if b := l.BaselineJIT(p.code); b != nil {
			if tr := b.Trigger(); tr != nil {
				tr.MarkCompiled(p.mode)
			}
		}
		if tr := l.InterpreterTrigger(p.code); tr != nil {
			tr.MarkCompiled(p.mode)
		}
	})
	p.trigger.MarkCompiled(p.mode)
	if !installed {
		rec.Release()
		return
	}
	p.mu.Lock()
	p.result = rec
	p.mu.Unlock()

	if g.FreesRetiredCode() {
		g.WithLock(func(l *calleegroup.Locked) { l.ReleaseBaselineJIT(p.code) })
	}
}

// OSREntryPlan compiles optimizing code that enters a baseline function
// at a loop header.
type OSREntryPlan struct {
	tierPlan
	owner     *callee.Callee
	result    *callee.Callee
	loopIndex uint32
}

// NewOSREntryPlan creates a plan for loop loopIndex of owner, a baseline
// record. trigger is owner's trigger.
func NewOSREntryPlan(c *Compiler, g *calleegroup.Group, owner *callee.Callee, loopIndex uint32) *OSREntryPlan {
	p := &OSREntryPlan{owner: owner, loopIndex: loopIndex}
	code := g.Space().ToCodeIndex(owner.Index())
	p.setup(p, KindOSREntry, c, g, code, owner.Trigger())
	p.log = p.log.With(zap.Uint32("loop", loopIndex))
	return p
}

// Result returns the recorded entry, or nil.
func (p *OSREntryPlan) Result() *callee.Callee {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

func (p *OSREntryPlan) Work(ctx context.Context) {
	if !p.begin() {
		return
	}
	defer p.complete()

	code, buf, err := p.compile(ctx, codegen.TierOptimizingJIT, &codegen.OSREntry{LoopIndex: p.loopIndex})
	if err != nil {
		p.log.Debug("loop entry compile failed", zap.Error(err))
		p.fail(err)
		p.trigger.MarkOSRFailed(p.mode, err)
		return
	}

	s, name := spaceName(p.info, p.code)
	rec := callee.NewOSREntry(s, name, p.mode, code, p.loopIndex, p.owner)
	rec.SetEntrypoint(p.entrypoint(code, buf))

	recorded := false
	if g := p.liveGroup(); g != nil {
		g.WithLock(func(l *calleegroup.Locked) { recorded = l.RecordOSREntry(p.code, rec) })
	}
	if !recorded {
		rec.Release()
	} else {
		p.mu.Lock()
		p.result = rec
		p.mu.Unlock()
	}
	p.trigger.MarkOSRCompiled(p.mode)
}
