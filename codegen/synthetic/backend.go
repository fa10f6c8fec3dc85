// Package synthetic is a code generation backend that lays out machine
// code by scanning the real function body. It emits no instructions; it
// produces the code size, call sites, exception handlers, loop entries,
// stack maps and inline origins a real backend would report for the same
// body, which is everything the tiering runtime consumes.
//
// Faults can be injected per function and tier to exercise failure paths.
package synthetic

import (
	"context"
	"fmt"
	"sync"

	"github.com/wippyai/wasm-tierup/codegen"
	"github.com/wippyai/wasm-tierup/errors"
	"github.com/wippyai/wasm-tierup/module"
	"github.com/wippyai/wasm-tierup/wasm"
)

const (
	prologueSize = 16
	epilogueSize = 16
	slotSize     = 8
)

// Registers the generated code preserves.
const (
	scalarCalleeSaves codegen.RegisterSet = 0b1111 << 19
	vectorCalleeSaves codegen.RegisterSet = 0xff << 40
)

// Config tunes the generated layout.
type Config struct {
	// BaselineExpansion and OptimizingExpansion are machine code bytes per
	// body byte. Zero selects 12 and 6.
	BaselineExpansion   uint32
	OptimizingExpansion uint32

	// InlineBudget is the largest leaf callee, in instructions, the
	// optimizing tier inlines. Zero disables inlining.
	InlineBudget int
}

type faultKey struct {
	code module.CodeIndex
	tier codegen.Tier
	osr  bool
}

// Backend implements codegen.Backend.
type Backend struct {
	faults map[faultKey]error
	cfg    Config
	mu     sync.Mutex
}

// New creates a backend.
func New(cfg Config) *Backend {
	if cfg.BaselineExpansion == 0 {
		cfg.BaselineExpansion = 12
	}
	if cfg.OptimizingExpansion == 0 {
		cfg.OptimizingExpansion = 6
	}
	return &Backend{cfg: cfg, faults: make(map[faultKey]error)}
}

// InjectFault makes every later compile of c at tier fail with err. osr
// selects loop-entry compiles instead of regular ones. A nil err removes
// the fault.
func (b *Backend) InjectFault(c module.CodeIndex, tier codegen.Tier, osr bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := faultKey{code: c, tier: tier, osr: osr}
	if err == nil {
		delete(b.faults, k)
		return
	}
	b.faults[k] = err
}

func (b *Backend) fault(req codegen.Request) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.faults[faultKey{code: req.Function, tier: req.Tier, osr: req.OSREntry != nil}]
}

// Compile lays out code for one function.
func (b *Backend) Compile(ctx context.Context, req codegen.Request) (*codegen.UnlinkedCode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.fault(req); err != nil {
		return nil, err
	}
	if req.OSREntry != nil && req.Tier != codegen.TierOptimizingJIT {
		return nil, errors.Unsupported(errors.PhaseCompile, "loop entry code is only generated by the optimizing tier")
	}

	fn := req.Module.Function(req.Function)
	body, err := wasm.ScanBody(fn.Body)
	if err != nil {
		return nil, err
	}
	if req.OSREntry != nil && int(req.OSREntry.LoopIndex) >= len(body.Loops) {
		return nil, fmt.Errorf("loop %d requested, body has %d loops", req.OSREntry.LoopIndex, len(body.Loops))
	}

	l := &layout{req: req, fn: fn, body: body, cfg: &b.cfg}
	return l.build()
}

type layout struct {
	req  codegen.Request
	fn   *module.Function
	body *wasm.BodyInfo
	cfg  *Config
	out  *codegen.UnlinkedCode
}

func (l *layout) expansion() uint32 {
	switch l.req.Tier {
	case codegen.TierInterpreter:
		return 1
	case codegen.TierBaselineJIT:
		return l.cfg.BaselineExpansion
	default:
		return l.cfg.OptimizingExpansion
	}
}

func (l *layout) prologue() uint32 {
	if l.req.Tier == codegen.TierInterpreter {
		return 0
	}
	return prologueSize
}

// at maps a body offset to a code offset.
func (l *layout) at(bodyOffset uint32) uint32 {
	return l.prologue() + bodyOffset*l.expansion()
}

func (l *layout) build() (*codegen.UnlinkedCode, error) {
	bodyLen := uint32(len(l.fn.Body))
	size := l.at(bodyLen)
	if l.req.Tier != codegen.TierInterpreter {
		size += epilogueSize
	}

	frameSlots := uint32(l.fn.NumLocals) + uint32(l.body.MaxDepth)
	l.out = &codegen.UnlinkedCode{
		Function:  l.req.Function,
		Tier:      l.req.Tier,
		Size:      max(size, 1),
		FrameSize: (frameSlots*slotSize + 16 + 15) &^ 15,
		StackMaps: make(map[uint32][]codegen.ValueLocation),
	}
	if l.req.Tier != codegen.TierInterpreter {
		l.out.CalleeSaves = scalarCalleeSaves
		if l.req.SavedFPWidth == codegen.SaveVectors {
			l.out.CalleeSaves |= vectorCalleeSaves
		}
	}

	if err := l.calls(); err != nil {
		return nil, err
	}
	l.handlers()
	l.loops()
	return l.out, nil
}

func (l *layout) calls() error {
	space := l.req.Module.Space()
	csi := uint32(0)
	for _, call := range l.body.Calls {
		target := module.SpaceIndex(call.Target)
		if !space.IsValid(target) {
			return fmt.Errorf("call at offset %d to function %d, module has %d", call.Offset, call.Target, space.Total())
		}
		csi++
		off := l.at(call.Offset)
		l.out.CallSiteRanges = append(l.out.CallSiteRanges, codegen.CallSiteRange{
			Start:         off,
			End:           off + l.expansion(),
			CallSiteIndex: csi,
		})

		if l.inlinable(target) {
			l.out.CodeOrigins = append(l.out.CodeOrigins, codegen.CodeOrigin{
				FirstInlineCSI: csi,
				LastInlineCSI:  csi,
				Function:       target,
			})
			continue
		}
		l.out.Calls = append(l.out.Calls, codegen.CallSite{Offset: off, Target: target})
		l.out.StackMaps[csi] = l.stackMap()
	}
	return nil
}

// inlinable reports whether the optimizing tier folds a call to target
// into the caller. Only small leaves that the profile saw being called
// are inlined.
func (l *layout) inlinable(target module.SpaceIndex) bool {
	if l.req.Tier != codegen.TierOptimizingJIT || l.cfg.InlineBudget == 0 {
		return false
	}
	space := l.req.Module.Space()
	if space.IsImport(target) || space.ToSpaceIndex(l.req.Function) == target {
		return false
	}
	if p := l.req.Profile; p != nil && p.CallCounts != nil && p.CallCounts[target] == 0 {
		return false
	}
	callee := l.req.Module.Function(space.ToCodeIndex(target))
	info, err := wasm.ScanBody(callee.Body)
	if err != nil {
		return false
	}
	return len(info.Calls) == 0 && info.IndirectCalls == 0 && info.Instructions <= l.cfg.InlineBudget
}

// stackMap describes the locals live across a call. The optimizing tier
// keeps the first four in registers.
func (l *layout) stackMap() []codegen.ValueLocation {
	n := int(l.fn.NumLocals)
	locs := make([]codegen.ValueLocation, n)
	for i := range locs {
		if l.req.Tier == codegen.TierOptimizingJIT && i < 4 {
			locs[i] = codegen.ValueLocation{Kind: codegen.InRegister, Value: int64(19 + i)}
			continue
		}
		locs[i] = codegen.ValueLocation{Kind: codegen.InStackSlot, Value: int64(i * slotSize)}
	}
	return locs
}

func (l *layout) handlers() {
	for _, h := range l.body.Handlers {
		target := h.TryEnd
		if h.Kind == wasm.HandlerCatch || h.Kind == wasm.HandlerCatchAll {
			target = h.Target
		}
		l.out.Handlers = append(l.out.Handlers, codegen.UnlinkedHandler{
			TryStart:     l.at(h.TryStart),
			TryEnd:       l.at(h.TryEnd),
			TargetOffset: l.at(target),
			Tag:          h.Tag,
			Kind:         h.Kind,
		})
	}
}

func (l *layout) loops() {
	if len(l.body.Loops) == 0 {
		return
	}
	l.out.OSRScratchBufferSize = (uint32(l.fn.NumLocals) + uint32(l.body.MaxDepth)) * slotSize
	switch l.req.Tier {
	case codegen.TierBaselineJIT:
		for _, lp := range l.body.Loops {
			l.out.LoopEntrypoints = append(l.out.LoopEntrypoints, l.at(lp.Offset))
		}
		if len(l.body.Loops) > 1 {
			l.out.HasSharedLoopEntry = true
			l.out.SharedLoopEntrypoint = l.out.Size - epilogueSize
		}
	case codegen.TierOptimizingJIT:
		if l.req.OSREntry != nil {
			lp := l.body.Loops[l.req.OSREntry.LoopIndex]
			l.out.LoopEntrypoints = []uint32{l.at(lp.Offset)}
		}
	}
}
