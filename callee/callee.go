// Package callee implements the code record: one compiled unit of code at
// one tier, with its entrypoint, exception handler table, stack maps and
// inlined-frame origins.
//
// A Callee is a tagged union over Mode. Entry point, code range and
// callee-save queries switch exhaustively on the tag. A record is filled in
// exactly once by SetEntrypoint and is immutable after it has been
// published through a callee group or the registry.
package callee

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/wippyai/wasm-tierup/codegen"
	"github.com/wippyai/wasm-tierup/module"
	"github.com/wippyai/wasm-tierup/tierup"
)

// Mode is the variant tag of a Callee.
type Mode uint8

const (
	ModeInterpreter Mode = iota
	ModeBaselineJIT
	ModeOptimizingJIT
	ModeOSREntry
	ModeBuiltin
	ModeThunk
)

func (m Mode) String() string {
	switch m {
	case ModeInterpreter:
		return "interpreter"
	case ModeBaselineJIT:
		return "baseline-jit"
	case ModeOptimizingJIT:
		return "optimizing-jit"
	case ModeOSREntry:
		return "osr-entry"
	case ModeBuiltin:
		return "builtin"
	case ModeThunk:
		return "thunk"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Tier returns the code-quality tier of the mode. OSR entries are
// optimizing code. Builtins and thunks rank with the interpreter.
func (m Mode) Tier() codegen.Tier {
	switch m {
	case ModeBaselineJIT:
		return codegen.TierBaselineJIT
	case ModeOptimizingJIT, ModeOSREntry:
		return codegen.TierOptimizingJIT
	case ModeInterpreter, ModeBuiltin, ModeThunk:
		return codegen.TierInterpreter
	}
	panic(fmt.Sprintf("callee: unknown mode %d", m))
}

// ThunkKind identifies a thunk.
type ThunkKind uint8

const (
	// ThunkImportExit calls out of wasm to an imported function.
	ThunkImportExit ThunkKind = iota
	// ThunkEntry enters wasm from the embedder.
	ThunkEntry
)

func (k ThunkKind) String() string {
	if k == ThunkImportExit {
		return "import-exit"
	}
	return "entry"
}

// InterpreterCalleeSaves is the register set the interpreter preserves.
const InterpreterCalleeSaves codegen.RegisterSet = 0b1111 << 19

// Entrypoint is the result of linking.
type Entrypoint struct {
	Buffer      codegen.LinkedBuffer
	CalleeSaves codegen.RegisterSet
	FrameSize   uint32
}

type interpreterData struct {
	trigger *tierup.Trigger
}

type baselineData struct {
	trigger         *tierup.Trigger
	osrEntry        *Callee
	loopEntrypoints []codegen.CodePtr
	sharedLoopEntry codegen.CodePtr
	osrMu           sync.Mutex
}

type osrData struct {
	owner     weak.Pointer[Callee]
	loopIndex uint32
}

type builtinData struct {
	address codegen.CodePtr
}

type thunkData struct {
	kind ThunkKind
}

var nextID atomic.Uint64

// Callee is one compiled unit of code.
type Callee struct {
	entry     atomic.Pointer[Entrypoint]
	code      *codegen.UnlinkedCode
	handlers  []Handler
	handlerMu sync.RWMutex

	interp   *interpreterData
	baseline *baselineData
	osr      *osrData
	builtin  *builtinData
	thunk    *thunkData

	name       string
	id         uint64
	index      module.SpaceIndex
	released   atomic.Bool
	mode       Mode
	memoryMode codegen.MemoryMode
}

func newCallee(mode Mode, index module.SpaceIndex, name string, memoryMode codegen.MemoryMode, code *codegen.UnlinkedCode) *Callee {
	if code == nil {
		code = &codegen.UnlinkedCode{}
	}
	sortMetadata(code)
	return &Callee{
		code:       code,
		name:       name,
		id:         nextID.Add(1),
		index:      index,
		mode:       mode,
		memoryMode: memoryMode,
	}
}

// NewInterpreter creates the interpreter-tier record of a function.
// Interpreter code does not depend on the memory mode.
func NewInterpreter(index module.SpaceIndex, name string, code *codegen.UnlinkedCode, trigger *tierup.Trigger) *Callee {
	c := newCallee(ModeInterpreter, index, name, codegen.BoundsChecking, code)
	c.interp = &interpreterData{trigger: trigger}
	return c
}

// NewBaselineJIT creates a baseline-JIT record. trigger drives promotion
// to the optimizing tier.
func NewBaselineJIT(index module.SpaceIndex, name string, mode codegen.MemoryMode, code *codegen.UnlinkedCode, trigger *tierup.Trigger) *Callee {
	c := newCallee(ModeBaselineJIT, index, name, mode, code)
	c.baseline = &baselineData{trigger: trigger}
	return c
}

// NewOptimizingJIT creates an optimizing-JIT record. Code origins are
// kept ordered by their last inline call site index.
func NewOptimizingJIT(index module.SpaceIndex, name string, mode codegen.MemoryMode, code *codegen.UnlinkedCode) *Callee {
	c := newCallee(ModeOptimizingJIT, index, name, mode, code)
	sort.SliceStable(c.code.CodeOrigins, func(i, j int) bool {
		return c.code.CodeOrigins[i].LastInlineCSI < c.code.CodeOrigins[j].LastInlineCSI
	})
	return c
}

// NewOSREntry creates a loop-entry record carved from owner, the
// baseline record whose loop it enters. The back reference is weak.
func NewOSREntry(index module.SpaceIndex, name string, mode codegen.MemoryMode, code *codegen.UnlinkedCode, loopIndex uint32, owner *Callee) *Callee {
	c := newCallee(ModeOSREntry, index, name, mode, code)
	c.osr = &osrData{loopIndex: loopIndex}
	if owner != nil {
		c.osr.owner = weak.Make(owner)
	}
	return c
}

// NewBuiltin creates a record for code at a fixed address. It is linked
// on construction.
func NewBuiltin(name string, address codegen.CodePtr) *Callee {
	c := newCallee(ModeBuiltin, 0, name, codegen.BoundsChecking, nil)
	c.builtin = &builtinData{address: address}
	return c
}

// NewThunk creates a thunk record for function index.
func NewThunk(index module.SpaceIndex, name string, kind ThunkKind, code *codegen.UnlinkedCode) *Callee {
	c := newCallee(ModeThunk, index, name, codegen.BoundsChecking, code)
	c.thunk = &thunkData{kind: kind}
	return c
}

// ID returns a process-unique identifier.
func (c *Callee) ID() uint64 { return c.id }

// Mode returns the variant tag.
func (c *Callee) Mode() Mode { return c.mode }

// Tier returns the code-quality tier.
func (c *Callee) Tier() codegen.Tier { return c.mode.Tier() }

// Index returns the function space index.
func (c *Callee) Index() module.SpaceIndex { return c.index }

// Name returns the display name.
func (c *Callee) Name() string { return c.name }

// MemoryMode returns the memory mode the code was compiled for.
func (c *Callee) MemoryMode() codegen.MemoryMode { return c.memoryMode }

// Unlinked returns the code description the record was built from.
func (c *Callee) Unlinked() *codegen.UnlinkedCode { return c.code }

// Calls returns the direct call sites of the code.
func (c *Callee) Calls() []codegen.CallSite { return c.code.Calls }

func (c *Callee) String() string {
	return fmt.Sprintf("%s %s (#%d)", c.mode, c.name, c.id)
}

// ThunkKind returns the kind of a thunk record.
func (c *Callee) ThunkKind() ThunkKind {
	if c.thunk == nil {
		panic("callee: ThunkKind on " + c.mode.String())
	}
	return c.thunk.kind
}

// Trigger returns the tier-up trigger of an interpreter or baseline
// record, or nil.
func (c *Callee) Trigger() *tierup.Trigger {
	switch c.mode {
	case ModeInterpreter:
		return c.interp.trigger
	case ModeBaselineJIT:
		return c.baseline.trigger
	}
	return nil
}

// SetEntrypoint fills in the record after linking. It derives the handler
// table and loop entrypoints before the entrypoint becomes visible.
// It panics if called twice or on a builtin.
func (c *Callee) SetEntrypoint(ep Entrypoint) {
	if c.mode == ModeBuiltin {
		panic("callee: builtins are linked on construction")
	}
	if c.entry.Load() != nil {
		panic(fmt.Sprintf("callee: entrypoint of %s set twice", c))
	}
	if ep.Buffer == nil && c.mode != ModeInterpreter {
		panic(fmt.Sprintf("callee: %s linked without a buffer", c))
	}

	hs := c.deriveHandlers(&ep)
	c.handlerMu.Lock()
	c.handlers = hs
	c.handlerMu.Unlock()
	if c.mode == ModeBaselineJIT {
		c.baseline.loopEntrypoints = make([]codegen.CodePtr, len(c.code.LoopEntrypoints))
		for i, off := range c.code.LoopEntrypoints {
			c.baseline.loopEntrypoints[i] = ep.Buffer.LocationOf(off)
		}
		if c.code.HasSharedLoopEntry {
			c.baseline.sharedLoopEntry = ep.Buffer.LocationOf(c.code.SharedLoopEntrypoint)
		}
	}
	if !c.entry.CompareAndSwap(nil, &ep) {
		panic(fmt.Sprintf("callee: entrypoint of %s set twice", c))
	}
}

// Linked reports whether the record is ready to publish.
func (c *Callee) Linked() bool {
	return c.mode == ModeBuiltin || c.entry.Load() != nil
}

func (c *Callee) linkedEntry() *Entrypoint {
	ep := c.entry.Load()
	if ep == nil {
		panic(fmt.Sprintf("callee: %s used before linking", c))
	}
	return ep
}

// Buffer returns the linked buffer, or nil for records without one.
func (c *Callee) Buffer() codegen.LinkedBuffer {
	if ep := c.entry.Load(); ep != nil {
		return ep.Buffer
	}
	return nil
}

// Entrypoint returns the address callers jump to.
func (c *Callee) Entrypoint() codegen.CodePtr {
	switch c.mode {
	case ModeInterpreter:
		c.linkedEntry()
		return InterpreterThunks().Entry.Entrypoint()
	case ModeBaselineJIT, ModeOptimizingJIT, ModeOSREntry, ModeThunk:
		return c.linkedEntry().Buffer.Start()
	case ModeBuiltin:
		return c.builtin.address
	}
	panic(fmt.Sprintf("callee: unknown mode %d", c.mode))
}

// Range returns the machine code range owned by the record. Interpreter
// and builtin records own none.
func (c *Callee) Range() (start, end codegen.CodePtr) {
	switch c.mode {
	case ModeInterpreter, ModeBuiltin:
		return 0, 0
	case ModeBaselineJIT, ModeOptimizingJIT, ModeOSREntry, ModeThunk:
		buf := c.linkedEntry().Buffer
		return buf.Start(), buf.End()
	}
	panic(fmt.Sprintf("callee: unknown mode %d", c.mode))
}

// CalleeSaveRegisters returns the registers the code preserves.
func (c *Callee) CalleeSaveRegisters() codegen.RegisterSet {
	switch c.mode {
	case ModeInterpreter:
		return InterpreterCalleeSaves
	case ModeBaselineJIT, ModeOptimizingJIT, ModeOSREntry:
		return c.linkedEntry().CalleeSaves
	case ModeBuiltin, ModeThunk:
		return 0
	}
	panic(fmt.Sprintf("callee: unknown mode %d", c.mode))
}

// FrameSize returns the frame size recorded at link time.
func (c *Callee) FrameSize() uint32 {
	if ep := c.entry.Load(); ep != nil {
		return ep.FrameSize
	}
	return 0
}

// LoopEntrypoints returns the OSR loop entry addresses of baseline code.
func (c *Callee) LoopEntrypoints() []codegen.CodePtr {
	if c.mode != ModeBaselineJIT {
		return nil
	}
	c.linkedEntry()
	return c.baseline.loopEntrypoints
}

// SharedLoopEntrypoint returns the shared loop entry of baseline code, if any.
func (c *Callee) SharedLoopEntrypoint() (codegen.CodePtr, bool) {
	if c.mode != ModeBaselineJIT || !c.code.HasSharedLoopEntry {
		return 0, false
	}
	c.linkedEntry()
	return c.baseline.sharedLoopEntry, true
}

// OSRScratchBufferSize returns the scratch space an OSR transfer needs.
func (c *Callee) OSRScratchBufferSize() uint32 {
	return c.code.OSRScratchBufferSize
}

// SetOSREntry makes a baseline record own its loop-entry record.
func (c *Callee) SetOSREntry(e *Callee) {
	if c.mode != ModeBaselineJIT {
		panic("callee: SetOSREntry on " + c.mode.String())
	}
	c.baseline.osrMu.Lock()
	c.baseline.osrEntry = e
	c.baseline.osrMu.Unlock()
}

// OSREntry returns the loop-entry record owned by a baseline record.
func (c *Callee) OSREntry() *Callee {
	if c.mode != ModeBaselineJIT {
		return nil
	}
	c.baseline.osrMu.Lock()
	defer c.baseline.osrMu.Unlock()
	return c.baseline.osrEntry
}

// LoopIndex returns the loop an OSR entry record enters at.
func (c *Callee) LoopIndex() uint32 {
	if c.mode != ModeOSREntry {
		panic("callee: LoopIndex on " + c.mode.String())
	}
	return c.osr.loopIndex
}

// Owner returns the record an OSR entry was carved from, or nil if it is
// gone.
func (c *Callee) Owner() *Callee {
	if c.mode != ModeOSREntry {
		return nil
	}
	return c.osr.owner.Value()
}

// Release frees the record's executable memory and drops owned OSR
// entries. The record must no longer be reachable from any callee group.
func (c *Callee) Release() {
	if !c.released.CompareAndSwap(false, true) {
		return
	}
	if c.mode == ModeBaselineJIT {
		c.SetOSREntry(nil)
	}
	if ep := c.entry.Load(); ep != nil && ep.Buffer != nil {
		ep.Buffer.Release()
	}
}

// Released reports whether Release has been called.
func (c *Callee) Released() bool {
	return c.released.Load()
}
