// Package codegen defines the boundary between the tiering runtime and the
// code generation and linking collaborators: compilation tiers, memory
// modes, the unlinked-code description a backend produces, and the linked
// buffers a linker hands back.
package codegen

import (
	"context"
	"errors"
	"fmt"
	"math/bits"

	"github.com/wippyai/wasm-tierup/module"
	"github.com/wippyai/wasm-tierup/wasm"
)

// ErrOutOfExecutableMemory is returned (possibly wrapped) by a Linker when
// executable pages cannot be allocated.
var ErrOutOfExecutableMemory = errors.New("out of executable memory")

// Tier is an ordered code-quality level.
type Tier uint8

const (
	TierInterpreter Tier = iota
	TierBaselineJIT
	TierOptimizingJIT
)

func (t Tier) String() string {
	switch t {
	case TierInterpreter:
		return "interpreter"
	case TierBaselineJIT:
		return "baseline-jit"
	case TierOptimizingJIT:
		return "optimizing-jit"
	default:
		return fmt.Sprintf("tier(%d)", uint8(t))
	}
}

// MemoryMode is the linear-memory bounds strategy compiled code assumes.
type MemoryMode uint8

const (
	BoundsChecking MemoryMode = iota
	Signaling
)

// NumMemoryModes is the number of MemoryMode values.
const NumMemoryModes = 2

func (m MemoryMode) String() string {
	switch m {
	case BoundsChecking:
		return "bounds-checking"
	case Signaling:
		return "signaling"
	default:
		return fmt.Sprintf("memory-mode(%d)", uint8(m))
	}
}

// ParseMemoryMode parses the String form of a MemoryMode.
func ParseMemoryMode(s string) (MemoryMode, error) {
	switch s {
	case "bounds-checking", "":
		return BoundsChecking, nil
	case "signaling":
		return Signaling, nil
	}
	return 0, fmt.Errorf("unknown memory mode %q", s)
}

// CodePtr is an address inside executable memory.
type CodePtr uintptr

// SavedFPWidth selects how much floating point register state a frame preserves.
type SavedFPWidth uint8

const (
	SaveScalars SavedFPWidth = iota
	SaveVectors
)

// RegisterSet is a bit set of machine registers.
type RegisterSet uint64

// Add returns the set with reg included.
func (r RegisterSet) Add(reg uint8) RegisterSet { return r | 1<<reg }

// Contains reports whether reg is in the set.
func (r RegisterSet) Contains(reg uint8) bool { return r&(1<<reg) != 0 }

// Count returns the number of registers in the set.
func (r RegisterSet) Count() int { return bits.OnesCount64(uint64(r)) }

// LocationKind says where a live value is kept at a call site.
type LocationKind uint8

const (
	InRegister LocationKind = iota
	InStackSlot
	Constant
)

// ValueLocation is one entry of a stack map.
type ValueLocation struct {
	Value int64
	Kind  LocationKind
}

// CallSite is an unlinked direct call.
type CallSite struct {
	Offset uint32
	Target module.SpaceIndex
}

// UnlinkedHandler is an exception handler before linking. Offsets are
// relative to the start of the generated code.
type UnlinkedHandler struct {
	TryStart     uint32
	TryEnd       uint32
	TargetOffset uint32
	Tag          uint32
	Kind         wasm.HandlerKind
}

// CallSiteRange maps a code range to a call site index.
type CallSiteRange struct {
	Start         uint32
	End           uint32
	CallSiteIndex uint32
}

// CodeOrigin is one inlined frame. Tables of origins are kept in post-order.
type CodeOrigin struct {
	FirstInlineCSI uint32
	LastInlineCSI  uint32
	Function       module.SpaceIndex
}

// UnlinkedCode is what a Backend produces for one function.
type UnlinkedCode struct {
	StackMaps            map[uint32][]ValueLocation // by call site index
	Calls                []CallSite
	Handlers             []UnlinkedHandler
	LoopEntrypoints      []uint32
	CallSiteRanges       []CallSiteRange
	CodeOrigins          []CodeOrigin
	CalleeSaves          RegisterSet
	Function             module.CodeIndex
	Size                 uint32
	FrameSize            uint32
	OSRScratchBufferSize uint32
	SharedLoopEntrypoint uint32
	Tier                 Tier
	HasSharedLoopEntry   bool
}

// Profile is the profiling data collected by a lower tier.
type Profile struct {
	CallCounts     map[module.SpaceIndex]uint64
	LoopIterations map[uint32]uint64
	Invocations    uint64
}

// OSREntry asks the backend for code that enters at a loop header.
type OSREntry struct {
	LoopIndex uint32
}

// Request is the input to Backend.Compile.
type Request struct {
	Module       *module.Info
	Profile      *Profile
	OSREntry     *OSREntry
	Function     module.CodeIndex
	Tier         Tier
	MemoryMode   MemoryMode
	SavedFPWidth SavedFPWidth
}

// Backend turns a function body into unlinked machine code.
type Backend interface {
	Compile(ctx context.Context, req Request) (*UnlinkedCode, error)
}

// LinkedBuffer is generated code placed in executable memory.
type LinkedBuffer interface {
	Start() CodePtr
	End() CodePtr
	// LocationOf converts a code offset to an absolute address.
	LocationOf(offset uint32) CodePtr
	// RepatchCall atomically retargets the direct call at offset.
	RepatchCall(offset uint32, target CodePtr)
	// CallTarget returns the current target of the direct call at offset.
	CallTarget(offset uint32) CodePtr
	// Release returns the memory to the allocator. The buffer must be
	// unreachable by then.
	Release()
}

// Linker places unlinked code into executable memory.
type Linker interface {
	Link(ctx context.Context, code *UnlinkedCode) (LinkedBuffer, error)
}
