// Package tierup implements the per-function tier-up trigger: a counter
// the executing tier bumps on calls and loop back edges, and the
// compilation status of the next tier for each memory mode.
package tierup

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/wippyai/wasm-tierup/codegen"
	"github.com/wippyai/wasm-tierup/errors"
)

// Status is the compilation status of one tier for one memory mode.
type Status uint8

const (
	NotStarted Status = iota
	Compiling
	Compiled
	Failed
)

func (s Status) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Compiling:
		return "compiling"
	case Compiled:
		return "compiled"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// LastError is the most recent failure recorded on a trigger.
type LastError struct {
	Err  error
	Kind errors.Kind
	Tier codegen.Tier
}

// Thresholds controls when a trigger fires. Counts are in counter units:
// one per call, LoopWeight per loop back edge.
type Thresholds struct {
	WarmUp     int32 `toml:"warm_up"`
	Soon       int32 `toml:"soon"`
	LoopWeight int32 `toml:"loop_weight"`
}

// DefaultThresholds returns the thresholds used when none are configured.
func DefaultThresholds() Thresholds {
	return Thresholds{
		WarmUp:     1000,
		Soon:       30,
		LoopWeight: 1,
	}
}

// deferred keeps the counter far from zero without risking overflow on
// further increments.
const deferred = math.MinInt32 / 2

type compileState struct {
	lastErr [codegen.NumMemoryModes]*LastError
	status  [codegen.NumMemoryModes]Status
}

func (s *compileState) tryStart(mode codegen.MemoryMode) Status {
	prev := s.status[mode]
	if prev == NotStarted {
		s.status[mode] = Compiling
	}
	return prev
}

func (s *compileState) markCompiled(mode codegen.MemoryMode) bool {
	if s.status[mode] == Failed {
		return false
	}
	s.status[mode] = Compiled
	return true
}

func (s *compileState) markFailed(mode codegen.MemoryMode, tier codegen.Tier, err error) bool {
	if s.status[mode] == Compiled {
		return false
	}
	s.status[mode] = Failed
	kind := errors.KindParse
	if errors.IsOutOfMemory(err) {
		kind = errors.KindOutOfMemory
	} else if k, ok := errors.KindOf(err); ok {
		kind = k
	}
	s.lastErr[mode] = &LastError{Err: err, Kind: kind, Tier: tier}
	return true
}

// Trigger decides when a function should move to the next tier and tracks
// that compile per memory mode. The counter is lock-free; status and error
// are guarded by the trigger's own mutex.
type Trigger struct {
	counter    atomic.Int32
	thresholds Thresholds
	mu         sync.Mutex
	call       compileState
	osr        compileState
	target     codegen.Tier
}

// NewTrigger creates a trigger for promotion to target. It starts warming up.
func NewTrigger(target codegen.Tier, th Thresholds) *Trigger {
	t := &Trigger{target: target, thresholds: th}
	t.OptimizeAfterWarmUp()
	return t
}

// Target returns the tier this trigger promotes to.
func (t *Trigger) Target() codegen.Tier { return t.target }

// Counter returns the raw counter. The threshold is reached at zero.
func (t *Trigger) Counter() int32 { return t.counter.Load() }

// Increment adds n to the counter and reports whether the threshold has
// been reached.
func (t *Trigger) Increment(n int32) bool {
	return t.counter.Add(n) >= 0
}

// IncrementLoop counts one loop back edge.
func (t *Trigger) IncrementLoop() bool {
	return t.Increment(t.thresholds.LoopWeight)
}

// CheckIfOptimizationThresholdReached reports whether the counter is at or
// past the threshold.
func (t *Trigger) CheckIfOptimizationThresholdReached() bool {
	return t.counter.Load() >= 0
}

// OptimizeAfterWarmUp rearms the counter with the full warm-up budget.
func (t *Trigger) OptimizeAfterWarmUp() {
	t.counter.Store(-t.thresholds.WarmUp)
}

// OptimizeSoon rearms the counter with the short budget.
func (t *Trigger) OptimizeSoon() {
	t.counter.Store(-t.thresholds.Soon)
}

// DeferIndefinitely pushes the threshold out of reach.
func (t *Trigger) DeferIndefinitely() {
	t.counter.Store(deferred)
}

// Status returns the call-entry compile status for mode.
func (t *Trigger) Status(mode codegen.MemoryMode) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.call.status[mode]
}

// TryStartCompiling moves NotStarted to Compiling and returns the status
// observed before the call. Any other status is left alone.
func (t *Trigger) TryStartCompiling(mode codegen.MemoryMode) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.call.tryStart(mode)
}

// MarkCompiled records a successful compile. It returns false if the
// status is Failed, which is permanent.
func (t *Trigger) MarkCompiled(mode codegen.MemoryMode) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.call.markCompiled(mode)
}

// MarkFailed records a failed compile of tier. It returns false if the
// status is already Compiled.
func (t *Trigger) MarkFailed(mode codegen.MemoryMode, tier codegen.Tier, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.call.markFailed(mode, tier, err)
}

// ResetAndOptimizeSoon returns a Compiled status to NotStarted and rearms
// the counter. It is used when the compiled code has been released.
func (t *Trigger) ResetAndOptimizeSoon(mode codegen.MemoryMode) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.call.status[mode] != Compiled {
		return false
	}
	t.call.status[mode] = NotStarted
	t.OptimizeSoon()
	return true
}

// LastError returns the last recorded failure for mode, or nil.
func (t *Trigger) LastError(mode codegen.MemoryMode) *LastError {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.call.lastErr[mode]; e != nil {
		return e
	}
	return t.osr.lastErr[mode]
}

// OSRStatus returns the loop-entry compile status for mode.
func (t *Trigger) OSRStatus(mode codegen.MemoryMode) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.osr.status[mode]
}

// TryStartOSR is TryStartCompiling for the loop-entry compile.
func (t *Trigger) TryStartOSR(mode codegen.MemoryMode) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.osr.tryStart(mode)
}

// MarkOSRCompiled is MarkCompiled for the loop-entry compile.
func (t *Trigger) MarkOSRCompiled(mode codegen.MemoryMode) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.osr.markCompiled(mode)
}

// MarkOSRFailed is MarkFailed for the loop-entry compile.
func (t *Trigger) MarkOSRFailed(mode codegen.MemoryMode, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.osr.markFailed(mode, t.target, err)
}
