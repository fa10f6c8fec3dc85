package calleegroup

import (
	"fmt"
	"runtime"
	"weak"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-tierup/callee"
	"github.com/wippyai/wasm-tierup/codegen"
	"github.com/wippyai/wasm-tierup/module"
	"github.com/wippyai/wasm-tierup/tierup"
)

// Locked is the view of a group whose lock is held. It is only valid
// inside the WithLock callback that produced it.
type Locked struct {
	g *Group
}

// WithLock runs fn with the group lock held.
func (g *Group) WithLock(fn func(l *Locked)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(&Locked{g: g})
}

// Group returns the locked group.
func (l *Locked) Group() *Group { return l.g }

// baselineOf reads the baseline reference of c, seeing the staging slot
// when c is being installed.
func (l *Locked) baselineOf(c module.CodeIndex) *callee.Callee {
	g := l.g
	if g.installing.active && g.installing.index == c {
		return g.installing.baseline.Get()
	}
	s := &g.slots[c]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseline.Get()
}

func (l *Locked) optimizingOf(c module.CodeIndex) *callee.Callee {
	g := l.g
	if g.installing.active && g.installing.index == c {
		return g.installing.optimizing
	}
	return g.slots[c].optimizing.Load()
}

// BaselineJIT returns the baseline record of c, including one being
// installed.
func (l *Locked) BaselineJIT(c module.CodeIndex) *callee.Callee {
	return l.baselineOf(c)
}

// OptimizingJIT returns the optimizing record of c, including one being
// installed.
func (l *Locked) OptimizingJIT(c module.CodeIndex) *callee.Callee {
	return l.optimizingOf(c)
}

// Replacement returns the best JIT record of c, or nil.
func (l *Locked) Replacement(c module.CodeIndex) *callee.Callee {
	if o := l.optimizingOf(c); o != nil {
		return o
	}
	if b := l.baselineOf(c); b != nil && !b.Released() {
		return b
	}
	return nil
}

// EntrypointCallee returns the record a direct call to defined function c
// should target: the best JIT record, else the interpreter record.
func (l *Locked) EntrypointCallee(c module.CodeIndex) *callee.Callee {
	if r := l.Replacement(c); r != nil {
		return r
	}
	return l.g.interpreters[c]
}

func (l *Locked) callTarget(s module.SpaceIndex) codegen.CodePtr {
	g := l.g
	if g.space.IsImport(s) {
		return g.importThunks[s].Entrypoint()
	}
	return l.EntrypointCallee(g.space.ToCodeIndex(s)).Entrypoint()
}

// Install publishes a linked baseline-JIT or optimizing-JIT record for its
// function. The record is staged, registered, given caller edges for its
// own direct calls, has its call sites and its callers' call sites
// pointed at the right code, and only then becomes visible in the slot.
//
// Install refuses a record of a lower tier than the one already published
// and returns false; an install of the same tier replaces the current
// record. The replaced record is retired.
func (l *Locked) Install(c *callee.Callee) bool {
	g := l.g
	if !c.Linked() {
		panic(fmt.Sprintf("calleegroup: installing unlinked %s", c))
	}
	if c.Mode() != callee.ModeBaselineJIT && c.Mode() != callee.ModeOptimizingJIT {
		panic(fmt.Sprintf("calleegroup: cannot install %s", c))
	}
	if g.released.Load() || g.interpreters == nil {
		return false
	}

	code := g.space.ToCodeIndex(c.Index())
	s := &g.slots[code]
	if cur := s.optimizing.Load(); cur != nil && cur.Tier() > c.Tier() {
		g.log.Debug("install rejected, higher tier present",
			zap.Uint32("function", uint32(code)),
			zap.Stringer("tier", c.Tier()),
			zap.Stringer("current", cur.Tier()))
		return false
	}

	l.stage(code, c)
	g.registry.Register(c)
	l.addOutgoingEdges(code, c)

	for _, call := range c.Calls() {
		c.Buffer().RepatchCall(call.Offset, l.callTarget(call.Target))
	}
	if l.EntrypointCallee(code) == c {
		l.updateCallsitesToCallUs(code, c.Entrypoint())
	}

	old := l.finalize(code, c)
	if old != nil && old != c {
		g.retired = append(g.retired, old)
	}
	g.log.Debug("installed",
		zap.Uint32("function", uint32(code)),
		zap.Stringer("tier", c.Tier()),
		zap.Uint64("callee", c.ID()))
	return true
}

func (l *Locked) stage(code module.CodeIndex, c *callee.Callee) {
	g := l.g
	s := &g.slots[code]
	st := staging{index: code, active: true}

	s.mu.Lock()
	st.baseline = s.baseline
	s.mu.Unlock()
	st.optimizing = s.optimizing.Load()

	switch c.Mode() {
	case callee.ModeBaselineJIT:
		st.baseline = callee.Strong(c)
	case callee.ModeOptimizingJIT:
		st.optimizing = c
	}
	g.installing = st
}

// finalize moves the staged record into the slot and returns the record
// it replaced.
func (l *Locked) finalize(code module.CodeIndex, c *callee.Callee) *callee.Callee {
	g := l.g
	if !g.installing.active || g.installing.index != code {
		panic(fmt.Sprintf("calleegroup: finalizing %s without staging it", code))
	}
	s := &g.slots[code]

	var old *callee.Callee
	switch c.Mode() {
	case callee.ModeBaselineJIT:
		s.mu.Lock()
		old = s.baseline.Get()
		s.baseline = g.installing.baseline
		s.mu.Unlock()
	case callee.ModeOptimizingJIT:
		old = s.optimizing.Swap(g.installing.optimizing)
	}
	g.installing = staging{}
	return old
}

func (l *Locked) addOutgoingEdges(caller module.CodeIndex, c *callee.Callee) {
	g := l.g
	for _, call := range c.Calls() {
		if g.space.IsImport(call.Target) {
			continue
		}
		g.RecordCaller(g.space.ToCodeIndex(call.Target), caller)
	}
}

type callsite struct {
	buf    codegen.LinkedBuffer
	offset uint32
}

// updateCallsitesToCallUs points every recorded caller's direct calls to
// code at entry, then updates the indirect-call table.
func (l *Locked) updateCallsitesToCallUs(code module.CodeIndex, entry codegen.CodePtr) {
	g := l.g
	target := g.space.ToSpaceIndex(code)

	var sites []callsite
	collect := func(rec *callee.Callee) {
		if rec == nil || rec.Released() {
			return
		}
		for _, call := range rec.Calls() {
			if call.Target == target {
				sites = append(sites, callsite{buf: rec.Buffer(), offset: call.Offset})
			}
		}
	}

	// Callers are collected before anything is repatched. OSR entries
	// found here stay reachable through keepAlive until then.
	var keepAlive []*callee.Callee
	for _, caller := range g.Callers(code) {
		collect(l.baselineOf(caller))
		collect(l.optimizingOf(caller))
		if w, ok := g.osrEntries[caller]; ok {
			if osr := w.Value(); osr != nil {
				collect(osr)
				keepAlive = append(keepAlive, osr)
			} else {
				delete(g.osrEntries, caller)
			}
		}
	}

	g.entrypoints[code].Store(uintptr(entry))
	for _, site := range sites {
		site.buf.RepatchCall(site.offset, entry)
	}
	runtime.KeepAlive(keepAlive)
}

// RecordOSREntry publishes a loop-entry record for c. The record is owned
// by the baseline record it was carved from; the group keeps only a weak
// reference.
func (l *Locked) RecordOSREntry(c module.CodeIndex, osr *callee.Callee) bool {
	g := l.g
	if osr.Mode() != callee.ModeOSREntry || !osr.Linked() {
		panic(fmt.Sprintf("calleegroup: cannot record %s as an OSR entry", osr))
	}
	if g.released.Load() || g.interpreters == nil {
		return false
	}
	owner := osr.Owner()
	if owner == nil || owner.Released() {
		return false
	}

	g.registry.Register(osr)
	l.addOutgoingEdges(c, osr)
	for _, call := range osr.Calls() {
		osr.Buffer().RepatchCall(call.Offset, l.callTarget(call.Target))
	}

	if prev := owner.OSREntry(); prev != nil && prev != osr {
		g.registry.Unregister(prev)
		g.retired = append(g.retired, prev)
	}
	owner.SetOSREntry(osr)
	g.osrEntries[c] = weak.Make(osr)
	return true
}

// OSREntry returns the live OSR entry record of c, or nil.
func (l *Locked) OSREntry(c module.CodeIndex) *callee.Callee {
	w, ok := l.g.osrEntries[c]
	if !ok {
		return nil
	}
	return w.Value()
}

// ReleaseBaselineJIT demotes the baseline record of c to a weak reference
// once the optimizing tier has taken over, and retires it. The
// interpreter's trigger is rearmed so a function that loses its baseline
// code tiers up again quickly. It does nothing unless the group frees
// retired code.
func (l *Locked) ReleaseBaselineJIT(c module.CodeIndex) {
	g := l.g
	if !g.freeRetired {
		return
	}
	if tr := g.interpreters[c].Trigger(); tr != nil {
		tr.ResetAndOptimizeSoon(g.mode)
	}

	s := &g.slots[c]
	s.mu.Lock()
	b := s.baseline.Get()
	wasStrong := s.baseline.IsStrong()
	s.baseline.ConvertToWeak()
	s.mu.Unlock()

	if b != nil && wasStrong {
		g.retired = append(g.retired, b)
		g.log.Debug("released baseline code", zap.Uint32("function", uint32(c)))
	}
}

// CalleeIsReferenced reports whether the group still references rec.
func (l *Locked) CalleeIsReferenced(rec *callee.Callee) TriState {
	g := l.g
	switch rec.Mode() {
	case callee.ModeInterpreter:
		return True
	case callee.ModeBaselineJIT:
		code := g.space.ToCodeIndex(rec.Index())
		s := &g.slots[code]
		s.mu.Lock()
		defer s.mu.Unlock()
		cur := s.baseline.Get()
		if s.baseline.IsWeak() {
			if cur != nil {
				return Indeterminate
			}
			return False
		}
		return triState(cur == rec)
	case callee.ModeOptimizingJIT:
		code := g.space.ToCodeIndex(rec.Index())
		return triState(g.slots[code].optimizing.Load() == rec)
	case callee.ModeOSREntry:
		code := g.space.ToCodeIndex(rec.Index())
		if l.OSREntry(code) != rec {
			return False
		}
		if owner := rec.Owner(); owner != nil && l.baselineOf(code) == owner {
			return True
		}
		return Indeterminate
	case callee.ModeBuiltin, callee.ModeThunk:
		return True
	}
	panic(fmt.Sprintf("calleegroup: unknown mode %d", rec.Mode()))
}

func triState(b bool) TriState {
	if b {
		return True
	}
	return False
}

// InterpreterTrigger returns the tier-up trigger of c's interpreter record.
func (l *Locked) InterpreterTrigger(c module.CodeIndex) *tierup.Trigger {
	if l.g.interpreters == nil {
		return nil
	}
	return l.g.interpreters[c].Trigger()
}
