package callee

import (
	"fmt"
	"sync"

	"github.com/wippyai/wasm-tierup/codegen"
	"github.com/wippyai/wasm-tierup/wasm"
)

// Handler is a linked exception handler. Start and End delimit the
// protected code by offset; Target is where control resumes.
type Handler struct {
	Start        uint32
	End          uint32
	TargetOffset uint32
	Tag          uint32
	Target       codegen.CodePtr
	Kind         wasm.HandlerKind
}

// Covers reports whether the handler protects offset.
func (h *Handler) Covers(offset uint32) bool {
	return offset >= h.Start && offset < h.End
}

// Thunks is the fixed set of builtins interpreter code transfers through.
type Thunks struct {
	Entry               *Callee
	Catch               *Callee
	CatchAll            *Callee
	TryTableCatch       *Callee
	TryTableCatchRef    *Callee
	TryTableCatchAll    *Callee
	TryTableCatchAllRef *Callee
}

// ForHandler returns the thunk an interpreter handler of kind lands in.
func (t *Thunks) ForHandler(kind wasm.HandlerKind) *Callee {
	switch kind {
	case wasm.HandlerCatch:
		return t.Catch
	case wasm.HandlerCatchAll, wasm.HandlerDelegate:
		return t.CatchAll
	case wasm.HandlerTryTableCatch:
		return t.TryTableCatch
	case wasm.HandlerTryTableCatchRef:
		return t.TryTableCatchRef
	case wasm.HandlerTryTableCatchAll:
		return t.TryTableCatchAll
	case wasm.HandlerTryTableCatchAllRef:
		return t.TryTableCatchAllRef
	}
	panic(fmt.Sprintf("callee: unknown handler kind %d", kind))
}

// thunkBase is where the interpreter thunks live. They are fixed code and
// never enter the registry.
const thunkBase codegen.CodePtr = 0x1000

var (
	thunks     *Thunks
	thunksOnce sync.Once
)

// InterpreterThunks returns the process-wide interpreter thunks.
func InterpreterThunks() *Thunks {
	thunksOnce.Do(func() {
		thunks = &Thunks{
			Entry:               NewBuiltin("interpreter-entry", thunkBase),
			Catch:               NewBuiltin("interpreter-catch", thunkBase+0x40),
			CatchAll:            NewBuiltin("interpreter-catch-all", thunkBase+0x80),
			TryTableCatch:       NewBuiltin("interpreter-try-table-catch", thunkBase+0xc0),
			TryTableCatchRef:    NewBuiltin("interpreter-try-table-catch-ref", thunkBase+0x100),
			TryTableCatchAll:    NewBuiltin("interpreter-try-table-catch-all", thunkBase+0x140),
			TryTableCatchAllRef: NewBuiltin("interpreter-try-table-catch-all-ref", thunkBase+0x180),
		}
	})
	return thunks
}

func (c *Callee) deriveHandlers(ep *Entrypoint) []Handler {
	if len(c.code.Handlers) == 0 {
		return nil
	}
	out := make([]Handler, len(c.code.Handlers))
	for i, uh := range c.code.Handlers {
		h := Handler{
			Start:        uh.TryStart,
			End:          uh.TryEnd,
			TargetOffset: uh.TargetOffset,
			Tag:          uh.Tag,
			Kind:         uh.Kind,
		}
		switch c.mode {
		case ModeInterpreter:
			h.Target = InterpreterThunks().ForHandler(uh.Kind).Entrypoint()
		case ModeBaselineJIT, ModeOptimizingJIT, ModeOSREntry:
			h.Target = ep.Buffer.LocationOf(uh.TargetOffset)
		case ModeBuiltin, ModeThunk:
			panic(fmt.Sprintf("callee: %s cannot carry handlers", c.mode))
		}
		out[i] = h
	}
	return out
}

// Handlers returns the linked handler table in source order.
func (c *Callee) Handlers() []Handler {
	c.linkedEntry()
	c.handlerMu.RLock()
	defer c.handlerMu.RUnlock()
	return c.handlers
}

// RelinkHandlers derives the handler table again from the unlinked
// description and the current entrypoint.
func (c *Callee) RelinkHandlers() {
	ep := c.linkedEntry()
	hs := c.deriveHandlers(ep)
	c.handlerMu.Lock()
	c.handlers = hs
	c.handlerMu.Unlock()
}

// HandlerFor returns the innermost handler covering offset that accepts
// an exception with tag. Handlers are listed innermost first.
func (c *Callee) HandlerFor(offset, tag uint32) (Handler, bool) {
	for _, h := range c.Handlers() {
		if !h.Covers(offset) {
			continue
		}
		if h.Kind.HasTag() && h.Tag != tag {
			continue
		}
		return h, true
	}
	return Handler{}, false
}
