package engine

import (
	"github.com/wippyai/wasm-tierup/callee"
	"github.com/wippyai/wasm-tierup/calleegroup"
	"github.com/wippyai/wasm-tierup/codegen"
	"github.com/wippyai/wasm-tierup/module"
	"github.com/wippyai/wasm-tierup/tierup"
)

// FunctionStats describes one defined function in one memory mode.
type FunctionStats struct {
	Name      string   `msgpack:"name"`
	Tier      string   `msgpack:"tier"`
	Status    string   `msgpack:"status"`
	OSR       string   `msgpack:"osr,omitempty"`
	LastError string   `msgpack:"last_error,omitempty"`
	Callers   []uint32 `msgpack:"callers,omitempty"`
	Calls     uint64   `msgpack:"calls"`
	Index     uint32   `msgpack:"index"`
	Counter   int32    `msgpack:"counter"`
	CodeSize  uint32   `msgpack:"code_size"`
}

// ModuleStats is a snapshot of a module's tiering state.
type ModuleStats struct {
	Name       string          `msgpack:"name"`
	MemoryMode string          `msgpack:"memory_mode"`
	Error      string          `msgpack:"error,omitempty"`
	Functions  []FunctionStats `msgpack:"functions"`
	ByTier     map[string]int  `msgpack:"by_tier"`
	Imports    uint32          `msgpack:"imports"`
	Scheduled  uint64          `msgpack:"scheduled"`
	Installed  uint64          `msgpack:"installed"`
	Failed     uint64          `msgpack:"failed"`
	Retired    int             `msgpack:"retired"`
	Runnable   bool            `msgpack:"runnable"`
}

// Stats returns a snapshot of the group for mode. A mode whose group does
// not exist yet reports the primary group.
func (m *Module) Stats(mode codegen.MemoryMode) ModuleStats {
	m.mu.Lock()
	g := m.groups[mode]
	if g == nil {
		g = m.groups[m.e.mode]
	}
	m.mu.Unlock()

	space := m.info.Space()
	s := ModuleStats{
		Name:       m.info.ModuleName,
		MemoryMode: g.Mode().String(),
		Error:      g.ErrorMessage(),
		Imports:    space.ImportCount(),
		Scheduled:  m.scheduled.Load(),
		Installed:  m.installed.Load(),
		Failed:     m.failed.Load(),
		Retired:    g.RetiredCount(),
		Runnable:   g.IsRunnable(),
		ByTier:     make(map[string]int),
	}
	if !s.Runnable {
		return s
	}

	s.Functions = make([]FunctionStats, space.DefinedCount())
	for i := range s.Functions {
		c := module.CodeIndex(i)
		fs := functionStats(g, c)
		fs.Calls = m.calls[i].Load()
		s.ByTier[fs.Tier]++
		s.Functions[i] = fs
	}
	return s
}

func functionStats(g *calleegroup.Group, c module.CodeIndex) FunctionStats {
	interp := g.Interpreter(c)
	cur := current(g, c)
	fs := FunctionStats{
		Index: uint32(c),
		Name:  cur.Name(),
		Tier:  cur.Tier().String(),
	}
	if code := cur.Unlinked(); code != nil {
		fs.CodeSize = code.Size
	}
	for _, caller := range g.Callers(c) {
		fs.Callers = append(fs.Callers, uint32(caller))
	}

	// The trigger that decides the next step is the current tier's.
	trig := interp.Trigger()
	if cur.Mode() == callee.ModeBaselineJIT && cur.Trigger() != nil {
		trig = cur.Trigger()
		if st := trig.OSRStatus(g.Mode()); st != tierup.NotStarted {
			fs.OSR = st.String()
		}
	}
	fs.Counter = trig.Counter()
	fs.Status = trig.Status(g.Mode()).String()
	if le := trig.LastError(g.Mode()); le != nil {
		fs.LastError = le.Err.Error()
	}
	return fs
}
