package main

import (
	"context"
	"fmt"
	"time"

	"github.com/wippyai/wasm-tierup/codegen"
	"github.com/wippyai/wasm-tierup/engine"
	"github.com/wippyai/wasm-tierup/module"
	"github.com/wippyai/wasm-tierup/wasm"
)

// workload stands in for the call-dispatch path: each step reports one
// call to every defined function and a number of back edges per loop.
type workload struct {
	m      *engine.Module
	mode   codegen.MemoryMode
	loops  [][]uint32 // loop indices per code index
	edges  int
	steps  int
	osrHit int
}

func newWorkload(m *engine.Module, mode codegen.MemoryMode, edges int) (*workload, error) {
	info := m.Info()
	w := &workload{
		m:     m,
		mode:  mode,
		edges: edges,
		loops: make([][]uint32, info.FunctionCount()),
	}
	if edges == 0 {
		return w, nil
	}
	for i := range w.loops {
		c := module.CodeIndex(i)
		scan, err := wasm.ScanBody(info.Function(c).Body)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", info.Name(info.Space().ToSpaceIndex(c)), err)
		}
		for l := range scan.Loops {
			w.loops[i] = append(w.loops[i], uint32(l))
		}
	}
	return w, nil
}

func (w *workload) step(ctx context.Context) error {
	for i := range w.loops {
		c := module.CodeIndex(i)
		if _, err := w.m.Call(ctx, w.mode, c); err != nil {
			return err
		}
		for _, loop := range w.loops[i] {
			for range w.edges {
				osr, err := w.m.OnLoop(ctx, w.mode, c, loop)
				if err != nil {
					return err
				}
				if osr != nil {
					w.osrHit++
					break
				}
			}
		}
	}
	w.steps++
	return nil
}

// drain waits until every scheduled plan has run.
func drain(ctx context.Context, e *engine.Engine) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		st := e.Stats().Worklist
		if st.Pending == 0 && st.Completed >= st.Enqueued {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %d pending plans: %w", st.Enqueued-st.Completed, ctx.Err())
		case <-ticker.C:
		}
	}
}
