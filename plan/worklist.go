package plan

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-tierup/errors"
)

type queued struct {
	plan Plan
	seq  uint64
	kind Kind
}

func lessQueued(a, b queued) bool {
	if a.kind != b.kind {
		return a.kind < b.kind
	}
	return a.seq < b.seq
}

// WorklistStats counts plans by outcome.
type WorklistStats struct {
	Enqueued    uint64
	Completed   uint64
	Failed      uint64
	Synchronous uint64
	Pending     int
}

// Worklist runs plans on a fixed set of worker goroutines. Entry plans
// run before loop-entry plans, which run before baseline and then
// optimizing plans; plans of the same kind run in submission order.
type Worklist struct {
	log    *zap.Logger
	cond   *sync.Cond
	queue  *btree.BTreeG[queued]
	byPlan map[Plan]queued
	wg     sync.WaitGroup
	mu     sync.Mutex
	seq    uint64
	closed bool

	enqueued    atomic.Uint64
	completed   atomic.Uint64
	failed      atomic.Uint64
	synchronous atomic.Uint64
}

// NewWorklist starts a worklist with the given number of workers. Fewer
// than one worker is treated as one.
func NewWorklist(workers int, log *zap.Logger) *Worklist {
	if log == nil {
		log = Logger()
	}
	w := &Worklist{
		log:    log,
		queue:  btree.NewG[queued](8, lessQueued),
		byPlan: make(map[Plan]queued),
	}
	w.cond = sync.NewCond(&w.mu)
	workers = max(workers, 1)
	w.wg.Add(workers)
	for range workers {
		go w.run()
	}
	return w
}

var (
	shared     *Worklist
	sharedOnce sync.Once
)

// EnsureWorklist returns the process-wide worklist, starting it on first
// use with one worker per spare CPU.
func EnsureWorklist() *Worklist {
	sharedOnce.Do(func() {
		shared = NewWorklist(runtime.GOMAXPROCS(0)-1, Logger())
	})
	return shared
}

// Enqueue schedules p. It fails once the worklist is closed.
func (w *Worklist) Enqueue(p Plan) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New(errors.PhaseTierUp, errors.KindTornDown).
			Detail("worklist closed").Build()
	}
	if _, ok := w.byPlan[p]; ok {
		return nil
	}
	w.seq++
	q := queued{plan: p, seq: w.seq, kind: p.Kind()}
	w.queue.ReplaceOrInsert(q)
	w.byPlan[p] = q
	w.enqueued.Add(1)
	w.cond.Signal()
	return nil
}

// CompleteSynchronously makes sure p has run when it returns. A plan
// still in the queue is taken out and run on the calling goroutine; one
// already picked up by a worker is waited for. ctx bounds only the wait:
// a plan that starts always runs to completion.
func (w *Worklist) CompleteSynchronously(ctx context.Context, p Plan) error {
	w.mu.Lock()
	q, ok := w.byPlan[p]
	if ok {
		w.queue.Delete(q)
		delete(w.byPlan, p)
	}
	w.mu.Unlock()

	if ok {
		w.synchronous.Add(1)
		w.execute(ctx, p)
	}
	return p.Wait(ctx)
}

func (w *Worklist) run() {
	defer w.wg.Done()
	for {
		w.mu.Lock()
		for w.queue.Len() == 0 && !w.closed {
			w.cond.Wait()
		}
		q, ok := w.queue.DeleteMin()
		if !ok {
			w.mu.Unlock()
			return
		}
		delete(w.byPlan, q.plan)
		w.mu.Unlock()

		w.execute(context.Background(), q.plan)
	}
}

func (w *Worklist) execute(ctx context.Context, p Plan) {
	p.Work(context.WithoutCancel(ctx))
	w.completed.Add(1)
	if p.Failed() {
		w.failed.Add(1)
		w.log.Debug("plan failed", zap.Stringer("kind", p.Kind()), zap.Error(p.Err()))
	}
}

// Stats returns a snapshot of the counters.
func (w *Worklist) Stats() WorklistStats {
	w.mu.Lock()
	pending := w.queue.Len()
	w.mu.Unlock()
	return WorklistStats{
		Enqueued:    w.enqueued.Load(),
		Completed:   w.completed.Load(),
		Failed:      w.failed.Load(),
		Synchronous: w.synchronous.Load(),
		Pending:     pending,
	}
}

// Close stops accepting plans, lets the workers drain the queue and waits
// for them to exit.
func (w *Worklist) Close() {
	w.mu.Lock()
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()
	w.wg.Wait()
}
