// Package workerpool implements the fixed-size worker pool (C9). Unlike
// the teacher's fire-and-forget WorkerPool, every task here posts its
// result back to the reactor through an MPSC completion queue instead of
// mutating shared state directly — the reactor is the only goroutine
// allowed to touch the connection table, so a worker's side effect on a
// connection must travel through a Completion.
package workerpool

import (
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/lattice-systems/reactornet/internal/dispatch"
	"github.com/lattice-systems/reactornet/internal/ring"
)

// Completion is what a worker posts back to the reactor once its task
// finishes, per spec.md §3's "Completion message".
type Completion struct {
	FD         int32
	Generation uint64
	Outcome    dispatch.Outcome
}

// Task is one unit of deferred work. Handler must only read owned copies
// captured at submission time — the reactor's receive buffer may have
// moved on by the time this runs.
type Task struct {
	FD         int32
	Generation uint64
	Handler    func() dispatch.Outcome
}

// Pool is the worker pool (C9).
type Pool struct {
	tasks       chan Task
	completions *ring.MPSC[Completion]
	workerCount int
	logger      zerolog.Logger

	stop    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// New builds a Pool with workerCount goroutines and a bounded task queue
// of queueSize. completions is the MPSC the reactor drains on its timer
// tick; one completion queue is shared across all workers.
func New(workerCount, queueSize int, completions *ring.MPSC[Completion], logger zerolog.Logger) *Pool {
	return &Pool{
		tasks:       make(chan Task, queueSize),
		completions: completions,
		workerCount: workerCount,
		logger:      logger,
		stop:        make(chan struct{}),
	}
}

// Start launches the worker goroutines. Call once before Submit.
func (p *Pool) Start() {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.run()
	}
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		select {
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.execute(task)
		case <-p.stop:
			return
		}
	}
}

func (p *Pool) execute(task Task) {
	outcome := dispatch.FailKeepOpen
	func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error().
					Interface("panic_value", r).
					Str("stack", string(debug.Stack())).
					Int32("fd", task.FD).
					Msg("worker task panicked, connection kept open")
				outcome = dispatch.FailKeepOpen
			}
		}()
		outcome = task.Handler()
	}()

	p.completions.Push(Completion{FD: task.FD, Generation: task.Generation, Outcome: outcome})
}

// Submit enqueues a task. Per spec.md §7's ResourceExhausted policy, a
// full queue rejects the task rather than blocking the reactor or
// falling back to inline execution; the caller should treat a false
// return as an immediate fail-keep-open / fail-close decision.
func (p *Pool) Submit(task Task) bool {
	select {
	case p.tasks <- task:
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// Stop signals all workers to exit once their current task completes and
// blocks until they have. In-flight tasks finish; queued-but-not-started
// tasks are abandoned.
func (p *Pool) Stop() {
	close(p.stop)
	p.wg.Wait()
}

// Dropped returns the number of tasks rejected because the queue was full.
func (p *Pool) Dropped() int64 {
	return p.dropped.Load()
}

// QueueDepth returns the number of tasks currently waiting.
func (p *Pool) QueueDepth() int {
	return len(p.tasks)
}

// QueueCap returns the configured task queue capacity.
func (p *Pool) QueueCap() int {
	return cap(p.tasks)
}
