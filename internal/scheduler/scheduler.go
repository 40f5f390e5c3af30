// Package scheduler provides the cooperative "main thread" abstraction that
// the mux and everything it owns run on. Panes, tabs, windows and the mux
// registry are mutated only from work submitted through this package; it
// hides whether the host embedding it is a GUI event loop, a daemon with no
// GUI at all, or a test harness driving things by hand.
//
// Two FIFO queues feed a single worker loop: main-priority and low-priority.
// Main-priority work always drains to empty before a single low-priority
// item is taken, so bulk pane-output pushes (low priority) never starve
// keystrokes or RPC replies (main priority).
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"wxmux/internal/workerutil"
)

// Task is a unit of work run on the scheduler's single logical main thread.
type Task func()

// Scheduler drains main-priority work before any low-priority work, forever,
// until its context is cancelled. It is the mux's only concurrency primitive:
// everything that touches mux state goes through SpawnMain or SpawnMainLow.
type Scheduler struct {
	main chan Task
	low  chan Task

	runOnce sync.Once
	done    chan struct{}
}

// New creates a Scheduler whose main and low-priority queues each buffer up
// to 4096 tasks; SpawnMain/SpawnMainLow block only once a queue is full.
func New() *Scheduler {
	return &Scheduler{
		// Buffered generously: SpawnMain/SpawnMainLow are called from
		// background reader threads (pty output, socket reads) and must
		// not block on a slow main loop.
		main: make(chan Task, 4096),
		low:  make(chan Task, 4096),
		done: make(chan struct{}),
	}
}

// SpawnMain submits a no-argument unit of work to run on the main thread,
// in FIFO order relative to other main-priority work.
func (s *Scheduler) SpawnMain(t Task) {
	if t == nil {
		return
	}
	s.main <- t
}

// SpawnMainLow submits work to the low-priority queue. Low-priority work is
// drained opportunistically, one task at a time, between bursts of
// main-priority work -- this is the path server-push pane output coalescing
// uses so it never starves interactive requests.
func (s *Scheduler) SpawnMainLow(t Task) {
	if t == nil {
		return
	}
	s.low <- t
}

// SpawnBackground runs fn on a new goroutine and returns a Future that
// resolves with its result once fn returns. fn does not run on the main
// thread; its result is simply handed back asynchronously for the caller to
// await via Future.Get or to forward into SpawnMain.
func SpawnBackground[T any](fn func() (T, error)) *Future[T] {
	fut := newFuture[T]()
	var wg sync.WaitGroup
	workerutil.RunWithPanicRecovery(context.Background(), "scheduler.background", &wg,
		func(context.Context) {
			v, err := fn()
			fut.resolve(v, err)
		},
		workerutil.RecoveryOptions{
			MaxRetries: 1,
			OnFatal: func(name string, _ int) {
				fut.resolve(*new(T), fmt.Errorf("background task panicked"))
			},
		},
	)
	return fut
}

// Run drains both queues until ctx is cancelled. Exactly one goroutine
// should call Run for a given Scheduler; it is the "main thread" spec.md
// refers to throughout.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)
	for {
		// Drain all main-priority work before considering low-priority work.
		for {
			select {
			case t := <-s.main:
				runTask(t)
				continue
			default:
			}
			break
		}

		select {
		case <-ctx.Done():
			return
		case t := <-s.main:
			runTask(t)
		case t := <-s.low:
			runTask(t)
		}
	}
}

// Done returns a channel closed once Run has returned.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// runTask runs t in place on the scheduler's single logical thread.
// workerutil.RecoverAndLog provides the recover/log shape without handing t
// off to a new goroutine, which would break the one-task-at-a-time
// guarantee Run's callers depend on.
func runTask(t Task) {
	workerutil.RecoverAndLog("scheduler.task", t)
}

// BlockOn runs fn synchronously to completion, bypassing the scheduler
// entirely. It exists for call sites -- tests, CLI one-shots -- that have no
// running Scheduler and just need a straight-line result.
func BlockOn[T any](fn func() (T, error)) (T, error) {
	return fn()
}
