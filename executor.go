package sourced

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Executor runs the Dispatcher's cooperative tasks (workers, the
// notification queuer, the catch-up poller, the stale-claim reaper). It
// exists so a host can cap concurrency or supply its own goroutine pool
// without the Dispatcher needing to know, per spec.md §9 "Cooperative vs
// preemptive tasks": Go has no fiber/event-loop choice to make, so
// Executor's only real job is letting a host bound how many goroutines
// the runtime spawns.
type Executor interface {
	// Go runs fn, returning once fn has been scheduled (not necessarily
	// completed). It may block the caller until fn can be scheduled:
	// BoundedExecutor does so while all of its slots are taken.
	Go(fn func())

	// Wait blocks until every fn passed to Go has returned.
	Wait()
}

// goroutineExecutor is the default Executor: an unbounded errgroup.Group,
// one goroutine per Go call. The Dispatcher's tasks run until ctx is
// cancelled and never return an error themselves, so the group's error
// collection goes unused; it's still the idiomatic wrapper for "run a
// bunch of goroutines, wait for all of them" in this pack.
type goroutineExecutor struct {
	g errgroup.Group
}

// NewGoroutineExecutor returns the default unbounded-concurrency Executor.
func NewGoroutineExecutor() Executor {
	return &goroutineExecutor{}
}

func (e *goroutineExecutor) Go(fn func()) {
	e.g.Go(func() error {
		fn()
		return nil
	})
}

func (e *goroutineExecutor) Wait() {
	_ = e.g.Wait()
}

// BoundedExecutor caps the number of concurrently running tasks with a
// semaphore.Weighted, for hosts that want the Dispatcher's workers and
// housekeeping tasks to share a fixed goroutine budget with the rest of
// the process.
type BoundedExecutor struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// NewBoundedExecutor returns an Executor that runs at most max tasks
// concurrently; additional Go calls block until a slot frees up.
func NewBoundedExecutor(max int) *BoundedExecutor {
	if max <= 0 {
		max = 1
	}
	return &BoundedExecutor{sem: semaphore.NewWeighted(int64(max))}
}

func (e *BoundedExecutor) Go(fn func()) {
	// Acquire blocks the caller until a slot frees up; ctx.Background
	// because a bounded host is expected to size max generously enough
	// that this never waits long, and Executor.Go has no ctx of its own
	// to honor a cancellation against.
	_ = e.sem.Acquire(context.Background(), 1)
	e.wg.Add(1)
	go func() {
		defer func() {
			e.sem.Release(1)
			e.wg.Done()
		}()
		fn()
	}()
}

func (e *BoundedExecutor) Wait() {
	e.wg.Wait()
}
