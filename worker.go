package sourced

import (
	"context"
)

// worker pops reactor tokens from a WorkQueue and drains them, per
// spec.md §4.6 "Worker". name is used as the Store's worker_id for
// claims and heartbeats.
type worker struct {
	name      string
	queue     *WorkQueue
	router    *Router
	batchSize int
	maxRounds int
	logger    Logger
}

// run is the worker's main loop: pop a token, drain that reactor up to
// maxRounds ticks, optionally re-enqueue, repeat until the queue is
// closed and this worker's Pop returns false.
func (w *worker) run(ctx context.Context) {
	for {
		reactor, ok := w.queue.Pop()
		if !ok {
			return
		}
		w.drain(ctx, reactor)
	}
}

// drain implements the pseudocode in spec.md §4.6 exactly: tick the
// router for reactor until it reports no work or the round budget is
// exceeded, in which case the reactor is re-enqueued (non-blocking,
// dropped if the reactor is already at its token cap) so other reactors
// get a turn.
func (w *worker) drain(ctx context.Context, reactor Reactor) {
	rounds := 0
	for rounds < w.maxRounds {
		select {
		case <-ctx.Done():
			return
		default:
		}

		worked, err := w.router.HandleNextFor(ctx, reactor, w.name, w.batchSize)
		if err != nil && !IsConcurrentAppend(err) {
			w.logger.Log(LogLevelWarn, "worker tick errored", "worker", w.name, "group_id", reactor.GroupID(), "err", err)
		}
		if !worked {
			return
		}
		rounds++
	}

	// Hit the round cap: re-enqueue so another worker can get a turn.
	w.queue.Push(reactor)
}
