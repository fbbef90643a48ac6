package sourced

import "context"

// Load reads a partition's full history and returns it alongside a Guard
// fencing exactly that read, for hosts that want synchronous
// load-then-decide without going through the dispatcher (spec.md §2
// "Load / handle helpers").
func Load(ctx context.Context, store Store, conditions []Condition) (History, error) {
	result, err := store.Read(ctx, conditions, 0, 0)
	if err != nil {
		return History{}, NewBackendError("load", err)
	}
	return History{Messages: result.Messages, Guard: result.Guard}, nil
}

// Evolver folds one message into a running state value, the same shape
// a decider/projector's internal evolve step uses.
type Evolver[S any] func(state S, msg Message) S

// EvolveFrom applies evolve over history in order, starting from initial,
// returning the resulting state. It is the synchronous counterpart to
// what a Router-driven decider does internally before producing actions.
func EvolveFrom[S any](initial S, history History, evolve Evolver[S]) S {
	state := initial
	for _, msg := range history.Messages {
		state = evolve(state, msg)
	}
	return state
}

// HandleNow runs a command handler synchronously against a partition's
// current state, without enqueuing through a Dispatcher: it loads
// history, evolves state, invokes handle, and appends the produced
// events under a Guard derived from the load. On ConcurrentAppendError it
// reloads, re-evolves and tries again, with no limit on the number of
// attempts. This is the "handle
// command now" path spec.md §2 describes for host callers that need an
// immediate, synchronous decision rather than asynchronous delivery via a
// registered decider.
func HandleNow[S any](
	ctx context.Context,
	store Store,
	conditions []Condition,
	initial S,
	evolve Evolver[S],
	handle func(state S) ([]Message, error),
) ([]Message, error) {
	for {
		history, err := Load(ctx, store, conditions)
		if err != nil {
			return nil, err
		}
		state := EvolveFrom(initial, history, evolve)

		produced, err := handle(state)
		if err != nil {
			return nil, err
		}
		if len(produced) == 0 {
			return nil, nil
		}

		_, err = store.Append(ctx, produced, &history.Guard)
		if err == nil {
			return produced, nil
		}
		if !IsConcurrentAppend(err) {
			return nil, NewBackendError("handle_now_append", err)
		}
		// ConcurrentAppendError: reload and retry.
	}
}
