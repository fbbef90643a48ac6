package sourced

import (
	"context"
	"sync"
	"time"
)

// ErrorStrategy is the pluggable policy invoked by the Router when a
// reactor's transaction fails with anything other than
// ConcurrentAppendError, per spec.md §6.4/§7. GroupProxy lets a strategy
// write the consumer group's error_context but not read it back, so any
// state a strategy keeps between invocations lives in process memory and
// does not survive a restart.
type ErrorStrategy func(ctx context.Context, err error, source *Message, group GroupProxy)

// StopOnError is the simplest strategy: any reactor error stops the
// group immediately. It is the Config default so a misconfigured
// reactor fails loudly rather than silently retrying forever.
func StopOnError() ErrorStrategy {
	return func(ctx context.Context, err error, source *Message, group GroupProxy) {
		_ = group.Stop(ctx, err.Error())
	}
}

// RetryThenStop builds the strategy spec.md §8 scenario S5 exercises:
// the first times failures set retry_at = now+after and keep the group
// active, bumping error_context["retry_count"]; the failure after those
// stops the group. retry_count is tracked in-process per ErrorStrategy
// instance, keyed by group ID. It is written to the group's
// error_context but never read back from it, so a restarted process
// counts from zero again.
func RetryThenStop(times int, after time.Duration) ErrorStrategy {
	var mu sync.Mutex
	counts := map[string]int{}

	return func(ctx context.Context, err error, source *Message, group GroupProxy) {
		mu.Lock()
		groupKey := group.GroupID()
		counts[groupKey]++
		count := counts[groupKey]
		mu.Unlock()

		errContext := map[string]any{
			"error":       err.Error(),
			"retry_count": count,
		}

		if count > times {
			delete(counts, groupKey)
			_ = group.Stop(ctx, err.Error())
			return
		}

		_ = group.Retry(ctx, time.Now().Add(after), errContext)
	}
}
