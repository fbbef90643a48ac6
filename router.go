package sourced

import (
	"context"
	"time"
)

// Router claims one batch of work for one reactor, runs it, and commits
// the reactor's actions plus the offset advance atomically, per spec.md
// §4.5.
type Router struct {
	store    Store
	reactors []Reactor
	strategy ErrorStrategy
	logger   Logger
}

// NewRouter builds a Router over the given Store and registered reactors.
func NewRouter(store Store, reactors []Reactor, strategy ErrorStrategy, logger Logger) *Router {
	if logger == nil {
		logger = NopLogger()
	}
	if strategy == nil {
		strategy = StopOnError()
	}
	return &Router{store: store, reactors: reactors, strategy: strategy, logger: logger}
}

// HandleNextFor performs spec.md §4.5 steps 1-7 for one reactor:
//  1. claim a batch,
//  2. load history if the reactor asks for it,
//  3. run HandleBatch inside the store's transaction guarantees,
//  4. commit actions + ack, or release on failure.
//
// It returns (false, nil) when there was no work to do, and (true, nil)
// (or (true, err) for a caller that wants to observe the failure) in
// every case where work was attempted, including a ConcurrentAppendError.
func (r *Router) HandleNextFor(ctx context.Context, reactor Reactor, workerID string, batchSize int) (bool, error) {
	claim, err := r.store.ClaimNext(ctx, reactor.GroupID(), reactor.PartitionAttrs(), reactor.HandledMessages(), workerID, batchSize)
	if err != nil {
		return false, NewBackendError("claim_next", err)
	}
	if claim == nil {
		return false, nil
	}

	var history *History
	if hr, ok := reactor.(ReactorWithHistory); ok {
		conditions := hr.ContextFor(claim.PartitionValue)
		result, err := r.store.Read(ctx, conditions, 0, 0)
		if err != nil {
			_ = r.store.Release(ctx, reactor.GroupID(), claim.OffsetID)
			return true, NewBackendError("read_history", err)
		}
		history = &History{Messages: result.Messages, Guard: result.Guard}
	}

	pairs, err := r.runHandleBatch(ctx, reactor, *claim, history)
	if err != nil {
		return r.handleFailure(ctx, reactor, claim, err)
	}

	if err := r.commit(ctx, reactor, *claim, pairs); err != nil {
		return r.handleFailure(ctx, reactor, claim, err)
	}

	return true, nil
}

// runHandleBatch isolates the reactor call so a panic inside a hand-rolled
// HandleBatch becomes a ReactorError rather than taking the worker down,
// matching spec.md §7 "ReactorError: any exception thrown inside
// handle_batch."
func (r *Router) runHandleBatch(ctx context.Context, reactor Reactor, claim Claim, history *History) (pairs []ActionPair, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &ReactorError{GroupID: reactor.GroupID(), Err: panicToError(rec)}
		}
	}()
	pairs, err = reactor.HandleBatch(ctx, claim, history)
	if err != nil {
		err = &ReactorError{GroupID: reactor.GroupID(), Err: err}
	}
	return pairs, err
}

// commit executes every pair's actions in order, including the ack for
// the final pair's source position, inside one Store.Transaction, per
// spec.md §4.5 step 4 and §5 ("every multi-step write uses one
// transaction; no write spans two transactions"). If any action or the
// final ack fails, the whole transaction rolls back: an earlier pair's
// Append never lands durably just because a later pair's Sync or Append
// failed, and the claim is released (not acked) by the caller.
func (r *Router) commit(ctx context.Context, reactor Reactor, claim Claim, pairs []ActionPair) error {
	if len(pairs) == 0 {
		return nil
	}

	return r.store.Transaction(ctx, func(ctx context.Context, tx Store) error {
		for i, pair := range pairs {
			isLast := i == len(pairs)-1
			for _, action := range pair.Actions {
				if err := r.applyAction(ctx, tx, action); err != nil {
					return err
				}
			}
			if isLast {
				if err := tx.Ack(ctx, reactor.GroupID(), claim.OffsetID, pair.Source.Position); err != nil {
					return NewBackendError("ack", err)
				}
			}
		}
		return nil
	})
}

func (r *Router) applyAction(ctx context.Context, tx Store, action Action) error {
	switch a := action.(type) {
	case OK:
		return nil
	case Append:
		_, err := tx.Append(ctx, a.Messages, a.Guard)
		if err != nil {
			if IsConcurrentAppend(err) {
				return err
			}
			return NewBackendError("append", err)
		}
		return nil
	case Sync:
		if a.Block == nil {
			return nil
		}
		return a.Block()
	case Schedule:
		scheduled := make([]Message, len(a.Messages))
		for i, m := range a.Messages {
			m.CreatedAt = a.At
			scheduled[i] = m
		}
		_, err := tx.Append(ctx, scheduled, nil)
		if err != nil {
			return NewBackendError("schedule", err)
		}
		return nil
	default:
		return nil
	}
}

// handleFailure implements spec.md §4.5 steps 5-6: release the claim,
// and for anything other than ConcurrentAppendError hand the error to
// the reactor's error strategy via a GroupProxy.
func (r *Router) handleFailure(ctx context.Context, reactor Reactor, claim *Claim, err error) (bool, error) {
	if relErr := r.store.Release(ctx, reactor.GroupID(), claim.OffsetID); relErr != nil {
		r.logger.Log(LogLevelError, "release after failure also failed", "group_id", reactor.GroupID(), "err", relErr)
	}

	if IsConcurrentAppend(err) {
		r.logger.Log(LogLevelDebug, "concurrent append, will retry next tick", "group_id", reactor.GroupID())
		return true, err
	}

	proxy := &storeGroupProxy{store: r.store, groupID: reactor.GroupID()}
	var source *Message
	if len(claim.Messages) > 0 {
		source = &claim.Messages[0]
	}

	reactor.OnException(ctx, err, source, proxy)
	r.strategy(ctx, err, source, proxy)

	return true, err
}

// Drain loops over every registered reactor calling HandleNextFor until
// all return false, per spec.md §4.5 "drain()".
func (r *Router) Drain(ctx context.Context, workerID string, batchSize int) error {
	for {
		anyWork := false
		for _, reactor := range r.reactors {
			worked, err := r.HandleNextFor(ctx, reactor, workerID, batchSize)
			if err != nil && !IsConcurrentAppend(err) {
				r.logger.Log(LogLevelWarn, "reactor tick errored", "group_id", reactor.GroupID(), "err", err)
			}
			if worked {
				anyWork = true
			}
		}
		if !anyWork {
			return nil
		}
	}
}

// storeGroupProxy is the Store-backed GroupProxy handed to reactors and
// error strategies, per spec.md §4.5 "group_proxy exposes retry(time,
// context) and stop(reason)."
type storeGroupProxy struct {
	store   Store
	groupID string
}

func (p *storeGroupProxy) GroupID() string { return p.groupID }

func (p *storeGroupProxy) Retry(ctx context.Context, at time.Time, errContext map[string]any) error {
	nanos := at.UnixNano()
	return p.store.SetGroupError(ctx, p.groupID, errContext, &nanos)
}

func (p *storeGroupProxy) Stop(ctx context.Context, reason string) error {
	if err := p.store.SetGroupError(ctx, p.groupID, map[string]any{"reason": reason}, nil); err != nil {
		return err
	}
	return p.store.StopConsumerGroup(ctx, p.groupID)
}
