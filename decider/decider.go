// Package decider implements the "decider" reactor variant of spec.md
// §4.4: a reactor that handles commands, produces events, and evolves its
// own local state from both. Base is the generic embeddable helper a host
// builds one of per aggregate/entity type, parameterized over that type's
// local state.
package decider

import (
	"context"

	sourced "github.com/ismasan/sourced"
)

// CommandHandler runs a registered command against the decider's current
// state and returns the events it produces. Returning an error aborts the
// whole batch transaction (spec.md §4.4, §4.5 step 4).
type CommandHandler[S any] func(state S, command sourced.Message) ([]sourced.Message, error)

// ReactionFunc runs against an event the decider itself just produced,
// correlated to it, per spec.md §4.4 "reactions run on the events it just
// produced, correlated to each event."
type ReactionFunc func(event sourced.Message) []sourced.Message

// Base is the generic decider helper. Construct one with New, register
// command handlers with HandleCommand, evolve-only event types with
// EvolveOn, and reactions with React, then hand it to a Dispatcher as a
// sourced.Reactor.
type Base[S any] struct {
	groupID        string
	partitionAttrs []string
	initial        S
	evolve         sourced.Evolver[S]
	idGen          sourced.IDGenerator

	commands  map[string]CommandHandler[S]
	reactions map[string]ReactionFunc
	handled   []sourced.MessageDescriptor
}

// New builds a decider over local state type S, evolving from initial via
// evolve. partitionAttrs names the attributes this decider's partitions
// are keyed on (e.g. "order_id").
func New[S any](groupID string, partitionAttrs []string, initial S, evolve sourced.Evolver[S]) *Base[S] {
	return &Base[S]{
		groupID:        groupID,
		partitionAttrs: partitionAttrs,
		initial:        initial,
		evolve:         evolve,
		idGen:          sourced.DefaultIDGenerator,
		commands:       map[string]CommandHandler[S]{},
		reactions:      map[string]ReactionFunc{},
	}
}

// WithIDGenerator overrides how produced events' IDs are generated,
// primarily for deterministic tests.
func (b *Base[S]) WithIDGenerator(gen sourced.IDGenerator) *Base[S] {
	b.idGen = gen
	return b
}

// HandleCommand registers desc as a command this decider acts on: claimed
// messages of this type run handler against current state; handler's
// returned events are immediately evolved into local state, stamped with
// automatic causation/correlation, and appended under the history guard.
func (b *Base[S]) HandleCommand(desc sourced.MessageDescriptor, handler CommandHandler[S]) *Base[S] {
	b.commands[desc.Type] = handler
	b.handled = append(b.handled, desc)
	return b
}

// EvolveOn registers desc as a type this decider's state evolves from but
// does not act on: claimed messages of this type produce OK, per spec.md
// §4.4 "deciders only act on their commands; evolve-only events are
// consumed purely for state."
func (b *Base[S]) EvolveOn(desc sourced.MessageDescriptor) *Base[S] {
	b.handled = append(b.handled, desc)
	return b
}

// React registers a reaction that runs on events this decider produces
// for eventType, within the same transaction, correlated to the event.
func (b *Base[S]) React(eventType string, fn ReactionFunc) *Base[S] {
	b.reactions[eventType] = fn
	return b
}

// GroupID implements sourced.Reactor.
func (b *Base[S]) GroupID() string { return b.groupID }

// PartitionAttrs implements sourced.Reactor.
func (b *Base[S]) PartitionAttrs() []string { return b.partitionAttrs }

// HandledMessages implements sourced.Reactor.
func (b *Base[S]) HandledMessages() []sourced.MessageDescriptor { return b.handled }

// ContextFor implements sourced.ReactorWithHistory: a decider always
// needs the full partition history to evolve state before handling
// commands, per spec.md §4.4 "A decider's handle_batch evolves state from
// history.messages."
func (b *Base[S]) ContextFor(partition sourced.PartitionValue) []sourced.Condition {
	var conds []sourced.Condition
	for _, md := range b.handled {
		for _, attr := range md.PartitionAttrs {
			v, ok := partition[attr]
			if !ok {
				continue
			}
			conds = append(conds, sourced.Condition{MessageType: md.Type, KeyName: attr, KeyValue: v})
		}
	}
	return conds
}

// HandleBatch implements sourced.Reactor per spec.md §4.4's decider
// variant.
func (b *Base[S]) HandleBatch(ctx context.Context, claim sourced.Claim, history *sourced.History) ([]sourced.ActionPair, error) {
	state := b.initial
	if history != nil {
		state = sourced.EvolveFrom(b.initial, *history, b.evolve)
	}

	guard := claim.Guard
	if history != nil {
		guard = history.Guard
	}

	pairs := make([]sourced.ActionPair, 0, len(claim.Messages))
	for _, msg := range claim.Messages {
		handler, ok := b.commands[msg.Type]
		if !ok {
			pairs = append(pairs, sourced.Pair(msg, sourced.OK{}))
			continue
		}

		events, err := handler(state, msg)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			pairs = append(pairs, sourced.Pair(msg, sourced.OK{}))
			continue
		}

		stamped := b.stampCaused(events, msg)
		for _, ev := range stamped {
			state = b.evolve(state, ev)
		}

		actions := []sourced.Action{sourced.AppendWithGuard(guard, stamped...)}
		appended := int64(len(stamped))
		for _, ev := range stamped {
			reactFn, ok := b.reactions[ev.Type]
			if !ok {
				continue
			}
			reactionMsgs := reactFn(ev)
			if len(reactionMsgs) == 0 {
				continue
			}
			actions = append(actions, sourced.AppendMessages(b.stampCaused(reactionMsgs, ev)...))
			appended += int64(len(reactionMsgs))
		}

		pairs = append(pairs, sourced.Pair(msg, actions...))

		// The whole batch commits as one transaction (Router.commit), with
		// no other writer able to interleave between this command's
		// appends and the next command's, so the next command's guard
		// check must not see these appends as a concurrent write. Bump the
		// local high-water mark by exactly how many positions this pair's
		// actions will consume, rather than re-reading from the store.
		guard.LastPosition += appended
	}

	return pairs, nil
}

// stampCaused applies spec.md §4.4's automatic correlation: causation_id
// is the producing message's id, correlation_id is inherited from it.
func (b *Base[S]) stampCaused(msgs []sourced.Message, cause sourced.Message) []sourced.Message {
	out := make([]sourced.Message, len(msgs))
	for i, m := range msgs {
		if m.ID == "" {
			m.ID = b.idGen()
		}
		m.CausationID = cause.ID
		m.CorrelationID = cause.CorrelationID
		out[i] = m
	}
	return out
}

// OnException implements sourced.Reactor. The default policy is
// "do nothing beyond what the Router's configured ErrorStrategy already
// does"; hosts that need decider-specific handling should wrap Base.
func (b *Base[S]) OnException(ctx context.Context, err error, source *sourced.Message, group sourced.GroupProxy) {
}

var _ sourced.Reactor = (*Base[struct{}])(nil)
var _ sourced.ReactorWithHistory = (*Base[struct{}])(nil)
