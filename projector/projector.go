// Package projector implements the two projector reactor variants of
// spec.md §4.4: StateStored, which materializes a read model in an
// external store, and EventSourced, which rebuilds its view from the
// full partition history on every claim.
package projector

import (
	"context"

	sourced "github.com/ismasan/sourced"
)

// ReactionFunc produces messages to append in reaction to msg, given the
// projector's current state. Reactions are skipped entirely while
// claim.Replaying is true, per spec.md §4.4 "Reactions are skipped when
// claim.replaying is true."
type ReactionFunc[S any] func(state S, msg sourced.Message) []sourced.Message

func stampCaused(msgs []sourced.Message, cause sourced.Message, idGen sourced.IDGenerator) []sourced.Message {
	out := make([]sourced.Message, len(msgs))
	for i, m := range msgs {
		if m.ID == "" {
			m.ID = idGen()
		}
		m.CausationID = cause.ID
		m.CorrelationID = cause.CorrelationID
		out[i] = m
	}
	return out
}

// LoadFunc loads a StateStored projector's externally persisted state for
// a partition. A partition seen for the first time should return the
// projector's zero/initial state and a nil error.
type LoadFunc[S any] func(ctx context.Context, partition sourced.PartitionValue) (S, error)

// SaveFunc persists a StateStored projector's state for a partition,
// inside the same transaction as the rest of the batch's actions (spec.md
// §4.4 "sync block writes to external store").
type SaveFunc[S any] func(ctx context.Context, partition sourced.PartitionValue, state S) error

// StateStored is the projector variant that evolves from claim messages
// only, loading and saving its state externally via LoadFunc/SaveFunc.
type StateStored[S any] struct {
	groupID        string
	partitionAttrs []string
	handled        []sourced.MessageDescriptor
	evolve         sourced.Evolver[S]
	load           LoadFunc[S]
	save           SaveFunc[S]
	reactions      map[string]ReactionFunc[S]
	idGen          sourced.IDGenerator
}

// NewStateStored builds a StateStored projector over state type S.
func NewStateStored[S any](groupID string, partitionAttrs []string, evolve sourced.Evolver[S], load LoadFunc[S], save SaveFunc[S]) *StateStored[S] {
	return &StateStored[S]{
		groupID:        groupID,
		partitionAttrs: partitionAttrs,
		evolve:         evolve,
		load:           load,
		save:           save,
		reactions:      map[string]ReactionFunc[S]{},
		idGen:          sourced.DefaultIDGenerator,
	}
}

// WithIDGenerator overrides reaction message ID generation.
func (p *StateStored[S]) WithIDGenerator(gen sourced.IDGenerator) *StateStored[S] {
	p.idGen = gen
	return p
}

// Handles registers desc as a message type this projector's state evolves
// from.
func (p *StateStored[S]) Handles(desc sourced.MessageDescriptor) *StateStored[S] {
	p.handled = append(p.handled, desc)
	return p
}

// React registers a reaction that runs when a claimed message of
// eventType is processed and claim.Replaying is false.
func (p *StateStored[S]) React(eventType string, fn ReactionFunc[S]) *StateStored[S] {
	p.reactions[eventType] = fn
	return p
}

// GroupID implements sourced.Reactor.
func (p *StateStored[S]) GroupID() string { return p.groupID }

// PartitionAttrs implements sourced.Reactor.
func (p *StateStored[S]) PartitionAttrs() []string { return p.partitionAttrs }

// HandledMessages implements sourced.Reactor.
func (p *StateStored[S]) HandledMessages() []sourced.MessageDescriptor { return p.handled }

// HandleBatch implements sourced.Reactor per spec.md §4.4's state-stored
// projector variant: evolve from claim messages only, save once at the
// end of the batch inside a Sync action so the write lands in the same
// transaction as every reaction Append and the final ack.
func (p *StateStored[S]) HandleBatch(ctx context.Context, claim sourced.Claim, _ *sourced.History) ([]sourced.ActionPair, error) {
	state, err := p.load(ctx, claim.PartitionValue)
	if err != nil {
		return nil, err
	}

	pairs := make([]sourced.ActionPair, 0, len(claim.Messages))
	for _, msg := range claim.Messages {
		state = p.evolve(state, msg)

		var actions []sourced.Action
		if !claim.Replaying {
			if fn, ok := p.reactions[msg.Type]; ok {
				produced := fn(state, msg)
				if len(produced) > 0 {
					actions = append(actions, sourced.AppendMessages(stampCaused(produced, msg, p.idGen)...))
				}
			}
		}
		if len(actions) == 0 {
			actions = []sourced.Action{sourced.OK{}}
		}
		pairs = append(pairs, sourced.Pair(msg, actions...))
	}

	if len(pairs) > 0 {
		final := state
		last := len(pairs) - 1
		pairs[last].Actions = append(pairs[last].Actions, sourced.Sync{
			Block: func() error { return p.save(ctx, claim.PartitionValue, final) },
		})
	}

	return pairs, nil
}

// OnException implements sourced.Reactor.
func (p *StateStored[S]) OnException(ctx context.Context, err error, source *sourced.Message, group sourced.GroupProxy) {
}

// EventSourced is the projector variant that rebuilds its view from the
// full partition history (plus claim messages, which the history read
// already includes) on every claim, per spec.md §4.4 "useful when
// external state is not materialized."
type EventSourced[S any] struct {
	groupID        string
	partitionAttrs []string
	initial        S
	handled        []sourced.MessageDescriptor
	evolve         sourced.Evolver[S]
	reactions      map[string]ReactionFunc[S]
	idGen          sourced.IDGenerator
}

// NewEventSourced builds an EventSourced projector over state type S.
func NewEventSourced[S any](groupID string, partitionAttrs []string, initial S, evolve sourced.Evolver[S]) *EventSourced[S] {
	return &EventSourced[S]{
		groupID:        groupID,
		partitionAttrs: partitionAttrs,
		initial:        initial,
		evolve:         evolve,
		reactions:      map[string]ReactionFunc[S]{},
		idGen:          sourced.DefaultIDGenerator,
	}
}

// WithIDGenerator overrides reaction message ID generation.
func (p *EventSourced[S]) WithIDGenerator(gen sourced.IDGenerator) *EventSourced[S] {
	p.idGen = gen
	return p
}

// Handles registers desc as a message type this projector evolves from
// and that the router should load full history for.
func (p *EventSourced[S]) Handles(desc sourced.MessageDescriptor) *EventSourced[S] {
	p.handled = append(p.handled, desc)
	return p
}

// React registers a reaction that runs when a claimed message of
// eventType is processed and claim.Replaying is false.
func (p *EventSourced[S]) React(eventType string, fn ReactionFunc[S]) *EventSourced[S] {
	p.reactions[eventType] = fn
	return p
}

// GroupID implements sourced.Reactor.
func (p *EventSourced[S]) GroupID() string { return p.groupID }

// PartitionAttrs implements sourced.Reactor.
func (p *EventSourced[S]) PartitionAttrs() []string { return p.partitionAttrs }

// HandledMessages implements sourced.Reactor.
func (p *EventSourced[S]) HandledMessages() []sourced.MessageDescriptor { return p.handled }

// ContextFor implements sourced.ReactorWithHistory.
func (p *EventSourced[S]) ContextFor(partition sourced.PartitionValue) []sourced.Condition {
	var conds []sourced.Condition
	for _, md := range p.handled {
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

// HandleBatch implements sourced.Reactor.
func (p *EventSourced[S]) HandleBatch(ctx context.Context, claim sourced.Claim, history *sourced.History) ([]sourced.ActionPair, error) {
	state := p.initial
	if history != nil {
		state = sourced.EvolveFrom(p.initial, *history, p.evolve)
	}

	pairs := make([]sourced.ActionPair, 0, len(claim.Messages))
	for _, msg := range claim.Messages {
		var actions []sourced.Action
		if !claim.Replaying {
			if fn, ok := p.reactions[msg.Type]; ok {
				produced := fn(state, msg)
				if len(produced) > 0 {
					actions = append(actions, sourced.AppendMessages(stampCaused(produced, msg, p.idGen)...))
				}
			}
		}
		if len(actions) == 0 {
			actions = []sourced.Action{sourced.OK{}}
		}
		pairs = append(pairs, sourced.Pair(msg, actions...))
	}
	return pairs, nil
}

// OnException implements sourced.Reactor.
func (p *EventSourced[S]) OnException(ctx context.Context, err error, source *sourced.Message, group sourced.GroupProxy) {
}

var (
	_ sourced.Reactor             = (*StateStored[struct{}])(nil)
	_ sourced.Reactor             = (*EventSourced[struct{}])(nil)
	_ sourced.ReactorWithHistory  = (*EventSourced[struct{}])(nil)
)
