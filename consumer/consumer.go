// Package consumer implements the "simple consumer" reactor variant of
// spec.md §4.4: a reactor that exposes only handled_messages and
// handle_batch, with no decider/projector bookkeeping. EachWithPartialAck
// is the partial-acknowledgement helper spec.md §9 describes for this
// variant.
package consumer

import (
	"context"

	sourced "github.com/ismasan/sourced"
)

// HandlerFunc processes one claimed message and returns the actions to
// commit for it.
type HandlerFunc func(ctx context.Context, msg sourced.Message) ([]sourced.Action, error)

// EachWithPartialAck runs fn over messages in order, producing one
// ActionPair per successfully processed message. If fn returns an error,
// processing stops; pairs produced before the failure are returned with a
// nil error so the router commits and acks up to the last successfully
// processed message's position, per spec.md §9 "Partial acknowledgement
// helper" — "Not applicable to deciders (a decider's events must be
// appended atomically with their command's ack)," which is why this
// lives in consumer, not decider.
//
// If the very first message fails, there is nothing to partially commit;
// the error is returned so the router releases the claim and applies the
// configured error strategy.
func EachWithPartialAck(ctx context.Context, messages []sourced.Message, fn HandlerFunc) ([]sourced.ActionPair, error) {
	pairs := make([]sourced.ActionPair, 0, len(messages))
	for _, msg := range messages {
		actions, err := fn(ctx, msg)
		if err != nil {
			if len(pairs) == 0 {
				return nil, err
			}
			return pairs, nil
		}
		if len(actions) == 0 {
			actions = []sourced.Action{sourced.OK{}}
		}
		pairs = append(pairs, sourced.Pair(msg, actions...))
	}
	return pairs, nil
}

// Simple is the embeddable simple-consumer reactor: handled message types
// plus one HandlerFunc run over every claimed message via
// EachWithPartialAck.
type Simple struct {
	groupID        string
	partitionAttrs []string
	handled        []sourced.MessageDescriptor
	handle         HandlerFunc
	onException    func(ctx context.Context, err error, source *sourced.Message, group sourced.GroupProxy)
}

// New builds a Simple consumer over the given handled message types.
func New(groupID string, partitionAttrs []string, handled []sourced.MessageDescriptor, handle HandlerFunc) *Simple {
	return &Simple{
		groupID:        groupID,
		partitionAttrs: partitionAttrs,
		handled:        handled,
		handle:         handle,
		onException:    func(context.Context, error, *sourced.Message, sourced.GroupProxy) {},
	}
}

// WithOnException overrides the default no-op exception callback.
func (s *Simple) WithOnException(fn func(ctx context.Context, err error, source *sourced.Message, group sourced.GroupProxy)) *Simple {
	s.onException = fn
	return s
}

// GroupID implements sourced.Reactor.
func (s *Simple) GroupID() string { return s.groupID }

// PartitionAttrs implements sourced.Reactor.
func (s *Simple) PartitionAttrs() []string { return s.partitionAttrs }

// HandledMessages implements sourced.Reactor.
func (s *Simple) HandledMessages() []sourced.MessageDescriptor { return s.handled }

// HandleBatch implements sourced.Reactor via EachWithPartialAck.
func (s *Simple) HandleBatch(ctx context.Context, claim sourced.Claim, _ *sourced.History) ([]sourced.ActionPair, error) {
	return EachWithPartialAck(ctx, claim.Messages, s.handle)
}

// OnException implements sourced.Reactor.
func (s *Simple) OnException(ctx context.Context, err error, source *sourced.Message, group sourced.GroupProxy) {
	s.onException(ctx, err, source, group)
}

var _ sourced.Reactor = (*Simple)(nil)
