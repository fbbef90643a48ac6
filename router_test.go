package sourced_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sourced "github.com/ismasan/sourced"
	"github.com/ismasan/sourced/storemem"
)

type scriptedReactor struct {
	groupID        string
	partitionAttrs []string
	handled        []sourced.MessageDescriptor
	handle         func(claim sourced.Claim, history *sourced.History) ([]sourced.ActionPair, error)
	withHistory    bool

	exceptions []error
}

func (r *scriptedReactor) GroupID() string                              { return r.groupID }
func (r *scriptedReactor) PartitionAttrs() []string                     { return r.partitionAttrs }
func (r *scriptedReactor) HandledMessages() []sourced.MessageDescriptor { return r.handled }

func (r *scriptedReactor) HandleBatch(ctx context.Context, claim sourced.Claim, history *sourced.History) ([]sourced.ActionPair, error) {
	return r.handle(claim, history)
}

func (r *scriptedReactor) OnException(ctx context.Context, err error, source *sourced.Message, group sourced.GroupProxy) {
	r.exceptions = append(r.exceptions, err)
}

func (r *scriptedReactor) ContextFor(partition sourced.PartitionValue) []sourced.Condition {
	var conds []sourced.Condition
	for _, md := range r.handled {
		for _, attr := range md.PartitionAttrs {
			if v, ok := partition[attr]; ok {
				conds = append(conds, sourced.Condition{MessageType: md.Type, KeyName: attr, KeyValue: v})
			}
		}
	}
	return conds
}

var _ sourced.Reactor = (*scriptedReactor)(nil)

func appendOrder(t *testing.T, store sourced.Store, orderID string) sourced.Message {
	t.Helper()
	m := sourced.NewMessage(sourced.DefaultIDGenerator, "orders.created", orderPayload{OrderID: orderID})
	_, err := store.Append(context.Background(), []sourced.Message{m}, nil)
	require.NoError(t, err)
	return m
}

type orderPayload struct {
	OrderID string `sourced:"order_id"`
}

func TestRouterHandleNextForAcksAfterSuccessfulCommit(t *testing.T) {
	store := storemem.New()
	ctx := context.Background()
	appendOrder(t, store, "O1")

	reactor := &scriptedReactor{
		groupID:        "acker",
		partitionAttrs: []string{"order_id"},
		handled:        []sourced.MessageDescriptor{sourced.Handled("orders.created", "order_id")},
		handle: func(claim sourced.Claim, history *sourced.History) ([]sourced.ActionPair, error) {
			pairs := make([]sourced.ActionPair, 0, len(claim.Messages))
			for _, msg := range claim.Messages {
				pairs = append(pairs, sourced.Pair(msg, sourced.OK{}))
			}
			return pairs, nil
		},
	}

	router := sourced.NewRouter(store, []sourced.Reactor{reactor}, nil, nil)

	worked, err := router.HandleNextFor(ctx, reactor, "w1", 10)
	require.NoError(t, err)
	assert.True(t, worked)

	worked, err = router.HandleNextFor(ctx, reactor, "w1", 10)
	require.NoError(t, err)
	assert.False(t, worked, "nothing left to claim once acked")
}

func TestRouterReleasesClaimAndInvokesStrategyOnFailure(t *testing.T) {
	store := storemem.New()
	ctx := context.Background()
	appendOrder(t, store, "O1")

	boom := errors.New("handler exploded")
	reactor := &scriptedReactor{
		groupID:        "failer",
		partitionAttrs: []string{"order_id"},
		handled:        []sourced.MessageDescriptor{sourced.Handled("orders.created", "order_id")},
		handle: func(claim sourced.Claim, history *sourced.History) ([]sourced.ActionPair, error) {
			return nil, boom
		},
	}

	var stoppedGroup string
	strategy := func(ctx context.Context, err error, source *sourced.Message, group sourced.GroupProxy) {
		stoppedGroup = group.GroupID()
		_ = group.Stop(ctx, err.Error())
	}

	router := sourced.NewRouter(store, []sourced.Reactor{reactor}, strategy, nil)

	worked, err := router.HandleNextFor(ctx, reactor, "w1", 10)
	require.Error(t, err)
	assert.True(t, worked)
	assert.Equal(t, "failer", stoppedGroup)
	require.Len(t, reactor.exceptions, 1)

	group, ok := store.ConsumerGroup("failer")
	require.True(t, ok)
	assert.Equal(t, sourced.GroupStopped, group.Status)
}

func TestRouterLoadsHistoryForReactorWithHistory(t *testing.T) {
	store := storemem.New()
	ctx := context.Background()
	appendOrder(t, store, "O1")
	appendOrder(t, store, "O1")

	var seenHistoryLen int
	reactor := &scriptedReactor{
		groupID:        "historian",
		partitionAttrs: []string{"order_id"},
		handled:        []sourced.MessageDescriptor{sourced.Handled("orders.created", "order_id")},
		handle: func(claim sourced.Claim, history *sourced.History) ([]sourced.ActionPair, error) {
			if history != nil {
				seenHistoryLen = len(history.Messages)
			}
			pairs := make([]sourced.ActionPair, 0, len(claim.Messages))
			for _, msg := range claim.Messages {
				pairs = append(pairs, sourced.Pair(msg, sourced.OK{}))
			}
			return pairs, nil
		},
	}

	router := sourced.NewRouter(store, []sourced.Reactor{reactor}, nil, nil)
	worked, err := router.HandleNextFor(ctx, reactor, "w1", 10)
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, 2, seenHistoryLen)
}

// TestRouterCommitRollsBackEarlierAppendWhenLaterActionFails asserts
// spec.md §4.5 step 4's "commits all actions plus the ack in one
// transaction; if any action fails, the entire transaction rolls back":
// a 2-message batch whose first pair appends a message and whose second
// (last) pair's Sync fails must leave nothing durable, not even the
// first pair's already-run Append.
func TestRouterCommitRollsBackEarlierAppendWhenLaterActionFails(t *testing.T) {
	store := storemem.New()
	ctx := context.Background()
	appendOrder(t, store, "O1")
	appendOrder(t, store, "O1")

	boom := errors.New("sync exploded")
	reactor := &scriptedReactor{
		groupID:        "rollback",
		partitionAttrs: []string{"order_id"},
		handled:        []sourced.MessageDescriptor{sourced.Handled("orders.created", "order_id")},
		handle: func(claim sourced.Claim, history *sourced.History) ([]sourced.ActionPair, error) {
			shipped := sourced.NewMessage(sourced.DefaultIDGenerator, "orders.shipped", orderPayload{OrderID: "O1"})
			pairs := []sourced.ActionPair{
				sourced.Pair(claim.Messages[0], sourced.AppendMessages(shipped)),
				sourced.Pair(claim.Messages[1], sourced.Sync{Block: func() error { return boom }}),
			}
			return pairs, nil
		},
	}

	router := sourced.NewRouter(store, []sourced.Reactor{reactor}, nil, nil)
	worked, err := router.HandleNextFor(ctx, reactor, "w1", 10)
	require.Error(t, err)
	assert.True(t, worked)

	result, err := store.Read(ctx, []sourced.Condition{{MessageType: "orders.shipped"}}, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, result.Messages, "the first pair's Append must roll back with the second pair's failed Sync")

	offsets := store.Offsets("rollback")
	require.Len(t, offsets, 1)
	assert.False(t, offsets[0].Claimed, "the claim is released, not left hanging, after the transaction rolls back")
}

func TestRouterDrainProcessesUntilNoWork(t *testing.T) {
	store := storemem.New()
	ctx := context.Background()
	appendOrder(t, store, "O1")
	appendOrder(t, store, "O2")

	processed := 0
	reactor := &scriptedReactor{
		groupID:        "drainer",
		partitionAttrs: []string{"order_id"},
		handled:        []sourced.MessageDescriptor{sourced.Handled("orders.created", "order_id")},
		handle: func(claim sourced.Claim, history *sourced.History) ([]sourced.ActionPair, error) {
			pairs := make([]sourced.ActionPair, 0, len(claim.Messages))
			for _, msg := range claim.Messages {
				processed++
				pairs = append(pairs, sourced.Pair(msg, sourced.OK{}))
			}
			return pairs, nil
		},
	}

	router := sourced.NewRouter(store, []sourced.Reactor{reactor}, nil, nil)
	require.NoError(t, router.Drain(ctx, "w1", 1))
	assert.Equal(t, 2, processed)
}
