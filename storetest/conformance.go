// Package storetest is a conformance suite run against any sourced.Store
// implementation, so storemem and storepg are held to one behavioral
// contract (spec.md §8: "storemem exists so these properties can be
// asserted in fast, deterministic unit tests... storepg is exercised by
// the same test suite via a small interface-conformance harness").
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sourced "github.com/ismasan/sourced"
)

type orderCreated struct {
	OrderID string `sourced:"order_id"`
}

// Conformance runs the shared behavioral suite against a fresh store
// produced by newStore for every subtest.
func Conformance(t *testing.T, newStore func() sourced.Store) {
	t.Run("append assigns monotonic positions", func(t *testing.T) {
		testAppendAssignsPositions(t, newStore())
	})
	t.Run("read filters by condition and fromPosition", func(t *testing.T) {
		testReadFiltersByCondition(t, newStore())
	})
	t.Run("guarded append rejects conflicting concurrent writes", func(t *testing.T) {
		testGuardedAppendConflict(t, newStore())
	})
	t.Run("claim next bootstraps and claims a partition", func(t *testing.T) {
		testClaimNextBootstraps(t, newStore())
	})
	t.Run("claim next does not double-claim an already-claimed partition", func(t *testing.T) {
		testClaimNextExcludesClaimed(t, newStore())
	})
	t.Run("ack advances last position and clears the claim", func(t *testing.T) {
		testAckAdvances(t, newStore())
	})
	t.Run("release clears the claim without advancing", func(t *testing.T) {
		testReleaseKeepsPosition(t, newStore())
	})
	t.Run("stopped consumer group yields no claims", func(t *testing.T) {
		testStoppedGroupYieldsNoClaims(t, newStore())
	})
	t.Run("reset consumer group replays from the beginning", func(t *testing.T) {
		testResetReplays(t, newStore())
	})
	t.Run("stale claims are released after ttl", func(t *testing.T) {
		testStaleClaimsReleased(t, newStore())
	})
}

func appendOrder(t *testing.T, store sourced.Store, orderID string) sourced.Message {
	t.Helper()
	ctx := context.Background()
	msg := sourced.NewMessage(sourced.DefaultIDGenerator, "orders.created", orderCreated{OrderID: orderID})
	_, err := store.Append(ctx, []sourced.Message{msg}, nil)
	require.NoError(t, err)
	return msg
}

func testAppendAssignsPositions(t *testing.T, store sourced.Store) {
	ctx := context.Background()
	a := sourced.NewMessage(sourced.DefaultIDGenerator, "orders.created", orderCreated{OrderID: "O1"})
	b := sourced.NewMessage(sourced.DefaultIDGenerator, "orders.created", orderCreated{OrderID: "O2"})

	pos, err := store.Append(ctx, []sourced.Message{a, b}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pos)

	result, err := store.Read(ctx, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, result.Messages, 2)
	assert.Equal(t, int64(1), result.Messages[0].Position)
	assert.Equal(t, int64(2), result.Messages[1].Position)
}

func testReadFiltersByCondition(t *testing.T, store sourced.Store) {
	ctx := context.Background()
	appendOrder(t, store, "O1")
	appendOrder(t, store, "O2")
	appendOrder(t, store, "O1")

	result, err := store.Read(ctx, []sourced.Condition{
		{MessageType: "orders.created", KeyName: "order_id", KeyValue: "O1"},
	}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, result.Messages, 2)

	result, err = store.Read(ctx, nil, 1, 0)
	require.NoError(t, err)
	assert.Len(t, result.Messages, 2)
}

func testGuardedAppendConflict(t *testing.T, store sourced.Store) {
	ctx := context.Background()
	appendOrder(t, store, "O1")

	conditions := []sourced.Condition{{MessageType: "orders.created", KeyName: "order_id", KeyValue: "O1"}}
	history, err := sourced.Load(ctx, store, conditions)
	require.NoError(t, err)

	appendOrder(t, store, "O1") // a concurrent writer sneaks in

	next := sourced.NewMessage(sourced.DefaultIDGenerator, "orders.shipped", orderCreated{OrderID: "O1"})
	_, err = store.Append(ctx, []sourced.Message{next}, &history.Guard)
	assert.True(t, sourced.IsConcurrentAppend(err))
}

func testClaimNextBootstraps(t *testing.T, store sourced.Store) {
	ctx := context.Background()
	appendOrder(t, store, "O1")

	handled := []sourced.MessageDescriptor{sourced.Handled("orders.created", "order_id")}
	claim, err := store.ClaimNext(ctx, "g1", []string{"order_id"}, handled, "w1", 10)
	require.NoError(t, err)
	require.NotNil(t, claim)
	assert.Equal(t, "g1", claim.GroupID)
	require.Len(t, claim.Messages, 1)
	assert.Equal(t, int64(1), claim.Messages[0].Position)
	assert.False(t, claim.Replaying)
}

func testClaimNextExcludesClaimed(t *testing.T, store sourced.Store) {
	ctx := context.Background()
	appendOrder(t, store, "O1")
	appendOrder(t, store, "O2")

	handled := []sourced.MessageDescriptor{sourced.Handled("orders.created", "order_id")}
	first, err := store.ClaimNext(ctx, "g1", []string{"order_id"}, handled, "w1", 10)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := store.ClaimNext(ctx, "g1", []string{"order_id"}, handled, "w2", 10)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.NotEqual(t, first.PartitionKey, second.PartitionKey)

	third, err := store.ClaimNext(ctx, "g1", []string{"order_id"}, handled, "w3", 10)
	require.NoError(t, err)
	assert.Nil(t, third)
}

func testAckAdvances(t *testing.T, store sourced.Store) {
	ctx := context.Background()
	appendOrder(t, store, "O1")
	handled := []sourced.MessageDescriptor{sourced.Handled("orders.created", "order_id")}

	claim, err := store.ClaimNext(ctx, "g1", []string{"order_id"}, handled, "w1", 10)
	require.NoError(t, err)
	require.NotNil(t, claim)

	err = store.Ack(ctx, "g1", claim.OffsetID, claim.Messages[len(claim.Messages)-1].Position)
	require.NoError(t, err)

	appendOrder(t, store, "O1")
	next, err := store.ClaimNext(ctx, "g1", []string{"order_id"}, handled, "w1", 10)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Len(t, next.Messages, 1)
}

func testReleaseKeepsPosition(t *testing.T, store sourced.Store) {
	ctx := context.Background()
	appendOrder(t, store, "O1")
	handled := []sourced.MessageDescriptor{sourced.Handled("orders.created", "order_id")}

	claim, err := store.ClaimNext(ctx, "g1", []string{"order_id"}, handled, "w1", 10)
	require.NoError(t, err)
	require.NotNil(t, claim)

	require.NoError(t, store.Release(ctx, "g1", claim.OffsetID))

	again, err := store.ClaimNext(ctx, "g1", []string{"order_id"}, handled, "w2", 10)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Len(t, again.Messages, 1)
}

func testStoppedGroupYieldsNoClaims(t *testing.T, store sourced.Store) {
	ctx := context.Background()
	appendOrder(t, store, "O1")
	handled := []sourced.MessageDescriptor{sourced.Handled("orders.created", "order_id")}

	require.NoError(t, store.RegisterConsumerGroup(ctx, "g1"))
	require.NoError(t, store.StopConsumerGroup(ctx, "g1"))

	claim, err := store.ClaimNext(ctx, "g1", []string{"order_id"}, handled, "w1", 10)
	require.NoError(t, err)
	assert.Nil(t, claim)
}

func testResetReplays(t *testing.T, store sourced.Store) {
	ctx := context.Background()
	appendOrder(t, store, "O1")
	handled := []sourced.MessageDescriptor{sourced.Handled("orders.created", "order_id")}

	claim, err := store.ClaimNext(ctx, "g1", []string{"order_id"}, handled, "w1", 10)
	require.NoError(t, err)
	require.NotNil(t, claim)
	require.NoError(t, store.Ack(ctx, "g1", claim.OffsetID, claim.Messages[0].Position))

	require.NoError(t, store.ResetConsumerGroup(ctx, "g1"))

	replay, err := store.ClaimNext(ctx, "g1", []string{"order_id"}, handled, "w1", 10)
	require.NoError(t, err)
	require.NotNil(t, replay)
	assert.Len(t, replay.Messages, 1)
}

func testStaleClaimsReleased(t *testing.T, store sourced.Store) {
	ctx := context.Background()
	appendOrder(t, store, "O1")
	handled := []sourced.MessageDescriptor{sourced.Handled("orders.created", "order_id")}

	claim, err := store.ClaimNext(ctx, "g1", []string{"order_id"}, handled, "ghost-worker", 10)
	require.NoError(t, err)
	require.NotNil(t, claim)

	released, err := store.ReleaseStaleClaims(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	again, err := store.ClaimNext(ctx, "g1", []string{"order_id"}, handled, "w2", 10)
	require.NoError(t, err)
	require.NotNil(t, again)
}
