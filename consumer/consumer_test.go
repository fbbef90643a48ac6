package consumer_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sourced "github.com/ismasan/sourced"
	"github.com/ismasan/sourced/consumer"
)

func TestEachWithPartialAckProcessesAllOnSuccess(t *testing.T) {
	messages := []sourced.Message{
		{ID: "1", Type: "a"},
		{ID: "2", Type: "a"},
	}

	pairs, err := consumer.EachWithPartialAck(context.Background(), messages, func(ctx context.Context, msg sourced.Message) ([]sourced.Action, error) {
		return []sourced.Action{sourced.OK{}}, nil
	})

	require.NoError(t, err)
	assert.Len(t, pairs, 2)
}

func TestEachWithPartialAckReturnsPartialResultsOnMidBatchFailure(t *testing.T) {
	messages := []sourced.Message{
		{ID: "1", Type: "a", Position: 1},
		{ID: "2", Type: "a", Position: 2},
		{ID: "3", Type: "a", Position: 3},
	}

	pairs, err := consumer.EachWithPartialAck(context.Background(), messages, func(ctx context.Context, msg sourced.Message) ([]sourced.Action, error) {
		if msg.ID == "2" {
			return nil, errors.New("boom")
		}
		return []sourced.Action{sourced.OK{}}, nil
	})

	require.NoError(t, err, "a mid-batch failure should still allow a partial ack")
	require.Len(t, pairs, 1)
	assert.Equal(t, "1", pairs[0].Source.ID)
}

func TestEachWithPartialAckReturnsErrorWhenFirstMessageFails(t *testing.T) {
	messages := []sourced.Message{{ID: "1", Type: "a"}}

	pairs, err := consumer.EachWithPartialAck(context.Background(), messages, func(ctx context.Context, msg sourced.Message) ([]sourced.Action, error) {
		return nil, errors.New("boom")
	})

	require.Error(t, err)
	assert.Nil(t, pairs)
}

func TestSimpleConsumerDelegatesToHandler(t *testing.T) {
	var handled []string
	handler := func(ctx context.Context, msg sourced.Message) ([]sourced.Action, error) {
		handled = append(handled, msg.ID)
		return nil, nil
	}

	s := consumer.New("notifications", []string{"order_id"},
		[]sourced.MessageDescriptor{sourced.Handled("orders.created", "order_id")}, handler)

	claim := sourced.Claim{Messages: []sourced.Message{{ID: "1", Type: "orders.created"}}}
	pairs, err := s.HandleBatch(context.Background(), claim, nil)

	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, []string{"1"}, handled)

	_, ok := pairs[0].Actions[0].(sourced.OK)
	assert.True(t, ok, "a nil actions slice from the handler defaults to OK")
}

func TestSimpleConsumerWithOnExceptionOverride(t *testing.T) {
	var called bool
	s := consumer.New("notifications", nil, nil, func(ctx context.Context, msg sourced.Message) ([]sourced.Action, error) {
		return nil, nil
	}).WithOnException(func(ctx context.Context, err error, source *sourced.Message, group sourced.GroupProxy) {
		called = true
	})

	s.OnException(context.Background(), errors.New("boom"), nil, nil)
	assert.True(t, called)
}
