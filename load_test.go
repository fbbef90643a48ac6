package sourced_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sourced "github.com/ismasan/sourced"
	"github.com/ismasan/sourced/storemem"
)

type cartPayload struct {
	CartID string `sourced:"cart_id"`
	Items  int
}

func cartConditions(cartID string) []sourced.Condition {
	return []sourced.Condition{
		{MessageType: "cart.item_added", KeyName: "cart_id", KeyValue: cartID},
	}
}

func evolveCartItems(state int, msg sourced.Message) int {
	if p, ok := msg.Payload.(cartPayload); ok {
		return state + p.Items
	}
	return state
}

func TestLoadReturnsHistoryAndGuard(t *testing.T) {
	store := storemem.New()
	ctx := context.Background()

	m := sourced.NewMessage(sourced.DefaultIDGenerator, "cart.item_added", cartPayload{CartID: "C1", Items: 2})
	_, err := store.Append(ctx, []sourced.Message{m}, nil)
	require.NoError(t, err)

	history, err := sourced.Load(ctx, store, cartConditions("C1"))
	require.NoError(t, err)
	require.Len(t, history.Messages, 1)
	assert.Equal(t, int64(1), history.Guard.LastPosition)
}

func TestEvolveFromFoldsInOrder(t *testing.T) {
	history := sourced.History{Messages: []sourced.Message{
		{Type: "cart.item_added", Payload: cartPayload{Items: 2}},
		{Type: "cart.item_added", Payload: cartPayload{Items: 3}},
	}}

	total := sourced.EvolveFrom(0, history, evolveCartItems)
	assert.Equal(t, 5, total)
}

func TestHandleNowAppendsUnderGuard(t *testing.T) {
	store := storemem.New()
	ctx := context.Background()
	conds := cartConditions("C1")

	produced, err := sourced.HandleNow(ctx, store, conds, 0, evolveCartItems, func(state int) ([]sourced.Message, error) {
		return []sourced.Message{
			sourced.NewMessage(sourced.DefaultIDGenerator, "cart.item_added", cartPayload{CartID: "C1", Items: 1}),
		}, nil
	})
	require.NoError(t, err)
	require.Len(t, produced, 1)

	history, err := sourced.Load(ctx, store, conds)
	require.NoError(t, err)
	assert.Len(t, history.Messages, 1)
}

func TestHandleNowNoOpWhenHandlerProducesNothing(t *testing.T) {
	store := storemem.New()
	ctx := context.Background()

	produced, err := sourced.HandleNow(ctx, store, cartConditions("C2"), 0, evolveCartItems, func(state int) ([]sourced.Message, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Nil(t, produced)
}
