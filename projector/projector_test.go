package projector_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sourced "github.com/ismasan/sourced"
	"github.com/ismasan/sourced/projector"
)

type balance struct {
	Total int
}

type deposited struct {
	AccountID string `sourced:"account_id"`
	Amount    int
}

func evolveBalance(state balance, msg sourced.Message) balance {
	if p, ok := msg.Payload.(deposited); ok {
		state.Total += p.Amount
	}
	return state
}

func TestStateStoredLoadsEvolvesAndSyncsSave(t *testing.T) {
	saved := map[string]balance{}
	load := func(ctx context.Context, partition sourced.PartitionValue) (balance, error) {
		return saved[partition["account_id"]], nil
	}
	save := func(ctx context.Context, partition sourced.PartitionValue, state balance) error {
		saved[partition["account_id"]] = state
		return nil
	}

	p := projector.NewStateStored[balance]("balances", []string{"account_id"}, evolveBalance, load, save)
	p.Handles(sourced.Handled("account.deposited", "account_id"))

	msg := sourced.NewMessage(sourced.DefaultIDGenerator, "account.deposited", deposited{AccountID: "A1", Amount: 10})
	claim := sourced.Claim{
		PartitionValue: sourced.PartitionValue{"account_id": "A1"},
		Messages:       []sourced.Message{msg},
	}

	pairs, err := p.HandleBatch(context.Background(), claim, nil)
	require.NoError(t, err)
	require.Len(t, pairs, 1)

	var syncRan bool
	for _, action := range pairs[len(pairs)-1].Actions {
		if sync, ok := action.(sourced.Sync); ok {
			require.NoError(t, sync.Block())
			syncRan = true
		}
	}
	require.True(t, syncRan)
	assert.Equal(t, 10, saved["A1"].Total)
}

func TestStateStoredReactionsSkippedWhileReplaying(t *testing.T) {
	load := func(ctx context.Context, partition sourced.PartitionValue) (balance, error) { return balance{}, nil }
	save := func(ctx context.Context, partition sourced.PartitionValue, state balance) error { return nil }

	p := projector.NewStateStored[balance]("balances", []string{"account_id"}, evolveBalance, load, save)
	p.Handles(sourced.Handled("account.deposited", "account_id"))

	var reacted bool
	p.React("account.deposited", func(state balance, msg sourced.Message) []sourced.Message {
		reacted = true
		return []sourced.Message{sourced.NewMessage(sourced.DefaultIDGenerator, "notifications.balance_changed", nil)}
	})

	msg := sourced.NewMessage(sourced.DefaultIDGenerator, "account.deposited", deposited{AccountID: "A1", Amount: 5})
	claim := sourced.Claim{
		PartitionValue: sourced.PartitionValue{"account_id": "A1"},
		Messages:       []sourced.Message{msg},
		Replaying:      true,
	}

	_, err := p.HandleBatch(context.Background(), claim, nil)
	require.NoError(t, err)
	assert.False(t, reacted, "reactions must be skipped while replaying")
}

func TestEventSourcedEvolvesFromHistoryIncludingClaimMessages(t *testing.T) {
	p := projector.NewEventSourced[balance]("ledger", []string{"account_id"}, balance{}, evolveBalance)
	p.Handles(sourced.Handled("account.deposited", "account_id"))

	earlier := sourced.NewMessage(sourced.DefaultIDGenerator, "account.deposited", deposited{AccountID: "A1", Amount: 3})
	latest := sourced.NewMessage(sourced.DefaultIDGenerator, "account.deposited", deposited{AccountID: "A1", Amount: 4})

	claim := sourced.Claim{
		PartitionValue: sourced.PartitionValue{"account_id": "A1"},
		Messages:       []sourced.Message{latest},
	}
	history := &sourced.History{Messages: []sourced.Message{earlier, latest}}

	pairs, err := p.HandleBatch(context.Background(), claim, history)
	require.NoError(t, err)
	assert.Len(t, pairs, 1)
}

func TestEventSourcedContextForCoversHandledTypes(t *testing.T) {
	p := projector.NewEventSourced[balance]("ledger", []string{"account_id"}, balance{}, evolveBalance)
	p.Handles(sourced.Handled("account.deposited", "account_id"))

	conds := p.ContextFor(sourced.PartitionValue{"account_id": "A1"})
	require.Len(t, conds, 1)
	assert.Equal(t, "account.deposited", conds[0].MessageType)
	assert.Equal(t, "A1", conds[0].KeyValue)
}
