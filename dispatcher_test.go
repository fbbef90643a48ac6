package sourced_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sourced "github.com/ismasan/sourced"
	"github.com/ismasan/sourced/storemem"
)

type countingReactor struct {
	groupID string
	mu      sync.Mutex
	seen    []string
}

func (r *countingReactor) GroupID() string          { return r.groupID }
func (r *countingReactor) PartitionAttrs() []string { return []string{"order_id"} }
func (r *countingReactor) HandledMessages() []sourced.MessageDescriptor {
	return []sourced.MessageDescriptor{sourced.Handled("orders.created", "order_id")}
}

func (r *countingReactor) HandleBatch(ctx context.Context, claim sourced.Claim, history *sourced.History) ([]sourced.ActionPair, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pairs := make([]sourced.ActionPair, 0, len(claim.Messages))
	for _, msg := range claim.Messages {
		r.seen = append(r.seen, msg.ID)
		pairs = append(pairs, sourced.Pair(msg, sourced.OK{}))
	}
	return pairs, nil
}

func (r *countingReactor) OnException(ctx context.Context, err error, source *sourced.Message, group sourced.GroupProxy) {
}

func (r *countingReactor) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func TestDispatcherProcessesAppendedMessages(t *testing.T) {
	store := storemem.New()
	reactor := &countingReactor{groupID: "counter"}

	d, err := sourced.NewDispatcher([]sourced.Reactor{reactor},
		sourced.WithStore(store),
		sourced.WithNotifier(store.Notifier()),
		sourced.WithWorkerCount(2),
		sourced.WithBatchSize(5),
		sourced.WithCatchupInterval(20*time.Millisecond),
		sourced.WithHousekeepingInterval(20*time.Millisecond),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))

	appendOrder(t, store, "O1")
	appendOrder(t, store, "O2")

	require.Eventually(t, func() bool {
		return reactor.count() == 2
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	assert.NoError(t, d.Stop(stopCtx))
}

func TestDispatcherStartTwiceErrors(t *testing.T) {
	store := storemem.New()
	d, err := sourced.NewDispatcher(nil, sourced.WithStore(store))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	assert.Error(t, d.Start(ctx))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	assert.NoError(t, d.Stop(stopCtx))
}

func TestDispatcherStopWithoutStartIsNoop(t *testing.T) {
	store := storemem.New()
	d, err := sourced.NewDispatcher(nil, sourced.WithStore(store))
	require.NoError(t, err)

	assert.NoError(t, d.Stop(context.Background()))
}
