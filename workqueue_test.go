package sourced_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sourced "github.com/ismasan/sourced"
)

type reactorStub struct {
	groupID string
}

func (f *reactorStub) GroupID() string                              { return f.groupID }
func (f *reactorStub) PartitionAttrs() []string                     { return nil }
func (f *reactorStub) HandledMessages() []sourced.MessageDescriptor { return nil }
func (f *reactorStub) HandleBatch(ctx context.Context, claim sourced.Claim, h *sourced.History) ([]sourced.ActionPair, error) {
	return nil, nil
}
func (f *reactorStub) OnException(ctx context.Context, err error, source *sourced.Message, group sourced.GroupProxy) {
}

func TestWorkQueuePushCapsPerGroupTokens(t *testing.T) {
	q := sourced.NewWorkQueue(2)
	r := &reactorStub{groupID: "g1"}

	assert.True(t, q.Push(r))
	assert.True(t, q.Push(r))
	assert.False(t, q.Push(r), "third push should be dropped at the cap")
	assert.Equal(t, 2, q.Len())
}

func TestWorkQueuePopBlocksUntilPush(t *testing.T) {
	q := sourced.NewWorkQueue(4)
	r := &reactorStub{groupID: "g1"}

	popped := make(chan sourced.Reactor, 1)
	go func() {
		got, ok := q.Pop()
		if ok {
			popped <- got
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(r)

	select {
	case got := <-popped:
		assert.Equal(t, "g1", got.GroupID())
	case <-time.After(time.Second):
		t.Fatal("Pop never returned after Push")
	}
}

func TestWorkQueueCloseWakesBlockedPop(t *testing.T) {
	q := sourced.NewWorkQueue(4)

	done := make(chan struct{})
	go func() {
		_, ok := q.Pop()
		assert.False(t, ok)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close(1)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Pop never woke up after Close")
	}
}

func TestWorkQueuePushAfterCloseIsRejected(t *testing.T) {
	q := sourced.NewWorkQueue(4)
	q.Close(0)

	ok := q.Push(&reactorStub{groupID: "g1"})
	require.False(t, ok)
}
