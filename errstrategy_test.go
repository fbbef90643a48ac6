package sourced_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sourced "github.com/ismasan/sourced"
)

type fakeGroupProxy struct {
	groupID    string
	stopped    bool
	stopReason string
	retryAt    time.Time
	errContext map[string]any
}

func (f *fakeGroupProxy) GroupID() string { return f.groupID }

func (f *fakeGroupProxy) Retry(ctx context.Context, at time.Time, errContext map[string]any) error {
	f.retryAt = at
	f.errContext = errContext
	return nil
}

func (f *fakeGroupProxy) Stop(ctx context.Context, reason string) error {
	f.stopped = true
	f.stopReason = reason
	return nil
}

func TestStopOnErrorStopsImmediately(t *testing.T) {
	strategy := sourced.StopOnError()
	group := &fakeGroupProxy{groupID: "g1"}

	strategy(context.Background(), errors.New("boom"), nil, group)

	assert.True(t, group.stopped)
	assert.Equal(t, "boom", group.stopReason)
}

func TestRetryThenStopRetriesThenStops(t *testing.T) {
	strategy := sourced.RetryThenStop(2, time.Minute)
	group := &fakeGroupProxy{groupID: "g1"}

	strategy(context.Background(), errors.New("boom"), nil, group)
	require.False(t, group.stopped)
	assert.Equal(t, 1, group.errContext["retry_count"])

	strategy(context.Background(), errors.New("boom"), nil, group)
	require.False(t, group.stopped)
	assert.Equal(t, 2, group.errContext["retry_count"])

	strategy(context.Background(), errors.New("boom"), nil, group)
	assert.True(t, group.stopped)
}

func TestRetryThenStopCountsAreIndependentPerGroup(t *testing.T) {
	strategy := sourced.RetryThenStop(2, time.Minute)
	g1 := &fakeGroupProxy{groupID: "g1"}
	g2 := &fakeGroupProxy{groupID: "g2"}

	strategy(context.Background(), errors.New("boom"), nil, g1)
	strategy(context.Background(), errors.New("boom"), nil, g2)

	assert.False(t, g1.stopped)
	assert.False(t, g2.stopped)
}
