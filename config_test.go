package sourced_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sourced "github.com/ismasan/sourced"
	"github.com/ismasan/sourced/storemem"
)

func TestNewConfigAppliesDefaults(t *testing.T) {
	store := storemem.New()
	_, err := sourced.NewDispatcher(nil, sourced.WithStore(store))
	require.NoError(t, err)
}

func TestNewDispatcherRequiresStore(t *testing.T) {
	_, err := sourced.NewDispatcher(nil)
	require.Error(t, err)
}

func TestWithOptsOverrideDefaults(t *testing.T) {
	store := storemem.New()
	strategy := sourced.RetryThenStop(1, time.Second)

	d, err := sourced.NewDispatcher(nil,
		sourced.WithStore(store),
		sourced.WithWorkerCount(2),
		sourced.WithBatchSize(10),
		sourced.WithErrorStrategy(strategy),
		sourced.WithExecutor(sourced.NewBoundedExecutor(2)),
	)

	require.NoError(t, err)
	assert.NotNil(t, d)
}
