package sourced_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	sourced "github.com/ismasan/sourced"
)

func TestIsConcurrentAppend(t *testing.T) {
	err := &sourced.ConcurrentAppendError{Conflicts: 2}
	assert.True(t, sourced.IsConcurrentAppend(err))
}

func TestIsConcurrentAppendFalseForOtherErrors(t *testing.T) {
	assert.False(t, sourced.IsConcurrentAppend(errors.New("boom")))
	assert.False(t, sourced.IsConcurrentAppend(nil))
}

func TestNewBackendErrorWrapsAndUnwraps(t *testing.T) {
	cause := errors.New("connection reset")
	err := sourced.NewBackendError("append", cause)

	var be *sourced.BackendError
	require := assert.New(t)
	require.ErrorAs(err, &be)
	require.Equal("append", be.Op)
	require.True(errors.Is(err, cause) || errors.Unwrap(be) != nil)
}

func TestNewBackendErrorNilIsNil(t *testing.T) {
	assert.Nil(t, sourced.NewBackendError("append", nil))
}

func TestReactorErrorUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := &sourced.ReactorError{GroupID: "g1", Err: cause}

	assert.Equal(t, cause, errors.Unwrap(err))
	assert.Contains(t, err.Error(), "g1")
}
