package sourced

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPanicToErrorPassesThroughErrors(t *testing.T) {
	cause := errors.New("boom")
	assert.Equal(t, cause, panicToError(cause))
}

func TestPanicToErrorWrapsNonErrorValues(t *testing.T) {
	err := panicToError("something went wrong")
	assert.EqualError(t, err, "panic: something went wrong")
}
