package sourced_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	sourced "github.com/ismasan/sourced"
)

func TestGoroutineExecutorWaitsForAllTasks(t *testing.T) {
	e := sourced.NewGoroutineExecutor()
	var count int64

	for i := 0; i < 10; i++ {
		e.Go(func() { atomic.AddInt64(&count, 1) })
	}
	e.Wait()

	assert.Equal(t, int64(10), atomic.LoadInt64(&count))
}

func TestBoundedExecutorLimitsConcurrency(t *testing.T) {
	e := sourced.NewBoundedExecutor(2)

	var inFlight, maxInFlight int64
	for i := 0; i < 8; i++ {
		e.Go(func() {
			cur := atomic.AddInt64(&inFlight, 1)
			for {
				observed := atomic.LoadInt64(&maxInFlight)
				if cur <= observed || atomic.CompareAndSwapInt64(&maxInFlight, observed, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
		})
	}
	e.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&maxInFlight), int64(2))
}

func TestBoundedExecutorZeroMaxDefaultsToOne(t *testing.T) {
	e := sourced.NewBoundedExecutor(0)
	var ran bool
	e.Go(func() { ran = true })
	e.Wait()

	assert.True(t, ran)
}
