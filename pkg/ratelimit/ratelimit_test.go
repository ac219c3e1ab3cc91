package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sync/errgroup"

	"github.com/aegislabs/aiguard/pkg/config"
	"github.com/aegislabs/aiguard/pkg/types"
)

func testConfig(general, consequential int) config.SafeguardConfig {
	return config.SafeguardConfig{
		MaxRequestsPerMinute:          general,
		MaxConsequentialPerMinute:     consequential,
		CircuitFailureThreshold:       3,
		CircuitRecoveryTimeoutSeconds: 60,
		MaxPromptLength:               1000,
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLimiter_AllowWithinCeiling(t *testing.T) {
	clock := newFakeClock()
	limiter := NewLimiter(testConfig(5, 2), &Opts{TimeProvider: clock.Now})

	// Six instantaneous calls: exactly five admitted, the sixth rejected.
	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow(types.OperationStandard), "call %d should be allowed", i+1)
	}
	assert.False(t, limiter.Allow(types.OperationStandard))
	assert.Equal(t, 5, limiter.Occupancy(types.OperationStandard))
}

func TestLimiter_ConsequentialCeilingIsStricter(t *testing.T) {
	clock := newFakeClock()
	limiter := NewLimiter(testConfig(5, 2), &Opts{TimeProvider: clock.Now})

	assert.True(t, limiter.Allow(types.OperationConsequential))
	assert.True(t, limiter.Allow(types.OperationConsequential))
	assert.False(t, limiter.Allow(types.OperationConsequential))

	// The standard window is independent and still has capacity.
	assert.True(t, limiter.Allow(types.OperationStandard))
}

func TestLimiter_RejectedCallsDoNotConsumeCapacity(t *testing.T) {
	clock := newFakeClock()
	limiter := NewLimiter(testConfig(2, 1), &Opts{TimeProvider: clock.Now})

	assert.True(t, limiter.Allow(types.OperationStandard))
	assert.True(t, limiter.Allow(types.OperationStandard))
	for i := 0; i < 10; i++ {
		assert.False(t, limiter.Allow(types.OperationStandard))
	}
	assert.Equal(t, 2, limiter.Occupancy(types.OperationStandard))

	// Capacity returns once the window slides past the accepted calls.
	clock.Advance(61 * time.Second)
	assert.True(t, limiter.Allow(types.OperationStandard))
}

func TestLimiter_WindowSlides(t *testing.T) {
	clock := newFakeClock()
	limiter := NewLimiter(testConfig(2, 1), &Opts{TimeProvider: clock.Now})

	assert.True(t, limiter.Allow(types.OperationStandard))
	clock.Advance(30 * time.Second)
	assert.True(t, limiter.Allow(types.OperationStandard))
	assert.False(t, limiter.Allow(types.OperationStandard))

	// 31s later the first timestamp has aged out, the second has not.
	clock.Advance(31 * time.Second)
	assert.Equal(t, 1, limiter.Occupancy(types.OperationStandard))
	assert.True(t, limiter.Allow(types.OperationStandard))
	assert.False(t, limiter.Allow(types.OperationStandard))
}

func TestLimiter_CustomWindow(t *testing.T) {
	clock := newFakeClock()
	limiter := NewLimiter(testConfig(1, 1), &Opts{TimeProvider: clock.Now, Window: time.Second})

	assert.True(t, limiter.Allow(types.OperationStandard))
	assert.False(t, limiter.Allow(types.OperationStandard))
	clock.Advance(1100 * time.Millisecond)
	assert.True(t, limiter.Allow(types.OperationStandard))
}

func TestLimiter_ConcurrentAllowNeverExceedsCeiling(t *testing.T) {
	clock := newFakeClock()
	limiter := NewLimiter(testConfig(50, 10), &Opts{TimeProvider: clock.Now})

	var allowed atomic.Int64
	var g errgroup.Group
	for i := 0; i < 200; i++ {
		g.Go(func() error {
			if limiter.Allow(types.OperationStandard) {
				allowed.Add(1)
			}
			return nil
		})
	}
	assert.NoError(t, g.Wait())
	assert.Equal(t, int64(50), allowed.Load())
	assert.Equal(t, 50, limiter.Occupancy(types.OperationStandard))
}
