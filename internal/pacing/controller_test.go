package pacing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slack-exporter/internal/types"
)

// fakeClock drives the controller deterministically: Sleep advances the
// clock instead of blocking.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if ctx.Err() != nil {
		return ErrContextCancelled
	}
	f.Advance(d)
	return nil
}

func setupTestController(t *testing.T, searchCeiling, threadCeiling int) (*Controller, *fakeClock) {
	t.Helper()

	clock := newFakeClock()
	controller, err := NewController(&Config{
		SearchPerMinute:      searchCeiling,
		ThreadFetchPerMinute: threadCeiling,
		Now:                  clock.Now,
		Sleep:                clock.Sleep,
	})
	require.NoError(t, err)
	return controller, clock
}

func TestNewController(t *testing.T) {
	t.Run("creates controller with valid config", func(t *testing.T) {
		controller, err := NewController(&Config{
			SearchPerMinute:      10,
			ThreadFetchPerMinute: 20,
		})
		require.NoError(t, err)
		assert.NotNil(t, controller)
		assert.Equal(t, 10, controller.Ceiling(types.TierSearch))
		assert.Equal(t, 20, controller.Ceiling(types.TierThreadFetch))
	})

	t.Run("applies defaults when not specified", func(t *testing.T) {
		controller, err := NewController(&Config{})
		require.NoError(t, err)
		assert.Equal(t, DefaultSearchPerMinute, controller.Ceiling(types.TierSearch))
		assert.Equal(t, DefaultThreadFetchPerMinute, controller.Ceiling(types.TierThreadFetch))
	})

	t.Run("returns error for nil config", func(t *testing.T) {
		controller, err := NewController(nil)
		assert.Error(t, err)
		assert.Nil(t, controller)
		assert.Contains(t, err.Error(), "configuration is required")
	})

	t.Run("returns error for negative ceiling", func(t *testing.T) {
		_, err := NewController(&Config{SearchPerMinute: -1})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "search ceiling cannot be negative")
	})

	t.Run("returns error when backoff base exceeds max", func(t *testing.T) {
		_, err := NewController(&Config{
			BackoffBase: 10 * time.Minute,
			BackoffMax:  1 * time.Minute,
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "backoff base cannot exceed backoff max")
	})
}

func TestAwaitSlot(t *testing.T) {
	ctx := context.Background()

	t.Run("returns immediately while under the ceiling", func(t *testing.T) {
		controller, clock := setupTestController(t, 3, 3)
		start := clock.Now()

		for i := 0; i < 3; i++ {
			require.NoError(t, controller.AwaitSlot(ctx, types.TierSearch))
		}

		assert.Equal(t, start, clock.Now(), "no waiting expected under the ceiling")
		assert.Equal(t, 3, controller.WindowCount(types.TierSearch))
	})

	t.Run("blocks until the oldest call ages out, plus the safety margin", func(t *testing.T) {
		controller, clock := setupTestController(t, 2, 2)
		start := clock.Now()

		require.NoError(t, controller.AwaitSlot(ctx, types.TierSearch))
		clock.Advance(10 * time.Second)
		require.NoError(t, controller.AwaitSlot(ctx, types.TierSearch))

		// Third call must wait for the first to leave the 60s window (+1s margin)
		require.NoError(t, controller.AwaitSlot(ctx, types.TierSearch))
		assert.Equal(t, start.Add(61*time.Second), clock.Now())
	})

	t.Run("tiers have independent windows", func(t *testing.T) {
		controller, clock := setupTestController(t, 1, 5)
		start := clock.Now()

		require.NoError(t, controller.AwaitSlot(ctx, types.TierSearch))
		for i := 0; i < 5; i++ {
			require.NoError(t, controller.AwaitSlot(ctx, types.TierThreadFetch))
		}

		// A full search window does not delay thread fetches
		assert.Equal(t, start, clock.Now())
		assert.Equal(t, 1, controller.WindowCount(types.TierSearch))
		assert.Equal(t, 5, controller.WindowCount(types.TierThreadFetch))
	})

	t.Run("waits out an active backoff before issuing a call", func(t *testing.T) {
		controller, clock := setupTestController(t, 5, 5)
		start := clock.Now()

		controller.OnRejected(0)
		require.NoError(t, controller.AwaitSlot(ctx, types.TierSearch))

		assert.Equal(t, start.Add(DefaultBackoffBase), clock.Now())
		assert.Equal(t, time.Duration(0), controller.BackoffRemaining())
	})

	t.Run("backoff on one tier pauses the other", func(t *testing.T) {
		controller, clock := setupTestController(t, 5, 5)
		start := clock.Now()

		// Rejection signalled for a search call
		controller.OnRejected(0)
		require.NoError(t, controller.AwaitSlot(ctx, types.TierThreadFetch))

		assert.Equal(t, start.Add(DefaultBackoffBase), clock.Now())
	})

	t.Run("returns error for unknown tier", func(t *testing.T) {
		controller, _ := setupTestController(t, 5, 5)
		err := controller.AwaitSlot(ctx, types.Tier("bogus"))
		assert.Error(t, err)
	})

	t.Run("returns ErrContextCancelled when cancelled during backoff", func(t *testing.T) {
		controller, _ := setupTestController(t, 5, 5)
		controller.OnRejected(0)

		cancelled, cancel := context.WithCancel(context.Background())
		cancel()

		err := controller.AwaitSlot(cancelled, types.TierSearch)
		assert.ErrorIs(t, err, ErrContextCancelled)
	})
}

func TestBackoffSchedule(t *testing.T) {
	t.Run("consecutive rejections follow the exponential schedule", func(t *testing.T) {
		controller, _ := setupTestController(t, 5, 5)

		expected := []time.Duration{
			30 * time.Second,
			60 * time.Second,
			120 * time.Second,
			240 * time.Second,
			300 * time.Second, // capped
			300 * time.Second, // stays at cap
		}

		for i, want := range expected {
			controller.OnRejected(0)
			assert.Equal(t, want, controller.BackoffRemaining(), "rejection %d", i+1)
		}
		assert.Equal(t, len(expected), controller.ConsecutiveRejections())
	})

	t.Run("server-supplied retry-after overrides the schedule", func(t *testing.T) {
		controller, _ := setupTestController(t, 5, 5)

		controller.OnRejected(0)
		controller.OnRejected(7 * time.Second)

		assert.Equal(t, 7*time.Second, controller.BackoffRemaining())
		assert.Equal(t, 2, controller.ConsecutiveRejections())
	})

	t.Run("success resets the rejection streak", func(t *testing.T) {
		controller, _ := setupTestController(t, 5, 5)

		controller.OnRejected(0)
		controller.OnRejected(0)
		assert.Equal(t, 2, controller.ConsecutiveRejections())

		controller.OnSuccess()
		assert.Equal(t, 0, controller.ConsecutiveRejections())

		// Next rejection starts over at the base delay
		controller.OnRejected(0)
		assert.Equal(t, DefaultBackoffBase, controller.BackoffRemaining())
	})
}

func TestWindowPruning(t *testing.T) {
	controller, clock := setupTestController(t, 3, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, controller.AwaitSlot(ctx, types.TierSearch))
	}
	assert.Equal(t, 3, controller.WindowCount(types.TierSearch))

	clock.Advance(61 * time.Second)
	assert.Equal(t, 0, controller.WindowCount(types.TierSearch))
}

func TestConcurrentAccess(t *testing.T) {
	controller, _ := setupTestController(t, 100, 100)

	done := make(chan bool)

	go func() {
		for i := 0; i < 100; i++ {
			controller.OnRejected(0)
		}
		done <- true
	}()
	go func() {
		for i := 0; i < 100; i++ {
			controller.OnSuccess()
		}
		done <- true
	}()
	go func() {
		for i := 0; i < 100; i++ {
			_ = controller.ConsecutiveRejections()
			_ = controller.BackoffRemaining()
		}
		done <- true
	}()

	for i := 0; i < 3; i++ {
		<-done
	}
}
