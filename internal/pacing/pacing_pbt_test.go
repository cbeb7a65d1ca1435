package pacing

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/slack-exporter/internal/types"
)

// Property: for any arrival pattern, no trailing 60-second window ever holds
// more admitted calls than the tier's ceiling.
func TestSlidingWindowInvariant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("window never exceeds ceiling", prop.ForAll(
		func(ceiling int, gapsSeconds []int) bool {
			clock := newFakeClock()
			controller, err := NewController(&Config{
				SearchPerMinute:      ceiling,
				ThreadFetchPerMinute: ceiling,
				Now:                  clock.Now,
				Sleep:                clock.Sleep,
			})
			if err != nil {
				return false
			}

			ctx := context.Background()
			var admitted []time.Time
			for _, gap := range gapsSeconds {
				clock.Advance(time.Duration(gap) * time.Second)
				if err := controller.AwaitSlot(ctx, types.TierSearch); err != nil {
					return false
				}
				admitted = append(admitted, clock.Now())
			}

			// Verify every trailing window ending at a call instant
			for i, end := range admitted {
				count := 0
				for j := 0; j <= i; j++ {
					if admitted[j].After(end.Add(-time.Minute)) {
						count++
					}
				}
				if count > ceiling {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 10),
		gen.SliceOfN(30, gen.IntRange(0, 90)),
	))

	properties.Property("backoff never decreases without an intervening success", prop.ForAll(
		func(rejections int) bool {
			clock := newFakeClock()
			controller, err := NewController(&Config{Now: clock.Now, Sleep: clock.Sleep})
			if err != nil {
				return false
			}

			var prev time.Duration
			for i := 0; i < rejections; i++ {
				controller.OnRejected(0)
				cur := controller.BackoffRemaining()
				if cur < prev {
					return false
				}
				if cur > DefaultBackoffMax {
					return false
				}
				prev = cur
			}
			return true
		},
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}
