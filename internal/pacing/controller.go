// Package pacing provides tiered rate pacing for Slack API calls. Each
// endpoint tier has its own sliding-window ceiling held below the platform
// quota; rate-limit rejections trigger a backoff shared across tiers.
package pacing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/slack-exporter/internal/types"
)

// Default pacing configuration values. Ceilings sit below the platform's
// per-minute quotas to leave a safety margin.
const (
	DefaultSearchPerMinute      = 18
	DefaultThreadFetchPerMinute = 45
	DefaultBackoffBase          = 30 * time.Second
	DefaultBackoffMax           = 5 * time.Minute

	windowSize   = time.Minute
	windowMargin = time.Second
)

// ErrContextCancelled is returned when the context is cancelled while waiting
// for a slot or for a backoff period to elapse.
var ErrContextCancelled = errors.New("context cancelled while waiting for call slot")

// Controller paces sequential API calls across the two endpoint tiers.
// AwaitSlot may block for the full sliding window plus any active backoff;
// callers treat multi-minute stalls as normal operation.
type Controller struct {
	mu sync.Mutex

	ceilings map[types.Tier]int
	windows  map[types.Tier][]time.Time

	backoffUntil time.Time
	rejections   int

	backoffBase time.Duration
	backoffMax  time.Duration

	now     func() time.Time
	sleepFn func(context.Context, time.Duration) error
}

// Config holds configuration for the pacing controller.
type Config struct {
	// SearchPerMinute is the ceiling for the search tier. Default: 18.
	SearchPerMinute int

	// ThreadFetchPerMinute is the ceiling for the thread-fetch tier. Default: 45.
	ThreadFetchPerMinute int

	// BackoffBase is the backoff after the first rejection. Default: 30s.
	BackoffBase time.Duration

	// BackoffMax caps the exponential backoff. Default: 5m.
	BackoffMax time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time

	// Sleep overrides the blocking wait, for tests. It must advance the
	// injected clock by at least the given duration.
	Sleep func(context.Context, time.Duration) error
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.SearchPerMinute < 0 {
		return errors.New("search ceiling cannot be negative")
	}
	if c.ThreadFetchPerMinute < 0 {
		return errors.New("thread-fetch ceiling cannot be negative")
	}
	if c.BackoffBase < 0 {
		return errors.New("backoff base cannot be negative")
	}
	if c.BackoffMax < 0 {
		return errors.New("backoff max cannot be negative")
	}
	if c.BackoffMax > 0 && c.BackoffBase > 0 && c.BackoffBase > c.BackoffMax {
		return errors.New("backoff base cannot exceed backoff max")
	}
	return nil
}

// NewController creates a new controller with the given configuration.
// Returns an error if the configuration is invalid.
func NewController(cfg *Config) (*Controller, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Apply defaults
	searchCeiling := cfg.SearchPerMinute
	if searchCeiling == 0 {
		searchCeiling = DefaultSearchPerMinute
	}
	threadCeiling := cfg.ThreadFetchPerMinute
	if threadCeiling == 0 {
		threadCeiling = DefaultThreadFetchPerMinute
	}
	backoffBase := cfg.BackoffBase
	if backoffBase == 0 {
		backoffBase = DefaultBackoffBase
	}
	backoffMax := cfg.BackoffMax
	if backoffMax == 0 {
		backoffMax = DefaultBackoffMax
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	sleepFn := cfg.Sleep
	if sleepFn == nil {
		sleepFn = realSleep
	}

	return &Controller{
		ceilings: map[types.Tier]int{
			types.TierSearch:      searchCeiling,
			types.TierThreadFetch: threadCeiling,
		},
		windows: map[types.Tier][]time.Time{
			types.TierSearch:      nil,
			types.TierThreadFetch: nil,
		},
		backoffBase: backoffBase,
		backoffMax:  backoffMax,
		now:         now,
		sleepFn:     sleepFn,
	}, nil
}

// AwaitSlot blocks until a call on the given tier can be issued without
// exceeding the tier's ceiling within the trailing window, and until any
// active backoff has elapsed. The current instant is recorded into the
// tier's window before returning.
func (c *Controller) AwaitSlot(ctx context.Context, tier types.Tier) error {
	ceiling, ok := c.ceilings[tier]
	if !ok {
		return errors.New("unknown tier: " + string(tier))
	}

	// Wait out any active backoff, then clear it.
	c.mu.Lock()
	deadline := c.backoffUntil
	c.mu.Unlock()
	if wait := deadline.Sub(c.now()); wait > 0 {
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
	c.mu.Lock()
	if !c.backoffUntil.IsZero() && !c.backoffUntil.After(c.now()) {
		c.backoffUntil = time.Time{}
	}
	c.mu.Unlock()

	for {
		c.mu.Lock()
		c.prune(tier)
		window := c.windows[tier]
		if len(window) < ceiling {
			c.windows[tier] = append(window, c.now())
			c.mu.Unlock()
			return nil
		}
		// Window full: wait for the oldest entry to age out.
		wait := window[0].Add(windowSize + windowMargin).Sub(c.now())
		c.mu.Unlock()

		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// OnRejected records a rate-limit rejection. The backoff deadline moves to
// now + retryAfter when the remote supplied one, otherwise to the exponential
// schedule base*2^(n-1) capped at the maximum. The backoff is shared across
// tiers: a rejection on one tier pauses all calls.
func (c *Controller) OnRejected(retryAfter time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rejections++

	delay := retryAfter
	if delay <= 0 {
		delay = c.backoffBase
		for i := 1; i < c.rejections; i++ {
			delay *= 2
			if delay >= c.backoffMax {
				delay = c.backoffMax
				break
			}
		}
	}
	c.backoffUntil = c.now().Add(delay)
}

// OnSuccess resets the rejection counter. Called after every call that did
// not receive a rejection signal, regardless of tier.
func (c *Controller) OnSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejections = 0
}

// ConsecutiveRejections returns the current rejection streak.
func (c *Controller) ConsecutiveRejections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejections
}

// BackoffRemaining returns how long the active backoff still holds, zero if
// no backoff is active.
func (c *Controller) BackoffRemaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if remaining := c.backoffUntil.Sub(c.now()); remaining > 0 {
		return remaining
	}
	return 0
}

// WindowCount returns how many calls the tier's trailing window holds.
func (c *Controller) WindowCount(tier types.Tier) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune(tier)
	return len(c.windows[tier])
}

// Ceiling returns the configured ceiling for a tier.
func (c *Controller) Ceiling(tier types.Tier) int {
	return c.ceilings[tier]
}

// prune drops window entries older than the trailing window. Caller holds mu.
func (c *Controller) prune(tier types.Tier) {
	cutoff := c.now().Add(-windowSize)
	window := c.windows[tier]
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		c.windows[tier] = window[i:]
	}
}

// sleep blocks for d or until the context is cancelled.
func (c *Controller) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if ctx.Err() != nil {
			return ErrContextCancelled
		}
		return nil
	}
	return c.sleepFn(ctx, d)
}

func realSleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ErrContextCancelled
	case <-time.After(d):
		return nil
	}
}
