package livesync

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/clinicsync/internal/platform/clock"
)

// DefaultDebounceDelay is the length of the coalescing window.
const DefaultDebounceDelay = 200 * time.Millisecond

// Invalidator is the read cache as seen by the core. keyOrPrefix is either
// an exact key or the prefix of a family of parameterized keys.
type Invalidator interface {
	Invalidate(keyOrPrefix string)
}

// InvalidatorFunc adapts a function to Invalidator.
type InvalidatorFunc func(keyOrPrefix string)

// Invalidate implements Invalidator.
func (f InvalidatorFunc) Invalidate(keyOrPrefix string) { f(keyOrPrefix) }

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithDebounceDelay overrides DefaultDebounceDelay. Non-positive values are
// ignored.
func WithDebounceDelay(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.delay = d
		}
	}
}

// WithCoordinatorClock sets the clock driving the debounce timer.
func WithCoordinatorClock(clk clock.Clock) CoordinatorOption {
	return func(c *Coordinator) { c.clock = clk }
}

// Coordinator applies invalidations for classified events. High-priority
// categories are invalidated on the caller's goroutine; the rest are
// collected into a single shared window that is flushed once, delay after
// the last event that extended it.
//
// The mutex is held while the invalidator runs, so after Close returns no
// invalidation is in progress and none will start.
type Coordinator struct {
	mu          sync.Mutex
	invalidator Invalidator
	clock       clock.Clock
	delay       time.Duration
	logger      zerolog.Logger

	pending    []Key
	pendingSet map[Key]struct{}
	timer      *clock.Timer
	generation uint64
	closed     bool
}

// NewCoordinator creates a Coordinator invalidating through inv.
func NewCoordinator(inv Invalidator, logger zerolog.Logger, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		invalidator: inv,
		clock:       clock.Real(),
		delay:       DefaultDebounceDelay,
		logger:      logger,
		pendingSet:  make(map[Key]struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Apply dispatches the keys of ev's category and returns the mode used.
func (c *Coordinator) Apply(ev *InboundEvent) Mode {
	if ev == nil {
		return ModeNone
	}
	mode, keys := ev.Category.Route()
	switch mode {
	case ModeImmediate:
		c.InvalidateNow(keys...)
	case ModeDebounced:
		c.Enqueue(keys...)
	}
	return mode
}

// InvalidateNow invalidates keys synchronously. It leaves any pending
// window untouched.
func (c *Coordinator) InvalidateNow(keys ...Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.invalidateLocked(keys)
}

// Enqueue adds keys to the window and restarts its timer.
func (c *Coordinator) Enqueue(keys ...Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for _, k := range keys {
		if _, ok := c.pendingSet[k]; ok {
			continue
		}
		c.pendingSet[k] = struct{}{}
		c.pending = append(c.pending, k)
	}

	c.timer.Stop()
	c.generation++
	gen := c.generation
	c.timer = c.clock.AfterFunc(c.delay, func() { c.fire(gen) })
}

// fire flushes the window. A stale generation means the timer was replaced
// after it had already started running.
func (c *Coordinator) fire(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.generation {
		return
	}
	keys := c.pending
	c.pending = nil
	c.pendingSet = make(map[Key]struct{})
	c.timer = nil

	c.logger.Debug().Int("keys", len(keys)).Msg("flushing debounced invalidations")
	c.invalidateLocked(keys)
}

func (c *Coordinator) invalidateLocked(keys []Key) {
	for _, k := range keys {
		c.invalidator.Invalidate(string(k))
	}
}

// Pending returns the keys waiting in the current window.
func (c *Coordinator) Pending() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Key, len(c.pending))
	copy(out, c.pending)
	return out
}

// Close cancels the window and disables the coordinator. It is safe to call
// more than once.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.timer.Stop()
	c.timer = nil
	if n := len(c.pending); n > 0 {
		c.logger.Debug().Int("keys", n).Msg("discarding pending invalidations")
	}
	c.pending = nil
	c.pendingSet = make(map[Key]struct{})
}
