// Package congestion tracks outstanding still-frame requests against a
// rate-derived budget and suspends new requests behind a cooldown when the
// budget is exhausted.
package congestion

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetlink/fleetlink/internal/metrics"
	"github.com/fleetlink/fleetlink/internal/util"
)

// Cooldown is how long new requests stay suspended after the outstanding
// budget is exceeded.
const Cooldown = 2 * time.Second

// Controller enforces the outstanding-request budget for one capture
// pipeline. The budget is 2× the requested frame rate and is re-derived on
// every admission so a live frame-rate change takes effect immediately.
//
// The cooldown is a deadline checked against the injected clock rather than
// a free-running timer. When the deadline passes while the pipeline is
// still saturated, the next admission re-arms it, with no cap on re-arms;
// the state corrects itself as replies drain.
type Controller struct {
	clock util.Clock
	rate  func() int // current requested frames/sec
	log   zerolog.Logger

	mu           sync.Mutex
	pending      int
	backoffUntil time.Time // zero when backoff is inactive
}

// New creates a Controller. rate must return the currently configured
// frame rate; it is consulted on every admission.
func New(clock util.Clock, rate func() int, logger zerolog.Logger) *Controller {
	return &Controller{
		clock: clock,
		rate:  rate,
		log:   logger.With().Str("component", "congestion").Logger(),
	}
}

// MaxPending returns the current outstanding-request budget.
func (c *Controller) MaxPending() int {
	r := c.rate()
	if r < 1 {
		r = 1
	}
	return 2 * r
}

// Admit reports whether a new capture request may be issued and, if so,
// counts it as outstanding. A denial on budget exhaustion arms the backoff
// cooldown.
func (c *Controller) Admit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	max := c.MaxPending()

	if !c.backoffUntil.IsZero() {
		if now.Before(c.backoffUntil) {
			return false
		}
		if c.pending >= max {
			// Cooldown elapsed but still saturated: re-arm.
			c.backoffUntil = now.Add(Cooldown)
			metrics.BackoffActivationsTotal.Inc()
			c.log.Debug().Int("pending", c.pending).Int("max", max).Msg("backoff re-armed")
			return false
		}
		c.backoffUntil = time.Time{}
	}

	if c.pending >= max {
		c.backoffUntil = now.Add(Cooldown)
		metrics.CongestionDenialsTotal.Inc()
		metrics.BackoffActivationsTotal.Inc()
		c.log.Debug().Int("pending", c.pending).Int("max", max).Msg("budget exhausted, backing off")
		return false
	}

	c.pending++
	metrics.PendingRequests.Set(float64(c.pending))
	return true
}

// OnReply records a completed request. Replies for stale or foreign frames
// count too; the budget tracks wire traffic, not applied frames. Never
// drops below zero.
func (c *Controller) OnReply() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending > 0 {
		c.pending--
	}
	metrics.PendingRequests.Set(float64(c.pending))
}

// Reset zeroes the outstanding count and clears any pending cooldown.
// Called whenever capture starts, stops or the control device switches.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = 0
	c.backoffUntil = time.Time{}
	metrics.PendingRequests.Set(0)
}

// Pending returns the current outstanding-request count.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// BackoffActive reports whether new requests are currently suspended.
// A deadline that has lapsed while the pipeline is still saturated counts
// as active, matching what the next Admit would decide.
func (c *Controller) BackoffActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backoffUntil.IsZero() {
		return false
	}
	if c.clock.Now().Before(c.backoffUntil) {
		return true
	}
	return c.pending >= c.MaxPending()
}
