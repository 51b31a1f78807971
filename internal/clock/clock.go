// Package clock provides the node's logical clock.
// The hardware time source is injectable so the clock can be driven in tests.
package clock

import (
	"math"
	"time"
)

// Logical is a monotonic software clock in seconds. It is advanced once per
// control-loop tick and corrected by synchronization.
// Not safe for concurrent use; it is owned by the control loop.
type Logical struct {
	clock        float64
	lastHardware time.Time
	rateOffset   float64
	now          func() time.Time
}

// New creates a clock starting at zero. now is the hardware time source;
// nil selects time.Now.
func New(now func() time.Time) *Logical {
	if now == nil {
		now = time.Now
	}
	return &Logical{
		now:          now,
		lastHardware: now(),
	}
}

// Advance adds the hardware time elapsed since the previous call, scaled by
// 1+rateOffset, and returns the new clock value.
// A hardware clock that steps backwards contributes nothing.
func (c *Logical) Advance() float64 {
	t := c.now()
	elapsed := t.Sub(c.lastHardware).Seconds()
	c.lastHardware = t
	if elapsed > 0 {
		c.clock += elapsed * (1 + c.rateOffset)
	}
	return c.clock
}

// ApplyOffset corrects the clock by delta seconds. The result never goes
// below zero.
func (c *Logical) ApplyOffset(delta float64) {
	if c.clock+delta < 0 {
		c.clock = 0
		return
	}
	c.clock += delta
}

// Now returns the current clock value without advancing it.
func (c *Logical) Now() float64 {
	return c.clock
}

// RateOffset returns the rate correction applied by Advance.
func (c *Logical) RateOffset() float64 {
	return c.rateOffset
}

// SetRateOffset sets the rate correction applied by Advance.
func (c *Logical) SetRateOffset(r float64) {
	c.rateOffset = r
}

// IsJump reports whether a correction of delta seconds is large enough to be
// applied immediately instead of being averaged with other peers.
func IsJump(delta, threshold float64) bool {
	return math.Abs(delta) > threshold
}
