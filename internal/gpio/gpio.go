// Package gpio drives the transceiver's reset line.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

import "time"

// ResetLine asserts a device reset.
type ResetLine interface {
	// Pulse asserts reset for d, then releases it.
	Pulse(d time.Duration) error

	// Close releases GPIO resources.
	Close() error
}

// DefaultPulse is how long reset is held asserted.
const DefaultPulse = 50 * time.Millisecond
