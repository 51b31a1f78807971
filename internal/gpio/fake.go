package gpio

import "time"

// FakeResetLine is a test double that records reset pulses.
type FakeResetLine struct {
	// Pulses holds the duration of every Pulse call, in order.
	Pulses []time.Duration

	// Closed tracks if Close was called
	Closed bool

	// PulseError, if set, will be returned by Pulse()
	PulseError error

	// OnPulse, if set, runs after each successful pulse.
	OnPulse func()
}

// NewFakeResetLine creates a FakeResetLine.
func NewFakeResetLine() *FakeResetLine {
	return &FakeResetLine{}
}

// Pulse records d.
func (f *FakeResetLine) Pulse(d time.Duration) error {
	if f.PulseError != nil {
		return f.PulseError
	}
	f.Pulses = append(f.Pulses, d)
	if f.OnPulse != nil {
		f.OnPulse()
	}
	return nil
}

// Close marks the line as closed.
func (f *FakeResetLine) Close() error {
	f.Closed = true
	return nil
}

// Reset forgets recorded pulses.
func (f *FakeResetLine) Reset() {
	f.Pulses = nil
	f.Closed = false
}
