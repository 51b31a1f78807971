//go:build linux

package gpio

import (
	"fmt"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// RealResetLine drives an active-low reset pin using the Linux GPIO character device.
type RealResetLine struct {
	chip  *gpiocdev.Chip
	line  *gpiocdev.Line
	sleep func(time.Duration)
}

// NewRealResetLine requests pin as an output held in the released state.
func NewRealResetLine(chipName string, pin int) (*RealResetLine, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	// Logical 0 on an active-low line keeps the pin high (reset released).
	line, err := chip.RequestLine(pin, gpiocdev.AsActiveLow, gpiocdev.AsOutput(0))
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request reset pin %d: %w", pin, err)
	}

	return &RealResetLine{chip: chip, line: line, sleep: time.Sleep}, nil
}

// Pulse asserts reset for d. The line is always released afterwards, even
// when asserting failed part way.
func (r *RealResetLine) Pulse(d time.Duration) error {
	if err := r.line.SetValue(1); err != nil {
		return fmt.Errorf("assert reset: %w", err)
	}
	r.sleep(d)
	if err := r.line.SetValue(0); err != nil {
		return fmt.Errorf("release reset: %w", err)
	}
	return nil
}

// Close releases GPIO resources.
// The pin is returned to an input so the transceiver's own pull-up holds it
// out of reset while nothing drives it.
func (r *RealResetLine) Close() error {
	var errs []error

	if r.line != nil {
		if err := r.line.Reconfigure(gpiocdev.AsInput); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure reset pin: %w", err))
		}
		if err := r.line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close reset pin: %w", err))
		}
	}
	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
