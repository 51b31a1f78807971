package radio

import (
	"errors"
	"log"
	"time"

	"github.com/sweeney/uwb-tdma/internal/gpio"
	"github.com/sweeney/uwb-tdma/internal/metrics"
	"github.com/sweeney/uwb-tdma/internal/protocol"
)

// RecoveryConfig controls when the transceiver is reset.
type RecoveryConfig struct {
	// Threshold is the number of consecutive hardware errors or timeouts
	// that trigger a reset.
	Threshold int
	// Cooldown is the minimum time between two resets.
	Cooldown time.Duration
	// Pulse is how long the reset line is held.
	Pulse time.Duration
}

// Recovery wraps a device and resets it when it keeps failing.
// A reset pulses the GPIO reset line when one is wired, otherwise it asks
// the firmware to restart. Any successful call clears the error streak.
// Not safe for concurrent use; it is owned by the control loop.
type Recovery struct {
	dev     Device
	line    gpio.ResetLine
	cfg     RecoveryConfig
	now     func() time.Time
	metrics *metrics.Metrics

	consecutive int
	lastReset   time.Time
	resets      int
}

// NewRecovery wraps dev. line may be nil.
func NewRecovery(dev Device, line gpio.ResetLine, cfg RecoveryConfig, now func() time.Time, m *metrics.Metrics) *Recovery {
	if now == nil {
		now = time.Now
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 10
	}
	if cfg.Pulse <= 0 {
		cfg.Pulse = gpio.DefaultPulse
	}
	return &Recovery{dev: dev, line: line, cfg: cfg, now: now, metrics: m}
}

// Resets returns how many resets have been performed.
func (r *Recovery) Resets() int {
	return r.resets
}

// Consecutive returns the current error streak.
func (r *Recovery) Consecutive() int {
	return r.consecutive
}

func (r *Recovery) observe(op string, err error) {
	if err == nil {
		r.consecutive = 0
		return
	}
	r.metrics.RecordRadioError(op)

	var hw *HardwareError
	if !errors.As(err, &hw) && !errors.Is(err, ErrTimeout) {
		return
	}
	r.consecutive++
	if r.consecutive < r.cfg.Threshold {
		return
	}

	now := r.now()
	if !r.lastReset.IsZero() && now.Sub(r.lastReset) < r.cfg.Cooldown {
		return
	}
	log.Printf("radio: %d consecutive failures (last: %v), resetting transceiver", r.consecutive, err)
	r.lastReset = now
	r.consecutive = 0
	r.resets++
	r.metrics.RecordRadioReset()

	var resetErr error
	if r.line != nil {
		resetErr = r.line.Pulse(r.cfg.Pulse)
	} else {
		resetErr = r.dev.Reset()
	}
	if resetErr != nil {
		log.Printf("radio: reset failed: %v", resetErr)
	}
}

func (r *Recovery) SendBroadcast(frame []byte) error {
	err := r.dev.SendBroadcast(frame)
	r.observe("send_broadcast", err)
	return err
}

func (r *Recovery) SendTo(id protocol.DeviceID, frame []byte) error {
	err := r.dev.SendTo(id, frame)
	r.observe("send_to", err)
	return err
}

func (r *Recovery) TryReceive() (protocol.DeviceID, []byte, bool, error) {
	sender, frame, ok, err := r.dev.TryReceive()
	r.observe("receive", err)
	return sender, frame, ok, err
}

func (r *Recovery) Discover(filter Filter) ([]protocol.DeviceID, error) {
	ids, err := r.dev.Discover(filter)
	r.observe("discover", err)
	return ids, err
}

func (r *Recovery) ClearDevices() error {
	err := r.dev.ClearDevices()
	r.observe("clear_devices", err)
	return err
}

func (r *Recovery) Range(target protocol.DeviceID) (Range, error) {
	rg, err := r.dev.Range(target)
	r.observe("range", err)
	return rg, err
}

func (r *Recovery) Position(anchors []protocol.Anchor) (protocol.Coordinates, error) {
	pos, err := r.dev.Position(anchors)
	r.observe("position", err)
	return pos, err
}

func (r *Recovery) Heading() (float64, error) {
	yaw, err := r.dev.Heading()
	r.observe("heading", err)
	return yaw, err
}

func (r *Recovery) Info() (Info, error) {
	info, err := r.dev.Info()
	r.observe("info", err)
	return info, err
}

func (r *Recovery) Reset() error {
	return r.dev.Reset()
}

func (r *Recovery) Close() error {
	return r.dev.Close()
}
