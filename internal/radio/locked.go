package radio

import (
	"sync"

	"github.com/sweeney/uwb-tdma/internal/protocol"
)

// Locked serializes every call to the wrapped device. The lock is held for
// one request/response exchange, never across a whole protocol step.
type Locked struct {
	mu  sync.Mutex
	dev Device
}

// NewLocked wraps dev.
func NewLocked(dev Device) *Locked {
	return &Locked{dev: dev}
}

func (l *Locked) SendBroadcast(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dev.SendBroadcast(frame)
}

func (l *Locked) SendTo(id protocol.DeviceID, frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dev.SendTo(id, frame)
}

func (l *Locked) TryReceive() (protocol.DeviceID, []byte, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dev.TryReceive()
}

func (l *Locked) Discover(filter Filter) ([]protocol.DeviceID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dev.Discover(filter)
}

func (l *Locked) ClearDevices() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dev.ClearDevices()
}

func (l *Locked) Range(target protocol.DeviceID) (Range, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dev.Range(target)
}

func (l *Locked) Position(anchors []protocol.Anchor) (protocol.Coordinates, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dev.Position(anchors)
}

func (l *Locked) Heading() (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dev.Heading()
}

func (l *Locked) Info() (Info, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dev.Info()
}

func (l *Locked) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dev.Reset()
}

func (l *Locked) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dev.Close()
}
