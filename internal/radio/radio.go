// Package radio is the boundary to the UWB transceiver.
// The serial subpackage talks to real hardware. FakeDevice and Air stand in
// for it in tests.
package radio

import (
	"errors"
	"fmt"

	"github.com/sweeney/uwb-tdma/internal/protocol"
)

var (
	// ErrTimeout is returned when the transceiver does not answer in time.
	ErrTimeout = errors.New("radio: timeout")
	// ErrNoDevice is returned when a target device did not respond or no
	// device was found.
	ErrNoDevice = errors.New("radio: no device")
	// ErrMalformed is returned for responses that cannot be parsed.
	ErrMalformed = errors.New("radio: malformed response")
)

// HardwareError is a failure reported by the transceiver's error register.
type HardwareError struct {
	Op   string
	Code byte
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("radio: %s failed: error code %#02x", e.Op, e.Code)
}

// Broadcast is the destination address that reaches every device in range.
const Broadcast protocol.DeviceID = 0

// Filter selects which devices discovery looks for.
type Filter int

const (
	FilterAnchors Filter = iota
	FilterTags
	FilterAll
)

func (f Filter) String() string {
	switch f {
	case FilterAnchors:
		return "anchors"
	case FilterTags:
		return "tags"
	case FilterAll:
		return "all"
	}
	return "unknown"
}

// Transceiver sends and receives raw frames.
type Transceiver interface {
	SendBroadcast(frame []byte) error
	SendTo(id protocol.DeviceID, frame []byte) error
	// TryReceive never blocks. ok is false when nothing is waiting.
	TryReceive() (sender protocol.DeviceID, frame []byte, ok bool, err error)
	Discover(filter Filter) ([]protocol.DeviceID, error)
	ClearDevices() error
}

// Range is one two-way ranging result.
type Range struct {
	Target protocol.DeviceID `json:"target"`
	// Distance in millimetres.
	Distance  int32  `json:"distance"`
	RSSI      int16  `json:"rssi"`
	Timestamp uint32 `json:"timestamp"`
}

// Locator measures distances and positions.
type Locator interface {
	Range(target protocol.DeviceID) (Range, error)
	// Position trilaterates against anchors. At least three are needed.
	Position(anchors []protocol.Anchor) (protocol.Coordinates, error)
	// Heading is the compass yaw in degrees.
	Heading() (float64, error)
}

// Info identifies the local transceiver.
type Info struct {
	WhoAmI    byte
	Firmware  string
	NetworkID protocol.DeviceID
}

// Device is everything the node needs from its transceiver.
type Device interface {
	Transceiver
	Locator
	Info() (Info, error)
	// Reset restarts the transceiver firmware.
	Reset() error
	Close() error
}
