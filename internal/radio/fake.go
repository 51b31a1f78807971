package radio

import (
	"sync"

	"github.com/sweeney/uwb-tdma/internal/protocol"
)

// Frame is a frame seen by a fake transceiver.
type Frame struct {
	Sender protocol.DeviceID
	To     protocol.DeviceID
	Data   []byte
}

// FakeDevice is a test double with a scripted receive queue and a log of
// everything sent.
type FakeDevice struct {
	mu sync.Mutex

	// ID is returned as the network id by Info.
	ID       protocol.DeviceID
	Firmware string

	// Anchors and Tags are returned by Discover.
	Anchors []protocol.DeviceID
	Tags    []protocol.DeviceID

	// Ranges holds scripted ranging results by target.
	Ranges map[protocol.DeviceID]Range
	// Pos is returned by Position and Yaw by Heading.
	Pos protocol.Coordinates
	Yaw float64

	// Errors, if set, are returned by the matching call.
	SendError     error
	ReceiveError  error
	DiscoverError error
	RangeError    error
	PositionError error
	HeadingError  error
	InfoError     error
	ResetError    error

	rx     []Frame
	TxLog  []Frame
	Calls  []string
	Clears int
	Resets int
	Closed bool
}

// NewFakeDevice creates a FakeDevice with the given network id.
func NewFakeDevice(id protocol.DeviceID) *FakeDevice {
	return &FakeDevice{
		ID:       id,
		Firmware: "1.1",
		Ranges:   make(map[protocol.DeviceID]Range),
	}
}

// InjectRx queues a frame for TryReceive.
func (f *FakeDevice) InjectRx(sender protocol.DeviceID, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rx = append(f.rx, Frame{Sender: sender, To: f.ID, Data: append([]byte(nil), data...)})
}

// Pending returns the number of frames waiting to be received.
func (f *FakeDevice) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rx)
}

// Sent returns a copy of the transmit log.
func (f *FakeDevice) Sent() []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Frame, len(f.TxLog))
	copy(out, f.TxLog)
	return out
}

func (f *FakeDevice) record(call string) {
	f.Calls = append(f.Calls, call)
}

func (f *FakeDevice) SendBroadcast(frame []byte) error {
	return f.SendTo(Broadcast, frame)
}

func (f *FakeDevice) SendTo(id protocol.DeviceID, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("send")
	if f.SendError != nil {
		return f.SendError
	}
	f.TxLog = append(f.TxLog, Frame{Sender: f.ID, To: id, Data: append([]byte(nil), frame...)})
	return nil
}

func (f *FakeDevice) TryReceive() (protocol.DeviceID, []byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("receive")
	if f.ReceiveError != nil {
		return 0, nil, false, f.ReceiveError
	}
	if len(f.rx) == 0 {
		return 0, nil, false, nil
	}
	fr := f.rx[0]
	f.rx = f.rx[1:]
	return fr.Sender, fr.Data, true, nil
}

func (f *FakeDevice) Discover(filter Filter) ([]protocol.DeviceID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("discover")
	if f.DiscoverError != nil {
		return nil, f.DiscoverError
	}
	var out []protocol.DeviceID
	if filter != FilterTags {
		out = append(out, f.Anchors...)
	}
	if filter != FilterAnchors {
		out = append(out, f.Tags...)
	}
	return out, nil
}

func (f *FakeDevice) ClearDevices() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("clear")
	f.Clears++
	return nil
}

func (f *FakeDevice) Range(target protocol.DeviceID) (Range, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("range")
	if f.RangeError != nil {
		return Range{}, f.RangeError
	}
	r, ok := f.Ranges[target]
	if !ok {
		return Range{}, ErrNoDevice
	}
	return r, nil
}

func (f *FakeDevice) Position(anchors []protocol.Anchor) (protocol.Coordinates, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("position")
	if f.PositionError != nil {
		return protocol.Coordinates{}, f.PositionError
	}
	if len(anchors) < 3 {
		return protocol.Coordinates{}, ErrNoDevice
	}
	return f.Pos, nil
}

func (f *FakeDevice) Heading() (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("heading")
	if f.HeadingError != nil {
		return 0, f.HeadingError
	}
	return f.Yaw, nil
}

func (f *FakeDevice) Info() (Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("info")
	if f.InfoError != nil {
		return Info{}, f.InfoError
	}
	return Info{WhoAmI: 0x43, Firmware: f.Firmware, NetworkID: f.ID}, nil
}

func (f *FakeDevice) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("reset")
	if f.ResetError != nil {
		return f.ResetError
	}
	f.Resets++
	return nil
}

// Close marks the device as closed.
func (f *FakeDevice) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}
