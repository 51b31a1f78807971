// Package message defines the three UWB protocol messages and their wire
// codec. A frame is one signature byte followed by a 32-bit big-endian
// payload whose top bits select the message kind.
package message

import (
	"errors"
	"fmt"
	"math"

	"github.com/sweeney/uwb-tdma/internal/protocol"
)

var (
	// ErrSignature is returned for frames that do not start with Signature.
	ErrSignature = errors.New("message: bad signature")
	// ErrLength is returned for frames that are not FrameSize bytes.
	ErrLength = errors.New("message: bad frame length")
	// ErrFieldRange is returned when a field does not fit its wire width.
	ErrFieldRange = errors.New("message: field out of range")
	// ErrUnknownType is returned when encoding something that is not a
	// protocol message.
	ErrUnknownType = errors.New("message: unknown type")
)

// Kind identifies a message variant.
type Kind int

const (
	KindSync Kind = iota
	KindSlotControl
	KindTopology
)

func (k Kind) String() string {
	switch k {
	case KindSync:
		return "sync"
	case KindSlotControl:
		return "slot_control"
	case KindTopology:
		return "topology"
	}
	return "unknown"
}

// Message is one decoded protocol message. The set of implementations is
// closed: Sync, SlotControl and Topology.
type Message interface {
	Source() protocol.DeviceID
	Kind() Kind
	isMessage()
}

// Field widths and limits.
const (
	ClockBits = 30
	// ClockModulus is the number of distinct clock values on the wire.
	ClockModulus = 1 << ClockBits
	// ClockScale converts logical seconds to clock ticks.
	ClockScale = 1e5

	MaxSlot = 1<<15 - 1
	// CodeOffset is the base negative codes are folded into: a code c < 0
	// travels as CodeOffset-c in 15 bits. -16384 would need 32768, one past
	// the field, so the lowest code is -16383.
	CodeOffset = 16384
	MinCode    = -(CodeOffset - 1)
	MaxCode    = CodeOffset

	// CodeRequest is the code of a slot request.
	CodeRequest = -1

	// ShortIDMask selects the part of a device id carried in a code field.
	ShortIDMask = 0x3fff

	TopologyBits = 30
)

// Sync carries the sender's logical clock.
type Sync struct {
	Sender protocol.DeviceID
	// Clock is the sender's clock in ticks of 1/ClockScale seconds, modulo
	// ClockModulus.
	Clock  uint32
	Synced bool
}

func (m Sync) Source() protocol.DeviceID { return m.Sender }
func (Sync) Kind() Kind                  { return KindSync }
func (Sync) isMessage()                  {}

// Seconds returns the clock value in seconds.
func (m Sync) Seconds() float64 {
	return float64(m.Clock) / ClockScale
}

// ClockTicks converts a logical clock value to its wire representation.
func ClockTicks(seconds float64) uint32 {
	if seconds <= 0 {
		return 0
	}
	ticks := uint64(math.Floor(seconds * ClockScale))
	return uint32(ticks % ClockModulus)
}

// ClockOffset returns remote minus local in seconds, taking the shorter way
// around the wire clock's wrap.
func ClockOffset(remote, local uint32) float64 {
	d := (int64(remote) - int64(local)) % ClockModulus
	if d >= ClockModulus/2 {
		d -= ClockModulus
	} else if d < -ClockModulus/2 {
		d += ClockModulus
	}
	return float64(d) / ClockScale
}

// SlotControl is a slot request (Code == CodeRequest) or a rejection
// carrying the short id of the rejected proposer.
type SlotControl struct {
	Sender protocol.DeviceID
	Slot   int
	Code   int
}

func (m SlotControl) Source() protocol.DeviceID { return m.Sender }
func (SlotControl) Kind() Kind                  { return KindSlotControl }
func (SlotControl) isMessage()                  {}

// Same reports whether m and o carry the same slot and code, whoever sent them.
func (m SlotControl) Same(o SlotControl) bool {
	return m.Slot == o.Slot && m.Code == o.Code
}

// IsRequest reports whether m asks for its slot.
func (m SlotControl) IsRequest() bool {
	return m.Code == CodeRequest
}

// String formats m for logs.
func (m SlotControl) String() string {
	return fmt.Sprintf("slot_control{from=%s slot=%d code=%d}", m.Sender, m.Slot, m.Code)
}

// ShortID returns the code-field representation of a device id.
func ShortID(id protocol.DeviceID) int {
	return int(id & ShortIDMask)
}

// Topology announces the sender's one-hop neighbors as a bitmap. Bit i set
// means device (i+1)|tagBase is a neighbor.
type Topology struct {
	Sender protocol.DeviceID
	Bitmap uint32
}

func (m Topology) Source() protocol.DeviceID { return m.Sender }
func (Topology) Kind() Kind                  { return KindTopology }
func (Topology) isMessage()                  {}

// NewTopology builds a topology announcement. Ids outside the 30 tag ids
// above tagBase cannot be represented; their count is returned.
func NewTopology(sender protocol.DeviceID, neighbors []protocol.DeviceID, tagBase protocol.DeviceID) (Topology, int) {
	t := Topology{Sender: sender}
	skipped := 0
	for _, id := range neighbors {
		if id&tagBase != tagBase {
			skipped++
			continue
		}
		low := id &^ tagBase
		if low < 1 || low > TopologyBits {
			skipped++
			continue
		}
		t.Bitmap |= 1 << (low - 1)
	}
	return t, skipped
}

// Neighbors expands the bitmap into device ids. The result is never nil.
func (m Topology) Neighbors(tagBase protocol.DeviceID) []protocol.DeviceID {
	out := make([]protocol.DeviceID, 0, TopologyBits)
	for i := 0; i < TopologyBits; i++ {
		if m.Bitmap&(1<<i) != 0 {
			out = append(out, protocol.DeviceID(i+1)|tagBase)
		}
	}
	return out
}
