// Package protocol holds the identifiers shared by every layer of the TDMA
// node: device ids and the protocol state enum.
package protocol

import "fmt"

// DeviceID is the 16-bit network id of a UWB device.
type DeviceID uint16

// String formats the id the way device labels are printed (0x6a71).
func (id DeviceID) String() string {
	return fmt.Sprintf("0x%04x", uint16(id))
}

// State is a TDMA protocol state. Exactly one is active per node.
type State int

const (
	StateInitialization State = iota
	StateSynchronization
	StateScheduling
	StateTask
	StateListen
)

// String returns the upper-case state name used in logs and status output.
func (s State) String() string {
	switch s {
	case StateInitialization:
		return "INITIALIZATION"
	case StateSynchronization:
		return "SYNCHRONIZATION"
	case StateScheduling:
		return "SCHEDULING"
	case StateTask:
		return "TASK"
	case StateListen:
		return "LISTEN"
	}
	return "UNKNOWN"
}

// States lists every state in declaration order.
var States = []State{
	StateInitialization,
	StateSynchronization,
	StateScheduling,
	StateTask,
	StateListen,
}

// Coordinates is a position in millimetres.
type Coordinates struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
	Z int32 `json:"z"`
}

// Anchor is a device installed at a known position.
type Anchor struct {
	ID       DeviceID    `json:"id"`
	Position Coordinates `json:"position"`
}
