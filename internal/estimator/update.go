// Package estimator is the boundary to the external position estimator.
// The control loop pushes immutable Update values onto a Queue without
// blocking; Forward hands them to a Sink on its own goroutine.
package estimator

import (
	"github.com/sweeney/uwb-tdma/internal/protocol"
)

// UpdateType identifies the kind of measurement an Update carries.
type UpdateType string

const (
	Pedometer     UpdateType = "PEDOMETER"
	Trilateration UpdateType = "TRILATERATION"
	Ranging       UpdateType = "RANGING"
	ZeroMovement  UpdateType = "ZERO_MOVEMENT"
)

// UpdateTypes lists every update type, for metrics initialization.
var UpdateTypes = []UpdateType{Pedometer, Trilateration, Ranging, ZeroMovement}

// Update is one measurement for the estimator.
type Update struct {
	Type   UpdateType        `json:"type"`
	Source protocol.DeviceID `json:"source"`
	// Timestamp and ClockOffset are logical-clock seconds.
	Timestamp   float64 `json:"timestamp"`
	ClockOffset float64 `json:"clock_offset"`
	// Yaw is the compass heading in degrees.
	Yaw float64 `json:"yaw"`

	Position *protocol.Coordinates `json:"position,omitempty"`

	// Distance and Target are set for ranging updates. Neighbors then holds
	// the target's reference position when one is known.
	Distance  int32                  `json:"distance,omitempty"`
	Target    protocol.DeviceID      `json:"target,omitempty"`
	Neighbors []protocol.Coordinates `json:"neighbors,omitempty"`

	Topology []protocol.DeviceID `json:"topology,omitempty"`
}

// NewTrilateration builds an update for a trilaterated position.
func NewTrilateration(source protocol.DeviceID, timestamp, offset, yaw float64, pos protocol.Coordinates, topology []protocol.DeviceID) Update {
	return Update{
		Type:        Trilateration,
		Source:      source,
		Timestamp:   timestamp,
		ClockOffset: offset,
		Yaw:         yaw,
		Position:    &pos,
		Topology:    cloneIDs(topology),
	}
}

// NewRanging builds an update for one distance measurement against a
// target at reference. A nil reference leaves Neighbors empty.
func NewRanging(source protocol.DeviceID, timestamp, offset, yaw float64, target protocol.DeviceID, distance int32, reference *protocol.Coordinates, topology []protocol.DeviceID) Update {
	var neighbors []protocol.Coordinates
	if reference != nil {
		neighbors = []protocol.Coordinates{*reference}
	}
	return Update{
		Type:        Ranging,
		Source:      source,
		Timestamp:   timestamp,
		ClockOffset: offset,
		Yaw:         yaw,
		Distance:    distance,
		Target:      target,
		Neighbors:   neighbors,
		Topology:    cloneIDs(topology),
	}
}

func cloneIDs(ids []protocol.DeviceID) []protocol.DeviceID {
	if len(ids) == 0 {
		return nil
	}
	return append([]protocol.DeviceID(nil), ids...)
}
