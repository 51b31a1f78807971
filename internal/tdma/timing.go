package tdma

import (
	"math"

	"github.com/sweeney/uwb-tdma/internal/config"
	"github.com/sweeney/uwb-tdma/internal/message"
	"github.com/sweeney/uwb-tdma/internal/protocol"
)

// Timing converts logical clock values into slot, frame and turn positions.
// All fields are seconds except the counts.
type Timing struct {
	NbTaskSlots int
	NbNodes     int

	TaskSlot       float64
	SyncSlot       float64
	SchedulingSlot float64

	Frame            float64
	SyncPeriod       float64
	SchedulingPeriod float64
	TaskPhase        float64

	DiscoveryInterval  int64
	LocalizationBudget float64

	// Wrap is the span of the clock carried in sync frames. Positions are
	// taken on the clock modulo Wrap, as peers see it.
	Wrap float64
}

// NewTiming derives the timing model from the protocol configuration.
func NewTiming(c config.TDMAConfig) Timing {
	return Timing{
		NbTaskSlots:        c.NbTaskSlots,
		NbNodes:            c.NbNodes,
		TaskSlot:           c.TaskSlot.Seconds(),
		SyncSlot:           c.SyncSlot.Seconds(),
		SchedulingSlot:     c.SchedulingSlot.Seconds(),
		Frame:              c.FrameDuration().Seconds(),
		SyncPeriod:         c.SyncPeriod.Seconds(),
		SchedulingPeriod:   c.SchedulingPeriod().Seconds(),
		TaskPhase:          c.TaskPhase().Seconds(),
		DiscoveryInterval:  int64(c.DiscoveryInterval),
		LocalizationBudget: c.LocalizationBudget.Seconds(),
		Wrap:               message.ClockModulus / message.ClockScale,
	}
}

func index(clock, width float64) int64 {
	return int64(math.Floor(clock / width))
}

// position splits clock into the wire epoch it falls in and the index of
// the width-long interval within that epoch. Intervals restart at every
// epoch, so two clocks equal on the wire share their positions; the last
// interval of an epoch is cut short. perEpoch is the interval count of a
// full epoch.
func (t Timing) position(clock, width float64) (epoch, k, perEpoch int64) {
	if t.Wrap <= 0 {
		return 0, index(clock, width), 0
	}
	epoch = int64(math.Floor(clock / t.Wrap))
	k = index(clock-float64(epoch)*t.Wrap, width)
	return epoch, k, int64(math.Ceil(t.Wrap / width))
}

// SlotNumber is a task slot count that increases by one at every slot
// boundary.
func (t Timing) SlotNumber(clock float64) int64 {
	epoch, k, per := t.position(clock, t.TaskSlot)
	return epoch*per + k
}

// Slot is the task slot within the current frame.
func (t Timing) Slot(clock float64) int {
	_, k, _ := t.position(clock, t.TaskSlot)
	return int(k % int64(t.NbTaskSlots))
}

// FrameNumber is a frame count that increases by one at every frame
// boundary.
func (t Timing) FrameNumber(clock float64) int64 {
	n := int64(t.NbTaskSlots)
	epoch, k, per := t.position(clock, t.TaskSlot)
	return epoch*((per+n-1)/n) + k/n
}

// SlotRemaining is the time left in the current task slot.
func (t Timing) SlotRemaining(clock float64) float64 {
	epoch, k, _ := t.position(clock, t.TaskSlot)
	base := float64(epoch) * t.Wrap
	end := float64(k+1) * t.TaskSlot
	if t.Wrap > 0 && end > t.Wrap {
		end = t.Wrap
	}
	return base + end - clock
}

// Turn returns the round-robin turn count for clock with turns width
// seconds long, and whether the turn belongs to id.
func (t Timing) Turn(clock, width float64, id protocol.DeviceID) (int64, bool) {
	epoch, k, per := t.position(clock, width)
	return epoch*per + k, k%int64(t.NbNodes) == int64(id)%int64(t.NbNodes)
}
