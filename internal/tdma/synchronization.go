package tdma

import (
	"log"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/sweeney/uwb-tdma/internal/message"
	"github.com/sweeney/uwb-tdma/internal/protocol"
)

// Synchronization aligns the logical clock with every neighbor.
//
// Offsets larger than the jump threshold are applied at once, but only
// forwards: a peer that is far behind will jump to us when it hears our next
// frame. Smaller offsets are collected until every neighbor has reported
// one, then their average over neighbors+1 is applied, counting this node as
// a zero vote. The node is synchronized while the mean absolute offset of
// the last round is under the sync threshold.
//
// The averaged corrections also feed the clock's rate offset: their sum over
// at least driftWindow seconds is the drift left uncorrected by the current
// rate. Jumps restart the estimate.
type Synchronization struct {
	c *core

	enteredAt float64
	lastTurn  int64
	pending   map[protocol.DeviceID]float64
	streak    int

	driftMark  float64
	driftAccum float64
}

const (
	driftWindow   = 1.0
	driftGain     = 0.1
	maxRateOffset = 100e-6
)

func (s *Synchronization) enter(protocol.State) {
	c := s.c
	s.enteredAt = c.clock.Now()
	s.lastTurn = -1
	s.pending = make(map[protocol.DeviceID]float64)
	s.streak = 0

	c.synced = false
	c.meanOffset = 0
	c.slots.Reset()
	c.messenger.Reset()
	c.neighbors.ResetSynced()
	c.neighbors.CollectGarbage(c.now())
}

// Execute exchanges clocks for one tick.
func (s *Synchronization) Execute() protocol.State {
	c := s.c

	msg, _ := c.messenger.Receive(protocol.StateSynchronization)
	if m, ok := msg.(message.Sync); ok {
		s.handle(m)
	}

	now := c.clock.Now()
	if turn, mine := c.timing.Turn(now, c.timing.SyncSlot, c.id); mine && turn != s.lastTurn {
		s.lastTurn = turn
		if err := c.messenger.BroadcastSynchronization(now, c.synced); err != nil {
			log.Printf("tdma: %v", err)
		}
	}

	c.neighbors.CollectGarbage(c.now())
	c.metrics.SetClock(now, c.meanOffset)

	if c.neighbors.IsAlone() {
		c.synced = true
		return s.leave()
	}

	neighborsSynced := c.neighbors.AreNeighborsSynced()
	if neighborsSynced && c.synced {
		s.streak++
	} else {
		s.streak = 0
	}

	elapsed := now - s.enteredAt
	if neighborsSynced && (s.streak >= c.cfg.StableSyncCycles || elapsed >= c.timing.SyncPeriod) {
		return s.leave()
	}
	if elapsed >= 2*c.timing.SyncPeriod {
		log.Printf("tdma: %d of %d neighbors synchronized after %.1fs, scheduling anyway",
			c.neighbors.SyncedNeighbors(), c.neighbors.Count(), elapsed)
		return s.leave()
	}
	return protocol.StateSynchronization
}

// handle processes one sync frame. A peer more than the jump threshold
// behind is recorded in the metrics and not followed; it jumps forward to
// this node when it hears our next frame.
func (s *Synchronization) handle(m message.Sync) {
	c := s.c
	if m.Synced {
		c.neighbors.AddSynced(m.Sender)
	} else {
		c.neighbors.RemoveSynced(m.Sender)
	}

	offset := message.ClockOffset(m.Clock, message.ClockTicks(c.clock.Now()))
	switch {
	case offset > c.cfg.JumpThreshold:
		c.clock.ApplyOffset(offset)
		c.metrics.RecordClockCorrection("jump")
		log.Printf("tdma: clock jump %+.3fs to %s", offset, m.Sender)
		s.pending = make(map[protocol.DeviceID]float64)
		s.driftMark = -1
		c.synced = false
	case offset < -c.cfg.JumpThreshold:
		c.metrics.RecordClockCorrection("ignored")
	default:
		s.pending[m.Sender] = offset
		s.average()
	}
}

// average applies the collaborative correction once every current neighbor
// has contributed an offset.
func (s *Synchronization) average() {
	c := s.c
	ids := c.neighbors.IDs()
	if len(ids) == 0 {
		return
	}
	offsets := make([]float64, 0, len(ids))
	for _, id := range ids {
		o, ok := s.pending[id]
		if !ok {
			return
		}
		offsets = append(offsets, o)
	}

	before := c.clock.Now()
	correction := floats.Sum(offsets) / float64(len(offsets)+1)
	c.clock.ApplyOffset(correction)
	c.metrics.RecordClockCorrection("average")
	s.trackDrift(before, correction)

	abs := make([]float64, len(offsets))
	for i, o := range offsets {
		abs[i] = math.Abs(o)
	}
	c.meanOffset = stat.Mean(abs, nil)
	c.synced = c.meanOffset < c.cfg.SyncThreshold
	s.pending = make(map[protocol.DeviceID]float64)
}

// trackDrift accumulates a correction applied at logical time at and
// adjusts the rate offset once the accumulation spans driftWindow.
func (s *Synchronization) trackDrift(at, correction float64) {
	c := s.c
	if s.driftMark < 0 {
		s.driftMark = c.clock.Now()
		s.driftAccum = 0
		return
	}
	s.driftAccum += correction
	dt := at - s.driftMark
	if dt < driftWindow {
		return
	}
	rate := c.clock.RateOffset() + driftGain*s.driftAccum/dt
	c.clock.SetRateOffset(math.Max(-maxRateOffset, math.Min(maxRateOffset, rate)))
	s.driftMark = c.clock.Now()
	s.driftAccum = 0
}

// leave hands over to Scheduling. The slot table was cleared on entry; any
// request heard since then comes from a neighbor already negotiating this
// cycle and is kept, along with the rejections queued for it.
func (s *Synchronization) leave() protocol.State {
	s.pending = make(map[protocol.DeviceID]float64)
	return protocol.StateScheduling
}
