package tdma

import (
	"log"

	"github.com/sweeney/uwb-tdma/internal/protocol"
)

// state is one step function of the protocol state machine. enter runs when
// the node switches into the state; Execute runs once per loop tick and
// returns the state for the next tick.
type state interface {
	enter(from protocol.State)
	Execute() protocol.State
}

// maxFlush bounds how many stale frames Initialization drains.
const maxFlush = 64

// Initialization prepares the transceiver and seeds the neighborhood.
type Initialization struct {
	c *core
}

func (s *Initialization) enter(protocol.State) {}

// Execute always moves on to Synchronization.
func (s *Initialization) Execute() protocol.State {
	c := s.c
	c.neighbors.Clear()
	for i := 0; i < maxFlush; i++ {
		_, _, ok, err := c.dev.TryReceive()
		if err != nil {
			log.Printf("tdma: flush receive buffer: %v", err)
			break
		}
		if !ok {
			break
		}
	}
	c.discover()
	return protocol.StateSynchronization
}

// Scheduling negotiates send slots. Each node broadcasts on its round-robin
// turn and listens on everyone else's.
type Scheduling struct {
	c *core

	enteredAt float64
	lastTurn  int64
	hadTurn   bool
}

func (s *Scheduling) enter(protocol.State) {
	s.enteredAt = s.c.clock.Now()
	s.lastTurn = -1
	s.hadTurn = false
}

// Execute runs one negotiation tick.
func (s *Scheduling) Execute() protocol.State {
	c := s.c
	now := c.clock.Now()

	if c.neighbors.IsAlone() {
		n := len(c.slots.SelfAssign(c.id))
		log.Printf("tdma: alone, self-assigned %d of %d slots", n, c.slots.Len())
		c.metrics.SetSendSlots(n)
		return protocol.StateListen
	}

	if turn, mine := c.timing.Turn(now, c.timing.SchedulingSlot, c.id); mine {
		if turn != s.lastTurn {
			s.lastTurn = turn
			s.hadTurn = true
			if err := c.messenger.BroadcastControl(); err != nil {
				log.Printf("tdma: %v", err)
			}
		}
	} else if _, back := c.messenger.Receive(protocol.StateScheduling); back {
		return protocol.StateSynchronization
	}
	c.metrics.SetSendSlots(len(c.slots.PureSendList()))

	if now-s.enteredAt >= c.timing.SchedulingPeriod {
		return s.leave("budget elapsed")
	}
	if s.hadTurn &&
		c.neighbors.IsAloneInState(protocol.StateSynchronization) &&
		c.neighbors.IsAloneInState(protocol.StateScheduling) {
		return s.leave("no neighbor contending")
	}
	return protocol.StateScheduling
}

func (s *Scheduling) leave(reason string) protocol.State {
	log.Printf("tdma: scheduling done (%s): %s", reason, s.c.slots)
	return protocol.StateListen
}

// Listen receives until one of this node's send slots comes up or the task
// phase is over.
type Listen struct {
	c *core
}

func (s *Listen) enter(from protocol.State) {
	if from == protocol.StateScheduling {
		s.c.cycleStart = s.c.clock.Now()
		s.c.announced = false
	}
}

// Execute runs one listening tick.
func (s *Listen) Execute() protocol.State {
	c := s.c
	now := c.clock.Now()

	if now-c.cycleStart >= c.timing.TaskPhase {
		return protocol.StateSynchronization
	}
	if _, back := c.messenger.Receive(protocol.StateListen); back {
		return protocol.StateSynchronization
	}
	if c.slots.IsSendSlot(c.timing.Slot(now)) && c.timing.SlotNumber(now) != c.lastTaskSlot {
		return protocol.StateTask
	}
	return protocol.StateListen
}

// Task does the node's work for one send slot: occasional discovery, the
// topology announcement and one localization attempt.
type Task struct {
	c *core

	slot int64
	done bool
}

func (s *Task) enter(protocol.State) {
	s.slot = s.c.timing.SlotNumber(s.c.clock.Now())
	s.done = false
	s.c.lastTaskSlot = s.slot
}

// Execute works once per slot and returns to Listen when the slot is over.
func (s *Task) Execute() protocol.State {
	c := s.c
	now := c.clock.Now()

	if c.timing.SlotNumber(now) != s.slot {
		return protocol.StateListen
	}
	if s.done {
		if _, back := c.messenger.Receive(protocol.StateTask); back {
			return protocol.StateSynchronization
		}
		return protocol.StateTask
	}
	s.done = true

	frame := c.timing.FrameNumber(now)
	if c.lastDiscovery < 0 || frame-c.lastDiscovery >= c.timing.DiscoveryInterval {
		c.lastDiscovery = frame
		c.discover()
		c.neighbors.CollectGarbage(c.now())
	}

	if changed := c.neighbors.ConsumeChanged(); changed || !c.announced {
		c.announced = true
		if err := c.messenger.BroadcastTopology(); err != nil {
			log.Printf("tdma: %v", err)
		}
	}

	if c.timing.SlotRemaining(c.clock.Now()) >= c.timing.LocalizationBudget {
		c.localize(now)
	}
	return protocol.StateTask
}
