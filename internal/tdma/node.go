// Package tdma is the node's MAC protocol: a state machine that
// synchronizes a logical clock with its neighbors, negotiates collision-free
// send slots without a coordinator, and does localization work in the slots
// it owns.
//
// A Node is driven by calling Step once per control-loop tick. Nothing in
// the package blocks; radio reads are polled.
package tdma

import (
	"log"
	"math/rand"
	"time"

	"github.com/sweeney/uwb-tdma/internal/clock"
	"github.com/sweeney/uwb-tdma/internal/config"
	"github.com/sweeney/uwb-tdma/internal/estimator"
	"github.com/sweeney/uwb-tdma/internal/metrics"
	"github.com/sweeney/uwb-tdma/internal/neighborhood"
	"github.com/sweeney/uwb-tdma/internal/protocol"
	"github.com/sweeney/uwb-tdma/internal/radio"
	"github.com/sweeney/uwb-tdma/internal/slots"
	"github.com/sweeney/uwb-tdma/internal/status"
)

// Options configures a Node.
type Options struct {
	ID     protocol.DeviceID
	Config config.Config
	Device radio.Device
	// Updates receives localization results; nil discards them.
	Updates *estimator.Queue
	Metrics *metrics.Metrics
	// Now is the hardware time source; nil selects time.Now.
	Now func() time.Time
	// Rand drives slot proposals and target choice; nil seeds one from
	// Config.TDMA.Seed, or from the time and node id when that is 0.
	Rand *rand.Rand
}

// Node owns one instance of every protocol component and runs the state
// machine over them.
// Not safe for concurrent use; Step and Status must be called from the
// control loop.
type Node struct {
	c       *core
	states  map[protocol.State]state
	current protocol.State

	transitions int
	cycles      int
}

// NewNode builds a node in the Initialization state.
func NewNode(o Options) *Node {
	now := o.Now
	if now == nil {
		now = time.Now
	}
	rng := o.Rand
	if rng == nil {
		seed := o.Config.TDMA.Seed
		if seed == 0 {
			seed = time.Now().UnixNano() ^ int64(o.ID)
		}
		rng = rand.New(rand.NewSource(seed))
	}

	tc := o.Config.TDMA
	anchors := make(map[protocol.DeviceID]protocol.Coordinates)
	for _, a := range o.Config.AnchorTable() {
		anchors[a.ID] = a.Position
	}

	nb := neighborhood.New(tc.ObsolescenceDelay)
	sa := slots.New(tc.NbTaskSlots)
	c := &core{
		id:        o.ID,
		cfg:       tc,
		timing:    NewTiming(tc),
		anchors:   anchors,
		clock:     clock.New(now),
		neighbors: nb,
		slots:     sa,
		messenger: NewMessenger(MessengerConfig{
			ID:      o.ID,
			TagBase: protocol.DeviceID(tc.TagBase),
			Window:  tc.SyncSlot,
		}, o.Device, nb, sa, now, rng, o.Metrics),
		dev:           o.Device,
		updates:       o.Updates,
		metrics:       o.Metrics,
		now:           now,
		rng:           rng,
		lastTaskSlot:  -1,
		lastDiscovery: -1,
	}

	n := &Node{
		c: c,
		states: map[protocol.State]state{
			protocol.StateInitialization:  &Initialization{c: c},
			protocol.StateSynchronization: &Synchronization{c: c, driftMark: -1},
			protocol.StateScheduling:      &Scheduling{c: c},
			protocol.StateListen:          &Listen{c: c},
			protocol.StateTask:            &Task{c: c},
		},
		current: protocol.StateInitialization,
	}
	return n
}

// State returns the active protocol state.
func (n *Node) State() protocol.State {
	return n.current
}

// ID returns the node's device id.
func (n *Node) ID() protocol.DeviceID {
	return n.c.id
}

// Step advances the logical clock and executes the active state once.
// It returns the state that will run on the next step.
func (n *Node) Step() protocol.State {
	n.c.clock.Advance()
	next := n.states[n.current].Execute()
	if next != n.current {
		n.transition(next)
	}
	n.c.metrics.SetNeighborhood(n.c.neighbors.Count(), n.c.neighbors.SyncedNeighbors())
	return n.current
}

func (n *Node) transition(next protocol.State) {
	prev := n.current
	n.transitions++
	n.c.metrics.RecordTransition(prev.String(), next.String())

	switch {
	case next == protocol.StateSynchronization && (prev == protocol.StateListen || prev == protocol.StateTask):
		n.cycles++
		log.Printf("tdma: cycle %d complete at %.3fs, resynchronizing", n.cycles, n.c.clock.Now())
	case prev == protocol.StateListen || prev == protocol.StateTask:
		// Listen and Task alternate every slot; not worth a log line.
	default:
		log.Printf("tdma: %s -> %s at %.3fs", prev, next, n.c.clock.Now())
	}

	n.current = next
	n.states[next].enter(prev)
}

// Status returns a snapshot of the protocol for the status page.
func (n *Node) Status() status.Protocol {
	c := n.c
	now := c.clock.Now()

	recs := c.neighbors.Records()
	neighbors := make([]status.Neighbor, len(recs))
	for i, r := range recs {
		neighbors[i] = status.Neighbor{
			ID:     r.ID,
			State:  r.State,
			Synced: c.neighbors.SyncedCount(r.ID) > neighborhood.MinSyncedCount,
		}
	}
	anchors := make([]protocol.DeviceID, len(c.visible))
	for i, a := range c.visible {
		anchors[i] = a.ID
	}
	received, dropped, sent := c.messenger.Stats()

	return status.Protocol{
		State:     n.current,
		Clock:     now,
		Synced:    c.synced,
		Frame:     c.timing.FrameNumber(now),
		Slot:      c.timing.Slot(now),
		Neighbors: neighbors,
		SendSlots: c.slots.PureSendList(),
		Anchors:   anchors,
		Counts: status.Counts{
			Cycles:         n.cycles,
			Transitions:    n.transitions,
			FramesReceived: received,
			FramesDropped:  dropped,
			FramesSent:     sent,
			Updates:        c.updateCount,
		},
	}
}
