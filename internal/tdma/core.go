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
)

// core is the set of components every state works on.
type core struct {
	id      protocol.DeviceID
	cfg     config.TDMAConfig
	timing  Timing
	anchors map[protocol.DeviceID]protocol.Coordinates

	clock     *clock.Logical
	neighbors *neighborhood.Table
	slots     *slots.Assignment
	messenger *Messenger
	dev       radio.Device
	updates   *estimator.Queue
	metrics   *metrics.Metrics
	now       func() time.Time
	rng       *rand.Rand

	synced     bool
	meanOffset float64

	// cycleStart is the logical time the current task phase began.
	cycleStart float64
	// announced is set once this cycle's topology broadcast went out.
	announced     bool
	lastTaskSlot  int64
	lastDiscovery int64
	visible       []protocol.Anchor

	updateCount int
}

// discover refreshes the visible anchors and seeds the neighborhood with
// every tag in range. Tags already known keep their believed state.
func (c *core) discover() {
	if err := c.dev.ClearDevices(); err != nil {
		log.Printf("tdma: clear devices: %v", err)
	}
	ids, err := c.dev.Discover(radio.FilterAll)
	if err != nil {
		log.Printf("tdma: discover: %v", err)
		return
	}

	now := c.now()
	var visible []protocol.Anchor
	tags := 0
	for _, id := range ids {
		if pos, ok := c.anchors[id]; ok {
			visible = append(visible, protocol.Anchor{ID: id, Position: pos})
			continue
		}
		if id == c.id || id == radio.Broadcast {
			continue
		}
		state := protocol.StateInitialization
		if rec, ok := c.neighbors.Get(id); ok {
			state = rec.State
		}
		c.neighbors.Add(id, now, state, nil)
		tags++
	}
	c.visible = visible
	log.Printf("tdma: discovered %d anchors, %d tags", len(visible), tags)
}

// localize makes one measurement and queues it for the estimator:
// a trilateration fix with three or more visible anchors, otherwise a
// range to a random anchor, or to a random tag when no anchor is visible.
// Nothing is queued unless the heading was read too. Tags have no known
// position, so a range to a tag carries no reference.
func (c *core) localize(at float64) {
	topology := c.neighbors.IDs()

	if len(c.visible) >= 3 {
		pos, err := c.dev.Position(c.visible)
		if err != nil {
			log.Printf("tdma: positioning: %v", err)
			return
		}
		// The transceiver reports the origin when it could not get a fix.
		if pos == (protocol.Coordinates{}) {
			return
		}
		yaw, ok := c.heading()
		if !ok {
			return
		}
		c.push(estimator.NewTrilateration(c.id, at, c.meanOffset, yaw, pos, topology))
		return
	}

	var target protocol.DeviceID
	var reference *protocol.Coordinates
	switch {
	case len(c.visible) > 0:
		a := c.visible[c.rng.Intn(len(c.visible))]
		target, reference = a.ID, &a.Position
	case len(topology) > 0:
		target = topology[c.rng.Intn(len(topology))]
	default:
		return
	}
	r, err := c.dev.Range(target)
	if err != nil {
		log.Printf("tdma: range %s: %v", target, err)
		return
	}
	yaw, ok := c.heading()
	if !ok {
		return
	}
	c.push(estimator.NewRanging(c.id, at, c.meanOffset, yaw, target, r.Distance, reference, topology))
}

func (c *core) heading() (float64, bool) {
	yaw, err := c.dev.Heading()
	if err != nil {
		log.Printf("tdma: read heading: %v", err)
		return 0, false
	}
	return yaw, true
}

func (c *core) push(u estimator.Update) {
	if c.updates == nil {
		return
	}
	c.updates.Push(u)
	c.updateCount++
}
