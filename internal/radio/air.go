package radio

import (
	"math"
	"sort"
	"sync"

	"github.com/sweeney/uwb-tdma/internal/protocol"
)

// Air is a simulated shared radio medium. Every attached device hears every
// broadcast of every other attached device unless Drop says otherwise.
// Anchors answer discovery and ranging but never transmit.
type Air struct {
	mu      sync.Mutex
	nodes   map[protocol.DeviceID]*AirDevice
	anchors map[protocol.DeviceID]protocol.Coordinates

	// Drop, if set, decides per receiver whether a frame is lost.
	Drop func(from, to protocol.DeviceID, frame []byte) bool
}

// NewAir creates an empty medium.
func NewAir() *Air {
	return &Air{
		nodes:   make(map[protocol.DeviceID]*AirDevice),
		anchors: make(map[protocol.DeviceID]protocol.Coordinates),
	}
}

// AddAnchor places a fixed anchor in the medium.
func (a *Air) AddAnchor(anchor protocol.Anchor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.anchors[anchor.ID] = anchor.Position
}

// Attach adds a node at pos and returns its device.
func (a *Air) Attach(id protocol.DeviceID, pos protocol.Coordinates) *AirDevice {
	a.mu.Lock()
	defer a.mu.Unlock()
	d := &AirDevice{air: a, id: id, pos: pos}
	a.nodes[id] = d
	return d
}

// Detach removes a node; it stops hearing and being heard.
func (a *Air) Detach(id protocol.DeviceID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.nodes, id)
}

func (a *Air) deliver(from, to protocol.DeviceID, frame []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, d := range a.nodes {
		if id == from || (to != Broadcast && to != id) {
			continue
		}
		if a.Drop != nil && a.Drop(from, id, frame) {
			continue
		}
		d.inbox = append(d.inbox, Frame{Sender: from, To: to, Data: append([]byte(nil), frame...)})
	}
}

func (a *Air) position(id protocol.DeviceID) (protocol.Coordinates, bool) {
	if p, ok := a.anchors[id]; ok {
		return p, true
	}
	if d, ok := a.nodes[id]; ok {
		return d.pos, true
	}
	return protocol.Coordinates{}, false
}

// AirDevice is one node's transceiver on an Air.
type AirDevice struct {
	air   *Air
	id    protocol.DeviceID
	pos   protocol.Coordinates
	inbox []Frame

	// Sent counts frames this device transmitted.
	Sent   int
	Resets int
	Closed bool
}

// ID returns the device's network id.
func (d *AirDevice) ID() protocol.DeviceID {
	return d.id
}

func (d *AirDevice) SendBroadcast(frame []byte) error {
	return d.SendTo(Broadcast, frame)
}

func (d *AirDevice) SendTo(id protocol.DeviceID, frame []byte) error {
	d.air.mu.Lock()
	d.Sent++
	d.air.mu.Unlock()
	d.air.deliver(d.id, id, frame)
	return nil
}

func (d *AirDevice) TryReceive() (protocol.DeviceID, []byte, bool, error) {
	d.air.mu.Lock()
	defer d.air.mu.Unlock()
	if len(d.inbox) == 0 {
		return 0, nil, false, nil
	}
	fr := d.inbox[0]
	d.inbox = d.inbox[1:]
	return fr.Sender, fr.Data, true, nil
}

// Discover lists anchors and attached nodes other than d, in id order.
func (d *AirDevice) Discover(filter Filter) ([]protocol.DeviceID, error) {
	d.air.mu.Lock()
	defer d.air.mu.Unlock()
	var out []protocol.DeviceID
	if filter != FilterTags {
		for id := range d.air.anchors {
			out = append(out, id)
		}
	}
	if filter != FilterAnchors {
		for id := range d.air.nodes {
			if id != d.id {
				out = append(out, id)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (d *AirDevice) ClearDevices() error {
	return nil
}

// Range returns the straight-line distance to target.
func (d *AirDevice) Range(target protocol.DeviceID) (Range, error) {
	d.air.mu.Lock()
	defer d.air.mu.Unlock()
	p, ok := d.air.position(target)
	if !ok {
		return Range{}, ErrNoDevice
	}
	dx := float64(p.X - d.pos.X)
	dy := float64(p.Y - d.pos.Y)
	dz := float64(p.Z - d.pos.Z)
	return Range{
		Target:   target,
		Distance: int32(math.Round(math.Sqrt(dx*dx + dy*dy + dz*dz))),
		RSSI:     -80,
	}, nil
}

// Position returns the node's true position when at least three of the
// given anchors exist in the medium.
func (d *AirDevice) Position(anchors []protocol.Anchor) (protocol.Coordinates, error) {
	d.air.mu.Lock()
	defer d.air.mu.Unlock()
	known := 0
	for _, a := range anchors {
		if _, ok := d.air.anchors[a.ID]; ok {
			known++
		}
	}
	if known < 3 {
		return protocol.Coordinates{}, ErrNoDevice
	}
	return d.pos, nil
}

// Heading is always north.
func (d *AirDevice) Heading() (float64, error) {
	return 0, nil
}

func (d *AirDevice) Info() (Info, error) {
	return Info{WhoAmI: 0x43, Firmware: "1.1", NetworkID: d.id}, nil
}

func (d *AirDevice) Reset() error {
	d.air.mu.Lock()
	defer d.air.mu.Unlock()
	d.Resets++
	d.inbox = nil
	return nil
}

func (d *AirDevice) Close() error {
	d.air.Detach(d.id)
	d.Closed = true
	return nil
}
