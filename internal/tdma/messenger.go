package tdma

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sweeney/uwb-tdma/internal/message"
	"github.com/sweeney/uwb-tdma/internal/metrics"
	"github.com/sweeney/uwb-tdma/internal/neighborhood"
	"github.com/sweeney/uwb-tdma/internal/protocol"
	"github.com/sweeney/uwb-tdma/internal/radio"
	"github.com/sweeney/uwb-tdma/internal/slots"
)

// seenCacheSize bounds the de-duplication cache, one entry per sender.
const seenCacheSize = 128

// minOutOfPhase is the floor of the out-of-phase sync frame limit.
const minOutOfPhase = 10

// MessengerConfig identifies the node to its messenger.
type MessengerConfig struct {
	ID      protocol.DeviceID
	TagBase protocol.DeviceID
	// Window is how long a repeat of a sender's last frame is ignored.
	Window time.Duration
}

type seenFrame struct {
	payload string
	at      time.Time
}

// Messenger owns all radio traffic of the protocol. It keeps the
// neighborhood fresh from every accepted frame and runs the slot handshake.
// Not safe for concurrent use; it is owned by the control loop.
type Messenger struct {
	cfg       MessengerConfig
	dev       radio.Transceiver
	neighbors *neighborhood.Table
	slots     *slots.Assignment
	now       func() time.Time
	rng       *rand.Rand
	metrics   *metrics.Metrics

	box  message.Box
	seen *lru.Cache[protocol.DeviceID, seenFrame]

	outOfPhase int

	received int
	dropped  int
	sent     int
}

// NewMessenger creates a messenger on dev. now is the node's time source.
func NewMessenger(cfg MessengerConfig, dev radio.Transceiver, nb *neighborhood.Table, sa *slots.Assignment, now func() time.Time, rng *rand.Rand, m *metrics.Metrics) *Messenger {
	seen, err := lru.New[protocol.DeviceID, seenFrame](seenCacheSize)
	if err != nil {
		panic(fmt.Sprintf("tdma: create de-dup cache: %v", err))
	}
	if now == nil {
		now = time.Now
	}
	return &Messenger{
		cfg:       cfg,
		dev:       dev,
		neighbors: nb,
		slots:     sa,
		now:       now,
		rng:       rng,
		metrics:   m,
		seen:      seen,
	}
}

// Reset drops queued control messages, the de-dup cache and the
// out-of-phase count. Called at the start of every cycle.
func (m *Messenger) Reset() {
	m.box.Clear()
	m.seen.Purge()
	m.outOfPhase = 0
}

// Pending returns the queued control messages, oldest first.
func (m *Messenger) Pending() []message.SlotControl {
	return m.box.Messages()
}

// Stats returns the frames received, dropped and sent so far.
func (m *Messenger) Stats() (received, dropped, sent int) {
	return m.received, m.dropped, m.sent
}

func (m *Messenger) send(msg message.Message) error {
	frame, err := message.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	if err := m.dev.SendBroadcast(frame); err != nil {
		return fmt.Errorf("broadcast %s: %w", msg.Kind(), err)
	}
	m.sent++
	m.metrics.RecordFrameSent(msg.Kind().String())
	return nil
}

// BroadcastSynchronization sends the node's logical clock.
func (m *Messenger) BroadcastSynchronization(clock float64, synced bool) error {
	return m.send(message.Sync{
		Sender: m.cfg.ID,
		Clock:  message.ClockTicks(clock),
		Synced: synced,
	})
}

// BroadcastControl resends the oldest queued control message or, when
// nothing is queued, proposes a slot and marks it claimed.
func (m *Messenger) BroadcastControl() error {
	if q, ok := m.box.Pop(); ok {
		return m.send(message.SlotControl{Sender: m.cfg.ID, Slot: q.Slot, Code: q.Code})
	}
	slot, ok := m.slots.Propose(m.cfg.ID, m.neighbors.Count(), m.rng)
	if !ok {
		return nil
	}
	return m.send(message.SlotControl{Sender: m.cfg.ID, Slot: slot, Code: message.CodeRequest})
}

// BroadcastTopology announces the current one-hop neighbors.
func (m *Messenger) BroadcastTopology() error {
	t, skipped := message.NewTopology(m.cfg.ID, m.neighbors.IDs(), m.cfg.TagBase)
	if skipped > 0 {
		log.Printf("tdma: %d neighbors do not fit the topology bitmap", skipped)
	}
	return m.send(t)
}

// Receive pulls at most one frame and applies it. msg is nil when nothing
// was accepted. backToSync is set when more out-of-phase sync frames have
// arrived than the neighborhood can explain; the count then starts over.
func (m *Messenger) Receive(state protocol.State) (msg message.Message, backToSync bool) {
	sender, frame, ok, err := m.dev.TryReceive()
	if err != nil {
		log.Printf("tdma: receive: %v", err)
		m.drop("radio")
		return nil, false
	}
	if !ok {
		return nil, false
	}

	msg, err = message.Decode(sender, frame)
	switch {
	case errors.Is(err, message.ErrSignature):
		m.drop("signature")
		return nil, false
	case err != nil:
		m.drop("length")
		return nil, false
	case sender == radio.Broadcast || sender == m.cfg.ID:
		m.drop("sender")
		return nil, false
	case m.duplicate(sender, frame):
		m.drop("duplicate")
		return nil, false
	}
	m.received++
	m.metrics.RecordFrameReceived(msg.Kind().String())

	now := m.now()
	switch v := msg.(type) {
	case message.Sync:
		m.neighbors.Add(sender, now, protocol.StateSynchronization, nil)
		if state != protocol.StateSynchronization {
			m.outOfPhase++
			limit := 3 * m.neighbors.Count()
			if limit < minOutOfPhase {
				limit = minOutOfPhase
			}
			if m.outOfPhase > limit {
				log.Printf("tdma: %d sync frames outside synchronization, resynchronizing", m.outOfPhase)
				m.outOfPhase = 0
				return msg, true
			}
		}
	case message.SlotControl:
		m.neighbors.Add(sender, now, protocol.StateScheduling, nil)
		m.HandleSlotControl(v)
	case message.Topology:
		m.neighbors.Add(sender, now, protocol.StateTask, v.Neighbors(m.cfg.TagBase))
	}
	return msg, false
}

func (m *Messenger) drop(reason string) {
	m.dropped++
	m.metrics.RecordFrameDropped(reason)
}

// duplicate reports whether frame repeats the last frame from sender within
// the window. Repeats do not extend the window.
func (m *Messenger) duplicate(sender protocol.DeviceID, frame []byte) bool {
	now := m.now()
	payload := string(frame)
	if prev, ok := m.seen.Get(sender); ok && prev.payload == payload && now.Sub(prev.at) < m.cfg.Window {
		return true
	}
	m.seen.Add(sender, seenFrame{payload: payload, at: now})
	return false
}

// HandleSlotControl applies one slot request, rejection or correction.
// Slots outside the frame are dropped before anything is touched.
func (m *Messenger) HandleSlotControl(sc message.SlotControl) {
	if !m.slots.InRange(sc.Slot) {
		m.drop("slot_range")
		return
	}
	self := message.ShortID(m.cfg.ID)
	granted := m.slots.ReceiveList[sc.Slot]

	switch {
	case sc.IsRequest():
		m.handleRequest(sc)
	case sc.Code == self:
		m.handleFeedback(sc)
	case granted != slots.Unused && sc.Code == message.ShortID(protocol.DeviceID(granted)):
		m.slots.ClearGrant(sc.Slot)
	}
}

func (m *Messenger) handleRequest(sc message.SlotControl) {
	switch {
	case !m.slots.Blocked(sc.Slot):
		m.slots.Grant(sc.Slot, sc.Sender)
	case m.slots.SendList[sc.Slot] == slots.Withdrawn:
		// Grant a slot this node gave up. SendList stays Withdrawn, so if
		// the grant is corrected later the slot returns as subpriority
		// rather than free.
		m.slots.Grant(sc.Slot, sc.Sender)
	case m.slots.ReceiveList[sc.Slot] != int(sc.Sender):
		reject := message.SlotControl{Sender: m.cfg.ID, Slot: sc.Slot, Code: message.ShortID(sc.Sender)}
		if m.box.PushUnique(reject) {
			log.Printf("tdma: rejecting %s request for slot %d", sc.Sender, sc.Slot)
		}
	}
}

// handleFeedback withdraws this node's proposal for the slot. Rejections
// this node queued for the same slot are dropped so the other claimant keeps
// it, and the feedback is queued for resend so peers that granted the slot
// to this node correct their grant.
func (m *Messenger) handleFeedback(sc message.SlotControl) {
	self := message.ShortID(m.cfg.ID)
	if m.slots.SendList[sc.Slot] != slots.Withdrawn {
		log.Printf("tdma: proposal for slot %d rejected by %s", sc.Slot, sc.Sender)
	}
	m.slots.Withdraw(sc.Slot)
	m.box.Remove(func(q message.SlotControl) bool {
		return q.Slot == sc.Slot && q.Code != self
	})
	m.box.PushUnique(sc)
}
