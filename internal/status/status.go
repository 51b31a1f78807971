// Package status provides a thread-safe view of a running node for the HTTP
// server and the MQTT heartbeat.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/uwb-tdma/internal/protocol"
)

// Config contains daemon configuration for display.
type Config struct {
	NodeID       protocol.DeviceID
	RunID        string
	Port         string
	Firmware     string
	Broker       string
	HTTPAddr     string
	HeartbeatMs  int64
	NbTaskSlots  int
	TaskSlotMs   int64
	SyncPeriodMs int64
}

// Neighbor is one entry of the neighbor table.
type Neighbor struct {
	ID     protocol.DeviceID
	State  protocol.State
	Synced bool
}

// Counts are running totals since startup.
type Counts struct {
	Cycles         int
	Transitions    int
	FramesReceived int
	FramesDropped  int
	FramesSent     int
	Updates        int
	RadioResets    int
}

// Protocol is the live protocol state published by the control loop.
type Protocol struct {
	State     protocol.State
	Clock     float64
	Synced    bool
	Frame     int64
	Slot      int
	Neighbors []Neighbor
	SendSlots []int
	Anchors   []protocol.DeviceID
	Counts    Counts
}

// HostInfo is a sample of host health.
type HostInfo struct {
	Load1          float64
	Load5          float64
	Load15         float64
	MemUsedPercent float64
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Protocol      Protocol
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Host          *HostInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// Update replaces the protocol view. Called from runLoop on every tick.
// The slices in p must not be modified afterwards.
func (t *Tracker) Update(p Protocol) {
	t.mu.Lock()
	t.snap.Protocol = p
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetHost sets the latest host sample.
func (t *Tracker) SetHost(info *HostInfo) {
	t.mu.Lock()
	t.snap.Host = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
