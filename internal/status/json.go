package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string         `json:"event,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	NodeID        string         `json:"node_id"`
	RunID         string         `json:"run_id,omitempty"`
	State         string         `json:"state"`
	Clock         float64        `json:"clock"`
	Synced        bool           `json:"synced"`
	Frame         int64          `json:"frame"`
	Slot          int            `json:"slot"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	StartTime     string         `json:"start_time"`
	Timestamp     string         `json:"timestamp"`
	Neighbors     []NeighborJSON `json:"neighbors"`
	SendSlots     []int          `json:"send_slots"`
	Anchors       []string       `json:"anchors"`
	Counts        CountsJSON     `json:"counts"`
	MQTT          MQTTStatus     `json:"mqtt"`
	Host          *HostJSON      `json:"host,omitempty"`
	Config        ConfigJSON     `json:"config"`
}

// NeighborJSON is the JSON representation of a neighbor.
type NeighborJSON struct {
	ID     string `json:"id"`
	State  string `json:"state"`
	Synced bool   `json:"synced"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of running totals.
type CountsJSON struct {
	Cycles         int `json:"cycles"`
	Transitions    int `json:"transitions"`
	FramesReceived int `json:"frames_received"`
	FramesDropped  int `json:"frames_dropped"`
	FramesSent     int `json:"frames_sent"`
	Updates        int `json:"updates"`
	RadioResets    int `json:"radio_resets"`
}

// HostJSON is the JSON representation of host health.
type HostJSON struct {
	Load1          float64 `json:"load1"`
	Load5          float64 `json:"load5"`
	Load15         float64 `json:"load15"`
	MemUsedPercent float64 `json:"mem_used_percent"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	Port         string `json:"port"`
	Firmware     string `json:"firmware,omitempty"`
	Broker       string `json:"broker"`
	HTTPAddr     string `json:"http_addr"`
	HeartbeatMs  int64  `json:"heartbeat_ms"`
	NbTaskSlots  int    `json:"nb_task_slots"`
	TaskSlotMs   int64  `json:"task_slot_ms"`
	SyncPeriodMs int64  `json:"sync_period_ms"`
}

func buildInner(snap Snapshot) StatusInner {
	p := snap.Protocol

	neighbors := make([]NeighborJSON, len(p.Neighbors))
	for i, n := range p.Neighbors {
		neighbors[i] = NeighborJSON{ID: n.ID.String(), State: n.State.String(), Synced: n.Synced}
	}
	anchors := make([]string, len(p.Anchors))
	for i, id := range p.Anchors {
		anchors[i] = id.String()
	}
	sendSlots := p.SendSlots
	if sendSlots == nil {
		sendSlots = []int{}
	}

	inner := StatusInner{
		NodeID:        snap.Config.NodeID.String(),
		RunID:         snap.Config.RunID,
		State:         p.State.String(),
		Clock:         p.Clock,
		Synced:        p.Synced,
		Frame:         p.Frame,
		Slot:          p.Slot,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		Neighbors:     neighbors,
		SendSlots:     sendSlots,
		Anchors:       anchors,
		Counts:        CountsJSON(p.Counts),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Config: ConfigJSON{
			Port:         snap.Config.Port,
			Firmware:     snap.Config.Firmware,
			Broker:       snap.Config.Broker,
			HTTPAddr:     snap.Config.HTTPAddr,
			HeartbeatMs:  snap.Config.HeartbeatMs,
			NbTaskSlots:  snap.Config.NbTaskSlots,
			TaskSlotMs:   snap.Config.TaskSlotMs,
			SyncPeriodMs: snap.Config.SyncPeriodMs,
		},
	}
	if snap.Host != nil {
		h := HostJSON(*snap.Host)
		inner.Host = &h
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
