package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/sweeney/uwb-tdma/internal/config"
	"github.com/sweeney/uwb-tdma/internal/mqtt"
	"github.com/sweeney/uwb-tdma/internal/protocol"
	"github.com/sweeney/uwb-tdma/internal/radio"
	"github.com/sweeney/uwb-tdma/internal/status"
	"github.com/sweeney/uwb-tdma/internal/tdma"
)

// --- flag tests ---

func TestParseFlagsDefaults(t *testing.T) {
	cfg, printDevices, err := parseFlags(nil)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if printDevices {
		t.Error("print-devices should default to false")
	}
	def := config.Default()
	if cfg.MQTT.Broker != def.MQTT.Broker {
		t.Errorf("Broker: got %q, want %q", cfg.MQTT.Broker, def.MQTT.Broker)
	}
	if cfg.Radio.ResetPin != -1 {
		t.Errorf("ResetPin: got %d, want -1", cfg.Radio.ResetPin)
	}
	if cfg.NodeID != 0 {
		t.Errorf("NodeID: got %#x, want 0", cfg.NodeID)
	}
}

func TestParseFlagsOverrides(t *testing.T) {
	cfg, printDevices, err := parseFlags([]string{
		"--node-id", "0x6002",
		"--broker", "tcp://10.0.0.5:1883",
		"--http", "",
		"--heartbeat", "1m",
		"--reset-pin", "17",
		"--port", "/dev/ttyACM1",
		"--baud", "230400",
		"--print-devices",
	})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if !printDevices {
		t.Error("expected print-devices")
	}
	if cfg.NodeID != 0x6002 {
		t.Errorf("NodeID: got %#x, want 0x6002", cfg.NodeID)
	}
	if cfg.MQTT.Broker != "tcp://10.0.0.5:1883" {
		t.Errorf("Broker: got %q", cfg.MQTT.Broker)
	}
	if cfg.HTTP.Addr != "" {
		t.Errorf("HTTP.Addr: got %q, want empty", cfg.HTTP.Addr)
	}
	if cfg.MQTT.Heartbeat != time.Minute {
		t.Errorf("Heartbeat: got %v, want 1m", cfg.MQTT.Heartbeat)
	}
	if cfg.Radio.ResetPin != 17 {
		t.Errorf("ResetPin: got %d, want 17", cfg.Radio.ResetPin)
	}
	if cfg.Radio.Port != "/dev/ttyACM1" || cfg.Radio.Baud != 230400 {
		t.Errorf("Radio: got %s@%d", cfg.Radio.Port, cfg.Radio.Baud)
	}
}

func TestParseFlagsConfigFileThenFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	yaml := `node_id: 24579
mqtt:
  broker: tcp://file-broker:1883
tdma:
  nb_nodes: 4
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, _, err := parseFlags([]string{"--config", path, "--broker", "tcp://flag-broker:1883"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if cfg.NodeID != 0x6003 {
		t.Errorf("NodeID from file: got %#x, want 0x6003", cfg.NodeID)
	}
	if cfg.TDMA.NbNodes != 4 {
		t.Errorf("NbNodes from file: got %d, want 4", cfg.TDMA.NbNodes)
	}
	if cfg.MQTT.Broker != "tcp://flag-broker:1883" {
		t.Errorf("flag should override file: got %q", cfg.MQTT.Broker)
	}
	// Untouched fields keep their defaults.
	if cfg.TDMA.NbTaskSlots != 13 {
		t.Errorf("NbTaskSlots: got %d, want 13", cfg.TDMA.NbTaskSlots)
	}
}

func TestParseFlagsErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"--nope"}},
		{"missing file", []string{"--config", "/does/not/exist.yaml"}},
		{"node id too large", []string{"--node-id", "0x10000"}},
		{"invalid baud", []string{"--baud", "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := parseFlags(tt.args); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestFormatDevices(t *testing.T) {
	anchors := []protocol.Anchor{{ID: 0x6a01, Position: protocol.Coordinates{X: 1, Y: 2, Z: 3}}}

	got := formatDevices([]protocol.DeviceID{0x6a01, 0x6002}, anchors)
	want := "0x6a01 anchor x=1 y=2 z=3\n0x6002 tag\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	if got := formatDevices(nil, anchors); got != "no devices in range\n" {
		t.Errorf("empty: got %q", got)
	}
}

// --- runLoop tests ---

// fakeClock returns a function that yields start, start+step, start+2*step, ...
// on successive calls. Not safe for concurrent use (only called from runLoop's goroutine).
func fakeClock(start time.Time, step time.Duration) func() time.Time {
	n := 0
	return func() time.Time {
		t := start.Add(time.Duration(n) * step)
		n++
		return t
	}
}

type fixedResets int

func (r fixedResets) Resets() int { return int(r) }

func newTestNode(id protocol.DeviceID) *tdma.Node {
	cfg := config.Default()
	cfg.TDMA.Seed = 1
	return tdma.NewNode(tdma.Options{
		ID:     id,
		Config: cfg,
		Device: radio.NewFakeDevice(id),
	})
}

// runRunLoop drives runLoop for nTicks and then sends signal, returning the
// error for assertions.
func runRunLoop(t *testing.T, pub *mqtt.FakePublisher, tracker *status.Tracker, heartbeat time.Duration, clock func() time.Time, nTicks int, signal os.Signal) error {
	t.Helper()
	tick := make(chan time.Time)
	sig := make(chan os.Signal, 1)
	node := newTestNode(0x6001)

	errCh := make(chan error, 1)
	go func() {
		errCh <- runLoop(node, pub, pub, tracker, fixedResets(2), nil, heartbeat, 16*time.Millisecond, clock, tick, sig)
	}()

	for i := 0; i < nTicks; i++ {
		tick <- time.Time{}
	}
	sig <- signal

	return <-errCh
}

func newTracker() *status.Tracker {
	return status.NewTracker(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), status.Config{NodeID: 0x6001})
}

func TestRunLoopShutdownSIGTERM(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	clock := fakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), 100*time.Millisecond)

	err := runRunLoop(t, pub, newTracker(), 0, clock, 4, syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	if len(pub.SystemEvents) != 1 {
		t.Fatalf("expected 1 system event, got %d", len(pub.SystemEvents))
	}
	se := pub.SystemEvents[0]
	if se.Event != "SHUTDOWN" {
		t.Errorf("expected SHUTDOWN, got %q", se.Event)
	}
	if se.Reason != "SIGTERM" {
		t.Errorf("expected reason SIGTERM, got %q", se.Reason)
	}
	if se.Retained != true {
		t.Error("expected Retained=true for SHUTDOWN")
	}
	if !strings.Contains(string(se.RawPayload), `"SHUTDOWN"`) {
		t.Errorf("expected status payload, got %s", se.RawPayload)
	}
}

func TestRunLoopShutdownSIGINT(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	clock := fakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), 100*time.Millisecond)

	err := runRunLoop(t, pub, newTracker(), 0, clock, 1, syscall.SIGINT)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if len(pub.SystemEvents) != 1 {
		t.Fatalf("expected 1 system event, got %d", len(pub.SystemEvents))
	}
	if pub.SystemEvents[0].Reason != "SIGINT" {
		t.Errorf("expected reason SIGINT, got %q", pub.SystemEvents[0].Reason)
	}
}

func TestRunLoopShutdownWithoutTracker(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	clock := fakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), 100*time.Millisecond)

	err := runRunLoop(t, pub, nil, 0, clock, 2, syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if len(pub.SystemEvents) != 1 || pub.SystemEvents[0].RawPayload != nil {
		t.Errorf("expected a bare SHUTDOWN event, got %+v", pub.SystemEvents)
	}
}

func TestRunLoopUpdatesTracker(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	pub.Connected = true
	tracker := newTracker()
	clock := fakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), 100*time.Millisecond)

	// Initialization, Synchronization and Scheduling take one tick each
	// for a node alone.
	err := runRunLoop(t, pub, tracker, 0, clock, 3, syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	snap := tracker.Snapshot()
	if snap.Protocol.State != protocol.StateListen {
		t.Errorf("State: got %s, want LISTEN", snap.Protocol.State)
	}
	if len(snap.Protocol.SendSlots) != 8 {
		t.Errorf("SendSlots: got %v, want 8 slots", snap.Protocol.SendSlots)
	}
	if snap.Protocol.Counts.RadioResets != 2 {
		t.Errorf("RadioResets: got %d, want 2", snap.Protocol.Counts.RadioResets)
	}
	if !snap.MQTTConnected {
		t.Error("expected MQTT connected")
	}
}

func TestRunLoopHeartbeat(t *testing.T) {
	// clock calls are t0 (start), then one per tick: +5m, +10m, +15m, +20m.
	// Only +15m is a full heartbeat interval after t0.
	pub := mqtt.NewFakePublisher()
	clock := fakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), 5*time.Minute)

	err := runRunLoop(t, pub, newTracker(), 15*time.Minute, clock, 4, syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	got := pub.Events()
	want := []string{"HEARTBEAT", "SHUTDOWN"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("system events: got %v, want %v", got, want)
	}
	hb := pub.SystemEvents[0]
	if hb.Retained {
		t.Error("HEARTBEAT should not be retained")
	}
	if !strings.Contains(string(hb.RawPayload), `"HEARTBEAT"`) {
		t.Errorf("expected status payload, got %s", hb.RawPayload)
	}
}

func TestRunLoopHeartbeatDisabled(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	clock := fakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Hour)

	err := runRunLoop(t, pub, newTracker(), 0, clock, 5, syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if got := pub.Events(); len(got) != 1 || got[0] != "SHUTDOWN" {
		t.Errorf("expected only SHUTDOWN, got %v", got)
	}
}

func TestRunLoopPublishError(t *testing.T) {
	// A failing broker is logged; the loop keeps running and still returns
	// cleanly on a signal.
	pub := mqtt.NewFakePublisher()
	pub.PublishSystemError = errors.New("broker unavailable")
	clock := fakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), 5*time.Minute)

	err := runRunLoop(t, pub, newTracker(), 15*time.Minute, clock, 4, syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if len(pub.SystemEvents) != 0 {
		t.Errorf("expected no recorded events, got %d", len(pub.SystemEvents))
	}
}
