package mqtt

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/sweeney/uwb-tdma/internal/estimator"
	"github.com/sweeney/uwb-tdma/internal/protocol"
)

func TestTopics(t *testing.T) {
	if got := UpdatesTopic("uwb", 0x6a71); got != "uwb/0x6a71/updates" {
		t.Errorf("updates topic: %s", got)
	}
	if got := SystemTopic("site-a", 0x6001); got != "site-a/0x6001/system" {
		t.Errorf("system topic: %s", got)
	}
}

func TestFormatUpdatePayload(t *testing.T) {
	u := estimator.NewTrilateration(0x6001, 12.5, 0.002, 90, protocol.Coordinates{X: 1000, Y: 2000, Z: 300}, []protocol.DeviceID{0x6002})

	payload, err := FormatUpdatePayload(u, "run-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := `{"update":{"run_id":"run-1","type":"TRILATERATION","source":24577,"timestamp":12.5,"clock_offset":0.002,"yaw":90,"position":{"x":1000,"y":2000,"z":300},"topology":[24578]}}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", payload, expected)
	}
}

func TestFormatUpdatePayloadRanging(t *testing.T) {
	u := estimator.NewRanging(0x6001, 3, 0, 0, 0x6a01, 2500, &protocol.Coordinates{X: 4000}, nil)

	payload, err := FormatUpdatePayload(u, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var parsed UpdatePayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	got := parsed.Update
	if got.Type != estimator.Ranging || got.Distance != 2500 || got.Target != 0x6a01 {
		t.Errorf("unexpected update %+v", got)
	}
	if len(got.Neighbors) != 1 || got.Neighbors[0].X != 4000 {
		t.Errorf("reference position lost: %+v", got.Neighbors)
	}

	var raw map[string]map[string]interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"run_id", "position", "topology"} {
		if _, ok := raw["update"][key]; ok {
			t.Errorf("%s should be omitted", key)
		}
	}
}

func TestFormatSystemPayload(t *testing.T) {
	event := SystemEvent{
		Timestamp: time.Date(2026, 2, 10, 8, 30, 0, 0, time.FixedZone("CET", 3600)),
		Event:     "SHUTDOWN",
		Reason:    "MQTT_DISCONNECT",
	}

	payload, err := FormatSystemPayload(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := `{"system":{"timestamp":"2026-02-10T07:30:00Z","event":"SHUTDOWN","reason":"MQTT_DISCONNECT"}}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", payload, expected)
	}

	reconnected, _ := FormatSystemPayload(SystemEvent{Timestamp: event.Timestamp, Event: "RECONNECTED"})
	if string(reconnected) != `{"system":{"timestamp":"2026-02-10T07:30:00Z","event":"RECONNECTED"}}` {
		t.Errorf("reason should be omitted: %s", reconnected)
	}
}

func TestFormatSystemPayloadRaw(t *testing.T) {
	raw := []byte(`{"system":{"event":"HEARTBEAT"}}`)
	payload, err := FormatSystemPayload(SystemEvent{Event: "HEARTBEAT", RawPayload: raw})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(payload) != string(raw) {
		t.Errorf("raw payload should pass through, got %s", payload)
	}
}

func TestFakePublisher(t *testing.T) {
	f := NewFakePublisher()
	f.RunID = "abc"

	u := estimator.NewRanging(0x6001, 1, 0, 0, 0x6a01, 100, nil, nil)
	if err := f.PublishUpdate(u); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := f.PublishSystem(SystemEvent{Event: "STARTUP", Retained: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if f.UpdateCount() != 1 || f.Updates[0].Target != 0x6a01 {
		t.Errorf("updates: %+v", f.Updates)
	}
	var parsed UpdatePayload
	if err := json.Unmarshal(f.UpdatePayloads[0], &parsed); err != nil || parsed.Update.RunID != "abc" {
		t.Errorf("payload run id: %+v err=%v", parsed, err)
	}
	if ev := f.Events(); len(ev) != 1 || ev[0] != "STARTUP" || !f.SystemEvents[0].Retained {
		t.Errorf("system events: %+v", f.SystemEvents)
	}

	f.PublishError = errors.New("broker down")
	if err := f.PublishUpdate(u); err == nil {
		t.Error("expected injected error")
	}
	if f.UpdateCount() != 1 {
		t.Error("failed publish should not be recorded")
	}

	f.Connected = true
	f.Close()
	if !f.Closed || !f.IsConnected() {
		t.Error("close/connected flags not tracked")
	}

	f.Reset()
	if f.UpdateCount() != 0 || len(f.SystemEvents) != 0 || f.Closed || f.PublishError != nil || f.IsConnected() {
		t.Errorf("reset incomplete: %+v", f)
	}
}

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu        sync.Mutex
	open      bool
	published []published
	err       error
}

func (c *fakeClient) IsConnectionOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{topic, qos, retained, payload.([]byte)})
	return doneToken{err: c.err}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
}

func newTestPublisher(c *fakeClient) *RealPublisher {
	return &RealPublisher{
		client: c,
		opts: Options{
			TopicPrefix: "uwb",
			Node:        0x6a71,
			RunID:       "run",
			Now:         func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
		},
		buffer: newRingBuffer(8),
	}
}

func TestRealPublisherPublishesWhenConnected(t *testing.T) {
	c := &fakeClient{open: true}
	p := newTestPublisher(c)

	u := estimator.NewRanging(0x6a71, 1, 0, 0, 0x6a01, 100, nil, nil)
	if err := p.PublishUpdate(u); err != nil {
		t.Fatalf("PublishUpdate: %v", err)
	}
	if err := p.PublishSystem(SystemEvent{Event: "STARTUP", Retained: true, RawPayload: []byte(`{}`)}); err != nil {
		t.Fatalf("PublishSystem: %v", err)
	}

	if len(c.published) != 2 {
		t.Fatalf("published %d, want 2", len(c.published))
	}
	if m := c.published[0]; m.topic != "uwb/0x6a71/updates" || m.qos != 0 || m.retained {
		t.Errorf("update message: %+v", m)
	}
	if m := c.published[1]; m.topic != "uwb/0x6a71/system" || m.qos != 1 || !m.retained {
		t.Errorf("system message: %+v", m)
	}
	if !p.IsConnected() {
		t.Error("should report connected")
	}
}

func TestRealPublisherBuffersAndReplays(t *testing.T) {
	c := &fakeClient{}
	p := newTestPublisher(c)
	p.everConnected = true

	for i := 0; i < 3; i++ {
		u := estimator.NewRanging(0x6a71, float64(i), 0, 0, 0x6a01, 100, nil, nil)
		if err := p.PublishUpdate(u); err != nil {
			t.Fatalf("PublishUpdate while offline should not fail: %v", err)
		}
	}
	if p.Buffered() != 3 || len(c.published) != 0 {
		t.Fatalf("buffered %d published %d", p.Buffered(), len(c.published))
	}

	c.open = true
	p.onConnect()

	if len(c.published) != 4 {
		t.Fatalf("published %d, want 3 replayed + RECONNECTED", len(c.published))
	}
	for i := 0; i < 3; i++ {
		var parsed UpdatePayload
		if err := json.Unmarshal(c.published[i].payload, &parsed); err != nil {
			t.Fatal(err)
		}
		if parsed.Update.Timestamp != float64(i) {
			t.Errorf("replay %d out of order: %v", i, parsed.Update.Timestamp)
		}
	}
	last := c.published[3]
	if last.topic != "uwb/0x6a71/system" || string(last.payload) != `{"system":{"timestamp":"2026-03-01T12:00:00Z","event":"RECONNECTED"}}` {
		t.Errorf("unexpected final message %s %s", last.topic, last.payload)
	}
	if p.Buffered() != 0 {
		t.Error("buffer should be empty after replay")
	}
}

func TestRealPublisherFirstConnectIsQuiet(t *testing.T) {
	c := &fakeClient{open: true}
	p := newTestPublisher(c)

	p.onConnect()
	if len(c.published) != 0 {
		t.Errorf("first connect should publish nothing, got %d", len(c.published))
	}
	if !p.everConnected {
		t.Error("first connect not recorded")
	}
}

func TestRealPublisherReportsPublishErrors(t *testing.T) {
	c := &fakeClient{open: true, err: errors.New("not authorized")}
	p := newTestPublisher(c)

	err := p.PublishSystem(SystemEvent{Event: "HEARTBEAT", RawPayload: []byte(`{}`)})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, c.err) {
		t.Errorf("error should wrap the client error: %v", err)
	}
}

func TestNewRealPublisherRequiresBroker(t *testing.T) {
	if _, err := NewRealPublisher(Options{}); err == nil {
		t.Error("expected error without broker")
	}
}

func TestPublishersImplementInterfaces(t *testing.T) {
	var _ Publisher = (*RealPublisher)(nil)
	var _ ConnectionStatus = (*RealPublisher)(nil)
	var _ Publisher = (*FakePublisher)(nil)
	var _ ConnectionStatus = (*FakePublisher)(nil)
	var _ estimator.Sink = (*FakePublisher)(nil)
}
