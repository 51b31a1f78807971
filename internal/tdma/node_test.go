package tdma

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/uwb-tdma/internal/config"
	"github.com/sweeney/uwb-tdma/internal/estimator"
	"github.com/sweeney/uwb-tdma/internal/message"
	"github.com/sweeney/uwb-tdma/internal/protocol"
	"github.com/sweeney/uwb-tdma/internal/radio"
)

const tick = 10 * time.Millisecond

var anchorIDs = []protocol.DeviceID{0x6a01, 0x6a02, 0x6a03}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.TDMA.NbNodes = 3
	cfg.TDMA.SyncPeriod = 2 * time.Second
	cfg.TDMA.SchedulingRounds = 20
	cfg.TDMA.NbFrames = 3
	cfg.TDMA.StableSyncCycles = 10
	cfg.TDMA.Seed = 1
	cfg.Anchors = []config.AnchorConfig{
		{ID: 0x6a01, X: 0, Y: 0, Z: 2000, Level: 1},
		{ID: 0x6a02, X: 5000, Y: 0, Z: 2000, Level: 1},
		{ID: 0x6a03, X: 0, Y: 5000, Z: 2000, Level: 1},
	}
	return cfg
}

type harness struct {
	n   *Node
	dev *radio.FakeDevice
	ft  *fakeTime
	q   *estimator.Queue
}

func newHarness(t *testing.T, dev *radio.FakeDevice) *harness {
	t.Helper()
	ft := newFakeTime()
	q := estimator.NewQueue(200, nil)
	n := NewNode(Options{
		ID:      dev.ID,
		Config:  testConfig(),
		Device:  dev,
		Updates: q,
		Now:     ft.now,
	})
	return &harness{n: n, dev: dev, ft: ft, q: q}
}

func (h *harness) step() protocol.State {
	h.ft.advance(tick)
	return h.n.Step()
}

func (h *harness) run(d time.Duration) {
	for i := 0; i < int(d/tick); i++ {
		h.step()
	}
}

// stepUntil steps until the node is in want, for at most limit steps.
func (h *harness) stepUntil(want protocol.State, limit int) bool {
	for i := 0; i < limit; i++ {
		if h.step() == want {
			return true
		}
	}
	return false
}

func (h *harness) calls(name string) int {
	n := 0
	for _, c := range h.dev.Calls {
		if c == name {
			n++
		}
	}
	return n
}

func TestColdStartAlone(t *testing.T) {
	h := newHarness(t, radio.NewFakeDevice(idA))
	assert.Equal(t, protocol.StateInitialization, h.n.State())

	assert.Equal(t, protocol.StateSynchronization, h.step())
	assert.Equal(t, protocol.StateScheduling, h.step())
	assert.Less(t, h.n.Status().Clock, 2.0)
	assert.True(t, h.n.Status().Synced)

	assert.Equal(t, protocol.StateListen, h.step())
	assert.Len(t, h.n.Status().SendSlots, 8)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, h.n.Status().SendSlots)
}

func TestTopologyAnnouncedInFirstTask(t *testing.T) {
	h := newHarness(t, radio.NewFakeDevice(idA))
	h.run(1500 * time.Millisecond)

	topologies := 0
	for _, f := range h.dev.Sent() {
		msg, err := message.Decode(idA, f.Data)
		require.NoError(t, err)
		if _, ok := msg.(message.Topology); ok {
			topologies++
		}
	}
	assert.Equal(t, 1, topologies, "announced once, then only on change")
}

func TestTrilaterationUpdates(t *testing.T) {
	dev := radio.NewFakeDevice(idA)
	dev.Anchors = anchorIDs
	dev.Pos = protocol.Coordinates{X: 1200, Y: 3400, Z: 1000}
	dev.Yaw = 42
	h := newHarness(t, dev)

	h.run(1500 * time.Millisecond)

	updates := h.q.Drain()
	require.NotEmpty(t, updates)
	for _, u := range updates {
		assert.Equal(t, estimator.Trilateration, u.Type)
		assert.Equal(t, idA, u.Source)
		assert.Equal(t, 42.0, u.Yaw)
		require.NotNil(t, u.Position)
		assert.Equal(t, dev.Pos, *u.Position)
	}
	assert.Equal(t, len(updates), h.n.Status().Counts.Updates)
	assert.Len(t, h.n.Status().Anchors, 3)
}

func TestRangingWithOneAnchor(t *testing.T) {
	dev := radio.NewFakeDevice(idA)
	dev.Anchors = anchorIDs[:1]
	dev.Ranges[0x6a01] = radio.Range{Target: 0x6a01, Distance: 1500}
	h := newHarness(t, dev)

	h.run(1500 * time.Millisecond)

	updates := h.q.Drain()
	require.NotEmpty(t, updates)
	u := updates[0]
	assert.Equal(t, estimator.Ranging, u.Type)
	assert.Equal(t, protocol.DeviceID(0x6a01), u.Target)
	assert.Equal(t, int32(1500), u.Distance)
	assert.Equal(t, []protocol.Coordinates{{X: 0, Y: 0, Z: 2000}}, u.Neighbors)
}

func TestRangingToTagCarriesNoReference(t *testing.T) {
	dev := radio.NewFakeDevice(idA)
	dev.Tags = []protocol.DeviceID{idB}
	dev.Ranges[idB] = radio.Range{Target: idB, Distance: 1234}
	h := newHarness(t, dev)

	// idB never answers syncs, so synchronization runs its full 4s.
	h.run(6 * time.Second)

	updates := h.q.Drain()
	require.NotEmpty(t, updates)
	for _, u := range updates {
		assert.Equal(t, estimator.Ranging, u.Type)
		assert.Equal(t, idB, u.Target)
		assert.Equal(t, int32(1234), u.Distance)
		assert.Nil(t, u.Neighbors)
	}
}

func TestNoUpdateWhenHeadingFails(t *testing.T) {
	tests := []struct {
		name    string
		anchors []protocol.DeviceID
	}{
		{"ranging", anchorIDs[:1]},
		{"trilateration", anchorIDs},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := radio.NewFakeDevice(idA)
			dev.Anchors = tt.anchors
			dev.Ranges[0x6a01] = radio.Range{Target: 0x6a01, Distance: 1500}
			dev.Pos = protocol.Coordinates{X: 1200, Y: 3400, Z: 1000}
			dev.HeadingError = errors.New("heading register unreadable")
			h := newHarness(t, dev)

			h.run(1500 * time.Millisecond)

			assert.Positive(t, h.calls("heading"))
			assert.Equal(t, 0, h.q.Len())
			assert.Equal(t, 0, h.n.Status().Counts.Updates)
		})
	}
}

func TestNoUpdateWithoutTargets(t *testing.T) {
	h := newHarness(t, radio.NewFakeDevice(idA))
	h.run(1500 * time.Millisecond)
	assert.Equal(t, 0, h.q.Len())
}

func TestDiscoveryIsThrottled(t *testing.T) {
	h := newHarness(t, radio.NewFakeDevice(idA))
	h.run(3 * time.Second)

	// Once in Initialization and once in the first task slot; the next is
	// DiscoveryInterval frames later.
	assert.Equal(t, 2, h.calls("discover"))
}

func TestMalformedFrameInListen(t *testing.T) {
	h := newHarness(t, radio.NewFakeDevice(idA))
	require.True(t, h.stepUntil(protocol.StateListen, 10))

	h.dev.InjectRx(idB, []byte{0x55, 0x80, 0x00, 0x00, 0x01})
	h.run(200 * time.Millisecond)

	st := h.n.Status()
	assert.Empty(t, st.Neighbors)
	assert.Equal(t, 1, st.Counts.FramesDropped)
	assert.Equal(t, 0, st.Counts.FramesReceived)
}

func TestOutOfPhaseSyncForcesResync(t *testing.T) {
	h := newHarness(t, radio.NewFakeDevice(idA))
	require.True(t, h.stepUntil(protocol.StateListen, 10))

	for i := 1; i <= 11; i++ {
		frame, err := message.Encode(message.Sync{Sender: idB, Clock: uint32(i * 100)})
		require.NoError(t, err)
		h.dev.InjectRx(idB, frame)
	}

	assert.True(t, h.stepUntil(protocol.StateSynchronization, 50))
	assert.Equal(t, 1, h.n.Status().Counts.Cycles)
}

func TestStaleNeighborEvicted(t *testing.T) {
	dev := radio.NewFakeDevice(idA)
	dev.Tags = []protocol.DeviceID{idB}
	h := newHarness(t, dev)

	h.step()
	require.Len(t, h.n.Status().Neighbors, 1)
	assert.Equal(t, protocol.StateInitialization, h.n.Status().Neighbors[0].State)
	dev.Tags = nil

	h.run(30 * time.Second)

	assert.Empty(t, h.n.Status().Neighbors)
	assert.NotEqual(t, protocol.StateInitialization, h.n.State())
}

func TestTaskPhaseEndsInResync(t *testing.T) {
	h := newHarness(t, radio.NewFakeDevice(idA))
	require.True(t, h.stepUntil(protocol.StateListen, 10))

	// Three frames of 1.3s.
	assert.True(t, h.stepUntil(protocol.StateSynchronization, 500))
	assert.InDelta(t, 3.9, h.n.Status().Clock, 0.05)
}
