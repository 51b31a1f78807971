package neighborhood

import (
	"testing"
	"time"

	"github.com/sweeney/uwb-tdma/internal/protocol"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestNewTable(t *testing.T) {
	n := New(0)
	if n.obsolescence != DefaultObsolescenceDelay {
		t.Errorf("expected default obsolescence, got %v", n.obsolescence)
	}
	if !n.IsAlone() {
		t.Error("new table should be alone")
	}
	if !n.AreNeighborsSynced() {
		t.Error("no neighbors means all neighbors are synced")
	}
	if n.Changed() {
		t.Error("new table should not be changed")
	}
}

func TestAddAndRefresh(t *testing.T) {
	n := New(20 * time.Second)
	n.Add(0x6001, t0, protocol.StateSynchronization, nil)

	if n.Count() != 1 {
		t.Fatalf("expected 1 neighbor, got %d", n.Count())
	}
	if !n.ConsumeChanged() {
		t.Error("adding a new neighbor should raise changed")
	}
	if n.ConsumeChanged() {
		t.Error("changed should be reported at most once")
	}

	n.Add(0x6001, t0.Add(time.Second), protocol.StateScheduling, nil)
	rec, ok := n.Get(0x6001)
	if !ok {
		t.Fatal("neighbor missing after refresh")
	}
	if !rec.LastSeen.Equal(t0.Add(time.Second)) {
		t.Errorf("LastSeen not refreshed: %v", rec.LastSeen)
	}
	if rec.State != protocol.StateScheduling {
		t.Errorf("State: got %s, want SCHEDULING", rec.State)
	}
	if n.Changed() {
		t.Error("refreshing a known neighbor should not raise changed")
	}
}

func TestAddMergesSecondDegree(t *testing.T) {
	n := New(20 * time.Second)
	n.Add(0x6001, t0, protocol.StateTask, []protocol.DeviceID{0x6002, 0x6003})
	n.ConsumeChanged()

	// A later message without topology keeps the stored set.
	n.Add(0x6001, t0.Add(time.Second), protocol.StateSynchronization, nil)
	rec, _ := n.Get(0x6001)
	if len(rec.SecondDegree) != 2 {
		t.Fatalf("expected 2 second-degree neighbors, got %d", len(rec.SecondDegree))
	}
	if n.Changed() {
		t.Error("merge without topology should not raise changed")
	}

	// Same set again: no change.
	n.Add(0x6001, t0.Add(2*time.Second), protocol.StateTask, []protocol.DeviceID{0x6003, 0x6002})
	if n.Changed() {
		t.Error("identical topology should not raise changed")
	}

	// Different set: change.
	n.Add(0x6001, t0.Add(3*time.Second), protocol.StateTask, []protocol.DeviceID{0x6002})
	if !n.ConsumeChanged() {
		t.Error("different topology should raise changed")
	}
	rec, _ = n.Get(0x6001)
	if _, ok := rec.SecondDegree[0x6003]; ok {
		t.Error("second-degree set should be replaced by the new announcement")
	}
}

func TestCollectGarbageBoundary(t *testing.T) {
	delay := 20 * time.Second
	tests := []struct {
		name    string
		elapsed time.Duration
		present bool
	}{
		{"fresh", 0, true},
		{"just before", delay - time.Millisecond, true},
		{"exactly at delay", delay, true},
		{"just after", delay + time.Millisecond, false},
		{"long gone", delay + time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := New(delay)
			n.Add(0x6001, t0, protocol.StateTask, nil)
			n.CollectGarbage(t0.Add(tt.elapsed))
			if n.Has(0x6001) != tt.present {
				t.Errorf("present after %v: got %v, want %v", tt.elapsed, n.Has(0x6001), tt.present)
			}
		})
	}
}

func TestStaleNeighborEviction(t *testing.T) {
	n := New(DefaultObsolescenceDelay)
	n.Add(0x6001, t0, protocol.StateTask, nil)
	n.Add(0x6002, t0.Add(15*time.Second), protocol.StateTask, nil)
	n.AddSynced(0x6001)
	n.ConsumeChanged()

	removed := n.CollectGarbage(t0.Add(DefaultObsolescenceDelay + time.Second))
	if removed != 1 {
		t.Errorf("expected 1 removal, got %d", removed)
	}
	if n.Has(0x6001) {
		t.Error("0x6001 should have been evicted")
	}
	if !n.Has(0x6002) {
		t.Error("0x6002 should still be present")
	}
	if n.SyncedCount(0x6001) != 0 {
		t.Error("sync counter of evicted neighbor should be dropped")
	}
	if !n.ConsumeChanged() {
		t.Error("eviction should raise changed")
	}
}

func TestIsAloneInState(t *testing.T) {
	n := New(20 * time.Second)
	n.Add(0x6001, t0, protocol.StateScheduling, nil)
	n.Add(0x6002, t0, protocol.StateTask, nil)

	if n.IsAloneInState(protocol.StateScheduling) {
		t.Error("0x6001 is scheduling")
	}
	if n.IsAloneInState(protocol.StateTask) {
		t.Error("0x6002 is in task")
	}
	if !n.IsAloneInState(protocol.StateSynchronization) {
		t.Error("nobody is synchronizing")
	}
}

func TestAreNeighborsSynced(t *testing.T) {
	n := New(20 * time.Second)
	n.Add(0x6001, t0, protocol.StateSynchronization, nil)
	n.Add(0x6002, t0, protocol.StateSynchronization, nil)

	for i := 0; i < MinSyncedCount; i++ {
		n.AddSynced(0x6001)
		n.AddSynced(0x6002)
	}
	if n.AreNeighborsSynced() {
		t.Errorf("exactly %d handshakes should not be enough", MinSyncedCount)
	}

	n.AddSynced(0x6001)
	if n.AreNeighborsSynced() {
		t.Error("0x6002 is still below the threshold")
	}
	if n.SyncedNeighbors() != 1 {
		t.Errorf("SyncedNeighbors: got %d, want 1", n.SyncedNeighbors())
	}

	n.AddSynced(0x6002)
	if !n.AreNeighborsSynced() {
		t.Error("both neighbors exceed the threshold")
	}

	// Any desync signal resets the counter.
	n.RemoveSynced(0x6002)
	if n.AreNeighborsSynced() {
		t.Error("0x6002 was desynced")
	}
	if n.SyncedCount(0x6002) != 0 {
		t.Errorf("counter not reset: %d", n.SyncedCount(0x6002))
	}
}

func TestClear(t *testing.T) {
	n := New(20 * time.Second)
	n.Add(0x6001, t0, protocol.StateTask, nil)
	n.AddSynced(0x6001)
	n.ConsumeChanged()

	n.Clear()
	if !n.IsAlone() {
		t.Error("table should be empty after Clear")
	}
	if n.SyncedCount(0x6001) != 0 {
		t.Error("sync counters should be cleared")
	}
	if !n.ConsumeChanged() {
		t.Error("clearing a populated table should raise changed")
	}
}

func TestIDsSorted(t *testing.T) {
	n := New(20 * time.Second)
	for _, id := range []protocol.DeviceID{0x6005, 0x6001, 0x6003} {
		n.Add(id, t0, protocol.StateTask, nil)
	}
	ids := n.IDs()
	want := []protocol.DeviceID{0x6001, 0x6003, 0x6005}
	if len(ids) != len(want) {
		t.Fatalf("got %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d]: got %s, want %s", i, ids[i], want[i])
		}
	}
	if recs := n.Records(); recs[0].ID != 0x6001 {
		t.Errorf("Records not ordered: first is %s", recs[0].ID)
	}
}
