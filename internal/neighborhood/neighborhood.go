// Package neighborhood tracks the one-hop and two-hop peers a node has heard
// from. Records decay: a peer silent for longer than the obsolescence delay
// is forgotten. Time is always passed in explicitly.
package neighborhood

import (
	"sort"
	"time"

	"github.com/sweeney/uwb-tdma/internal/protocol"
)

// DefaultObsolescenceDelay is how long a silent neighbor is remembered.
const DefaultObsolescenceDelay = 20 * time.Second

// MinSyncedCount is the number of synchronized handshakes a neighbor must
// exceed before it counts as synced.
const MinSyncedCount = 5

// Record is what the node knows about one peer.
type Record struct {
	ID       protocol.DeviceID
	LastSeen time.Time
	State    protocol.State
	// SecondDegree is the peer's own neighbor set, nil until the peer has
	// announced its topology.
	SecondDegree map[protocol.DeviceID]struct{}
}

// Table is the node's neighbor table.
// Not safe for concurrent use; it is owned by the control loop.
type Table struct {
	obsolescence time.Duration
	current      map[protocol.DeviceID]*Record
	synced       map[protocol.DeviceID]int
	changed      bool
}

// New creates an empty table. A non-positive obsolescence selects
// DefaultObsolescenceDelay.
func New(obsolescence time.Duration) *Table {
	if obsolescence <= 0 {
		obsolescence = DefaultObsolescenceDelay
	}
	return &Table{
		obsolescence: obsolescence,
		current:      make(map[protocol.DeviceID]*Record),
		synced:       make(map[protocol.DeviceID]int),
	}
}

// Add inserts or refreshes a neighbor. A nil secondDegree keeps whatever the
// record already had. The changed flag is raised when a new id appears or the
// peer's second-degree set differs from the stored one.
func (t *Table) Add(id protocol.DeviceID, seen time.Time, state protocol.State, secondDegree []protocol.DeviceID) {
	rec, ok := t.current[id]
	if !ok {
		rec = &Record{ID: id}
		t.current[id] = rec
		t.changed = true
	}
	rec.LastSeen = seen
	rec.State = state

	if secondDegree == nil {
		return
	}
	set := make(map[protocol.DeviceID]struct{}, len(secondDegree))
	for _, n := range secondDegree {
		set[n] = struct{}{}
	}
	if !sameSet(rec.SecondDegree, set) || rec.SecondDegree == nil {
		t.changed = true
	}
	rec.SecondDegree = set
}

// CollectGarbage forgets every neighbor last seen more than the obsolescence
// delay before now.
func (t *Table) CollectGarbage(now time.Time) int {
	removed := 0
	for id, rec := range t.current {
		if now.Sub(rec.LastSeen) > t.obsolescence {
			delete(t.current, id)
			delete(t.synced, id)
			removed++
		}
	}
	if removed > 0 {
		t.changed = true
	}
	return removed
}

// Clear forgets every neighbor and every sync counter.
func (t *Table) Clear() {
	if len(t.current) > 0 {
		t.changed = true
	}
	t.current = make(map[protocol.DeviceID]*Record)
	t.synced = make(map[protocol.DeviceID]int)
}

// Get returns a copy of the record for id.
func (t *Table) Get(id protocol.DeviceID) (Record, bool) {
	rec, ok := t.current[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Has reports whether id is a current neighbor.
func (t *Table) Has(id protocol.DeviceID) bool {
	_, ok := t.current[id]
	return ok
}

// Count returns the number of current neighbors.
func (t *Table) Count() int {
	return len(t.current)
}

// IsAlone reports whether the node has no current neighbors.
func (t *Table) IsAlone() bool {
	return len(t.current) == 0
}

// IDs returns the current neighbor ids in ascending order.
func (t *Table) IDs() []protocol.DeviceID {
	ids := make([]protocol.DeviceID, 0, len(t.current))
	for id := range t.current {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Records returns copies of all current records ordered by id.
func (t *Table) Records() []Record {
	out := make([]Record, 0, len(t.current))
	for _, id := range t.IDs() {
		out = append(out, *t.current[id])
	}
	return out
}

// IsAloneInState reports whether no current neighbor is believed to be in state.
func (t *Table) IsAloneInState(state protocol.State) bool {
	for _, rec := range t.current {
		if rec.State == state {
			return false
		}
	}
	return true
}

// AddSynced counts one more synchronized handshake from id.
func (t *Table) AddSynced(id protocol.DeviceID) {
	t.synced[id]++
}

// RemoveSynced resets id's synchronized handshake count.
func (t *Table) RemoveSynced(id protocol.DeviceID) {
	delete(t.synced, id)
}

// SyncedCount returns id's synchronized handshake count.
func (t *Table) SyncedCount(id protocol.DeviceID) int {
	return t.synced[id]
}

// AreNeighborsSynced reports whether every current neighbor has sent more
// than MinSyncedCount synchronized handshakes.
func (t *Table) AreNeighborsSynced() bool {
	for id := range t.current {
		if t.synced[id] <= MinSyncedCount {
			return false
		}
	}
	return true
}

// SyncedNeighbors returns how many current neighbors count as synced.
func (t *Table) SyncedNeighbors() int {
	n := 0
	for id := range t.current {
		if t.synced[id] > MinSyncedCount {
			n++
		}
	}
	return n
}

// ResetSynced clears every sync counter.
func (t *Table) ResetSynced() {
	t.synced = make(map[protocol.DeviceID]int)
}

// ConsumeChanged returns the changed flag and clears it, so each topology
// change is reported at most once.
func (t *Table) ConsumeChanged() bool {
	c := t.changed
	t.changed = false
	return c
}

// Changed reports the changed flag without clearing it.
func (t *Table) Changed() bool {
	return t.changed
}

func sameSet(a, b map[protocol.DeviceID]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
