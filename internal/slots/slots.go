// Package slots holds a node's local view of the TDMA frame: which slots it
// sends in, which it has granted to peers, and which are still free.
//
// Derived lists (pure send list, non-blocked and subpriority candidates) are
// recomputed from SendList and ReceiveList on every read, so they can never
// be stale after a mutation.
package slots

import (
	"fmt"
	"math/rand"

	"github.com/sweeney/uwb-tdma/internal/protocol"
)

// Slot list markers.
const (
	// Unused marks a send or receive entry nobody holds.
	Unused = -1
	// Withdrawn marks a send entry whose proposal was rejected.
	Withdrawn = -2
)

// Free is the derived candidate view of a frame.
type Free struct {
	// NonBlock are slots with no send claim and no grant.
	NonBlock []int
	// Subpriority are slots this node withdrew that nobody holds.
	Subpriority []int
	// Count is the number of non-blocked slots.
	Count int
}

// Assignment is the slot table for one frame.
// Not safe for concurrent use; it is owned by the control loop.
type Assignment struct {
	// SendList[slot] is Unused, Withdrawn, or the id of this node.
	SendList []int
	// ReceiveList[slot] is Unused or the id of the peer granted the slot.
	ReceiveList []int
}

// New returns an empty assignment of n slots.
func New(n int) *Assignment {
	if n <= 0 {
		panic(fmt.Sprintf("slots: invalid frame width %d", n))
	}
	a := &Assignment{
		SendList:    make([]int, n),
		ReceiveList: make([]int, n),
	}
	a.Reset()
	return a
}

// Len returns the frame width.
func (a *Assignment) Len() int {
	return len(a.SendList)
}

// InRange reports whether slot is a valid index.
func (a *Assignment) InRange(slot int) bool {
	return slot >= 0 && slot < len(a.SendList)
}

// Reset marks every slot unused.
func (a *Assignment) Reset() {
	for i := range a.SendList {
		a.SendList[i] = Unused
		a.ReceiveList[i] = Unused
	}
}

// Blocked reports whether slot is claimed, withdrawn or granted.
func (a *Assignment) Blocked(slot int) bool {
	return a.SendList[slot] != Unused || a.ReceiveList[slot] != Unused
}

// UpdateFreeSlots computes the candidate lists from the current send and
// receive lists.
func (a *Assignment) UpdateFreeSlots() Free {
	var f Free
	for i := range a.SendList {
		if !a.Blocked(i) {
			f.NonBlock = append(f.NonBlock, i)
			continue
		}
		if a.SendList[i] == Withdrawn && a.ReceiveList[i] == Unused {
			f.Subpriority = append(f.Subpriority, i)
		}
	}
	f.Count = len(f.NonBlock)
	return f
}

// PureSendList returns the slots this node may transmit in: claimed by it
// and not granted to anyone else.
func (a *Assignment) PureSendList() []int {
	var out []int
	for i, s := range a.SendList {
		if s != Unused && s != Withdrawn && a.ReceiveList[i] == Unused {
			out = append(out, i)
		}
	}
	return out
}

// IsSendSlot reports whether slot is in the pure send list.
func (a *Assignment) IsSendSlot(slot int) bool {
	if !a.InRange(slot) {
		return false
	}
	s := a.SendList[slot]
	return s != Unused && s != Withdrawn && a.ReceiveList[slot] == Unused
}

// Claimed returns the slots whose send entry is self.
func (a *Assignment) Claimed(self protocol.DeviceID) []int {
	var out []int
	for i, s := range a.SendList {
		if s == int(self) {
			out = append(out, i)
		}
	}
	return out
}

// Claim marks slot as proposed by self.
func (a *Assignment) Claim(slot int, self protocol.DeviceID) {
	a.SendList[slot] = int(self)
}

// Withdraw marks this node's proposal for slot as rejected.
func (a *Assignment) Withdraw(slot int) {
	a.SendList[slot] = Withdrawn
}

// Grant records that slot belongs to peer.
func (a *Assignment) Grant(slot int, peer protocol.DeviceID) {
	a.ReceiveList[slot] = int(peer)
}

// ClearGrant frees slot's receive entry.
func (a *Assignment) ClearGrant(slot int) {
	a.ReceiveList[slot] = Unused
}

// SelfAssign claims the first two thirds of the frame (at least one slot).
// Used when the node has no neighbor to negotiate with.
func (a *Assignment) SelfAssign(self protocol.DeviceID) []int {
	n := 2 * a.Len() / 3
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		a.SendList[i] = int(self)
		a.ReceiveList[i] = Unused
	}
	return a.PureSendList()
}

// Propose picks the next slot to request and marks it claimed by self.
// The number of slots a node chases shrinks as its neighborhood grows:
// below (N+1)/(n+1) claims it takes a free slot, below 2(N+1)/(3(n+1)) a
// slot it previously withdrew, otherwise it re-asserts a slot it already
// holds. ok is false when there is nothing to propose.
func (a *Assignment) Propose(self protocol.DeviceID, neighbors int, rng *rand.Rand) (slot int, ok bool) {
	free := a.UpdateFreeSlots()
	claimed := a.Claimed(self)
	share := float64(a.Len()+1) / float64(neighbors+1)

	switch {
	case float64(len(claimed)) < share && len(free.NonBlock) > 0:
		slot = free.NonBlock[rng.Intn(len(free.NonBlock))]
	case float64(len(claimed)) < 2*share/3 && len(free.Subpriority) > 0:
		slot = free.Subpriority[rng.Intn(len(free.Subpriority))]
	case len(claimed) > 0:
		slot = claimed[rng.Intn(len(claimed))]
	default:
		return 0, false
	}
	a.Claim(slot, self)
	return slot, true
}

// String renders the send and receive lists for logs.
func (a *Assignment) String() string {
	return fmt.Sprintf("send=%v receive=%v", a.SendList, a.ReceiveList)
}
