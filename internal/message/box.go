package message

// Box is the FIFO of slot-control messages waiting to be rebroadcast at the
// node's next turn. Queued messages take priority over new proposals.
type Box struct {
	queue []SlotControl
}

// Push appends m.
func (b *Box) Push(m SlotControl) {
	b.queue = append(b.queue, m)
}

// PushUnique appends m unless an entry with the same slot and code is already
// queued. It reports whether m was added.
func (b *Box) PushUnique(m SlotControl) bool {
	if b.Contains(m) {
		return false
	}
	b.Push(m)
	return true
}

// Pop removes and returns the oldest message.
func (b *Box) Pop() (SlotControl, bool) {
	if len(b.queue) == 0 {
		return SlotControl{}, false
	}
	m := b.queue[0]
	b.queue = b.queue[1:]
	return m, true
}

// Contains reports whether a message with the same slot and code is queued.
func (b *Box) Contains(m SlotControl) bool {
	for _, q := range b.queue {
		if q.Same(m) {
			return true
		}
	}
	return false
}

// Remove drops every queued message for which match returns true and
// returns how many were dropped.
func (b *Box) Remove(match func(SlotControl) bool) int {
	kept := b.queue[:0]
	removed := 0
	for _, q := range b.queue {
		if match(q) {
			removed++
			continue
		}
		kept = append(kept, q)
	}
	b.queue = kept
	return removed
}

// Len returns the number of queued messages.
func (b *Box) Len() int {
	return len(b.queue)
}

// Empty reports whether nothing is queued.
func (b *Box) Empty() bool {
	return len(b.queue) == 0
}

// Clear drops every queued message.
func (b *Box) Clear() {
	b.queue = nil
}

// Messages returns a copy of the queue, oldest first.
func (b *Box) Messages() []SlotControl {
	out := make([]SlotControl, len(b.queue))
	copy(out, b.queue)
	return out
}
