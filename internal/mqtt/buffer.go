package mqtt

import (
	"log"

	"github.com/sweeney/uwb-tdma/internal/ring"
)

// bufferedMsg is a serialized message held for replay after reconnection.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// ringBuffer keeps the most recent messages published while the broker was
// unreachable. The caller synchronizes access.
type ringBuffer struct {
	msgs    *ring.Ring[bufferedMsg]
	dropped int // messages overwritten since the last drain
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{msgs: ring.New[bufferedMsg](capacity)}
}

func (r *ringBuffer) push(msg bufferedMsg) {
	if !r.msgs.Push(msg) {
		return
	}
	if r.dropped == 0 {
		log.Printf("mqtt: buffer full (%d messages), dropping oldest", r.msgs.Cap())
	}
	r.dropped++
}

// drainAll returns the buffered messages oldest first and empties the buffer.
func (r *ringBuffer) drainAll() []bufferedMsg {
	if r.dropped > 0 {
		log.Printf("mqtt: %d buffered messages were lost while disconnected", r.dropped)
		r.dropped = 0
	}
	return r.msgs.Drain()
}

func (r *ringBuffer) len() int {
	return r.msgs.Len()
}
