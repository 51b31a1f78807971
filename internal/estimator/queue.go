package estimator

import (
	"context"
	"log"
	"sync"

	"github.com/sweeney/uwb-tdma/internal/metrics"
	"github.com/sweeney/uwb-tdma/internal/ring"
)

// DefaultQueueSize is the queue bound used when none is configured.
const DefaultQueueSize = 20

// Queue is a bounded FIFO of updates. Push never blocks: when the queue is
// full the oldest update is dropped.
type Queue struct {
	mu       sync.Mutex
	updates  *ring.Ring[Update]
	dropped  int
	overflow bool // an update was dropped since the last drain

	ready   chan struct{}
	metrics *metrics.Metrics
}

// NewQueue creates a queue holding at most capacity updates. m may be nil.
func NewQueue(capacity int, m *metrics.Metrics) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &Queue{
		updates: ring.New[Update](capacity),
		ready:   make(chan struct{}, 1),
		metrics: m,
	}
}

// Push appends u and wakes the consumer.
func (q *Queue) Push(u Update) {
	q.mu.Lock()
	if q.updates.Push(u) {
		if !q.overflow {
			log.Printf("estimator: queue full (%d updates), dropping oldest", q.updates.Cap())
			q.overflow = true
		}
		q.dropped++
		q.metrics.RecordUpdateDropped()
	}
	q.mu.Unlock()

	q.metrics.RecordUpdate(string(u.Type))
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled after a Push. One signal may cover several updates.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Drain removes and returns every queued update, oldest first.
func (q *Queue) Drain() []Update {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.overflow = false
	return q.updates.Drain()
}

// Len returns the number of queued updates.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.updates.Len()
}

// Dropped returns how many updates were overwritten since creation.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Sink consumes updates.
type Sink interface {
	PublishUpdate(u Update) error
}

// Forward hands queued updates to sink until ctx is done. Delivery is at
// most once: a failed publish is logged and the update is dropped.
// Updates still queued at cancellation are flushed before returning.
func Forward(ctx context.Context, q *Queue, sink Sink) error {
	for {
		select {
		case <-ctx.Done():
			flush(q, sink)
			return nil
		case <-q.Ready():
			flush(q, sink)
		}
	}
}

func flush(q *Queue, sink Sink) {
	for _, u := range q.Drain() {
		if err := sink.PublishUpdate(u); err != nil {
			log.Printf("estimator: publish %s update: %v", u.Type, err)
		}
	}
}
