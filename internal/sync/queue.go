package sync

import (
	"sync"

	"github.com/rawblock/cojson/pkg/covalue"
)

// outboundQueue is one peer's pending outbound frames. Past the
// high-water mark, a newly pushed Known message collapses onto any
// already-queued Known for the same CoValue rather than piling up
// (§4.8 backpressure: "coalesces queued Known per ID").
type outboundQueue struct {
	mu     sync.Mutex
	items  []covalue.Message
	notify chan struct{}
	hwm    int
}

func newOutboundQueue(hwm int) *outboundQueue {
	return &outboundQueue{notify: make(chan struct{}, 1), hwm: hwm}
}

func (q *outboundQueue) push(msg covalue.Message) {
	q.mu.Lock()
	if msg.Kind == covalue.MessageKnown && len(q.items) > q.hwm {
		for i, existing := range q.items {
			if existing.Kind == covalue.MessageKnown && existing.ID.String() == msg.ID.String() {
				q.items[i] = msg
				q.mu.Unlock()
				q.signal()
				return
			}
		}
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()
	q.signal()
}

func (q *outboundQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *outboundQueue) drain() []covalue.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = nil
	return out
}
