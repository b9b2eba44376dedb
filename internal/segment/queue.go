package segment

import (
	"sync"

	"github.com/lightnvr/lightnvr/internal/tspacket"
)

// inboundQueue is SegmentWriter's bounded packet intake. It generalizes
// motionbuffer.Buffer's eviction idea (oldest-first drop under pressure) but
// applies the spec's keyframe-preserving policy instead of a flat FIFO: when
// full, the oldest non-keyframe packet is evicted first, and only once every
// queued packet is a keyframe does the writer fall over into the stalled
// sub-state (per spec §4.4's back-pressure rule). A plain channel cannot
// express "evict a specific middle element", hence the slice+mutex shape
// instead of the channel-based bounded queue used in internal/eventbus.
type inboundQueue struct {
	mu      sync.Mutex
	items   []*tspacket.Packet
	cap     int
	stalled bool
}

func newInboundQueue(capacity int) *inboundQueue {
	return &inboundQueue{cap: capacity}
}

// push enqueues pkt, evicting per the drop policy if full. Returns false if
// the queue entered (or remains in) the stalled sub-state because every
// queued packet, including the incoming one, is a keyframe.
func (q *inboundQueue) push(pkt *tspacket.Packet) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) < q.cap {
		q.items = append(q.items, pkt)
		q.stalled = false
		return true
	}

	if idx := q.oldestNonKeyframeIndexLocked(); idx != -1 {
		q.items = append(q.items[:idx], q.items[idx+1:]...)
		q.items = append(q.items, pkt)
		q.stalled = false
		return true
	}

	// Every queued packet is a keyframe; nothing safe to drop without
	// losing a GOP start. Drop the incoming packet instead and signal
	// stalled so the caller can tell the supervisor.
	q.stalled = true
	return false
}

func (q *inboundQueue) oldestNonKeyframeIndexLocked() int {
	for i, p := range q.items {
		if !p.Keyframe {
			return i
		}
	}
	return -1
}

// pop removes and returns the oldest queued packet, or nil if empty.
func (q *inboundQueue) pop() *tspacket.Packet {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	pkt := q.items[0]
	q.items = q.items[1:]
	return pkt
}

func (q *inboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *inboundQueue) isStalled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stalled
}
