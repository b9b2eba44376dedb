// Package motionbuffer holds a short pre-event window of encoded packets per
// stream so that when motion starts, the recording already has a few seconds
// of lead-in. It generalizes the teacher's in-memory pre-event ring buffer
// (internal/recording/ringbuffer.go's MemoryRingBuffer) from a single
// duration-only budget to the spec's dual-budget model: each stream has its
// own wall-clock duration budget, and all streams additionally share one
// process-wide memory pool so a handful of busy cameras cannot starve the
// rest of the box's RAM.
package motionbuffer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightnvr/lightnvr/internal/tspacket"
)

// Pool tracks the process-wide memory budget shared across every stream's
// Buffer. A single Pool is constructed at startup from config.MotionBufferConfig
// and handed to each Buffer so inserts across streams contend for the same
// counter.
type Pool struct {
	budget int64
	used   atomic.Int64
}

// NewPool creates a shared pool with the given byte budget.
func NewPool(budgetBytes int64) *Pool {
	return &Pool{budget: budgetBytes}
}

// Used returns the pool's current reservation across all buffers.
func (p *Pool) Used() int64 { return p.used.Load() }

// Budget returns the pool's total byte budget.
func (p *Pool) Budget() int64 { return p.budget }

// reserve attempts to account n additional bytes against the pool, failing
// if doing so would exceed budget.
func (p *Pool) reserve(n int64) bool {
	for {
		cur := p.used.Load()
		next := cur + n
		if next > p.budget {
			return false
		}
		if p.used.CompareAndSwap(cur, next) {
			return true
		}
	}
}

func (p *Pool) release(n int64) {
	p.used.Add(-n)
}

// packetWeight is the number of bytes a packet reserves against the pool.
// Raw (the TS-framed bytes SegmentWriter replays on flush) is the fairer
// accounting when present; Payload is used as a fallback so callers that
// only construct a bare Packet for testing still get sensible accounting.
func packetWeight(pkt *tspacket.Packet) int64 {
	if len(pkt.Raw) > 0 {
		return int64(len(pkt.Raw))
	}
	return int64(len(pkt.Payload))
}

// entry is one buffered packet plus its arrival time, used to evaluate the
// per-stream duration budget independent of any PTS clock (PTS can jump on
// discontinuity; wall-clock arrival time cannot).
type entry struct {
	pkt      *tspacket.Packet
	arrived  time.Time
	size     int64
}

// Stats is the lock-free snapshot returned by Buffer.Stats, sampled
// periodically by the health endpoint.
type Stats struct {
	Packets   int
	Bytes     int64
	DurationS float64
	Drops     uint64
}

// Buffer is a single stream's pre-event packet ring. It is safe for exactly
// one writer (PacketRouter) and one reader (the flush triggered by motion
// start) to operate concurrently; it is not safe for multiple concurrent
// writers or multiple concurrent flushes.
type Buffer struct {
	pool        *Pool
	durationCap time.Duration

	mu      sync.Mutex
	entries []entry // oldest first
	bytes   int64
	drops   atomic.Uint64
	flushed bool // one-shot guard: Flush drains at most once per armed cycle

	// Lock-free snapshot fields for Stats, mirrored under mu whenever entries
	// changes so the health endpoint can sample without contending with the
	// hot Insert path.
	statPackets    atomic.Int64
	statBytes      atomic.Int64
	statOldestNano atomic.Int64
	statNewestNano atomic.Int64
}

// syncStatsLocked refreshes the atomic snapshot fields from the current
// entries slice. Callers must hold mu.
func (b *Buffer) syncStatsLocked() {
	b.statPackets.Store(int64(len(b.entries)))
	b.statBytes.Store(b.bytes)
	if len(b.entries) == 0 {
		b.statOldestNano.Store(0)
		b.statNewestNano.Store(0)
		return
	}
	b.statOldestNano.Store(b.entries[0].arrived.UnixNano())
	b.statNewestNano.Store(b.entries[len(b.entries)-1].arrived.UnixNano())
}

// New creates a per-stream Buffer bounded by durationCap (the stream's
// configured pre-buffer window) and backed by the shared pool for the
// process-wide memory budget.
func New(pool *Pool, durationCap time.Duration) *Buffer {
	return &Buffer{pool: pool, durationCap: durationCap}
}

// Insert appends pkt to the buffer, evicting the oldest packets first until
// both the duration budget and the shared pool budget are satisfied. If pkt
// alone is larger than the pool's entire budget it is dropped outright and
// the drop counter is incremented.
func (b *Buffer) Insert(pkt *tspacket.Packet) {
	size := packetWeight(pkt)
	if size > b.pool.budget {
		b.drops.Add(1)
		return
	}

	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	for !b.pool.reserve(size) {
		if !b.evictOldestLocked() {
			// Pool is saturated by other streams and we hold nothing of our
			// own left to evict; drop this packet rather than block.
			b.drops.Add(1)
			return
		}
	}

	b.entries = append(b.entries, entry{pkt: pkt, arrived: now, size: size})
	b.bytes += size
	b.flushed = false

	b.evictExpiredLocked(now)
	b.syncStatsLocked()
}

// evictOldestLocked drops this buffer's single oldest entry, releasing its
// reservation back to the pool. Returns false if the buffer is empty.
func (b *Buffer) evictOldestLocked() bool {
	if len(b.entries) == 0 {
		return false
	}
	oldest := b.entries[0]
	b.entries = b.entries[1:]
	b.bytes -= oldest.size
	b.pool.release(oldest.size)
	b.drops.Add(1)
	return true
}

// evictExpiredLocked drops entries older than durationCap relative to now.
func (b *Buffer) evictExpiredLocked(now time.Time) {
	if b.durationCap <= 0 {
		return
	}
	cutoff := now.Add(-b.durationCap)
	for len(b.entries) > 0 && b.entries[0].arrived.Before(cutoff) {
		e := b.entries[0]
		b.entries = b.entries[1:]
		b.bytes -= e.size
		b.pool.release(e.size)
	}
}

// Flush drains the buffer oldest-first into onPacket, starting from the
// first keyframe found (packets before it carry no decodable lead-in and are
// discarded). It is one-shot: once a motion event has consumed the buffer,
// subsequent calls before the next Insert return 0 without invoking
// onPacket, matching the spec's "one flush per motion event" semantics.
func (b *Buffer) Flush(onPacket func(*tspacket.Packet)) int {
	b.mu.Lock()
	if b.flushed {
		b.mu.Unlock()
		return 0
	}
	entries := b.entries
	b.entries = nil
	b.bytes = 0
	b.flushed = true
	b.syncStatsLocked()
	b.mu.Unlock()

	start := -1
	for i, e := range entries {
		if e.pkt.Keyframe {
			start = i
			break
		}
	}
	if start == -1 {
		for _, e := range entries {
			b.pool.release(e.size)
		}
		return 0
	}

	count := 0
	for _, e := range entries[start:] {
		onPacket(e.pkt)
		b.pool.release(e.size)
		count++
	}
	for _, e := range entries[:start] {
		b.pool.release(e.size)
	}
	return count
}

// Stats returns a lock-free snapshot of the buffer's current occupancy,
// read entirely from atomics so the health endpoint never contends with the
// hot Insert path for b.mu.
func (b *Buffer) Stats() Stats {
	packets := b.statPackets.Load()
	bytes := b.statBytes.Load()
	oldest := b.statOldestNano.Load()
	newest := b.statNewestNano.Load()

	var durationS float64
	if packets > 0 && newest > oldest {
		durationS = time.Duration(newest - oldest).Seconds()
	}

	return Stats{
		Packets:   int(packets),
		Bytes:     bytes,
		DurationS: durationS,
		Drops:     b.drops.Load(),
	}
}

// Close releases this buffer's outstanding reservation back to the shared
// pool. Callers must not Insert after Close.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.entries {
		b.pool.release(e.size)
	}
	b.entries = nil
	b.bytes = 0
	b.syncStatsLocked()
}
