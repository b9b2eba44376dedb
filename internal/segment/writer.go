package segment

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lightnvr/lightnvr/internal/tspacket"
)

// Writer is the SegmentWriter component for one stream: it fans every
// packet out to the HLS and MP4 sub-writers (independent muxers, per spec
// §4.4, so a failure in one never stops the other) through a single bounded
// inbound queue drained by one goroutine.
type Writer struct {
	cfg    Config
	logger *slog.Logger

	queue *inboundQueue
	mp4   *mp4Writer
	hls   *hlsWriter

	mu      sync.Mutex
	stopped bool
	done    chan struct{}

	motionGate mp4Gate
	onStalled  func()
}

// New builds a SegmentWriter for a stream. register is the RecordingIndex
// hook mp4Writer calls on every sealed segment; onStalled is called
// (non-blocking, best-effort) when the inbound queue saturates with
// keyframes and cannot absorb more packets, so the caller (the stream's
// supervisor entry) can decide whether to restart the worker.
func New(cfg Config, register Register, onStalled func(), logger *slog.Logger) *Writer {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "segmentwriter", "stream", cfg.StreamName)

	w := &Writer{
		cfg:       cfg,
		logger:    logger,
		queue:     newInboundQueue(cfg.QueueCapacity),
		mp4:       newMP4Writer(cfg.StreamName, cfg.MP4, register, logger),
		onStalled: onStalled,
		done:      make(chan struct{}),
	}
	if cfg.MP4Enabled {
		// MP4 writer is always constructed; it simply never opens a muxer
		// unless Write is called, which Run only does when MP4Enabled or a
		// motion event is active (see SetMotionActive).
	}
	w.hls = newHLSWriter(cfg.StreamName, cfg.HLS, logger)
	return w
}

// Route enqueues pkt for the writer's drain loop. Never blocks: under
// pressure it evicts per the queue's drop policy rather than making the
// caller (PacketRouter) wait on disk I/O.
func (w *Writer) Route(pkt *tspacket.Packet) {
	if !w.queue.push(pkt) {
		w.logger.Warn("segment writer queue saturated with keyframes, dropping packet", "stream", w.cfg.StreamName)
		if w.onStalled != nil {
			w.onStalled()
		}
	}
}

// Stalled reports whether the inbound queue is currently in the saturated
// keyframes-only state described in spec §4.4.
func (w *Writer) Stalled() bool { return w.queue.isStalled() }

// mp4Gate gates whether the MP4 sub-writer should be fed: only when
// record_mp4_directly is enabled on the stream, or a motion event is
// currently open.
type mp4Gate struct {
	mu     sync.Mutex
	active bool
}

func (g *mp4Gate) isActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// SetMotionActive opens (or closes) the MP4 sub-writer's gate for streams
// that don't record MP4 directly but do record on motion: the writer starts
// accepting packets into the MP4 path for the duration of the motion event.
func (w *Writer) SetMotionActive(active bool) {
	w.motionGate.mu.Lock()
	w.motionGate.active = active
	w.motionGate.mu.Unlock()
}

// Run drains the inbound queue until ctx is cancelled, fanning each packet
// out to the enabled sub-writers. Intended to run on its own goroutine, one
// per stream, matching the spec's "SegmentWriter runs on its own long-lived
// thread" concurrency model (§5).
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.sealAll(context.Background())
			return
		default:
		}

		pkt := w.queue.pop()
		if pkt == nil {
			select {
			case <-ctx.Done():
				w.sealAll(context.Background())
				return
			case <-time.After(5 * time.Millisecond):
				continue
			}
		}

		if w.cfg.MP4Enabled || w.motionGate.isActive() {
			if err := w.mp4.Write(ctx, pkt); err != nil {
				w.logger.Warn("mp4 write failed", "error", err)
			}
		}
		if err := w.hls.Write(ctx, pkt); err != nil {
			w.logger.Warn("hls write failed", "error", err)
		}
	}
}

func (w *Writer) sealAll(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true

	if err := w.mp4.Close(ctx); err != nil {
		w.logger.Warn("failed to seal mp4 on shutdown", "error", err)
	}
	if err := w.hls.Close(); err != nil {
		w.logger.Warn("failed to close hls muxer on shutdown", "error", err)
	}
}

// Wait blocks until Run has finished sealing and returned.
func (w *Writer) Wait() { <-w.done }

// RotateMP4 requests a boundary at the next keyframe, e.g. on retention
// pressure from the supervisor.
func (w *Writer) RotateMP4() { w.mp4.Rotate() }
