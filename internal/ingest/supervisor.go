package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/lightnvr/lightnvr/internal/config"
	"github.com/lightnvr/lightnvr/internal/eventbus"
	"github.com/lightnvr/lightnvr/internal/lnvrerr"
	"github.com/lightnvr/lightnvr/internal/motionbuffer"
	"github.com/lightnvr/lightnvr/internal/recordingindex"
	"github.com/lightnvr/lightnvr/internal/segment"
	"github.com/lightnvr/lightnvr/internal/tspacket"
)

// Sentinel errors for the Supervisor's stream registry, mirroring the
// teacher's camera-registry error shapes in internal/recording/service.go.
var (
	ErrDuplicate        = errors.New("ingest: stream already registered")
	ErrNotFound         = errors.New("ingest: stream not registered")
	ErrInvalid          = errors.New("ingest: invalid stream configuration")
	ErrCapacityExceeded = errors.New("ingest: stream capacity exceeded")
)

const (
	// drainTimeout bounds how long Stop/RemoveStream wait for a worker's
	// current connection and SegmentWriter to seal before giving up on a
	// graceful shutdown and moving on, so one stuck stream never wedges
	// process shutdown.
	drainTimeout = 10 * time.Second

	// degradedAfterFailures is the consecutive reconnect-failure count that
	// promotes a stream from quietly retrying to publishing stream.degraded
	// (spec §4.1).
	degradedAfterFailures = 10

	// configErrorLogInterval throttles the log line for a stream stuck on an
	// unrecoverable ConfigurationError, spec §7's "logged at most once per
	// minute" requirement.
	configErrorLogInterval = time.Minute

	// runningResetAfter is how long a connection must stay Running before
	// the backoff pacer resets to its shortest step, per spec §4.1.
	runningResetAfter = 60 * time.Second
)

// Supervisor is the StreamSupervisor component (spec §4.1): it owns one
// IngestWorker goroutine per enabled stream, restarting failed connections
// with backoff and exposing the registry operations SPEC_FULL.md's control
// surface needs (add/remove/enable/list). Grounded on the teacher's
// internal/recording/service.go Service type, generalized from an
// ffmpeg-per-camera-process registry to one that also owns the in-process
// demux/route/write pipeline around each connection.
type Supervisor struct {
	index         *recordingindex.Index
	bus           *eventbus.EventBus
	pool          *motionbuffer.Pool
	recordingsDir string
	maxStreams    int
	open          openFunc
	logger        *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// Config bundles the Supervisor's collaborators.
type Config struct {
	Index         *recordingindex.Index
	Bus           *eventbus.EventBus
	Pool          *motionbuffer.Pool
	RecordingsDir string
	MaxStreams    int // 0 means unlimited
}

// entry is one stream's live state: its configuration, the cancel func and
// goroutine handle for its worker, and the collaborators that worker wires
// packets through.
type entry struct {
	cfg    config.Stream
	cancel context.CancelFunc
	done   chan struct{}

	router *PacketRouter
	writer *segment.Writer
	motion *motionbuffer.Buffer

	mu        sync.Mutex
	state     WorkerState
	lastError string
	startTime time.Time
	packetsIn uint64
	bytesIn   uint64

	motionMu    sync.Mutex
	motionEvent string // non-empty while a motion event is open for this stream
}

// New builds a Supervisor. No workers are started until AddStream is
// called for each configured stream (callers typically do this once per
// config.Root.Streams entry at startup, then again as config changes land
// through config.Config.OnChange).
func New(cfg Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		index:         cfg.Index,
		bus:           cfg.Bus,
		pool:          cfg.Pool,
		recordingsDir: cfg.RecordingsDir,
		maxStreams:    cfg.MaxStreams,
		open:          openFFmpegSource,
		logger:        logger.With("component", "supervisor"),
		entries:       make(map[string]*entry),
	}
}

// AddStream registers and (if enabled) starts a worker for cfg. Returns
// ErrDuplicate if a stream by this name is already registered, ErrInvalid
// if cfg fails local validation or carries a structurally bad source URL,
// and ErrCapacityExceeded if MaxStreams is set and already reached.
func (s *Supervisor) AddStream(cfg config.Stream) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := validateSourceURL(cfg.Name, cfg.URL); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	s.mu.Lock()
	if _, exists := s.entries[cfg.Name]; exists {
		s.mu.Unlock()
		return ErrDuplicate
	}
	if s.maxStreams > 0 && len(s.entries) >= s.maxStreams {
		s.mu.Unlock()
		return ErrCapacityExceeded
	}
	e := s.newEntry(cfg)
	s.entries[cfg.Name] = e
	s.mu.Unlock()

	if cfg.Enabled {
		s.start(e)
	}
	return nil
}

// RemoveStream stops (draining gracefully, up to drainTimeout) and
// unregisters a stream.
func (s *Supervisor) RemoveStream(name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.entries, name)
	s.mu.Unlock()

	s.stop(e)
	return nil
}

// SetEnabled starts or stops name's worker without removing it from the
// registry, used when a config reload flips a stream's enabled flag.
func (s *Supervisor) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	running := e.cancel != nil
	switch {
	case enabled && !running:
		s.start(e)
	case !enabled && running:
		s.stop(e)
	}
	return nil
}

// ListWorkers returns a snapshot of every registered stream's state, the
// list_workers() operation named in spec §4.1.
func (s *Supervisor) ListWorkers() []WorkerInfo {
	s.mu.Lock()
	names := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		names = append(names, e)
	}
	s.mu.Unlock()

	out := make([]WorkerInfo, 0, len(names))
	for _, e := range names {
		e.mu.Lock()
		info := WorkerInfo{
			State:     e.state,
			LastError: e.lastError,
			PacketsIn: e.packetsIn,
			BytesIn:   e.bytesIn,
		}
		if !e.startTime.IsZero() && e.state == StateRunning {
			info.Uptime = time.Since(e.startTime)
		}
		info.Name = e.cfg.Name
		e.mu.Unlock()
		out = append(out, info)
	}
	return out
}

// Stop drains every registered worker concurrently, each bounded by
// drainTimeout, matching the teacher's Service.Stop waitgroup-fan-out
// shutdown shape.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		e := e
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.stop(e)
		}()
	}
	wg.Wait()
}

// ActiveSegmentID reports the row id of streamName's currently-open MP4
// segment, used by RetentionGC to never delete a segment still being
// written. Segments are only inserted into the RecordingIndex once fully
// sealed (see DESIGN.md's Open Question decision on segment registration
// timing), so no row ever represents an in-progress segment and this
// always returns 0 — RetentionGC's exclusion is a no-op in practice, kept
// as an explicit contract rather than removed so a future change to
// registration timing has somewhere to plug in.
func (s *Supervisor) ActiveSegmentID(streamName string) int64 {
	return 0
}

// RotateSegment requests an out-of-band MP4 boundary for streamName at its
// next keyframe, e.g. in response to retention pressure.
func (s *Supervisor) RotateSegment(streamName string) error {
	s.mu.Lock()
	e, ok := s.entries[streamName]
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if e.writer != nil {
		e.writer.RotateMP4()
	}
	return nil
}

// TriggerMotion opens a motion event for streamName: it flushes the
// stream's pre-event buffer into the SegmentWriter's MP4 path, opens the
// MP4 gate so subsequent live packets keep recording, and records a new
// motion_events row. A second trigger while one is already open is a no-op,
// matching spec §4.3's single-open-event-per-stream invariant.
func (s *Supervisor) TriggerMotion(ctx context.Context, streamName, source string) error {
	s.mu.Lock()
	e, ok := s.entries[streamName]
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	e.motionMu.Lock()
	defer e.motionMu.Unlock()
	if e.motionEvent != "" {
		return nil
	}

	startMS := time.Now().UnixMilli()
	eventID, err := s.index.CreateMotionEvent(ctx, streamName, source, startMS)
	if err != nil {
		return err
	}
	e.motionEvent = eventID

	if e.writer != nil {
		e.writer.SetMotionActive(true)
	}
	if e.motion != nil {
		e.motion.Flush(func(pkt *tspacket.Packet) {
			if e.writer != nil {
				e.writer.Route(pkt)
			}
		})
	}
	return nil
}

// EndMotion closes streamName's open motion event, if any, and closes the
// MP4 gate once the configured post-buffer window elapses. A stream with no
// open event is a no-op.
func (s *Supervisor) EndMotion(ctx context.Context, streamName string) error {
	s.mu.Lock()
	e, ok := s.entries[streamName]
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	e.motionMu.Lock()
	eventID := e.motionEvent
	e.motionEvent = ""
	e.motionMu.Unlock()
	if eventID == "" {
		return nil
	}

	postBuffer := time.Duration(e.cfg.PostBufferSeconds) * time.Second
	if postBuffer > 0 {
		time.AfterFunc(postBuffer, func() {
			if e.writer != nil {
				e.writer.SetMotionActive(false)
			}
		})
	} else if e.writer != nil {
		e.writer.SetMotionActive(false)
	}

	endMS := time.Now().UnixMilli()
	return s.index.EndMotionEvent(ctx, eventID, streamName, endMS)
}

func (s *Supervisor) newEntry(cfg config.Stream) *entry {
	return &entry{cfg: cfg, state: StateIdle}
}

// start spins up the SegmentWriter and worker goroutine for e. Must be
// called with e already registered in s.entries.
func (s *Supervisor) start(e *entry) {
	segCfg := segment.Config{
		StreamName: e.cfg.Name,
		MP4Enabled: e.cfg.RecordMP4Directly,
		MP4: segment.MP4Config{
			OutputDir:       s.recordingsDir,
			SegmentDuration: time.Duration(e.cfg.SegmentDurationS) * time.Second,
		},
		HLS: segment.HLSConfig{
			OutputDir: filepath.Join(s.recordingsDir, "hls"),
		},
	}

	register := func(ctx context.Context, seg *recordingindex.Segment) (int64, error) {
		return s.registerSegment(ctx, e, seg)
	}
	onStalled := func() {
		s.logger.Warn("segment writer stalled", "stream", e.cfg.Name)
	}

	e.writer = segment.New(segCfg, register, onStalled, s.logger)
	if e.cfg.MotionRecording && e.cfg.PreBufferSeconds > 0 && s.pool != nil {
		e.motion = motionbuffer.New(s.pool, time.Duration(e.cfg.PreBufferSeconds)*time.Second)
	}
	e.router = newPacketRouter(e.writer, e.motion)

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	s.setState(e, StateConnecting, "")

	go e.writer.Run(ctx)
	go func() {
		defer close(e.done)
		s.runWorker(ctx, e)
	}()
}

// stop cancels e's worker context and waits up to drainTimeout for it (and
// its SegmentWriter) to seal and exit.
func (s *Supervisor) stop(e *entry) {
	if e.cancel == nil {
		return
	}
	e.cancel()

	select {
	case <-e.done:
	case <-time.After(drainTimeout):
		s.logger.Warn("worker did not drain within timeout", "stream", e.cfg.Name)
	}
	if e.writer != nil {
		select {
		case <-waitChan(e.writer):
		case <-time.After(drainTimeout):
			s.logger.Warn("segment writer did not seal within timeout", "stream", e.cfg.Name)
		}
	}

	e.cancel = nil
	s.setState(e, StateStopped, "")
}

// waitChan adapts Writer.Wait (a blocking call) to a channel so stop can
// select against it with a timeout.
func waitChan(w *segment.Writer) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		w.Wait()
		close(ch)
	}()
	return ch
}

// registerSegment wraps Index.InsertSegment with the segment.sealed event
// and the motion-event linkage: when a motion event is currently open for
// this stream, the newly sealed segment's id is appended to it (spec §4.3's
// "segment_ids accumulates across MP4 rotations during an open event").
func (s *Supervisor) registerSegment(ctx context.Context, e *entry, seg *recordingindex.Segment) (int64, error) {
	id, err := s.index.InsertSegment(ctx, seg)
	if err != nil {
		return 0, err
	}
	s.publish(eventbus.SubjectSegmentSealed, map[string]interface{}{
		"id":       id,
		"stream":   seg.StreamName,
		"path":     seg.Path,
		"start_ms": seg.StartMS,
		"end_ms":   seg.EndMS,
	})

	e.motionMu.Lock()
	eventID := e.motionEvent
	e.motionMu.Unlock()
	if eventID != "" {
		if err := s.index.AppendMotionSegment(ctx, eventID, id); err != nil {
			s.logger.Warn("failed to append segment to motion event", "error", err)
		}
	}
	return id, nil
}

// runWorker is the per-stream state machine from spec §4.1: it holds a
// connection open for as long as it can, reconnecting with backoff on
// failure, until ctx is cancelled or an unrecoverable ConfigurationError
// is hit.
func (s *Supervisor) runWorker(ctx context.Context, e *entry) {
	logger := s.logger.With("stream", e.cfg.Name)
	pacer := newBackoffPacer()
	consecutiveFailures := 0
	degraded := false
	var lastConfigErrorLog time.Time

	for {
		if ctx.Err() != nil {
			s.setState(e, StateStopped, "")
			return
		}

		s.setState(e, StateConnecting, "")
		ranLong, connErr := s.runConnection(ctx, e, logger)
		if ctx.Err() != nil {
			s.setState(e, StateStopped, "")
			return
		}

		var cfgErr *lnvrerr.ConfigurationError
		if errors.As(connErr, &cfgErr) {
			if time.Since(lastConfigErrorLog) >= configErrorLogInterval {
				logger.Error("stream configuration is invalid, stopping", "error", connErr)
				lastConfigErrorLog = time.Now()
			}
			s.setState(e, StateStopped, connErr.Error())
			return
		}

		if ranLong {
			consecutiveFailures = 0
			pacer.reset()
			if degraded {
				degraded = false
				s.publish(eventbus.SubjectStreamRecovered, streamEvent{Stream: e.cfg.Name})
			}
			continue
		}

		consecutiveFailures++
		if consecutiveFailures >= degradedAfterFailures && !degraded {
			degraded = true
			s.publish(eventbus.SubjectStreamDegraded, degradedEvent{
				Stream:              e.cfg.Name,
				ConsecutiveFailures: consecutiveFailures,
			})
		}

		s.setState(e, StateReconnecting, connErr.Error())
		if err := pacer.wait(ctx); err != nil {
			s.setState(e, StateStopped, "")
			return
		}
	}
}

// runConnection opens one camera connection and reads from it until ctx is
// cancelled or the read loop hits an error, reporting packets through
// e.router as they arrive. It returns whether the connection stayed up long
// enough (runningResetAfter) to count as a successful run, which resets the
// backoff pacer in runWorker, plus the error that ended the connection (nil
// when ctx was cancelled).
func (s *Supervisor) runConnection(ctx context.Context, e *entry, logger *slog.Logger) (bool, error) {
	src, err := s.open(ctx, e.cfg.URL, logger)
	if err != nil {
		s.reportFailure(e, err)
		return false, err
	}
	defer src.close()

	// A blocked readPacket (the camera went quiet, or the process is
	// exiting) would otherwise never notice ctx cancellation; closing the
	// source unblocks it so this goroutine can observe ctx.Done promptly
	// instead of waiting out a full read timeout.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			src.close()
		case <-watchDone:
		}
	}()

	// StateRunning is reported only once the first keyframe is actually
	// read (spec §4.1/§8): a stream whose source opens but never yields a
	// keyframe must stay Connecting indefinitely and produce no segments,
	// so the transition below happens inside the read loop, not here.
	started := time.Now()
	ranLong := false
	sawKeyframe := false

	for {
		select {
		case <-ctx.Done():
			return true, nil
		default:
		}

		pkt, err := readWithTimeout(src, sourceReadTimeout)
		if err != nil {
			s.reportFailure(e, err)
			return ranLong || time.Since(started) >= runningResetAfter, err
		}

		e.mu.Lock()
		e.packetsIn++
		e.bytesIn += uint64(len(pkt.Raw))
		if e.startTime.IsZero() {
			e.startTime = started
		}
		e.mu.Unlock()

		if !sawKeyframe && pkt.Keyframe {
			sawKeyframe = true
			s.setState(e, StateRunning, "")
		}

		e.router.Route(pkt)

		if !ranLong && time.Since(started) >= runningResetAfter {
			ranLong = true
		}
	}
}

func (s *Supervisor) reportFailure(e *entry, err error) {
	s.setState(e, StateReconnecting, err.Error())
}

// setState updates e's state and publishes the stream.stopped transition
// event when appropriate; stream.recovered and stream.degraded are
// published from runWorker where the consecutive-failure bookkeeping lives.
// Leaving Running clears startTime so a subsequent reconnect's Uptime is
// measured from its own connection, not the stream's very first one.
func (s *Supervisor) setState(e *entry, state WorkerState, lastError string) {
	e.mu.Lock()
	if e.state == StateRunning && state != StateRunning {
		e.startTime = time.Time{}
	}
	e.state = state
	if lastError != "" {
		e.lastError = lastError
	}
	e.mu.Unlock()

	if state == StateStopped {
		s.publish(eventbus.SubjectStreamStopped, streamEvent{Stream: e.cfg.Name})
	}
}

func (s *Supervisor) publish(subject string, payload interface{}) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(subject, payload); err != nil {
		s.logger.Warn("failed to publish event", "subject", subject, "error", err)
	}
}
