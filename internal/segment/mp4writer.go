package segment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lightnvr/lightnvr/internal/recordingindex"
	"github.com/lightnvr/lightnvr/internal/tspacket"
)

// Register is how mp4Writer hands a sealed segment to the RecordingIndex.
// Kept as a function value (not a direct *recordingindex.Index field) so
// tests can substitute a fake without standing up a real database.
type Register func(ctx context.Context, seg *recordingindex.Segment) (int64, error)

// mp4Writer is the archival sub-writer: one fragmented MP4 file per
// configured segment interval, rotated on a keyframe once the nominal
// duration has elapsed, the size cap is reached, or an explicit rotation
// request is pending. SPS/PPS parameter-set changes are not detected and do
// not start a new segment.
type mp4Writer struct {
	streamName string
	cfg        MP4Config
	register   Register
	logger     *slog.Logger
	spawn      spawnFunc

	active       muxer
	activePath   string
	segStartWall time.Time
	segStartMS   int64
	bytesWritten int64
	frameCount   int64
	hasDetection bool
	pendingRotate bool
}

func newMP4Writer(streamName string, cfg MP4Config, register Register, logger *slog.Logger) *mp4Writer {
	return &mp4Writer{streamName: streamName, cfg: cfg, register: register, logger: logger, spawn: spawnFFmpegMuxer}
}

// Rotate requests a boundary at the next keyframe, e.g. on an explicit
// retention-pressure signal from the supervisor.
func (w *mp4Writer) Rotate() { w.pendingRotate = true }

// Write feeds one demuxed access unit into the active segment, opening or
// rotating the segment as needed. Packets before the first keyframe of a
// fresh segment are dropped, per the spec's "no non-keyframe start" rule.
func (w *mp4Writer) Write(ctx context.Context, pkt *tspacket.Packet) error {
	if w.active == nil {
		if !pkt.Keyframe {
			return nil
		}
		if err := w.open(ctx, pkt); err != nil {
			return err
		}
	} else if pkt.Keyframe && w.shouldRotate() {
		if err := w.seal(ctx); err != nil {
			w.logger.Warn("failed to seal mp4 segment on rotation", "stream", w.streamName, "error", err)
		}
		if err := w.open(ctx, pkt); err != nil {
			return err
		}
	}

	if err := w.active.write(pkt.Raw); err != nil {
		return w.handleWriteError(ctx, err)
	}
	w.bytesWritten += int64(len(pkt.Raw))
	w.frameCount++
	if pkt.HasPTS {
		// nothing further to derive; end time is recomputed from wall clock
		// at seal time, matching the teacher's ffprobe-derived duration use.
	}
	if w.bytesWritten >= w.cfg.SizeLimitBytes {
		w.pendingRotate = true
	}
	return nil
}

func (w *mp4Writer) shouldRotate() bool {
	if w.pendingRotate {
		return true
	}
	return time.Since(w.segStartWall) >= w.cfg.SegmentDuration
}

func (w *mp4Writer) open(ctx context.Context, first *tspacket.Packet) error {
	now := time.Now()
	dayDir := filepath.Join(w.cfg.OutputDir, w.streamName, now.Format("2006-01-02"))
	if err := os.MkdirAll(dayDir, 0755); err != nil {
		return fmt.Errorf("create segment dir: %w", err)
	}

	startMS := now.UnixMilli()
	path := filepath.Join(dayDir, fmt.Sprintf("%d.mp4", startMS))

	m, err := w.spawn(ctx, mp4MuxerArgs(path), w.logger)
	if err != nil {
		return fmt.Errorf("open mp4 muxer: %w", err)
	}

	w.active = m
	w.activePath = path
	w.segStartWall = now
	w.segStartMS = startMS
	w.bytesWritten = 0
	w.frameCount = 0
	w.hasDetection = false
	w.pendingRotate = false
	return nil
}

// handleWriteError renames the partial file with a .corrupt suffix per the
// spec's failure semantics and clears active state so the next keyframe
// opens a fresh segment; it never returns an error the caller must treat as
// fatal to the worker.
func (w *mp4Writer) handleWriteError(ctx context.Context, writeErr error) error {
	w.logger.Warn("mp4 segment write failed, marking corrupt", "stream", w.streamName, "path", w.activePath, "error", writeErr)
	_ = w.active.close()
	corruptPath := w.activePath + ".corrupt"
	_ = os.Rename(w.activePath, corruptPath)
	w.active = nil
	return nil
}

// seal closes the active muxer, fsyncs the file, and registers it with the
// RecordingIndex. Matches the spec's MP4 registration protocol: flush+fsync,
// insert row, publish segment.sealed (both the insert and the publish happen
// inside Register; the ingest supervisor's Register calls
// recordingindex.Index.InsertSegment and then publishes on the EventBus).
func (w *mp4Writer) seal(ctx context.Context) error {
	if w.active == nil {
		return nil
	}
	m := w.active
	path := w.activePath
	startMS := w.segStartMS
	frameCount := w.frameCount
	hasDetection := w.hasDetection
	w.active = nil

	if err := m.close(); err != nil {
		corruptPath := path + ".corrupt"
		_ = os.Rename(path, corruptPath)
		return fmt.Errorf("close mp4 muxer: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err == nil {
		_ = f.Sync()
		_ = f.Close()
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat sealed segment: %w", err)
	}

	checksum, err := calculateChecksum(path)
	if err != nil {
		w.logger.Warn("failed to checksum sealed segment", "stream", w.streamName, "path", path, "error", err)
	}

	endMS := time.Now().UnixMilli()
	seg := &recordingindex.Segment{
		StreamName:     w.streamName,
		Path:           path,
		Container:      recordingindex.ContainerMP4,
		StartMS:        startMS,
		EndMS:          endMS,
		SizeBytes:      info.Size(),
		FrameCount:     frameCount,
		HasDetection:   hasDetection,
		State:          recordingindex.StateSealed,
		ChecksumSHA256: checksum,
	}

	if w.register != nil {
		if _, err := w.register(ctx, seg); err != nil {
			return fmt.Errorf("register sealed segment: %w", err)
		}
	}
	return nil
}

// calculateChecksum hashes a sealed segment's full contents, matching the
// teacher's DefaultSegmentHandler.CalculateChecksum exactly (open, sha256,
// io.Copy, hex-encode) — the one field this rewrite keeps verbatim since the
// algorithm has no spec-shaped variation to generalize.
func calculateChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SetDetectionFlag is a hook the (out-of-scope) detection pipeline calls to
// mark the currently-open segment as containing a detection, so it carries
// into the registered row's has_detection column.
func (w *mp4Writer) SetDetectionFlag() {
	w.hasDetection = true
}

// Close seals any in-flight segment, used on stream removal / shutdown.
func (w *mp4Writer) Close(ctx context.Context) error {
	return w.seal(ctx)
}
