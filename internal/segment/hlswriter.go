package segment

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lightnvr/lightnvr/internal/tspacket"
)

// hlsWriter is the live sub-writer: one long-running ffmpeg HLS muxer per
// stream. Unlike mp4Writer, segment rotation is left to ffmpeg's own HLS
// muxer (it already rotates on the first keyframe at/after hls_time, which
// matches the spec's boundary policy closely enough for a live-only,
// never-registered artifact) so this writer only owns process lifecycle and
// feeding bytes through, not per-segment bookkeeping.
type hlsWriter struct {
	streamName string
	cfg        HLSConfig
	logger     *slog.Logger
	spawn      spawnFunc

	active muxer
}

func newHLSWriter(streamName string, cfg HLSConfig, logger *slog.Logger) *hlsWriter {
	return &hlsWriter{streamName: streamName, cfg: cfg, logger: logger, spawn: spawnFFmpegMuxer}
}

func (w *hlsWriter) Write(ctx context.Context, pkt *tspacket.Packet) error {
	if w.active == nil {
		if !pkt.Keyframe {
			return nil
		}
		if err := w.start(ctx); err != nil {
			return err
		}
	}
	if err := w.active.write(pkt.Raw); err != nil {
		w.logger.Warn("hls muxer write failed, restarting", "stream", w.streamName, "error", err)
		_ = w.active.close()
		w.active = nil
	}
	return nil
}

func (w *hlsWriter) start(ctx context.Context) error {
	dir := filepath.Join(w.cfg.OutputDir, w.streamName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create hls dir: %w", err)
	}

	playlist := filepath.Join(dir, "index.m3u8")
	segPattern := filepath.Join(dir, "seg-%05d.ts")

	m, err := w.spawn(ctx, hlsMuxerArgs(playlist, segPattern, w.cfg.SegmentDuration.Seconds(), w.cfg.PlaylistWindow), w.logger)
	if err != nil {
		return fmt.Errorf("start hls muxer: %w", err)
	}
	w.active = m
	return nil
}

func (w *hlsWriter) Close() error {
	if w.active == nil {
		return nil
	}
	m := w.active
	w.active = nil
	return m.close()
}
