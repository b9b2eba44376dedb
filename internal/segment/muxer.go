package segment

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
)

// muxer is the minimal surface mp4Writer/hlsWriter need from a running
// subprocess, extracted as an interface so tests can substitute a fake
// in-memory muxer instead of spawning a real ffmpeg process.
type muxer interface {
	write(raw []byte) error
	close() error
}

// ffmpegMuxer wraps a single `ffmpeg -f mpegts -i pipe:0 ... <output>`
// subprocess that stream-copies raw TS bytes written to its stdin into a
// container file. Grounded on the teacher's exec.CommandContext +
// StderrPipe + bufio.Scanner pattern (internal/recording/recorder.go's
// runFFmpeg/parseFFmpegOutput), generalized from "spawn against an RTSP
// URL" to "spawn against a TS byte pipe fed by this process" since the
// camera connection itself is owned by IngestWorker, not the muxer.
type ffmpegMuxer struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger
}

// spawnFunc is the factory mp4Writer/hlsWriter call to obtain a muxer,
// overridable per-writer in tests.
type spawnFunc func(ctx context.Context, args []string, logger *slog.Logger) (muxer, error)

func spawnFFmpegMuxer(ctx context.Context, args []string, logger *slog.Logger) (muxer, error) {
	return newFFmpegMuxer(ctx, args, logger)
}

func newFFmpegMuxer(ctx context.Context, args []string, logger *slog.Logger) (*ffmpegMuxer, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	m := &ffmpegMuxer{cmd: cmd, stdin: stdin, logger: logger}
	go m.drainStderr(stderr)
	return m, nil
}

func (m *ffmpegMuxer) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(strings.ToLower(line), "error") {
			m.logger.Warn("ffmpeg muxer stderr", "line", line)
		}
	}
}

// write forwards raw TS-framed bytes to the muxer's stdin.
func (m *ffmpegMuxer) write(raw []byte) error {
	_, err := m.stdin.Write(raw)
	return err
}

// close closes stdin (signaling EOF to ffmpeg) and waits for the process to
// exit, flushing and finalizing the container file.
func (m *ffmpegMuxer) close() error {
	if err := m.stdin.Close(); err != nil {
		_ = m.cmd.Process.Kill()
		return err
	}
	return m.cmd.Wait()
}

// mp4MuxerArgs builds the stream-copy args for a single MP4 segment,
// reusing the teacher's fragmented-MP4 movflags (buildFFmpegArgs in
// recorder.go) so output files are seekable without a moov-atom rewrite.
func mp4MuxerArgs(outputPath string) []string {
	return []string{
		"-hide_banner", "-loglevel", "warning",
		"-f", "mpegts", "-i", "pipe:0",
		"-c", "copy",
		"-movflags", "+frag_keyframe+empty_moov+default_base_moof",
		"-f", "mp4",
		"-y", outputPath,
	}
}

// hlsMuxerArgs builds the args for the long-running HLS muxer. -hls_flags
// temp_file gives the write-to-temp-then-rename semantics the spec requires
// for the playlist file; delete_segments keeps the on-disk window bounded to
// playlistWindow entries.
func hlsMuxerArgs(playlistPath, segmentPattern string, segmentSeconds float64, playlistWindow int) []string {
	return []string{
		"-hide_banner", "-loglevel", "warning",
		"-f", "mpegts", "-i", "pipe:0",
		"-c", "copy",
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%.2f", segmentSeconds),
		"-hls_list_size", fmt.Sprintf("%d", playlistWindow),
		"-hls_flags", "temp_file+delete_segments",
		"-hls_segment_filename", segmentPattern,
		"-y", playlistPath,
	}
}
