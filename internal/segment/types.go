// Package segment turns a per-stream packet stream into sealed HLS and MP4
// recordings, registering each sealed MP4 with the RecordingIndex. It keeps
// the teacher's FFmpeg-subprocess muxing strategy (internal/recording/
// recorder.go builds ffmpeg args and reads its stderr pipe) but runs ffmpeg
// as a pure stream-copy muxer fed over stdin with the raw MPEG-TS bytes the
// tspacket package already demuxed from the camera, instead of pointing
// ffmpeg directly at the RTSP URL — so MP4 segment boundaries are decided
// here, in Go, against the spec's policy rather than left to ffmpeg's own
// timers. HLS segment rotation is left to ffmpeg's HLS muxer.
package segment

import (
	"time"

	"github.com/lightnvr/lightnvr/internal/recordingindex"
)

const defaultQueueCapacity = 256

// MP4Config configures the archival MP4 sub-writer.
type MP4Config struct {
	OutputDir       string
	SegmentDuration time.Duration // default 900s
	SizeLimitBytes  int64         // default 2 GiB
}

func (c MP4Config) withDefaults() MP4Config {
	if c.SegmentDuration <= 0 {
		c.SegmentDuration = 900 * time.Second
	}
	if c.SizeLimitBytes <= 0 {
		c.SizeLimitBytes = 2 << 30
	}
	return c
}

// HLSConfig configures the live HLS sub-writer.
type HLSConfig struct {
	OutputDir       string
	SegmentDuration time.Duration // default 4s
	PlaylistWindow  int           // default 6 segments
}

func (c HLSConfig) withDefaults() HLSConfig {
	if c.SegmentDuration <= 0 {
		c.SegmentDuration = 4 * time.Second
	}
	if c.PlaylistWindow <= 0 {
		c.PlaylistWindow = 6
	}
	return c
}

// Config bundles a stream's SegmentWriter configuration.
type Config struct {
	StreamName     string
	MP4            MP4Config
	MP4Enabled     bool
	HLS            HLSConfig
	QueueCapacity  int // default 256
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = defaultQueueCapacity
	}
	c.MP4 = c.MP4.withDefaults()
	c.HLS = c.HLS.withDefaults()
	return c
}

// sealedSegment is what a sub-writer reports when it finishes a file,
// independent of whether that file gets registered in the RecordingIndex
// (HLS segments never are, per spec §4.4).
type sealedSegment struct {
	Path         string
	Container    recordingindex.Container
	StartMS      int64
	EndMS        int64
	SizeBytes    int64
	FrameCount   int64
	HasDetection bool
	Corrupt      bool
}
