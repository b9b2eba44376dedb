package ingest

import (
	"github.com/lightnvr/lightnvr/internal/motionbuffer"
	"github.com/lightnvr/lightnvr/internal/segment"
	"github.com/lightnvr/lightnvr/internal/tspacket"
)

// PacketRouter is the per-stream fan-out named in spec §2/§4.3: every
// packet reaches the SegmentWriter; a copy also reaches the MotionBuffer
// when the stream has pre-buffering enabled. Spec §9 describes the router
// itself as negligible work ("pointer copies"), so unlike most components
// here it has no teacher file to generalize from — recorder.go never
// buffers pre-event packets at all, since the teacher points ffmpeg
// straight at the camera and has no notion of a pre-trigger window.
type PacketRouter struct {
	writer *segment.Writer
	motion *motionbuffer.Buffer
}

func newPacketRouter(writer *segment.Writer, motion *motionbuffer.Buffer) *PacketRouter {
	return &PacketRouter{writer: writer, motion: motion}
}

// Route fans pkt out to the writer and, when motion buffering is enabled
// for this stream, to the pre-event buffer. Never blocks: both downstream
// calls are themselves designed to degrade (drop) under pressure rather
// than stall the single producer.
func (r *PacketRouter) Route(pkt *tspacket.Packet) {
	r.writer.Route(pkt)
	if r.motion != nil {
		r.motion.Insert(pkt)
	}
}
