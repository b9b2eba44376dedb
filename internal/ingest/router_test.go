package ingest

import (
	"testing"

	"github.com/lightnvr/lightnvr/internal/motionbuffer"
	"github.com/lightnvr/lightnvr/internal/segment"
	"github.com/lightnvr/lightnvr/internal/tspacket"
)

func testPacket() *tspacket.Packet {
	return &tspacket.Packet{Keyframe: true, Raw: []byte{0x47, 0x00, 0x00, 0x00}}
}

func TestPacketRouterRoutesToWriterOnly(t *testing.T) {
	cfg := segment.Config{StreamName: "cam1"}
	w := segment.New(cfg, nil, nil, nil)
	r := newPacketRouter(w, nil)

	// Route must not panic with a nil motion buffer: not every stream has
	// pre-buffering enabled.
	r.Route(testPacket())
}

func TestPacketRouterFansOutToMotionBuffer(t *testing.T) {
	cfg := segment.Config{StreamName: "cam1"}
	w := segment.New(cfg, nil, nil, nil)
	pool := motionbuffer.NewPool(1 << 20)
	buf := motionbuffer.New(pool, 0)
	r := newPacketRouter(w, buf)

	r.Route(testPacket())

	stats := buf.Stats()
	if stats.Packets != 1 {
		t.Fatalf("expected motion buffer to receive 1 packet, got %d", stats.Packets)
	}
}
