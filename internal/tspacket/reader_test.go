package tspacket

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

// buildPATPacket builds a single TS packet carrying a minimal PAT pointing
// program 1 at PMT PID pmtPID.
func buildPATPacket(pmtPID uint16) []byte {
	pkt := make([]byte, packetSize)
	pkt[0] = syncByte
	pkt[1] = 0x40 // payload_unit_start_indicator
	pkt[2] = 0x00 // PID low byte (PAT = 0x0000)
	pkt[3] = 0x10 // payload only, continuity 0

	section := make([]byte, 0, 16)
	section = append(section, 0x00)                     // table id
	lengthPlaceholderIdx := len(section)
	section = append(section, 0x00, 0x00)                // section_length placeholder
	section = append(section, 0x00, 0x01)                // transport_stream_id
	section = append(section, 0xC1, 0x00, 0x00)          // version/current, section/last number
	progBuf := make([]byte, 4)
	binary.BigEndian.PutUint16(progBuf[0:2], 1)
	binary.BigEndian.PutUint16(progBuf[2:4], pmtPID&0x1FFF)
	section = append(section, progBuf...)
	section = append(section, 0, 0, 0, 0) // fake CRC32

	sectionLength := len(section) - 3 // bytes after the length field, CRC included
	section[lengthPlaceholderIdx] = byte(0x00 | ((sectionLength >> 8) & 0x0F))
	section[lengthPlaceholderIdx+1] = byte(sectionLength & 0xFF)

	payload := append([]byte{0x00}, section...) // pointer_field = 0
	copy(pkt[4:], payload)
	return pkt
}

func buildPMTPacket(pmtPID, videoPID uint16) []byte {
	pkt := make([]byte, packetSize)
	pkt[0] = syncByte
	pkt[1] = 0x40 | byte((pmtPID>>8)&0x1F)
	pkt[2] = byte(pmtPID & 0xFF)
	pkt[3] = 0x10

	section := make([]byte, 0, 32)
	section = append(section, 0x02) // table id
	lengthPlaceholderIdx := len(section)
	section = append(section, 0x00, 0x00)       // section_length placeholder
	section = append(section, 0x00, 0x01)       // program_number
	section = append(section, 0xC1, 0x00, 0x00) // version/current, section/last
	section = append(section, 0xE0, 0x00)       // PCR PID (unused)
	section = append(section, 0xF0, 0x00)       // program_info_length = 0

	// one stream entry: H.264 video on videoPID
	section = append(section, 0x1B)
	esPID := make([]byte, 2)
	binary.BigEndian.PutUint16(esPID, videoPID&0x1FFF)
	esPID[0] |= 0xE0
	section = append(section, esPID...)
	section = append(section, 0xF0, 0x00) // ES_info_length = 0

	section = append(section, 0, 0, 0, 0) // fake CRC32

	sectionLength := len(section) - 3 // bytes after the length field, CRC included
	section[lengthPlaceholderIdx] = byte((sectionLength >> 8) & 0x0F)
	section[lengthPlaceholderIdx+1] = byte(sectionLength & 0xFF)

	payload := append([]byte{0x00}, section...)
	copy(pkt[4:], payload)
	return pkt
}

func buildVideoPacketWithPES(videoPID uint16, keyframe bool, pts int64, payload []byte) []byte {
	pkt := make([]byte, packetSize)
	pkt[0] = syncByte
	pkt[1] = 0x40 | byte((videoPID>>8)&0x1F) // payload_unit_start
	pkt[2] = byte(videoPID & 0xFF)

	adaptationControl := byte(0x30) // adaptation field + payload
	pkt[3] = adaptationControl

	adaptLen := 2
	pkt[4] = byte(adaptLen)
	flags := byte(0x00)
	if keyframe {
		flags |= 0x40
	}
	pkt[5] = flags
	pkt[6] = 0x00 // stuffing

	pes := []byte{0x00, 0x00, 0x01, 0xE0, 0x00, 0x00, 0x80, 0x80, 0x05}
	ptsBytes := make([]byte, 5)
	ptsBytes[0] = 0x21 | byte((pts>>29)&0x0E)
	ptsBytes[1] = byte(pts >> 22)
	ptsBytes[2] = byte((pts>>14)&0xFE) | 0x01
	ptsBytes[3] = byte(pts >> 7)
	ptsBytes[4] = byte((pts<<1)&0xFE) | 0x01
	pes = append(pes, ptsBytes...)
	pes = append(pes, payload...)

	copy(pkt[7:], pes)
	return pkt
}

func TestReadPacketDiscoversVideoPIDAndExtractsPTS(t *testing.T) {
	const pmtPID = 0x100
	const videoPID = 0x101

	var stream bytes.Buffer
	stream.Write(buildPATPacket(pmtPID))
	stream.Write(buildPMTPacket(pmtPID, videoPID))
	stream.Write(buildVideoPacketWithPES(videoPID, true, 90000, bytes.Repeat([]byte{0xAA}, 100)))
	stream.Write(buildVideoPacketWithPES(videoPID, false, 99000, bytes.Repeat([]byte{0xBB}, 50)))

	r := NewReader(&stream)

	pkt, err := r.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if pkt.PID != videoPID {
		t.Errorf("expected PID %x, got %x", videoPID, pkt.PID)
	}
	if !pkt.Keyframe {
		t.Error("expected first packet to be flagged as a keyframe")
	}
	if !pkt.HasPTS || pkt.PTS90kHz != 90000 {
		t.Errorf("expected PTS 90000, got %d (hasPTS=%v)", pkt.PTS90kHz, pkt.HasPTS)
	}
	if len(pkt.Payload) == 0 {
		t.Error("expected non-empty payload")
	}
	if len(pkt.Raw) != packetSize {
		t.Errorf("expected Raw to hold exactly one 188-byte TS packet, got %d bytes", len(pkt.Raw))
	}
	if pkt.Raw[0] != syncByte {
		t.Error("expected Raw to start with the TS sync byte")
	}
}

func TestReadPacketEOF(t *testing.T) {
	r := NewReader(bytes.NewReader(nil))
	if _, err := r.ReadPacket(); err != io.EOF {
		t.Errorf("expected io.EOF on empty stream, got %v", err)
	}
}

func TestParsePESHeaderPTSRejectsNonPESPrefix(t *testing.T) {
	if _, ok := parsePESHeaderPTS([]byte{0x01, 0x02, 0x03}); ok {
		t.Error("expected no PTS for non-PES-prefixed payload")
	}
}
