package mpegts

import (
	"errors"
	"fmt"
)

var errPESStartCode = errors.New("mpegts: invalid PES start code")

func isPESPayload(data []byte) bool {
	return len(data) >= 3 && data[0] == 0 && data[1] == 0 && data[2] == 1
}

// hasPESOptionalHeader reports whether the stream id carries the optional
// PES header (ISO 13818-1 table 2-21).
func hasPESOptionalHeader(streamID byte) bool {
	switch streamID {
	case 0xBC, 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return false
	}
	return true
}

// pesIncomplete reports whether payload is a PES unit with a declared length
// that has not fully arrived yet.
func pesIncomplete(payload []byte) bool {
	if !isPESPayload(payload) || len(payload) < 6 {
		return false
	}
	declared := int(payload[4])<<8 | int(payload[5])
	return declared > 0 && len(payload) < 6+declared
}

func parsePES(payload []byte) (*PESData, error) {
	if len(payload) < 6 {
		return nil, fmt.Errorf("mpegts: PES packet too short (%d bytes)", len(payload))
	}
	if !isPESPayload(payload) {
		return nil, errPESStartCode
	}

	hdr := &PESHeader{
		StreamID:     payload[3],
		PacketLength: int(payload[4])<<8 | int(payload[5]),
	}
	pes := &PESData{Header: hdr}

	end := len(payload)
	if hdr.PacketLength > 0 && 6+hdr.PacketLength < end {
		end = 6 + hdr.PacketLength
	}

	if !hasPESOptionalHeader(hdr.StreamID) {
		pes.Data = payload[6:end]
		return pes, nil
	}
	if len(payload) < 9 {
		return nil, errors.New("mpegts: PES optional header too short")
	}

	// [6] flags, [7] PTS_DTS_flags(2)..., [8] PES_header_data_length
	flags := payload[7] >> 6
	dataStart := min(9+int(payload[8]), end)

	opt := &PESOptionalHeader{}
	hdr.OptionalHeader = opt
	if flags&0x2 != 0 && len(payload) >= 14 {
		opt.PTS = parseTimestamp(payload[9:14])
		if flags == 0x3 && len(payload) >= 19 {
			opt.DTS = parseTimestamp(payload[14:19])
		}
	}

	pes.Data = payload[dataStart:end]
	return pes, nil
}

// parseTimestamp decodes the 5-byte marker-interleaved PTS/DTS field into its
// 33-bit value.
func parseTimestamp(b []byte) *ClockReference {
	v := int64(b[0]&0x0E)<<29 |
		int64(b[1])<<22 |
		int64(b[2]&0xFE)<<14 |
		int64(b[3])<<7 |
		int64(b[4])>>1
	return &ClockReference{Base: v}
}
