package mpegts

import "fmt"

const (
	// PacketSize is the size of a transport stream packet.
	PacketSize = 188
	syncByte   = 0x47
)

func parsePacket(buf []byte) (*Packet, error) {
	if len(buf) != PacketSize {
		return nil, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), PacketSize)
	}
	if buf[0] != syncByte {
		return nil, fmt.Errorf("mpegts: invalid sync byte 0x%02X", buf[0])
	}

	p := &Packet{}
	h := &p.Header
	h.TransportErrorIndicator = buf[1]&0x80 != 0
	h.PayloadUnitStartIndicator = buf[1]&0x40 != 0
	h.PID = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	h.HasAdaptationField = buf[3]&0x20 != 0
	h.HasPayload = buf[3]&0x10 != 0
	h.ContinuityCounter = buf[3] & 0x0F

	start := 4
	if h.HasAdaptationField {
		afLen := int(buf[4])
		if afLen > 0 {
			h.DiscontinuityIndicator = buf[5]&0x80 != 0
			h.RandomAccessIndicator = buf[5]&0x40 != 0
		}
		start = min(5+afLen, PacketSize)
	}

	if h.HasPayload && start < PacketSize {
		p.Payload = make([]byte, PacketSize-start)
		copy(p.Payload, buf[start:])
	}
	return p, nil
}

// SyncOffset returns the offset of the first packet whose sync byte is
// confirmed by the following packets, or -1 when the data does not look
// like a transport stream. Only the first 1000 bytes are searched.
func SyncOffset(data []byte) int {
	// Require three packets when available, fewer for short inputs.
	need := min(len(data)/PacketSize, 3)
	if need == 0 {
		return -1
	}
	limit := min(len(data)-need*PacketSize, 1000)
	for i := 0; i <= limit; i++ {
		ok := true
		for k := 0; k < need; k++ {
			if data[i+k*PacketSize] != syncByte {
				ok = false
				break
			}
		}
		if ok {
			return i
		}
	}
	return -1
}

// Probe reports whether data starts (after at most 1000 bytes of junk) with
// transport stream packets.
func Probe(data []byte) bool {
	return SyncOffset(data) >= 0
}
