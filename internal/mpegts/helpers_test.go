package mpegts

import "encoding/binary"

func makePacket(pid uint16, cc uint8, pusi bool, payload []byte) []byte {
	buf := make([]byte, PacketSize)
	buf[0] = syncByte
	buf[1] = byte(pid>>8) & 0x1F
	buf[2] = byte(pid)
	buf[3] = 0x10 | cc&0x0F
	if pusi {
		buf[1] |= 0x40
	}
	copy(buf[4:], payload)
	return buf
}

func makePacketWithAF(pid uint16, cc uint8, afLen int, payload []byte) []byte {
	buf := make([]byte, PacketSize)
	buf[0] = syncByte
	buf[1] = byte(pid>>8) & 0x1F
	buf[2] = byte(pid)
	buf[3] = 0x20 | cc&0x0F
	if len(payload) > 0 {
		buf[3] |= 0x10
	}
	buf[4] = byte(afLen)
	if off := 5 + afLen; off < PacketSize {
		copy(buf[off:], payload)
	}
	return buf
}

// packetize splits a unit payload into packets, padding the last one with
// adaptation field stuffing so no trailing zeros leak into the payload.
func packetize(pid uint16, cc *uint8, unit []byte) []byte {
	var out []byte
	first := true
	for len(unit) > 0 {
		buf := make([]byte, PacketSize)
		buf[0] = syncByte
		buf[1] = byte(pid>>8) & 0x1F
		buf[2] = byte(pid)
		if first {
			buf[1] |= 0x40
		}
		n := min(len(unit), PacketSize-4)
		if n == PacketSize-4 {
			buf[3] = 0x10 | *cc&0x0F
			copy(buf[4:], unit[:n])
		} else {
			// Need at least two bytes for an adaptation field with flags.
			n = min(n, PacketSize-6)
			afLen := PacketSize - 5 - n
			buf[3] = 0x30 | *cc&0x0F
			buf[4] = byte(afLen)
			if afLen > 0 {
				buf[5] = 0x00
				for i := 6; i < 5+afLen; i++ {
					buf[i] = 0xFF
				}
			}
			copy(buf[5+afLen:], unit[:n])
		}
		*cc = (*cc + 1) & 0x0F
		unit = unit[n:]
		first = false
		out = append(out, buf...)
	}
	return out
}

type program struct{ num, pid uint16 }

type esEntry struct {
	streamType uint8
	pid        uint16
}

func buildPAT(tsID uint16, programs []program) []byte {
	sectionLength := 5 + 4*len(programs) + 4
	data := make([]byte, 3+sectionLength)
	data[0] = tableIDPAT
	data[1] = 0xB0 | byte(sectionLength>>8)&0x0F
	data[2] = byte(sectionLength)
	binary.BigEndian.PutUint16(data[3:], tsID)
	data[5] = 0xC1
	off := 8
	for _, p := range programs {
		binary.BigEndian.PutUint16(data[off:], p.num)
		data[off+2] = 0xE0 | byte(p.pid>>8)&0x1F
		data[off+3] = byte(p.pid)
		off += 4
	}
	binary.BigEndian.PutUint32(data[off:], CRC32(data[:off]))
	return data
}

func buildPMT(programNum, pcrPID uint16, streams []esEntry) []byte {
	sectionLength := 9 + 5*len(streams) + 4
	data := make([]byte, 3+sectionLength)
	data[0] = tableIDPMT
	data[1] = 0xB0 | byte(sectionLength>>8)&0x0F
	data[2] = byte(sectionLength)
	binary.BigEndian.PutUint16(data[3:], programNum)
	data[5] = 0xC1
	data[8] = 0xE0 | byte(pcrPID>>8)&0x1F
	data[9] = byte(pcrPID)
	data[10] = 0xF0
	off := 12
	for _, s := range streams {
		data[off] = s.streamType
		data[off+1] = 0xE0 | byte(s.pid>>8)&0x1F
		data[off+2] = byte(s.pid)
		data[off+3] = 0xF0
		off += 5
	}
	binary.BigEndian.PutUint32(data[off:], CRC32(data[:off]))
	return data
}

func withPointer(section []byte) []byte {
	return append([]byte{0x00}, section...)
}

func encodePTS(marker byte, v int64) []byte {
	return []byte{
		marker<<4 | byte(v>>29)&0x0E | 0x01,
		byte(v >> 22),
		byte(v>>14)&0xFE | 0x01,
		byte(v >> 7),
		byte(v<<1)&0xFE | 0x01,
	}
}

func buildPESPacket(streamID byte, pts, dts int64, hasPTS, hasDTS bool, data []byte) []byte {
	var opt []byte
	var flags byte
	switch {
	case hasPTS && hasDTS:
		flags = 3
		opt = append(encodePTS(0x03, pts), encodePTS(0x01, dts)...)
	case hasPTS:
		flags = 2
		opt = encodePTS(0x02, pts)
	}

	length := 3 + len(opt) + len(data)
	if streamID == 0xE0 {
		length = 0
	}
	buf := []byte{0x00, 0x00, 0x01, streamID, byte(length >> 8), byte(length), 0x80, flags << 6, byte(len(opt))}
	buf = append(buf, opt...)
	return append(buf, data...)
}
