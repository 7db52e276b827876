package demux

import (
	"encoding/binary"

	"github.com/zsiec/refract/internal/mpegts"
)

// sps720p is a real High profile SPS for 1280x720.
var sps720p = []byte{
	0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50, 0x05, 0xbb, 0xff, 0x00,
	0x03, 0x00, 0x04, 0x6a, 0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
	0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
}

var (
	testPPS    = []byte{0x68, 0xEB, 0xE3, 0xCB, 0x22, 0xC0}
	testAUD    = []byte{0x09, 0xF0}
	testIDR    = []byte{0x65, 0x88, 0x84, 0x21, 0xA0, 0x55, 0x66}
	testPSlice = []byte{0x41, 0x98, 0x11, 0x22, 0x33}       // slice_type 5 (P)
	testISlice = []byte{0x41, 0x88, 0x80, 0x44, 0x55, 0x66} // slice_type 7 (I)
)

func annexB(units ...[]byte) []byte {
	var out []byte
	for _, u := range units {
		out = append(out, 0x00, 0x00, 0x00, 0x01)
		out = append(out, u...)
	}
	return out
}

// adtsFrame wraps payload in a 7-byte AAC-LC ADTS header (48 kHz, stereo).
func adtsFrame(payload []byte) []byte {
	frameLen := 7 + len(payload)
	h := []byte{
		0xFF, 0xF1,
		1<<6 | 3<<2, // AAC-LC, 48 kHz
		2<<6 | byte(frameLen>>11)&0x03,
		byte(frameLen >> 3),
		byte(frameLen&0x07)<<5 | 0x1F,
		0xFC,
	}
	return append(h, payload...)
}

// tsWriter builds a transport stream with per-PID continuity counters.
type tsWriter struct {
	buf []byte
	cc  map[uint16]uint8
}

func newTSWriter() *tsWriter {
	return &tsWriter{cc: make(map[uint16]uint8)}
}

func (w *tsWriter) bytes() []byte {
	return w.buf
}

// unit splits payload into packets, stuffing the last one through its
// adaptation field.
func (w *tsWriter) unit(pid uint16, payload []byte) {
	first := true
	for len(payload) > 0 {
		pkt := make([]byte, mpegts.PacketSize)
		pkt[0] = 0x47
		pkt[1] = byte(pid>>8) & 0x1F
		pkt[2] = byte(pid)
		if first {
			pkt[1] |= 0x40
		}
		cc := w.cc[pid]
		n := min(len(payload), mpegts.PacketSize-4)
		if n == mpegts.PacketSize-4 {
			pkt[3] = 0x10 | cc
			copy(pkt[4:], payload[:n])
		} else {
			n = min(n, mpegts.PacketSize-6)
			afLen := mpegts.PacketSize - 5 - n
			pkt[3] = 0x30 | cc
			pkt[4] = byte(afLen)
			if afLen > 0 {
				pkt[5] = 0x00
				for i := 6; i < 5+afLen; i++ {
					pkt[i] = 0xFF
				}
			}
			copy(pkt[5+afLen:], payload[:n])
		}
		w.cc[pid] = (cc + 1) & 0x0F
		payload = payload[n:]
		first = false
		w.buf = append(w.buf, pkt...)
	}
}

type stream struct {
	typ uint8
	pid uint16
}

// psi writes a PAT pointing at PMT PID 0x1000 and the PMT itself.
func (w *tsWriter) psi(streams ...stream) {
	pat := []byte{0x00, 0xB0, 13, 0x00, 0x01, 0xC1, 0x00, 0x00, 0x00, 0x01, 0xF0, 0x00}
	pat = binary.BigEndian.AppendUint32(pat, mpegts.CRC32(pat))
	w.unit(0, append([]byte{0x00}, pat...))

	sectionLen := 9 + 5*len(streams) + 4
	pmt := []byte{0x02, 0xB0 | byte(sectionLen>>8), byte(sectionLen), 0x00, 0x01, 0xC1, 0x00, 0x00, 0xE1, 0x00, 0xF0, 0x00}
	for _, s := range streams {
		pmt = append(pmt, s.typ, 0xE0|byte(s.pid>>8), byte(s.pid), 0xF0, 0x00)
	}
	pmt = binary.BigEndian.AppendUint32(pmt, mpegts.CRC32(pmt))
	w.unit(0x1000, append([]byte{0x00}, pmt...))
}

func encodeTimestamp(marker byte, v int64) []byte {
	return []byte{
		marker<<4 | byte(v>>29)&0x0E | 0x01,
		byte(v >> 22),
		byte(v>>14)&0xFE | 0x01,
		byte(v >> 7),
		byte(v<<1)&0xFE | 0x01,
	}
}

// pes writes one PES unit. A negative pts omits the timestamps; video
// (stream id 0xE0) uses an unbounded length.
func (w *tsWriter) pes(pid uint16, streamID byte, pts, dts int64, data []byte) {
	var opt []byte
	var flags byte
	switch {
	case pts >= 0 && dts >= 0 && dts != pts:
		flags = 3
		opt = append(encodeTimestamp(0x03, pts), encodeTimestamp(0x01, dts)...)
	case pts >= 0:
		flags = 2
		opt = encodeTimestamp(0x02, pts)
	}
	length := 3 + len(opt) + len(data)
	if streamID == 0xE0 {
		length = 0
	}
	buf := []byte{0x00, 0x00, 0x01, streamID, byte(length >> 8), byte(length), 0x80, flags << 6, byte(len(opt))}
	buf = append(buf, opt...)
	w.unit(pid, append(buf, data...))
}

const (
	pidVideo = 0x100
	pidAudio = 0x101
	pidID3   = 0x102
)

// id3WithTimestamp builds an ID3v2.4 tag holding the Apple transport
// stream timestamp PRIV frame.
func id3WithTimestamp(ts int64) []byte {
	priv := append([]byte(transportStreamTimestampOwner), 0x00)
	priv = append(priv, byte(ts>>56), byte(ts>>48), byte(ts>>40), byte(ts>>32),
		byte(ts>>24), byte(ts>>16), byte(ts>>8), byte(ts))
	frame := []byte{'P', 'R', 'I', 'V'}
	frame = append(frame, synchsafeBytes(len(priv))...)
	frame = append(frame, 0x00, 0x00)
	frame = append(frame, priv...)

	tag := []byte{'I', 'D', '3', 0x04, 0x00, 0x00}
	tag = append(tag, synchsafeBytes(len(frame))...)
	return append(tag, frame...)
}

func synchsafeBytes(n int) []byte {
	return []byte{byte(n>>21) & 0x7F, byte(n>>14) & 0x7F, byte(n>>7) & 0x7F, byte(n) & 0x7F}
}
