package demux

import (
	"bytes"
	"encoding/binary"
)

// transportStreamTimestampOwner is the PRIV owner Apple uses to carry the
// 33-bit MPEG-2 timestamp of the first sample of a packed audio segment.
const transportStreamTimestampOwner = "com.apple.streaming.transportStreamTimestamp"

// ID3Frame is one frame of an ID3v2 tag.
type ID3Frame struct {
	ID   string
	Data []byte
}

// IsID3Header reports whether an ID3v2 header starts at off.
func IsID3Header(data []byte, off int) bool {
	if off+10 > len(data) {
		return false
	}
	h := data[off:]
	return h[0] == 'I' && h[1] == 'D' && h[2] == '3' &&
		h[3] < 0xFF && h[4] < 0xFF &&
		h[6] < 0x80 && h[7] < 0x80 && h[8] < 0x80 && h[9] < 0x80
}

func synchsafe(b []byte) int {
	return int(b[0]&0x7F)<<21 | int(b[1]&0x7F)<<14 | int(b[2]&0x7F)<<7 | int(b[3]&0x7F)
}

// ID3Size returns the total size of the tag at off, footer included, or 0
// when no tag starts there.
func ID3Size(data []byte, off int) int {
	if !IsID3Header(data, off) {
		return 0
	}
	size := 10 + synchsafe(data[off+6:])
	if data[off+5]&0x10 != 0 {
		size += 10
	}
	return size
}

// ID3Tags returns the bytes of the consecutive tags at the start of data.
func ID3Tags(data []byte) []byte {
	off := 0
	for {
		n := ID3Size(data, off)
		if n == 0 || off+n > len(data) {
			break
		}
		off += n
	}
	return data[:off]
}

// ParseID3Frames returns the frames of every tag at the start of data.
// Extended headers are skipped; unsynchronized tags are not supported.
func ParseID3Frames(data []byte) []ID3Frame {
	var frames []ID3Frame
	for off := 0; ; {
		n := ID3Size(data, off)
		if n == 0 || off+n > len(data) {
			return frames
		}
		frames = append(frames, parseID3Tag(data[off:off+n])...)
		off += n
	}
}

func parseID3Tag(tag []byte) []ID3Frame {
	version := tag[3]
	end := 10 + synchsafe(tag[6:])
	off := 10
	if tag[5]&0x40 != 0 && off+4 <= end {
		// Extended header: synchsafe in v2.4, plain plus its own size field in v2.3.
		if version == 4 {
			off += synchsafe(tag[off:])
		} else {
			off += 4 + int(binary.BigEndian.Uint32(tag[off:]))
		}
	}
	var frames []ID3Frame
	for off+10 <= end {
		id := tag[off : off+4]
		if id[0] == 0 {
			break // padding
		}
		size := int(binary.BigEndian.Uint32(tag[off+4:]))
		if version == 4 {
			size = synchsafe(tag[off+4:])
		}
		start := off + 10
		if size <= 0 || start+size > end {
			break
		}
		frames = append(frames, ID3Frame{ID: string(id), Data: tag[start : start+size]})
		off = start + size
	}
	return frames
}

// ID3Timestamp returns the 90 kHz timestamp carried in the Apple transport
// stream timestamp PRIV frame of the leading tags of data.
func ID3Timestamp(data []byte) (int64, bool) {
	for _, f := range ParseID3Frames(data) {
		if f.ID != "PRIV" {
			continue
		}
		owner, rest, ok := bytes.Cut(f.Data, []byte{0})
		if !ok || string(owner) != transportStreamTimestampOwner || len(rest) < 8 {
			continue
		}
		ts := int64(rest[3]&0x01)<<32 | int64(binary.BigEndian.Uint32(rest[4:8]))
		return ts, true
	}
	return 0, false
}
