package demux

import "encoding/binary"

// Top-level box types that start an fMP4 init or media segment.
var mp4StartBoxes = map[string]bool{
	"ftyp": true, "styp": true, "moov": true, "moof": true,
	"sidx": true, "emsg": true, "prft": true,
}

// ProbeMP4 walks the top-level boxes of data and reports whether they form
// an fMP4 segment: a known leading box, and sizes that chain to the end of
// data or to a moov or moof.
func ProbeMP4(data []byte) bool {
	off := 0
	first := true
	for off+8 <= len(data) {
		size := int(binary.BigEndian.Uint32(data[off:]))
		typ := string(data[off+4 : off+8])
		if first && !mp4StartBoxes[typ] {
			return false
		}
		first = false
		if typ == "moov" || typ == "moof" {
			return true
		}
		switch {
		case size == 1:
			if off+16 > len(data) {
				return false
			}
			size = int(binary.BigEndian.Uint64(data[off+8:]))
		case size == 0:
			size = len(data) - off
		}
		if size < 8 {
			return false
		}
		off += size
	}
	return !first && off == len(data)
}
