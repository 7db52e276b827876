package mpegts

import "errors"

// ErrNoSync is returned by Push when no sync byte can be located in the
// first chunk of a stream.
var ErrNoSync = errors.New("mpegts: no sync byte found")

// Demuxer turns pushed transport stream bytes into PAT, PMT and PES units.
// It is not safe for concurrent use.
type Demuxer struct {
	pm            programMap
	pool          *packetPool
	packetsParser PacketsParser
	carry         []byte
	synced        bool
	skipped       int
}

// NewDemuxer creates a push-mode demuxer.
func NewDemuxer(opts ...func(*Demuxer)) *Demuxer {
	pm := programMap{}
	d := &Demuxer{pm: pm, pool: newPacketPool(pm)}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DemuxerOptPacketsParser installs a callback that sees the raw packets of
// every unit before it is parsed.
func DemuxerOptPacketsParser(p PacketsParser) func(*Demuxer) {
	return func(d *Demuxer) {
		d.packetsParser = p
	}
}

// Skipped returns the number of packets dropped as corrupt since the last
// Reset.
func (d *Demuxer) Skipped() int {
	return d.skipped
}

// Push consumes data and returns every unit completed by it. Trailing bytes
// that do not form a whole packet are kept for the next call.
func (d *Demuxer) Push(data []byte) ([]*DemuxerData, error) {
	buf := data
	if len(d.carry) > 0 {
		buf = append(d.carry, data...)
		d.carry = nil
	}

	if !d.synced {
		off := SyncOffset(buf)
		if off < 0 {
			if len(buf) < 3*PacketSize {
				d.carry = append([]byte(nil), buf...)
				return nil, nil
			}
			return nil, ErrNoSync
		}
		buf = buf[off:]
		d.synced = true
	}

	var out []*DemuxerData
	for len(buf) >= PacketSize {
		if buf[0] != syncByte {
			// Lost sync inside the stream; scan forward to the next 0x47.
			d.skipped++
			i := 1
			for i < len(buf) && buf[i] != syncByte {
				i++
			}
			buf = buf[i:]
			continue
		}
		pkt, err := parsePacket(buf[:PacketSize])
		buf = buf[PacketSize:]
		if err != nil {
			d.skipped++
			continue
		}
		if units := d.pool.add(pkt); units != nil {
			out = append(out, d.process(units)...)
		}
	}
	if len(buf) > 0 {
		d.carry = append([]byte(nil), buf...)
	}
	return out, nil
}

// Flush returns the units still buffered at the end of a fragment. Bounded
// PES units that are still missing bytes remain buffered, so a contiguous
// next fragment can complete them.
func (d *Demuxer) Flush() []*DemuxerData {
	var out []*DemuxerData
	for _, units := range d.pool.dump(true) {
		out = append(out, d.process(units)...)
	}
	return out
}

// ResetPending drops partial packets and partially assembled units but
// keeps the known program map, as needed after a discontinuity.
func (d *Demuxer) ResetPending() {
	d.carry = nil
	d.pool.reset()
	d.synced = false
}

// Reset returns the demuxer to its initial state.
func (d *Demuxer) Reset() {
	d.ResetPending()
	clear(d.pm)
	d.skipped = 0
}

func (d *Demuxer) process(packets []*Packet) []*DemuxerData {
	first := packets[0]
	pid := first.Header.PID

	if d.packetsParser != nil {
		ds, skip, err := d.packetsParser(packets)
		if err != nil {
			d.skipped += len(packets)
			return nil
		}
		if skip {
			return ds
		}
	}

	payload := joinPayloads(packets)
	if len(payload) == 0 {
		return nil
	}

	if d.pm.isPSI(pid) {
		results, err := parsePSI(payload, first)
		if err != nil {
			d.skipped += len(packets)
			return nil
		}
		for _, r := range results {
			if r.PAT == nil {
				continue
			}
			for _, prog := range r.PAT.Programs {
				d.pm[prog.ProgramMapID] = true
			}
		}
		return results
	}

	if !isPESPayload(payload) {
		return nil
	}
	pes, err := parsePES(payload)
	if err != nil {
		d.skipped += len(packets)
		return nil
	}
	return []*DemuxerData{{PID: pid, FirstPacket: first, PES: pes}}
}
