package mpegts

import "slices"

const pidPAT = 0x0000

// programMap records which PIDs carry PMT sections.
type programMap map[uint16]bool

func (pm programMap) isPSI(pid uint16) bool {
	return pid == pidPAT || pm[pid]
}

// packetAccumulator collects the packets of one PID until a unit boundary.
type packetAccumulator struct {
	pid     uint16
	packets []*Packet
	pm      programMap
}

func (pa *packetAccumulator) add(p *Packet) []*Packet {
	if p.Header.TransportErrorIndicator {
		pa.packets = nil
		return nil
	}
	if !p.Header.HasPayload {
		return nil
	}

	if n := len(pa.packets); n > 0 && !p.Header.DiscontinuityIndicator {
		prev := pa.packets[n-1].Header.ContinuityCounter
		if cc := p.Header.ContinuityCounter; cc != (prev+1)&0x0F {
			if cc == prev {
				return nil // retransmitted duplicate
			}
			// Lost packets: the partial unit cannot be trusted.
			pa.packets = nil
		}
	}

	var out []*Packet
	if p.Header.PayloadUnitStartIndicator && len(pa.packets) > 0 {
		out = pa.packets
		pa.packets = nil
	}
	if !p.Header.PayloadUnitStartIndicator && len(pa.packets) == 0 {
		// Continuation of a unit whose start we never saw.
		return out
	}
	pa.packets = append(pa.packets, p)

	if out == nil && pa.pm.isPSI(pa.pid) && psiComplete(pa.packets) {
		out = pa.packets
		pa.packets = nil
	}
	return out
}

// flush returns the buffered packets. Bounded PES units that are still
// missing bytes stay buffered when keepPartial is set.
func (pa *packetAccumulator) flush(keepPartial bool) []*Packet {
	if len(pa.packets) == 0 {
		return nil
	}
	if keepPartial && pesIncomplete(joinPayloads(pa.packets)) {
		return nil
	}
	out := pa.packets
	pa.packets = nil
	return out
}

func joinPayloads(packets []*Packet) []byte {
	n := 0
	for _, p := range packets {
		n += len(p.Payload)
	}
	buf := make([]byte, 0, n)
	for _, p := range packets {
		buf = append(buf, p.Payload...)
	}
	return buf
}

func psiComplete(packets []*Packet) bool {
	payload := joinPayloads(packets)
	if len(payload) < 1 {
		return false
	}
	off := 1 + int(payload[0])
	if off >= len(payload) {
		return false
	}
	for off < len(payload) {
		if payload[off] == 0xFF {
			return true
		}
		if off+3 > len(payload) {
			return false
		}
		if payload[off+1]&0x80 == 0 {
			return true // padding
		}
		end := off + 3 + (int(payload[off+1]&0x0F)<<8 | int(payload[off+2]))
		if end > len(payload) {
			return false
		}
		off = end
	}
	return true
}

// packetPool owns one accumulator per PID.
type packetPool struct {
	accs map[uint16]*packetAccumulator
	pm   programMap
}

func newPacketPool(pm programMap) *packetPool {
	return &packetPool{accs: make(map[uint16]*packetAccumulator), pm: pm}
}

func (pp *packetPool) add(p *Packet) []*Packet {
	acc, ok := pp.accs[p.Header.PID]
	if !ok {
		acc = &packetAccumulator{pid: p.Header.PID, pm: pp.pm}
		pp.accs[p.Header.PID] = acc
	}
	return acc.add(p)
}

// dump flushes every accumulator in PID order so PAT (PID 0) is handled
// before any PMT.
func (pp *packetPool) dump(keepPartial bool) [][]*Packet {
	pids := make([]uint16, 0, len(pp.accs))
	for pid := range pp.accs {
		pids = append(pids, pid)
	}
	slices.Sort(pids)

	var all [][]*Packet
	for _, pid := range pids {
		if packets := pp.accs[pid].flush(keepPartial); packets != nil {
			all = append(all, packets)
		}
	}
	return all
}

func (pp *packetPool) reset() {
	clear(pp.accs)
}
