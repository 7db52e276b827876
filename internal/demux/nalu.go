package demux

// NALUnit is one H.264 NAL unit without its start code.
type NALUnit struct {
	Type byte
	Data []byte
	// Continued is set when the unit's start code was consumed by an
	// earlier Scan call, i.e. the unit spans an input boundary.
	Continued bool
}

// NALUScanner splits an Annex-B byte stream into NAL units. Its state is
// kept between calls, so start codes and units may span any number of
// inputs; the concatenated output does not depend on how the stream was
// chunked.
//
// The scan state follows the usual start code automaton: 0, 1 and 2 count
// the zero bytes seen (3 or more is a four byte start code prefix) and -1
// marks a start code that completed at the end of the previous input.
type NALUScanner struct {
	state   int
	cur     []byte
	started bool
	carried bool
}

// State returns the scanner state for diagnostics.
func (s *NALUScanner) State() int {
	return s.state
}

// Pending reports whether a unit is open and waiting for more bytes.
func (s *NALUScanner) Pending() bool {
	return s.started && len(s.cur) > 0
}

// Scan consumes data and returns every unit completed by it.
func (s *NALUScanner) Scan(data []byte) []NALUnit {
	var units []NALUnit
	if s.started {
		s.carried = true
	}
	for _, b := range data {
		if s.state < 0 {
			s.state = 0
		}
		switch {
		case b == 0:
			if s.state < 3 {
				s.state++
			}
		case b == 1 && s.state >= 2:
			// The zeros of the start code are already in cur.
			if s.started {
				if n := trimZeros(s.cur); n > 0 {
					units = append(units, s.unit(s.cur[:n]))
				}
			}
			s.cur = nil
			s.started = true
			s.carried = false
			s.state = -1
			continue
		default:
			s.state = 0
		}
		if s.started {
			s.cur = append(s.cur, b)
		}
	}
	return units
}

// Flush returns the open unit, if any, and resets the scanner.
func (s *NALUScanner) Flush() []NALUnit {
	var units []NALUnit
	if s.started {
		if n := trimZeros(s.cur); n > 0 {
			units = append(units, s.unit(s.cur[:n]))
		}
	}
	s.Reset()
	return units
}

// Reset drops all carried state.
func (s *NALUScanner) Reset() {
	s.state = 0
	s.cur = nil
	s.started = false
	s.carried = false
}

func (s *NALUScanner) unit(data []byte) NALUnit {
	return NALUnit{Type: data[0] & 0x1F, Data: data, Continued: s.carried}
}

// trimZeros returns the length of b without trailing zero bytes.
func trimZeros(b []byte) int {
	n := len(b)
	for n > 0 && b[n-1] == 0 {
		n--
	}
	return n
}

// ParseAnnexB splits a complete Annex-B buffer into NAL units.
func ParseAnnexB(data []byte) []NALUnit {
	var s NALUScanner
	units := append(s.Scan(data), s.Flush()...)
	for i := range units {
		units[i].Continued = false
	}
	return units
}
