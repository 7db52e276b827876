package mpegts

import (
	"errors"
	"fmt"
)

const (
	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

// sections walks the PSI sections of a unit payload (after the pointer
// field) and calls fn with each complete section.
func sections(payload []byte, fn func(tableID byte, section []byte) error) error {
	if len(payload) < 1 {
		return errors.New("mpegts: PSI payload too short")
	}
	off := 1 + int(payload[0])
	if off >= len(payload) {
		return errors.New("mpegts: PSI pointer field out of range")
	}
	for off+3 <= len(payload) {
		tableID := payload[off]
		// 0xFF is stuffing; a clear section_syntax_indicator is zero padding.
		if tableID == 0xFF || payload[off+1]&0x80 == 0 {
			return nil
		}
		end := off + 3 + (int(payload[off+1]&0x0F)<<8 | int(payload[off+2]))
		if end > len(payload) {
			return nil
		}
		if err := fn(tableID, payload[off:end]); err != nil {
			return err
		}
		off = end
	}
	return nil
}

func parsePSI(payload []byte, first *Packet) ([]*DemuxerData, error) {
	var out []*DemuxerData
	err := sections(payload, func(tableID byte, section []byte) error {
		d := &DemuxerData{PID: first.Header.PID, FirstPacket: first}
		switch tableID {
		case tableIDPAT:
			pat, err := parsePATSection(section)
			if err != nil {
				return err
			}
			d.PAT = pat
		case tableIDPMT:
			pmt, err := parsePMTSection(section)
			if err != nil {
				return err
			}
			d.PMT = pmt
		default:
			return nil
		}
		out = append(out, d)
		return nil
	})
	return out, err
}

func parsePATSection(s []byte) (*PATData, error) {
	if err := verifyCRC32(s); err != nil {
		return nil, fmt.Errorf("mpegts: PAT: %w", err)
	}
	if len(s) < 12 {
		return nil, errors.New("mpegts: PAT too short")
	}

	// 8-byte header, 4-byte program entries, trailing CRC.
	pat := &PATData{}
	for i := 8; i+4 <= len(s)-4; i += 4 {
		num := uint16(s[i])<<8 | uint16(s[i+1])
		if num == 0 {
			continue // network PID
		}
		pat.Programs = append(pat.Programs, &PATProgram{
			ProgramNumber: num,
			ProgramMapID:  uint16(s[i+2]&0x1F)<<8 | uint16(s[i+3]),
		})
	}
	return pat, nil
}

func parsePMTSection(s []byte) (*PMTData, error) {
	if err := verifyCRC32(s); err != nil {
		return nil, fmt.Errorf("mpegts: PMT: %w", err)
	}
	if len(s) < 16 {
		return nil, errors.New("mpegts: PMT too short")
	}

	pmt := &PMTData{
		ProgramNumber: uint16(s[3])<<8 | uint16(s[4]),
		PCRPID:        uint16(s[8]&0x1F)<<8 | uint16(s[9]),
	}
	off := 12 + (int(s[10]&0x0F)<<8 | int(s[11]))
	limit := len(s) - 4
	for off+5 <= limit {
		esInfoLen := int(s[off+3]&0x0F)<<8 | int(s[off+4])
		pmt.ElementaryStreams = append(pmt.ElementaryStreams, &PMTElementaryStream{
			StreamType:    s[off],
			ElementaryPID: uint16(s[off+1]&0x1F)<<8 | uint16(s[off+2]),
		})
		off += 5 + esInfoLen
	}
	return pmt, nil
}
