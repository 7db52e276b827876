package demux

import (
	"github.com/zsiec/ccx"

	"github.com/zsiec/refract/internal/media"
)

// captionDecoder turns the CEA-608/708 user data of SEI NAL units into
// text samples. Decoder state lives across access units and fragments.
type captionDecoder struct {
	cea608Decs map[int]*ccx.CEA608Decoder
	cea708Svcs map[int]*ccx.CEA708Service
	dtvccBuf   []byte
	frames     int64

	// Control codes are transmitted twice; the repeat is dropped.
	lastCCCtrl      [2][2]byte
	lastCCWasCtrl   [2]bool
	lastCCCtrlFrame [2]int64
}

func newCaptionDecoder() *captionDecoder {
	c := &captionDecoder{
		cea608Decs: make(map[int]*ccx.CEA608Decoder, 4),
		cea708Svcs: make(map[int]*ccx.CEA708Service, 6),
	}
	for ch := 1; ch <= 4; ch++ {
		c.cea608Decs[ch] = ccx.NewCEA608Decoder()
	}
	for svc := 1; svc <= 6; svc++ {
		c.cea708Svcs[svc] = ccx.NewCEA708Service()
	}
	return c
}

// frame advances the access unit counter used to match repeated control
// codes.
func (c *captionDecoder) frame() {
	c.frames++
}

// decode extracts caption text from one SEI NAL unit, header byte included.
func (c *captionDecoder) decode(sei []byte, pts int64) []*media.UserdataSample {
	if len(sei) < 2 {
		return nil
	}
	rbsp := append([]byte{sei[0]}, RemoveEmulationPrevention(sei[1:])...)
	cd := ccx.ExtractCaptions(rbsp)
	if cd == nil {
		return nil
	}

	var out []*media.UserdataSample
	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]

		f := pair.Field
		if cc1 >= 0x10 && cc1 <= 0x1F {
			cp := [2]byte{cc1, cc2}
			if c.lastCCWasCtrl[f] && c.lastCCCtrl[f] == cp && c.frames-c.lastCCCtrlFrame[f] <= 2 {
				c.lastCCWasCtrl[f] = false
				continue
			}
			c.lastCCCtrl[f] = cp
			c.lastCCWasCtrl[f] = true
			c.lastCCCtrlFrame[f] = c.frames
		} else {
			c.lastCCWasCtrl[f] = false
		}

		dec := c.cea608Decs[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(cc1, cc2); text != "" {
			out = append(out, &media.UserdataSample{PTS: pts, Channel: pair.Channel, Text: text})
		}
	}

	for _, t := range cd.DTVCC {
		if t.Start {
			out = append(out, c.drainDTVCC(pts)...)
			c.dtvccBuf = c.dtvccBuf[:0]
		}
		c.dtvccBuf = append(c.dtvccBuf, t.Data[0], t.Data[1])
	}
	return out
}

func (c *captionDecoder) drainDTVCC(pts int64) []*media.UserdataSample {
	if len(c.dtvccBuf) < 1 {
		return nil
	}
	packetSize := ccx.DTVCCPacketSize(c.dtvccBuf[0])
	if len(c.dtvccBuf) < packetSize {
		return nil
	}

	var out []*media.UserdataSample
	for _, block := range ccx.ParseDTVCCPacket(c.dtvccBuf[:packetSize]) {
		svc := c.cea708Svcs[block.ServiceNum]
		if svc == nil || !svc.ProcessBlock(block.Data) {
			continue
		}
		if text := svc.DisplayText(); text != "" {
			out = append(out, &media.UserdataSample{PTS: pts, Channel: block.ServiceNum + 6, Text: text})
		}
	}
	c.dtvccBuf = c.dtvccBuf[packetSize:]
	return out
}

// reset drops partially received caption data.
func (c *captionDecoder) reset() {
	c.dtvccBuf = c.dtvccBuf[:0]
	c.lastCCWasCtrl = [2]bool{}
}
