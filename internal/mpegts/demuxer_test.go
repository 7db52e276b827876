package mpegts

import (
	"bytes"
	"errors"
	"testing"
)

func syntheticStream(t *testing.T) []byte {
	t.Helper()
	var stream []byte
	var patCC, pmtCC, vCC, aCC uint8
	stream = append(stream, packetize(0, &patCC, withPointer(buildPAT(1, []program{{1, 0x1000}})))...)
	stream = append(stream, packetize(0x1000, &pmtCC, withPointer(buildPMT(1, 0x100, []esEntry{
		{StreamTypeH264, 0x100},
		{StreamTypeAAC, 0x101},
	})))...)
	for i := int64(0); i < 3; i++ {
		video := buildPESPacket(0xE0, 90000+i*3003, 0, true, false, bytes.Repeat([]byte{0x65}, 300))
		stream = append(stream, packetize(0x100, &vCC, video)...)
		audio := buildPESPacket(0xC0, 90000+i*1920, 0, true, false, bytes.Repeat([]byte{0xAB}, 100))
		stream = append(stream, packetize(0x101, &aCC, audio)...)
	}
	return stream
}

type collected struct {
	pat, pmt  int
	videoPTS  []int64
	audioPTS  []int64
	videoSize []int
}

func (c *collected) add(ds []*DemuxerData) {
	for _, d := range ds {
		switch {
		case d.PAT != nil:
			c.pat++
		case d.PMT != nil:
			c.pmt++
		case d.PID == 0x100:
			c.videoPTS = append(c.videoPTS, d.PES.PTS())
			c.videoSize = append(c.videoSize, len(d.PES.Data))
		case d.PID == 0x101:
			c.audioPTS = append(c.audioPTS, d.PES.PTS())
		}
	}
}

func TestDemuxer_Synthetic(t *testing.T) {
	t.Parallel()
	dmx := NewDemuxer()
	var c collected
	ds, err := dmx.Push(syntheticStream(t))
	if err != nil {
		t.Fatal(err)
	}
	c.add(ds)
	c.add(dmx.Flush())

	if c.pat != 1 || c.pmt != 1 {
		t.Errorf("PAT/PMT = %d/%d, want 1/1", c.pat, c.pmt)
	}
	if len(c.videoPTS) != 3 || c.videoPTS[2] != 90000+2*3003 {
		t.Errorf("video PTS = %v", c.videoPTS)
	}
	if len(c.audioPTS) != 3 || c.audioPTS[1] != 90000+1920 {
		t.Errorf("audio PTS = %v", c.audioPTS)
	}
	for i, n := range c.videoSize {
		if n != 300 {
			t.Errorf("video unit %d size = %d, want 300", i, n)
		}
	}
}

// Splitting the input at any offset must not change the output.
func TestDemuxer_ChunkInvariant(t *testing.T) {
	t.Parallel()
	stream := syntheticStream(t)
	for _, split := range []int{1, 100, PacketSize, PacketSize + 7, len(stream) / 2, len(stream) - 3} {
		dmx := NewDemuxer()
		var c collected
		for _, part := range [][]byte{stream[:split], stream[split:]} {
			ds, err := dmx.Push(part)
			if err != nil {
				t.Fatalf("split %d: %v", split, err)
			}
			c.add(ds)
		}
		c.add(dmx.Flush())
		if len(c.videoPTS) != 3 || len(c.audioPTS) != 3 || c.pmt != 1 {
			t.Errorf("split %d: video=%d audio=%d pmt=%d", split, len(c.videoPTS), len(c.audioPTS), c.pmt)
		}
	}
}

func TestDemuxer_LeadingJunk(t *testing.T) {
	t.Parallel()
	stream := append([]byte{0x00, 0x47, 0x11, 0x22}, syntheticStream(t)...)
	dmx := NewDemuxer()
	var c collected
	ds, err := dmx.Push(stream)
	if err != nil {
		t.Fatal(err)
	}
	c.add(ds)
	c.add(dmx.Flush())
	if len(c.videoPTS) != 3 {
		t.Errorf("video units = %d, want 3", len(c.videoPTS))
	}
}

func TestDemuxer_NoSync(t *testing.T) {
	t.Parallel()
	dmx := NewDemuxer()
	if _, err := dmx.Push(make([]byte, 4*PacketSize)); !errors.Is(err, ErrNoSync) {
		t.Errorf("error = %v, want ErrNoSync", err)
	}
}

func TestDemuxer_PacketsParser(t *testing.T) {
	t.Parallel()
	var seen int
	dmx := NewDemuxer(DemuxerOptPacketsParser(func(ps []*Packet) ([]*DemuxerData, bool, error) {
		if ps[0].Header.PID == 0x101 {
			seen++
			return nil, true, nil
		}
		return nil, false, nil
	}))
	var c collected
	ds, _ := dmx.Push(syntheticStream(t))
	c.add(ds)
	c.add(dmx.Flush())
	if seen != 3 || len(c.audioPTS) != 0 {
		t.Errorf("parser saw %d audio units, demuxer emitted %d", seen, len(c.audioPTS))
	}
}

func TestDemuxer_ResetPendingKeepsPrograms(t *testing.T) {
	t.Parallel()
	stream := syntheticStream(t)
	dmx := NewDemuxer()
	if _, err := dmx.Push(stream); err != nil {
		t.Fatal(err)
	}
	dmx.ResetPending()

	// Without a fresh PAT/PMT the PMT PID is still known.
	if !dmx.pm.isPSI(0x1000) {
		t.Fatal("ResetPending dropped the program map")
	}
	dmx.Reset()
	if dmx.pm.isPSI(0x1000) {
		t.Fatal("Reset kept the program map")
	}
}
