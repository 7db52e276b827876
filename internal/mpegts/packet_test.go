package mpegts

import "testing"

func TestParsePacket_Normal(t *testing.T) {
	t.Parallel()
	p, err := parsePacket(makePacket(0x100, 5, false, []byte{0x01, 0x02, 0x03}))
	if err != nil {
		t.Fatal(err)
	}
	if p.Header.PID != 0x100 {
		t.Errorf("PID = %d, want %d", p.Header.PID, 0x100)
	}
	if p.Header.ContinuityCounter != 5 {
		t.Errorf("CC = %d, want 5", p.Header.ContinuityCounter)
	}
	if p.Header.PayloadUnitStartIndicator || p.Header.HasAdaptationField {
		t.Error("unexpected PUSI or adaptation field")
	}
	if len(p.Payload) != 184 {
		t.Errorf("payload length = %d, want 184", len(p.Payload))
	}
	if p.Payload[2] != 0x03 {
		t.Error("payload content mismatch")
	}
}

func TestParsePacket_AdaptationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		afLen      int
		payload    []byte
		wantPayLen int
	}{
		{"af_1_byte", 1, []byte{0xAA}, 188 - 6},
		{"af_10_bytes", 10, []byte{0xBB}, 188 - 15},
		{"af_183_bytes_no_payload", 183, nil, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p, err := parsePacket(makePacketWithAF(0x100, 0, tc.afLen, tc.payload))
			if err != nil {
				t.Fatal(err)
			}
			if !p.Header.HasAdaptationField {
				t.Error("HasAdaptationField should be true")
			}
			if len(p.Payload) != tc.wantPayLen {
				t.Errorf("payload length = %d, want %d", len(p.Payload), tc.wantPayLen)
			}
		})
	}
}

func TestParsePacket_DiscontinuityAndRandomAccess(t *testing.T) {
	t.Parallel()
	buf := makePacketWithAF(0x100, 0, 1, []byte{0x01})
	buf[5] = 0xC0
	p, err := parsePacket(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Header.DiscontinuityIndicator || !p.Header.RandomAccessIndicator {
		t.Errorf("indicators = %v/%v, want both set", p.Header.DiscontinuityIndicator, p.Header.RandomAccessIndicator)
	}
}

func TestParsePacket_Errors(t *testing.T) {
	t.Parallel()
	bad := make([]byte, PacketSize)
	if _, err := parsePacket(bad); err == nil {
		t.Error("expected error for bad sync byte")
	}
	if _, err := parsePacket([]byte{0x47, 0x00, 0x00}); err == nil {
		t.Error("expected error for wrong packet size")
	}
}

func TestSyncOffset(t *testing.T) {
	t.Parallel()
	var stream []byte
	for i := 0; i < 3; i++ {
		stream = append(stream, makePacket(0x100, uint8(i), false, nil)...)
	}
	junk := append([]byte{0x47, 0x00, 0x12}, stream...)
	if got := SyncOffset(junk); got != 3 {
		t.Errorf("SyncOffset = %d, want 3", got)
	}
	if got := SyncOffset(stream[:PacketSize]); got != 0 {
		t.Errorf("SyncOffset(single packet) = %d, want 0", got)
	}
	if Probe([]byte("#EXTM3U\n")) {
		t.Error("Probe accepted a playlist")
	}
}

func FuzzParsePacket(f *testing.F) {
	pkt := make([]byte, PacketSize)
	pkt[0], pkt[1], pkt[3] = 0x47, 0x40, 0x10
	f.Add(pkt)
	af := make([]byte, PacketSize)
	af[0], af[1], af[3], af[4] = 0x47, 0x01, 0x30, 0xFF
	f.Add(af)

	f.Fuzz(func(t *testing.T, data []byte) {
		if len(data) != PacketSize {
			return
		}
		parsePacket(data) // must not panic
	})
}
