package mpegts

import (
	"errors"
	"testing"
)

func TestParsePATSection(t *testing.T) {
	t.Parallel()
	pat, err := parsePATSection(buildPAT(1, []program{{0, 0x10}, {1, 0x1000}, {2, 0x1001}}))
	if err != nil {
		t.Fatal(err)
	}
	if len(pat.Programs) != 2 {
		t.Fatalf("programs = %d, want 2 (NIT skipped)", len(pat.Programs))
	}
	if pat.Programs[0].ProgramMapID != 0x1000 || pat.Programs[1].ProgramNumber != 2 {
		t.Errorf("programs = %+v %+v", pat.Programs[0], pat.Programs[1])
	}
}

func TestParsePATSection_BadCRC(t *testing.T) {
	t.Parallel()
	s := buildPAT(1, []program{{1, 0x1000}})
	s[len(s)-1] ^= 0xFF
	if _, err := parsePATSection(s); !errors.Is(err, errCRCMismatch) {
		t.Errorf("error = %v, want CRC mismatch", err)
	}
}

func TestParsePMTSection(t *testing.T) {
	t.Parallel()
	pmt, err := parsePMTSection(buildPMT(1, 0x100, []esEntry{
		{StreamTypeH264, 0x100},
		{StreamTypeAAC, 0x101},
		{StreamTypeMetadata, 0x102},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if pmt.PCRPID != 0x100 || pmt.ProgramNumber != 1 {
		t.Errorf("PCR PID = 0x%X program = %d", pmt.PCRPID, pmt.ProgramNumber)
	}
	if len(pmt.ElementaryStreams) != 3 {
		t.Fatalf("streams = %d, want 3", len(pmt.ElementaryStreams))
	}
	if es := pmt.ElementaryStreams[2]; es.StreamType != StreamTypeMetadata || es.ElementaryPID != 0x102 {
		t.Errorf("stream 2 = %+v", es)
	}
}

func TestParsePSI_StuffingAndPointer(t *testing.T) {
	t.Parallel()
	payload := []byte{0x02, 0xAA, 0xBB} // pointer field skips two bytes
	payload = append(payload, buildPAT(7, []program{{1, 0x42}})...)
	payload = append(payload, 0xFF, 0xFF, 0xFF)

	first := &Packet{Header: PacketHeader{PID: 0}}
	ds, err := parsePSI(payload, first)
	if err != nil {
		t.Fatal(err)
	}
	if len(ds) != 1 || ds[0].PAT == nil {
		t.Fatalf("results = %d, want one PAT", len(ds))
	}
	if ds[0].PAT.Programs[0].ProgramMapID != 0x42 {
		t.Errorf("PMT PID = 0x%X, want 0x42", ds[0].PAT.Programs[0].ProgramMapID)
	}
}

func TestCRC32KnownValue(t *testing.T) {
	t.Parallel()
	// MPEG-2 CRC of "123456789" is 0x0376E6E7.
	if got := CRC32([]byte("123456789")); got != 0x0376E6E7 {
		t.Errorf("CRC32 = 0x%08X, want 0x0376E6E7", got)
	}
}
