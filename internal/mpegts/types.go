// Package mpegts is the transport-stream packet layer used by the HLS
// demuxer. Bytes are pushed in arbitrary chunks; the layer resyncs on the
// 0x47 sync byte, keeps partial packets and partial PES units between pushes,
// resolves PAT/PMT and hands back reassembled PES payloads with their 33-bit
// PTS/DTS.
package mpegts

// Stream types carried in a PMT that the HLS demuxer understands.
const (
	StreamTypeMPEG1Audio    = 0x03
	StreamTypeMPEG2Audio    = 0x04
	StreamTypeAAC           = 0x0F
	StreamTypeMetadata      = 0x15 // ID3 timed metadata
	StreamTypeH264          = 0x1B
	StreamTypeH265          = 0x24
	StreamTypeAC3SampleAES  = 0xC1
	StreamTypeAACSampleAES  = 0xCF
	StreamTypeH264SampleAES = 0xDB
)

// Packet is a parsed 188-byte transport stream packet.
type Packet struct {
	Header  PacketHeader
	Payload []byte
}

// PacketHeader holds the header fields of a transport stream packet.
type PacketHeader struct {
	PID                       uint16
	ContinuityCounter         uint8
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	DiscontinuityIndicator    bool
	RandomAccessIndicator     bool
}

// DemuxerData is one logical unit produced by the Demuxer. Exactly one of
// PAT, PMT or PES is set.
type DemuxerData struct {
	PID         uint16
	FirstPacket *Packet
	PAT         *PATData
	PMT         *PMTData
	PES         *PESData
}

// PATData is a Program Association Table.
type PATData struct {
	Programs []*PATProgram
}

// PATProgram maps a program number to its PMT PID.
type PATProgram struct {
	ProgramMapID  uint16
	ProgramNumber uint16
}

// PMTData is a Program Map Table.
type PMTData struct {
	ProgramNumber     uint16
	PCRPID            uint16
	ElementaryStreams []*PMTElementaryStream
}

// PMTElementaryStream is one elementary stream entry of a PMT.
type PMTElementaryStream struct {
	ElementaryPID uint16
	StreamType    uint8
}

// PESData is a reassembled Packetized Elementary Stream unit.
type PESData struct {
	Data   []byte
	Header *PESHeader
}

// PESHeader is the parsed PES packet header.
type PESHeader struct {
	OptionalHeader *PESOptionalHeader
	StreamID       uint8
	PacketLength   int
}

// PESOptionalHeader carries the optional PES fields.
type PESOptionalHeader struct {
	PTS *ClockReference
	DTS *ClockReference
}

// ClockReference is a 33-bit timestamp on the 90 kHz clock.
type ClockReference struct {
	Base int64
}

// PTS returns the unit's PTS, or -1 when absent.
func (p *PESData) PTS() int64 {
	if p == nil || p.Header == nil || p.Header.OptionalHeader == nil || p.Header.OptionalHeader.PTS == nil {
		return -1
	}
	return p.Header.OptionalHeader.PTS.Base
}

// DTS returns the unit's DTS, falling back to the PTS, or -1 when neither is
// present.
func (p *PESData) DTS() int64 {
	if p == nil || p.Header == nil || p.Header.OptionalHeader == nil {
		return -1
	}
	if p.Header.OptionalHeader.DTS != nil {
		return p.Header.OptionalHeader.DTS.Base
	}
	return p.PTS()
}

// PacketsParser is invoked with the packets of one completed unit before the
// standard parsing. When skip is true the demuxer does not parse them itself.
type PacketsParser func(ps []*Packet) (ds []*DemuxerData, skip bool, err error)
