package mp4

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
)

// Sample is one output access unit. Duration and CompositionOffset are in
// the track timescale.
type Sample struct {
	Duration          uint32
	CompositionOffset int32
	Key               bool
	Payload           []byte
}

// Fragment is the content of one moof+mdat pair.
type Fragment struct {
	SequenceNumber uint32
	TrackID        int
	BaseTime       uint64 // tfdt, in the track timescale
	Samples        []Sample
}

// Duration returns the sum of the sample durations.
func (f *Fragment) Duration() uint64 {
	var d uint64
	for _, s := range f.Samples {
		d += uint64(s.Duration)
	}
	return d
}

// Marshal encodes the fragment as moof+mdat.
func (f *Fragment) Marshal() ([]byte, error) {
	samples := make([]*fmp4.Sample, len(f.Samples))
	for i, s := range f.Samples {
		samples[i] = &fmp4.Sample{
			Duration:        s.Duration,
			PTSOffset:       s.CompositionOffset,
			IsNonSyncSample: !s.Key,
			Payload:         s.Payload,
		}
	}
	part := fmp4.Part{
		SequenceNumber: f.SequenceNumber,
		Tracks: []*fmp4.PartTrack{{
			ID:       f.TrackID,
			BaseTime: f.BaseTime,
			Samples:  samples,
		}},
	}
	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return nil, fmt.Errorf("mp4: marshal fragment: %w", err)
	}
	return buf.Bytes(), nil
}

// AVCPayload joins NAL units into a length-prefixed mdat sample.
func AVCPayload(units [][]byte) ([]byte, error) {
	b, err := h264.AVCC(units).Marshal()
	if err != nil {
		return nil, fmt.Errorf("mp4: avc sample: %w", err)
	}
	return b, nil
}
