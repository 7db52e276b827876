// Package media defines the elementary stream types exchanged between the
// demuxers and the remuxer: tracks of access units carrying raw 90 kHz
// timestamps, plus the ID3 and caption side data found next to them.
package media

// InputTimescale is the MPEG-2 system clock used by PES timestamps.
const InputTimescale = 90000

// Channel buffer sizes between the transmux actor and its callers.
const (
	JobBufferSize    = 4
	ResultBufferSize = 4
)

// TrackType identifies the kind of elementary stream.
type TrackType uint8

const (
	TrackVideo TrackType = iota + 1
	TrackAudio
	TrackID3
	TrackText
)

func (t TrackType) String() string {
	switch t {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	case TrackID3:
		return "id3"
	case TrackText:
		return "text"
	}
	return "unknown"
}

// AudioCodec distinguishes the audio payload carried by a track.
type AudioCodec uint8

const (
	AudioCodecAAC AudioCodec = iota + 1
	AudioCodecMP3
)

// Sample is one access unit. Video samples carry NAL units without start
// codes; audio samples carry one raw frame (no ADTS header for AAC).
type Sample struct {
	PTS   int64
	DTS   int64
	Data  []byte
	Units [][]byte
	Key   bool
	Frame bool // video: at least one slice NAL was seen
}

// Size returns the payload size of the sample as written to mdat, counting
// a 4-byte length prefix per NAL unit for video.
func (s *Sample) Size() int {
	if s.Units == nil {
		return len(s.Data)
	}
	n := 0
	for _, u := range s.Units {
		n += 4 + len(u)
	}
	return n
}

// Track is the demux output for one elementary stream of a fragment.
type Track struct {
	Type           TrackType
	ID             int
	PID            uint16
	Codec          string // RFC 6381, e.g. "avc1.64001f" or "mp4a.40.2"
	ManifestCodec  string
	InputTimescale int
	Samples        []*Sample
	Len            int // total Sample.Size()
	Dropped        int // video frames dropped before the first keyframe
	Encrypted      bool

	// Video.
	Width      int
	Height     int
	PixelRatio [2]int
	SPS        [][]byte
	PPS        [][]byte

	// Audio.
	AudioCodec AudioCodec
	SampleRate int
	Channels   int
	ObjectType int
	Config     []byte // AudioSpecificConfig
	FrameLen   int    // PCM samples per frame when not the codec default
}

// NewTrack returns an empty track of the given type.
func NewTrack(typ TrackType) *Track {
	t := &Track{Type: typ, InputTimescale: InputTimescale, PixelRatio: [2]int{1, 1}}
	switch typ {
	case TrackVideo:
		t.ID = 1
	case TrackAudio:
		t.ID = 2
	case TrackID3:
		t.ID = 3
	case TrackText:
		t.ID = 4
	}
	return t
}

// Push appends a sample and updates the running length.
func (t *Track) Push(s *Sample) {
	t.Samples = append(t.Samples, s)
	t.Len += s.Size()
}

// Reset drops the samples but keeps the codec configuration.
func (t *Track) Reset() {
	t.Samples = nil
	t.Len = 0
	t.Dropped = 0
}

// Detach returns a copy of the track that owns the current samples and
// resets the receiver for the next fragment.
func (t *Track) Detach() *Track {
	c := *t
	t.Reset()
	return &c
}

// Configured reports whether enough codec data has been seen to build an
// initialization segment for the track.
func (t *Track) Configured() bool {
	switch t.Type {
	case TrackVideo:
		return len(t.SPS) > 0 && len(t.PPS) > 0
	case TrackAudio:
		return t.SampleRate > 0 && (t.AudioCodec == AudioCodecMP3 || len(t.Config) > 0)
	}
	return true
}

// FrameDuration returns the duration of one audio frame in 90 kHz ticks.
func (t *Track) FrameDuration() float64 {
	if t.SampleRate == 0 {
		return 0
	}
	return float64(t.SamplesPerFrame()) * InputTimescale / float64(t.SampleRate)
}

// SamplesPerFrame is the number of PCM samples in one audio access unit.
func (t *Track) SamplesPerFrame() int {
	if t.FrameLen > 0 {
		return t.FrameLen
	}
	if t.AudioCodec == AudioCodecMP3 {
		return 1152
	}
	return 1024
}

// MetadataSample is an ID3 tag found in the stream.
type MetadataSample struct {
	PTS  int64
	DTS  int64
	Data []byte
}

// UserdataSample is decoded caption text bound to a video PTS.
type UserdataSample struct {
	PTS     int64
	Channel int
	Text    string
}

// DemuxResult is the output of one demux call.
type DemuxResult struct {
	Audio *Track
	Video *Track
	ID3   []*MetadataSample
	Text  []*UserdataSample
}
