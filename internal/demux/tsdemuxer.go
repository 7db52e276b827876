package demux

import (
	"log/slog"

	"github.com/zsiec/refract/internal/media"
	"github.com/zsiec/refract/internal/mpegts"
)

// Options controls one Demux call.
type Options struct {
	// TimeOffset is the fragment start in seconds. Raw AAC without an ID3
	// timestamp uses it as its base PTS.
	TimeOffset float64
	// Contiguous is set when the input directly follows the previous input
	// (same level, next sequence number, same discontinuity counter). Parse
	// state carried from the previous call is only used when it is set.
	Contiguous bool
	// SampleAES holds the key for SAMPLE-AES protected streams.
	SampleAES *SampleAES
}

// Demuxer is a container front-end producing elementary stream tracks.
type Demuxer interface {
	Demux(data []byte, opts Options) (*media.DemuxResult, error)
	// ResetInitSegment forgets codec configuration, as needed on a level or
	// codec switch.
	ResetInitSegment()
	// Reset drops all state.
	Reset()
}

// TSDemuxer demuxes MPEG-2 transport stream fragments into AVC video, AAC
// or MPEG audio, ID3 metadata and caption text.
type TSDemuxer struct {
	log *slog.Logger
	ts  *mpegts.Demuxer

	video *media.Track
	audio *media.Track
	id3   *media.Track

	pmtParsed bool
	sampleAES bool

	nalus     NALUScanner
	adts      ADTSParser
	captions  *captionDecoder
	avcSample *media.Sample
	pesPTS    int64
	pesDTS    int64

	contiguous bool
	metadata   []*media.MetadataSample
	text       []*media.UserdataSample
	warnings   int
}

// NewTSDemuxer creates a transport stream demuxer. If log is nil,
// slog.Default() is used.
func NewTSDemuxer(log *slog.Logger) *TSDemuxer {
	if log == nil {
		log = slog.Default()
	}
	d := &TSDemuxer{
		log:      log.With("component", "tsdemux"),
		ts:       mpegts.NewDemuxer(),
		captions: newCaptionDecoder(),
	}
	d.ResetInitSegment()
	return d
}

// ProbeTS reports whether data looks like a transport stream.
func ProbeTS(data []byte) bool {
	return mpegts.Probe(data)
}

// ResetInitSegment forgets the program map and codec configuration.
func (d *TSDemuxer) ResetInitSegment() {
	d.ts.Reset()
	d.video = media.NewTrack(media.TrackVideo)
	d.audio = media.NewTrack(media.TrackAudio)
	d.id3 = media.NewTrack(media.TrackID3)
	d.pmtParsed = false
	d.sampleAES = false
	d.resetContiguity()
}

// Reset drops all state.
func (d *TSDemuxer) Reset() {
	d.ResetInitSegment()
	d.captions = newCaptionDecoder()
}

// resetContiguity drops the state carried between contiguous fragments.
func (d *TSDemuxer) resetContiguity() {
	d.ts.ResetPending()
	d.nalus.Reset()
	d.adts.Reset()
	d.captions.reset()
	d.avcSample = nil
	d.pesPTS, d.pesDTS = -1, -1
}

// Demux parses one fragment. Bounded PES units and ADTS frames cut by the
// end of data are completed by the next call when it is contiguous.
func (d *TSDemuxer) Demux(data []byte, opts Options) (*media.DemuxResult, error) {
	if !opts.Contiguous {
		d.resetContiguity()
	}
	d.contiguous = opts.Contiguous
	d.warnings = 0

	units, err := d.ts.Push(data)
	if err != nil {
		return nil, &ParseError{Container: "ts", Err: err}
	}
	units = append(units, d.ts.Flush()...)
	for _, u := range units {
		d.handle(u)
	}
	for _, u := range d.nalus.Flush() {
		d.handleNAL(u)
	}
	d.pushAccessUnit()

	if !d.pmtParsed {
		return nil, &ParseError{Container: "ts", Err: ErrNoPMT}
	}
	if d.warnings > 0 {
		d.log.Debug("fragment parsed with errors", "count", d.warnings)
	}
	return d.result(opts)
}

func (d *TSDemuxer) result(opts Options) (*media.DemuxResult, error) {
	res := &media.DemuxResult{ID3: d.metadata, Text: d.text}
	d.metadata, d.text = nil, nil

	if d.video.PID != 0 {
		res.Video = d.video.Detach()
	}
	if d.audio.PID != 0 {
		res.Audio = d.audio.Detach()
	}
	if !d.sampleAES {
		return res, nil
	}
	if opts.SampleAES == nil {
		return nil, &ParseError{Container: "ts", Err: ErrMissingKey}
	}
	if res.Video != nil && res.Video.Encrypted {
		if err := opts.SampleAES.DecryptVideo(res.Video); err != nil {
			return nil, &ParseError{Container: "ts", Err: err}
		}
	}
	if res.Audio != nil && res.Audio.Encrypted && res.Audio.AudioCodec == media.AudioCodecAAC {
		if err := opts.SampleAES.DecryptAudio(res.Audio); err != nil {
			return nil, &ParseError{Container: "ts", Err: err}
		}
	}
	return res, nil
}

func (d *TSDemuxer) handle(u *mpegts.DemuxerData) {
	switch {
	case u.PMT != nil:
		d.parsePMT(u.PMT)
	case u.PES != nil:
		switch u.PID {
		case d.video.PID:
			d.parseAVCPES(u.PES)
		case d.audio.PID:
			d.parseAudioPES(u.PES)
		case d.id3.PID:
			d.metadata = append(d.metadata, &media.MetadataSample{
				PTS:  u.PES.PTS(),
				DTS:  u.PES.DTS(),
				Data: u.PES.Data,
			})
		}
	}
}

func (d *TSDemuxer) parsePMT(pmt *mpegts.PMTData) {
	// The first PMT wins; later copies only repeat it.
	if d.pmtParsed {
		return
	}
	for _, es := range pmt.ElementaryStreams {
		switch es.StreamType {
		case mpegts.StreamTypeH264SampleAES:
			d.sampleAES = true
			d.video.Encrypted = true
			fallthrough
		case mpegts.StreamTypeH264:
			if d.video.PID == 0 {
				d.video.PID = es.ElementaryPID
			}
		case mpegts.StreamTypeAACSampleAES:
			d.sampleAES = true
			d.audio.Encrypted = true
			fallthrough
		case mpegts.StreamTypeAAC:
			if d.audio.PID == 0 {
				d.audio.PID = es.ElementaryPID
				d.audio.AudioCodec = media.AudioCodecAAC
			}
		case mpegts.StreamTypeMPEG1Audio, mpegts.StreamTypeMPEG2Audio:
			if d.audio.PID == 0 {
				d.audio.PID = es.ElementaryPID
				d.audio.AudioCodec = media.AudioCodecMP3
			}
		case mpegts.StreamTypeMetadata:
			if d.id3.PID == 0 {
				d.id3.PID = es.ElementaryPID
			}
		case mpegts.StreamTypeAC3SampleAES:
			d.log.Warn("SAMPLE-AES AC-3 is not supported", "pid", es.ElementaryPID)
		case mpegts.StreamTypeH265:
			d.log.Warn("HEVC in transport stream is not supported", "pid", es.ElementaryPID)
		default:
			d.log.Debug("ignoring elementary stream", "pid", es.ElementaryPID, "type", es.StreamType)
		}
	}
	d.pmtParsed = true
	d.log.Debug("PMT parsed", "video", d.video.PID, "audio", d.audio.PID, "id3", d.id3.PID, "sampleAES", d.sampleAES)
}

func (d *TSDemuxer) parseAudioPES(pes *mpegts.PESData) {
	var err error
	if d.audio.AudioCodec == media.AudioCodecMP3 {
		err = parseMPEGAudioPES(d.audio, pes.Data, pes.PTS())
	} else {
		err = d.adts.Parse(d.audio, pes.Data, pes.PTS())
	}
	if err != nil {
		d.warnings++
		d.log.Debug("audio PES", "error", err)
	}
}

func (d *TSDemuxer) parseAVCPES(pes *mpegts.PESData) {
	units := d.nalus.Scan(pes.Data)

	// Units opened by an earlier PES complete the pending access unit.
	i := 0
	for ; i < len(units) && units[i].Continued; i++ {
		d.handleNAL(units[i])
	}

	d.pesPTS, d.pesDTS = pes.PTS(), pes.DTS()
	if d.pesPTS >= 0 || d.avcSample == nil {
		d.pushAccessUnit()
		d.avcSample = &media.Sample{PTS: d.pesPTS, DTS: d.pesDTS}
	}
	for _, u := range units[i:] {
		d.handleNAL(u)
	}
}

func (d *TSDemuxer) handleNAL(u NALUnit) {
	s := d.avcSample
	if s == nil {
		s = &media.Sample{PTS: -1, DTS: -1}
		d.avcSample = s
	}
	switch u.Type {
	case NALTypeIDR:
		s.Key, s.Frame = true, true
	case NALTypeSlice:
		s.Frame = true
		if st, err := SliceType(u.Data); err == nil && IsIntraSlice(st) {
			s.Key = true
		}
	case NALTypeSEI:
		pts := s.PTS
		if pts < 0 {
			pts = d.pesPTS
		}
		if pts >= 0 {
			d.text = append(d.text, d.captions.decode(u.Data, pts)...)
		}
	case NALTypeSPS:
		d.setSPS(u.Data)
	case NALTypePPS:
		d.video.PPS = [][]byte{u.Data}
	case NALTypeAUD:
		if len(s.Units) > 0 {
			d.pushAccessUnit()
			d.avcSample = &media.Sample{PTS: -1, DTS: -1}
		}
		return
	case 12: // filler data
		return
	}
	s.Units = append(s.Units, u.Data)
}

func (d *TSDemuxer) setSPS(sps []byte) {
	if len(d.video.SPS) > 0 && string(d.video.SPS[0]) == string(sps) {
		return
	}
	info, err := ParseSPS(sps)
	if err != nil {
		d.warnings++
		d.log.Debug("SPS", "error", err)
		return
	}
	d.video.SPS = [][]byte{sps}
	d.video.Width = info.Width
	d.video.Height = info.Height
	d.video.PixelRatio = info.PixelRatio
	d.video.Codec = info.CodecString()
}

// pushAccessUnit closes the pending access unit. Until a keyframe is seen,
// frames of a fragment that does not continue the previous one are dropped
// and counted.
func (d *TSDemuxer) pushAccessUnit() {
	s := d.avcSample
	d.avcSample = nil
	if s == nil || len(s.Units) == 0 || !s.Frame {
		return
	}
	d.captions.frame()

	track := d.video
	if s.PTS < 0 {
		n := len(track.Samples)
		if n == 0 {
			track.Dropped++
			return
		}
		s.PTS, s.DTS = track.Samples[n-1].PTS, track.Samples[n-1].DTS
	}
	if s.Key || (len(track.SPS) > 0 && (len(track.Samples) > 0 || d.contiguous)) {
		track.Push(s)
		return
	}
	track.Dropped++
}
