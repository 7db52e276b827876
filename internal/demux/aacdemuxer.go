package demux

import (
	"log/slog"
	"math"

	"github.com/zsiec/refract/internal/media"
)

// AACDemuxer demuxes packed audio: optional ID3 tags followed by ADTS
// frames.
type AACDemuxer struct {
	log   *slog.Logger
	track *media.Track
	adts  ADTSParser
}

// NewAACDemuxer creates a packed AAC demuxer. If log is nil, slog.Default()
// is used.
func NewAACDemuxer(log *slog.Logger) *AACDemuxer {
	if log == nil {
		log = slog.Default()
	}
	return &AACDemuxer{
		log:   log.With("component", "aacdemux"),
		track: media.NewTrack(media.TrackAudio),
	}
}

// ProbeAAC reports whether data is leading ID3 tags followed by an ADTS
// frame.
func ProbeAAC(data []byte) bool {
	for off := len(ID3Tags(data)); off < len(data)-1; off++ {
		if isADTSSync(data, off) {
			return ProbeADTS(data, off)
		}
	}
	return false
}

// Demux parses one packed audio segment. The base PTS comes from the Apple
// transport stream timestamp in the leading ID3 tag, or from TimeOffset.
func (d *AACDemuxer) Demux(data []byte, opts Options) (*media.DemuxResult, error) {
	if !opts.Contiguous {
		d.adts.Reset()
	}
	tags := ID3Tags(data)
	pts, ok := ID3Timestamp(tags)
	if !ok {
		pts = int64(math.Round(opts.TimeOffset * media.InputTimescale))
		d.log.Debug("no ID3 timestamp, using time offset", "offset", opts.TimeOffset)
	}

	res := &media.DemuxResult{}
	if len(tags) > 0 {
		res.ID3 = []*media.MetadataSample{{PTS: pts, DTS: pts, Data: tags}}
	}
	if err := d.adts.Parse(d.track, data[len(tags):], pts); err != nil {
		return nil, &ParseError{Container: "aac", Err: err}
	}
	d.track.AudioCodec = media.AudioCodecAAC
	res.Audio = d.track.Detach()
	return res, nil
}

// ResetInitSegment forgets the audio configuration.
func (d *AACDemuxer) ResetInitSegment() {
	d.track = media.NewTrack(media.TrackAudio)
	d.adts.Reset()
}

// Reset drops all state.
func (d *AACDemuxer) Reset() {
	d.ResetInitSegment()
}
