package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/zsiec/refract/internal/buffer"
	"github.com/zsiec/refract/internal/config"
	"github.com/zsiec/refract/internal/demux"
	srtingest "github.com/zsiec/refract/internal/ingest/srt"
	"github.com/zsiec/refract/internal/level"
	"github.com/zsiec/refract/internal/media"
	"github.com/zsiec/refract/internal/mpegts"
	"github.com/zsiec/refract/internal/remux"
	"github.com/zsiec/refract/internal/transmux"
)

// defaultChunkPackets is about half a second of a 4 Mbps stream.
const defaultChunkPackets = 1400

func remuxFlags(fs *pflag.FlagSet) {
	fs.String("in", "", "MPEG-TS input file, - for stdin")
	fs.String("srt", "", "SRT listener address to pull from instead of a file")
	fs.String("stream-key", "", "stream key sent as the SRT stream id")
	fs.String("out", "out", "output directory for <type>.mp4 files")
	fs.Int("chunk-packets", defaultChunkPackets, "transport packets per remuxed fragment")
}

func runRemux(ctx context.Context, cfg config.Config, fs *pflag.FlagSet) error {
	in, _ := fs.GetString("in")
	srtAddr, _ := fs.GetString("srt")
	key, _ := fs.GetString("stream-key")
	out, _ := fs.GetString("out")
	packets, _ := fs.GetInt("chunk-packets")

	var src io.ReadCloser
	switch {
	case srtAddr != "":
		s, err := srtingest.Dial(ctx, srtAddr, srtingest.StreamID(key), nil)
		if err != nil {
			return err
		}
		defer func() {
			st := s.Stats()
			slog.Info("srt source closed", "bytes", st.BytesReceived, "reads", st.ReadCount)
		}()
		src = s
	case in == "-":
		src = io.NopCloser(os.Stdin)
	case in != "":
		f, err := os.Open(in)
		if err != nil {
			return fmt.Errorf("remux: %w", err)
		}
		src = f
	default:
		return errors.New("remux: --in or --srt is required")
	}
	defer src.Close()

	sink, err := buffer.NewFileSink(out, nil)
	if err != nil {
		return err
	}
	defer sink.Close()

	seg := newSegmenter(transmux.New(cfg, nil), sink, packets, nil)
	if err := srtingest.Copy(ctx, src, func(b []byte) error { return seg.Write(ctx, b) }); err != nil {
		return err
	}
	if err := seg.Close(ctx); err != nil {
		return err
	}
	slog.Info("remux finished", "fragments", seg.fragments, "video", sink.Path(media.TrackVideo), "audio", sink.Path(media.TrackAudio))
	return nil
}

// segmenter cuts a continuous transport stream into fragments on packet
// boundaries and remuxes them in order into a sink. Every fragment after
// the first continues the previous one.
type segmenter struct {
	log   *slog.Logger
	tm    *transmux.Transmuxer
	sink  buffer.Sink
	chunk int

	pending   []byte
	sn        int
	next      float64
	synced    bool
	fragments int
}

func newSegmenter(tm *transmux.Transmuxer, sink buffer.Sink, packets int, log *slog.Logger) *segmenter {
	if log == nil {
		log = slog.Default()
	}
	if packets < 1 {
		packets = defaultChunkPackets
	}
	return &segmenter{
		log:   log.With("component", "segmenter"),
		tm:    tm,
		sink:  sink,
		chunk: packets * mpegts.PacketSize,
	}
}

// Write buffers b and remuxes every complete chunk.
func (s *segmenter) Write(ctx context.Context, b []byte) error {
	s.pending = append(s.pending, b...)
	if !s.synced {
		if len(s.pending) < 3*mpegts.PacketSize || !s.sync() {
			return nil
		}
	}
	for len(s.pending) >= s.chunk {
		data := s.pending[:s.chunk:s.chunk]
		s.pending = s.pending[s.chunk:]
		if err := s.remux(ctx, data); err != nil {
			return err
		}
	}
	return nil
}

// sync drops leading bytes up to the first packet. Junk past the probe
// window is discarded while no packet is found.
func (s *segmenter) sync() bool {
	off := mpegts.SyncOffset(s.pending)
	if off < 0 {
		if keep := 3 * mpegts.PacketSize; len(s.pending) > keep {
			s.pending = s.pending[len(s.pending)-keep:]
		}
		return false
	}
	s.pending = s.pending[off:]
	s.synced = true
	return true
}

// Close remuxes the remaining whole packets and ends the stream.
func (s *segmenter) Close(ctx context.Context) error {
	if !s.synced && !s.sync() {
		s.pending = nil
	}
	n := len(s.pending) - len(s.pending)%mpegts.PacketSize
	if n > 0 {
		if err := s.remux(ctx, s.pending[:n]); err != nil {
			return err
		}
	}
	s.pending = nil
	return s.sink.EndOfStream()
}

func (s *segmenter) remux(ctx context.Context, data []byte) error {
	frag := &level.Fragment{SN: s.sn, Start: s.next, URL: fmt.Sprintf("chunk-%d", s.sn)}
	first := s.fragments == 0
	out := s.tm.Process(transmux.Job{
		Frag:          frag,
		Data:          data,
		TimeOffset:    s.next,
		Contiguous:    !first,
		Discontinuity: first,
	})
	s.sn++
	if out.Err != nil {
		// Until a program map is seen the chunk carries nothing usable.
		if first && errors.Is(out.Err, demux.ErrNoPMT) {
			s.log.Debug("waiting for PMT", "sn", frag.SN)
			return nil
		}
		return fmt.Errorf("remux: fragment %d: %w", frag.SN, out.Err)
	}
	res := out.Result
	if len(res.Tracks) > 0 {
		if err := s.sink.CreateTracks(res.Tracks); err != nil {
			return err
		}
	}
	for _, f := range []*remux.TrackFragment{res.Video, res.Audio} {
		if f == nil || f.NbSamples == 0 {
			continue
		}
		seg := buffer.Segment{Type: f.Type, Data: f.Data, Start: f.StartPTS, End: f.EndPTS, SN: frag.SN}
		if err := s.sink.Append(ctx, seg); err != nil {
			return err
		}
		s.next = max(s.next, f.EndPTS)
	}
	s.fragments++
	s.log.Debug("fragment remuxed", "sn", frag.SN, "end", s.next, "elapsed", out.Elapsed)
	return nil
}
