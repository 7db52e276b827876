// Package playlist loads HLS master and media playlists into the level
// model and keeps live playlists refreshed.
package playlist

import (
	"bytes"
	"cmp"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/grafov/m3u8"

	"github.com/zsiec/refract/internal/crypt"
	"github.com/zsiec/refract/internal/level"
)

var (
	ErrNotMedia          = errors.New("playlist: not a media playlist")
	ErrNoLevels          = errors.New("playlist: no variant streams")
	ErrIncompatibleCodec = errors.New("playlist: no variant with supported codecs")
	ErrBadIV             = errors.New("playlist: invalid IV")
)

// supportedCodecs are the codec prefixes the demuxers and passthrough can
// carry.
var supportedCodecs = []string{"avc1", "avc3", "hvc1", "hev1", "av01", "vp09", "mp4a", "ac-3", "ec-3", "opus"}

// Parse decodes a playlist. A master playlist yields its variants sorted
// by bitrate and the index of the variant listed first; a media playlist
// yields a single level whose details are already loaded.
func Parse(data []byte, base string) ([]*level.Level, int, error) {
	p, typ, err := m3u8.DecodeFrom(bytes.NewReader(data), false)
	if err != nil {
		return nil, 0, fmt.Errorf("playlist: decode %s: %w", base, err)
	}
	switch typ {
	case m3u8.MASTER:
		return parseMaster(p.(*m3u8.MasterPlaylist), base)
	case m3u8.MEDIA:
		d, err := mediaDetails(p.(*m3u8.MediaPlaylist), base, 0)
		if err != nil {
			return nil, 0, err
		}
		return []*level.Level{{URLs: []string{base}, Details: d}}, 0, nil
	}
	return nil, 0, fmt.Errorf("playlist: decode %s: unknown playlist type", base)
}

// ParseMedia decodes a media playlist for the level with index levelID.
func ParseMedia(data []byte, base string, levelID int) (*level.Details, error) {
	p, typ, err := m3u8.DecodeFrom(bytes.NewReader(data), false)
	if err != nil {
		return nil, fmt.Errorf("playlist: decode %s: %w", base, err)
	}
	if typ != m3u8.MEDIA {
		return nil, fmt.Errorf("%w: %s", ErrNotMedia, base)
	}
	return mediaDetails(p.(*m3u8.MediaPlaylist), base, levelID)
}

// parseMaster groups variants that differ only by URL into one level with
// redundant URLs and sorts levels by bitrate.
func parseMaster(p *m3u8.MasterPlaylist, base string) ([]*level.Level, int, error) {
	type key struct {
		bitrate int
		res     string
		codecs  string
	}
	index := map[key]*level.Level{}
	var levels []*level.Level
	for _, v := range p.Variants {
		if v == nil || v.Iframe {
			continue
		}
		k := key{int(v.Bandwidth), v.Resolution, v.Codecs}
		u, err := resolve(base, v.URI)
		if err != nil {
			return nil, 0, err
		}
		if l, ok := index[k]; ok {
			l.URLs = append(l.URLs, u)
			continue
		}
		l := &level.Level{Bitrate: int(v.Bandwidth), Name: v.Name, URLs: []string{u}}
		l.Width, l.Height = parseResolution(v.Resolution)
		l.VideoCodec, l.AudioCodec = splitCodecs(v.Codecs)
		index[k] = l
		levels = append(levels, l)
	}
	if len(levels) == 0 {
		return nil, 0, ErrNoLevels
	}

	levels = slices.DeleteFunc(levels, func(l *level.Level) bool {
		return !supported(l.VideoCodec) || !supported(l.AudioCodec)
	})
	if len(levels) == 0 {
		return nil, 0, ErrIncompatibleCodec
	}
	// Audio-only variants are dropped when video variants exist.
	if slices.ContainsFunc(levels, hasVideo) {
		levels = slices.DeleteFunc(levels, func(l *level.Level) bool { return !hasVideo(l) })
	}

	listedFirst := levels[0]
	slices.SortStableFunc(levels, func(a, b *level.Level) int { return cmp.Compare(a.Bitrate, b.Bitrate) })
	first := 0
	for i, l := range levels {
		l.ID = i
		if l == listedFirst {
			first = i
		}
	}
	return levels, first, nil
}

func hasVideo(l *level.Level) bool {
	return l.VideoCodec != "" || l.Height > 0
}

func supported(codec string) bool {
	if codec == "" {
		return true
	}
	for _, c := range strings.Split(codec, ",") {
		c = strings.TrimSpace(c)
		if !slices.ContainsFunc(supportedCodecs, func(p string) bool { return strings.HasPrefix(c, p) }) {
			return false
		}
	}
	return true
}

// splitCodecs separates a CODECS attribute into video and audio codecs.
func splitCodecs(codecs string) (video, audio string) {
	var vs, as []string
	for _, c := range strings.Split(codecs, ",") {
		c = strings.TrimSpace(c)
		switch {
		case c == "":
		case strings.HasPrefix(c, "mp4a"), strings.HasPrefix(c, "ac-3"), strings.HasPrefix(c, "ec-3"), strings.HasPrefix(c, "opus"):
			as = append(as, c)
		default:
			vs = append(vs, c)
		}
	}
	return strings.Join(vs, ","), strings.Join(as, ",")
}

func parseResolution(s string) (int, int) {
	w, h, ok := strings.Cut(s, "x")
	if !ok {
		return 0, 0
	}
	width, err1 := strconv.Atoi(w)
	height, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	return width, height
}

func mediaDetails(p *m3u8.MediaPlaylist, base string, levelID int) (*level.Details, error) {
	d := &level.Details{
		URL:            base,
		Live:           !p.Closed && p.MediaType != m3u8.VOD,
		TargetDuration: p.TargetDuration,
		StartSN:        int(p.SeqNo),
		EndSN:          int(p.SeqNo) - 1,
		StartCC:        int(p.DiscontinuitySeq),
		EndCC:          int(p.DiscontinuitySeq),
		Updated:        time.Now(),
	}

	var (
		cc    = int(p.DiscontinuitySeq)
		start float64
		key   = p.Key
		prev  *level.Fragment
	)
	if p.Map != nil {
		init, err := initFragment(p.Map, base, levelID)
		if err != nil {
			return nil, err
		}
		d.InitSegment = init
	}

	for i, seg := range p.Segments {
		if seg == nil || uint(i) >= p.Count() {
			break
		}
		if seg.Discontinuity && i > 0 {
			cc++
		}
		if seg.Key != nil {
			key = seg.Key
		}
		if seg.Map != nil && d.InitSegment == nil {
			init, err := initFragment(seg.Map, base, levelID)
			if err != nil {
				return nil, err
			}
			d.InitSegment = init
		}
		u, err := resolve(base, seg.URI)
		if err != nil {
			return nil, err
		}
		sn := int(p.SeqNo) + i
		f := &level.Fragment{
			SN:              sn,
			CC:              cc,
			Level:           levelID,
			URL:             u,
			Start:           start,
			Duration:        seg.Duration,
			Length:          seg.Limit,
			Offset:          seg.Offset,
			ProgramDateTime: seg.ProgramDateTime,
		}
		// A byte range without an offset continues the previous one.
		if seg.Limit > 0 && seg.Offset == 0 && prev != nil && prev.URL == u && prev.Length > 0 {
			f.Offset = prev.Offset + prev.Length
		}
		if key != nil && key.Method != "" && key.Method != crypt.MethodNone {
			dec, err := decrypt(key, base)
			if err != nil {
				return nil, fmt.Errorf("playlist: fragment %d: %w", sn, err)
			}
			f.Decrypt = dec
		}
		d.Fragments = append(d.Fragments, f)
		start += seg.Duration
		prev = f
	}
	d.Recompute()
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func initFragment(m *m3u8.Map, base string, levelID int) (*level.Fragment, error) {
	u, err := resolve(base, m.URI)
	if err != nil {
		return nil, err
	}
	return &level.Fragment{SN: -1, Level: levelID, URL: u, Offset: m.Offset, Length: m.Limit}, nil
}

func decrypt(k *m3u8.Key, base string) (level.Decrypt, error) {
	dec := level.Decrypt{Method: k.Method}
	if k.URI != "" {
		u, err := resolve(base, k.URI)
		if err != nil {
			return dec, err
		}
		dec.KeyURI = u
	}
	if k.IV != "" {
		iv, err := parseIV(k.IV)
		if err != nil {
			return dec, err
		}
		dec.IV = iv
	}
	return dec, nil
}

// parseIV decodes a hexadecimal IV, left-padded to 16 bytes.
func parseIV(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) > 16 {
		return nil, fmt.Errorf("%w: %q", ErrBadIV, s)
	}
	iv := make([]byte, 16)
	copy(iv[16-len(b):], b)
	return iv, nil
}

func resolve(base, ref string) (string, error) {
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("playlist: bad URI %q: %w", ref, err)
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("playlist: bad base URL %q: %w", base, err)
	}
	return b.ResolveReference(r).String(), nil
}
