package buffer

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/refract/internal/media"
)

func TestRanges_AddMerges(t *testing.T) {
	t.Parallel()
	var r Ranges
	r = r.Add(10, 20)
	r = r.Add(0, 5)
	r = r.Add(30, 40)
	assert.Equal(t, Ranges{{0, 5}, {10, 20}, {30, 40}}, r)

	r = r.Add(5, 10)
	assert.Equal(t, Ranges{{0, 20}, {30, 40}}, r)

	r = r.Add(15, 35)
	assert.Equal(t, Ranges{{0, 40}}, r)

	assert.Equal(t, r, r.Add(3, 3), "empty range is ignored")
}

func TestRanges_Remove(t *testing.T) {
	t.Parallel()
	r := Ranges{{0, 10}, {20, 30}}
	assert.Equal(t, Ranges{{0, 4}, {6, 10}, {20, 30}}, r.Remove(4, 6))
	assert.Equal(t, Ranges{{0, 5}, {25, 30}}, r.Remove(5, 25))
	assert.Empty(t, r.Remove(0, 30))
}

func TestRanges_ContainsAndEnd(t *testing.T) {
	t.Parallel()
	r := Ranges{{0, 10}, {20, 30}}
	assert.True(t, r.Contains(0))
	assert.False(t, r.Contains(10))
	assert.False(t, r.Contains(15))
	assert.Equal(t, 30.0, r.End())
	assert.Equal(t, 0.0, Ranges(nil).End())
}

func TestIntersect(t *testing.T) {
	t.Parallel()
	a := Ranges{{0, 10}, {20, 30}}
	b := Ranges{{5, 25}}
	assert.Equal(t, Ranges{{5, 10}, {20, 25}}, Intersect(a, b))
	assert.Empty(t, Intersect(a, nil))
}

func TestRanges_InfoAt(t *testing.T) {
	t.Parallel()
	r := Ranges{{0, 10}, {10.05, 20}, {25, 30}}

	info := r.InfoAt(5, 0.1)
	assert.Equal(t, 0.0, info.Start)
	assert.Equal(t, 20.0, info.End, "small hole is merged")
	assert.InDelta(t, 15, info.Len, 1e-9)
	assert.True(t, info.HasNext)
	assert.Equal(t, 25.0, info.NextStart)

	// Just before a range counts as inside it.
	info = r.InfoAt(24.95, 0.1)
	assert.Equal(t, 25.0, info.Start)
	assert.InDelta(t, 5.05, info.Len, 1e-9)
	assert.False(t, info.HasNext)

	info = r.InfoAt(22, 0.1)
	assert.Zero(t, info.Len)
	assert.Equal(t, 22.0, info.End)
	assert.True(t, info.HasNext)
}

func tracks() map[media.TrackType]TrackInfo {
	return map[media.TrackType]TrackInfo{
		media.TrackVideo: {Type: media.TrackVideo, Codec: "avc1.64001f", InitSegment: []byte("vinit")},
		media.TrackAudio: {Type: media.TrackAudio, Codec: "mp4a.40.2", InitSegment: []byte("ainit")},
	}
}

func TestMemorySink_AppendAndBuffered(t *testing.T) {
	t.Parallel()
	s := NewMemorySink(0, nil)
	require.NoError(t, s.CreateTracks(tracks()))
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, Segment{Type: media.TrackVideo, Data: []byte("v0"), Start: 0, End: 6}))
	require.NoError(t, s.Append(ctx, Segment{Type: media.TrackVideo, Data: []byte("v1"), Start: 6, End: 12}))
	require.NoError(t, s.Append(ctx, Segment{Type: media.TrackAudio, Data: []byte("a0"), Start: 0.02, End: 11.9}))

	assert.Equal(t, Ranges{{0, 12}}, s.Buffered(media.TrackVideo))
	assert.Equal(t, Ranges{{0.02, 11.9}}, s.Buffered(0))
	assert.Equal(t, 6, s.Size())
	assert.Len(t, s.Segments(media.TrackVideo), 2)

	info, ok := s.Track(media.TrackAudio)
	require.True(t, ok)
	assert.Equal(t, "mp4a.40.2", info.Codec)
}

func TestMemorySink_Quota(t *testing.T) {
	t.Parallel()
	s := NewMemorySink(10, nil)
	require.NoError(t, s.CreateTracks(tracks()))
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, Segment{Type: media.TrackVideo, Data: make([]byte, 8), Start: 0, End: 6}))
	err := s.Append(ctx, Segment{Type: media.TrackVideo, Data: make([]byte, 8), Start: 6, End: 12})
	require.ErrorIs(t, err, ErrFull)

	require.NoError(t, s.Flush(0, 6, 0))
	assert.Zero(t, s.Size())
	assert.Empty(t, s.Buffered(media.TrackVideo))
	require.NoError(t, s.Append(ctx, Segment{Type: media.TrackVideo, Data: make([]byte, 8), Start: 6, End: 12}))
}

func TestMemorySink_FlushKeepsOverlappingSegments(t *testing.T) {
	t.Parallel()
	s := NewMemorySink(0, nil)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, Segment{Type: media.TrackAudio, Data: []byte("abcd"), Start: 0, End: 6}))
	require.NoError(t, s.Flush(3, 10, media.TrackAudio))
	assert.Equal(t, Ranges{{0, 3}}, s.Buffered(media.TrackAudio))
	assert.Equal(t, 4, s.Size())
}

func TestMemorySink_EndOfStream(t *testing.T) {
	t.Parallel()
	s := NewMemorySink(0, nil)
	assert.False(t, s.Ended())
	require.NoError(t, s.EndOfStream())
	assert.True(t, s.Ended())
	require.NoError(t, s.CreateTracks(tracks()))
	assert.False(t, s.Ended())
}

func TestMemorySink_CanceledContext(t *testing.T) {
	t.Parallel()
	s := NewMemorySink(0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, s.Append(ctx, Segment{Type: media.TrackVideo}), context.Canceled)
}

func TestFileSink_WritesInitThenFragments(t *testing.T) {
	t.Parallel()
	s, err := NewFileSink(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateTracks(tracks()))
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, Segment{Type: media.TrackVideo, Data: []byte("-frag0"), Start: 0, End: 6}))
	// Repeating the same init segment does not write it again.
	require.NoError(t, s.CreateTracks(tracks()))
	require.NoError(t, s.Append(ctx, Segment{Type: media.TrackVideo, Data: []byte("-frag1"), Start: 6, End: 12}))
	require.NoError(t, s.EndOfStream())
	require.NoError(t, s.Close())

	data, err := os.ReadFile(s.Path(media.TrackVideo))
	require.NoError(t, err)
	assert.Equal(t, "vinit-frag0-frag1", string(data))
	assert.Equal(t, Ranges{{0, 12}}, s.Buffered(media.TrackVideo))

	require.NoError(t, s.Flush(0, 6, 0))
	assert.Equal(t, Ranges{{6, 12}}, s.Buffered(media.TrackVideo))
}

func TestFileSink_UnknownTrack(t *testing.T) {
	t.Parallel()
	s, err := NewFileSink(t.TempDir(), nil)
	require.NoError(t, err)
	err = s.Append(context.Background(), Segment{Type: media.TrackAudio, Data: []byte("x")})
	require.Error(t, err)
}
