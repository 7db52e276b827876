package streamctrl

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/refract/internal/level"
)

// details builds a playlist of n fragments of dur seconds, the first one
// numbered startSN and starting at startSN*dur.
func details(startSN, n int, dur float64, live bool) *level.Details {
	d := &level.Details{URL: "http://origin/level.m3u8", TargetDuration: dur, Live: live}
	for i := 0; i < n; i++ {
		sn := startSN + i
		d.Fragments = append(d.Fragments, &level.Fragment{
			SN:       sn,
			URL:      fmt.Sprintf("http://origin/seg%d.aac", sn),
			Start:    float64(sn) * dur,
			Duration: dur,
		})
	}
	d.Recompute()
	return d
}

func TestFindFragment(t *testing.T) {
	t.Parallel()
	d := details(0, 5, 4, false)

	cases := []struct {
		bufferEnd float64
		want      int
	}{
		{0, 0},
		{3.74, 0},
		{3.75, 1}, // within the lookup tolerance of fragment 1
		{8, 2},
		{19.74, 4},
	}
	for _, tc := range cases {
		f := FindFragment(d, tc.bufferEnd, 0.25, nil)
		require.NotNil(t, f, "bufferEnd %v", tc.bufferEnd)
		assert.Equal(t, tc.want, f.SN, "bufferEnd %v", tc.bufferEnd)
	}
	assert.Nil(t, FindFragment(d, 19.8, 0.25, nil))
	assert.Nil(t, FindFragment(d, 25, 0.25, nil))
	assert.Nil(t, FindFragment(nil, 0, 0.25, nil))
}

func TestFindFragment_PrefersNextOfPrevious(t *testing.T) {
	t.Parallel()
	d := details(0, 3, 4, false)
	// Media timing moved fragment 1 slightly earlier than bufferEnd
	// suggests.
	d.Fragments[1].Start = 3.9
	f := FindFragment(d, 3.7, 0.25, d.Fragments[0])
	require.NotNil(t, f)
	assert.Equal(t, 1, f.SN)

	f = FindFragment(d, 3.7, 0.25, nil)
	require.NotNil(t, f)
	assert.Equal(t, 0, f.SN)
}

func TestLiveSyncPosition(t *testing.T) {
	t.Parallel()
	d := details(10, 5, 4, true) // [40, 60)
	assert.InDelta(t, 48.0, LiveSyncPosition(d, 12), 1e-9)
	// The sync point never precedes the window.
	assert.InDelta(t, 40.0, LiveSyncPosition(d, 100), 1e-9)
}

func TestLoopDetector(t *testing.T) {
	t.Parallel()
	l := loopDetector{threshold: 3}
	f := &level.Fragment{SN: 1}
	for i := 0; i < 3; i++ {
		require.True(t, l.check(f), "load %d", i+1)
	}
	assert.False(t, l.check(f), "fourth load in a row is a loop")

	// Loads spread over enough other loads are not a loop.
	g := &level.Fragment{SN: 2}
	l2 := loopDetector{threshold: 3}
	for i := 0; i < 5; i++ {
		require.True(t, l2.check(g))
		for j := 0; j < 3; j++ {
			l2.check(&level.Fragment{SN: 10 + j})
		}
	}

	l.forget()
	assert.True(t, l.check(f), "forget clears recent history")
}

func TestResetCounters(t *testing.T) {
	t.Parallel()
	d := details(0, 4, 4, false)
	for _, f := range d.Fragments {
		f.LoadCounter = 2
	}
	resetCounters(d, 5, 9)
	got := []int{}
	for _, f := range d.Fragments {
		got = append(got, f.LoadCounter)
	}
	assert.Equal(t, []int{2, 0, 0, 2}, got)
}
