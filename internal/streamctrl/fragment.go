package streamctrl

import (
	"math"
	"sort"

	"github.com/zsiec/refract/internal/level"
)

// lookupTolerance is the slack allowed when matching a position against a
// fragment's start: min(maxTolerance, duration).
func lookupTolerance(maxTolerance float64, f *level.Fragment) float64 {
	return math.Min(maxTolerance, f.Duration)
}

// matches reports whether bufferEnd falls in f:
// start - tol <= bufferEnd < start + duration - tol.
func matches(f *level.Fragment, bufferEnd, maxTolerance float64) bool {
	tol := lookupTolerance(maxTolerance, f)
	return f.Start-tol <= bufferEnd && bufferEnd < f.End()-tol
}

// FindFragment returns the fragment to load for bufferEnd. The fragment
// after prev is tried first, then a binary search over the playlist.
func FindFragment(d *level.Details, bufferEnd, maxTolerance float64, prev *level.Fragment) *level.Fragment {
	if d == nil || len(d.Fragments) == 0 {
		return nil
	}
	if prev != nil {
		if next := d.Fragment(prev.SN + 1); next != nil && matches(next, bufferEnd, maxTolerance) {
			return next
		}
	}
	frags := d.Fragments
	i := sort.Search(len(frags), func(i int) bool {
		return bufferEnd < frags[i].End()-lookupTolerance(maxTolerance, frags[i])
	})
	if i == len(frags) || !matches(frags[i], bufferEnd, maxTolerance) {
		return nil
	}
	return frags[i]
}

// fragmentAt returns the fragment whose [start, end) contains pos.
func fragmentAt(d *level.Details, pos float64) *level.Fragment {
	if d == nil {
		return nil
	}
	frags := d.Fragments
	i := sort.Search(len(frags), func(i int) bool { return pos < frags[i].End() })
	if i == len(frags) || pos < frags[i].Start {
		return nil
	}
	return frags[i]
}

// LiveSyncPosition is the position targetLatency seconds behind the live
// edge of d, never before the start of the window.
func LiveSyncPosition(d *level.Details, targetLatency float64) float64 {
	return d.SlidingStart() + math.Max(0, d.TotalDuration-targetLatency)
}

// loopDetector counts fragment loads to catch the controller loading the
// same fragment over and over.
type loopDetector struct {
	threshold int
	loadIdx   int
}

// check records a load of f and reports false when f has been loaded more
// than threshold times within the last threshold loads.
func (l *loopDetector) check(f *level.Fragment) bool {
	l.loadIdx++
	if f.LoadCounter > 0 {
		f.LoadCounter++
		if f.LoadCounter > l.threshold && l.loadIdx-f.LoadIdx < l.threshold {
			return false
		}
	} else {
		f.LoadCounter = 1
	}
	f.LoadIdx = l.loadIdx
	return true
}

// forget moves the load index far enough that earlier loads no longer
// count, as after a seek or flush.
func (l *loopDetector) forget() {
	l.loadIdx += 2 * l.threshold
}

// resetCounters clears the load counters of the fragments in [from, to] of
// d.
func resetCounters(d *level.Details, from, to float64) {
	if d == nil {
		return
	}
	for _, f := range d.Fragments {
		if f.End() > from && f.Start < to {
			f.LoadCounter = 0
		}
	}
}
