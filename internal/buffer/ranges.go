// Package buffer models the media buffer the player appends to: time
// ranges, the BufferSink interface and two sinks, one in memory and one
// writing fragmented MP4 files.
package buffer

import "math"

// Range is a buffered time interval in seconds.
type Range struct {
	Start float64
	End   float64
}

// Ranges is a sorted list of disjoint ranges.
type Ranges []Range

// Add returns r with [start, end) merged in.
func (r Ranges) Add(start, end float64) Ranges {
	if end <= start {
		return r
	}
	out := make(Ranges, 0, len(r)+1)
	inserted := false
	for _, x := range r {
		switch {
		case x.End < start:
			out = append(out, x)
		case x.Start > end:
			if !inserted {
				out = append(out, Range{start, end})
				inserted = true
			}
			out = append(out, x)
		default:
			start = math.Min(start, x.Start)
			end = math.Max(end, x.End)
		}
	}
	if !inserted {
		out = append(out, Range{start, end})
	}
	return out
}

// Remove returns r with [start, end) cut out.
func (r Ranges) Remove(start, end float64) Ranges {
	var out Ranges
	for _, x := range r {
		if x.End <= start || x.Start >= end {
			out = append(out, x)
			continue
		}
		if x.Start < start {
			out = append(out, Range{x.Start, start})
		}
		if x.End > end {
			out = append(out, Range{end, x.End})
		}
	}
	return out
}

// Contains reports whether pos lies inside a range.
func (r Ranges) Contains(pos float64) bool {
	for _, x := range r {
		if pos >= x.Start && pos < x.End {
			return true
		}
	}
	return false
}

// End returns the end of the last range, or 0.
func (r Ranges) End() float64 {
	if len(r) == 0 {
		return 0
	}
	return r[len(r)-1].End
}

// Intersect returns the ranges buffered in both a and b.
func Intersect(a, b Ranges) Ranges {
	var out Ranges
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		start := math.Max(a[i].Start, b[j].Start)
		end := math.Min(a[i].End, b[j].End)
		if start < end {
			out = append(out, Range{start, end})
		}
		if a[i].End < b[j].End {
			i++
		} else {
			j++
		}
	}
	return out
}

// Info describes the buffer around a position.
type Info struct {
	Len       float64 // buffered seconds ahead of the position
	Start     float64
	End       float64
	NextStart float64 // start of the following range, if HasNext
	HasNext   bool
}

// InfoAt merges ranges separated by less than maxHole and reports the
// buffer around pos. A position up to maxHole before a range counts as
// inside it.
func (r Ranges) InfoAt(pos, maxHole float64) Info {
	var merged Ranges
	for _, x := range r {
		if n := len(merged); n > 0 && x.Start-merged[n-1].End < maxHole {
			merged[n-1].End = math.Max(merged[n-1].End, x.End)
			continue
		}
		merged = append(merged, x)
	}

	info := Info{Start: pos, End: pos}
	for _, x := range merged {
		if pos+maxHole >= x.Start && pos < x.End {
			info.Start, info.End = x.Start, x.End
			info.Len = x.End - pos
		} else if pos+maxHole < x.Start {
			info.NextStart, info.HasNext = x.Start, true
			break
		}
	}
	return info
}
