package level

import "math"

// Merge carries what is known about oldDetails into newDetails after a
// live refresh: fragment timing for overlapping sequence numbers, and the
// start of the sliding window. It reports whether any fragment overlapped.
func Merge(oldDetails, newDetails *Details) bool {
	if oldDetails == nil || newDetails == nil {
		return false
	}
	start := max(oldDetails.StartSN, newDetails.StartSN)
	end := min(oldDetails.EndSN, newDetails.EndSN)
	if start > end {
		// No overlap. If the new window follows the old one directly, keep
		// the timeline continuous.
		if len(newDetails.Fragments) > 0 && newDetails.StartSN == oldDetails.EndSN+1 {
			shiftFrom(newDetails, 0, oldDetails.Edge()-newDetails.Fragments[0].Start)
		}
		return false
	}

	var ptsFrag *Fragment
	for sn := start; sn <= end; sn++ {
		of, nf := oldDetails.Fragment(sn), newDetails.Fragment(sn)
		if of == nil || nf == nil {
			continue
		}
		if of.CC == nf.CC && of.HasPTS {
			nf.Start = of.StartPTS
			nf.Duration = of.EndPTS - of.StartPTS
			nf.HasPTS = true
			nf.StartPTS, nf.EndPTS = of.StartPTS, of.EndPTS
			nf.StartDTS, nf.EndDTS = of.StartDTS, of.EndDTS
			nf.Backtracked = of.Backtracked
			nf.Dropped = of.Dropped
			ptsFrag = nf
		}
		nf.LoadCounter = of.LoadCounter
	}

	if ptsFrag != nil {
		UpdateTiming(newDetails, ptsFrag, ptsFrag.StartPTS, ptsFrag.EndPTS, ptsFrag.StartDTS, ptsFrag.EndDTS)
	} else {
		// Align on the first shared fragment.
		of, nf := oldDetails.Fragment(start), newDetails.Fragment(start)
		if of != nil && nf != nil {
			shiftFrom(newDetails, 0, of.Start-nf.Start)
		}
	}
	if oldDetails.PTSKnown {
		newDetails.PTSKnown = true
	}
	newDetails.Recompute()
	return true
}

// UpdateTiming records the remuxed timing of frag and propagates it to the
// other fragments of details, which are moved so the timeline stays
// gapless. It returns the drift between the playlist and media time.
func UpdateTiming(details *Details, frag *Fragment, startPTS, endPTS, startDTS, endDTS float64) float64 {
	if frag.HasPTS {
		startPTS = math.Min(startPTS, frag.StartPTS)
		endPTS = math.Max(endPTS, frag.EndPTS)
		startDTS = math.Min(startDTS, frag.StartDTS)
		endDTS = math.Max(endDTS, frag.EndDTS)
	}
	drift := startPTS - frag.Start
	frag.Start = startPTS
	frag.Duration = endPTS - startPTS
	frag.StartPTS, frag.EndPTS = startPTS, endPTS
	frag.StartDTS, frag.EndDTS = startDTS, endDTS
	frag.HasPTS = true

	if details == nil {
		return drift
	}
	idx := frag.SN - details.StartSN
	if idx < 0 || idx >= len(details.Fragments) {
		return drift
	}
	details.Fragments[idx] = frag
	for i := idx; i > 0; i-- {
		adjustPrevious(details.Fragments[i], details.Fragments[i-1])
	}
	for i := idx; i < len(details.Fragments)-1; i++ {
		next := details.Fragments[i+1]
		if next.HasPTS {
			continue
		}
		next.Start = details.Fragments[i].End()
	}
	details.PTSKnown = true
	details.Recompute()
	return drift
}

func adjustPrevious(cur, prev *Fragment) {
	if prev.HasPTS {
		prev.Duration = math.Max(0, cur.Start-prev.Start)
		return
	}
	prev.Start = cur.Start - prev.Duration
}

func shiftFrom(d *Details, from int, delta float64) {
	if delta == 0 {
		return
	}
	for _, f := range d.Fragments[from:] {
		f.Start += delta
		if f.HasPTS {
			f.StartPTS += delta
			f.EndPTS += delta
			f.StartDTS += delta
			f.EndDTS += delta
		}
	}
}
