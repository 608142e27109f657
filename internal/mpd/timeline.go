package mpd

import (
	"log/slog"
	"math"

	"github.com/beevik/etree"
)

// timePoint is one expanded SegmentTimeline entry in media timescale ticks.
type timePoint struct {
	Start  int64
	End    int64
	Number int64
}

// expandTimeline turns the S elements of a SegmentTimeline into segment
// spans. startNumber numbers the first span; S@n resets the numbering.
// endTicks bounds an S@r=-1 run when no later S@t exists; it may be +Inf.
func expandTimeline(log *slog.Logger, tl *etree.Element, pto, startNumber int64, endTicks float64) []timePoint {
	if tl == nil {
		return nil
	}
	ss := children(tl, "S")
	out := make([]timePoint, 0, len(ss))

	lastEnd := pto
	number := startNumber
	for i, s := range ss {
		d := attrInt(s, "d", 0)
		if d <= 0 {
			log.Warn("SegmentTimeline entry without a positive duration, skipping", "index", i)
			continue
		}
		start := attrInt(s, "t", lastEnd)
		number = attrInt(s, "n", number)
		r := attrInt(s, "r", 0)

		if r < 0 {
			next := int64(-1)
			if i+1 < len(ss) {
				next = attrInt(ss[i+1], "t", -1)
			}
			switch {
			case next >= 0:
				if start >= next {
					log.Warn("SegmentTimeline open repeat past the next entry, skipping", "index", i)
					continue
				}
				r = int64(math.Ceil(float64(next-start)/float64(d))) - 1
			case math.IsInf(endTicks, 1):
				log.Warn("SegmentTimeline open repeat in an open-ended period, using one segment", "index", i)
				r = 0
			default:
				if float64(start) >= endTicks {
					continue
				}
				r = int64(math.Ceil((endTicks-float64(start))/float64(d))) - 1
			}
		}

		if n := len(out); n > 0 && start != lastEnd {
			if start < out[n-1].Start {
				log.Warn("SegmentTimeline entry starts before the previous one, skipping", "index", i)
				continue
			}
			// Close the gap or overlap with the previous span.
			out[n-1].End = start
		}

		for j := int64(0); j <= r; j++ {
			segStart := start + j*d
			out = append(out, timePoint{Start: segStart, End: segStart + d, Number: number})
			number++
		}
		lastEnd = start + (r+1)*d
	}
	return out
}
