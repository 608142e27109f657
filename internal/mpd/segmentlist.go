package mpd

import (
	"github.com/agleyzer/dashlive/internal/errs"
	"github.com/agleyzer/dashlive/internal/segment"
)

// segmentListReferences resolves an explicit SegmentList. Timing comes from
// a SegmentTimeline when present, otherwise from @duration.
func (s *Session) segmentListReferences(c *Context) ([]*segment.Reference, error) {
	frame := c.Representation
	d := frame.Segments
	timing := readTiming(d)
	init := initFromElement(frame, parseInitElement(d, "Initialization"), timing.timescale)

	urls := d.Children("SegmentURL")
	if len(urls) == 0 {
		return nil, errs.New(errs.Critical, errs.CategoryManifest, errs.DashNoSegmentInfo, c.Key().String())
	}
	tso := timing.timestampOffset(c)

	makeRef := func(i int, start, end float64, number int64) *segment.Reference {
		u := urls[i]
		rng := byteRange{start: 0, end: -1}
		if v, ok := attr(u, "mediaRange"); ok {
			if r, ok := parseRange(v); ok {
				rng = r
			}
		}
		return &segment.Reference{
			Start:             start,
			End:               end,
			URIs:              deferredURIs(frame, attrString(u, "media")),
			StartByte:         rng.start,
			EndByte:           rng.end,
			Init:              init,
			TimestampOffset:   tso,
			AppendWindowStart: c.Period.Start,
			AppendWindowEnd:   c.Period.End(),
			Number:            number,
		}
	}

	if tl := d.Child("SegmentTimeline"); tl != nil {
		points := expandTimeline(s.log, tl, timing.pto, timing.startNumber, timing.endTicks(c))
		n := min(len(points), len(urls))
		refs := make([]*segment.Reference, 0, n)
		for i := 0; i < n; i++ {
			p := points[i]
			refs = append(refs, makeRef(i, timing.presentationTime(c, p.Start), timing.presentationTime(c, p.End), p.Number))
		}
		return refs, nil
	}

	if timing.duration > 0 {
		segDur := float64(timing.duration) / float64(timing.timescale)
		refs := make([]*segment.Reference, 0, len(urls))
		for i := range urls {
			start := c.Period.Start + float64(i)*segDur
			refs = append(refs, makeRef(i, start, start+segDur, timing.startNumber+int64(i)))
		}
		return refs, nil
	}

	if len(urls) == 1 && !c.Dynamic {
		return []*segment.Reference{makeRef(0, c.Period.Start, c.Period.End(), timing.startNumber)}, nil
	}
	return nil, errs.New(errs.Critical, errs.CategoryManifest, errs.DashNoSegmentInfo, c.Key().String())
}
