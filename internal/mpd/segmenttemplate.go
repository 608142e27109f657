package mpd

import (
	"context"
	"math"

	"github.com/agleyzer/dashlive/internal/errs"
	"github.com/agleyzer/dashlive/internal/segment"
)

// isIndexTemplate reports whether the template addresses a single media
// resource through an index template instead of per-segment URLs.
func isIndexTemplate(c *Context) bool {
	d := c.Representation.Segments
	if d.Kind != KindTemplate {
		return false
	}
	_, hasMedia := d.Attr("media")
	_, hasIndex := d.Attr("index")
	return hasIndex && !hasMedia
}

// segmentTemplateReferences resolves a SegmentTemplate addressed by
// SegmentTimeline, by @duration, or by an index template.
func (s *Session) segmentTemplateReferences(ctx context.Context, c *Context) ([]*segment.Reference, error) {
	frame := c.Representation
	d := frame.Segments
	timing := readTiming(d)
	repID := frame.ID
	bandwidth := int64(frame.Bandwidth)

	var init *segment.InitReference
	if tmpl, ok := d.Attr("initialization"); ok {
		uri, err := fillTemplate(tmpl, templateValues{RepresentationID: repID, Bandwidth: &bandwidth})
		if err != nil {
			return nil, errs.New(errs.Critical, errs.CategoryManifest, errs.DashInvalidSegmentTemplate, err)
		}
		init = &segment.InitReference{
			URIs:      deferredURIs(frame, uri),
			StartByte: 0,
			EndByte:   -1,
			Timescale: uint32(timing.timescale),
		}
	} else {
		init = initFromElement(frame, parseInitElement(d, "Initialization"), timing.timescale)
	}

	if isIndexTemplate(c) {
		tmpl, _ := d.Attr("index")
		uri, err := fillTemplate(tmpl, templateValues{RepresentationID: repID, Bandwidth: &bandwidth})
		if err != nil {
			return nil, errs.New(errs.Critical, errs.CategoryManifest, errs.DashInvalidSegmentTemplate, err)
		}
		indexURIs := resolveURIs(frame.BaseURIs(), []string{uri})
		return s.sidxReferences(ctx, c, frame.BaseURIs, indexURIs, byteRange{start: 0, end: -1}, init, timing)
	}

	media, ok := d.Attr("media")
	if !ok {
		return nil, errs.New(errs.Critical, errs.CategoryManifest, errs.DashNoSegmentInfo, c.Key().String())
	}
	tso := timing.timestampOffset(c)

	makeRef := func(start, end float64, number, ticks int64) (*segment.Reference, error) {
		uri, err := fillTemplate(media, templateValues{
			RepresentationID: repID,
			Number:           ptr(number),
			Bandwidth:        &bandwidth,
			Time:             ptr(ticks),
		})
		if err != nil {
			return nil, errs.New(errs.Critical, errs.CategoryManifest, errs.DashInvalidSegmentTemplate, err)
		}
		return &segment.Reference{
			Start:             start,
			End:               math.Min(end, c.Period.End()),
			URIs:              deferredURIs(frame, uri),
			StartByte:         0,
			EndByte:           -1,
			Init:              init,
			TimestampOffset:   tso,
			AppendWindowStart: c.Period.Start,
			AppendWindowEnd:   c.Period.End(),
			Number:            number,
		}, nil
	}

	if tl := d.Child("SegmentTimeline"); tl != nil {
		points := expandTimeline(s.log, tl, timing.pto, timing.startNumber, timing.endTicks(c))
		refs := make([]*segment.Reference, 0, len(points))
		for _, p := range points {
			ref, err := makeRef(timing.presentationTime(c, p.Start), timing.presentationTime(c, p.End), p.Number, p.Start)
			if err != nil {
				return nil, err
			}
			refs = append(refs, ref)
		}
		return refs, nil
	}

	if timing.duration <= 0 {
		return nil, errs.New(errs.Critical, errs.CategoryManifest, errs.DashNoSegmentInfo, c.Key().String())
	}
	if !c.Dynamic && math.IsInf(c.Period.Duration, 1) && s.cfg.InitialSegmentLimit <= 0 {
		return nil, errs.New(errs.Critical, errs.CategoryManifest, errs.DashNoSegmentInfo,
			"open-ended static period", c.Key().String())
	}

	segDur := float64(timing.duration) / float64(timing.timescale)
	first, last := timing.durationRange(c, s.cfg.InitialSegmentLimit)
	if last < first {
		return nil, nil
	}
	refs := make([]*segment.Reference, 0, last-first+1)
	for i := first; i <= last; i++ {
		start := c.Period.Start + float64(i)*segDur
		ref, err := makeRef(start, start+segDur, timing.startNumber+i, timing.pto+i*timing.duration)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}
