package mpd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/agleyzer/dashlive/internal/errs"
	"github.com/agleyzer/dashlive/internal/segment"
)

// segmentBaseReferences resolves a SegmentBase description. With an index
// range the sidx box is fetched and expanded; without one the whole
// resource is a single segment spanning the period.
func (s *Session) segmentBaseReferences(ctx context.Context, c *Context) ([]*segment.Reference, error) {
	frame := c.Representation
	d := frame.Segments
	timing := readTiming(d)

	init := initFromElement(frame, parseInitElement(d, "Initialization"), timing.timescale)

	if isWebM(frame) {
		if init == nil {
			return nil, errs.New(errs.Critical, errs.CategoryManifest, errs.DashWebMMissingInit, c.Key().String())
		}
		return nil, errs.New(errs.Critical, errs.CategoryManifest, errs.DashUnsupportedContainer,
			frame.MimeType, c.Key().String())
	}

	indexURIs := frame.BaseURIs()
	var indexRange *byteRange
	if v, ok := d.Attr("indexRange"); ok {
		if r, ok := parseRange(v); ok {
			indexRange = &r
		}
	}
	if ri := parseInitElement(d, "RepresentationIndex"); ri != nil {
		if ri.sourceURL != "" {
			indexURIs = resolveURIs(indexURIs, []string{ri.sourceURL})
		}
		r := ri.rng
		indexRange = &r
	}

	if indexRange == nil {
		if math.IsInf(c.Period.Duration, 1) {
			return nil, errs.New(errs.Critical, errs.CategoryManifest, errs.DashNoSegmentInfo, c.Key().String())
		}
		return []*segment.Reference{s.wholePeriodReference(c, init)}, nil
	}

	return s.sidxReferences(ctx, c, frame.BaseURIs, indexURIs, *indexRange, init, timing)
}

// sidxReferences fetches and expands a sidx box. Segment byte offsets are
// anchored at the first byte after the box.
func (s *Session) sidxReferences(ctx context.Context, c *Context, mediaURIs segment.URIFunc,
	indexURIs []string, rng byteRange, init *segment.InitReference, timing sharedTiming) ([]*segment.Reference, error) {
	if s.fetch == nil {
		return nil, errs.New(errs.Critical, errs.CategoryManifest, errs.DashNoSegmentInfo,
			"no fetcher for segment index", c.Key().String())
	}
	data, err := s.fetch(ctx, indexURIs, rng.start, rng.end)
	if err != nil {
		return nil, fmt.Errorf("fetching segment index for %s: %w", c.Key(), err)
	}

	sidx, boxStart, err := findSidx(data)
	if err != nil {
		return nil, errs.New(errs.Critical, errs.CategoryManifest, errs.DashSIDXParseFailed, c.Key().String(), err)
	}

	timescale := float64(sidx.Timescale)
	if timescale == 0 {
		return nil, errs.New(errs.Critical, errs.CategoryManifest, errs.DashSIDXParseFailed,
			c.Key().String(), "zero timescale")
	}
	pto := float64(timing.pto) / float64(timing.timescale)
	tso := c.Period.Start - pto

	offset := uint64(rng.start) + boxStart + sidx.Size() + sidx.FirstOffset
	ticks := sidx.EarliestPresentationTime

	refs := make([]*segment.Reference, 0, len(sidx.SidxRefs))
	for i, r := range sidx.SidxRefs {
		if r.ReferenceType == 1 {
			return nil, errs.New(errs.Critical, errs.CategoryManifest, errs.DashSIDXParseFailed,
				c.Key().String(), fmt.Sprintf("hierarchical sidx reference %d", i))
		}
		start := float64(ticks)/timescale + tso
		end := float64(ticks+uint64(r.SubSegmentDuration))/timescale + tso
		refs = append(refs, &segment.Reference{
			Start:             start,
			End:               end,
			URIs:              mediaURIs,
			StartByte:         int64(offset),
			EndByte:           int64(offset) + int64(r.ReferencedSize) - 1,
			Init:              init,
			TimestampOffset:   tso,
			AppendWindowStart: c.Period.Start,
			AppendWindowEnd:   c.Period.End(),
		})
		offset += uint64(r.ReferencedSize)
		ticks += uint64(r.SubSegmentDuration)
	}
	return refs, nil
}

// findSidx decodes boxes until the first sidx and returns it together with
// its offset in data.
func findSidx(data []byte) (*mp4.SidxBox, uint64, error) {
	r := bytes.NewReader(data)
	var pos uint64
	for {
		box, err := mp4.DecodeBox(pos, r)
		if err == io.EOF {
			return nil, 0, fmt.Errorf("no sidx box in %d bytes", len(data))
		}
		if err != nil {
			return nil, 0, fmt.Errorf("decoding box at %d: %w", pos, err)
		}
		if sidx, ok := box.(*mp4.SidxBox); ok {
			return sidx, pos, nil
		}
		pos += box.Size()
	}
}

func isWebM(f *Frame) bool {
	return strings.Contains(strings.ToLower(f.MimeType), "webm")
}
