package mpd

import (
	"context"
	"math"
	"strings"

	"github.com/agleyzer/dashlive/internal/errs"
	"github.com/agleyzer/dashlive/internal/manifest"
	"github.com/agleyzer/dashlive/internal/segment"
)

// FetchFunc requests bytes of a remote segment description, such as a sidx
// box. endByte is inclusive; -1 requests the rest of the resource.
type FetchFunc func(ctx context.Context, uris []string, startByte, endByte int64) ([]byte, error)

// GenerateSegmentIndex builds the segment index of the representation held
// by c. When the stream map already holds an index for the same key, that
// index is updated in place and returned.
func (s *Session) GenerateSegmentIndex(ctx context.Context, c *Context) (*segment.Index, error) {
	var existing *segment.Index
	if st, ok := s.Streams.Get(c.Key()); ok {
		existing = st.SegmentIndex()
		if existing != nil && existing.Released() {
			existing = nil
		}
	}

	kind := c.Representation.Segments.Kind
	if existing != nil && existing.Len() > 0 && (kind == KindBase || isIndexTemplate(c)) {
		return existing, nil
	}

	refs, err := s.references(ctx, c)
	if err != nil {
		return nil, err
	}

	ix := existing
	if ix == nil {
		ix = segment.NewIndex(refs)
	} else {
		ix.Reconcile(refs)
	}
	s.fitIndex(c, ix)
	return ix, nil
}

func (s *Session) references(ctx context.Context, c *Context) ([]*segment.Reference, error) {
	switch c.Representation.Segments.Kind {
	case KindBase:
		return s.segmentBaseReferences(ctx, c)
	case KindList:
		return s.segmentListReferences(c)
	case KindTemplate:
		return s.segmentTemplateReferences(ctx, c)
	}

	if isTextOrApplication(c) {
		return []*segment.Reference{s.wholePeriodReference(c, nil)}, nil
	}
	return nil, errs.New(errs.Critical, errs.CategoryManifest, errs.DashNoSegmentInfo,
		c.Key().String())
}

// fitIndex drops references outside the period and, for live content,
// references that left the availability window.
func (s *Session) fitIndex(c *Context, ix *segment.Index) {
	windowStart := math.Inf(-1)
	if c.Dynamic {
		windowStart = c.Timeline.SegmentAvailabilityStart()
	}
	ix.Fit(windowStart, c.Period.End())

	first, last := ix.First(), ix.Last()
	if first == nil || last == nil {
		return
	}
	maxDur := 0.0
	for _, r := range ix.References() {
		maxDur = math.Max(maxDur, r.Duration())
	}
	c.Timeline.NotifySegments(first.Start, last.End, maxDur)
}

// wholePeriodReference is a single segment spanning the period, used for
// sidecar text and for SegmentBase without an index.
func (s *Session) wholePeriodReference(c *Context, init *segment.InitReference) *segment.Reference {
	frame := c.Representation
	return &segment.Reference{
		Start:             c.Period.Start,
		End:               c.Period.End(),
		URIs:              frame.BaseURIs,
		StartByte:         0,
		EndByte:           -1,
		Init:              init,
		TimestampOffset:   c.Period.Start,
		AppendWindowStart: c.Period.Start,
		AppendWindowEnd:   c.Period.End(),
	}
}

func isTextOrApplication(c *Context) bool {
	t := c.Representation.ContentType
	if t == "" {
		t = c.AdaptationSet.ContentType
	}
	if t == string(manifest.ContentText) || t == string(manifest.ContentApplication) {
		return true
	}
	mime := strings.ToLower(c.Representation.MimeType)
	return strings.HasPrefix(mime, "text/") || mime == "application/ttml+xml"
}

// deferredURIs resolves rel against the frame's base URIs at request time.
func deferredURIs(f *Frame, rel string) segment.URIFunc {
	if rel == "" {
		return f.BaseURIs
	}
	return func() []string {
		return resolveURIs(f.BaseURIs(), []string{rel})
	}
}

// initFromElement reads an Initialization or RepresentationIndex element.
func initFromElement(f *Frame, e *initElement, timescale int64) *segment.InitReference {
	if e == nil {
		return nil
	}
	return &segment.InitReference{
		URIs:      deferredURIs(f, e.sourceURL),
		StartByte: e.rng.start,
		EndByte:   e.rng.end,
		Timescale: uint32(timescale),
	}
}

type initElement struct {
	sourceURL string
	rng       byteRange
}

func parseInitElement(d Description, tag string) *initElement {
	e := d.Child(tag)
	if e == nil {
		return nil
	}
	ie := &initElement{sourceURL: attrString(e, "sourceURL"), rng: byteRange{start: 0, end: -1}}
	if v, ok := attr(e, "range"); ok {
		if r, ok := parseRange(v); ok {
			ie.rng = r
		}
	}
	return ie
}

// sharedTiming holds the attributes common to every multi-segment description.
type sharedTiming struct {
	timescale   int64
	pto         int64
	startNumber int64
	duration    int64
}

func readTiming(d Description) sharedTiming {
	t := sharedTiming{
		timescale:   d.intAttr("timescale", 1),
		pto:         d.intAttr("presentationTimeOffset", 0),
		startNumber: d.intAttr("startNumber", 1),
		duration:    d.intAttr("duration", 0),
	}
	if t.timescale <= 0 {
		t.timescale = 1
	}
	if t.startNumber < 0 {
		t.startNumber = 1
	}
	return t
}

// endTicks is the media time, in ticks, at which open repeats stop.
func (t sharedTiming) endTicks(c *Context) float64 {
	end := c.Period.Duration
	if c.Dynamic {
		end = math.Min(end, c.Timeline.SegmentAvailabilityEnd()-c.Period.Start)
	}
	if math.IsInf(end, 1) {
		return end
	}
	return float64(t.pto) + end*float64(t.timescale)
}

// presentationTime maps media ticks to presentation seconds.
func (t sharedTiming) presentationTime(c *Context, ticks int64) float64 {
	return c.Period.Start + float64(ticks-t.pto)/float64(t.timescale)
}

func (t sharedTiming) timestampOffset(c *Context) float64 {
	return c.Period.Start - float64(t.pto)/float64(t.timescale)
}

// durationRange returns the zero-based positions of duration-addressed
// segments to generate: the availability window for live content, the
// whole period otherwise, capped at limit.
func (t sharedTiming) durationRange(c *Context, limit int) (first, last int64) {
	segDur := float64(t.duration) / float64(t.timescale)
	last = math.MaxInt64
	if !math.IsInf(c.Period.Duration, 1) {
		last = int64(math.Ceil(c.Period.Duration/segDur-1e-9)) - 1
	}
	if c.Dynamic {
		availStart := c.Timeline.SegmentAvailabilityStart() - c.Period.Start
		availEnd := c.Timeline.SegmentAvailabilityEnd() - c.Period.Start
		first = int64(math.Max(0, math.Floor(availStart/segDur)))
		if liveLast := int64(math.Floor(availEnd/segDur)) - 1; liveLast < last {
			last = liveLast
		}
	}
	if limit > 0 && last-first >= int64(limit) {
		if c.Dynamic {
			first = last - int64(limit) + 1
		} else {
			last = first + int64(limit) - 1
		}
	}
	return first, last
}
