// Package combiner flattens the streams of every retained period into
// cross-period output streams and audio/video variants.
package combiner

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/agleyzer/dashlive/internal/errs"
	"github.com/agleyzer/dashlive/internal/manifest"
	"github.com/agleyzer/dashlive/internal/segment"
	"github.com/agleyzer/dashlive/internal/timeline"
)

type variantKey struct {
	audio int
	video int
}

// Combiner holds the periods seen so far and the output streams derived from
// them. Outputs and variants keep their identity across calls for as long as
// the tracks they stand for keep appearing, including when periods are added
// to or removed from a single-period presentation.
type Combiner struct {
	mu  sync.Mutex
	log *slog.Logger
	ids *manifest.IDGenerator
	tl  *timeline.PresentationTimeline

	periods map[string]*manifest.Period

	// outputs maps a track signature to its cross-period output stream.
	outputs  map[string]*output
	variants map[variantKey]*manifest.Variant
	variantN int

	audio, video, text, image []*manifest.Stream
	current                   []*manifest.Variant
}

// output is one cross-period stream and the input it uses in each period.
type output struct {
	stream *manifest.Stream
	chain  []*manifest.Stream
}

// New creates a combiner. ids must be the generator used for input streams
// so output ids never collide with them. When tl is live, output indexes drop
// references that leave its availability window.
func New(log *slog.Logger, ids *manifest.IDGenerator, tl *timeline.PresentationTimeline) *Combiner {
	if log == nil {
		log = slog.Default()
	}
	return &Combiner{
		log:      log.With("component", "combiner"),
		ids:      ids,
		tl:       tl,
		periods:  map[string]*manifest.Period{},
		outputs:  map[string]*output{},
		variants: map[variantKey]*manifest.Variant{},
	}
}

// Combine adds or replaces periods and re-derives outputs from every retained
// period. dynamic marks live updates, where outputs of tracks that vanished
// are kept for one more call so in-flight requests can drain.
func (c *Combiner) Combine(ctx context.Context, periods []*manifest.Period, dynamic bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range periods {
		c.periods[p.ID] = p
	}
	ordered := c.ordered()
	if len(ordered) == 0 {
		c.audio, c.video, c.text, c.image, c.current = nil, nil, nil, nil, nil
		return nil
	}

	used := map[string]bool{}
	audio := c.combineType(ctx, ordered, func(p *manifest.Period) []*manifest.Stream { return p.Audio }, used)
	video := c.combineType(ctx, ordered, func(p *manifest.Period) []*manifest.Stream { return p.Video }, used)
	text := c.combineType(ctx, ordered, func(p *manifest.Period) []*manifest.Stream { return p.Text }, used)
	image := c.combineType(ctx, ordered, func(p *manifest.Period) []*manifest.Stream { return p.Image }, used)
	c.dropUnused(used, dynamic)

	variants, err := c.buildVariants(audio, video)
	if err != nil {
		return err
	}
	c.audio, c.video, c.text, c.image, c.current = audio, video, text, image, variants
	return nil
}

// DeletePeriod forgets a period removed from the manifest.
func (c *Combiner) DeletePeriod(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.periods, id)
}

// Variants returns the current variants.
func (c *Combiner) Variants() []*manifest.Variant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*manifest.Variant(nil), c.current...)
}

// TextStreams returns the current text outputs.
func (c *Combiner) TextStreams() []*manifest.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*manifest.Stream(nil), c.text...)
}

// ImageStreams returns the current image outputs.
func (c *Combiner) ImageStreams() []*manifest.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*manifest.Stream(nil), c.image...)
}

// Release closes every output index and forgets all state.
func (c *Combiner) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range c.outputs {
		o.stream.CloseSegmentIndex()
	}
	c.periods = map[string]*manifest.Period{}
	c.outputs = map[string]*output{}
	c.variants = map[variantKey]*manifest.Variant{}
	c.audio, c.video, c.text, c.image, c.current = nil, nil, nil, nil, nil
}

func (c *Combiner) ordered() []*manifest.Period {
	out := make([]*manifest.Period, 0, len(c.periods))
	for _, p := range c.periods {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// combineType creates or refreshes one output per distinct track signature
// of a content type.
func (c *Combiner) combineType(ctx context.Context, periods []*manifest.Period, pick func(*manifest.Period) []*manifest.Stream, used map[string]bool) []*manifest.Stream {
	var sigs []string
	seeds := map[string]*manifest.Stream{}
	for _, p := range periods {
		counts := map[string]int{}
		for _, st := range pick(p) {
			sig := signature(st)
			counts[sig]++
			if n := counts[sig]; n > 1 {
				sig = fmt.Sprintf("%s#%d", sig, n)
			}
			if _, ok := seeds[sig]; !ok {
				seeds[sig] = st
				sigs = append(sigs, sig)
			}
		}
	}

	out := make([]*manifest.Stream, 0, len(sigs))
	for _, sig := range sigs {
		seed := seeds[sig]
		chain := make([]*manifest.Stream, 0, len(periods))
		for _, p := range periods {
			if m := bestMatch(seed, pick(p)); m != nil {
				chain = append(chain, m)
			}
		}

		o, ok := c.outputs[sig]
		if !ok {
			o = &output{stream: c.newOutput(seed)}
			c.outputs[sig] = o
		}
		o.chain = chain
		c.installFactory(o)
		if o.stream.SegmentIndex() != nil {
			if err := c.refresh(ctx, o); err != nil {
				c.log.Warn("refreshing combined segment index", "stream", o.stream.ID, "error", err)
			}
		}
		used[sig] = true
		out = append(out, o.stream)
	}
	return out
}

// dropUnused releases outputs whose signature no longer appears.
func (c *Combiner) dropUnused(used map[string]bool, dynamic bool) {
	for sig, o := range c.outputs {
		if used[sig] {
			continue
		}
		if dynamic && len(o.chain) > 0 {
			o.chain = nil
			continue
		}
		o.stream.CloseSegmentIndex()
		delete(c.outputs, sig)
	}
}

func (c *Combiner) newOutput(seed *manifest.Stream) *manifest.Stream {
	st := &manifest.Stream{
		ID:               c.ids.Next(),
		OriginalID:       seed.OriginalID,
		GroupID:          seed.GroupID,
		Type:             seed.Type,
		MimeType:         seed.MimeType,
		Codecs:           seed.Codecs,
		Bandwidth:        seed.Bandwidth,
		Width:            seed.Width,
		Height:           seed.Height,
		FrameRate:        seed.FrameRate,
		PixelAspectRatio: seed.PixelAspectRatio,
		Language:         seed.Language,
		Label:            seed.Label,
		Roles:            append([]string(nil), seed.Roles...),
		Kind:             seed.Kind,
		Primary:          seed.Primary,
		Forced:           seed.Forced,
		Channels:         seed.Channels,
		SampleRate:       seed.SampleRate,
		SpatialAudio:     seed.SpatialAudio,
		Accessibility:    append([]string(nil), seed.Accessibility...),
		Encrypted:        seed.Encrypted,
		KeyIDs:           append([]string(nil), seed.KeyIDs...),
		DRMInfos:         append([]manifest.DRMInfo(nil), seed.DRMInfos...),
		ClosedCaptions:   seed.ClosedCaptions,
		TrickModeVideo:   seed.TrickModeVideo,
		EmsgSchemeIDs:    append([]string(nil), seed.EmsgSchemeIDs...),
	}
	return st
}

func (c *Combiner) installFactory(o *output) {
	chain := append([]*manifest.Stream(nil), o.chain...)
	o.stream.SetIndexFactory(func(ctx context.Context) (*segment.Index, error) {
		refs, err := concatenate(ctx, chain)
		if err != nil {
			return nil, err
		}
		ix := segment.NewIndex(refs)
		c.evict(ix)
		return ix, nil
	})
}

// refresh re-reads every period's index into the existing output index.
func (c *Combiner) refresh(ctx context.Context, o *output) error {
	ix := o.stream.SegmentIndex()
	refs, err := concatenate(ctx, o.chain)
	if err != nil {
		return err
	}
	ix.Reconcile(refs)
	c.evict(ix)
	return nil
}

// evict trims references that ended before the availability window of a
// dynamic presentation.
func (c *Combiner) evict(ix *segment.Index) {
	if c.tl == nil || c.tl.IsStatic() {
		return
	}
	if n := ix.Evict(c.tl.SegmentAvailabilityStart()); n > 0 {
		c.log.Debug("evicted expired references", "count", n)
	}
}

func concatenate(ctx context.Context, chain []*manifest.Stream) ([]*segment.Reference, error) {
	var refs []*segment.Reference
	for _, in := range chain {
		ix, err := in.CreateSegmentIndex(ctx)
		if err != nil {
			return nil, fmt.Errorf("creating index for stream %d: %w", in.ID, err)
		}
		refs = append(refs, ix.References()...)
	}
	return refs, nil
}

// signature identifies a track across periods.
func signature(st *manifest.Stream) string {
	parts := []string{
		string(st.Type),
		st.Language,
		strings.Join(st.Roles, "+"),
		codecFamily(st.Codecs),
		st.Label,
		fmt.Sprint(st.Channels),
	}
	if st.Type == manifest.ContentVideo || st.Type == manifest.ContentImage {
		parts = append(parts, fmt.Sprintf("%dx%d", st.Width, st.Height))
	}
	return strings.Join(parts, "|")
}

// bestMatch picks the candidate closest to seed. Language and codec family
// must match when any candidate matches them; resolution and bandwidth
// decide among the rest.
func bestMatch(seed *manifest.Stream, candidates []*manifest.Stream) *manifest.Stream {
	if len(candidates) == 0 {
		return nil
	}
	filter := func(in []*manifest.Stream, keep func(*manifest.Stream) bool) []*manifest.Stream {
		var out []*manifest.Stream
		for _, st := range in {
			if keep(st) {
				out = append(out, st)
			}
		}
		if len(out) == 0 {
			return in
		}
		return out
	}
	pool := filter(candidates, func(st *manifest.Stream) bool { return st.Language == seed.Language })
	pool = filter(pool, func(st *manifest.Stream) bool { return codecFamily(st.Codecs) == codecFamily(seed.Codecs) })
	pool = filter(pool, func(st *manifest.Stream) bool { return strings.Join(st.Roles, "+") == strings.Join(seed.Roles, "+") })

	var best *manifest.Stream
	bestScore := math.Inf(1)
	for _, st := range pool {
		score := math.Abs(float64(st.Height-seed.Height))*1e6 +
			math.Abs(float64(st.Width-seed.Width))*1e3 +
			math.Abs(float64(st.Bandwidth-seed.Bandwidth))/1e3
		if signature(st) == signature(seed) {
			score -= 1e12
		}
		if score < bestScore {
			best, bestScore = st, score
		}
	}
	return best
}

func codecFamily(codecs string) string {
	first, _, _ := strings.Cut(codecs, ",")
	family, _, _ := strings.Cut(strings.TrimSpace(first), ".")
	return strings.ToLower(family)
}

// buildVariants pairs every audio output with every video output whose key
// systems are compatible. Variants keep their identity per pair.
func (c *Combiner) buildVariants(audio, video []*manifest.Stream) ([]*manifest.Variant, error) {
	var out []*manifest.Variant
	rejected := 0
	add := func(a, v *manifest.Stream) {
		key := variantKey{audio: -1, video: -1}
		if a != nil {
			key.audio = a.ID
		}
		if v != nil {
			key.video = v.ID
		}
		variant, ok := c.variants[key]
		if !ok {
			variant = &manifest.Variant{ID: c.variantN, Audio: a, Video: v}
			c.variantN++
			c.variants[key] = variant
		}
		variant.Bandwidth = 0
		if a != nil {
			variant.Bandwidth += a.Bandwidth
			variant.Language = a.Language
			variant.Primary = a.Primary
		}
		if v != nil {
			variant.Bandwidth += v.Bandwidth
			variant.Primary = variant.Primary || v.Primary
		}
		out = append(out, variant)
	}

	switch {
	case len(audio) == 0:
		for _, v := range video {
			add(nil, v)
		}
	case len(video) == 0:
		for _, a := range audio {
			add(a, nil)
		}
	default:
		for _, v := range video {
			for _, a := range audio {
				if !compatibleDRM(a, v) {
					rejected++
					continue
				}
				add(a, v)
			}
		}
	}

	if len(out) == 0 && rejected > 0 {
		return nil, errs.New(errs.Critical, errs.CategoryManifest, errs.DashNoCommonKeySystem)
	}
	return out, nil
}

// compatibleDRM reports whether a and v can be decrypted by one key system.
func compatibleDRM(a, v *manifest.Stream) bool {
	if len(a.DRMInfos) == 0 || len(v.DRMInfos) == 0 {
		return true
	}
	systems := map[string]bool{}
	for _, d := range a.DRMInfos {
		systems[d.KeySystem] = true
	}
	for _, d := range v.DRMInfos {
		if systems[d.KeySystem] {
			return true
		}
	}
	return false
}
