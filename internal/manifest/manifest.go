package manifest

import (
	"sync"
	"time"

	"github.com/agleyzer/dashlive/internal/timeline"
)

// Variant is a playable pairing of at most one audio and one video stream.
type Variant struct {
	ID        int
	Audio     *Stream
	Video     *Stream
	Bandwidth int
	Language  string
	Primary   bool
	// DisabledUntilTime is in epoch seconds; 0 means enabled.
	DisabledUntilTime int64
}

// Enabled reports whether the variant may be selected at now.
func (v *Variant) Enabled(now time.Time) bool {
	return v.DisabledUntilTime == 0 || now.Unix() >= v.DisabledUntilTime
}

// Disable excludes the variant from selection for d.
func (v *Variant) Disable(now time.Time, d time.Duration) {
	v.DisabledUntilTime = now.Add(d).Unix()
}

// Streams returns the non-nil streams of the variant.
func (v *Variant) Streams() []*Stream {
	var out []*Stream
	if v.Audio != nil {
		out = append(out, v.Audio)
	}
	if v.Video != nil {
		out = append(out, v.Video)
	}
	return out
}

// Period is one period's parsed output, consumed by the period combiner.
type Period struct {
	ID       string
	Start    float64
	Duration float64

	Audio []*Stream
	Video []*Stream
	Text  []*Stream
	Image []*Stream
}

// AllStreams returns every stream of the period.
func (p *Period) AllStreams() []*Stream {
	out := make([]*Stream, 0, len(p.Audio)+len(p.Video)+len(p.Text)+len(p.Image))
	out = append(out, p.Audio...)
	out = append(out, p.Video...)
	out = append(out, p.Text...)
	out = append(out, p.Image...)
	return out
}

// ServiceDescription carries low-latency targets signalled by the manifest.
type ServiceDescription struct {
	TargetLatency   float64
	MaxLatency      float64
	MinLatency      float64
	MaxPlaybackRate float64
	MinPlaybackRate float64
}

// Manifest is the structured description of an entire presentation.
//
// The timeline is never replaced across updates. Topology (variants and
// text/image streams) is swapped atomically under the manifest lock.
type Manifest struct {
	Timeline *timeline.PresentationTimeline

	MinBufferTime      float64
	SequenceMode       bool
	Type               string
	ServiceDescription *ServiceDescription

	mu           sync.RWMutex
	variants     []*Variant
	textStreams  []*Stream
	imageStreams []*Stream
}

// New creates an empty manifest bound to tl.
func New(tl *timeline.PresentationTimeline) *Manifest {
	return &Manifest{Timeline: tl, Type: "DASH"}
}

// SetTopology replaces variants and text/image streams.
func (m *Manifest) SetTopology(variants []*Variant, text, image []*Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.variants = variants
	m.textStreams = text
	m.imageStreams = image
}

// Variants returns the current variants.
func (m *Manifest) Variants() []*Variant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Variant(nil), m.variants...)
}

// TextStreams returns the current text streams.
func (m *Manifest) TextStreams() []*Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Stream(nil), m.textStreams...)
}

// ImageStreams returns the current image streams.
func (m *Manifest) ImageStreams() []*Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Stream(nil), m.imageStreams...)
}

// FilterVariants keeps only the variants for which keep returns true.
func (m *Manifest) FilterVariants(keep func(*Variant) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.variants[:0:0]
	for _, v := range m.variants {
		if keep(v) {
			out = append(out, v)
		}
	}
	m.variants = out
}

// AddTextStreams appends text streams, used for closed-caption tracks.
func (m *Manifest) AddTextStreams(streams ...*Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.textStreams = append(m.textStreams, streams...)
}
