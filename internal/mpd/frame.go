package mpd

import (
	"math/bits"
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

// BaseURL is one resolved candidate location with its steering pathway.
type BaseURL struct {
	URI             string
	ServiceLocation string
}

// LocationOrderer orders candidate base URLs by preference at request time.
type LocationOrderer interface {
	Order(candidates []BaseURL) []string
}

// SegmentKind tags which segment description a frame resolves to.
type SegmentKind int

const (
	KindNone SegmentKind = iota
	KindBase
	KindList
	KindTemplate
)

func (k SegmentKind) String() string {
	switch k {
	case KindBase:
		return "SegmentBase"
	case KindList:
		return "SegmentList"
	case KindTemplate:
		return "SegmentTemplate"
	default:
		return "none"
	}
}

// Description points at the segment description elements in effect for a
// frame, nearest first. All nodes are of the same kind.
type Description struct {
	Kind  SegmentKind
	Nodes []*etree.Element
}

// Attr returns the first value of name along the chain.
func (d Description) Attr(name string) (string, bool) {
	for _, n := range d.Nodes {
		if v, ok := attr(n, name); ok {
			return v, true
		}
	}
	return "", false
}

// Child returns the first child element named tag along the chain.
func (d Description) Child(tag string) *etree.Element {
	for _, n := range d.Nodes {
		if c := child(n, tag); c != nil {
			return c
		}
	}
	return nil
}

// Children returns the children named tag of the nearest node that has any.
func (d Description) Children(tag string) []*etree.Element {
	for _, n := range d.Nodes {
		if c := children(n, tag); len(c) > 0 {
			return c
		}
	}
	return nil
}

func (d Description) floatAttr(name string, def float64) float64 {
	v, ok := d.Attr(name)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def
	}
	return f
}

func (d Description) intAttr(name string, def int64) int64 {
	v, ok := d.Attr(name)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return def
	}
	return n
}

// Frame is the resolved attribute state of a Period, AdaptationSet or
// Representation element. A child frame starts from a copy of its parent and
// overrides only what its own element declares.
type Frame struct {
	Node *etree.Element

	ID                string
	ContentType       string
	MimeType          string
	Codecs            string
	Bandwidth         int
	Width             int
	Height            int
	FrameRate         float64
	PixelAspectRatio  string
	AudioSamplingRate int
	Channels          int
	Language          string
	EmsgSchemeIDs     []string

	// AvailabilityTimeOffset accumulates over BaseURL, SegmentBase and
	// SegmentTemplate declarations from the MPD down.
	AvailabilityTimeOffset float64

	Segments Description

	bases []BaseURL
	steer LocationOrderer
}

// RootFrame builds the MPD-level frame from the manifest URIs and the MPD's
// own BaseURL children.
func RootFrame(mpd *etree.Element, manifestURIs []string, steer LocationOrderer) *Frame {
	f := &Frame{Node: mpd, steer: steer}
	for _, u := range manifestURIs {
		f.bases = append(f.bases, BaseURL{URI: u})
	}
	f.bases, f.AvailabilityTimeOffset = f.applyBaseURLs(mpd)
	return f
}

// CreateFrame derives the frame of elem from parent.
func CreateFrame(elem *etree.Element, parent *Frame) *Frame {
	f := &Frame{}
	if parent != nil {
		*f = *parent
		f.EmsgSchemeIDs = append([]string(nil), parent.EmsgSchemeIDs...)
	}
	f.Node = elem
	f.ID = attrString(elem, "id")

	if v, ok := attr(elem, "contentType"); ok {
		f.ContentType = v
	}
	if v, ok := attr(elem, "mimeType"); ok {
		f.MimeType = v
	}
	if codecs := ownCodecs(elem); codecs != "" {
		f.Codecs = codecs
	}
	f.Bandwidth = int(attrInt(elem, "bandwidth", int64(f.Bandwidth)))
	f.Width = int(attrInt(elem, "width", int64(f.Width)))
	f.Height = int(attrInt(elem, "height", int64(f.Height)))
	if v, ok := attr(elem, "frameRate"); ok {
		if r, ok := parseFrameRate(v); ok {
			f.FrameRate = r
		}
	}
	if v, ok := attr(elem, "sar"); ok {
		f.PixelAspectRatio = v
	}
	f.AudioSamplingRate = int(attrInt(elem, "audioSamplingRate", int64(f.AudioSamplingRate)))
	if v, ok := attr(elem, "lang"); ok {
		f.Language = v
	}
	for _, acc := range children(elem, "AudioChannelConfiguration") {
		if n := parseChannels(acc); n > 0 {
			f.Channels = n
			break
		}
	}
	for _, ie := range children(elem, "InbandEventStream") {
		if s := attrString(ie, "schemeIdUri"); s != "" {
			f.EmsgSchemeIDs = append(f.EmsgSchemeIDs, s)
		}
	}

	f.bases, f.AvailabilityTimeOffset = f.applyBaseURLs(elem)
	f.Segments = inheritDescription(elem, f.Segments)
	if own := ownDescriptionNode(elem); own != nil && own.Tag != "SegmentList" {
		f.AvailabilityTimeOffset += attrFloat(own, "availabilityTimeOffset", 0)
	}
	return f
}

// BaseURIs resolves the candidate base URIs of the frame, ordered by the
// current steering preference.
func (f *Frame) BaseURIs() []string {
	if f.steer != nil {
		if out := f.steer.Order(f.bases); len(out) > 0 {
			return out
		}
	}
	out := make([]string, 0, len(f.bases))
	for _, b := range f.bases {
		out = append(out, b.URI)
	}
	return out
}

// BaseURLs returns the unordered candidates.
func (f *Frame) BaseURLs() []BaseURL {
	return append([]BaseURL(nil), f.bases...)
}

// applyBaseURLs composes the element's BaseURL children with the inherited
// candidates. Only the first BaseURL contributes its availabilityTimeOffset.
func (f *Frame) applyBaseURLs(elem *etree.Element) ([]BaseURL, float64) {
	own := children(elem, "BaseURL")
	if len(own) == 0 {
		return f.bases, f.AvailabilityTimeOffset
	}
	ato := f.AvailabilityTimeOffset + attrFloat(own[0], "availabilityTimeOffset", 0)

	parents := f.bases
	if len(parents) == 0 {
		parents = []BaseURL{{}}
	}
	var out []BaseURL
	for _, p := range parents {
		for _, b := range own {
			rel := text(b)
			uri := rel
			if p.URI != "" {
				u, err := resolveURL(p.URI, rel)
				if err != nil {
					continue
				}
				uri = u
			}
			loc := attrString(b, "serviceLocation")
			if loc == "" {
				loc = p.ServiceLocation
			}
			out = append(out, BaseURL{URI: uri, ServiceLocation: loc})
		}
	}
	return out, ato
}

// ownDescriptionNode returns the element's own segment description child,
// preferring SegmentBase, then SegmentList, then SegmentTemplate.
func ownDescriptionNode(elem *etree.Element) *etree.Element {
	for _, tag := range []string{"SegmentBase", "SegmentList", "SegmentTemplate"} {
		if c := child(elem, tag); c != nil {
			return c
		}
	}
	return nil
}

func kindOf(tag string) SegmentKind {
	switch tag {
	case "SegmentBase":
		return KindBase
	case "SegmentList":
		return KindList
	case "SegmentTemplate":
		return KindTemplate
	}
	return KindNone
}

// inheritDescription applies nearest-ancestor-wins. A node of the same kind
// as the inherited chain is prepended so unset attributes fall through to
// the ancestors; a node of a different kind starts a new chain.
func inheritDescription(elem *etree.Element, parent Description) Description {
	own := ownDescriptionNode(elem)
	if own == nil {
		return parent
	}
	kind := kindOf(own.Tag)
	d := Description{Kind: kind, Nodes: []*etree.Element{own}}
	if parent.Kind == kind {
		d.Nodes = append(d.Nodes, parent.Nodes...)
	}
	return d
}

// ownCodecs joins the element's codecs and supplemental codecs, dropping
// empty or malformed entries.
func ownCodecs(elem *etree.Element) string {
	var list []string
	for _, name := range []string{"codecs", "supplementalCodecs"} {
		v, ok := attr(elem, name)
		if !ok {
			continue
		}
		for _, c := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' }) {
			if validCodec(c) {
				list = append(list, c)
			}
		}
	}
	return strings.Join(list, ",")
}

func validCodec(c string) bool {
	if c == "" {
		return false
	}
	for _, r := range c {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '-' || r == '_' || r == '+':
		default:
			return false
		}
	}
	return true
}

// parseFrameRate parses "25" or "30000/1001".
func parseFrameRate(v string) (float64, bool) {
	num, den, found := strings.Cut(strings.TrimSpace(v), "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	if !found {
		return n, true
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d <= 0 {
		return 0, false
	}
	return n / d, true
}

// parseChannels decodes an AudioChannelConfiguration element.
func parseChannels(acc *etree.Element) int {
	scheme := attrString(acc, "schemeIdUri")
	value := strings.TrimSpace(attrString(acc, "value"))
	if value == "" {
		return 0
	}
	switch scheme {
	case "urn:mpeg:dash:23003:3:audio_channel_configuration:2011":
		n, err := strconv.Atoi(value)
		if err != nil {
			return 0
		}
		return n
	case "urn:mpeg:mpegB:cicp:ChannelConfiguration":
		idx, err := strconv.Atoi(value)
		if err != nil || idx < 0 || idx >= len(cicpChannels) {
			return 0
		}
		return cicpChannels[idx]
	case "urn:dolby:dash:audio_channel_configuration:2011",
		"tag:dolby.com,2014:dash:audio_channel_configuration:2011",
		"tag:dolby.com,2015:dash:audio_channel_configuration:2015",
		"urn:mpeg:mpegB:cicp:ChannelMask":
		return popcountHex(value)
	}
	return 0
}

func popcountHex(value string) int {
	mask, err := strconv.ParseUint(value, 16, 64)
	if err != nil {
		return 0
	}
	return bits.OnesCount64(mask)
}

var cicpChannels = []int{0, 1, 2, 3, 4, 5, 6, 8, 2, 3, 4, 7, 8, 24, 8, 12, 10, 12, 14, 12, 14}
