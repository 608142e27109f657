package mpd

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/beevik/etree"

	"github.com/agleyzer/dashlive/internal/errs"
	"github.com/agleyzer/dashlive/internal/manifest"
	"github.com/agleyzer/dashlive/internal/segment"
	"github.com/agleyzer/dashlive/internal/textreg"
)

// knownEssentialScheme reports whether the parser understands an essential
// property. Any other essential property invalidates its adaptation set.
func knownEssentialScheme(scheme string) bool {
	switch scheme {
	case trickModeScheme,
		dolbyJOCScheme,
		"http://dashif.org/thumbnail_tile",
		"http://dashif.org/guidelines/thumbnail_tile",
		"urn:mpeg:mpegB:cicp:TransferCharacteristics",
		"urn:mpeg:mpegB:cicp:ColourPrimaries",
		"urn:mpeg:mpegB:cicp:MatrixCoefficients",
		"urn:mpeg:dash:adaptation-set-switching:2016":
		return true
	}
	return false
}

const (
	roleScheme         = "urn:mpeg:dash:role:2011"
	cea608Scheme       = "urn:scte:dash:cc:cea-608:2015"
	cea708Scheme       = "urn:scte:dash:cc:cea-708:2015"
	audioPurposeScheme = "urn:tva:metadata:cs:AudioPurposeCS:2007"
	dolbyJOCScheme     = "tag:dolby.com,2018:dash:EC3_ExtensionType:2018"
)

// asAttributes is what an AdaptationSet element contributes to its streams
// besides the inheritance frame.
type asAttributes struct {
	trickModeFor   string
	roles          []string
	accessibility  []string
	primary        bool
	forced         bool
	kind           string
	label          string
	closedCaptions map[string]string
	spatialAudio   bool
	protection     []*etree.Element
}

// parseAdaptationSet returns nil without error when the set is dropped.
func (s *Session) parseAdaptationSet(ctx context.Context, pc *Context, elem *etree.Element) (*adaptationSet, float64, error) {
	asFrame := CreateFrame(elem, pc.PeriodFrame)
	attrs, ok := s.readASAttributes(elem, pc.Period.ID)
	if !ok {
		return nil, 0, nil
	}

	out := &adaptationSet{id: asFrame.ID, trickModeFor: attrs.trickModeFor}
	maxATO := 0.0
	for i, repElem := range children(elem, "Representation") {
		st, ato, err := s.parseRepresentation(ctx, pc, asFrame, repElem, i, attrs)
		if err != nil {
			return nil, 0, err
		}
		if st == nil {
			continue
		}
		if out.contentType == "" {
			out.contentType = st.Type
		}
		maxATO = math.Max(maxATO, ato)
		out.streams = append(out.streams, st)
	}

	if len(out.streams) == 0 {
		ct := manifest.ContentType(asFrame.ContentType)
		if ct == "" {
			ct = s.guessContentType(asFrame.MimeType, asFrame.Codecs)
		}
		if ct == manifest.ContentText || ct == manifest.ContentImage || ct == manifest.ContentApplication ||
			s.cfg.IgnoreEmptyAdaptationSet {
			s.log.Warn("dropping empty adaptation set", "period", pc.Period.ID, "adaptation_set", asFrame.ID)
			return nil, 0, nil
		}
		return nil, 0, errs.New(errs.Critical, errs.CategoryManifest, errs.DashEmptyAdaptationSet,
			pc.Period.ID, asFrame.ID)
	}
	return out, maxATO, nil
}

// readASAttributes returns false when the set carries an essential property
// this parser does not understand.
func (s *Session) readASAttributes(elem *etree.Element, periodID string) (asAttributes, bool) {
	a := asAttributes{label: attrString(elem, "label")}
	if l := text(child(elem, "Label")); l != "" {
		a.label = l
	}

	for _, prop := range children(elem, "EssentialProperty") {
		scheme := attrString(prop, "schemeIdUri")
		if !knownEssentialScheme(scheme) {
			s.log.Info("dropping adaptation set with unrecognized essential property",
				"period", periodID, "adaptation_set", attrString(elem, "id"), "scheme", scheme)
			return a, false
		}
		if scheme == trickModeScheme {
			a.trickModeFor = attrString(prop, "value")
		}
		if scheme == dolbyJOCScheme && attrString(prop, "value") == "JOC" {
			a.spatialAudio = true
		}
	}
	for _, prop := range children(elem, "SupplementalProperty") {
		if attrString(prop, "schemeIdUri") == dolbyJOCScheme && attrString(prop, "value") == "JOC" {
			a.spatialAudio = true
		}
	}

	for _, role := range children(elem, "Role") {
		if attrString(role, "schemeIdUri") != roleScheme {
			continue
		}
		v := attrString(role, "value")
		a.roles = append(a.roles, v)
		switch v {
		case "main":
			a.primary = true
		case "caption", "subtitle":
			a.kind = v
		case "forced-subtitle", "forced_subtitle":
			a.forced = true
			a.kind = "subtitle"
		}
	}

	for _, acc := range children(elem, "Accessibility") {
		scheme := attrString(acc, "schemeIdUri")
		value, hasValue := attr(acc, "value")
		switch scheme {
		case cea608Scheme:
			a.closedCaptions = mergeCaptions(a.closedCaptions, parseCEA608(value, hasValue))
		case cea708Scheme:
			a.closedCaptions = mergeCaptions(a.closedCaptions, parseCEA708(value, hasValue))
		case roleScheme:
			a.accessibility = append(a.accessibility, value)
		case audioPurposeScheme:
			switch value {
			case "1":
				a.accessibility = append(a.accessibility, "description")
			case "2":
				a.accessibility = append(a.accessibility, "enhanced-audio-intelligibility")
			}
		}
	}

	a.protection = children(elem, "ContentProtection")
	return a, true
}

// parseRepresentation returns nil without error when a text or image
// representation cannot be resolved.
func (s *Session) parseRepresentation(ctx context.Context, pc *Context, asFrame *Frame, elem *etree.Element, index int, attrs asAttributes) (*manifest.Stream, float64, error) {
	repFrame := CreateFrame(elem, asFrame)
	if repFrame.ID == "" {
		repFrame.ID = fmt.Sprintf("%s__%d", asFrame.ID, index)
	}

	ct := manifest.ContentType(repFrame.ContentType)
	if ct == "" || ct == manifest.ContentApplication {
		ct = s.guessContentType(repFrame.MimeType, repFrame.Codecs)
	}

	c := &Context{
		Dynamic:        pc.Dynamic,
		Timeline:       pc.Timeline,
		Profiles:       pc.Profiles,
		Period:         pc.Period,
		PeriodFrame:    pc.PeriodFrame,
		AdaptationSet:  asFrame,
		Representation: repFrame,
	}
	key := c.Key()

	optional := ct == manifest.ContentText || ct == manifest.ContentImage
	if repFrame.Segments.Kind == KindNone && !isTextOrApplication(c) {
		err := errs.New(errs.Critical, errs.CategoryManifest, errs.DashNoSegmentInfo, key.String())
		if optional {
			s.log.Warn("dropping representation without segment info", "stream", key.String())
			return nil, 0, nil
		}
		return nil, 0, err
	}

	drm, err := s.parseProtection(append(append([]*etree.Element(nil), attrs.protection...), children(elem, "ContentProtection")...))
	if err != nil {
		return nil, 0, err
	}

	st, existed := s.Streams.Get(key)
	if !existed {
		st = &manifest.Stream{ID: s.ids.Next()}
		s.fillStream(st, key, repFrame, asFrame, ct, attrs, drm)
	}

	st.SetIndexFactory(func(ctx context.Context) (*segment.Index, error) {
		cur := c
		if cached, ok := s.Contexts.Get(key); ok {
			cur = cached
		}
		return s.GenerateSegmentIndex(ctx, cur)
	})

	if existed && st.SegmentIndex() != nil {
		if _, err := s.GenerateSegmentIndex(ctx, c); err != nil {
			if optional {
				s.log.Warn("dropping representation after index refresh failed", "stream", key.String(), "error", err)
				if old, ok := s.Streams.Delete(key); ok {
					old.CloseSegmentIndex()
				}
				return nil, 0, nil
			}
			return nil, 0, err
		}
	}

	if s.patchEnabled {
		s.Contexts.Put(c)
	}
	s.Streams.Put(key, st)
	return st, repFrame.AvailabilityTimeOffset, nil
}

func (s *Session) fillStream(st *manifest.Stream, key manifest.StreamKey, rep, as *Frame, ct manifest.ContentType, attrs asAttributes, drm protectionInfo) {
	lang := strings.ToLower(rep.Language)
	if lang == "" {
		lang = "und"
	}
	st.OriginalID = rep.ID
	st.Key = key
	st.GroupID = as.ID
	st.Type = ct
	st.MimeType = rep.MimeType
	st.Codecs = rep.Codecs
	st.Bandwidth = rep.Bandwidth
	st.Width = rep.Width
	st.Height = rep.Height
	st.FrameRate = rep.FrameRate
	st.PixelAspectRatio = rep.PixelAspectRatio
	st.Language = lang
	st.Label = attrs.label
	st.Roles = append([]string(nil), attrs.roles...)
	st.Kind = attrs.kind
	st.Primary = attrs.primary
	st.Forced = attrs.forced
	st.Channels = rep.Channels
	st.SampleRate = rep.AudioSamplingRate
	st.SpatialAudio = attrs.spatialAudio
	st.Accessibility = append([]string(nil), attrs.accessibility...)
	st.Encrypted = drm.encrypted
	st.KeyIDs = drm.keyIDs
	st.DRMInfos = drm.infos
	st.EmsgSchemeIDs = rep.EmsgSchemeIDs
	if ct == manifest.ContentVideo && len(attrs.closedCaptions) > 0 {
		st.ClosedCaptions = make(map[string]string, len(attrs.closedCaptions))
		for k, v := range attrs.closedCaptions {
			st.ClosedCaptions[k] = v
		}
	}
}

// guessContentType classifies a representation from its mime type. A mime
// type with a registered text parser is text regardless of its primary token.
func (s *Session) guessContentType(mimeType, codecs string) manifest.ContentType {
	if s.registry.IsTypeSupported(textreg.FullMimeType(mimeType, codecs)) ||
		s.registry.IsTypeSupported(mimeType) {
		return manifest.ContentText
	}
	primary, _, _ := strings.Cut(strings.ToLower(mimeType), "/")
	switch manifest.ContentType(primary) {
	case manifest.ContentAudio, manifest.ContentVideo, manifest.ContentText, manifest.ContentImage:
		return manifest.ContentType(primary)
	case manifest.ContentApplication:
		return manifest.ContentApplication
	}
	return ""
}
