package mpd

import (
	"context"
	"math"
	"strings"

	"github.com/agleyzer/dashlive/internal/errs"
	"github.com/agleyzer/dashlive/internal/manifest"
	"github.com/agleyzer/dashlive/internal/timeline"
)

const trickModeScheme = "http://dashif.org/guidelines/trickmode"

// adaptationSet is the parsed output of one AdaptationSet element.
type adaptationSet struct {
	id           string
	contentType  manifest.ContentType
	trickModeFor string
	streams      []*manifest.Stream
}

// parsePeriod walks the adaptation sets of a period and returns the period
// with its streams grouped by type, along with the largest availability
// time offset seen.
func (s *Session) parsePeriod(ctx context.Context, info PeriodInfo, root *Frame, res *Result, tl *timeline.PresentationTimeline) (*manifest.Period, float64, error) {
	periodFrame := CreateFrame(info.Node, root)
	periodFrame.ID = info.ID

	pc := &Context{
		Dynamic:     res.Dynamic,
		Timeline:    tl,
		Profiles:    res.Profiles,
		Period:      info,
		PeriodFrame: periodFrame,
	}

	var sets []*adaptationSet
	maxATO := 0.0
	for _, elem := range children(info.Node, "AdaptationSet") {
		as, ato, err := s.parseAdaptationSet(ctx, pc, elem)
		if err != nil {
			return nil, 0, err
		}
		if as == nil {
			continue
		}
		maxATO = math.Max(maxATO, ato)
		sets = append(sets, as)
	}

	if res.Dynamic {
		if err := checkDuplicateIDs(info.ID, sets); err != nil {
			return nil, 0, err
		}
	}

	attachTrickModes(sets)

	period := &manifest.Period{ID: info.ID, Start: info.Start, Duration: info.Duration}
	for _, as := range sets {
		if as.trickModeFor != "" {
			continue
		}
		switch as.contentType {
		case manifest.ContentAudio:
			period.Audio = append(period.Audio, as.streams...)
		case manifest.ContentVideo:
			period.Video = append(period.Video, as.streams...)
		case manifest.ContentText, manifest.ContentApplication:
			period.Text = append(period.Text, as.streams...)
		case manifest.ContentImage:
			period.Image = append(period.Image, as.streams...)
		}
	}

	if len(period.Audio) == 0 && len(period.Video) == 0 {
		return nil, 0, errs.New(errs.Critical, errs.CategoryManifest, errs.DashEmptyPeriod, info.ID)
	}
	return period, maxATO, nil
}

func checkDuplicateIDs(periodID string, sets []*adaptationSet) error {
	seen := map[string]bool{}
	for _, as := range sets {
		for _, st := range as.streams {
			if seen[st.OriginalID] {
				return errs.New(errs.Critical, errs.CategoryManifest, errs.DashDuplicateRepresentationID,
					periodID, st.OriginalID)
			}
			seen[st.OriginalID] = true
		}
	}
	return nil
}

// attachTrickModes links each stream of a trick-mode adaptation set to the
// stream of matching codec family in the adaptation set it serves.
func attachTrickModes(sets []*adaptationSet) {
	byID := map[string]*adaptationSet{}
	for _, as := range sets {
		if as.id != "" && as.trickModeFor == "" {
			byID[as.id] = as
		}
	}
	for _, trick := range sets {
		if trick.trickModeFor == "" {
			continue
		}
		for _, targetID := range strings.Fields(trick.trickModeFor) {
			target, ok := byID[targetID]
			if !ok {
				continue
			}
			for _, normal := range target.streams {
				for _, t := range trick.streams {
					if codecFamily(t.Codecs) == codecFamily(normal.Codecs) {
						normal.TrickModeVideo = t
						break
					}
				}
			}
		}
	}
}

// codecFamily returns the part of the first codec before the first dot.
func codecFamily(codecs string) string {
	first, _, _ := strings.Cut(codecs, ",")
	family, _, _ := strings.Cut(strings.TrimSpace(first), ".")
	return strings.ToLower(family)
}
