package mpd

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/beevik/etree"

	"github.com/agleyzer/dashlive/internal/errs"
	"github.com/agleyzer/dashlive/internal/manifest"
	"github.com/agleyzer/dashlive/internal/timeline"
)

// durationTolerance is the allowed gap between declared and inferred period
// durations before a warning is logged.
const durationTolerance = 0.01

// Parse resolves an MPD element into periods of streams and updates tl in
// place. Streams of representations seen in an earlier parse keep their
// identity and have their segment index extended.
func (s *Session) Parse(ctx context.Context, root *etree.Element, manifestURIs []string, tl *timeline.PresentationTimeline) (*Result, error) {
	if root == nil || root.Tag != "MPD" {
		return nil, errs.New(errs.Critical, errs.CategoryManifest, errs.DashInvalidXML, "root element is not MPD")
	}

	res := readMPD(root)
	rootFrame := RootFrame(root, manifestURIs, s.steer)
	res.RootFrame = rootFrame
	s.parseTopLevel(root, manifestURIs, res)
	s.patchEnabled = len(res.PatchLocations) > 0
	if !s.patchEnabled {
		s.Contexts.Clear()
	}

	s.applyTimeline(res, tl)

	infos := s.periodInfos(root, res)
	seen := make(map[string]bool, len(infos))
	maxATO := 0.0
	for _, info := range infos {
		period, ato, err := s.parsePeriod(ctx, info, rootFrame, res, tl)
		if err != nil {
			return nil, err
		}
		seen[info.ID] = true
		maxATO = math.Max(maxATO, ato)
		res.Periods = append(res.Periods, period)
		res.Events = append(res.Events, parseEventStreams(info)...)
	}
	tl.SetAvailabilityTimeOffset(maxATO)

	res.RemovedPeriods = s.dropMissingPeriods(seen)
	s.lastPeriodIDs = seen

	s.finishDuration(res, infos, tl)
	return res, nil
}

// Reread applies the MPD-level attributes and top-level elements of root to
// tl after a patch modified them. The result carries no periods.
func (s *Session) Reread(root *etree.Element, manifestURIs []string, tl *timeline.PresentationTimeline) *Result {
	res := readMPD(root)
	s.parseTopLevel(root, manifestURIs, res)
	s.applyTimeline(res, tl)
	if !math.IsNaN(res.PresentationDuration) {
		tl.SetDuration(res.PresentationDuration)
	}
	return res
}

func readMPD(root *etree.Element) *Result {
	res := &Result{
		ID:                         attrString(root, "id"),
		Dynamic:                    attrString(root, "type") == "dynamic",
		PublishTime:                attrString(root, "publishTime"),
		PresentationDuration:       attrDuration(root, "mediaPresentationDuration"),
		MinimumUpdatePeriod:        attrDuration(root, "minimumUpdatePeriod"),
		MinBufferTime:              attrDuration(root, "minBufferTime"),
		SuggestedPresentationDelay: attrDuration(root, "suggestedPresentationDelay"),
		TimeShiftBufferDepth:       attrDuration(root, "timeShiftBufferDepth"),
		MaxSegmentDuration:         attrDuration(root, "maxSegmentDuration"),
		AvailabilityStartTime:      attrDate(root, "availabilityStartTime"),
	}
	for _, p := range strings.Split(attrString(root, "profiles"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			res.Profiles = append(res.Profiles, p)
		}
	}
	return res
}

// AddedPeriodInfo resolves the timing of a Period element appended by a
// patch after a period ending at prevEnd.
func AddedPeriodInfo(node *etree.Element, prevEnd float64) PeriodInfo {
	start := attrDuration(node, "start")
	if math.IsNaN(start) {
		start = prevEnd
	}
	if math.IsNaN(start) || math.IsInf(start, 1) {
		start = 0
	}
	duration := attrDuration(node, "duration")
	if math.IsNaN(duration) {
		duration = math.Inf(1)
	}
	id := attrString(node, "id")
	if id == "" {
		id = fmt.Sprintf("__period_%g", start)
	}
	return PeriodInfo{ID: id, Start: start, Duration: duration, Node: node, IsLastPeriod: true}
}

// Events returns the timeline regions of a period.
func Events(info PeriodInfo) []TimelineRegion {
	return parseEventStreams(info)
}

// ParsePeriodElement parses a single Period element against the state of
// the last full parse. The patch engine uses it for added periods.
func (s *Session) ParsePeriodElement(ctx context.Context, info PeriodInfo, rootFrame *Frame, dynamic bool, profiles []string, tl *timeline.PresentationTimeline) (*manifest.Period, error) {
	res := &Result{Dynamic: dynamic, Profiles: profiles}
	period, ato, err := s.parsePeriod(ctx, info, rootFrame, res, tl)
	if err != nil {
		return nil, err
	}
	if ato > tl.AvailabilityTimeOffset() {
		tl.SetAvailabilityTimeOffset(ato)
	}
	s.lastPeriodIDs[info.ID] = true
	if math.IsNaN(s.largestPeriodStart) || info.Start > s.largestPeriodStart {
		s.largestPeriodStart = info.Start
	}
	return period, nil
}

// RemovePeriod releases every stream and context of periodID.
func (s *Session) RemovePeriod(periodID string) {
	for _, key := range s.Streams.KeysForPeriod(periodID) {
		if st, ok := s.Streams.Delete(key); ok {
			st.CloseSegmentIndex()
		}
		s.Contexts.Delete(key)
	}
	delete(s.lastPeriodIDs, periodID)
}

// PrunePeriod releases the streams of periodID that are not in keep. A
// re-parsed period uses it to drop representations that disappeared.
func (s *Session) PrunePeriod(periodID string, keep map[manifest.StreamKey]bool) {
	for _, key := range s.Streams.KeysForPeriod(periodID) {
		if keep[key] {
			continue
		}
		if st, ok := s.Streams.Delete(key); ok {
			st.CloseSegmentIndex()
		}
		s.Contexts.Delete(key)
	}
}

func (s *Session) parseTopLevel(root *etree.Element, manifestURIs []string, res *Result) {
	for _, l := range children(root, "Location") {
		if u := text(l); u != "" {
			res.Locations = append(res.Locations, resolveURIs(manifestURIs, []string{u})...)
		}
	}
	for _, pl := range children(root, "PatchLocation") {
		u := text(pl)
		if u == "" {
			continue
		}
		ttl := attrFloat(pl, "ttl", math.Inf(1))
		for _, r := range resolveURIs(manifestURIs, []string{u}) {
			res.PatchLocations = append(res.PatchLocations, PatchLocation{URI: r, TTL: ttl})
		}
	}
	for _, ut := range children(root, "UTCTiming") {
		res.UTCTimings = append(res.UTCTimings, UTCTiming{
			Scheme: attrString(ut, "schemeIdUri"),
			Value:  attrString(ut, "value"),
		})
	}
	if cs := child(root, "ContentSteering"); cs != nil {
		res.ContentSteering = &ContentSteering{
			ServerURL:              text(cs),
			DefaultServiceLocation: attrString(cs, "defaultServiceLocation"),
			QueryBeforeStart:       attrBool(cs, "queryBeforeStart", false),
			ProxyServerURL:         attrString(cs, "proxyServerURL"),
		}
	}
	if sd := child(root, "ServiceDescription"); sd != nil {
		desc := &manifest.ServiceDescription{}
		if lat := child(sd, "Latency"); lat != nil {
			desc.TargetLatency = attrFloat(lat, "target", 0) / 1000
			desc.MaxLatency = attrFloat(lat, "max", 0) / 1000
			desc.MinLatency = attrFloat(lat, "min", 0) / 1000
		}
		if pr := child(sd, "PlaybackRate"); pr != nil {
			desc.MaxPlaybackRate = attrFloat(pr, "max", 0)
			desc.MinPlaybackRate = attrFloat(pr, "min", 0)
		}
		res.ServiceDescription = desc
	}
}

// applyTimeline copies MPD-level timing into the presentation timeline.
func (s *Session) applyTimeline(res *Result, tl *timeline.PresentationTimeline) {
	tl.SetStatic(!res.Dynamic)
	if res.Dynamic {
		start := res.AvailabilityStartTime
		if math.IsNaN(start) {
			start = 0
		}
		tl.SetPresentationStartTime(start)
	}

	window := res.TimeShiftBufferDepth
	if math.IsNaN(window) || !res.Dynamic {
		window = math.Inf(1)
	}
	tl.SetSegmentAvailabilityDuration(window)

	minBuffer := res.MinBufferTime
	if math.IsNaN(minBuffer) || s.cfg.IgnoreMinBufferTime {
		minBuffer = 0
	}
	delay := res.SuggestedPresentationDelay
	if math.IsNaN(delay) || s.cfg.IgnoreSuggestedPresentationDelay {
		delay = s.cfg.DefaultPresentationDelay
		if delay <= 0 {
			delay = 1.5 * minBuffer
		}
	}
	tl.SetDelay(delay)

	if !math.IsNaN(res.MaxSegmentDuration) && !s.cfg.IgnoreMaxSegmentDuration {
		tl.NotifyMaxSegmentDuration(res.MaxSegmentDuration)
	}
}

// periodInfos resolves period start times and durations. A period's
// duration is the next period's start minus its own start when the next
// start is known; only the last period uses its own duration or the
// presentation duration.
func (s *Session) periodInfos(root *etree.Element, res *Result) []PeriodInfo {
	nodes := children(root, "Period")
	var out []PeriodInfo
	prevEnd := 0.0

	for i, node := range nodes {
		start := attrDuration(node, "start")
		declared := attrDuration(node, "duration")
		isLast := i == len(nodes)-1

		if math.IsNaN(start) {
			if math.IsInf(prevEnd, 1) || math.IsNaN(prevEnd) {
				s.log.Warn("period has no start and follows an open-ended period, ignoring the rest",
					"index", i)
				break
			}
			start = prevEnd
		}

		id := attrString(node, "id")
		if id == "" {
			id = fmt.Sprintf("__period_%g", start)
		}

		duration := math.Inf(1)
		if !isLast {
			next := attrDuration(nodes[i+1], "start")
			switch {
			case !math.IsNaN(next):
				duration = next - start
				if !math.IsNaN(declared) && math.Abs(declared-duration) > durationTolerance {
					s.log.Warn("period duration does not match the next period start",
						"period", id, "declared", declared, "inferred", duration)
				}
			case !math.IsNaN(declared):
				duration = declared
			}
		} else {
			switch {
			case !math.IsNaN(res.PresentationDuration):
				duration = res.PresentationDuration - start
				if !math.IsNaN(declared) && math.Abs(declared-duration) > durationTolerance {
					s.log.Warn("last period duration does not match the presentation duration",
						"period", id, "declared", declared, "inferred", duration)
				}
			case !math.IsNaN(declared):
				duration = declared
			}
		}

		if !math.IsNaN(s.largestPeriodStart) && start < s.largestPeriodStart &&
			!s.lastPeriodIDs[id] && !isLast {
			s.log.Info("skipping period that starts before an earlier announced period",
				"period", id, "start", start, "largest_start", s.largestPeriodStart)
			prevEnd = start + duration
			continue
		}
		if math.IsNaN(s.largestPeriodStart) || start > s.largestPeriodStart {
			s.largestPeriodStart = start
		}

		out = append(out, PeriodInfo{
			ID:           id,
			Start:        start,
			Duration:     duration,
			Node:         node,
			IsLastPeriod: isLast,
		})
		prevEnd = start + duration
	}
	return out
}

// finishDuration sets the presentation duration from the manifest or, when
// absent, from the end of the last period.
func (s *Session) finishDuration(res *Result, infos []PeriodInfo, tl *timeline.PresentationTimeline) {
	duration := res.PresentationDuration
	if len(infos) > 0 {
		last := infos[len(infos)-1]
		total := last.End()
		if math.IsNaN(duration) {
			if !res.Dynamic {
				duration = total
			}
		} else if !math.IsInf(total, 1) && math.Abs(total-duration) > durationTolerance {
			s.log.Warn("sum of period durations does not match the presentation duration",
				"declared", duration, "derived", total)
		}
	}
	if math.IsNaN(duration) {
		duration = math.Inf(1)
	}
	tl.SetDuration(duration)
}

// dropMissingPeriods releases the streams of periods that are no longer in
// the manifest and returns their ids.
func (s *Session) dropMissingPeriods(seen map[string]bool) []string {
	gone := map[string]bool{}
	for _, key := range s.Streams.Keys() {
		if !seen[key.PeriodID] {
			gone[key.PeriodID] = true
		}
	}
	removed := make([]string, 0, len(gone))
	for id := range gone {
		s.RemovePeriod(id)
		removed = append(removed, id)
	}
	return removed
}
