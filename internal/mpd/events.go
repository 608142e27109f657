package mpd

import (
	"math"
	"strings"
)

// parseEventStreams returns the timeline regions announced by the
// EventStream elements of a period.
func parseEventStreams(info PeriodInfo) []TimelineRegion {
	var out []TimelineRegion
	for _, es := range children(info.Node, "EventStream") {
		scheme := attrString(es, "schemeIdUri")
		value := attrString(es, "value")
		timescale := attrFloat(es, "timescale", 1)
		if timescale <= 0 {
			timescale = 1
		}
		pto := attrFloat(es, "presentationTimeOffset", 0)

		for _, ev := range children(es, "Event") {
			pt := attrFloat(ev, "presentationTime", 0)
			dur := attrFloat(ev, "duration", 0)
			start := info.Start + (pt-pto)/timescale
			end := start + dur/timescale
			if !math.IsInf(info.Duration, 1) {
				end = math.Min(end, info.End())
			}
			if start > end {
				continue
			}
			data := attrString(ev, "messageData")
			if data == "" {
				data = strings.TrimSpace(ev.Text())
			}
			out = append(out, TimelineRegion{
				SchemeIDURI: scheme,
				Value:       value,
				ID:          attrString(ev, "id"),
				StartTime:   start,
				EndTime:     end,
				Data:        data,
				Node:        ev,
			})
		}
	}
	return out
}
