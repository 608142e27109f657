// Package timeline tracks the relationship between wall-clock time and media
// time for a presentation.
//
// A PresentationTimeline is created once per manifest and mutated in place on
// every update so that every holder observes the same window.
package timeline

import (
	"math"
	"sync"
	"time"
)

// PresentationTimeline holds availability window state for one presentation.
// All times are in seconds; presentation start time is seconds since the epoch.
type PresentationTimeline struct {
	mu sync.RWMutex

	presentationStartTime       float64 // NaN when unknown (VOD)
	presentationDelay           float64
	static                      bool
	duration                    float64 // +Inf when open-ended
	segmentAvailabilityDuration float64 // +Inf when unbounded
	clockOffset                 time.Duration
	availabilityTimeOffset      float64
	maxSegmentDuration          float64
	maxSegmentEndTime           float64 // NaN until segments are seen
	minSegmentStartTime         float64 // NaN until segments are seen
	startTimeLocked             bool
	durationLocked              bool

	now func() time.Time
}

// New creates a timeline. presentationStart may be NaN for static content.
func New(presentationStart, presentationDelay float64) *PresentationTimeline {
	return &PresentationTimeline{
		presentationStartTime:       presentationStart,
		presentationDelay:           presentationDelay,
		static:                      true,
		duration:                    math.Inf(1),
		segmentAvailabilityDuration: math.Inf(1),
		maxSegmentDuration:          1,
		maxSegmentEndTime:           math.NaN(),
		minSegmentStartTime:         math.NaN(),
		now:                         time.Now,
	}
}

// SetClock replaces the wall clock, mostly for tests.
func (t *PresentationTimeline) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// SetStatic marks the presentation as static (VOD) or dynamic (live).
func (t *PresentationTimeline) SetStatic(static bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.static = static
}

// IsLive reports whether the presentation is dynamic and open-ended.
func (t *PresentationTimeline) IsLive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.isLive()
}

func (t *PresentationTimeline) isLive() bool {
	return !t.static && math.IsInf(t.duration, 1)
}

// IsStatic reports whether the presentation is static.
func (t *PresentationTimeline) IsStatic() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.static
}

// SetPresentationStartTime sets the wall-clock anchor unless it has been locked.
func (t *PresentationTimeline) SetPresentationStartTime(start float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startTimeLocked {
		return
	}
	t.presentationStartTime = start
}

// LockStartTime freezes the presentation start time.
func (t *PresentationTimeline) LockStartTime() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startTimeLocked = true
}

// SetDuration sets the presentation duration. Once LockDuration has been called
// on a static presentation, the duration never decreases.
func (t *PresentationTimeline) SetDuration(d float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.durationLocked && t.static && d < t.duration {
		return
	}
	t.duration = d
}

// LockDuration makes the duration monotonically non-decreasing for static content.
func (t *PresentationTimeline) LockDuration() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.durationLocked = true
}

// Duration returns the presentation duration, +Inf when unknown.
func (t *PresentationTimeline) Duration() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.duration
}

// SetSegmentAvailabilityDuration sets the live window length.
func (t *PresentationTimeline) SetSegmentAvailabilityDuration(d float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.segmentAvailabilityDuration = d
}

// SegmentAvailabilityDuration returns the live window length.
func (t *PresentationTimeline) SegmentAvailabilityDuration() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.segmentAvailabilityDuration
}

// SetDelay sets the suggested presentation delay.
func (t *PresentationTimeline) SetDelay(d float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.presentationDelay = d
}

// Delay returns the suggested presentation delay.
func (t *PresentationTimeline) Delay() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.presentationDelay
}

// SetClockOffset sets the server-minus-local clock delta.
func (t *PresentationTimeline) SetClockOffset(offset time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clockOffset = offset
}

// SetAvailabilityTimeOffset sets how much earlier than nominal segments become available.
func (t *PresentationTimeline) SetAvailabilityTimeOffset(offset float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.availabilityTimeOffset = offset
}

// AvailabilityTimeOffset returns the availability time offset.
func (t *PresentationTimeline) AvailabilityTimeOffset() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.availabilityTimeOffset
}

// NotifyMaxSegmentDuration raises the observed maximum segment duration.
func (t *PresentationTimeline) NotifyMaxSegmentDuration(d float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d > t.maxSegmentDuration {
		t.maxSegmentDuration = d
	}
}

// MaxSegmentDuration returns the largest segment duration seen so far.
func (t *PresentationTimeline) MaxSegmentDuration() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.maxSegmentDuration
}

// NotifySegments records the time span covered by a set of segments.
// start and end are presentation times of the first and last segment.
func (t *PresentationTimeline) NotifySegments(start, end, maxDuration float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if math.IsNaN(t.minSegmentStartTime) || start < t.minSegmentStartTime {
		t.minSegmentStartTime = start
	}
	if math.IsNaN(t.maxSegmentEndTime) || end > t.maxSegmentEndTime {
		t.maxSegmentEndTime = end
	}
	if maxDuration > t.maxSegmentDuration {
		t.maxSegmentDuration = maxDuration
	}
}

// Now returns server-corrected wall-clock time in epoch seconds.
func (t *PresentationTimeline) Now() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nowSeconds()
}

func (t *PresentationTimeline) nowSeconds() float64 {
	return float64(t.now().Add(t.clockOffset).UnixNano()) / 1e9
}

// liveEdge is the media time of "now" for a dynamic presentation.
func (t *PresentationTimeline) liveEdge() float64 {
	if math.IsNaN(t.presentationStartTime) {
		return 0
	}
	return math.Max(0, t.nowSeconds()-t.presentationStartTime)
}

// SegmentAvailabilityEnd returns the latest media time that may be requested.
// The result never exceeds the live edge plus the availability time offset,
// nor the presentation duration.
func (t *PresentationTimeline) SegmentAvailabilityEnd() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.availabilityEnd()
}

func (t *PresentationTimeline) availabilityEnd() float64 {
	if t.static {
		if math.IsInf(t.duration, 1) && !math.IsNaN(t.maxSegmentEndTime) {
			return t.maxSegmentEndTime
		}
		return t.duration
	}
	return math.Min(t.liveEdge()+t.availabilityTimeOffset, t.duration)
}

// SegmentAvailabilityStart returns the earliest media time still available.
func (t *PresentationTimeline) SegmentAvailabilityStart() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.availabilityStart()
}

func (t *PresentationTimeline) availabilityStart() float64 {
	if math.IsInf(t.segmentAvailabilityDuration, 1) || t.static {
		return 0
	}
	end := t.availabilityEnd()
	start := end - t.segmentAvailabilityDuration - t.maxSegmentDuration
	return math.Min(math.Max(0, start), end)
}

// SeekRangeStart returns the earliest seekable position.
func (t *PresentationTimeline) SeekRangeStart() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.seekRangeStart()
}

func (t *PresentationTimeline) seekRangeStart() float64 {
	start := t.availabilityStart()
	if !math.IsNaN(t.minSegmentStartTime) && t.static {
		start = math.Max(start, t.minSegmentStartTime)
	}
	return start
}

// SeekRangeEnd returns the latest seekable position, honouring the
// presentation delay for live content.
func (t *PresentationTimeline) SeekRangeEnd() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.seekRangeEnd()
}

func (t *PresentationTimeline) seekRangeEnd() float64 {
	end := t.availabilityEnd()
	if t.isLive() {
		end -= t.presentationDelay
	}
	return math.Max(t.availabilityStart(), end)
}

// Snapshot is a point-in-time copy of the timeline, for logging and status pages.
type Snapshot struct {
	Static            bool    `json:"static"`
	InProgress        bool    `json:"in_progress"`
	PresentationStart float64 `json:"presentation_start"`
	Duration          float64 `json:"duration"`
	AvailabilityStart float64 `json:"availability_start"`
	AvailabilityEnd   float64 `json:"availability_end"`
	SeekRangeStart    float64 `json:"seek_range_start"`
	SeekRangeEnd      float64 `json:"seek_range_end"`
	MaxSegmentDur     float64 `json:"max_segment_duration"`
	ClockOffsetMS     int64   `json:"clock_offset_ms"`
	StartTimeLocked   bool    `json:"start_time_locked"`
}

// Snapshot copies the current state. Unbounded values are reported as -1.
func (t *PresentationTimeline) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		Static:            t.static,
		InProgress:        !t.static && !math.IsInf(t.duration, 1),
		PresentationStart: finite(t.presentationStartTime),
		Duration:          finite(t.duration),
		AvailabilityStart: finite(t.availabilityStart()),
		AvailabilityEnd:   finite(t.availabilityEnd()),
		SeekRangeStart:    finite(t.seekRangeStart()),
		SeekRangeEnd:      finite(t.seekRangeEnd()),
		MaxSegmentDur:     t.maxSegmentDuration,
		ClockOffsetMS:     t.clockOffset.Milliseconds(),
		StartTimeLocked:   t.startTimeLocked,
	}
}

func finite(v float64) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return -1
	}
	return v
}
