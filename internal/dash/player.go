package dash

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/agleyzer/dashlive/internal/errs"
	"github.com/agleyzer/dashlive/internal/manifest"
	"github.com/agleyzer/dashlive/internal/mpd"
)

// PlayerInterface is the playback controller the parser reports to.
type PlayerInterface interface {
	OnError(err *errs.Error)
	OnEvent(name string, data map[string]any)
	OnTimelineRegionAdded(region mpd.TimelineRegion)
	OnManifestUpdated()
	// Filter applies the current restrictions after every topology change.
	Filter(m *manifest.Manifest) error
	MakeTextStreamsForClosedCaptions(m *manifest.Manifest)
	IsLowLatencyMode() bool
	IsAutoLowLatencyMode() bool
	EnableLowLatencyMode()
}

// LoggingPlayer is a PlayerInterface that only logs. It backs the CLI
// watcher and is convenient to embed in tests.
type LoggingPlayer struct {
	Log *slog.Logger
}

func (p LoggingPlayer) logger() *slog.Logger {
	if p.Log == nil {
		return slog.Default()
	}
	return p.Log
}

func (p LoggingPlayer) OnError(err *errs.Error) {
	p.logger().Error("manifest error", "severity", err.Severity, "code", int(err.Code), "error", err)
}

func (p LoggingPlayer) OnEvent(name string, data map[string]any) {
	p.logger().Info("manifest event", "event", name, "data", data)
}

func (p LoggingPlayer) OnTimelineRegionAdded(r mpd.TimelineRegion) {
	p.logger().Info("timeline region", "scheme", r.SchemeIDURI, "id", r.ID, "start", r.StartTime, "end", r.EndTime)
}

func (p LoggingPlayer) OnManifestUpdated() {
	p.logger().Debug("manifest updated")
}

func (LoggingPlayer) Filter(*manifest.Manifest) error { return nil }

func (LoggingPlayer) MakeTextStreamsForClosedCaptions(m *manifest.Manifest) {
	m.AddTextStreams(ClosedCaptionStreams(m)...)
}

func (LoggingPlayer) IsLowLatencyMode() bool     { return false }
func (LoggingPlayer) IsAutoLowLatencyMode() bool { return false }
func (LoggingPlayer) EnableLowLatencyMode()      {}

// ClosedCaptionStreams returns one text stream per caption channel carried
// by the manifest's video streams.
func ClosedCaptionStreams(m *manifest.Manifest) []*manifest.Stream {
	seen := map[string]bool{}
	var out []*manifest.Stream
	for _, v := range m.Variants() {
		if v.Video == nil {
			continue
		}
		channels := make([]string, 0, len(v.Video.ClosedCaptions))
		for channel := range v.Video.ClosedCaptions {
			channels = append(channels, channel)
		}
		sort.Strings(channels)
		for _, channel := range channels {
			if seen[channel] {
				continue
			}
			seen[channel] = true
			lang := v.Video.ClosedCaptions[channel]
			out = append(out, &manifest.Stream{
				ID:         -1,
				OriginalID: channel,
				Type:       manifest.ContentText,
				MimeType:   "application/cea-608",
				Codecs:     channelCodec(channel),
				Language:   lang,
				Kind:       "caption",
			})
		}
	}
	return out
}

func channelCodec(channel string) string {
	if strings.HasPrefix(channel, "CC") {
		return "cea-608"
	}
	return "cea-708"
}

// Config controls the orchestrator.
type Config struct {
	MPD mpd.Config

	// UpdatePeriod overrides minimumUpdatePeriod when >= 0.
	UpdatePeriod time.Duration
	// ClockSyncURI is requested with HEAD for a Date header when the
	// manifest carries no usable UTCTiming.
	ClockSyncURI string
	// RaiseFatalOnUpdateFailure keeps failed scheduled updates critical.
	RaiseFatalOnUpdateFailure bool
	SequenceMode              bool
	// PrefetchIndexes builds every variant's segment index right after
	// the initial load.
	PrefetchIndexes bool
	// LocationBanDuration is how long BanLocation excludes a location.
	LocationBanDuration time.Duration
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		UpdatePeriod:        -1,
		LocationBanDuration: time.Minute,
	}
}
