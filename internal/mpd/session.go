package mpd

import (
	"log/slog"
	"math"

	"github.com/beevik/etree"

	"github.com/agleyzer/dashlive/internal/manifest"
	"github.com/agleyzer/dashlive/internal/textreg"
)

// Config controls how manifests are interpreted.
type Config struct {
	IgnoreEmptyAdaptationSet         bool
	IgnoreMinBufferTime              bool
	IgnoreSuggestedPresentationDelay bool
	IgnoreMaxSegmentDuration         bool
	IgnoreDRMInfo                    bool
	// InitialSegmentLimit caps how many duration-addressed segments are
	// generated per representation. Zero means no cap.
	InitialSegmentLimit int
	// DefaultPresentationDelay is used when the manifest does not suggest one.
	// Zero means 1.5 times minBufferTime.
	DefaultPresentationDelay float64
	// KeySystemsByURI maps ContentProtection scheme URIs to key system names,
	// extending the built-in table.
	KeySystemsByURI map[string]string
}

// Session holds the parse state that survives across manifest updates of
// one presentation: the stream map, the context cache and the bookkeeping
// used to detect stale periods.
type Session struct {
	cfg      Config
	log      *slog.Logger
	registry *textreg.Registry
	steer    LocationOrderer
	fetch    FetchFunc

	Streams  *manifest.StreamMap
	Contexts *ContextCache

	ids *manifest.IDGenerator

	largestPeriodStart float64
	lastPeriodIDs      map[string]bool
	patchEnabled       bool
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithRegistry sets the text format registry used for content-type guessing.
func WithRegistry(r *textreg.Registry) Option {
	return func(s *Session) { s.registry = r }
}

// WithSteering sets the base URL orderer.
func WithSteering(o LocationOrderer) Option {
	return func(s *Session) { s.steer = o }
}

// WithFetch sets the function used to download remote segment indexes.
func WithFetch(f FetchFunc) Option {
	return func(s *Session) { s.fetch = f }
}

// WithIDGenerator shares a stream id generator between sessions.
func WithIDGenerator(g *manifest.IDGenerator) Option {
	return func(s *Session) { s.ids = g }
}

// NewSession creates a parse session.
func NewSession(cfg Config, opts ...Option) *Session {
	s := &Session{
		cfg:                cfg,
		log:                slog.Default(),
		registry:           textreg.Default(),
		Streams:            manifest.NewStreamMap(),
		Contexts:           NewContextCache(),
		ids:                &manifest.IDGenerator{},
		largestPeriodStart: math.NaN(),
		lastPeriodIDs:      map[string]bool{},
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("component", "mpd")
	return s
}

// Configure replaces the parse configuration.
func (s *Session) Configure(cfg Config) {
	s.cfg = cfg
}

// PatchEnabled reports whether the last parsed manifest advertised a
// PatchLocation, which keeps per-representation contexts cached.
func (s *Session) PatchEnabled() bool {
	return s.patchEnabled
}

// Release drops every stream index and cached context.
func (s *Session) Release() {
	s.Streams.ReleaseAll()
	s.Contexts.Clear()
	s.lastPeriodIDs = map[string]bool{}
	s.largestPeriodStart = math.NaN()
}

// PatchLocation is an advertised patch document URI.
type PatchLocation struct {
	URI string
	// TTL is in seconds; +Inf when not advertised.
	TTL float64
}

// UTCTiming is a clock synchronisation source.
type UTCTiming struct {
	Scheme string
	Value  string
}

// ContentSteering is the MPD ContentSteering element.
type ContentSteering struct {
	ServerURL              string
	DefaultServiceLocation string
	QueryBeforeStart       bool
	ProxyServerURL         string
}

// TimelineRegion is one Event of an MPD EventStream.
type TimelineRegion struct {
	SchemeIDURI string
	Value       string
	ID          string
	StartTime   float64
	EndTime     float64
	Data        string
	Node        *etree.Element
}

// Result is the outcome of a full manifest parse.
type Result struct {
	ID          string
	Dynamic     bool
	PublishTime string
	Profiles    []string

	// Durations in seconds; NaN when absent.
	PresentationDuration       float64
	MinimumUpdatePeriod        float64
	MinBufferTime              float64
	SuggestedPresentationDelay float64
	TimeShiftBufferDepth       float64
	MaxSegmentDuration         float64
	AvailabilityStartTime      float64

	Locations          []string
	PatchLocations     []PatchLocation
	UTCTimings         []UTCTiming
	ContentSteering    *ContentSteering
	ServiceDescription *manifest.ServiceDescription

	Periods        []*manifest.Period
	RemovedPeriods []string
	Events         []TimelineRegion
	// RootFrame resolves MPD-level base URIs, kept for patch application.
	RootFrame *Frame
}
