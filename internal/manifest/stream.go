// Package manifest defines the in-memory presentation model published to the
// playback controller: streams, variants and the manifest that holds them.
package manifest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/agleyzer/dashlive/internal/segment"
)

// ContentType classifies a stream.
type ContentType string

const (
	ContentAudio       ContentType = "audio"
	ContentVideo       ContentType = "video"
	ContentText        ContentType = "text"
	ContentImage       ContentType = "image"
	ContentApplication ContentType = "application"
)

// StreamKey identifies a representation within a period. It is the composite
// key of the stream map and of the per-representation context cache.
type StreamKey struct {
	PeriodID         string
	RepresentationID string
}

func (k StreamKey) String() string {
	return k.PeriodID + "," + k.RepresentationID
}

// IndexFactory builds a segment index for a stream on demand.
type IndexFactory func(ctx context.Context) (*segment.Index, error)

// DRMInfo describes one key system a stream can be decrypted with.
type DRMInfo struct {
	KeySystem  string
	LicenseURI string
	InitData   []byte
	KeyIDs     []string
	SchemeURI  string
	EncScheme  string
	Robustness string
}

// Stream is one representation's decoded-content track.
//
// A Stream's ID survives manifest updates for unchanged representations, so
// its segment index is extended in place rather than replaced.
type Stream struct {
	ID         int
	OriginalID string
	Key        StreamKey
	GroupID    string

	Type             ContentType
	MimeType         string
	Codecs           string
	Bandwidth        int
	Width            int
	Height           int
	FrameRate        float64
	PixelAspectRatio string

	Language      string
	Label         string
	Roles         []string
	Kind          string
	Primary       bool
	Forced        bool
	Channels      int
	SampleRate    int
	SpatialAudio  bool
	Accessibility []string

	Encrypted bool
	KeyIDs    []string
	DRMInfos  []DRMInfo

	// ClosedCaptions maps a channel id such as "CC1" or "svc1" to a language.
	ClosedCaptions map[string]string
	// TrickModeVideo is the trick-mode companion of a video stream.
	TrickModeVideo *Stream
	// EmsgSchemeIDs lists the inband event schemes the stream carries.
	EmsgSchemeIDs []string

	mu      sync.Mutex
	factory IndexFactory
	index   *segment.Index
	group   singleflight.Group
}

// SetIndexFactory replaces the function that builds the stream's index.
func (s *Stream) SetIndexFactory(f IndexFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factory = f
}

// CreateSegmentIndex builds the segment index if it does not exist yet.
// Concurrent callers share one build.
func (s *Stream) CreateSegmentIndex(ctx context.Context) (*segment.Index, error) {
	s.mu.Lock()
	if s.index != nil {
		ix := s.index
		s.mu.Unlock()
		return ix, nil
	}
	factory := s.factory
	s.mu.Unlock()

	if factory == nil {
		return nil, fmt.Errorf("stream %d has no segment index factory", s.ID)
	}

	v, err, _ := s.group.Do("index", func() (any, error) {
		ix, err := factory(ctx)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.index == nil {
			s.index = ix
		}
		return s.index, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*segment.Index), nil
}

// SetSegmentIndex installs an already built index.
func (s *Stream) SetSegmentIndex(ix *segment.Index) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = ix
}

// SegmentIndex returns the index, or nil if it has not been created.
func (s *Stream) SegmentIndex() *segment.Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

// CloseSegmentIndex releases the index. The factory is kept so the index
// can be created again.
func (s *Stream) CloseSegmentIndex() {
	s.mu.Lock()
	ix := s.index
	s.index = nil
	s.mu.Unlock()
	if ix != nil {
		ix.Release()
	}
}

// IDGenerator hands out globally unique, monotonically increasing stream ids.
type IDGenerator struct {
	next atomic.Int64
}

// Next returns the next id.
func (g *IDGenerator) Next() int {
	return int(g.next.Add(1)) - 1
}
