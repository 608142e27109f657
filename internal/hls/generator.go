// Package hls renders the current DASH presentation as HLS playlists.
package hls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/grafov/m3u8"

	"github.com/agleyzer/dashlive/internal/manifest"
	"github.com/agleyzer/dashlive/internal/segment"
)

// ErrNotReady is returned before the first manifest has been loaded.
var ErrNotReady = errors.New("presentation not loaded")

const (
	audioGroupPrefix = "audio-"
	subtitleGroup    = "subs"
)

// Source provides the presentation to render.
type Source interface {
	Manifest() *manifest.Manifest
}

// Generator renders a master playlist for the variants of the current
// manifest and one media playlist per stream.
type Generator struct {
	src        Source
	windowSize int
	logger     *slog.Logger
}

// New creates a generator. For live presentations media playlists carry at
// most windowSize segments; zero keeps every available segment.
func New(src Source, windowSize int, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{src: src, windowSize: windowSize, logger: logger.With("component", "hls")}
}

// StreamURI returns the path of a stream's media playlist.
func StreamURI(id int) string {
	return fmt.Sprintf("/stream/%d/playlist.m3u8", id)
}

// GenerateMaster creates an HLS master playlist with one entry per variant.
func (g *Generator) GenerateMaster() (string, error) {
	m := g.src.Manifest()
	if m == nil {
		return "", ErrNotReady
	}
	variants := m.Variants()
	if len(variants) == 0 {
		return "", fmt.Errorf("cannot create master playlist with zero variants")
	}

	var subs []*m3u8.Alternative
	for _, st := range m.TextStreams() {
		if !hasSegments(st) {
			continue
		}
		subs = append(subs, &m3u8.Alternative{
			GroupId:    subtitleGroup,
			Type:       "SUBTITLES",
			URI:        StreamURI(st.ID),
			Language:   st.Language,
			Name:       streamName(st),
			Autoselect: "YES",
			Forced:     yesNo(st.Forced),
			Default:    st.Primary,
		})
	}

	master := m3u8.NewMasterPlaylist()
	for _, v := range variants {
		main := v.Video
		if main == nil {
			main = v.Audio
		}
		if main == nil {
			continue
		}

		params := m3u8.VariantParams{
			Bandwidth: uint32(v.Bandwidth),
			Codecs:    variantCodecs(v),
		}
		if v.Video != nil {
			if v.Video.Width > 0 && v.Video.Height > 0 {
				params.Resolution = fmt.Sprintf("%dx%d", v.Video.Width, v.Video.Height)
			}
			params.FrameRate = v.Video.FrameRate
		}
		if v.Video != nil && v.Audio != nil {
			group := fmt.Sprintf("%s%d", audioGroupPrefix, v.Audio.ID)
			params.Audio = group
			params.Alternatives = append(params.Alternatives, &m3u8.Alternative{
				GroupId:    group,
				Type:       "AUDIO",
				URI:        StreamURI(v.Audio.ID),
				Language:   v.Audio.Language,
				Name:       streamName(v.Audio),
				Default:    true,
				Autoselect: "YES",
			})
		}
		if len(subs) > 0 {
			params.Subtitles = subtitleGroup
			params.Alternatives = append(params.Alternatives, subs...)
		}
		master.Append(StreamURI(main.ID), nil, params)
	}
	return master.String(), nil
}

// GenerateStream creates the media playlist of the stream with the given id.
func (g *Generator) GenerateStream(ctx context.Context, id int) (string, error) {
	m := g.src.Manifest()
	if m == nil {
		return "", ErrNotReady
	}
	st := findStream(m, id)
	if st == nil {
		return "", fmt.Errorf("stream %d not found", id)
	}

	ix, err := st.CreateSegmentIndex(ctx)
	if err != nil {
		return "", fmt.Errorf("creating segment index for stream %d: %w", id, err)
	}
	refs, seq, release := pinnedWindow(ix)
	defer release()
	static := m.Timeline.IsStatic()
	if !static && g.windowSize > 0 && len(refs) > g.windowSize {
		seq += len(refs) - g.windowSize
		refs = refs[len(refs)-g.windowSize:]
	}

	pl, err := m3u8.NewMediaPlaylist(0, uint(max(len(refs), 1)))
	if err != nil {
		return "", err
	}
	pl.SeqNo = uint64(seq)
	if static {
		pl.MediaType = m3u8.VOD
	}

	var prevInit *segment.InitReference
	for i, ref := range refs {
		uris := ref.ResolvedURIs()
		if len(uris) == 0 {
			g.logger.Warn("segment has no URI", "stream", id, "start", ref.Start)
			continue
		}
		if i == 0 && ref.Init != nil {
			if initURIs := ref.Init.URIs(); len(initURIs) > 0 {
				limit, offset := byteRange(ref.Init.StartByte, ref.Init.EndByte)
				pl.SetDefaultMap(initURIs[0], limit, offset)
			}
		}

		seg := &m3u8.MediaSegment{
			URI:      uris[0],
			Duration: ref.Duration(),
		}
		seg.Limit, seg.Offset = byteRange(ref.StartByte, ref.EndByte)
		// A new init segment marks a period boundary.
		if i > 0 && ref.Init != prevInit {
			seg.Discontinuity = true
		}
		prevInit = ref.Init

		if err := pl.AppendSegment(seg); err != nil {
			return "", fmt.Errorf("appending segment: %w", err)
		}
		pl.TargetDuration = math.Max(pl.TargetDuration, math.Ceil(seg.Duration))
	}

	// Live playlists never carry EXT-X-ENDLIST.
	if static {
		pl.Close()
	}
	return pl.String(), nil
}

// pinnedWindow reads the references of ix together with its eviction count.
// The first reference stays pinned until release is called, so a concurrent
// update cannot evict under the playlist being rendered.
func pinnedWindow(ix *segment.Index) (refs []*segment.Reference, evicted int, release func()) {
	for range 3 {
		pos := ix.NumEvicted()
		unpin, ok := ix.Pin(pos)
		if !ok {
			if ix.Len() == 0 {
				break
			}
			continue
		}
		return ix.References(), pos, unpin
	}
	return ix.References(), ix.NumEvicted(), func() {}
}

// GetStats returns current statistics about the rendered presentation.
func (g *Generator) GetStats() map[string]interface{} {
	m := g.src.Manifest()
	if m == nil {
		return map[string]interface{}{"loaded": false}
	}

	variants := m.Variants()
	variantStats := make([]map[string]interface{}, len(variants))
	for i, v := range variants {
		stat := map[string]interface{}{
			"id":        v.ID,
			"bandwidth": v.Bandwidth,
			"language":  v.Language,
		}
		if v.Video != nil {
			stat["resolution"] = fmt.Sprintf("%dx%d", v.Video.Width, v.Video.Height)
			stat["video_stream"] = v.Video.ID
		}
		if v.Audio != nil {
			stat["audio_stream"] = v.Audio.ID
		}
		variantStats[i] = stat
	}

	return map[string]interface{}{
		"loaded":        true,
		"live":          m.Timeline.IsLive(),
		"duration":      m.Timeline.Duration(),
		"window_size":   g.windowSize,
		"variant_count": len(variants),
		"text_count":    len(m.TextStreams()),
		"image_count":   len(m.ImageStreams()),
		"variants":      variantStats,
	}
}

func findStream(m *manifest.Manifest, id int) *manifest.Stream {
	for _, v := range m.Variants() {
		for _, st := range v.Streams() {
			if st.ID == id {
				return st
			}
		}
	}
	for _, st := range m.TextStreams() {
		if st.ID == id && hasSegments(st) {
			return st
		}
	}
	for _, st := range m.ImageStreams() {
		if st.ID == id {
			return st
		}
	}
	return nil
}

// hasSegments excludes caption channels carried inside video segments.
func hasSegments(st *manifest.Stream) bool {
	return st.ID >= 0 && st.MimeType != "application/cea-608"
}

func variantCodecs(v *manifest.Variant) string {
	var codecs []string
	for _, st := range []*manifest.Stream{v.Video, v.Audio} {
		if st != nil && st.Codecs != "" {
			codecs = append(codecs, st.Codecs)
		}
	}
	return strings.Join(codecs, ",")
}

func streamName(st *manifest.Stream) string {
	switch {
	case st.Label != "":
		return st.Label
	case st.Language != "":
		return st.Language
	}
	return fmt.Sprintf("%s-%d", st.Type, st.ID)
}

func yesNo(b bool) string {
	if b {
		return "YES"
	}
	return "NO"
}

// byteRange converts an inclusive byte range into an HLS length and offset.
// A zero length means the whole resource.
func byteRange(start, end int64) (limit, offset int64) {
	if end < 0 {
		return 0, 0
	}
	return end - start + 1, start
}
