package hls

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/grafov/m3u8"
	"github.com/matryer/is"

	"github.com/agleyzer/dashlive/internal/manifest"
	"github.com/agleyzer/dashlive/internal/segment"
	"github.com/agleyzer/dashlive/internal/timeline"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

type staticSource struct {
	m *manifest.Manifest
}

func (s staticSource) Manifest() *manifest.Manifest { return s.m }

// createTestStream builds a stream whose index holds count two second
// segments starting at zero.
func createTestStream(id int, typ manifest.ContentType, count int) *manifest.Stream {
	st := &manifest.Stream{ID: id, Type: typ}
	init := &segment.InitReference{URIs: segment.StaticURIs(fmt.Sprintf("https://example.com/%d/init.mp4", id)), EndByte: -1}
	st.SetIndexFactory(func(context.Context) (*segment.Index, error) {
		refs := make([]*segment.Reference, count)
		for i := range refs {
			refs[i] = &segment.Reference{
				Start:   float64(2 * i),
				End:     float64(2*i + 2),
				URIs:    segment.StaticURIs(fmt.Sprintf("https://example.com/%d/%d.m4s", id, i+1)),
				EndByte: -1,
				Init:    init,
				Number:  int64(i + 1),
			}
		}
		return segment.NewIndex(refs), nil
	})
	return st
}

func createTestManifest(static bool) *manifest.Manifest {
	tl := timeline.New(0, 0)
	tl.SetStatic(static)

	video := createTestStream(1, manifest.ContentVideo, 10)
	video.Codecs, video.Width, video.Height, video.Bandwidth = "avc1.4d401f", 1280, 720, 1000000
	hd := createTestStream(2, manifest.ContentVideo, 10)
	hd.Codecs, hd.Width, hd.Height, hd.Bandwidth = "avc1.640028", 1920, 1080, 3000000
	audio := createTestStream(3, manifest.ContentAudio, 10)
	audio.Codecs, audio.Language, audio.Bandwidth = "mp4a.40.2", "en", 128000
	text := createTestStream(4, manifest.ContentText, 10)
	text.Language, text.MimeType = "fr", "application/mp4"
	captions := &manifest.Stream{ID: -1, Type: manifest.ContentText, MimeType: "application/cea-608", Language: "en"}

	m := manifest.New(tl)
	m.SetTopology([]*manifest.Variant{
		{ID: 0, Video: video, Audio: audio, Bandwidth: 1128000},
		{ID: 1, Video: hd, Audio: audio, Bandwidth: 3128000},
	}, []*manifest.Stream{text, captions}, nil)
	return m
}

func decodeMaster(t *testing.T, s string) *m3u8.MasterPlaylist {
	t.Helper()
	is := is.New(t)
	pl, typ, err := m3u8.DecodeFrom(strings.NewReader(s), true)
	is.NoErr(err)
	is.Equal(typ, m3u8.MASTER)
	return pl.(*m3u8.MasterPlaylist)
}

func decodeMedia(t *testing.T, s string) *m3u8.MediaPlaylist {
	t.Helper()
	is := is.New(t)
	pl, typ, err := m3u8.DecodeFrom(strings.NewReader(s), true)
	is.NoErr(err)
	is.Equal(typ, m3u8.MEDIA)
	return pl.(*m3u8.MediaPlaylist)
}

func countSegments(pl *m3u8.MediaPlaylist) int {
	n := 0
	for _, seg := range pl.Segments {
		if seg != nil {
			n++
		}
	}
	return n
}

func TestGenerateMaster(t *testing.T) {
	is := is.New(t)
	g := New(staticSource{createTestManifest(true)}, 0, createTestLogger())

	out, err := g.GenerateMaster()
	is.NoErr(err)
	is.True(strings.HasPrefix(out, "#EXTM3U"))
	is.True(strings.Contains(out, `RESOLUTION=1920x1080`))
	is.True(strings.Contains(out, `TYPE=AUDIO`))
	is.True(strings.Contains(out, `TYPE=SUBTITLES`))
	is.True(!strings.Contains(out, "cea-608")) // in-band captions have no playlist

	master := decodeMaster(t, out)
	is.Equal(len(master.Variants), 2)
	is.Equal(master.Variants[0].URI, StreamURI(1))
	is.Equal(master.Variants[0].Bandwidth, uint32(1128000))
	is.Equal(master.Variants[0].Codecs, "avc1.4d401f,mp4a.40.2")
	is.Equal(master.Variants[1].URI, StreamURI(2))
	is.Equal(master.Variants[1].Audio, "audio-3")
}

func TestGenerateMasterNotReady(t *testing.T) {
	is := is.New(t)
	g := New(staticSource{}, 0, createTestLogger())
	_, err := g.GenerateMaster()
	is.Equal(err, ErrNotReady)
}

func TestGenerateMasterZeroVariants(t *testing.T) {
	is := is.New(t)
	g := New(staticSource{manifest.New(timeline.New(0, 0))}, 0, createTestLogger())
	_, err := g.GenerateMaster()
	is.True(err != nil)
}

func TestGenerateStreamStatic(t *testing.T) {
	is := is.New(t)
	g := New(staticSource{createTestManifest(true)}, 3, createTestLogger())

	out, err := g.GenerateStream(context.Background(), 1)
	is.NoErr(err)
	is.True(strings.Contains(out, "#EXT-X-ENDLIST"))
	is.True(strings.Contains(out, `#EXT-X-MAP:URI="https://example.com/1/init.mp4"`))

	pl := decodeMedia(t, out)
	is.Equal(countSegments(pl), 10) // the window only applies to live streams
	is.Equal(pl.SeqNo, uint64(0))
	is.Equal(pl.Segments[0].URI, "https://example.com/1/1.m4s")
	is.Equal(pl.Segments[0].Duration, 2.0)
}

func TestGenerateStreamLiveWindow(t *testing.T) {
	is := is.New(t)
	g := New(staticSource{createTestManifest(false)}, 4, createTestLogger())

	out, err := g.GenerateStream(context.Background(), 3)
	is.NoErr(err)
	is.True(!strings.Contains(out, "#EXT-X-ENDLIST"))

	pl := decodeMedia(t, out)
	is.Equal(countSegments(pl), 4)
	is.Equal(pl.SeqNo, uint64(6))
	is.Equal(pl.Segments[0].URI, "https://example.com/3/7.m4s")
	is.Equal(pl.TargetDuration, 2.0)
}

func TestGenerateStreamByteRange(t *testing.T) {
	is := is.New(t)
	st := &manifest.Stream{ID: 7, Type: manifest.ContentVideo}
	st.SetIndexFactory(func(context.Context) (*segment.Index, error) {
		return segment.NewIndex([]*segment.Reference{
			{Start: 0, End: 4, URIs: segment.StaticURIs("https://example.com/v.mp4"), StartByte: 1000, EndByte: 1999},
			{Start: 4, End: 8, URIs: segment.StaticURIs("https://example.com/v.mp4"), StartByte: 2000, EndByte: 2999},
		}), nil
	})
	m := manifest.New(timeline.New(0, 0))
	m.SetTopology([]*manifest.Variant{{Video: st, Bandwidth: 1}}, nil, nil)

	out, err := New(staticSource{m}, 0, createTestLogger()).GenerateStream(context.Background(), 7)
	is.NoErr(err)
	is.True(strings.Contains(out, "#EXT-X-BYTERANGE:1000@1000"))
	is.True(strings.Contains(out, "#EXT-X-BYTERANGE:1000@2000"))
}

func TestGenerateStreamDiscontinuityAtNewInit(t *testing.T) {
	is := is.New(t)
	first := &segment.InitReference{URIs: segment.StaticURIs("https://example.com/p1/init.mp4"), EndByte: -1}
	second := &segment.InitReference{URIs: segment.StaticURIs("https://example.com/p2/init.mp4"), EndByte: -1}
	st := &manifest.Stream{ID: 8, Type: manifest.ContentVideo}
	st.SetIndexFactory(func(context.Context) (*segment.Index, error) {
		return segment.NewIndex([]*segment.Reference{
			{Start: 0, End: 2, URIs: segment.StaticURIs("https://example.com/p1/1.m4s"), EndByte: -1, Init: first},
			{Start: 2, End: 4, URIs: segment.StaticURIs("https://example.com/p2/1.m4s"), EndByte: -1, Init: second},
		}), nil
	})
	m := manifest.New(timeline.New(0, 0))
	m.SetTopology([]*manifest.Variant{{Video: st}}, nil, nil)

	out, err := New(staticSource{m}, 0, createTestLogger()).GenerateStream(context.Background(), 8)
	is.NoErr(err)
	is.Equal(strings.Count(out, "#EXT-X-DISCONTINUITY\n"), 1)
}

func TestGenerateStreamUnknown(t *testing.T) {
	is := is.New(t)
	g := New(staticSource{createTestManifest(true)}, 0, createTestLogger())
	_, err := g.GenerateStream(context.Background(), 99)
	is.True(err != nil)
	_, err = g.GenerateStream(context.Background(), -1)
	is.True(err != nil) // caption channels cannot be rendered
}

func TestGetStats(t *testing.T) {
	is := is.New(t)
	g := New(staticSource{createTestManifest(false)}, 5, createTestLogger())

	stats := g.GetStats()
	is.Equal(stats["loaded"], true)
	is.Equal(stats["live"], true)
	is.Equal(stats["variant_count"], 2)
	is.Equal(stats["text_count"], 2)
	is.Equal(stats["window_size"], 5)

	variants := stats["variants"].([]map[string]interface{})
	is.Equal(variants[1]["resolution"], "1920x1080")

	is.Equal(New(staticSource{}, 0, createTestLogger()).GetStats()["loaded"], false)
}

func TestGenerateStreamAfterEviction(t *testing.T) {
	is := is.New(t)
	m := createTestManifest(false)
	g := New(staticSource{m}, 0, createTestLogger())

	ix, err := m.Variants()[0].Video.CreateSegmentIndex(context.Background())
	is.NoErr(err)
	is.Equal(ix.Evict(8), 4)

	out, err := g.GenerateStream(context.Background(), 1)
	is.NoErr(err)
	pl := decodeMedia(t, out)
	is.Equal(countSegments(pl), 6)
	is.Equal(pl.SeqNo, uint64(4))
	is.Equal(pl.Segments[0].URI, "https://example.com/1/5.m4s")

	// Rendering leaves nothing pinned.
	is.Equal(ix.Evict(20), 6)
}
