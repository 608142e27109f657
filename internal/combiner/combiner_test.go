package combiner

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agleyzer/dashlive/internal/errs"
	"github.com/agleyzer/dashlive/internal/manifest"
	"github.com/agleyzer/dashlive/internal/segment"
	"github.com/agleyzer/dashlive/internal/timeline"
)

func newCombiner() (*Combiner, *manifest.IDGenerator) {
	ids := &manifest.IDGenerator{}
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), ids, nil), ids
}

// stream builds a stream whose index covers [start, end) in 2s segments.
func stream(ids *manifest.IDGenerator, typ manifest.ContentType, lang string, bw int, start, end float64) *manifest.Stream {
	st := &manifest.Stream{ID: ids.Next(), Type: typ, Language: lang, Bandwidth: bw, Codecs: "avc1.64001f"}
	if typ == manifest.ContentAudio {
		st.Codecs = "mp4a.40.2"
	}
	if typ == manifest.ContentVideo {
		st.Width, st.Height = bw/1000, bw/2000
	}
	st.SetIndexFactory(func(context.Context) (*segment.Index, error) {
		var refs []*segment.Reference
		for t := start; t < end; t += 2 {
			refs = append(refs, &segment.Reference{Start: t, End: t + 2, EndByte: -1})
		}
		return segment.NewIndex(refs), nil
	})
	return st
}

func TestSinglePeriodPublishesOutputs(t *testing.T) {
	c, ids := newCombiner()
	a := stream(ids, manifest.ContentAudio, "en", 128000, 0, 10)
	v1 := stream(ids, manifest.ContentVideo, "", 1000000, 0, 10)
	v2 := stream(ids, manifest.ContentVideo, "", 3000000, 0, 10)

	p := &manifest.Period{ID: "p1", Duration: 10, Audio: []*manifest.Stream{a}, Video: []*manifest.Stream{v1, v2}}
	require.NoError(t, c.Combine(context.Background(), []*manifest.Period{p}, false))

	variants := c.Variants()
	require.Len(t, variants, 2)
	assert.NotSame(t, v1, variants[0].Video)
	assert.Equal(t, v1.Bandwidth, variants[0].Video.Bandwidth)
	assert.Equal(t, a.Language, variants[0].Audio.Language)
	assert.Equal(t, 1128000, variants[0].Bandwidth)
	assert.Equal(t, "en", variants[0].Language)

	ix, err := variants[0].Video.CreateSegmentIndex(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, ix.Len())

	require.NoError(t, c.Combine(context.Background(), []*manifest.Period{p}, false))
	assert.Same(t, variants[1], c.Variants()[1], "variants keep identity")
}

func TestAddingPeriodKeepsStreamIdentity(t *testing.T) {
	c, ids := newCombiner()
	ctx := context.Background()
	p1 := &manifest.Period{ID: "p1", Start: 0, Duration: 10,
		Video: []*manifest.Stream{stream(ids, manifest.ContentVideo, "", 1000000, 0, 10)},
	}
	require.NoError(t, c.Combine(ctx, []*manifest.Period{p1}, true))
	video := c.Variants()[0].Video
	id := video.ID
	ix, err := video.CreateSegmentIndex(ctx)
	require.NoError(t, err)

	p2 := &manifest.Period{ID: "p2", Start: 10, Duration: 6,
		Video: []*manifest.Stream{stream(ids, manifest.ContentVideo, "", 1000000, 10, 16)},
	}
	require.NoError(t, c.Combine(ctx, []*manifest.Period{p2}, true))

	again := c.Variants()
	require.Len(t, again, 1)
	assert.Same(t, video, again[0].Video)
	assert.Equal(t, id, again[0].Video.ID)
	assert.Same(t, ix, video.SegmentIndex())
	assert.Equal(t, 8, ix.Len())
}

func TestMultiPeriodConcatenatesIndexes(t *testing.T) {
	c, ids := newCombiner()
	p1 := &manifest.Period{ID: "p1", Start: 0, Duration: 10,
		Audio: []*manifest.Stream{stream(ids, manifest.ContentAudio, "en", 128000, 0, 10)},
		Video: []*manifest.Stream{stream(ids, manifest.ContentVideo, "", 1000000, 0, 10)},
	}
	p2 := &manifest.Period{ID: "p2", Start: 10, Duration: 6,
		Audio: []*manifest.Stream{stream(ids, manifest.ContentAudio, "en", 128000, 10, 16)},
		Video: []*manifest.Stream{stream(ids, manifest.ContentVideo, "", 1000000, 10, 16)},
	}
	ctx := context.Background()
	require.NoError(t, c.Combine(ctx, []*manifest.Period{p1, p2}, false))

	variants := c.Variants()
	require.Len(t, variants, 1)
	video := variants[0].Video
	assert.NotSame(t, p1.Video[0], video)
	assert.NotEqual(t, p1.Video[0].ID, video.ID)

	ix, err := video.CreateSegmentIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, ix.Len())
	assert.InDelta(t, 16.0, ix.Last().End, 1e-9)
	first := ix.First()

	p3 := &manifest.Period{ID: "p3", Start: 16, Duration: 4,
		Audio: []*manifest.Stream{stream(ids, manifest.ContentAudio, "en", 128000, 16, 20)},
		Video: []*manifest.Stream{stream(ids, manifest.ContentVideo, "", 1000000, 16, 20)},
	}
	require.NoError(t, c.Combine(ctx, []*manifest.Period{p3}, true))

	again := c.Variants()
	require.Len(t, again, 1)
	assert.Same(t, video, again[0].Video, "output stream keeps identity")
	assert.Same(t, ix, video.SegmentIndex(), "index is extended in place")
	assert.Equal(t, 10, ix.Len())
	assert.Same(t, first, ix.First())
}

func TestMultiPeriodMatchesLanguage(t *testing.T) {
	c, ids := newCombiner()
	p1 := &manifest.Period{ID: "p1", Start: 0, Duration: 10, Audio: []*manifest.Stream{
		stream(ids, manifest.ContentAudio, "en", 128000, 0, 10),
		stream(ids, manifest.ContentAudio, "fr", 128000, 0, 10),
	}}
	p2 := &manifest.Period{ID: "p2", Start: 10, Duration: 10, Audio: []*manifest.Stream{
		stream(ids, manifest.ContentAudio, "fr", 96000, 10, 20),
		stream(ids, manifest.ContentAudio, "en", 96000, 10, 20),
	}}
	require.NoError(t, c.Combine(context.Background(), []*manifest.Period{p1, p2}, false))

	require.Len(t, c.Variants(), 2)
	for _, v := range c.Variants() {
		o := c.outputs[signature(v.Audio)]
		if o == nil {
			continue
		}
		for _, in := range o.chain {
			assert.Equal(t, v.Audio.Language, in.Language)
		}
	}
}

func TestDeletePeriod(t *testing.T) {
	c, ids := newCombiner()
	p1 := &manifest.Period{ID: "p1", Start: 0, Duration: 10, Video: []*manifest.Stream{stream(ids, manifest.ContentVideo, "", 1000000, 0, 10)}}
	p2 := &manifest.Period{ID: "p2", Start: 10, Duration: 10, Video: []*manifest.Stream{stream(ids, manifest.ContentVideo, "", 1000000, 10, 20)}}
	require.NoError(t, c.Combine(context.Background(), []*manifest.Period{p1, p2}, true))
	require.Len(t, c.Variants(), 1)
	video := c.Variants()[0].Video

	c.DeletePeriod("p1")
	require.NoError(t, c.Combine(context.Background(), nil, true))
	variants := c.Variants()
	require.Len(t, variants, 1)
	assert.Same(t, video, variants[0].Video, "the output survives going back to one period")
	assert.Equal(t, []*manifest.Stream{p2.Video[0]}, c.outputs[signature(video)].chain)
}

func TestLiveOutputEvictsExpiredReferences(t *testing.T) {
	now := 12.0
	tl := timeline.New(0, 0)
	tl.SetStatic(false)
	tl.SetSegmentAvailabilityDuration(10)
	tl.NotifyMaxSegmentDuration(2)
	tl.SetClock(func() time.Time { return time.Unix(0, int64(now*1e9)) })

	ids := &manifest.IDGenerator{}
	c := New(slog.New(slog.NewTextHandler(io.Discard, nil)), ids, tl)
	ctx := context.Background()
	p1 := &manifest.Period{ID: "p1", Start: 0, Duration: 10, Video: []*manifest.Stream{stream(ids, manifest.ContentVideo, "", 1000000, 0, 10)}}
	p2 := &manifest.Period{ID: "p2", Start: 10, Duration: 10, Video: []*manifest.Stream{stream(ids, manifest.ContentVideo, "", 1000000, 10, 20)}}
	require.NoError(t, c.Combine(ctx, []*manifest.Period{p1, p2}, true))

	video := c.Variants()[0].Video
	ix, err := video.CreateSegmentIndex(ctx)
	require.NoError(t, err)
	require.Equal(t, 10, ix.Len())
	require.InDelta(t, 0, ix.First().Start, 1e-9)

	now = 30
	c.DeletePeriod("p1")
	require.NoError(t, c.Combine(ctx, nil, true))

	assert.Same(t, ix, video.SegmentIndex())
	assert.InDelta(t, 18, tl.SegmentAvailabilityStart(), 1e-9)
	assert.Equal(t, 1, ix.Len())
	assert.Equal(t, 9, ix.NumEvicted())
	assert.InDelta(t, 18, ix.First().Start, 1e-9)
}

func TestIncompatibleKeySystems(t *testing.T) {
	c, ids := newCombiner()
	a := stream(ids, manifest.ContentAudio, "en", 128000, 0, 10)
	a.DRMInfos = []manifest.DRMInfo{{KeySystem: "com.widevine.alpha"}}
	v := stream(ids, manifest.ContentVideo, "", 1000000, 0, 10)
	v.DRMInfos = []manifest.DRMInfo{{KeySystem: "com.apple.fps"}}

	err := c.Combine(context.Background(), []*manifest.Period{{ID: "p", Duration: 10,
		Audio: []*manifest.Stream{a}, Video: []*manifest.Stream{v}}}, false)
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.DashNoCommonKeySystem))
}

func TestTextAndImageOutputs(t *testing.T) {
	c, ids := newCombiner()
	txt := stream(ids, manifest.ContentText, "en", 0, 0, 10)
	img := stream(ids, manifest.ContentImage, "", 0, 0, 10)
	p := &manifest.Period{ID: "p", Duration: 10,
		Video: []*manifest.Stream{stream(ids, manifest.ContentVideo, "", 1000000, 0, 10)},
		Text:  []*manifest.Stream{txt},
		Image: []*manifest.Stream{img},
	}
	require.NoError(t, c.Combine(context.Background(), []*manifest.Period{p}, false))

	text := c.TextStreams()
	require.Len(t, text, 1)
	assert.Equal(t, manifest.ContentText, text[0].Type)
	assert.Equal(t, "en", text[0].Language)
	images := c.ImageStreams()
	require.Len(t, images, 1)
	assert.Equal(t, manifest.ContentImage, images[0].Type)

	c.Release()
	assert.Empty(t, c.Variants())
}
