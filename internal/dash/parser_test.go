package dash

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agleyzer/dashlive/internal/errs"
	"github.com/agleyzer/dashlive/internal/manifest"
	"github.com/agleyzer/dashlive/internal/transport"
)

const (
	liveURI  = "https://example.com/live/manifest.mpd"
	patchURI = "https://example.com/live/patch.mpp"
	vodURI   = "https://example.com/vod/manifest.mpd"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeOrigin serves fixed documents and records every request.
type fakeOrigin struct {
	mu       sync.Mutex
	docs     map[string]string
	block    map[string]chan struct{}
	requests []string
}

func newFakeOrigin() *fakeOrigin {
	return &fakeOrigin{docs: map[string]string{}, block: map[string]chan struct{}{}}
}

func (f *fakeOrigin) set(uri, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[uri] = body
}

// hang makes requests for uri wait for cancellation. The returned channel
// is closed when the first such request arrives.
func (f *fakeOrigin) hang(uri string) <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.block[uri] = ch
	return ch
}

func (f *fakeOrigin) count(uri string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r == uri {
			n++
		}
	}
	return n
}

func (f *fakeOrigin) Request(ctx context.Context, _ transport.RequestType, req transport.Request) (*transport.Response, error) {
	uri := req.URIs[0]
	f.mu.Lock()
	f.requests = append(f.requests, uri)
	ch, blocked := f.block[uri]
	if blocked {
		delete(f.block, uri)
	}
	body, ok := f.docs[uri]
	f.mu.Unlock()

	if blocked {
		close(ch)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if !ok {
		return nil, errs.New(errs.Critical, errs.CategoryNetwork, errs.BadHTTPStatus, uri, 404)
	}
	return &transport.Response{URI: uri, OriginalURI: uri, Data: []byte(body), Status: 200}, nil
}

type recordingPlayer struct {
	LoggingPlayer

	mu      sync.Mutex
	errors  []*errs.Error
	updates int
}

func newRecordingPlayer() *recordingPlayer {
	return &recordingPlayer{LoggingPlayer: LoggingPlayer{Log: discardLogger()}}
}

func (r *recordingPlayer) OnError(err *errs.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
}

func (r *recordingPlayer) OnManifestUpdated() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates++
}

func (r *recordingPlayer) recorded() ([]*errs.Error, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*errs.Error(nil), r.errors...), r.updates
}

var fixedNow = time.Unix(1000, 0)

func newTestParser(origin *fakeOrigin) *Parser {
	p := New(origin, DefaultConfig(), WithLogger(discardLogger()), WithClock(func() time.Time { return fixedNow }))
	return p
}

const liveManifest = `<MPD id="live" type="dynamic" availabilityStartTime="1970-01-01T00:00:00Z"
    publishTime="1970-01-01T00:16:40Z" minimumUpdatePeriod="PT60S" timeShiftBufferDepth="PT5M">
  <PatchLocation>patch.mpp</PatchLocation>
  <Period id="p1" start="PT0S">
    <AdaptationSet mimeType="video/mp4" codecs="avc1.64001f">
      <Representation id="v1" bandwidth="1000000" width="1280" height="720">
        <SegmentTemplate timescale="1" media="v1/$Time$.m4s" initialization="v1/init.mp4">
          <SegmentTimeline><S t="900" d="2" r="4"/></SegmentTimeline>
        </SegmentTemplate>
      </Representation>
    </AdaptationSet>
    <AdaptationSet mimeType="audio/mp4" codecs="mp4a.40.2">
      <SegmentTemplate timescale="1" media="$RepresentationID$/$Time$.m4s" initialization="$RepresentationID$/init.mp4">
        <SegmentTimeline><S t="900" d="2" r="4"/></SegmentTimeline>
      </SegmentTemplate>
      <Representation id="a1" bandwidth="128000"/>
    </AdaptationSet>
  </Period>
</MPD>`

const patchHeader = `<Patch mpdId="live" originalPublishTime="1970-01-01T00:16:40Z" publishTime="1970-01-01T00:16:50Z">`

func startLive(t *testing.T) (*Parser, *fakeOrigin, *recordingPlayer) {
	t.Helper()
	origin := newFakeOrigin()
	origin.set(liveURI, liveManifest)
	p := newTestParser(origin)
	player := newRecordingPlayer()
	m, err := p.Start(context.Background(), liveURI, player)
	require.NoError(t, err)
	require.NotNil(t, m)
	t.Cleanup(func() { _ = p.Stop() })
	return p, origin, player
}

func streamFor(t *testing.T, p *Parser, period, rep string) *manifest.Stream {
	t.Helper()
	st, ok := p.session.Streams.Get(manifest.StreamKey{PeriodID: period, RepresentationID: rep})
	require.True(t, ok, "stream %s/%s", period, rep)
	return st
}

func TestLiveStartArmsTimer(t *testing.T) {
	p, _, _ := startLive(t)

	m := p.Manifest()
	require.Len(t, m.Variants(), 1)
	assert.True(t, p.tl.IsLive())

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.NotNil(t, p.timer)
	assert.InDelta(t, 60, p.updatePeriod, 1e-9)
}

func TestTimelinePatchExtendsOnlyTouchedIndex(t *testing.T) {
	p, origin, player := startLive(t)
	ctx := context.Background()

	video := streamFor(t, p, "p1", "v1")
	audio := streamFor(t, p, "p1", "a1")
	vix, err := video.CreateSegmentIndex(ctx)
	require.NoError(t, err)
	aix, err := audio.CreateSegmentIndex(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, vix.Len())
	first := vix.First()

	origin.set(patchURI, patchHeader+`
  <add sel="/MPD/Period[@id='p1']/AdaptationSet[1]/Representation[@id='v1']/SegmentTemplate/SegmentTimeline"><S d="2"/></add>
</Patch>`)
	require.NoError(t, p.Update(ctx))

	assert.Equal(t, 1, origin.count(patchURI))
	assert.Equal(t, 1, origin.count(liveURI), "a patch update does not refetch the manifest")

	assert.Same(t, vix, video.SegmentIndex())
	assert.Equal(t, 6, vix.Len())
	assert.Same(t, first, vix.First())
	assert.InDelta(t, 912, vix.Last().End, 1e-9)

	assert.Same(t, aix, audio.SegmentIndex())
	assert.Equal(t, 5, aix.Len())

	assert.Equal(t, "1970-01-01T00:16:50Z", p.patch.publishTime)
	_, updates := player.recorded()
	assert.Equal(t, 1, updates)
}

func TestPatchForOtherManifestFallsBackToFullFetch(t *testing.T) {
	p, origin, _ := startLive(t)
	ctx := context.Background()

	origin.set(patchURI, `<Patch mpdId="other" originalPublishTime="1970-01-01T00:16:40Z">
  <remove sel="/MPD/Period[@id='p1']"/>
</Patch>`)
	err := p.Update(ctx)
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.Recoverable, e.Severity)
	assert.Equal(t, errs.DashPatchInvalid, e.Code)

	_, usable := p.patch.location(fixedNow)
	assert.False(t, usable)
	_, ok = p.session.Streams.Get(manifest.StreamKey{PeriodID: "p1", RepresentationID: "v1"})
	assert.True(t, ok, "a rejected patch changes nothing")

	require.NoError(t, p.Update(ctx))
	assert.Equal(t, 2, origin.count(liveURI))
	assert.Equal(t, 1, origin.count(patchURI))
	_, usable = p.patch.location(fixedNow)
	assert.True(t, usable, "the full manifest advertises the patch location again")
}

func TestPatchStalePublishTimeRejected(t *testing.T) {
	p, origin, _ := startLive(t)

	origin.set(patchURI, `<Patch mpdId="live" originalPublishTime="1970-01-01T00:10:00Z"/>`)
	err := p.Update(context.Background())
	assert.True(t, errs.HasCode(err, errs.DashPatchInvalid))
}

func TestPatchAddedPeriodClosesPrevious(t *testing.T) {
	p, origin, _ := startLive(t)
	ctx := context.Background()
	before := p.Manifest().Variants()[0].Video
	beforeID := before.ID

	origin.set(patchURI, patchHeader+`
  <add sel="/MPD">
    <Period id="p2" start="PT910S">
      <AdaptationSet mimeType="video/mp4" codecs="avc1.64001f">
        <Representation id="v1" bandwidth="1000000" width="1280" height="720">
          <SegmentTemplate timescale="1" media="p2/v1/$Time$.m4s">
            <SegmentTimeline><S t="0" d="2" r="1"/></SegmentTimeline>
          </SegmentTemplate>
        </Representation>
      </AdaptationSet>
      <AdaptationSet mimeType="audio/mp4" codecs="mp4a.40.2">
        <SegmentTemplate timescale="1" media="p2/$RepresentationID$/$Time$.m4s">
          <SegmentTimeline><S t="0" d="2" r="1"/></SegmentTimeline>
        </SegmentTemplate>
        <Representation id="a1" bandwidth="128000"/>
      </AdaptationSet>
    </Period>
  </add>
</Patch>`)
	require.NoError(t, p.Update(ctx))

	last, ok := p.session.Contexts.LastPeriod()
	require.True(t, ok)
	assert.Equal(t, "p2", last.ID)
	assert.InDelta(t, 910, last.Start, 1e-9)

	c, ok := p.session.Contexts.Get(manifest.StreamKey{PeriodID: "p1", RepresentationID: "v1"})
	require.True(t, ok)
	assert.InDelta(t, 910, c.Period.End(), 1e-9)
	assert.False(t, c.Period.IsLastPeriod)

	variants := p.Manifest().Variants()
	require.Len(t, variants, 1)
	video := variants[0].Video
	require.NotNil(t, video)
	assert.Same(t, before, video, "adding a period keeps the published stream")
	assert.Equal(t, beforeID, video.ID)

	ix, err := video.CreateSegmentIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, ix.Len())
	assert.InDelta(t, 914, ix.Last().End, 1e-9)
}

func TestPatchRemovesPeriod(t *testing.T) {
	p, origin, _ := startLive(t)
	ctx := context.Background()

	video := streamFor(t, p, "p1", "v1")
	vix, err := video.CreateSegmentIndex(ctx)
	require.NoError(t, err)

	origin.set(patchURI, patchHeader+`
  <replace sel="/MPD/@minimumUpdatePeriod">PT30S</replace>
  <remove sel="/MPD/Period[@id='p1']"/>
</Patch>`)
	require.NoError(t, p.Update(ctx))

	assert.Equal(t, 0, vix.Len(), "the removed period's index is emptied")
	_, ok := p.session.Streams.Get(manifest.StreamKey{PeriodID: "p1", RepresentationID: "v1"})
	assert.False(t, ok)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.InDelta(t, 30, p.updatePeriod, 1e-9)
}

func TestFailedScheduledUpdateIsDowngraded(t *testing.T) {
	origin := newFakeOrigin()
	origin.set(liveURI, `<MPD type="dynamic" availabilityStartTime="1970-01-01T00:00:00Z" minimumUpdatePeriod="PT60S">
  <Period id="p1" start="PT0S">
    <AdaptationSet mimeType="video/mp4">
      <SegmentTemplate timescale="1" duration="2" media="$Number$.m4s"/>
      <Representation id="v1" bandwidth="1000000"/>
    </AdaptationSet>
  </Period>
</MPD>`)
	p := newTestParser(origin)
	player := newRecordingPlayer()
	_, err := p.Start(context.Background(), liveURI, player)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Stop() })

	origin.mu.Lock()
	delete(origin.docs, liveURI)
	origin.mu.Unlock()

	p.mu.Lock()
	gen := p.generation
	p.mu.Unlock()
	p.onUpdateTimer(gen)

	errors, updates := player.recorded()
	require.Len(t, errors, 1)
	assert.Equal(t, errs.Recoverable, errors[0].Severity)
	assert.Equal(t, errs.BadHTTPStatus, errors[0].Code)
	assert.Equal(t, 0, updates)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.NotNil(t, p.timer, "the update loop keeps running after a failure")
}

const avPeriod = `
    <AdaptationSet mimeType="video/mp4" codecs="avc1.64001f">
      <SegmentTemplate timescale="1000" duration="2000" media="$RepresentationID$/$Number$.m4s" initialization="$RepresentationID$/init.mp4"/>
      <Representation id="v1" bandwidth="1000000" width="1280" height="720"/>
    </AdaptationSet>
    <AdaptationSet mimeType="audio/mp4" codecs="mp4a.40.2" lang="en">
      <SegmentTemplate timescale="1000" duration="2000" media="$RepresentationID$/$Number$.m4s" initialization="$RepresentationID$/init.mp4"/>
      <Representation id="a1" bandwidth="128000"/>
    </AdaptationSet>`

func TestStaticMultiPeriodStart(t *testing.T) {
	origin := newFakeOrigin()
	origin.set(vodURI, `<MPD type="static" mediaPresentationDuration="PT25S">
  <Period id="p1" start="PT0S" duration="PT10S">`+avPeriod+`</Period>
  <Period id="p2" start="PT10S">`+avPeriod+`</Period>
</MPD>`)
	p := newTestParser(origin)
	m, err := p.Start(context.Background(), vodURI, newRecordingPlayer())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Stop() })

	require.Len(t, m.Variants(), 1)
	ix, err := m.Variants()[0].Video.CreateSegmentIndex(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 13, ix.Len())
	assert.InDelta(t, 25, ix.Last().End, 1e-9)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Nil(t, p.timer, "static presentations are never refreshed")
}

func TestStopDuringStartAborts(t *testing.T) {
	origin := newFakeOrigin()
	arrived := origin.hang(liveURI)
	p := newTestParser(origin)

	done := make(chan error, 1)
	go func() {
		_, err := p.Start(context.Background(), liveURI, newRecordingPlayer())
		done <- err
	}()

	<-arrived
	require.NoError(t, p.Stop())

	select {
	case err := <-done:
		assert.True(t, errs.HasCode(err, errs.OperationAborted), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	assert.NoError(t, p.Stop(), "Stop is idempotent")
}

func TestUpdateBeforeStart(t *testing.T) {
	p := newTestParser(newFakeOrigin())
	err := p.Update(context.Background())
	assert.True(t, errs.HasCode(err, errs.OperationAborted))
}

func TestLocationPreferredForUpdates(t *testing.T) {
	origin := newFakeOrigin()
	moved := "https://mirror.example.com/live/manifest.mpd"
	doc := `<MPD type="dynamic" availabilityStartTime="1970-01-01T00:00:00Z" minimumUpdatePeriod="PT60S">
  <Location>` + moved + `</Location>
  <Period id="p1" start="PT0S">
    <AdaptationSet mimeType="video/mp4">
      <SegmentTemplate timescale="1" duration="2" media="$Number$.m4s"/>
      <Representation id="v1" bandwidth="1000000"/>
    </AdaptationSet>
  </Period>
</MPD>`
	origin.set(liveURI, doc)
	origin.set(moved, doc)
	p := newTestParser(origin)
	_, err := p.Start(context.Background(), liveURI, newRecordingPlayer())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Stop() })

	require.NoError(t, p.Update(context.Background()))
	assert.Equal(t, 1, origin.count(liveURI))
	assert.Equal(t, 1, origin.count(moved))
}

func TestConfigUpdatePeriodOverride(t *testing.T) {
	p, _, _ := startLive(t)

	cfg := DefaultConfig()
	cfg.UpdatePeriod = time.Hour
	p.mu.Lock()
	p.cfg = cfg
	gen := p.generation
	p.mu.Unlock()

	p.scheduleUpdate(gen, 0)
	p.mu.Lock()
	defer p.mu.Unlock()
	assert.NotNil(t, p.timer)
}

func TestStatusTracksAppliedVersion(t *testing.T) {
	p, origin, _ := startLive(t)

	st := p.Status()
	assert.True(t, st.Started)
	assert.True(t, st.Dynamic)
	assert.Equal(t, "live", st.MPDID)
	assert.Equal(t, liveURI, st.ManifestURI)
	assert.Equal(t, "1970-01-01T00:16:40Z", st.PublishTime)
	assert.InDelta(t, 60, st.UpdatePeriod, 1e-9)
	assert.Zero(t, st.Updates)
	require.NotNil(t, st.Timeline)
	assert.True(t, st.Timeline.StartTimeLocked, "the first manifest fixes the presentation start")
	assert.False(t, st.Timeline.Static)
	assert.LessOrEqual(t, st.Timeline.SeekRangeStart, st.Timeline.SeekRangeEnd)

	origin.set(patchURI, patchHeader+`
  <add sel="/MPD/Period[@id='p1']/AdaptationSet[1]/Representation[@id='v1']/SegmentTemplate/SegmentTimeline"><S d="2"/></add>
</Patch>`)
	require.NoError(t, p.Update(context.Background()))

	st = p.Status()
	assert.Equal(t, "1970-01-01T00:16:50Z", st.PublishTime)
	assert.Equal(t, uint64(1), st.Updates)
	assert.Equal(t, uint64(1), p.Stats()["updates"])
}

func TestConfigureUpdatePeriodTriggersUpdate(t *testing.T) {
	p, origin, _ := startLive(t)
	before := origin.count(liveURI) + origin.count(patchURI)

	cfg := DefaultConfig()
	cfg.UpdatePeriod = time.Hour
	p.Configure(cfg)

	require.Eventually(t, func() bool {
		return origin.count(liveURI)+origin.count(patchURI) > before
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConfigureSameUpdatePeriodDoesNotRefetch(t *testing.T) {
	p, origin, _ := startLive(t)
	before := origin.count(liveURI) + origin.count(patchURI)

	p.Configure(DefaultConfig())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, origin.count(liveURI)+origin.count(patchURI))
}

func TestInitialVariantChosenWithoutVariant(t *testing.T) {
	p, _, _ := startLive(t)

	p.OnInitialVariantChosen(nil)
	p.OnExpirationUpdated("session-1", fixedNow.Add(time.Hour))

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.InDelta(t, 60, p.updatePeriod, 1e-9)
}

func TestScheduledDelay(t *testing.T) {
	tests := []struct {
		name    string
		elapsed float64
		average float64
		want    time.Duration
	}{
		{name: "remaining period", elapsed: 2, average: 1, want: 58 * time.Second},
		{name: "average update duration", elapsed: 59.5, average: 3, want: 3 * time.Second},
		{name: "no history", elapsed: 10, average: 0, want: 50 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _, _ := startLive(t)

			var delays []time.Duration
			p.mu.Lock()
			p.afterFunc = func(d time.Duration, f func()) *time.Timer {
				delays = append(delays, d)
				return time.AfterFunc(time.Hour, f)
			}
			p.updateDuration = newEWMA(updateDurationHalfLife)
			if tt.average > 0 {
				p.updateDuration.sample(1, tt.average)
			}
			gen := p.generation
			p.mu.Unlock()

			p.scheduleUpdate(gen, tt.elapsed)

			p.mu.Lock()
			defer p.mu.Unlock()
			require.Len(t, delays, 1)
			assert.InDelta(t, float64(tt.want), float64(delays[0]), float64(time.Millisecond))
		})
	}
}

func TestPatchReplacePeriodKeepsStreams(t *testing.T) {
	p, origin, _ := startLive(t)
	ctx := context.Background()

	video := streamFor(t, p, "p1", "v1")
	audio := streamFor(t, p, "p1", "a1")
	videoID, audioID := video.ID, audio.ID
	vix, err := video.CreateSegmentIndex(ctx)
	require.NoError(t, err)

	origin.set(patchURI, patchHeader+`
  <replace sel="/MPD/Period[@id='p1']">
    <Period id="p1" start="PT0S">
      <AdaptationSet mimeType="video/mp4" codecs="avc1.64001f">
        <Representation id="v1" bandwidth="1000000" width="1280" height="720">
          <SegmentTemplate timescale="1" media="v1/$Time$.m4s" initialization="v1/init.mp4">
            <SegmentTimeline><S t="900" d="2" r="6"/></SegmentTimeline>
          </SegmentTemplate>
        </Representation>
      </AdaptationSet>
      <AdaptationSet mimeType="audio/mp4" codecs="mp4a.40.2">
        <SegmentTemplate timescale="1" media="$RepresentationID$/$Time$.m4s" initialization="$RepresentationID$/init.mp4">
          <SegmentTimeline><S t="900" d="2" r="6"/></SegmentTimeline>
        </SegmentTemplate>
        <Representation id="a1" bandwidth="128000"/>
      </AdaptationSet>
    </Period>
  </replace>
</Patch>`)
	require.NoError(t, p.Update(ctx))
	assert.Equal(t, 1, origin.count(liveURI))

	assert.Same(t, video, streamFor(t, p, "p1", "v1"))
	assert.Equal(t, videoID, video.ID)
	assert.Same(t, audio, streamFor(t, p, "p1", "a1"))
	assert.Equal(t, audioID, audio.ID)
	assert.Same(t, vix, video.SegmentIndex())
	assert.Equal(t, 7, vix.Len())

	variants := p.Manifest().Variants()
	require.Len(t, variants, 1)
	ix, err := variants[0].Video.CreateSegmentIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, ix.Len())
}

func TestPatchReplacePeriodDropsMissingRepresentation(t *testing.T) {
	p, origin, _ := startLive(t)

	origin.set(patchURI, patchHeader+`
  <replace sel="/MPD/Period[@id='p1']">
    <Period id="p1" start="PT0S">
      <AdaptationSet mimeType="video/mp4" codecs="avc1.64001f">
        <Representation id="v1" bandwidth="1000000" width="1280" height="720">
          <SegmentTemplate timescale="1" media="v1/$Time$.m4s" initialization="v1/init.mp4">
            <SegmentTimeline><S t="900" d="2" r="4"/></SegmentTimeline>
          </SegmentTemplate>
        </Representation>
      </AdaptationSet>
    </Period>
  </replace>
</Patch>`)
	require.NoError(t, p.Update(context.Background()))

	streamFor(t, p, "p1", "v1")
	_, ok := p.session.Streams.Get(manifest.StreamKey{PeriodID: "p1", RepresentationID: "a1"})
	assert.False(t, ok)
	_, ok = p.session.Contexts.Get(manifest.StreamKey{PeriodID: "p1", RepresentationID: "a1"})
	assert.False(t, ok)
}

func TestPatchAddedSegmentTemplateRefreshesFrame(t *testing.T) {
	p, origin, _ := startLive(t)
	ctx := context.Background()

	audio := streamFor(t, p, "p1", "a1")
	aix, err := audio.CreateSegmentIndex(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, aix.Len())

	origin.set(patchURI, patchHeader+`
  <add sel="/MPD/Period[@id='p1']/AdaptationSet[2]/Representation[@id='a1']">
    <SegmentTemplate timescale="1" media="a1/hq/$Time$.m4s" initialization="a1/hq/init.mp4">
      <SegmentTimeline><S t="900" d="2" r="6"/></SegmentTimeline>
    </SegmentTemplate>
  </add>
</Patch>`)
	require.NoError(t, p.Update(ctx))

	assert.Same(t, aix, audio.SegmentIndex())
	assert.Equal(t, 7, aix.Len())
	assert.Contains(t, aix.Last().ResolvedURIs(), "https://example.com/live/a1/hq/912.m4s")
}

func TestMalformedPatchFallsBackToFullFetch(t *testing.T) {
	p, origin, _ := startLive(t)
	ctx := context.Background()

	origin.set(patchURI, `<Patch mpdId=live originalPublishTime="1970-01-01T00:16:40Z"/>`)
	err := p.Update(ctx)
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.Recoverable, e.Severity)
	assert.Equal(t, errs.DashPatchInvalid, e.Code)

	require.NoError(t, p.Update(ctx))
	assert.Equal(t, 2, origin.count(liveURI))
	assert.Equal(t, 1, origin.count(patchURI))
}

func TestInitialVariantChosenAtLiveEdge(t *testing.T) {
	origin := newFakeOrigin()
	origin.set(liveURI, strings.ReplaceAll(liveManifest, `t="900" d="2" r="4"`, `t="995" d="2" r="4"`))
	p := newTestParser(origin)
	_, err := p.Start(context.Background(), liveURI, newRecordingPlayer())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Stop() })

	v := p.Manifest().Variants()[0]
	_, err = v.Video.CreateSegmentIndex(context.Background())
	require.NoError(t, err)

	p.OnInitialVariantChosen(v)

	p.mu.Lock()
	delay := p.updatePeriod
	p.mu.Unlock()
	assert.Greater(t, delay, 0.0)
	assert.LessOrEqual(t, delay, 2.0)

	origin.set(patchURI, patchHeader+`</Patch>`)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, p.Update(context.Background()))
	}()
	p.OnInitialVariantChosen(v)
	wg.Wait()
}
