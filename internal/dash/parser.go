// Package dash drives a DASH presentation: it loads the manifest, keeps it
// current with periodic full fetches or patches, and publishes the result
// as a manifest.Manifest.
package dash

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agleyzer/dashlive/internal/combiner"
	"github.com/agleyzer/dashlive/internal/errs"
	"github.com/agleyzer/dashlive/internal/manifest"
	"github.com/agleyzer/dashlive/internal/mpd"
	"github.com/agleyzer/dashlive/internal/textreg"
	"github.com/agleyzer/dashlive/internal/timeline"
	"github.com/agleyzer/dashlive/internal/transport"
)

const (
	updateDurationHalfLife = 5
	prefetchConcurrency    = 4
)

// Parser loads and refreshes one DASH presentation.
type Parser struct {
	id        string
	log       *slog.Logger
	requester transport.Requester
	registry  *textreg.Registry
	ops       *transport.OperationSet
	steering  *Steering
	clock     *clockSync
	now       func() time.Time
	afterFunc func(time.Duration, func()) *time.Timer

	// mu guards the fields below.
	mu             sync.Mutex
	cfg            Config
	player         PlayerInterface
	generation     uint64
	started        bool
	runCtx         context.Context
	cancelRun      context.CancelFunc
	timer          *time.Timer
	manifestURIs   []string
	locations      []string
	dynamic        bool
	updatePeriod   float64
	updateDuration *ewma
	mpdID          string
	publishTime    string
	updates        uint64
	// timeline mirrors tl for status reads that must not wait on processing.
	timeline       *timeline.PresentationTimeline

	// processMu serializes manifest processing; network requests happen
	// outside it.
	processMu sync.Mutex
	ids       *manifest.IDGenerator
	session   *mpd.Session
	combiner  *combiner.Combiner
	tl        *timeline.PresentationTimeline
	m         *manifest.Manifest
	patch     *patchContext
	regions   map[string]bool
	timings   []mpd.UTCTiming
	baseURIs  []string
}

// Option configures a Parser.
type Option func(*Parser)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Parser) { p.log = l }
}

// WithRegistry sets the text format registry.
func WithRegistry(r *textreg.Registry) Option {
	return func(p *Parser) { p.registry = r }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(p *Parser) { p.now = now }
}

// New creates a parser that fetches through requester.
func New(requester transport.Requester, cfg Config, opts ...Option) *Parser {
	p := &Parser{
		id:             uuid.NewString(),
		log:            slog.Default(),
		requester:      requester,
		registry:       textreg.Default(),
		ops:            transport.NewOperationSet(),
		now:            time.Now,
		afterFunc:      time.AfterFunc,
		cfg:            cfg,
		updatePeriod:   -1,
		updateDuration: newEWMA(updateDurationHalfLife),
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.With("component", "dash", "parser", p.id)
	p.steering = NewSteering(p.log, cfg.LocationBanDuration)
	p.steering.now = p.now
	p.clock = &clockSync{requester: requester, now: p.now}
	return p
}

// Steering returns the base URL orderer, for sharing bans.
func (p *Parser) Steering() *Steering {
	return p.steering
}

// Manifest returns the current manifest, nil before Start.
func (p *Parser) Manifest() *manifest.Manifest {
	p.processMu.Lock()
	defer p.processMu.Unlock()
	return p.m
}

// Configure replaces the configuration. Changing the update period of a
// started live presentation triggers an immediate update.
func (p *Parser) Configure(cfg Config) {
	p.mu.Lock()
	changed := cfg.UpdatePeriod != p.cfg.UpdatePeriod
	p.cfg = cfg
	p.steering.mu.Lock()
	p.steering.banDuration = cfg.LocationBanDuration
	p.steering.mu.Unlock()
	trigger := changed && p.started && p.dynamic
	gen := p.generation
	if trigger && p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()

	p.processMu.Lock()
	if p.session != nil {
		p.session.Configure(cfg.MPD)
	}
	p.processMu.Unlock()

	if trigger {
		go p.onUpdateTimer(gen)
	}
}

// Start fetches and parses the manifest at uri and schedules live updates.
func (p *Parser) Start(ctx context.Context, uri string, player PlayerInterface) (*manifest.Manifest, error) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil, errors.New("parser already started")
	}
	p.started = true
	p.player = player
	p.manifestURIs = []string{uri}
	p.runCtx, p.cancelRun = context.WithCancel(context.Background())
	gen := p.generation
	cfg := p.cfg
	p.mu.Unlock()

	p.processMu.Lock()
	p.ids = &manifest.IDGenerator{}
	p.tl = timeline.New(math.NaN(), 0)
	p.tl.SetClock(p.now)
	p.mu.Lock()
	p.timeline = p.tl
	p.mu.Unlock()
	p.m = manifest.New(p.tl)
	p.m.SequenceMode = cfg.SequenceMode
	p.session = mpd.NewSession(cfg.MPD,
		mpd.WithLogger(p.log),
		mpd.WithRegistry(p.registry),
		mpd.WithSteering(p.steering),
		mpd.WithFetch(p.fetchRange),
		mpd.WithIDGenerator(p.ids),
	)
	p.combiner = combiner.New(p.log, p.ids, p.tl)
	p.regions = map[string]bool{}
	p.processMu.Unlock()

	began := p.now()
	resp, err := p.fetch(ctx, gen, transport.RequestManifest, []string{uri})
	if err != nil {
		return nil, err
	}
	if err := p.processManifest(ctx, gen, resp, false); err != nil {
		return nil, err
	}
	p.lockTimeline()
	if err := p.syncClock(ctx, gen); err != nil {
		return nil, err
	}
	if cfg.PrefetchIndexes {
		if err := p.prefetchIndexes(ctx); err != nil {
			return nil, err
		}
	}
	if !p.current(gen) {
		return nil, errs.Aborted()
	}

	p.scheduleUpdate(gen, p.now().Sub(began).Seconds())
	return p.Manifest(), nil
}

// lockTimeline pins the presentation start after the first manifest; a
// static presentation's duration no longer shrinks on refetch.
func (p *Parser) lockTimeline() {
	p.processMu.Lock()
	defer p.processMu.Unlock()
	p.tl.LockStartTime()
	if p.tl.IsStatic() {
		p.tl.LockDuration()
	}
}

// Stop tears the parser down. It is safe to call more than once.
func (p *Parser) Stop() error {
	p.mu.Lock()
	p.generation++
	p.started = false
	p.player = nil
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.cancelRun != nil {
		p.cancelRun()
	}
	p.mu.Unlock()

	p.ops.AbortAll()

	p.processMu.Lock()
	defer p.processMu.Unlock()
	if p.session != nil {
		p.session.Release()
	}
	if p.combiner != nil {
		p.combiner.Release()
	}
	p.steering.Reset()
	p.patch = nil
	p.regions = map[string]bool{}
	return nil
}

// Update refreshes the manifest once, by patch when a live patch location
// is advertised and by a full fetch otherwise.
func (p *Parser) Update(ctx context.Context) error {
	p.mu.Lock()
	started, gen := p.started, p.generation
	p.mu.Unlock()
	if !started {
		return errs.Aborted()
	}

	began := p.now()
	if err := p.update(ctx, gen); err != nil {
		return err
	}
	p.mu.Lock()
	p.updateDuration.sample(1, p.now().Sub(began).Seconds())
	p.mu.Unlock()
	return nil
}

// Status describes the presentation as of the last applied manifest.
type Status struct {
	ManifestURI  string
	MPDID        string
	PublishTime  string
	Dynamic      bool
	UpdatePeriod float64
	Updates      uint64
	Started      bool
	Timeline     *timeline.Snapshot
}

// Status returns a snapshot of the update state.
func (p *Parser) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		MPDID:        p.mpdID,
		PublishTime:  p.publishTime,
		Dynamic:      p.dynamic,
		UpdatePeriod: p.updatePeriod,
		Updates:      p.updates,
		Started:      p.started,
	}
	if len(p.manifestURIs) > 0 {
		st.ManifestURI = p.manifestURIs[0]
	}
	if p.timeline != nil {
		snap := p.timeline.Snapshot()
		st.Timeline = &snap
	}
	return st
}

// Stats returns Status as a health report section.
func (p *Parser) Stats() map[string]interface{} {
	st := p.Status()
	return map[string]interface{}{
		"manifest_uri":  st.ManifestURI,
		"mpd_id":        st.MPDID,
		"publish_time":  st.PublishTime,
		"dynamic":       st.Dynamic,
		"update_period": st.UpdatePeriod,
		"updates":       st.Updates,
		"started":       st.Started,
		"timeline":      st.Timeline,
	}
}

func (p *Parser) update(ctx context.Context, gen uint64) error {
	p.processMu.Lock()
	patchURI, usePatch := p.patch.location(p.now())
	p.processMu.Unlock()

	if usePatch {
		resp, err := p.fetch(ctx, gen, transport.RequestManifest, []string{patchURI})
		if err != nil {
			return err
		}
		p.processMu.Lock()
		if !p.current(gen) {
			p.processMu.Unlock()
			return errs.Aborted()
		}
		err = p.applyPatch(ctx, resp.Data)
		if errs.HasCode(err, errs.DashPatchInvalid) && p.patch != nil {
			p.patch.locations = nil
		}
		p.processMu.Unlock()
		if err != nil {
			return err
		}
		p.notifyUpdated()
		return nil
	}

	resp, err := p.fetch(ctx, gen, transport.RequestManifest, p.updateURIs())
	if err != nil {
		return err
	}
	if err := p.processManifest(ctx, gen, resp, true); err != nil {
		return err
	}
	p.notifyUpdated()
	return nil
}

// updateURIs prefers advertised Locations, ordered by content steering.
func (p *Parser) updateURIs() []string {
	p.mu.Lock()
	locations := append([]string(nil), p.locations...)
	uris := append([]string(nil), p.manifestURIs...)
	p.mu.Unlock()
	if len(locations) == 0 {
		return uris
	}
	candidates := make([]mpd.BaseURL, 0, len(locations))
	for _, l := range locations {
		candidates = append(candidates, mpd.BaseURL{URI: l})
	}
	return p.steering.Order(candidates)
}

// processManifest parses a full manifest and publishes the result.
func (p *Parser) processManifest(ctx context.Context, gen uint64, resp *transport.Response, isUpdate bool) error {
	p.processMu.Lock()
	defer p.processMu.Unlock()
	if !p.current(gen) {
		return errs.Aborted()
	}

	doc, err := mpd.ParseDocument(resp.Data)
	if err != nil {
		return err
	}
	uris := []string{resp.URI}
	res, err := p.session.Parse(ctx, doc.Root(), uris, p.tl)
	if err != nil {
		return err
	}

	for _, id := range res.RemovedPeriods {
		p.combiner.DeletePeriod(id)
	}
	if err := p.combiner.Combine(ctx, res.Periods, isUpdate); err != nil {
		return err
	}

	if len(res.PatchLocations) > 0 {
		p.patch = &patchContext{
			doc:         doc,
			mpdID:       res.ID,
			publishTime: res.PublishTime,
			dynamic:     res.Dynamic,
			profiles:    res.Profiles,
			rootFrame:   res.RootFrame,
			uris:        uris,
			locations:   res.PatchLocations,
			fetchedAt:   p.now(),
		}
	} else {
		p.patch = nil
	}

	p.timings, p.baseURIs = res.UTCTimings, uris
	p.applyResultState(res)
	p.steering.Configure(res.ContentSteering, uris)
	if res.ContentSteering != nil {
		if err := p.steering.Refresh(ctx, p.trackedRequester(gen)); err != nil {
			p.log.Warn("content steering refresh failed", "error", err)
		}
	}

	p.m.MinBufferTime = finiteOr(res.MinBufferTime, 0)
	p.m.ServiceDescription = res.ServiceDescription
	if err := p.publishTopology(); err != nil {
		return err
	}
	p.dispatchRegions(res.Events)
	p.maybeEnableLowLatency(res)
	return nil
}

// applyResultState records MPD-level state used for scheduling.
func (p *Parser) applyResultState(res *mpd.Result) {
	p.mu.Lock()
	p.dynamic = res.Dynamic
	p.mpdID, p.publishTime = res.ID, res.PublishTime
	p.updatePeriod = -1
	if res.Dynamic && !math.IsNaN(res.MinimumUpdatePeriod) {
		p.updatePeriod = res.MinimumUpdatePeriod
	}
	moved := ""
	if len(res.Locations) > 0 {
		if len(p.locations) == 0 || p.locations[0] != res.Locations[0] {
			moved = res.Locations[0]
		}
		p.locations = res.Locations
	}
	p.mu.Unlock()

	if moved != "" {
		p.event("manifestlocationchanged", map[string]any{"uri": moved})
	}
}

func (p *Parser) publishTopology() error {
	p.m.SetTopology(p.combiner.Variants(), p.combiner.TextStreams(), p.combiner.ImageStreams())
	player := p.currentPlayer()
	if player == nil {
		return errs.Aborted()
	}
	player.MakeTextStreamsForClosedCaptions(p.m)
	return player.Filter(p.m)
}

func (p *Parser) dispatchRegions(regions []mpd.TimelineRegion) {
	player := p.currentPlayer()
	for _, r := range regions {
		key := fmt.Sprintf("%s|%s|%s|%g", r.SchemeIDURI, r.Value, r.ID, r.StartTime)
		if p.regions[key] {
			continue
		}
		p.regions[key] = true
		if player != nil {
			player.OnTimelineRegionAdded(r)
		}
	}
}

func (p *Parser) maybeEnableLowLatency(res *mpd.Result) {
	if !res.Dynamic || (res.ServiceDescription == nil && p.tl.AvailabilityTimeOffset() <= 0) {
		return
	}
	player := p.currentPlayer()
	if player != nil && player.IsAutoLowLatencyMode() && !player.IsLowLatencyMode() {
		player.EnableLowLatencyMode()
	}
}

// syncClock measures the server clock offset of a live presentation.
func (p *Parser) syncClock(ctx context.Context, gen uint64) error {
	p.processMu.Lock()
	live := !p.tl.IsStatic()
	timings, bases := p.timings, p.baseURIs
	p.processMu.Unlock()
	if !live {
		return nil
	}

	p.mu.Lock()
	fallback := p.cfg.ClockSyncURI
	p.mu.Unlock()

	opCtx, done := p.ops.Start(ctx)
	defer done()
	offset, ok := p.clock.offset(opCtx, timings, bases, fallback)
	if !p.current(gen) {
		return errs.Aborted()
	}
	if ok {
		p.tl.SetClockOffset(offset)
		p.log.Debug("clock synchronized", "offset", offset)
	}
	return nil
}

// prefetchIndexes creates the segment index of every variant stream.
func (p *Parser) prefetchIndexes(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(prefetchConcurrency)
	seen := map[int]bool{}
	for _, v := range p.Manifest().Variants() {
		for _, st := range v.Streams() {
			if seen[st.ID] {
				continue
			}
			seen[st.ID] = true
			g.Go(func() error {
				_, err := st.CreateSegmentIndex(gctx)
				return err
			})
		}
	}
	return g.Wait()
}

// scheduleUpdate arms the update timer. offset is how long the last update
// took; the delay never drops below the average update duration.
func (p *Parser) scheduleUpdate(gen uint64, offset float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.generation || !p.started || !p.dynamic {
		return
	}
	period := p.updatePeriod
	if p.cfg.UpdatePeriod >= 0 {
		period = p.cfg.UpdatePeriod.Seconds()
	}
	if period < 0 {
		return
	}
	delay := math.Max(period-offset, p.updateDuration.value())
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = p.afterFunc(time.Duration(delay*float64(time.Second)), func() { p.onUpdateTimer(gen) })
}

func (p *Parser) onUpdateTimer(gen uint64) {
	p.mu.Lock()
	if gen != p.generation || !p.started {
		p.mu.Unlock()
		return
	}
	ctx := p.runCtx
	raise := p.cfg.RaiseFatalOnUpdateFailure
	p.mu.Unlock()

	began := p.now()
	err := p.Update(ctx)
	if !p.current(gen) {
		return
	}
	if err != nil {
		if errs.HasCode(err, errs.OperationAborted) {
			return
		}
		e, ok := errs.As(err)
		if !ok {
			e = errs.New(errs.Critical, errs.CategoryManifest, errs.ManifestUpdateFailed, err)
		}
		if !raise {
			e = errs.Downgrade(err)
		}
		p.log.Warn("manifest update failed", "error", err)
		if player := p.currentPlayer(); player != nil {
			player.OnError(e)
		}
		p.scheduleUpdate(gen, 0)
		return
	}
	p.scheduleUpdate(gen, p.now().Sub(began).Seconds())
}

// OnExpirationUpdated is told when a license session's expiration changes.
// DASH manifests do not depend on it.
func (p *Parser) OnExpirationUpdated(sessionID string, expiration time.Time) {
	p.log.Debug("license expiration updated", "session", sessionID, "expiration", expiration)
}

// OnInitialVariantChosen shortens the first live update so it lands when
// the segment at the live edge of the chosen variant ends.
func (p *Parser) OnInitialVariantChosen(v *manifest.Variant) {
	if v == nil {
		return
	}
	delay, ok := p.liveEdgeDelay(v)
	if !ok {
		return
	}

	p.mu.Lock()
	p.updatePeriod = delay
	gen := p.generation
	p.mu.Unlock()
	p.scheduleUpdate(gen, 0)
}

// liveEdgeDelay returns the time until the reference holding the live edge
// of v ends.
func (p *Parser) liveEdgeDelay(v *manifest.Variant) (float64, bool) {
	p.processMu.Lock()
	defer p.processMu.Unlock()

	if p.tl == nil || !p.tl.IsLive() {
		return 0, false
	}
	st := v.Video
	if st == nil {
		st = v.Audio
	}
	if st == nil {
		return 0, false
	}
	ix := st.SegmentIndex()
	if ix == nil {
		return 0, false
	}
	edge := p.tl.SegmentAvailabilityEnd()
	pos, ok := ix.Find(edge)
	if !ok {
		return 0, false
	}
	ref := ix.Get(pos)
	if ref == nil {
		return 0, false
	}
	return ref.End - edge, true
}

// BanLocation excludes the location serving uri from base URL selection.
func (p *Parser) BanLocation(uri string) {
	p.steering.Ban(uri)
}

func (p *Parser) current(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return gen == p.generation && p.started
}

func (p *Parser) currentPlayer() PlayerInterface {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.player
}

func (p *Parser) notifyUpdated() {
	p.mu.Lock()
	p.updates++
	p.mu.Unlock()
	if player := p.currentPlayer(); player != nil {
		player.OnManifestUpdated()
	}
}

func (p *Parser) event(name string, data map[string]any) {
	if player := p.currentPlayer(); player != nil {
		player.OnEvent(name, data)
	}
}

// fetch performs a tracked request and checks the generation afterwards.
func (p *Parser) fetch(ctx context.Context, gen uint64, typ transport.RequestType, uris []string) (*transport.Response, error) {
	opCtx, done := p.ops.Start(ctx)
	defer done()
	resp, err := p.requester.Request(opCtx, typ, transport.NewRequest(uris...))
	if !p.current(gen) {
		return nil, errs.Aborted()
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// trackedRequester registers every request with the operation set.
func (p *Parser) trackedRequester(gen uint64) transport.Requester {
	return transport.RequesterFunc(func(ctx context.Context, typ transport.RequestType, req transport.Request) (*transport.Response, error) {
		opCtx, done := p.ops.Start(ctx)
		defer done()
		resp, err := p.requester.Request(opCtx, typ, req)
		if !p.current(gen) {
			return nil, errs.Aborted()
		}
		return resp, err
	})
}

// fetchRange downloads a byte range for segment index resolution.
func (p *Parser) fetchRange(ctx context.Context, uris []string, startByte, endByte int64) ([]byte, error) {
	req := transport.NewRequest(uris...)
	req.StartByte, req.EndByte = startByte, endByte
	opCtx, done := p.ops.Start(ctx)
	defer done()
	resp, err := p.requester.Request(opCtx, transport.RequestSegment, req)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func resolveAgainst(bases []string, ref string) []string {
	r, err := url.Parse(ref)
	if err != nil {
		return nil
	}
	if r.IsAbs() || len(bases) == 0 {
		return []string{ref}
	}
	out := make([]string, 0, len(bases))
	for _, b := range bases {
		base, err := url.Parse(b)
		if err != nil {
			continue
		}
		out = append(out, base.ResolveReference(r).String())
	}
	return out
}

func finiteOr(v, def float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return def
	}
	return v
}
