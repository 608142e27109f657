package mpd

import (
	"sync"

	"github.com/beevik/etree"

	"github.com/agleyzer/dashlive/internal/manifest"
	"github.com/agleyzer/dashlive/internal/timeline"
)

// PeriodInfo is the resolved timing of one Period element.
type PeriodInfo struct {
	ID    string
	Start float64
	// Duration is +Inf when the period is open-ended.
	Duration     float64
	Node         *etree.Element
	IsLastPeriod bool
}

// End returns Start+Duration.
func (p PeriodInfo) End() float64 {
	return p.Start + p.Duration
}

// Context is everything needed to regenerate one representation's segment
// index without re-walking its ancestors.
type Context struct {
	Dynamic  bool
	Timeline *timeline.PresentationTimeline
	Profiles []string

	Period         PeriodInfo
	PeriodFrame    *Frame
	AdaptationSet  *Frame
	Representation *Frame
}

// Key returns the composite stream key of the context.
func (c *Context) Key() manifest.StreamKey {
	return manifest.StreamKey{PeriodID: c.Period.ID, RepresentationID: c.Representation.ID}
}

// Reframed returns a copy of c whose frames are rebuilt from their document
// nodes under root. Identifiers assigned at parse time are kept.
func (c *Context) Reframed(root *Frame) *Context {
	out := *c
	out.PeriodFrame = CreateFrame(c.PeriodFrame.Node, root)
	out.PeriodFrame.ID = c.PeriodFrame.ID
	out.AdaptationSet = CreateFrame(c.AdaptationSet.Node, out.PeriodFrame)
	out.AdaptationSet.ID = c.AdaptationSet.ID
	out.Representation = CreateFrame(c.Representation.Node, out.AdaptationSet)
	out.Representation.ID = c.Representation.ID
	return &out
}

// ContextCache retains contexts while patch updates are enabled.
type ContextCache struct {
	mu sync.Mutex
	m  map[manifest.StreamKey]*Context
}

// NewContextCache creates an empty cache.
func NewContextCache() *ContextCache {
	return &ContextCache{m: make(map[manifest.StreamKey]*Context)}
}

// Get returns the context for key.
func (c *ContextCache) Get(key manifest.StreamKey) (*Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, ok := c.m[key]
	return ctx, ok
}

// Put stores ctx under its key.
func (c *ContextCache) Put(ctx *Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[ctx.Key()] = ctx
}

// Delete removes key.
func (c *ContextCache) Delete(key manifest.StreamKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
}

// ForPeriod returns the contexts of every representation in periodID.
func (c *ContextCache) ForPeriod(periodID string) []*Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Context
	for k, ctx := range c.m {
		if k.PeriodID == periodID {
			out = append(out, ctx)
		}
	}
	return out
}

// Len returns the number of cached contexts.
func (c *ContextCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

// Clear drops every context.
func (c *ContextCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m = make(map[manifest.StreamKey]*Context)
}

// LastPeriod returns the cached period with the largest start time.
func (c *ContextCache) LastPeriod() (PeriodInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var last PeriodInfo
	found := false
	for _, ctx := range c.m {
		if !found || ctx.Period.Start > last.Start {
			last, found = ctx.Period, true
		}
	}
	return last, found
}

// ClosePeriod ends periodID at end and marks it as no longer last. It
// returns the keys whose contexts changed.
func (c *ContextCache) ClosePeriod(periodID string, end float64) []manifest.StreamKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	var keys []manifest.StreamKey
	for k, ctx := range c.m {
		if k.PeriodID != periodID {
			continue
		}
		ctx.Period.Duration = end - ctx.Period.Start
		ctx.Period.IsLastPeriod = false
		keys = append(keys, k)
	}
	return keys
}

// All returns every cached context.
func (c *ContextCache) All() []*Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Context, 0, len(c.m))
	for _, ctx := range c.m {
		out = append(out, ctx)
	}
	return out
}
