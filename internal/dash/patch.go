package dash

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/agleyzer/dashlive/internal/errs"
	"github.com/agleyzer/dashlive/internal/manifest"
	"github.com/agleyzer/dashlive/internal/mpd"
)

// patchContext is the state of the last full manifest that patches are
// applied against.
type patchContext struct {
	doc         *etree.Document
	mpdID       string
	publishTime string
	dynamic     bool
	profiles    []string
	rootFrame   *mpd.Frame
	uris        []string

	locations []mpd.PatchLocation
	fetchedAt time.Time
}

// location returns the first patch location whose TTL has not elapsed.
func (pc *patchContext) location(now time.Time) (string, bool) {
	if pc == nil {
		return "", false
	}
	age := now.Sub(pc.fetchedAt).Seconds()
	for _, l := range pc.locations {
		if math.IsInf(l.TTL, 1) || age < l.TTL {
			return l.URI, true
		}
	}
	return "", false
}

// selectorStep is one element of a patch selector path.
type selectorStep struct {
	name      string
	attrName  string
	attrValue string
	// position is 1-based; 0 means unset.
	position int
}

type selector struct {
	steps []selectorStep
	// attr is set when the selector addresses an attribute.
	attr string
}

var stepPattern = regexp.MustCompile(`^([A-Za-z_][\w.\-]*:)?([A-Za-z_][\w.\-]*)(?:\[(?:@([\w:\-]+)\s*=\s*(?:'([^']*)'|"([^"]*)")|(\d+))\])?$`)

func parseSelector(sel string) (selector, error) {
	sel = strings.TrimSpace(sel)
	if !strings.HasPrefix(sel, "/") {
		return selector{}, fmt.Errorf("selector %q is not absolute", sel)
	}
	var out selector
	parts := strings.Split(strings.TrimPrefix(sel, "/"), "/")
	for i, part := range parts {
		if strings.HasPrefix(part, "@") {
			if i != len(parts)-1 {
				return selector{}, fmt.Errorf("selector %q has an attribute step before the end", sel)
			}
			out.attr = strings.TrimPrefix(part, "@")
			break
		}
		m := stepPattern.FindStringSubmatch(part)
		if m == nil {
			return selector{}, fmt.Errorf("selector %q has an invalid step %q", sel, part)
		}
		step := selectorStep{name: m[2], attrName: m[3], attrValue: m[4] + m[5]}
		if m[6] != "" {
			step.position, _ = strconv.Atoi(m[6])
		}
		out.steps = append(out.steps, step)
	}
	if len(out.steps) == 0 {
		return selector{}, fmt.Errorf("selector %q addresses nothing", sel)
	}
	return out, nil
}

func (s selector) resolve(root *etree.Element) (*etree.Element, error) {
	if root == nil || root.Tag != s.steps[0].name || !s.steps[0].matches(root) {
		return nil, fmt.Errorf("selector root %q does not match document", s.steps[0].name)
	}
	cur := root
	for _, step := range s.steps[1:] {
		var next *etree.Element
		n := 0
		for _, c := range cur.ChildElements() {
			if c.Tag != step.name {
				continue
			}
			n++
			if step.position > 0 {
				if n == step.position {
					next = c
					break
				}
				continue
			}
			if step.matches(c) {
				next = c
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("no element matches step %q", step.name)
		}
		cur = next
	}
	return cur, nil
}

func (st selectorStep) matches(e *etree.Element) bool {
	if st.attrName == "" {
		return true
	}
	return e.SelectAttrValue(st.attrName, "\x00") == st.attrValue
}

// patchResult collects what a patch changed.
type patchResult struct {
	removedPeriods []string
	addedPeriods   []*etree.Element

	// replacedPeriods were replaced by a Period with the same id.
	replacedPeriods []*etree.Element
	// touched holds elements whose descendants' segment descriptions changed.
	touched []*etree.Element
}

// applyPatch validates and applies a patch document. Structural changes
// happen first; affected segment indexes are regenerated once at the end.
func (p *Parser) applyPatch(ctx context.Context, data []byte) error {
	pc := p.patch
	if pc == nil {
		return errs.New(errs.Recoverable, errs.CategoryManifest, errs.DashPatchInvalid, "no manifest to patch")
	}
	doc, err := mpd.ParseDocument(data)
	if err != nil {
		return errs.New(errs.Recoverable, errs.CategoryManifest, errs.DashPatchInvalid, "malformed patch", err)
	}
	root := doc.Root()
	if root.Tag != "Patch" {
		return errs.New(errs.Recoverable, errs.CategoryManifest, errs.DashPatchInvalid, "root element is not Patch")
	}
	if err := validatePatch(root, pc); err != nil {
		return err
	}

	res := patchResult{}
	for _, op := range root.ChildElements() {
		if err := p.applyOperation(op, pc.doc.Root(), &res); err != nil {
			p.log.Warn("skipping patch operation", "op", op.Tag, "sel", op.SelectAttrValue("sel", ""), "error", err)
		}
	}
	if pt := root.SelectAttrValue("publishTime", ""); pt != "" {
		pc.doc.Root().CreateAttr("publishTime", pt)
	}

	mpdRes := p.session.Reread(pc.doc.Root(), pc.uris, p.tl)
	pc.publishTime = mpdRes.PublishTime
	pc.dynamic = mpdRes.Dynamic
	pc.locations = mpdRes.PatchLocations
	pc.fetchedAt = p.now()
	p.applyResultState(mpdRes)

	affected := map[manifest.StreamKey]bool{}
	p.touchedKeys(res.touched, affected)

	for _, id := range res.removedPeriods {
		p.removePeriod(id)
		for k := range affected {
			if k.PeriodID == id {
				delete(affected, k)
			}
		}
	}

	var added []*manifest.Period
	for _, node := range res.replacedPeriods {
		info := p.replacedPeriodInfo(node)
		period, err := p.session.ParsePeriodElement(ctx, info, pc.rootFrame, pc.dynamic, pc.profiles, p.tl)
		if err != nil {
			return err
		}
		p.session.PrunePeriod(info.ID, periodKeys(period))
		for k := range affected {
			if k.PeriodID == info.ID {
				delete(affected, k)
			}
		}
		added = append(added, period)
		p.dispatchRegions(mpd.Events(info))
	}
	for _, node := range res.addedPeriods {
		prevEnd := math.NaN()
		if last, ok := p.session.Contexts.LastPeriod(); ok {
			prevEnd = last.End()
			if math.IsInf(last.Duration, 1) {
				info := mpd.AddedPeriodInfo(node, math.NaN())
				if !math.IsNaN(info.Start) && info.Start > last.Start {
					for _, k := range p.session.Contexts.ClosePeriod(last.ID, info.Start) {
						affected[k] = true
					}
					prevEnd = info.Start
				}
			}
		}
		info := mpd.AddedPeriodInfo(node, prevEnd)
		period, err := p.session.ParsePeriodElement(ctx, info, pc.rootFrame, pc.dynamic, pc.profiles, p.tl)
		if err != nil {
			return err
		}
		added = append(added, period)
		p.dispatchRegions(mpd.Events(info))
	}

	if err := p.regenerate(ctx, pc.rootFrame, affected); err != nil {
		return err
	}
	if err := p.combiner.Combine(ctx, added, true); err != nil {
		return err
	}
	return p.publishTopology()
}

func validatePatch(root *etree.Element, pc *patchContext) error {
	id := root.SelectAttrValue("mpdId", "")
	if id != pc.mpdID {
		return errs.New(errs.Recoverable, errs.CategoryManifest, errs.DashPatchInvalid,
			fmt.Sprintf("patch targets manifest %q, holding %q", id, pc.mpdID))
	}
	orig := root.SelectAttrValue("originalPublishTime", "")
	if !samePublishTime(orig, pc.publishTime) {
		return errs.New(errs.Recoverable, errs.CategoryManifest, errs.DashPatchInvalid,
			fmt.Sprintf("patch original publish time %q does not match %q", orig, pc.publishTime))
	}
	return nil
}

func samePublishTime(a, b string) bool {
	if a == b {
		return true
	}
	ta, errA := mpd.ParseDate(a)
	tb, errB := mpd.ParseDate(b)
	return errA == nil && errB == nil && ta.Equal(tb)
}

func (p *Parser) applyOperation(op, root *etree.Element, res *patchResult) error {
	sel, err := parseSelector(op.SelectAttrValue("sel", ""))
	if err != nil {
		return err
	}
	target, err := sel.resolve(root)
	if err != nil {
		return err
	}

	switch op.Tag {
	case "add":
		return p.opAdd(op, target, sel, res)
	case "replace":
		return p.opReplace(op, target, sel, res)
	case "remove":
		return p.opRemove(target, sel, res)
	default:
		return fmt.Errorf("unknown patch operation %q", op.Tag)
	}
}

func (p *Parser) opAdd(op, target *etree.Element, sel selector, res *patchResult) error {
	if sel.attr != "" {
		return fmt.Errorf("add cannot address attribute %q", sel.attr)
	}
	if typ := op.SelectAttrValue("type", ""); strings.HasPrefix(typ, "@") {
		target.CreateAttr(strings.TrimPrefix(typ, "@"), strings.TrimSpace(op.Text()))
		res.touched = append(res.touched, target)
		return nil
	}

	pos := op.SelectAttrValue("pos", "")
	parent, index := target, len(target.Child)
	switch pos {
	case "prepend":
		index = 0
	case "before", "after":
		parent = target.Parent()
		if parent == nil {
			return fmt.Errorf("cannot add %s the document root", pos)
		}
		index = target.Index()
		if pos == "after" {
			index++
		}
	}

	for _, c := range op.ChildElements() {
		cp := c.Copy()
		parent.InsertChildAt(index, cp)
		index++
		if cp.Tag == "Period" && parent.Tag == "MPD" {
			res.addedPeriods = append(res.addedPeriods, cp)
		}
	}
	if parent.Tag != "MPD" {
		res.touched = append(res.touched, parent)
	}
	return nil
}

func (p *Parser) opReplace(op, target *etree.Element, sel selector, res *patchResult) error {
	if sel.attr != "" {
		target.CreateAttr(sel.attr, strings.TrimSpace(op.Text()))
		if target.Tag != "MPD" {
			res.touched = append(res.touched, target)
		}
		return nil
	}

	news := op.ChildElements()
	id := target.SelectAttrValue("id", "")
	samePeriod := target.Tag == "Period" && id != "" && len(news) == 1 &&
		news[0].Tag == "Period" && news[0].SelectAttrValue("id", "") == id
	if target.Tag == "Period" && !samePeriod {
		res.removedPeriods = append(res.removedPeriods, id)
	}

	// A single same-tag replacement is applied in place so cached frames
	// keep pointing at a live node.
	if len(news) == 1 && news[0].Tag == target.Tag {
		replaceInPlace(target, news[0])
		switch {
		case samePeriod:
			res.replacedPeriods = append(res.replacedPeriods, target)
		case target.Tag == "Period":
			res.addedPeriods = append(res.addedPeriods, target)
		default:
			res.touched = append(res.touched, target)
		}
		return nil
	}

	parent := target.Parent()
	if parent == nil {
		return fmt.Errorf("cannot replace the document root")
	}
	index := target.Index()
	for i, c := range news {
		cp := c.Copy()
		parent.InsertChildAt(index+i, cp)
		if cp.Tag == "Period" {
			res.addedPeriods = append(res.addedPeriods, cp)
		}
	}
	parent.RemoveChild(target)
	if parent.Tag != "MPD" {
		res.touched = append(res.touched, parent)
	}
	return nil
}

func (p *Parser) opRemove(target *etree.Element, sel selector, res *patchResult) error {
	if sel.attr != "" {
		target.RemoveAttr(sel.attr)
		if target.Tag != "MPD" {
			res.touched = append(res.touched, target)
		}
		return nil
	}
	parent := target.Parent()
	if parent == nil {
		return fmt.Errorf("cannot remove the document root")
	}
	if target.Tag == "Period" {
		res.removedPeriods = append(res.removedPeriods, target.SelectAttrValue("id", ""))
	} else {
		res.touched = append(res.touched, parent)
	}
	parent.RemoveChild(target)
	return nil
}

func replaceInPlace(dst, src *etree.Element) {
	dst.Attr = nil
	for _, a := range src.Attr {
		dst.CreateAttr(a.FullKey(), a.Value)
	}
	for len(dst.Child) > 0 {
		dst.RemoveChildAt(0)
	}
	cp := src.Copy()
	for len(cp.Child) > 0 {
		dst.AddChild(cp.Child[0])
	}
}

// replacedPeriodInfo resolves the timing of a period replaced in place,
// falling back to the cached timing for attributes the new element omits.
func (p *Parser) replacedPeriodInfo(node *etree.Element) mpd.PeriodInfo {
	cached := p.session.Contexts.ForPeriod(node.SelectAttrValue("id", ""))
	if len(cached) == 0 {
		return mpd.AddedPeriodInfo(node, math.NaN())
	}
	prev := cached[0].Period
	info := mpd.AddedPeriodInfo(node, prev.Start)
	if math.IsInf(info.Duration, 1) && !prev.IsLastPeriod {
		info.Duration, info.IsLastPeriod = prev.Duration, false
	}
	return info
}

func periodKeys(period *manifest.Period) map[manifest.StreamKey]bool {
	keys := map[manifest.StreamKey]bool{}
	for _, list := range [][]*manifest.Stream{period.Audio, period.Video, period.Text, period.Image} {
		for _, st := range list {
			keys[st.Key] = true
			if st.TrickModeVideo != nil {
				keys[st.TrickModeVideo.Key] = true
			}
		}
	}
	return keys
}

// touchedKeys adds the keys of cached contexts below the nearest
// Representation, AdaptationSet or Period enclosing a touched element.
func (p *Parser) touchedKeys(touched []*etree.Element, out map[manifest.StreamKey]bool) {
	if len(touched) == 0 {
		return
	}
	nodes := map[*etree.Element]bool{}
	for _, e := range touched {
	walk:
		for cur := e; cur != nil; cur = cur.Parent() {
			switch cur.Tag {
			case "Representation", "AdaptationSet", "Period":
				nodes[cur] = true
				break walk
			}
		}
	}
	for _, c := range p.session.Contexts.All() {
		if nodes[c.Representation.Node] || nodes[c.AdaptationSet.Node] || nodes[c.PeriodFrame.Node] {
			out[c.Key()] = true
		}
	}
}

// removePeriod empties and releases every stream of a removed period before
// its contexts are dropped.
func (p *Parser) removePeriod(id string) {
	for _, key := range p.session.Streams.KeysForPeriod(id) {
		if st, ok := p.session.Streams.Get(key); ok {
			if ix := st.SegmentIndex(); ix != nil {
				ix.Reconcile(nil)
			}
		}
	}
	p.session.RemovePeriod(id)
	p.combiner.DeletePeriod(id)
}

// regenerate rebuilds the cached frames of every affected context, then the
// index of every affected stream that already has one. Streams without an
// index pick up the change when it is created.
func (p *Parser) regenerate(ctx context.Context, root *mpd.Frame, keys map[manifest.StreamKey]bool) error {
	sorted := make([]manifest.StreamKey, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })

	for _, k := range sorted {
		c, ok := p.session.Contexts.Get(k)
		if !ok {
			continue
		}
		c = c.Reframed(root)
		p.session.Contexts.Put(c)
		st, ok := p.session.Streams.Get(k)
		if !ok || st.SegmentIndex() == nil {
			continue
		}
		if _, err := p.session.GenerateSegmentIndex(ctx, c); err != nil {
			return fmt.Errorf("regenerating index for %s: %w", k, err)
		}
	}
	return nil
}
