// Package mpd resolves DASH manifests into streams and segment indexes.
//
// The manifest is kept as an etree DOM so that patch documents can mutate
// SegmentTemplate and SegmentTimeline nodes in place; inheritance frames hold
// pointers to those nodes and observe the mutation.
package mpd

import (
	"bytes"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"golang.org/x/net/html/charset"

	"github.com/agleyzer/dashlive/internal/errs"
)

// ParseDocument decodes manifest bytes into a DOM. The root element must be
// MPD or Patch.
func ParseDocument(data []byte) (*etree.Document, error) {
	doc := etree.NewDocument()
	doc.ReadSettings.CharsetReader = charset.NewReaderLabel
	if err := doc.ReadFromBytes(bytes.TrimSpace(data)); err != nil {
		return nil, errs.New(errs.Critical, errs.CategoryManifest, errs.DashInvalidXML, err)
	}
	root := doc.Root()
	if root == nil || (root.Tag != "MPD" && root.Tag != "Patch") {
		tag := ""
		if root != nil {
			tag = root.Tag
		}
		return nil, errs.New(errs.Critical, errs.CategoryManifest, errs.DashInvalidXML,
			fmt.Sprintf("unexpected root element %q", tag))
	}
	return doc, nil
}

func attr(e *etree.Element, name string) (string, bool) {
	if e == nil {
		return "", false
	}
	a := e.SelectAttr(name)
	if a == nil {
		return "", false
	}
	return a.Value, true
}

func attrString(e *etree.Element, name string) string {
	v, _ := attr(e, name)
	return v
}

// attrFloat returns def when the attribute is absent or malformed.
func attrFloat(e *etree.Element, name string, def float64) float64 {
	v, ok := attr(e, name)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || math.IsNaN(f) {
		return def
	}
	return f
}

func attrInt(e *etree.Element, name string, def int64) int64 {
	v, ok := attr(e, name)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return def
	}
	return n
}

func attrBool(e *etree.Element, name string, def bool) bool {
	v, ok := attr(e, name)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

// attrDuration parses an xs:duration attribute into seconds, NaN when absent.
func attrDuration(e *etree.Element, name string) float64 {
	v, ok := attr(e, name)
	if !ok {
		return math.NaN()
	}
	d, err := ParseDuration(v)
	if err != nil {
		return math.NaN()
	}
	return d.Seconds()
}

// attrDate parses an xs:dateTime attribute into epoch seconds, NaN when absent.
func attrDate(e *etree.Element, name string) float64 {
	v, ok := attr(e, name)
	if !ok {
		return math.NaN()
	}
	t, err := ParseDate(v)
	if err != nil {
		return math.NaN()
	}
	return float64(t.UnixNano()) / 1e9
}

// ParseDate parses an xs:dateTime, accepting a missing zone as UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05Z0700",
		time.RFC1123,
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

// byteRange is an inclusive byte range; end is -1 when open.
type byteRange struct {
	start int64
	end   int64
}

// parseRange parses "start-end" or "start-".
func parseRange(s string) (byteRange, bool) {
	parts := strings.SplitN(strings.TrimSpace(s), "-", 2)
	if len(parts) != 2 {
		return byteRange{}, false
	}
	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || start < 0 {
		return byteRange{}, false
	}
	if parts[1] == "" {
		return byteRange{start: start, end: -1}, true
	}
	end, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || end < start {
		return byteRange{}, false
	}
	return byteRange{start: start, end: end}, true
}

func children(e *etree.Element, tag string) []*etree.Element {
	if e == nil {
		return nil
	}
	return e.SelectElements(tag)
}

func child(e *etree.Element, tag string) *etree.Element {
	if e == nil {
		return nil
	}
	return e.SelectElement(tag)
}

func text(e *etree.Element) string {
	if e == nil {
		return ""
	}
	return strings.TrimSpace(e.Text())
}

// resolveURIs resolves every relative URI against every base, preserving order.
func resolveURIs(bases, relatives []string) []string {
	if len(relatives) == 0 {
		return bases
	}
	if len(bases) == 0 {
		return relatives
	}
	out := make([]string, 0, len(bases)*len(relatives))
	for _, b := range bases {
		for _, r := range relatives {
			u, err := resolveURL(b, r)
			if err != nil {
				continue
			}
			out = append(out, u)
		}
	}
	return out
}

// resolveURL resolves a possibly relative URL against a base URL.
func resolveURL(baseURL, relativeURL string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	rel, err := url.Parse(relativeURL)
	if err != nil {
		return "", fmt.Errorf("invalid relative URL: %w", err)
	}

	return base.ResolveReference(rel).String(), nil
}
