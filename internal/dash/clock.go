package dash

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agleyzer/dashlive/internal/mpd"
	"github.com/agleyzer/dashlive/internal/transport"
)

// UTCTiming schemes.
const (
	schemeHTTPXSDate = "urn:mpeg:dash:utc:http-xsdate:2014"
	schemeHTTPISO    = "urn:mpeg:dash:utc:http-iso:2014"
	schemeHTTPHead   = "urn:mpeg:dash:utc:http-head:2014"
	schemeDirect     = "urn:mpeg:dash:utc:direct:2014"
)

// clockSync computes the offset between a server clock and the local one.
type clockSync struct {
	requester transport.Requester
	now       func() time.Time
}

// offset tries each timing source in order and falls back to a HEAD
// request against fallbackURI. ok is false when no source answered.
func (c *clockSync) offset(ctx context.Context, timings []mpd.UTCTiming, baseURIs []string, fallbackURI string) (time.Duration, bool) {
	for _, t := range timings {
		if off, err := c.fromTiming(ctx, t, baseURIs); err == nil {
			return off, true
		}
	}
	if fallbackURI != "" {
		if off, err := c.fromHead(ctx, []string{fallbackURI}); err == nil {
			return off, true
		}
	}
	return 0, false
}

func (c *clockSync) fromTiming(ctx context.Context, t mpd.UTCTiming, baseURIs []string) (time.Duration, error) {
	scheme := strings.TrimSpace(t.Scheme)
	switch scheme {
	case schemeDirect:
		server, err := mpd.ParseDate(t.Value)
		if err != nil {
			return 0, err
		}
		return server.Sub(c.now()), nil
	case schemeHTTPHead:
		return c.fromHead(ctx, timingURIs(t.Value, baseURIs))
	case schemeHTTPXSDate, schemeHTTPISO:
		start := c.now()
		resp, err := c.requester.Request(ctx, transport.RequestTiming, transport.NewRequest(timingURIs(t.Value, baseURIs)...))
		if err != nil {
			return 0, err
		}
		server, err := mpd.ParseDate(strings.TrimSpace(string(resp.Data)))
		if err != nil {
			return 0, err
		}
		return server.Sub(midpoint(start, c.now())), nil
	default:
		return 0, fmt.Errorf("unsupported UTCTiming scheme %q", scheme)
	}
}

func (c *clockSync) fromHead(ctx context.Context, uris []string) (time.Duration, error) {
	req := transport.NewRequest(uris...)
	req.Method = http.MethodHead
	start := c.now()
	resp, err := c.requester.Request(ctx, transport.RequestTiming, req)
	if err != nil {
		return 0, err
	}
	date := resp.Headers.Get("Date")
	if date == "" {
		return 0, fmt.Errorf("no Date header from %s", resp.URI)
	}
	server, err := http.ParseTime(date)
	if err != nil {
		return 0, err
	}
	return server.Sub(midpoint(start, c.now())), nil
}

// timingURIs resolves the whitespace separated URIs of a UTCTiming value.
func timingURIs(value string, baseURIs []string) []string {
	var out []string
	for _, f := range strings.Fields(value) {
		out = append(out, resolveAgainst(baseURIs, f)...)
	}
	return out
}

func midpoint(a, b time.Time) time.Time {
	return a.Add(b.Sub(a) / 2)
}
