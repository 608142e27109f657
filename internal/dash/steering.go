package dash

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agleyzer/dashlive/internal/mpd"
	"github.com/agleyzer/dashlive/internal/transport"
)

const defaultSteeringTTL = 300 * time.Second

// steeringManifest is the JSON document served by a content steering server.
type steeringManifest struct {
	Version         int      `json:"VERSION"`
	TTL             int      `json:"TTL"`
	ReloadURI       string   `json:"RELOAD-URI"`
	PathwayPriority []string `json:"PATHWAY-PRIORITY"`
}

// BanHook is told about every location ban so it can be shared.
type BanHook func(uri string, until time.Time)

// Steering orders base URLs by the content steering pathway priority and
// excludes banned locations. It implements mpd.LocationOrderer.
type Steering struct {
	mu  sync.Mutex
	log *slog.Logger
	now func() time.Time

	serverURL   string
	queryBefore bool
	priority    []string
	nextFetch   time.Time

	banDuration time.Duration
	bans        map[string]time.Time
	onBan       BanHook
}

// NewSteering creates an orderer with no pathway priority.
func NewSteering(log *slog.Logger, banDuration time.Duration) *Steering {
	if log == nil {
		log = slog.Default()
	}
	return &Steering{
		log:         log.With("component", "steering"),
		now:         time.Now,
		banDuration: banDuration,
		bans:        map[string]time.Time{},
	}
}

// SetBanHook registers fn to be called on every local ban.
func (s *Steering) SetBanHook(fn BanHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onBan = fn
}

// Configure records the manifest's ContentSteering element. A nil element
// clears the pathway priority.
func (s *Steering) Configure(cs *mpd.ContentSteering, baseURIs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cs == nil {
		s.serverURL, s.priority = "", nil
		return
	}
	server := cs.ServerURL
	if resolved := resolveAgainst(baseURIs, server); len(resolved) > 0 {
		server = resolved[0]
	}
	if server != s.serverURL {
		s.nextFetch = time.Time{}
	}
	s.serverURL = server
	s.queryBefore = cs.QueryBeforeStart
	if len(s.priority) == 0 && cs.DefaultServiceLocation != "" {
		s.priority = strings.Fields(strings.ReplaceAll(cs.DefaultServiceLocation, ",", " "))
	}
}

// QueryBeforeStart reports whether the steering manifest must be fetched
// before the first segment request.
func (s *Steering) QueryBeforeStart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryBefore
}

// Refresh fetches the steering manifest when its TTL has elapsed.
func (s *Steering) Refresh(ctx context.Context, r transport.Requester) error {
	s.mu.Lock()
	server := s.serverURL
	due := !s.now().Before(s.nextFetch)
	current := ""
	if len(s.priority) > 0 {
		current = s.priority[0]
	}
	s.mu.Unlock()
	if server == "" || !due {
		return nil
	}

	u, err := url.Parse(server)
	if err != nil {
		return fmt.Errorf("parsing steering server URL: %w", err)
	}
	if current != "" {
		q := u.Query()
		q.Set("_DASH_pathway", current)
		u.RawQuery = q.Encode()
	}

	resp, err := r.Request(ctx, transport.RequestContentSteering, transport.NewRequest(u.String()))
	if err != nil {
		return fmt.Errorf("fetching steering manifest: %w", err)
	}
	var m steeringManifest
	if err := json.Unmarshal(resp.Data, &m); err != nil {
		return fmt.Errorf("decoding steering manifest: %w", err)
	}

	ttl := defaultSteeringTTL
	if m.TTL > 0 {
		ttl = time.Duration(m.TTL) * time.Second
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(m.PathwayPriority) > 0 {
		s.priority = m.PathwayPriority
	}
	if m.ReloadURI != "" {
		if resolved := resolveAgainst([]string{resp.URI}, m.ReloadURI); len(resolved) > 0 {
			s.serverURL = resolved[0]
		}
	}
	s.nextFetch = s.now().Add(ttl)
	s.log.Debug("steering manifest applied", "priority", s.priority, "ttl", ttl)
	return nil
}

// Ban excludes the location serving uri for the configured duration.
func (s *Steering) Ban(uri string) {
	s.mu.Lock()
	until := s.now().Add(s.banDuration)
	s.bans[uri] = until
	hook := s.onBan
	s.mu.Unlock()
	s.log.Info("location banned", "uri", uri, "until", until)
	if hook != nil {
		hook(uri, until)
	}
}

// ApplyBan records a ban that originated elsewhere.
func (s *Steering) ApplyBan(uri string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.bans[uri]; !ok || until.After(cur) {
		s.bans[uri] = until
	}
}

// Bans returns the active bans.
func (s *Steering) Bans() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.bans))
	now := s.now()
	for uri, until := range s.bans {
		if until.After(now) {
			out[uri] = until
		}
	}
	return out
}

// Reset forgets every ban and the pathway priority.
func (s *Steering) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bans = map[string]time.Time{}
	s.priority = nil
	s.serverURL = ""
	s.nextFetch = time.Time{}
}

// Order returns candidate URIs by pathway priority with banned locations
// last. Candidates without a known service location keep their relative
// order after the prioritized ones.
func (s *Steering) Order(candidates []mpd.BaseURL) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rank := func(b mpd.BaseURL) int {
		for i, p := range s.priority {
			if p == b.ServiceLocation {
				return i
			}
		}
		return len(s.priority)
	}

	var allowed, banned []mpd.BaseURL
	for _, c := range candidates {
		if s.bannedLocked(c.URI, now) {
			banned = append(banned, c)
			continue
		}
		allowed = append(allowed, c)
	}
	sort.SliceStable(allowed, func(i, j int) bool { return rank(allowed[i]) < rank(allowed[j]) })

	out := make([]string, 0, len(candidates))
	for _, c := range allowed {
		out = append(out, c.URI)
	}
	for _, c := range banned {
		out = append(out, c.URI)
	}
	return out
}

func (s *Steering) bannedLocked(uri string, now time.Time) bool {
	for b, until := range s.bans {
		if !until.After(now) {
			delete(s.bans, b)
			continue
		}
		if coversLocation(b, uri) {
			return true
		}
	}
	return false
}

// coversLocation reports whether banned names the location base or a
// resource beneath it. Hosts must match exactly; paths match on a
// segment boundary.
func coversLocation(banned, base string) bool {
	if banned == base {
		return true
	}
	b, err := url.Parse(banned)
	if err != nil {
		return false
	}
	l, err := url.Parse(base)
	if err != nil {
		return false
	}
	if !strings.EqualFold(b.Scheme, l.Scheme) || !strings.EqualFold(b.Host, l.Host) {
		return false
	}
	dir := l.Path
	if dir == "" || dir == "/" {
		return true
	}
	if b.Path == dir {
		return true
	}
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	return strings.HasPrefix(b.Path, dir)
}
