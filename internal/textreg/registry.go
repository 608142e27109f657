// Package textreg is the registry of text formats the text engine can parse.
//
// The registry is an explicit object injected into the components that need
// it, instead of process-wide state.
package textreg

import (
	"strings"
	"sync"
)

// Registry maps full mime types (including codecs) to registered parsers.
type Registry struct {
	mu    sync.RWMutex
	types map[string]string
}

// New creates a registry with the given mime types registered.
func New(mimeTypes ...string) *Registry {
	r := &Registry{types: make(map[string]string)}
	for _, m := range mimeTypes {
		r.Register(m, m)
	}
	return r
}

// Default returns a registry with the text formats commonly carried in DASH.
func Default() *Registry {
	return New(
		"text/vtt",
		"application/ttml+xml",
		`application/mp4; codecs="wvtt"`,
		`application/mp4; codecs="stpp"`,
		`application/mp4; codecs="stpp.ttml.im1t"`,
		"text/srt",
		"application/x-subrip",
	)
}

// Register associates mimeType with a parser name.
func (r *Registry) Register(mimeType, parser string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[normalize(mimeType)] = parser
}

// Unregister removes mimeType.
func (r *Registry) Unregister(mimeType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.types, normalize(mimeType))
}

// IsTypeSupported reports whether a parser is registered for mimeType.
func (r *Registry) IsTypeSupported(mimeType string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[normalize(mimeType)]
	return ok
}

// FullMimeType joins a mime type and codecs the way the registry keys them.
func FullMimeType(mimeType, codecs string) string {
	if codecs == "" {
		return mimeType
	}
	return mimeType + `; codecs="` + codecs + `"`
}

func normalize(mimeType string) string {
	return strings.ToLower(strings.TrimSpace(mimeType))
}
