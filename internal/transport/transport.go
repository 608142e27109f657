// Package transport fetches manifests, segment indexes and timing resources.
package transport

import (
	"context"
	"net/http"
	"sync"
)

// RequestType tells the transport what a request is for.
type RequestType int

const (
	RequestManifest RequestType = iota
	RequestSegment
	RequestTiming
	RequestContentSteering
)

func (t RequestType) String() string {
	switch t {
	case RequestManifest:
		return "manifest"
	case RequestSegment:
		return "segment"
	case RequestTiming:
		return "timing"
	case RequestContentSteering:
		return "content-steering"
	default:
		return "unknown"
	}
}

// Request describes one logical fetch. URIs are tried in order.
type Request struct {
	URIs    []string
	Method  string
	Headers map[string]string

	// StartByte and EndByte select a byte range. EndByte -1 means to the
	// end of the resource; a 0..-1 range sends no Range header.
	StartByte int64
	EndByte   int64
}

// NewRequest returns a GET request for the whole resource.
func NewRequest(uris ...string) Request {
	return Request{URIs: uris, Method: http.MethodGet, EndByte: -1}
}

// Ranged reports whether the request carries a Range header.
func (r Request) Ranged() bool {
	return r.StartByte > 0 || r.EndByte >= 0
}

// Response is the result of a successful request.
type Response struct {
	// URI is the final URI after redirects.
	URI         string
	OriginalURI string
	Data        []byte
	Headers     http.Header
	Status      int
}

// Requester performs network requests on behalf of the parser.
type Requester interface {
	Request(ctx context.Context, typ RequestType, req Request) (*Response, error)
}

// RequesterFunc adapts a function to Requester.
type RequesterFunc func(ctx context.Context, typ RequestType, req Request) (*Response, error)

func (f RequesterFunc) Request(ctx context.Context, typ RequestType, req Request) (*Response, error) {
	return f(ctx, typ, req)
}

// OperationSet tracks in-flight operations so they can be aborted together.
type OperationSet struct {
	mu      sync.Mutex
	next    int
	cancels map[int]context.CancelFunc
}

// NewOperationSet creates an empty set.
func NewOperationSet() *OperationSet {
	return &OperationSet{cancels: map[int]context.CancelFunc{}}
}

// Start registers an operation and returns its context. done must be called
// when the operation finishes.
func (s *OperationSet) Start(parent context.Context) (ctx context.Context, done func()) {
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	id := s.next
	s.next++
	s.cancels[id] = cancel
	s.mu.Unlock()

	return ctx, func() {
		s.mu.Lock()
		delete(s.cancels, id)
		s.mu.Unlock()
		cancel()
	}
}

// Len returns the number of operations in flight.
func (s *OperationSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cancels)
}

// AbortAll cancels every operation in flight.
func (s *OperationSet) AbortAll() {
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = map[int]context.CancelFunc{}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
