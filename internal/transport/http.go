package transport

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/agleyzer/dashlive/internal/errs"
)

// Default retry parameters.
const (
	DefaultTimeout       = 30 * time.Second
	DefaultRetryAttempts = 2
	DefaultRetryDelay    = 500 * time.Millisecond
	DefaultRetryMaxDelay = 8 * time.Second
	DefaultBackoffFactor = 2.0
	DefaultUserAgent     = "dashlive/1.0"

	acceptEncoding = "gzip, deflate, br"
)

// RetryConfig controls how failed requests are repeated.
type RetryConfig struct {
	// Attempts is the number of retries after the first try.
	Attempts      int
	Delay         time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Timeout       time.Duration
}

// DefaultRetryConfig returns the retry parameters used when none are set.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:      DefaultRetryAttempts,
		Delay:         DefaultRetryDelay,
		MaxDelay:      DefaultRetryMaxDelay,
		BackoffFactor: DefaultBackoffFactor,
		Timeout:       DefaultTimeout,
	}
}

// HTTPRequester implements Requester over net/http with retries, URI
// fallback and transparent decompression.
type HTTPRequester struct {
	client    *http.Client
	retry     RetryConfig
	log       *slog.Logger
	userAgent string
}

// NewHTTPRequester creates a requester. A nil client gets one with the
// configured timeout.
func NewHTTPRequester(client *http.Client, retry RetryConfig, logger *slog.Logger) *HTTPRequester {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: retry.Timeout}
	}
	if retry.BackoffFactor < 1 {
		retry.BackoffFactor = DefaultBackoffFactor
	}
	return &HTTPRequester{
		client:    client,
		retry:     retry,
		log:       logger.With("component", "transport"),
		userAgent: DefaultUserAgent,
	}
}

// Request fetches req, cycling through its URIs on every retry.
func (h *HTTPRequester) Request(ctx context.Context, typ RequestType, req Request) (*Response, error) {
	if len(req.URIs) == 0 {
		return nil, fmt.Errorf("%s request has no URIs", typ)
	}

	var lastErr error
	delay := h.retry.Delay
	for attempt := 0; attempt <= h.retry.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, errs.Aborted()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * h.retry.BackoffFactor)
			if h.retry.MaxDelay > 0 && delay > h.retry.MaxDelay {
				delay = h.retry.MaxDelay
			}
		}

		uri := req.URIs[attempt%len(req.URIs)]
		resp, err := h.do(ctx, typ, uri, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, errs.Aborted()
		}
		lastErr = err
		if !retryable(err) {
			break
		}
		h.log.Warn("request failed",
			slog.String("type", typ.String()),
			slog.String("uri", uri),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}
	return nil, lastErr
}

func (h *HTTPRequester) do(ctx context.Context, typ RequestType, uri string, req Request) (*Response, error) {
	if strings.HasPrefix(uri, "data:") {
		data, err := DecodeDataURI(uri)
		if err != nil {
			return nil, err
		}
		return &Response{URI: uri, OriginalURI: uri, Data: data, Status: http.StatusOK, Headers: http.Header{}}, nil
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	hreq, err := http.NewRequestWithContext(ctx, method, uri, nil)
	if err != nil {
		return nil, errs.New(errs.Critical, errs.CategoryNetwork, errs.HTTPError, uri, err)
	}
	hreq.Header.Set("User-Agent", h.userAgent)
	hreq.Header.Set("Accept-Encoding", acceptEncoding)
	for k, v := range req.Headers {
		hreq.Header.Set(k, v)
	}
	if req.Ranged() {
		rng := fmt.Sprintf("bytes=%d-", req.StartByte)
		if req.EndByte >= 0 {
			rng += fmt.Sprint(req.EndByte)
		}
		hreq.Header.Set("Range", rng)
	}

	start := time.Now()
	resp, err := h.client.Do(hreq)
	if err != nil {
		var ne interface{ Timeout() bool }
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, errs.New(errs.Critical, errs.CategoryNetwork, errs.Timeout, uri, typ.String())
		}
		return nil, errs.New(errs.Critical, errs.CategoryNetwork, errs.HTTPError, uri, err, typ.String())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(h.decompress(resp))
	if err != nil {
		return nil, errs.New(errs.Critical, errs.CategoryNetwork, errs.HTTPError, uri, err, typ.String())
	}
	h.log.Debug("request completed",
		slog.String("type", typ.String()),
		slog.String("uri", uri),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
		slog.Int("bytes", len(body)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			Err:    errs.New(errs.Critical, errs.CategoryNetwork, errs.BadHTTPStatus, uri, resp.StatusCode, typ.String()),
			Status: resp.StatusCode,
		}
	}

	final := uri
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}
	return &Response{
		URI:         final,
		OriginalURI: uri,
		Data:        body,
		Headers:     resp.Header,
		Status:      resp.StatusCode,
	}, nil
}

// StatusError is returned for responses outside 2xx.
type StatusError struct {
	Err    *errs.Error
	Status int
}

func (e *StatusError) Error() string { return e.Err.Error() }

func (e *StatusError) Unwrap() error { return e.Err }

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		switch se.Status {
		case http.StatusRequestTimeout, http.StatusTooManyRequests:
			return true
		}
		return se.Status >= 500
	}
	return !errs.HasCode(err, errs.MalformedDataURI)
}

func (h *HTTPRequester) decompress(resp *http.Response) io.Reader {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		r, err := gzip.NewReader(resp.Body)
		if err != nil {
			h.log.Warn("failed to create gzip reader, returning raw body", slog.String("error", err.Error()))
			return resp.Body
		}
		return r
	case "deflate":
		return flate.NewReader(resp.Body)
	case "br":
		return brotli.NewReader(resp.Body)
	default:
		return resp.Body
	}
}

// DecodeDataURI returns the payload of a data: URI.
func DecodeDataURI(uri string) ([]byte, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return nil, errs.New(errs.Critical, errs.CategoryNetwork, errs.MalformedDataURI, uri)
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, errs.New(errs.Critical, errs.CategoryNetwork, errs.MalformedDataURI, uri)
	}
	if strings.HasSuffix(meta, ";base64") {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, errs.New(errs.Critical, errs.CategoryNetwork, errs.MalformedDataURI, uri, err)
		}
		return data, nil
	}
	text, err := url.PathUnescape(payload)
	if err != nil {
		return nil, errs.New(errs.Critical, errs.CategoryNetwork, errs.MalformedDataURI, uri, err)
	}
	return []byte(text), nil
}
