// Package server exposes the watched presentation over HTTP: HLS playlists
// rendered from the current manifest plus health and control endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/agleyzer/dashlive/internal/hls"
)

const shutdownTimeout = 10 * time.Second

// Playlist renders HLS playlists of the current presentation.
type Playlist interface {
	GenerateMaster() (string, error)
	GenerateStream(ctx context.Context, id int) (string, error)
	GetStats() map[string]interface{}
}

// StatsFunc contributes a named section to the health report.
type StatsFunc func() map[string]interface{}

// Option configures a Server.
type Option func(*Server)

// WithStats adds a section to the health report.
func WithStats(name string, fn StatsFunc) Option {
	return func(s *Server) { s.stats[name] = fn }
}

// WithBanHandler enables POST /locations/ban.
func WithBanHandler(fn func(uri string)) Option {
	return func(s *Server) { s.ban = fn }
}

// Server serves the live HLS view of the presentation.
type Server struct {
	playlist   Playlist
	port       int
	logger     *slog.Logger
	stats      map[string]StatsFunc
	ban        func(uri string)
	router     *chi.Mux
	httpServer *http.Server
}

// New creates a new HTTP server.
func New(playlist Playlist, port int, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		playlist: playlist,
		port:     port,
		logger:   logger,
		stats:    map[string]StatsFunc{},
	}
	for _, o := range opts {
		o(s)
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.loggingMiddleware)

	r.Get("/playlist.m3u8", s.handlePlaylist)
	r.Get("/stream/{id}/playlist.m3u8", s.handleStream)
	r.Get("/health", s.handleHealth)
	if s.ban != nil {
		r.Post("/locations/ban", s.handleBan)
	}
	s.router = r
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "port", s.port)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("starting server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// handlePlaylist serves the master playlist.
func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	content, err := s.playlist.GenerateMaster()
	s.writePlaylist(w, content, err)
}

// handleStream serves the media playlist of one stream.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid stream id", http.StatusBadRequest)
		return
	}
	content, err := s.playlist.GenerateStream(r.Context(), id)
	s.writePlaylist(w, content, err)
}

func (s *Server) writePlaylist(w http.ResponseWriter, content string, err error) {
	if err != nil {
		status := http.StatusNotFound
		if errors.Is(err, hls.ErrNotReady) {
			status = http.StatusServiceUnavailable
		}
		s.logger.Debug("playlist unavailable", "error", err)
		http.Error(w, err.Error(), status)
		return
	}

	// Set HLS-specific headers
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(content))
}

// handleHealth serves health check information
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status": "ok",
		"stats":  s.playlist.GetStats(),
	}
	for name, fn := range s.stats {
		health[name] = fn()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(health)
}

// handleBan excludes a location from base URL selection.
func (s *Server) handleBan(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.Query().Get("uri")
	if uri == "" {
		http.Error(w, "uri is required", http.StatusBadRequest)
		return
	}
	s.ban(uri)
	w.WriteHeader(http.StatusNoContent)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", ww.Status(),
			"request_id", chimiddleware.GetReqID(r.Context()),
			"duration", time.Since(start),
		)
	})
}
