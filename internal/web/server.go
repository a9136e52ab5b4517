package web

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// ServerOption configures optional server endpoints.
type ServerOption func(*Handlers)

// WithSessions enables GET /sessions backed by l.
func WithSessions(l SessionLister) ServerOption {
	return func(h *Handlers) { h.Sessions = l }
}

// WithMetrics exposes the gatherer's metrics on GET /metrics.
func WithMetrics(g prometheus.Gatherer) ServerOption {
	return func(h *Handlers) {
		h.Metrics = promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
}

// NewServer creates a server configured for the given address and dependencies.
func NewServer(addr string, broadcaster *StatusBroadcaster, runCapture RunCaptureFunc, formDefaults FormConfig, opts ...ServerOption) *Server {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		log.Fatalf("web: failed to sub static fs: %v", err)
	}

	handlers := NewHandlers(broadcaster, runCapture, formDefaults, subFS)
	for _, opt := range opts {
		opt(handlers)
	}

	return &Server{
		addr:     addr,
		handlers: handlers,
	}
}

// Handlers returns the server's handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /run", s.handlers.HandleRun)
	mux.HandleFunc("POST /cancel", s.handlers.HandleCancel)
	mux.HandleFunc("GET /config", s.handlers.HandleConfig)
	mux.HandleFunc("GET /summary", s.handlers.HandleSummary)
	mux.HandleFunc("GET /sessions", s.handlers.HandleSessions)
	mux.HandleFunc("GET /status/stream", s.handlers.HandleStatusStream)
	if s.handlers.Metrics != nil {
		mux.Handle("GET /metrics", s.handlers.Metrics)
	}
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(s.handlers.staticFS))))
	mux.HandleFunc("GET /{$}", s.handlers.ServeIndex) // exact match for root only

	return mux
}

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
// Sessions started over HTTP are cancelled with ctx.
func (s *Server) Run(ctx context.Context) error {
	s.handlers.SetBaseContext(ctx)
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
