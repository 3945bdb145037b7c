package metric

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/ofsaga/errors"
)

// Server exposes the registry over HTTP
type Server struct {
	addr     string
	path     string
	server   *http.Server
	registry *MetricsRegistry
	health   http.Handler
	mu       sync.Mutex
}

// NewServer creates a metrics server listening on addr (host:port)
func NewServer(addr, path string, registry *MetricsRegistry) *Server {
	if path == "" {
		path = "/metrics"
	}
	if addr == "" {
		addr = ":9090"
	}
	return &Server{addr: addr, path: path, registry: registry}
}

// SetHealthHandler replaces the default /health handler. Call it before Start.
func (s *Server) SetHealthHandler(h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = h
}

// Handler returns the HTTP handler serving metrics and a health check
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(
		s.registry.PrometheusRegistry(),
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))
	if s.health != nil {
		mux.Handle("/health", s.health)
	} else {
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		})
	}
	return mux
}

// Start serves until Stop is called. It blocks like http.Server.ListenAndServe.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.server != nil {
		s.mu.Unlock()
		return errors.WrapInvalid(fmt.Errorf("server already running"), "Server", "Start", "start metrics server")
	}
	if s.registry == nil {
		s.mu.Unlock()
		return errors.WrapFatal(fmt.Errorf("nil registry"), "Server", "Start", "start metrics server")
	}
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.server = srv
	s.mu.Unlock()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.WrapFatal(err, "Server", "Start", fmt.Sprintf("listen on %s", s.addr))
	}
	return nil
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.server = nil
	if err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown metrics server")
	}
	return nil
}
