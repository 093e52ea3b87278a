// Package server provides the HTTP and WebSocket surface of the
// measurement service.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fitform/armeasure/internal/facade"
	"github.com/fitform/armeasure/internal/platform"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Config holds the server configuration.
type Config struct {
	Facade *facade.Facade
	// Bridges are the native skeleton feeds, keyed by platform name
	// ("arcore", "arkit").
	Bridges   map[string]*platform.Bridge
	StaticDir string
	Logger    logrus.FieldLogger
}

// Server represents the HTTP server for the measurement service.
type Server struct {
	config Config
	router *mux.Router
	stream *StreamHandler
	log    logrus.FieldLogger
	start  time.Time

	mu   sync.Mutex
	http *http.Server
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	log := config.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		config: config,
		router: mux.NewRouter(),
		log:    log.WithField("component", "server"),
		start:  time.Now(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	r := s.router
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)

	if f := s.config.Facade; f != nil {
		h := &measurementHandler{facade: f}
		r.HandleFunc("/api/session/start", h.startSession).Methods(http.MethodPost)
		r.HandleFunc("/api/session/stop", h.stopSession).Methods(http.MethodPost)
		r.HandleFunc("/api/session/status", h.sessionStatus).Methods(http.MethodGet)
		r.HandleFunc("/api/scans/{type}", h.markScan).Methods(http.MethodPost)
		r.HandleFunc("/api/config", h.loadConfiguration).Methods(http.MethodPut)
		r.HandleFunc("/api/measurements", h.measurements).Methods(http.MethodGet)
		r.HandleFunc("/api/measurements/submit", h.submit).Methods(http.MethodPost)
		r.HandleFunc("/api/measurements/history", h.history).Methods(http.MethodGet)
		r.HandleFunc("/api/submissions", h.submissions).Methods(http.MethodGet)

		s.stream = NewStreamHandler(f, s.log)
		r.Handle("/api/measurements/stream", s.stream).Methods(http.MethodGet)
	}

	if len(s.config.Bridges) > 0 {
		r.Handle("/api/bridge/{platform}", &BridgeHandler{
			bridges: s.config.Bridges,
			log:     s.log,
		}).Methods(http.MethodGet)
	}

	// Serve static files if StaticDir is configured. API paths never fall
	// through to it so method mismatches still report 405.
	if s.config.StaticDir != "" {
		r.PathPrefix("/").MatcherFunc(notAPI).Handler(http.FileServer(http.Dir(s.config.StaticDir)))
	}
}

func notAPI(r *http.Request, _ *mux.RouteMatch) bool {
	return !strings.HasPrefix(r.URL.Path, "/api/")
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleHealth handles GET requests to /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.start).String(),
	}
	if s.config.Facade != nil {
		response["session"] = s.config.Facade.GetSessionStatus().State
	}
	bridges := make(map[string]bool, len(s.config.Bridges))
	for name, b := range s.config.Bridges {
		bridges[name] = b.Connected()
	}
	response["bridges"] = bridges

	writeJSON(w, http.StatusOK, response)
}

// ListenAndServe starts the HTTP server on the given address and blocks
// until Shutdown is called or the listener fails.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	s.log.WithField("addr", addr).Info("HTTP server listening")
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and disconnects stream clients.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.stream != nil {
		s.stream.Close()
	}
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
