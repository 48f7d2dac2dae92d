// Package api serves the daemon's HTTP control surface
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bryanchriswhite/ScreenGuard/internal/advisory"
	"github.com/bryanchriswhite/ScreenGuard/internal/capture"
	"github.com/bryanchriswhite/ScreenGuard/internal/logger"
	"github.com/bryanchriswhite/ScreenGuard/internal/relay"
	"github.com/bryanchriswhite/ScreenGuard/internal/window"
	"github.com/gorilla/mux"
)

// Version is reported by the health endpoint
const Version = "0.1.0"

// Capture is the capture session the API drives
type Capture interface {
	Begin(ctx context.Context) error
	Stop()
	Status() capture.Status
	AcquireFrame() (*capture.Frame, bool)
}

// Advisories shows and hides the advisory overlay
type Advisories interface {
	Permitted() bool
	Show(severity advisory.Severity, subjectName string) (advisory.Session, error)
	Hide() bool
	Current() (advisory.Session, bool)
}

// Foreground reports the application in front of the user
type Foreground interface {
	Current() window.Foreground
}

// RelayStats reports decision relay counters
type RelayStats interface {
	Stats() relay.Stats
}

// Options wires the server to the daemon's components. Nil handlers
// leave their routes unregistered.
type Options struct {
	Capture    Capture
	Advisories Advisories
	Foreground Foreground
	Relay      RelayStats
	Decisions  http.Handler // WebSocket decision stream
	Preview    http.Handler // MJPEG capture preview
	Config     func() interface{}
}

// Server represents the HTTP API server
type Server struct {
	router *mux.Router
	opts   Options

	// ctx outlives requests; capture sessions are bound to it
	ctx context.Context
}

// NewServer creates a new API server. Capture sessions started over HTTP
// are bound to ctx rather than to the request.
func NewServer(ctx context.Context, opts Options) *Server {
	s := &Server{
		router: mux.NewRouter(),
		opts:   opts,
		ctx:    ctx,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/capture/start", s.handleCaptureStart).Methods("POST")
	api.HandleFunc("/capture/stop", s.handleCaptureStop).Methods("POST")
	api.HandleFunc("/capture/status", s.handleCaptureStatus).Methods("GET")
	api.HandleFunc("/capture/frame", s.handleCaptureFrame).Methods("GET")
	if s.opts.Preview != nil {
		api.Handle("/capture/stream", s.opts.Preview).Methods("GET")
	}

	api.HandleFunc("/overlay/permission", s.handleOverlayPermission).Methods("GET")
	api.HandleFunc("/overlay", s.handleOverlayShow).Methods("POST")
	api.HandleFunc("/overlay", s.handleOverlayCurrent).Methods("GET")
	api.HandleFunc("/overlay", s.handleOverlayHide).Methods("DELETE")

	api.HandleFunc("/foreground", s.handleForeground).Methods("GET")

	if s.opts.Decisions != nil {
		api.Handle("/advisory/events", s.opts.Decisions)
	}
	api.HandleFunc("/advisory/relay", s.handleRelayStats).Methods("GET")

	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// ServeHTTP makes the server usable as a handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.enableCORS(s.router).ServeHTTP(w, r)
}

// Run listens on port until ctx is done
func (s *Server) Run(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithComponent("api").Info().Int("port", port).Msgf("Starting server on http://localhost:%d", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithComponent("api").Warn().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Capture handlers

func (s *Server) handleCaptureStart(w http.ResponseWriter, r *http.Request) {
	err := s.opts.Capture.Begin(s.ctx)
	switch {
	case errors.Is(err, capture.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, capture.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, s.opts.Capture.Status())
	}
}

func (s *Server) handleCaptureStop(w http.ResponseWriter, r *http.Request) {
	s.opts.Capture.Stop()
	writeJSON(w, http.StatusOK, s.opts.Capture.Status())
}

func (s *Server) handleCaptureStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Capture.Status())
}

func (s *Server) handleCaptureFrame(w http.ResponseWriter, r *http.Request) {
	frame, ok := s.opts.Capture.AcquireFrame()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Seq", fmt.Sprint(frame.Seq))
	w.Header().Set("X-Frame-Captured-At", frame.CapturedAt.UTC().Format(time.RFC3339Nano))
	if _, err := w.Write(frame.Data); err != nil {
		logger.WithComponent("api").Warn().Err(err).Uint64("seq", frame.Seq).Msg("Failed to write frame")
	}
}

// Advisory handlers

type showRequest struct {
	Level   string `json:"level"`
	AppName string `json:"app_name"`
}

func (s *Server) handleOverlayPermission(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"permitted": s.opts.Advisories.Permitted()})
}

func (s *Server) handleOverlayShow(w http.ResponseWriter, r *http.Request) {
	var req showRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Level == "" {
		writeError(w, http.StatusBadRequest, "level is required")
		return
	}
	severity, err := advisory.ParseSeverity(req.Level)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	subject := req.AppName
	if subject == "" && s.opts.Foreground != nil {
		subject = s.opts.Foreground.Current().App
	}

	session, err := s.opts.Advisories.Show(severity, subject)
	switch {
	case errors.Is(err, advisory.ErrNotPermitted):
		writeError(w, http.StatusForbidden, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusCreated, session)
	}
}

func (s *Server) handleOverlayCurrent(w http.ResponseWriter, r *http.Request) {
	session, ok := s.opts.Advisories.Current()
	if !ok {
		writeError(w, http.StatusNotFound, "no advisory shown")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleOverlayHide(w http.ResponseWriter, r *http.Request) {
	if !s.opts.Advisories.Hide() {
		writeError(w, http.StatusNotFound, "no advisory shown")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRelayStats(w http.ResponseWriter, r *http.Request) {
	if s.opts.Relay == nil {
		writeError(w, http.StatusNotFound, "relay not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Relay.Stats())
}

// Other handlers

func (s *Server) handleForeground(w http.ResponseWriter, r *http.Request) {
	if s.opts.Foreground == nil {
		writeError(w, http.StatusNotFound, "foreground tracking disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Foreground.Current())
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if s.opts.Config == nil {
		writeError(w, http.StatusNotFound, "config not available")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Config())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": Version,
		"capture": s.opts.Capture.Status().State,
	})
}
