// Package server exposes a session over HTTP: the renderer websocket, the
// metrics endpoint, status and a small control API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexexpression/internal/attention"
	"github.com/normanking/cortexexpression/internal/compose"
	"github.com/normanking/cortexexpression/internal/config"
	"github.com/normanking/cortexexpression/internal/idle"
	"github.com/normanking/cortexexpression/internal/intent"
	"github.com/normanking/cortexexpression/internal/metrics"
	"github.com/normanking/cortexexpression/internal/session"
)

const maxBodyBytes = 1 << 20

// Server represents the HTTP server
type Server struct {
	session    *session.Session
	renderer   http.Handler
	metrics    *metrics.Metrics
	httpServer *http.Server
	startTime  time.Time
	logger     zerolog.Logger
}

// ErrorResponse is the body of every non-2xx API reply.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Uptime    string `json:"uptime"`
	Session   string `json:"session"`
	Timestamp string `json:"timestamp"`
}

// ClassifyResponse reports how a channel name is classified.
type ClassifyResponse struct {
	Name           string   `json:"name"`
	Category       string   `json:"category"`
	Priority       int      `json:"priority"`
	CombinableWith []string `json:"combinable"`
}

// New creates a new HTTP server. renderer serves the websocket path and may
// be nil; m may be nil to disable the metrics endpoint.
func New(cfg config.ServerConfig, s *session.Session, renderer http.Handler, m *metrics.Metrics, logger zerolog.Logger) *Server {
	srv := &Server{
		session:   s,
		renderer:  renderer,
		metrics:   m,
		startTime: time.Now(),
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", srv.healthHandler)
	if cfg.StatusPath != "" {
		mux.HandleFunc("GET "+cfg.StatusPath, srv.statusHandler)
	}
	if renderer != nil && cfg.WSPath != "" {
		mux.Handle(cfg.WSPath, renderer)
	}
	if m != nil && cfg.MetricsPath != "" {
		mux.Handle(cfg.MetricsPath, promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("POST /api/v1/intent", srv.intentHandler)
	mux.HandleFunc("POST /api/v1/speaking", srv.speakingHandler)
	mux.HandleFunc("POST /api/v1/gaze", srv.gazeHandler)
	mux.HandleFunc("DELETE /api/v1/gaze", srv.clearGazeHandler)
	mux.HandleFunc("GET /api/v1/idle", srv.getIdleHandler)
	mux.HandleFunc("PUT /api/v1/idle", srv.putIdleHandler)
	mux.HandleFunc("GET /api/v1/classify/{name}", srv.classifyHandler)

	srv.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

// Handler returns the routing handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server starting")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Session:   s.session.ID(),
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Status())
}

func (s *Server) intentHandler(w http.ResponseWriter, r *http.Request) {
	var e intent.Expression
	if !s.decode(w, r, &e) {
		return
	}
	if err := s.session.HandleExpression(e); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) speakingHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State string `json:"state"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.session.HandleSpeaking(strings.ToLower(req.State)); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) gazeHandler(w http.ResponseWriter, r *http.Request) {
	var g intent.Gaze
	if !s.decode(w, r, &g) {
		return
	}
	if err := s.session.HandleGaze(g); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) clearGazeHandler(w http.ResponseWriter, r *http.Request) {
	s.session.ClearLookAt()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getIdleHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, idleConfigFrom(s.session.Idle().Config()))
}

func (s *Server) putIdleHandler(w http.ResponseWriter, r *http.Request) {
	// Start from the current configuration so partial bodies only touch the
	// fields they name.
	cfg := idleConfigFrom(s.session.Idle().Config())
	if !s.decode(w, r, &cfg) {
		return
	}
	if err := s.session.UpdateIdleConfiguration(cfg.toIdle()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, idleConfigFrom(s.session.Idle().Config()))
}

func (s *Server) classifyHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	cl := s.session.Classifier().Classify(name)
	resp := ClassifyResponse{
		Name:     name,
		Category: cl.Category.String(),
		Priority: cl.Priority,
	}
	for _, c := range cl.CombinableWith {
		resp.CombinableWith = append(resp.CombinableWith, c.String())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

// writeError maps domain errors to status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var rejected *session.RejectedError
	switch {
	case errors.As(err, &rejected) && rejected.Reason != session.ReasonValidation:
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Reason: rejected.Reason})
	case errors.Is(err, compose.ErrValidation),
		errors.Is(err, attention.ErrInvalidTarget),
		errors.Is(err, idle.ErrInvalidConfiguration):
		reason := ""
		if rejected != nil {
			reason = rejected.Reason
		}
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Reason: reason})
	default:
		s.logger.Error().Err(err).Msg("Request failed")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
