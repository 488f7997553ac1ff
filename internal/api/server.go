package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/title-fanout/internal/config"
	"github.com/JakeFAU/title-fanout/internal/fanout"
	"github.com/JakeFAU/title-fanout/internal/metrics"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxRequestBytes  = 1 << 20
)

// Orchestrator is the run surface the handlers drive.
type Orchestrator interface {
	Start(ctx context.Context, items []string) (string, error)
	Get(ctx context.Context, runID string) (fanout.Run, error)
	History(ctx context.Context, runID string) ([]fanout.Event, error)
	List(ctx context.Context, limit int) ([]fanout.Run, error)
	Cancel(ctx context.Context, runID, reason string) error
}

// ReadyCheck reports whether a downstream dependency is usable.
type ReadyCheck func(ctx context.Context) error

// RequestIDs produces request correlation IDs.
type RequestIDs interface {
	NewRequestID() string
}

// Server wires HTTP handlers to the orchestrator.
type Server struct {
	router       chi.Router
	orchestrator Orchestrator
	cfg          config.Config
	logger       *zap.Logger
	checks       []ReadyCheck
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	orchestrator Orchestrator,
	ids RequestIDs,
	cfg config.Config,
	logger *zap.Logger,
	checks ...ReadyCheck,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		orchestrator: orchestrator,
		cfg:          cfg,
		logger:       logger.Named("api"),
		checks:       checks,
	}
	timeout := cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware(ids))
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1/runs", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/", s.startRun)
		r.Get("/", s.listRuns)
		r.Route("/{run_id}", func(r chi.Router) {
			r.Get("/", s.getRun)
			r.Get("/status", s.getRunStatus)
			r.Get("/events", s.getRunEvents)
			r.Post("/cancel", s.cancelRun)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	for _, check := range s.checks {
		if err := check(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type startRunRequest struct {
	Items []string `json:"items"`
}

type startRunResponse struct {
	RunID string `json:"run_id"`
}

type statusResponse struct {
	Status fanout.RunStatus `json:"status"`
	Output string           `json:"output,omitempty"`
	Error  string           `json:"error,omitempty"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := decodeOptional(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	items := req.Items
	if len(items) == 0 {
		items = s.cfg.Orchestrator.DefaultItems
	}
	runID, err := s.orchestrator.Start(r.Context(), items)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/runs/"+runID+"/status")
	s.writeJSON(w, http.StatusAccepted, startRunResponse{RunID: runID})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}
	runs, err := s.orchestrator.List(r.Context(), limit)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if runs == nil {
		runs = []fanout.Run{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.orchestrator.Get(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) getRunStatus(w http.ResponseWriter, r *http.Request) {
	run, err := s.orchestrator.Get(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{Status: run.Status, Output: run.Output, Error: run.ErrorText})
}

func (s *Server) getRunEvents(w http.ResponseWriter, r *http.Request) {
	history, err := s.orchestrator.History(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": history})
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	var req cancelRequest
	if err := decodeOptional(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.orchestrator.Cancel(r.Context(), runID, req.Reason); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": string(fanout.RunCanceled)})
}

// decodeOptional decodes a JSON body into dst. An empty body leaves dst untouched.
func decodeOptional(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.Error(err),
		)
	}
	s.writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, fanout.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, fanout.ErrRunTerminal):
		return http.StatusConflict
	case errors.Is(err, fanout.ErrEmptyRun), errors.Is(err, fanout.ErrInvalidItem):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(w, s.logger, status, payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, s.logger, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
