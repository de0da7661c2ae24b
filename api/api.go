// Package api exposes the engine's submission, query, control, and
// stats operations over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	conveyor "github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/engine"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
)

// Server serves the conveyor HTTP API.
type Server struct {
	engine *engine.Engine
	logger *slog.Logger
}

// NewServer creates a server over a built engine.
func NewServer(e *engine.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: e, logger: logger}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs/{jobID}/status", s.handleStatus)
		r.Post("/jobs/{jobID}/cancel", s.handleCancel)
		r.Post("/jobs/{jobID}/retry", s.handleRetry)
		r.Get("/stats", s.handleStats)
	})
	return r
}

type submitRequest struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Priority       string          `json:"priority,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type == "" {
		s.respondError(w, http.StatusBadRequest, "type is required")
		return
	}

	opts := []job.Option{}
	if req.Priority != "" {
		p, err := job.ParsePriority(req.Priority)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts = append(opts, job.WithPriority(p))
	}
	if req.TimeoutSeconds > 0 {
		opts = append(opts, job.WithTimeout(time.Duration(req.TimeoutSeconds)*time.Second))
	}

	jobID, err := s.engine.Submit(r.Context(), req.Type, req.Payload, opts...)
	if err != nil {
		switch {
		case errors.Is(err, conveyor.ErrUnknownJobType):
			s.respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, conveyor.ErrQueueFull):
			s.respondError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.internalError(w, "submit", err)
		}
		return
	}

	s.respondJSON(w, http.StatusAccepted, submitResponse{JobID: jobID.String()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobID(w, r)
	if !ok {
		return
	}

	status, err := s.engine.GetStatus(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, conveyor.ErrJobNotFound) {
			s.respondError(w, http.StatusNotFound, "job not found")
			return
		}
		s.internalError(w, "status", err)
		return
	}

	s.respondJSON(w, http.StatusOK, status)
}

type cancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobID(w, r)
	if !ok {
		return
	}

	cancelled, err := s.engine.Cancel(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, conveyor.ErrJobNotFound) {
			s.respondError(w, http.StatusNotFound, "job not found")
			return
		}
		s.internalError(w, "cancel", err)
		return
	}

	s.respondJSON(w, http.StatusOK, cancelResponse{Cancelled: cancelled})
}

type retryRequest struct {
	ResumeFrom string `json:"resume_from,omitempty"`
}

type retryResponse struct {
	Retried bool `json:"retried"`
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobID(w, r)
	if !ok {
		return
	}

	var req retryRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	retried, err := s.engine.Retry(r.Context(), jobID, req.ResumeFrom)
	if err != nil {
		switch {
		case errors.Is(err, conveyor.ErrJobNotFound):
			s.respondError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, conveyor.ErrQueueFull):
			s.respondError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.internalError(w, "retry", err)
		}
		return
	}

	s.respondJSON(w, http.StatusOK, retryResponse{Retried: retried})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.GetStats(r.Context())
	if err != nil {
		s.internalError(w, "stats", err)
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

func (s *Server) jobID(w http.ResponseWriter, r *http.Request) (id.JobID, bool) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid job id")
		return id.Nil, false
	}
	return jobID, true
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, code int, msg string) {
	s.respondJSON(w, code, errorResponse{Error: msg})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("api error", "op", op, "error", err)
	s.respondError(w, http.StatusInternalServerError, "internal error")
}
