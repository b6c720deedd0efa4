// Package api serves the detection pipeline over HTTP: event submission,
// detection queries, analyst feedback, statistics, health, and Prometheus
// metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lucid-vigil/warden/pkg/events"
	"github.com/lucid-vigil/warden/pkg/metrics"
	"github.com/lucid-vigil/warden/pkg/model"
	"github.com/lucid-vigil/warden/pkg/service"
	"github.com/lucid-vigil/warden/pkg/store"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	maxRequestBody   = 1 << 20
	shutdownTimeout  = 10 * time.Second
)

// Server hosts the HTTP API.
type Server struct {
	svc       *service.Service
	validator *events.IngestValidator
	httpSrv   *http.Server
	logger    zerolog.Logger
}

// NewServer builds the server and its routes. validator may be nil to skip
// ingest validation beyond JSON decoding.
func NewServer(addr string, svc *service.Service, validator *events.IngestValidator, logger zerolog.Logger) *Server {
	s := &Server{
		svc:       svc,
		validator: validator,
		logger:    logger.With().Str("component", "api_server").Logger(),
	}

	router := mux.NewRouter()
	router.Use(s.recoveryMiddleware, s.loggingMiddleware, limitBodyMiddleware)

	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/events", s.handleSubmitEvent).Methods(http.MethodPost)
	v1.HandleFunc("/detections", s.handleListDetections).Methods(http.MethodGet)
	v1.HandleFunc("/detections/{id}", s.handleGetDetection).Methods(http.MethodGet)
	v1.HandleFunc("/feedback", s.handleFeedback).Methods(http.MethodPost)
	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the configured router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("API server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info().Msg("API server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

type eventRequest struct {
	EventID        string                 `json:"event_id"`
	Timestamp      *time.Time             `json:"timestamp"`
	ProcessName    string                 `json:"process_name"`
	CommandLine    string                 `json:"command_line"`
	ParentImage    string                 `json:"parent_image"`
	User           string                 `json:"user"`
	IntegrityLevel string                 `json:"integrity_level"`
	RawData        map[string]interface{} `json:"raw_event_data"`
}

func (s *Server) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.EventsRejected.Inc()
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ev := &model.Event{
		ExternalID:     req.EventID,
		ProcessName:    req.ProcessName,
		CommandLine:    req.CommandLine,
		ParentImage:    req.ParentImage,
		User:           req.User,
		IntegrityLevel: req.IntegrityLevel,
		RawData:        req.RawData,
	}
	if req.Timestamp != nil {
		ev.Timestamp = *req.Timestamp
	}

	if s.validator != nil {
		if err := s.validator.Validate(ev, clientHost(r)); err != nil {
			metrics.EventsRejected.Inc()
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	} else if ev.ProcessName == "" {
		metrics.EventsRejected.Inc()
		respondError(w, http.StatusBadRequest, "process_name is required")
		return
	}

	det, err := s.svc.Submit(r.Context(), ev)
	if err != nil {
		s.logger.Error().Err(err).Msg("Event submission failed")
		respondError(w, http.StatusInternalServerError, "failed to process event")
		return
	}
	respondJSON(w, http.StatusCreated, det)
}

func (s *Server) handleListDetections(w http.ResponseWriter, r *http.Request) {
	skip, err := parseIntParam(r, "skip", 0)
	if err != nil || skip < 0 {
		respondError(w, http.StatusBadRequest, "skip must be a non-negative integer")
		return
	}
	limit, err := parseIntParam(r, "limit", defaultListLimit)
	if err != nil || limit < 1 || limit > maxListLimit {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxListLimit))
		return
	}
	maliciousOnly := r.URL.Query().Get("malicious_only") == "true"

	detections, err := s.svc.ListDetections(r.Context(), skip, limit, maliciousOnly)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list detections")
		respondError(w, http.StatusInternalServerError, "failed to list detections")
		return
	}
	if detections == nil {
		detections = []*model.Detection{}
	}
	respondJSON(w, http.StatusOK, detections)
}

func (s *Server) handleGetDetection(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	det, err := s.svc.GetDetection(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "detection not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("detection_id", id).Msg("Failed to get detection")
		respondError(w, http.StatusInternalServerError, "failed to get detection")
		return
	}
	respondJSON(w, http.StatusOK, det)
}

type feedbackRequest struct {
	DetectionID string `json:"detection_id"`
	Feedback    string `json:"feedback"`
	Notes       string `json:"notes"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.DetectionID == "" {
		respondError(w, http.StatusBadRequest, "detection_id is required")
		return
	}

	det, err := s.svc.SubmitFeedback(r.Context(), req.DetectionID, model.FeedbackLabel(req.Feedback), req.Notes)
	if errors.Is(err, model.ErrInvalidFeedback) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "detection not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("detection_id", req.DetectionID).Msg("Failed to record feedback")
		respondError(w, http.StatusInternalServerError, "failed to record feedback")
		return
	}
	respondJSON(w, http.StatusOK, det)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to compute stats")
		respondError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Msg("Handler panicked")
				respondError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func limitBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already sent; an encode failure here has nowhere to go.
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func parseIntParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
