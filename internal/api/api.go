// Package api exposes the execution queue, token registry and scheduled
// experiments over HTTP, and mounts the push channel.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/livinlefevreloca/perfqueue/internal/db"
	"github.com/livinlefevreloca/perfqueue/internal/queue"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 1 << 20

// Queue is the execution queue as seen by the API
type Queue interface {
	Enqueue(req queue.RunRequest) string
	Status() queue.Status
}

// Tokens is the readiness token registry
type Tokens interface {
	Register(key, token string)
	Lookup(key string) (string, bool)
}

// Store persists scheduled experiments
type Store interface {
	CreateScheduledExperiment(exp *db.ScheduledExperiment) error
	LoadScheduledExperiment(id string) (*db.ScheduledExperiment, error)
	LoadScheduledExperiments(account string) ([]db.ScheduledExperiment, error)
	StoreScheduledExperiment(exp *db.ScheduledExperiment) error
	DeleteScheduledExperiment(id string) error
}

// Notifier is told when an account's experiments change
type Notifier interface {
	Notify(account string)
}

// Server routes API requests
type Server struct {
	queue    Queue
	tokens   Tokens
	store    Store
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	mux *http.ServeMux
}

// New creates the API server. push, when non-nil, is mounted at pushPath.
func New(q Queue, tokens Tokens, store Store, notifier Notifier, push http.Handler, pushPath string, logger *slog.Logger) *Server {
	s := &Server{
		queue:    q,
		tokens:   tokens,
		store:    store,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		mux:      http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /api/v1/runs", s.handleEnqueue)
	s.mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/v1/tokens", s.handleRegisterToken)
	s.mux.HandleFunc("GET /api/v1/tokens/{key}", s.handleLookupToken)
	s.mux.HandleFunc("GET /api/v1/accounts/{account}/experiments", s.handleListExperiments)
	s.mux.HandleFunc("POST /api/v1/accounts/{account}/experiments", s.handleCreateExperiment)
	s.mux.HandleFunc("PUT /api/v1/experiments/{id}", s.handleUpdateExperiment)
	s.mux.HandleFunc("DELETE /api/v1/experiments/{id}", s.handleDeleteExperiment)

	if push != nil {
		s.mux.Handle(pushPath, push)
	}

	return s
}

// Handler returns the root handler with request logging
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		s.mux.ServeHTTP(rec, r)

		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

// statusRecorder captures the response status for logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying writer
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// errorResponse is the body of every non-2xx reply
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, format string, args ...any) {
	s.writeJSON(w, status, errorResponse{Error: fmt.Sprintf(format, args...)})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
