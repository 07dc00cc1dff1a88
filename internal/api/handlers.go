package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/perfqueue/internal/controller"
	"github.com/livinlefevreloca/perfqueue/internal/db"
	"github.com/livinlefevreloca/perfqueue/internal/notify"
	"github.com/livinlefevreloca/perfqueue/internal/queue"
	"github.com/livinlefevreloca/perfqueue/internal/recurrence"
)

// =============================================================================
// Runs
// =============================================================================

// EnqueueRequest is the body of POST /api/v1/runs
type EnqueueRequest struct {
	ID            string          `json:"id,omitempty"`
	Account       string          `json:"account"`
	Controller    string          `json:"controller"`
	Scenario      string          `json:"scenario,omitempty"`
	Configuration json.RawMessage `json:"configuration,omitempty"`
}

// EnqueueResponse is the reply to POST /api/v1/runs
type EnqueueResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	if req.Account == "" {
		s.writeError(w, http.StatusBadRequest, "account is required")
		return
	}
	if _, err := controller.Parse(req.Controller); err != nil {
		s.writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	id := s.queue.Enqueue(queue.RunRequest{
		ID:            req.ID,
		Account:       req.Account,
		Controller:    req.Controller,
		Scenario:      req.Scenario,
		Configuration: req.Configuration,
	})

	s.writeJSON(w, http.StatusAccepted, EnqueueResponse{ID: id})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.queue.Status())
}

// =============================================================================
// Tokens
// =============================================================================

// TokenRegistration is the body of POST /api/v1/tokens, sent by runners
type TokenRegistration struct {
	Key   string `json:"key"`
	Token string `json:"token"`
}

func (s *Server) handleRegisterToken(w http.ResponseWriter, r *http.Request) {
	var reg TokenRegistration
	if err := decodeBody(w, r, &reg); err != nil {
		s.writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if reg.Key == "" || reg.Token == "" {
		s.writeError(w, http.StatusBadRequest, "key and token are required")
		return
	}

	s.tokens.Register(reg.Key, reg.Token)
	s.logger.Debug("runner token registered", "key", reg.Key)

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLookupToken(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	token, ok := s.tokens.Lookup(key)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no token for key %q", key)
		return
	}

	s.writeJSON(w, http.StatusOK, TokenRegistration{Key: key, Token: token})
}

// =============================================================================
// Scheduled Experiments
// =============================================================================

// ExperimentRequest is the body of POST /api/v1/accounts/{account}/experiments
// and PUT /api/v1/experiments/{id}
type ExperimentRequest struct {
	ID            string          `json:"id,omitempty"`
	Label         string          `json:"label"`
	Controller    string          `json:"controller"`
	Scenario      string          `json:"scenario,omitempty"`
	Configuration json.RawMessage `json:"configuration,omitempty"`
	StartTime     *time.Time      `json:"start_time,omitempty"`
	Repeating     bool            `json:"repeating"`
	RepeatDays    string          `json:"repeat_days,omitempty"`
	RepeatHours   string          `json:"repeat_hours,omitempty"`
	RepeatMinutes string          `json:"repeat_minutes,omitempty"`
}

// schedule validates the request and returns its start and first execution time
func (req ExperimentRequest) schedule(now time.Time) (time.Time, *time.Time, error) {
	if req.Label == "" {
		return time.Time{}, nil, fmt.Errorf("label is required")
	}
	if _, err := controller.Parse(req.Controller); err != nil {
		return time.Time{}, nil, err
	}

	start := now
	if req.StartTime != nil {
		start = req.StartTime.UTC()
	}

	next, err := recurrence.NextExecution(start, req.Repeating, req.RepeatDays, req.RepeatHours, req.RepeatMinutes, now)
	if err != nil {
		return time.Time{}, nil, err
	}
	return start, next, nil
}

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	account := r.PathValue("account")

	exps, err := s.store.LoadScheduledExperiments(account)
	if err != nil {
		s.logger.Error("failed to load scheduled experiments", "account", account, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load scheduled experiments")
		return
	}

	s.writeJSON(w, http.StatusOK, notify.NewExperimentViews(exps))
}

func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	account := r.PathValue("account")

	var req ExperimentRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	now := s.now().UTC()
	start, next, err := req.schedule(now)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	exp := &db.ScheduledExperiment{
		ID:                req.ID,
		Account:           account,
		Label:             req.Label,
		Controller:        req.Controller,
		Scenario:          req.Scenario,
		Configuration:     req.Configuration,
		StartTime:         start,
		AddedTime:         now,
		Repeating:         req.Repeating,
		RepeatDays:        req.RepeatDays,
		RepeatHours:       req.RepeatHours,
		RepeatMinutes:     req.RepeatMinutes,
		NextExecutionTime: next,
	}
	if exp.ID == "" {
		exp.ID = uuid.NewString()
	}

	if err := s.store.CreateScheduledExperiment(exp); err != nil {
		if db.IsDuplicate(err) {
			s.writeError(w, http.StatusConflict, "scheduled experiment %q already exists", exp.ID)
			return
		}
		s.logger.Error("failed to create scheduled experiment", "account", account, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create scheduled experiment")
		return
	}

	s.logger.Info("scheduled experiment created",
		"experiment_id", exp.ID,
		"account", account,
		"next_execution_time", next)
	s.notifier.Notify(account)

	s.writeJSON(w, http.StatusCreated, notify.NewExperimentView(*exp))
}

// handleUpdateExperiment replaces an experiment's definition and recomputes its
// next execution time. Account, added time and duration history are kept.
func (s *Server) handleUpdateExperiment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req ExperimentRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if req.ID != "" && req.ID != id {
		s.writeError(w, http.StatusBadRequest, "body id %q does not match path id %q", req.ID, id)
		return
	}

	now := s.now().UTC()
	start, next, err := req.schedule(now)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	exp, err := s.store.LoadScheduledExperiment(id)
	if err == nil {
		exp.Label = req.Label
		exp.Controller = req.Controller
		exp.Scenario = req.Scenario
		exp.Configuration = req.Configuration
		exp.StartTime = start
		exp.Repeating = req.Repeating
		exp.RepeatDays = req.RepeatDays
		exp.RepeatHours = req.RepeatHours
		exp.RepeatMinutes = req.RepeatMinutes
		exp.NextExecutionTime = next
		err = s.store.StoreScheduledExperiment(exp)
	}
	if err != nil {
		if db.IsNotFound(err) {
			s.writeError(w, http.StatusNotFound, "scheduled experiment %q not found", id)
			return
		}
		s.logger.Error("failed to update scheduled experiment", "experiment_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to update scheduled experiment")
		return
	}

	s.logger.Info("scheduled experiment updated",
		"experiment_id", id,
		"account", exp.Account,
		"next_execution_time", next)
	s.notifier.Notify(exp.Account)

	s.writeJSON(w, http.StatusOK, notify.NewExperimentView(*exp))
}

func (s *Server) handleDeleteExperiment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	exp, err := s.store.LoadScheduledExperiment(id)
	if err == nil {
		err = s.store.DeleteScheduledExperiment(id)
	}
	if err != nil {
		if db.IsNotFound(err) {
			s.writeError(w, http.StatusNotFound, "scheduled experiment %q not found", id)
			return
		}
		s.logger.Error("failed to delete scheduled experiment", "experiment_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete scheduled experiment")
		return
	}

	s.logger.Info("scheduled experiment deleted", "experiment_id", id, "account", exp.Account)
	s.notifier.Notify(exp.Account)

	w.WriteHeader(http.StatusNoContent)
}
