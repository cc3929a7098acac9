package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/seantiz/stevedore/internal/correlation"
	"github.com/seantiz/stevedore/internal/model"
	"github.com/seantiz/stevedore/internal/naming"
	"github.com/seantiz/stevedore/internal/resource"
)

const maxBodySize = 1 << 20 // 1 MB

// unitRequest is the JSON body of every work unit operation. Context is only
// read by launches.
type unitRequest struct {
	Unit    model.WorkUnit            `json:"unit"`
	Context resource.ContainerContext `json:"context"`
}

type launchFailureResponse struct {
	Error   string                `json:"error"`
	Reasons []model.FailureReason `json:"reasons"`
}

type asyncLaunchResponse struct {
	RunID    string `json:"run_id"`
	StepKey  string `json:"step_key,omitempty"`
	Resource string `json:"resource"`
}

type terminateResponse struct {
	Terminated bool `json:"terminated"`
}

type canTerminateResponse struct {
	CanTerminate bool `json:"can_terminate"`
}

type healthEventsResponse struct {
	Events []model.Event `json:"events"`
}

// decodeUnit reads a unitRequest and rejects units without a run id.
func (s *Server) decodeUnit(w http.ResponseWriter, r *http.Request) (unitRequest, bool) {
	var req unitRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return req, false
	}
	if req.Unit.RunID == "" {
		s.writeError(w, http.StatusBadRequest, "unit.run_id is required")
		return req, false
	}
	if req.Unit.AttemptNumber < 0 {
		s.writeError(w, http.StatusBadRequest, "unit.attempt_number must not be negative")
		return req, false
	}
	return req, true
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeUnit(w, r)
	if !ok {
		return
	}

	rec, err := s.delegator.Launch(r.Context(), req.Unit, req.Context)
	if err != nil {
		s.writeUnitError(w, "launch", req.Unit, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rec)
}

// handleAsyncLaunch accepts a launch and runs it after the response is sent.
// The outcome is observable through the run's event stream.
func (s *Server) handleAsyncLaunch(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeUnit(w, r)
	if !ok {
		return
	}

	ctx := context.WithoutCancel(r.Context())
	go func() {
		if _, err := s.delegator.Launch(ctx, req.Unit, req.Context); err != nil {
			s.logger.Error("async launch", "run_id", req.Unit.RunID, "step_key", req.Unit.StepKey, "error", err)
		}
	}()

	s.writeJSON(w, http.StatusAccepted, asyncLaunchResponse{
		RunID:    req.Unit.RunID,
		StepKey:  req.Unit.StepKey,
		Resource: naming.ResourceName(req.Unit.RunID, req.Unit.StepKey, req.Unit.AttemptNumber),
	})
}

func (s *Server) handleCheckHealth(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeUnit(w, r)
	if !ok {
		return
	}

	events, err := s.delegator.CheckHealth(r.Context(), req.Unit)
	if err != nil {
		s.writeUnitError(w, "check health", req.Unit, err)
		return
	}
	s.writeJSON(w, http.StatusOK, healthEventsResponse{Events: events})
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeUnit(w, r)
	if !ok {
		return
	}

	terminated, err := s.delegator.Terminate(r.Context(), req.Unit)
	if err != nil {
		s.writeUnitError(w, "terminate", req.Unit, err)
		return
	}
	s.writeJSON(w, http.StatusOK, terminateResponse{Terminated: terminated})
}

func (s *Server) handleCanTerminate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeUnit(w, r)
	if !ok {
		return
	}

	can, err := s.delegator.CanTerminate(r.Context(), req.Unit)
	if err != nil {
		s.writeUnitError(w, "can terminate", req.Unit, err)
		return
	}
	s.writeJSON(w, http.StatusOK, canTerminateResponse{CanTerminate: can})
}

// writeUnitError maps delegator errors onto status codes: configuration
// problems are the caller's, backend failures are upstream ones.
func (s *Server) writeUnitError(w http.ResponseWriter, op string, u model.WorkUnit, err error) {
	var (
		cfgErr     *model.ConfigurationError
		launchErr  *model.LaunchFailure
		backendErr *model.BackendError
	)
	switch {
	case errors.As(err, &cfgErr):
		s.writeError(w, http.StatusBadRequest, cfgErr.Error())
	case errors.As(err, &launchErr):
		s.writeJSON(w, http.StatusBadGateway, launchFailureResponse{Error: launchErr.Error(), Reasons: launchErr.Reasons})
	case errors.Is(err, correlation.ErrRecordExists):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &backendErr):
		s.logger.Error(op, "run_id", u.RunID, "step_key", u.StepKey, "error", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error(op, "run_id", u.RunID, "step_key", u.StepKey, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
