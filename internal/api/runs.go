package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fractary/faber/internal/core"
	"github.com/fractary/faber/internal/service/workflow"
)

// InitRunRequest is the body of POST /runs.
type InitRunRequest struct {
	WorkID          string `json:"work_id"`
	WorkflowID      string `json:"workflow_id,omitempty"`
	WorkflowVersion string `json:"workflow_version,omitempty"`
	PlanID          string `json:"plan_id,omitempty"`
	RunID           string `json:"run_id,omitempty"`
}

// TransitionRequest is the body of POST /runs/{runID}/phases/{phase}.
type TransitionRequest struct {
	Status string         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
}

// ReasonRequest is the optional body of cancel and pause.
type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runs.List(r.Context())
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, runs)
}

func (s *Server) handleInitRun(w http.ResponseWriter, r *http.Request) {
	var req InitRunRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondDomainError(w, err)
		return
	}
	run, err := s.runs.Init(r.Context(), workflow.InitRequest{
		WorkID:          req.WorkID,
		WorkflowID:      req.WorkflowID,
		WorkflowVersion: req.WorkflowVersion,
		PlanID:          req.PlanID,
		RunID:           req.RunID,
	})
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Get(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleTransitionPhase(w http.ResponseWriter, r *http.Request) {
	phase, err := core.ParsePhase(chi.URLParam(r, "phase"))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	var req TransitionRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondDomainError(w, err)
		return
	}
	status, err := core.ParsePhaseStatus(req.Status)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	run, err := s.runs.TransitionPhase(r.Context(), chi.URLParam(r, "runID"), phase, status, req.Data)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondDomainError(w, err)
		return
	}
	run, err := s.runs.Cancel(r.Context(), chi.URLParam(r, "runID"), req.Reason)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) handlePauseRun(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondDomainError(w, err)
		return
	}
	run, err := s.runs.Pause(r.Context(), chi.URLParam(r, "runID"), req.Reason)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	point, err := s.runs.Resume(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, point)
}
