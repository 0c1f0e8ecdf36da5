package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fractary/faber/internal/core"
	"github.com/fractary/faber/internal/service/entity"
)

// RecordStepRequest is the body of POST /entities/{type}/{id}/steps.
type RecordStepRequest struct {
	StepID          string `json:"step_id"`
	ExecutionStatus string `json:"execution_status"`
	OutcomeStatus   string `json:"outcome_status,omitempty"`
	Phase           string `json:"phase"`
	StepAction      string `json:"step_action,omitempty"`
	StepType        string `json:"step_type,omitempty"`
	WorkflowID      string `json:"workflow_id"`
	RunID           string `json:"run_id"`
	WorkID          string `json:"work_id,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
	DurationMS      int64  `json:"duration_ms,omitempty"`
	RetryCount      int    `json:"retry_count,omitempty"`
	RetryReason     string `json:"retry_reason,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	e, err := s.entities.Get(r.Context(), chi.URLParam(r, "entityType"), chi.URLParam(r, "entityID"))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

func (s *Server) handleCreateEntity(w http.ResponseWriter, r *http.Request) {
	e, err := s.entities.Create(r.Context(), chi.URLParam(r, "entityType"), chi.URLParam(r, "entityID"))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, e)
}

func (s *Server) handleEntityHistory(w http.ResponseWriter, r *http.Request) {
	h, err := s.entities.History(r.Context(), chi.URLParam(r, "entityType"), chi.URLParam(r, "entityID"))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, h)
}

func (s *Server) handleRecordStep(w http.ResponseWriter, r *http.Request) {
	var req RecordStepRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondDomainError(w, err)
		return
	}
	res, err := s.entities.RecordStep(r.Context(), entity.StepRecord{
		EntityType:      chi.URLParam(r, "entityType"),
		EntityID:        chi.URLParam(r, "entityID"),
		StepID:          req.StepID,
		ExecutionStatus: core.ExecutionStatus(req.ExecutionStatus),
		OutcomeStatus:   core.OutcomeStatus(req.OutcomeStatus),
		Phase:           core.Phase(req.Phase),
		StepAction:      req.StepAction,
		StepType:        req.StepType,
		WorkflowID:      req.WorkflowID,
		RunID:           req.RunID,
		WorkID:          req.WorkID,
		SessionID:       req.SessionID,
		DurationMS:      req.DurationMS,
		RetryCount:      req.RetryCount,
		RetryReason:     req.RetryReason,
		ErrorMessage:    req.ErrorMessage,
	})
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleQueryEntities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	entities, err := s.entities.QueryByStepAction(r.Context(),
		q.Get("step_action"), core.ExecutionStatus(q.Get("execution_status")), limit)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entities)
}

func (s *Server) handleRecentEntities(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	updates, err := s.entities.RecentUpdates(r.Context(), limit)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, updates)
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, core.ErrValidation(core.CodeInvalidLimit, "limit must be a non-negative integer").WithDetail("limit", s)
	}
	return n, nil
}
