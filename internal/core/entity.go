package core

import (
	"fmt"
	"time"
)

// ExecutionStatus is the execution state of a step on an entity.
type ExecutionStatus string

const (
	ExecPending    ExecutionStatus = "pending"
	ExecInProgress ExecutionStatus = "in_progress"
	ExecSuccess    ExecutionStatus = "success"
	ExecFailure    ExecutionStatus = "failure"
	ExecSkipped    ExecutionStatus = "skipped"
	ExecCancelled  ExecutionStatus = "cancelled"
)

// OutcomeStatus describes the result of a completed step.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailure OutcomeStatus = "failure"
	OutcomePartial OutcomeStatus = "partial"
	OutcomeSkipped OutcomeStatus = "skipped"
	OutcomeWarning OutcomeStatus = "warning"
)

// ParseExecutionStatus validates an execution status string.
func ParseExecutionStatus(s string) (ExecutionStatus, error) {
	switch st := ExecutionStatus(s); st {
	case ExecPending, ExecInProgress, ExecSuccess, ExecFailure, ExecSkipped, ExecCancelled:
		return st, nil
	default:
		return "", ErrValidation(CodeInvalidStatus, fmt.Sprintf("invalid execution status: %q", s))
	}
}

// ParseOutcomeStatus validates an optional outcome status. Empty is allowed.
func ParseOutcomeStatus(s string) (OutcomeStatus, error) {
	switch st := OutcomeStatus(s); st {
	case "", OutcomeSuccess, OutcomeFailure, OutcomePartial, OutcomeSkipped, OutcomeWarning:
		return st, nil
	default:
		return "", ErrValidation(CodeInvalidStatus, fmt.Sprintf("invalid outcome status: %q", s))
	}
}

// Executor identifies the run that last executed a step.
type Executor struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
	WorkID     string `json:"work_id,omitempty"`
}

// StepStatus is the current-truth record for one step of an entity.
type StepStatus struct {
	ExecutionStatus ExecutionStatus `json:"execution_status"`
	OutcomeStatus   OutcomeStatus   `json:"outcome_status,omitempty"`
	Phase           Phase           `json:"phase"`
	StepAction      string          `json:"step_action,omitempty"`
	StepType        string          `json:"step_type,omitempty"`
	LastExecutedAt  time.Time       `json:"last_executed_at"`
	LastExecutedBy  Executor        `json:"last_executed_by"`
	RetryCount      int             `json:"retry_count"`
	ExecutionCount  int             `json:"execution_count"`
}

// Entity is a long-lived tracked unit spanning many runs.
type Entity struct {
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	Version    int                    `json:"version"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
	StepStatus map[string]*StepStatus `json:"step_status"`
}

// Key returns "type/id", the identity used by indices.
func (e *Entity) Key() string {
	return e.EntityType + "/" + e.EntityID
}

// HistoryEntry is one immutable execution record.
type HistoryEntry struct {
	EntryID         string          `json:"entry_id"`
	StepID          string          `json:"step_id"`
	ExecutionStatus ExecutionStatus `json:"execution_status"`
	OutcomeStatus   OutcomeStatus   `json:"outcome_status,omitempty"`
	Phase           Phase           `json:"phase"`
	StepAction      string          `json:"step_action,omitempty"`
	StepType        string          `json:"step_type,omitempty"`
	ExecutedAt      time.Time       `json:"executed_at"`
	WorkflowID      string          `json:"workflow_id"`
	RunID           string          `json:"run_id"`
	WorkID          string          `json:"work_id,omitempty"`
	SessionID       string          `json:"session_id,omitempty"`
	DurationMS      int64           `json:"duration_ms"`
	RetryCount      int             `json:"retry_count"`
	RetryReason     string          `json:"retry_reason,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	EntityVersion   int             `json:"entity_version"`
}

// WorkflowSummary aggregates history per workflow.
type WorkflowSummary struct {
	RunCount       int       `json:"run_count"`
	StepCount      int       `json:"step_count"`
	LastRunID      string    `json:"last_run_id"`
	LastExecutedAt time.Time `json:"last_executed_at"`
}

// EntityHistory is the append-only companion document of an entity.
type EntityHistory struct {
	EntityType      string                      `json:"entity_type"`
	EntityID        string                      `json:"entity_id"`
	StepHistory     []HistoryEntry              `json:"step_history"`
	WorkflowSummary map[string]*WorkflowSummary `json:"workflow_summary"`
}

// NewEntity creates an entity at version 1.
func NewEntity(entityType, entityID string, now time.Time) *Entity {
	return &Entity{
		EntityType: entityType,
		EntityID:   entityID,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
		StepStatus: map[string]*StepStatus{},
	}
}

// NewEntityHistory creates an empty history document.
func NewEntityHistory(entityType, entityID string) *EntityHistory {
	return &EntityHistory{
		EntityType:      entityType,
		EntityID:        entityID,
		StepHistory:     []HistoryEntry{},
		WorkflowSummary: map[string]*WorkflowSummary{},
	}
}

// Append adds an entry and folds it into the workflow summary. A new run id
// for a workflow counts as a new run.
func (h *EntityHistory) Append(entry HistoryEntry) {
	h.StepHistory = append(h.StepHistory, entry)
	if h.WorkflowSummary == nil {
		h.WorkflowSummary = map[string]*WorkflowSummary{}
	}
	s, ok := h.WorkflowSummary[entry.WorkflowID]
	if !ok {
		s = &WorkflowSummary{}
		h.WorkflowSummary[entry.WorkflowID] = s
	}
	if s.LastRunID != entry.RunID && !h.seenRun(entry.WorkflowID, entry.RunID) {
		s.RunCount++
	}
	s.StepCount++
	s.LastRunID = entry.RunID
	s.LastExecutedAt = entry.ExecutedAt
}

// seenRun reports whether runID appeared in history before the last entry.
func (h *EntityHistory) seenRun(workflowID, runID string) bool {
	for _, e := range h.StepHistory[:len(h.StepHistory)-1] {
		if e.WorkflowID == workflowID && e.RunID == runID {
			return true
		}
	}
	return false
}

// ExecutionCounts returns the number of history entries per step id.
func (h *EntityHistory) ExecutionCounts() map[string]int {
	counts := make(map[string]int)
	for _, e := range h.StepHistory {
		counts[e.StepID]++
	}
	return counts
}
