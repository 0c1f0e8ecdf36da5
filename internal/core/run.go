package core

import (
	"time"
)

// RunStatus represents the overall state of a run.
type RunStatus string

const (
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
	RunStatusCancelled  RunStatus = "cancelled"
	RunStatusPaused     RunStatus = "paused"
)

// IsTerminal reports whether no further transitions are permitted.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusCancelled
}

// Run is one execution of a workflow for one work item.
type Run struct {
	RunID           string                `json:"run_id"`
	PlanID          string                `json:"plan_id,omitempty"`
	WorkID          string                `json:"work_id"`
	WorkflowID      string                `json:"workflow_id"`
	WorkflowVersion string                `json:"workflow_version,omitempty"`
	Status          RunStatus             `json:"status"`
	CurrentPhase    Phase                 `json:"current_phase"`
	LastEventID     string                `json:"last_event_id,omitempty"`
	StartedAt       time.Time             `json:"started_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
	CancelledAt     *time.Time            `json:"cancelled_at,omitempty"`
	PausedAt        *time.Time            `json:"paused_at,omitempty"`
	Phases          map[Phase]*PhaseState `json:"phases"`
	Artifacts       map[string]any        `json:"artifacts"`
	Errors          []RunError            `json:"errors"`
}

// PhaseState tracks a single phase of a run.
type PhaseState struct {
	Status      PhaseStatus    `json:"status"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	FailedAt    *time.Time     `json:"failed_at,omitempty"`
	RetryCount  int            `json:"retry_count"`
	Data        map[string]any `json:"data"`
}

// RunError is an entry in the run's append-only error log. Phase failures
// carry Phase and Data; cancellations carry Type and Reason.
type RunError struct {
	Phase     Phase          `json:"phase,omitempty"`
	Type      string         `json:"type,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

// Error types recorded in RunError.Type.
const (
	RunErrorCancellation = "cancellation"
	RunErrorPause        = "pause"
)

// NewRun creates a run in progress at the frame phase with every phase pending.
func NewRun(runID, workID, workflowID string, now time.Time) *Run {
	phases := make(map[Phase]*PhaseState, 5)
	for _, p := range AllPhases() {
		phases[p] = &PhaseState{
			Status: PhaseStatusPending,
			Data:   map[string]any{},
		}
	}
	return &Run{
		RunID:        runID,
		WorkID:       workID,
		WorkflowID:   workflowID,
		Status:       RunStatusInProgress,
		CurrentPhase: PhaseFrame,
		StartedAt:    now,
		UpdatedAt:    now,
		Phases:       phases,
		Artifacts:    map[string]any{},
		Errors:       []RunError{},
	}
}

// Phase returns the state for p, creating a pending entry if the document
// was written without it.
func (r *Run) Phase(p Phase) *PhaseState {
	if r.Phases == nil {
		r.Phases = make(map[Phase]*PhaseState, 5)
	}
	ps, ok := r.Phases[p]
	if !ok || ps == nil {
		ps = &PhaseState{Status: PhaseStatusPending, Data: map[string]any{}}
		r.Phases[p] = ps
	}
	return ps
}

// FirstIncompletePhase returns the earliest phase that is not completed.
// Returns empty string when every phase is completed.
func (r *Run) FirstIncompletePhase() Phase {
	for _, p := range AllPhases() {
		if r.Phase(p).Status != PhaseStatusCompleted {
			return p
		}
	}
	return ""
}

// Reset returns the phase to pending. RetryCount is an attempt counter and
// survives the reset.
func (ps *PhaseState) Reset() {
	ps.Status = PhaseStatusPending
	ps.StartedAt = nil
	ps.CompletedAt = nil
	ps.FailedAt = nil
	ps.Data = map[string]any{}
}

// MergeData shallow-merges data into the phase data.
func (ps *PhaseState) MergeData(data map[string]any) {
	if ps.Data == nil {
		ps.Data = make(map[string]any, len(data))
	}
	for k, v := range data {
		ps.Data[k] = v
	}
}
