package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/fractary/faber/internal/core"
)

// Cancel marks the run cancelled. Cancellation is terminal and is a state
// change only: running hooks or agents are not signalled.
func (m *Machine) Cancel(ctx context.Context, runID, reason string) (*core.Run, error) {
	run, err := m.mutate(ctx, runID, func(run *core.Run, now time.Time) error {
		if run.Status.IsTerminal() {
			return terminalError(run)
		}
		run.Status = core.RunStatusCancelled
		run.CancelledAt = &now
		run.Errors = append(run.Errors, core.RunError{
			Type:      core.RunErrorCancellation,
			Timestamp: now,
			Reason:    reason,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.WithRun(runID).Info("run cancelled", "reason", reason)
	return run, nil
}

// Pause suspends a run until Resume.
func (m *Machine) Pause(ctx context.Context, runID, reason string) (*core.Run, error) {
	run, err := m.mutate(ctx, runID, func(run *core.Run, now time.Time) error {
		if run.Status.IsTerminal() {
			return terminalError(run)
		}
		if run.Status == core.RunStatusPaused {
			return core.ErrState(core.CodeInvalidTransition, "run is already paused").
				WithDetail("run_id", run.RunID)
		}
		run.Status = core.RunStatusPaused
		run.PausedAt = &now
		run.Errors = append(run.Errors, core.RunError{
			Type:      core.RunErrorPause,
			Timestamp: now,
			Reason:    reason,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.WithRun(runID).Info("run paused", "reason", reason)
	return run, nil
}

// ResumePoint tells the orchestrator where to continue.
type ResumePoint struct {
	RunID       string           `json:"run_id"`
	Phase       core.Phase       `json:"phase"`
	PhaseStatus core.PhaseStatus `json:"phase_status"`
	RetryCount  int              `json:"retry_count"`
	Run         *core.Run        `json:"run"`
}

// Resume points the run at its first incomplete phase and marks it in
// progress. Identity, artifacts and the error log are kept as they are.
func (m *Machine) Resume(ctx context.Context, runID string) (*ResumePoint, error) {
	var point ResumePoint
	run, err := m.mutate(ctx, runID, func(run *core.Run, _ time.Time) error {
		if run.Status.IsTerminal() {
			return terminalError(run)
		}
		phase := run.FirstIncompletePhase()
		if phase == "" {
			return core.ErrState(core.CodeRunTerminal, "every phase is already completed").
				WithDetail("run_id", run.RunID)
		}
		ps := run.Phase(phase)
		run.CurrentPhase = phase
		run.Status = core.RunStatusInProgress
		run.PausedAt = nil

		point = ResumePoint{
			RunID:       run.RunID,
			Phase:       phase,
			PhaseStatus: ps.Status,
			RetryCount:  ps.RetryCount,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	point.Run = run
	m.logger.WithRun(runID).WithPhase(string(point.Phase)).Info("run resumed",
		"phase_status", point.PhaseStatus, "retry_count", point.RetryCount)
	return &point, nil
}

// SetArtifact records an artifact reference on the run.
func (m *Machine) SetArtifact(ctx context.Context, runID, key string, value any) (*core.Run, error) {
	if key == "" {
		return nil, core.ErrValidation(core.CodeInvalidID, "artifact key must not be empty")
	}
	return m.mutate(ctx, runID, func(run *core.Run, _ time.Time) error {
		if run.Status.IsTerminal() {
			return terminalError(run)
		}
		if run.Artifacts == nil {
			run.Artifacts = map[string]any{}
		}
		run.Artifacts[key] = value
		return nil
	})
}

func terminalError(run *core.Run) error {
	return core.ErrState(core.CodeRunTerminal, fmt.Sprintf("run %s is %s", run.RunID, run.Status)).
		WithDetail("run_id", run.RunID).
		WithDetail("status", string(run.Status))
}
