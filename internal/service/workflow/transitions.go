package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/fractary/faber/internal/core"
)

// TransitionPhase moves phase to status. Requests that break phase order or
// name an unsupported pair are refused; nothing is ever reordered or retried
// on the caller's behalf.
func (m *Machine) TransitionPhase(ctx context.Context, runID string, phase core.Phase, status core.PhaseStatus, data map[string]any) (*core.Run, error) {
	if _, err := core.ParsePhase(string(phase)); err != nil {
		return nil, err
	}
	if _, err := core.ParsePhaseStatus(string(status)); err != nil {
		return nil, err
	}

	var from core.PhaseStatus
	run, err := m.mutate(ctx, runID, func(run *core.Run, now time.Time) error {
		from = run.Phase(phase).Status
		return m.apply(run, phase, status, data, now)
	})
	if err != nil {
		return nil, err
	}

	log := m.logger.WithRun(runID).WithPhase(string(phase))
	switch status {
	case core.PhaseStatusFailed:
		log.Warn("phase failed", "from", from, "retry_count", run.Phase(phase).RetryCount)
	default:
		log.Info("phase transition", "from", from, "to", status, "run_status", run.Status)
	}
	return run, nil
}

func (m *Machine) apply(run *core.Run, phase core.Phase, to core.PhaseStatus, data map[string]any, now time.Time) error {
	switch {
	case run.Status.IsTerminal():
		return terminalError(run)
	case run.Status == core.RunStatusPaused:
		return core.ErrState(core.CodeInvalidTransition, fmt.Sprintf("run %s is paused; resume it first", run.RunID)).
			WithDetail("run_id", run.RunID)
	}

	ps := run.Phase(phase)
	from := ps.Status

	switch {
	case from == core.PhaseStatusPending && to == core.PhaseStatusInProgress:
		if err := requireEarlierCompleted(run, phase); err != nil {
			return err
		}
		ps.StartedAt = &now
		ps.CompletedAt = nil
		ps.FailedAt = nil
		ps.Status = core.PhaseStatusInProgress
		ps.MergeData(data)
		run.CurrentPhase = phase
		run.Status = core.RunStatusInProgress

	case from == core.PhaseStatusInProgress && to == core.PhaseStatusCompleted:
		ps.CompletedAt = &now
		ps.Status = core.PhaseStatusCompleted
		ps.MergeData(data)
		run.CurrentPhase = phase
		if phase == core.PhaseRelease {
			run.Status = core.RunStatusCompleted
			run.CompletedAt = &now
		}

	case from == core.PhaseStatusInProgress && to == core.PhaseStatusFailed:
		ps.FailedAt = &now
		ps.Status = core.PhaseStatusFailed
		ps.MergeData(data)
		run.CurrentPhase = phase
		run.Status = core.RunStatusFailed
		run.Errors = append(run.Errors, core.RunError{
			Phase:     phase,
			Timestamp: now,
			Data:      data,
		})

	case from == core.PhaseStatusFailed && to == core.PhaseStatusInProgress:
		if err := m.consumeRetry(run, phase, ps); err != nil {
			return err
		}
		ps.StartedAt = &now
		ps.FailedAt = nil
		ps.CompletedAt = nil
		ps.Status = core.PhaseStatusInProgress
		ps.MergeData(data)
		run.CurrentPhase = phase
		run.Status = core.RunStatusInProgress

	case to == core.PhaseStatusPending && from != core.PhaseStatusPending:
		if err := requireLaterPending(run, phase); err != nil {
			return err
		}
		if from == core.PhaseStatusFailed {
			if err := m.consumeRetry(run, phase, ps); err != nil {
				return err
			}
		}
		ps.Reset()
		ps.MergeData(data)
		run.CurrentPhase = phase
		run.Status = core.RunStatusInProgress

	default:
		return core.ErrValidation(core.CodeInvalidTransition,
			fmt.Sprintf("invalid transition for phase %s: %s -> %s", phase, from, to)).
			WithDetail("phase", string(phase)).
			WithDetail("from", string(from)).
			WithDetail("to", string(to))
	}
	return nil
}

// consumeRetry counts one retry of a failed phase. Exceeding the budget is
// an escalation for a human, not something the engine loops on.
func (m *Machine) consumeRetry(run *core.Run, phase core.Phase, ps *core.PhaseState) error {
	if ps.RetryCount+1 > m.maxRetries {
		return core.ErrEscalation(core.CodeRetryLimit,
			fmt.Sprintf("phase %s has used %d of %d retries", phase, ps.RetryCount, m.maxRetries)).
			WithDetail("run_id", run.RunID).
			WithDetail("phase", string(phase)).
			WithDetail("retry_count", ps.RetryCount).
			WithDetail("max_retries", m.maxRetries)
	}
	ps.RetryCount++
	return nil
}

func requireEarlierCompleted(run *core.Run, phase core.Phase) error {
	for _, p := range core.AllPhases()[:core.PhaseOrder(phase)] {
		if st := run.Phase(p).Status; st != core.PhaseStatusCompleted {
			return core.ErrValidation(core.CodePhaseOutOfOrder,
				fmt.Sprintf("cannot start %s: earlier phase %s is %s", phase, p, st)).
				WithDetail("phase", string(phase)).
				WithDetail("blocking_phase", string(p)).
				WithDetail("blocking_status", string(st))
		}
	}
	return nil
}

func requireLaterPending(run *core.Run, phase core.Phase) error {
	for _, p := range core.AllPhases()[core.PhaseOrder(phase)+1:] {
		if st := run.Phase(p).Status; st != core.PhaseStatusPending {
			return core.ErrValidation(core.CodePhaseOutOfOrder,
				fmt.Sprintf("cannot reset %s: later phase %s is %s", phase, p, st)).
				WithDetail("phase", string(phase)).
				WithDetail("blocking_phase", string(p)).
				WithDetail("blocking_status", string(st))
		}
	}
	return nil
}
