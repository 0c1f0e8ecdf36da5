package core

import (
	"fmt"

	"github.com/sahilm/fuzzy"
)

// Phase represents a stage in the FABER cycle.
type Phase string

const (
	// PhaseFrame captures the work item and frames the problem.
	PhaseFrame Phase = "frame"

	// PhaseArchitect produces the design and plan.
	PhaseArchitect Phase = "architect"

	// PhaseBuild implements the design.
	PhaseBuild Phase = "build"

	// PhaseEvaluate tests and reviews the build.
	PhaseEvaluate Phase = "evaluate"

	// PhaseRelease ships the result. Completing it completes the run.
	PhaseRelease Phase = "release"
)

// AllPhases returns all phases in execution order.
func AllPhases() []Phase {
	return []Phase{PhaseFrame, PhaseArchitect, PhaseBuild, PhaseEvaluate, PhaseRelease}
}

// PhaseOrder returns the numeric order of a phase (0-indexed).
func PhaseOrder(p Phase) int {
	switch p {
	case PhaseFrame:
		return 0
	case PhaseArchitect:
		return 1
	case PhaseBuild:
		return 2
	case PhaseEvaluate:
		return 3
	case PhaseRelease:
		return 4
	default:
		return -1
	}
}

// NextPhase returns the phase following the given phase.
// Returns empty string if current phase is the last.
func NextPhase(p Phase) Phase {
	phases := AllPhases()
	i := PhaseOrder(p)
	if i < 0 || i+1 >= len(phases) {
		return ""
	}
	return phases[i+1]
}

// PrevPhase returns the phase preceding the given phase.
// Returns empty string if current phase is the first.
func PrevPhase(p Phase) Phase {
	i := PhaseOrder(p)
	if i <= 0 {
		return ""
	}
	return AllPhases()[i-1]
}

// ValidPhase checks if a phase string is valid.
func ValidPhase(p Phase) bool {
	return PhaseOrder(p) >= 0
}

// ParsePhase converts a string to a Phase with validation.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !ValidPhase(p) {
		msg := fmt.Sprintf("invalid phase: %q", s)
		if suggestion := Suggest(s, phaseNames()); suggestion != "" {
			msg += fmt.Sprintf(" (did you mean %q?)", suggestion)
		}
		return "", ErrValidation(CodeInvalidPhase, msg)
	}
	return p, nil
}

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}

func phaseNames() []string {
	names := make([]string, 0, 5)
	for _, p := range AllPhases() {
		names = append(names, string(p))
	}
	return names
}

// Suggest returns the best fuzzy match for input among candidates, or ""
// when nothing matches.
func Suggest(input string, candidates []string) string {
	if input == "" {
		return ""
	}
	matches := fuzzy.Find(input, candidates)
	if len(matches) == 0 {
		return ""
	}
	return matches[0].Str
}

// PhaseStatus is the status of a single phase within a run.
type PhaseStatus string

const (
	PhaseStatusPending    PhaseStatus = "pending"
	PhaseStatusInProgress PhaseStatus = "in_progress"
	PhaseStatusCompleted  PhaseStatus = "completed"
	PhaseStatusFailed     PhaseStatus = "failed"
)

// ParsePhaseStatus validates a phase status string.
func ParsePhaseStatus(s string) (PhaseStatus, error) {
	switch st := PhaseStatus(s); st {
	case PhaseStatusPending, PhaseStatusInProgress, PhaseStatusCompleted, PhaseStatusFailed:
		return st, nil
	default:
		return "", ErrValidation(CodeInvalidStatus,
			fmt.Sprintf("invalid phase status: %q (want pending, in_progress, completed or failed)", s))
	}
}
