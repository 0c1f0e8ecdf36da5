package core

import (
	"strings"
	"testing"
)

func TestPhaseOrder(t *testing.T) {
	phases := AllPhases()
	if len(phases) != 5 {
		t.Fatalf("expected 5 phases, got %d", len(phases))
	}
	for i, p := range phases {
		if PhaseOrder(p) != i {
			t.Errorf("PhaseOrder(%s) = %d, want %d", p, PhaseOrder(p), i)
		}
	}
	if PhaseOrder("unknown") != -1 {
		t.Errorf("expected -1 for unknown phase")
	}
}

func TestNextPrevPhase(t *testing.T) {
	if NextPhase(PhaseFrame) != PhaseArchitect {
		t.Errorf("NextPhase(frame) = %s", NextPhase(PhaseFrame))
	}
	if NextPhase(PhaseRelease) != "" {
		t.Errorf("NextPhase(release) should be empty")
	}
	if PrevPhase(PhaseFrame) != "" {
		t.Errorf("PrevPhase(frame) should be empty")
	}
	if PrevPhase(PhaseEvaluate) != PhaseBuild {
		t.Errorf("PrevPhase(evaluate) = %s", PrevPhase(PhaseEvaluate))
	}
}

func TestParsePhase(t *testing.T) {
	p, err := ParsePhase("build")
	if err != nil || p != PhaseBuild {
		t.Fatalf("ParsePhase(build) = %s, %v", p, err)
	}

	_, err = ParsePhase("arch")
	if err == nil {
		t.Fatal("expected error for abbreviated phase")
	}
	if !IsCategory(err, ErrCatValidation) {
		t.Errorf("expected validation category, got %s", GetCategory(err))
	}
	if !strings.Contains(err.Error(), "architect") {
		t.Errorf("expected suggestion in %q", err.Error())
	}
}

func TestParsePhaseStatus(t *testing.T) {
	for _, s := range []string{"pending", "in_progress", "completed", "failed"} {
		if _, err := ParsePhaseStatus(s); err != nil {
			t.Errorf("ParsePhaseStatus(%q) error = %v", s, err)
		}
	}
	if _, err := ParsePhaseStatus("done"); err == nil {
		t.Error("expected error for unknown status")
	}
}
