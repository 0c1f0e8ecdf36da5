package core

import (
	"strings"
	"testing"
)

func TestBoundaryEvents(t *testing.T) {
	events := BoundaryEvents()
	if len(events) != 10 {
		t.Fatalf("expected 10 events, got %d", len(events))
	}
	if events[0] != "pre_frame" || events[9] != "post_release" {
		t.Errorf("unexpected ordering: %v", events)
	}
	if PreEvent(PhaseBuild) != "pre_build" || PostEvent(PhaseBuild) != "post_build" {
		t.Error("Pre/PostEvent mismatch")
	}
}

func TestParseBoundaryEvent(t *testing.T) {
	if _, err := ParseBoundaryEvent("post_evaluate"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := ParseBoundaryEvent("post_evalute")
	if err == nil {
		t.Fatal("expected error for misspelled event")
	}
	if !strings.Contains(err.Error(), "post_evaluate") {
		t.Errorf("expected suggestion in %q", err.Error())
	}
	if !IsCategory(err, ErrCatValidation) {
		t.Errorf("category = %s, want validation", GetCategory(err))
	}
}
