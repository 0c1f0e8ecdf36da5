package core

import "fmt"

// BoundaryEvent names a point around a phase where hooks run.
type BoundaryEvent string

// BoundaryEvents returns the ten boundary events in execution order.
func BoundaryEvents() []BoundaryEvent {
	events := make([]BoundaryEvent, 0, 10)
	for _, p := range AllPhases() {
		events = append(events, BoundaryEvent("pre_"+p), BoundaryEvent("post_"+p))
	}
	return events
}

// PreEvent returns the event fired before p starts.
func PreEvent(p Phase) BoundaryEvent { return BoundaryEvent("pre_" + p) }

// PostEvent returns the event fired after p ends.
func PostEvent(p Phase) BoundaryEvent { return BoundaryEvent("post_" + p) }

// ParseBoundaryEvent validates an event name.
func ParseBoundaryEvent(s string) (BoundaryEvent, error) {
	names := make([]string, 0, 10)
	for _, e := range BoundaryEvents() {
		if string(e) == s {
			return e, nil
		}
		names = append(names, string(e))
	}
	msg := fmt.Sprintf("invalid boundary event: %q", s)
	if suggestion := Suggest(s, names); suggestion != "" {
		msg += fmt.Sprintf(" (did you mean %q?)", suggestion)
	}
	return "", ErrValidation(CodeInvalidEvent, msg)
}
