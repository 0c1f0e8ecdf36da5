package hooks

import (
	"context"
	"errors"

	"github.com/fractary/faber/internal/core"
)

// Bind appends hooks to the list run at event.
func (e *Engine) Bind(event core.BoundaryEvent, hooks ...Hook) {
	e.bindings[event] = append(e.bindings[event], hooks...)
}

// BindDescriptors parses and binds hooks keyed by event name, as found in
// the hooks.events configuration section.
func (e *Engine) BindDescriptors(events map[string][]Descriptor) error {
	for name, descs := range events {
		event, err := core.ParseBoundaryEvent(name)
		if err != nil {
			return err
		}
		for i, d := range descs {
			h, err := Parse(d)
			if err != nil {
				var de *core.DomainError
				if errors.As(err, &de) {
					return de.WithDetail("event", name).WithDetail("index", i)
				}
				return err
			}
			e.Bind(event, h)
		}
	}
	return nil
}

// HooksFor returns the hooks bound to event, in order.
func (e *Engine) HooksFor(event core.BoundaryEvent) []Hook {
	return append([]Hook(nil), e.bindings[event]...)
}

// RunEvent executes the hooks bound to event in order and stops at the
// first failure. Results of the hooks that ran are returned either way.
func (e *Engine) RunEvent(ctx context.Context, event core.BoundaryEvent, hc Context) ([]*Result, error) {
	hc.Event = string(event)
	hooks := e.bindings[event]
	results := make([]*Result, 0, len(hooks))
	for _, h := range hooks {
		res, err := e.Execute(ctx, h, hc)
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			return results, err
		}
	}
	return results, nil
}
