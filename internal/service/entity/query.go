package entity

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/fractary/faber/internal/adapters/state"
	"github.com/fractary/faber/internal/core"
)

// QueryByStepAction returns entities having a step with the given action
// and, when status is not empty, that execution status. Entities that
// vanished since they were indexed are skipped.
func (t *Tracker) QueryByStepAction(ctx context.Context, action string, status core.ExecutionStatus, limit int) ([]*core.Entity, error) {
	if action == "" {
		return nil, core.ErrValidation(core.CodeInvalidID, "step_action is required")
	}
	if status != "" {
		if _, err := core.ParseExecutionStatus(string(status)); err != nil {
			return nil, err
		}
	}
	if limit <= 0 {
		limit = t.queryLimit
	}

	refs, err := t.candidates(ctx, action, string(status), limit)
	if err != nil {
		return nil, err
	}

	loaded := make([]*core.Entity, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.concurrency)
	for i, ref := range refs {
		g.Go(func() error {
			e, err := t.Get(gctx, ref.Type, ref.ID)
			if err != nil {
				if core.IsCategory(err, core.ErrCatNotFound) {
					return nil
				}
				return err
			}
			loaded[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	results := make([]*core.Entity, 0, limit)
	for _, e := range loaded {
		if e == nil || !matches(e, action, status) {
			continue
		}
		results = append(results, e)
		if len(results) == limit {
			break
		}
	}
	return results, nil
}

// candidates asks the index for twice the limit so that entities skipped
// during loading still leave enough results. Without an index, or when the
// index fails, every entity file is a candidate.
func (t *Tracker) candidates(ctx context.Context, action, status string, limit int) ([]state.EntityRef, error) {
	if t.index != nil {
		refs, err := t.index.QueryByStepAction(ctx, action, status, limit*2)
		if err == nil {
			return refs, nil
		}
		t.logger.Warn("entity index query failed, scanning entity files", "step_action", action, "error", err)
	}
	refs, err := t.layout.ListEntities()
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// matches re-checks a loaded entity since the index may lag behind it.
func matches(e *core.Entity, action string, status core.ExecutionStatus) bool {
	for _, st := range e.StepStatus {
		if st.StepAction == action && (status == "" || st.ExecutionStatus == status) {
			return true
		}
	}
	return false
}

// RecentUpdates returns the newest index updates. Without an index it
// falls back to the entities' own updated_at.
func (t *Tracker) RecentUpdates(ctx context.Context, limit int) ([]RecentUpdate, error) {
	if limit <= 0 {
		limit = t.queryLimit
	}
	if t.index != nil {
		updates, err := t.index.Recent(ctx, limit)
		if err == nil {
			return updates, nil
		}
		t.logger.Warn("entity index query failed, scanning entity files", "error", err)
	}

	refs, err := t.layout.ListEntities()
	if err != nil {
		return nil, err
	}
	updates := []RecentUpdate{}
	for _, ref := range refs {
		e, err := t.Get(ctx, ref.Type, ref.ID)
		if err != nil {
			if core.IsCategory(err, core.ErrCatNotFound) {
				continue
			}
			return nil, err
		}
		updates = append(updates, RecentUpdate{
			EntityType: e.EntityType,
			EntityID:   e.EntityID,
			Version:    e.Version,
			UpdatedAt:  e.UpdatedAt,
		})
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].UpdatedAt.After(updates[j].UpdatedAt) })
	if len(updates) > limit {
		updates = updates[:limit]
	}
	return updates, nil
}
