package entity

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/fractary/faber/internal/core"
)

// RebuildIndex empties the index and repopulates it from the entity files.
// It returns the number of entities indexed.
func (t *Tracker) RebuildIndex(ctx context.Context) (int, error) {
	if t.index == nil {
		return 0, core.ErrState(core.CodeStateCorrupted, "no entity index configured")
	}
	refs, err := t.layout.ListEntities()
	if err != nil {
		return 0, err
	}
	if err := t.index.Reset(ctx); err != nil {
		return 0, err
	}

	entities := make([]*core.Entity, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.concurrency)
	for i, ref := range refs {
		g.Go(func() error {
			e, err := t.Get(gctx, ref.Type, ref.ID)
			if err != nil {
				if core.IsCategory(err, core.ErrCatNotFound) {
					return nil
				}
				return fmt.Errorf("loading %s/%s: %w", ref.Type, ref.ID, err)
			}
			entities[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	// SQLite serialises writers anyway; reindex sequentially.
	n := 0
	for _, e := range entities {
		if e == nil {
			continue
		}
		if err := t.index.Reindex(ctx, e); err != nil {
			return n, err
		}
		n++
	}
	t.logger.Info("entity index rebuilt", "entities", n, "index", t.index.Path())
	return n, nil
}

// RebuildFromHistory recomputes an entity's state document from its history.
// The result has version 1 + number of history entries and one step status
// per step id, taken from the step's latest entry.
func (t *Tracker) RebuildFromHistory(ctx context.Context, entityType, entityID string) (*core.Entity, error) {
	paths, err := t.pathsFor(entityType, entityID)
	if err != nil {
		return nil, err
	}

	var rebuilt *core.Entity
	err = t.withEntityLock(ctx, entityType+"/"+entityID, paths.lock, func() error {
		var h core.EntityHistory
		if err := t.store.ReadInto(ctx, paths.history, &h); err != nil {
			if core.IsCategory(err, core.ErrCatNotFound) {
				return core.ErrNotFound("entity history", entityType+"/"+entityID)
			}
			return err
		}

		now := t.now().UTC()
		createdAt := now
		if prev, err := t.load(ctx, entityType, entityID, paths.state); err == nil {
			createdAt = prev.CreatedAt
		} else if len(h.StepHistory) > 0 {
			createdAt = h.StepHistory[0].ExecutedAt
		}

		e := core.NewEntity(entityType, entityID, createdAt)
		for _, entry := range h.StepHistory {
			applyStep(e, recordFromEntry(entry), entry.ExecutedAt)
			e.Version++
		}
		e.UpdatedAt = now

		if err := t.store.WriteJSON(ctx, paths.state, e); err != nil {
			return err
		}
		rebuilt = e
		return nil
	})
	if err != nil {
		return nil, err
	}

	if t.index != nil {
		if err := t.index.Reindex(ctx, rebuilt); err != nil {
			t.logger.WithEntity(entityType, entityID).Warn("entity index update failed", "error", err)
		}
	}
	t.logger.WithEntity(entityType, entityID).Info("entity rebuilt from history", "version", rebuilt.Version)
	return rebuilt, nil
}
