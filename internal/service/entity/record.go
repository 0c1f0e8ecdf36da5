package entity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fractary/faber/internal/core"
	"github.com/fractary/faber/internal/fsutil"
)

// StepRecord describes one execution of a step against an entity.
type StepRecord struct {
	EntityType      string               `json:"entity_type"`
	EntityID        string               `json:"entity_id"`
	StepID          string               `json:"step_id"`
	ExecutionStatus core.ExecutionStatus `json:"execution_status"`
	OutcomeStatus   core.OutcomeStatus   `json:"outcome_status,omitempty"`
	Phase           core.Phase           `json:"phase"`
	StepAction      string               `json:"step_action,omitempty"`
	StepType        string               `json:"step_type,omitempty"`
	WorkflowID      string               `json:"workflow_id"`
	RunID           string               `json:"run_id"`
	WorkID          string               `json:"work_id,omitempty"`
	SessionID       string               `json:"session_id,omitempty"`
	DurationMS      int64                `json:"duration_ms"`
	RetryCount      int                  `json:"retry_count"`
	RetryReason     string               `json:"retry_reason,omitempty"`
	ErrorMessage    string               `json:"error_message,omitempty"`
	ExecutedAt      time.Time            `json:"executed_at,omitempty"`
}

// Validate checks a record before anything is locked or read.
func (r *StepRecord) Validate() error {
	if !fsutil.ValidID(r.StepID) {
		return core.ErrValidation(core.CodeInvalidID, "invalid step_id: "+r.StepID).WithDetail("step_id", r.StepID)
	}
	if _, err := core.ParseExecutionStatus(string(r.ExecutionStatus)); err != nil {
		return err
	}
	if _, err := core.ParseOutcomeStatus(string(r.OutcomeStatus)); err != nil {
		return err
	}
	if _, err := core.ParsePhase(string(r.Phase)); err != nil {
		return err
	}
	if r.WorkflowID == "" || r.RunID == "" {
		return core.ErrValidation(core.CodeInvalidID, "workflow_id and run_id are required")
	}
	if r.DurationMS < 0 || r.RetryCount < 0 {
		return core.ErrValidation(core.CodeInvalidStatus, "duration_ms and retry_count must not be negative")
	}
	return nil
}

// RecordResult is what RecordStep persisted.
type RecordResult struct {
	Entity *core.Entity       `json:"entity"`
	Entry  *core.HistoryEntry `json:"history_entry"`
}

// RecordStep updates the entity's step status, bumps its version and
// appends a history entry, all under the entity lock. History is written
// before state so that every state version has its matching entry. When the
// state write fails the previous history is written back. History left ahead
// of state by a crash between the two writes is replayed onto the entity
// before the new step is applied.
func (t *Tracker) RecordStep(ctx context.Context, rec StepRecord) (*RecordResult, error) {
	paths, err := t.pathsFor(rec.EntityType, rec.EntityID)
	if err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	var result RecordResult
	key := rec.EntityType + "/" + rec.EntityID
	err = t.withEntityLock(ctx, key, paths.lock, func() error {
		e, err := t.load(ctx, rec.EntityType, rec.EntityID, paths.state)
		if err != nil {
			return err
		}

		var h core.EntityHistory
		if err := t.store.ReadInto(ctx, paths.history, &h); err != nil {
			if !core.IsCategory(err, core.ErrCatNotFound) {
				return err
			}
			h = *core.NewEntityHistory(rec.EntityType, rec.EntityID)
			t.logger.WithEntity(rec.EntityType, rec.EntityID).Warn("entity history missing, starting a new one")
		}
		if n := rollForward(e, &h); n > 0 {
			t.logger.WithEntity(rec.EntityType, rec.EntityID).Warn("entity state behind history, replayed missing entries",
				"entries", n, "version", e.Version)
		}
		prevHistory, err := json.Marshal(&h)
		if err != nil {
			return fmt.Errorf("snapshotting entity history: %w", err)
		}

		now := t.now().UTC()
		executedAt := rec.ExecutedAt
		if executedAt.IsZero() {
			executedAt = now
		}

		applyStep(e, rec, executedAt)
		e.Version++
		e.UpdatedAt = now

		entry := core.HistoryEntry{
			EntryID:         ulid.Make().String(),
			StepID:          rec.StepID,
			ExecutionStatus: rec.ExecutionStatus,
			OutcomeStatus:   rec.OutcomeStatus,
			Phase:           rec.Phase,
			StepAction:      rec.StepAction,
			StepType:        rec.StepType,
			ExecutedAt:      executedAt,
			WorkflowID:      rec.WorkflowID,
			RunID:           rec.RunID,
			WorkID:          rec.WorkID,
			SessionID:       rec.SessionID,
			DurationMS:      rec.DurationMS,
			RetryCount:      rec.RetryCount,
			RetryReason:     rec.RetryReason,
			ErrorMessage:    rec.ErrorMessage,
			EntityVersion:   e.Version,
		}
		h.Append(entry)

		if err := t.store.WriteJSON(ctx, paths.history, &h); err != nil {
			return err
		}
		if err := t.store.WriteJSON(ctx, paths.state, e); err != nil {
			if rbErr := t.store.WriteJSON(ctx, paths.history, json.RawMessage(prevHistory)); rbErr != nil {
				t.logger.WithEntity(rec.EntityType, rec.EntityID).Error("restoring entity history after failed state write",
					"entry_id", entry.EntryID, "error", rbErr)
			}
			return err
		}
		result = RecordResult{Entity: e, Entry: &entry}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log := t.logger.WithEntity(rec.EntityType, rec.EntityID)
	if t.index != nil {
		if err := t.index.RecordStep(ctx, result.Entity, rec.StepID); err != nil {
			log.Warn("entity index update failed", "step_id", rec.StepID, "error", err)
		}
	}
	log.Info("step recorded",
		"step_id", rec.StepID,
		"execution_status", rec.ExecutionStatus,
		"version", result.Entity.Version,
		"run_id", rec.RunID)
	return &result, nil
}

// applyStep merges rec into the entity's step status.
func applyStep(e *core.Entity, rec StepRecord, executedAt time.Time) {
	if e.StepStatus == nil {
		e.StepStatus = map[string]*core.StepStatus{}
	}
	st, ok := e.StepStatus[rec.StepID]
	if !ok {
		st = &core.StepStatus{}
		e.StepStatus[rec.StepID] = st
	}
	st.ExecutionStatus = rec.ExecutionStatus
	st.OutcomeStatus = rec.OutcomeStatus
	st.Phase = rec.Phase
	if rec.StepAction != "" {
		st.StepAction = rec.StepAction
	}
	if rec.StepType != "" {
		st.StepType = rec.StepType
	}
	st.LastExecutedAt = executedAt
	st.LastExecutedBy = core.Executor{WorkflowID: rec.WorkflowID, RunID: rec.RunID, WorkID: rec.WorkID}
	st.RetryCount = rec.RetryCount
	st.ExecutionCount++
}

// recordFromEntry rebuilds the step record a history entry was made from.
func recordFromEntry(entry core.HistoryEntry) StepRecord {
	return StepRecord{
		StepID:          entry.StepID,
		ExecutionStatus: entry.ExecutionStatus,
		OutcomeStatus:   entry.OutcomeStatus,
		Phase:           entry.Phase,
		StepAction:      entry.StepAction,
		StepType:        entry.StepType,
		WorkflowID:      entry.WorkflowID,
		RunID:           entry.RunID,
		WorkID:          entry.WorkID,
		RetryCount:      entry.RetryCount,
	}
}

// rollForward applies history entries newer than e's version to e and
// returns how many were applied.
func rollForward(e *core.Entity, h *core.EntityHistory) int {
	n := 0
	for _, entry := range h.StepHistory {
		if entry.EntityVersion <= e.Version {
			continue
		}
		applyStep(e, recordFromEntry(entry), entry.ExecutedAt)
		e.Version = entry.EntityVersion
		e.UpdatedAt = entry.ExecutedAt
		n++
	}
	return n
}
