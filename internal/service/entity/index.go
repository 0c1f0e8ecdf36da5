package entity

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fractary/faber/internal/adapters/state"
	"github.com/fractary/faber/internal/core"
)

//go:embed schema.sql
var schema string

// DefaultRecentLimit bounds the recent_updates table.
const DefaultRecentLimit = 1000

// Index holds the derived lookup tables for entities. Everything in it can
// be rebuilt from the entity files, so callers treat its failures as
// warnings.
type Index struct {
	db          *sql.DB
	path        string
	recentLimit int
}

// RecentUpdate is one row of the recent updates feed.
type RecentUpdate struct {
	EntityType      string    `json:"entity_type"`
	EntityID        string    `json:"entity_id"`
	StepID          string    `json:"step_id,omitempty"`
	ExecutionStatus string    `json:"execution_status,omitempty"`
	Version         int       `json:"version"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// OpenIndex opens or creates the index database at path.
func OpenIndex(path string, recentLimit int) (*Index, error) {
	if recentLimit <= 0 {
		recentLimit = DefaultRecentLimit
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}

	// Several CLI processes may update the index at once; WAL plus a busy
	// timeout lets them queue instead of failing with SQLITE_BUSY.
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("creating index schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("creating index schema: %w", err)
	}
	return &Index{db: db, path: path, recentLimit: recentLimit}, nil
}

// Close closes the database.
func (ix *Index) Close() error {
	if ix == nil || ix.db == nil {
		return nil
	}
	return ix.db.Close()
}

// Path returns the database file path.
func (ix *Index) Path() string {
	return ix.path
}

// Touch records an update of e that did not involve a step (creation).
func (ix *Index) Touch(ctx context.Context, e *core.Entity) error {
	return ix.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertRecent(ctx, tx, e, "", ""); err != nil {
			return err
		}
		return ix.pruneRecent(ctx, tx)
	})
}

// RecordStep records that stepID of e changed.
func (ix *Index) RecordStep(ctx context.Context, e *core.Entity, stepID string) error {
	st := e.StepStatus[stepID]
	if st == nil {
		return fmt.Errorf("step %s missing from entity %s", stepID, e.Key())
	}
	return ix.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertRecent(ctx, tx, e, stepID, string(st.ExecutionStatus)); err != nil {
			return err
		}
		if err := upsertStep(ctx, tx, e, stepID, st); err != nil {
			return err
		}
		return ix.pruneRecent(ctx, tx)
	})
}

// Reindex replaces every step row of e and adds one recent row for it.
func (ix *Index) Reindex(ctx context.Context, e *core.Entity) error {
	return ix.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM step_action_index WHERE entity_type = ? AND entity_id = ?`,
			e.EntityType, e.EntityID); err != nil {
			return fmt.Errorf("clearing entity rows: %w", err)
		}
		for stepID, st := range e.StepStatus {
			if err := upsertStep(ctx, tx, e, stepID, st); err != nil {
				return err
			}
		}
		if err := insertRecent(ctx, tx, e, "", ""); err != nil {
			return err
		}
		return ix.pruneRecent(ctx, tx)
	})
}

// Reset empties both tables.
func (ix *Index) Reset(ctx context.Context) error {
	return ix.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"recent_updates", "step_action_index"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clearing %s: %w", table, err)
			}
		}
		return nil
	})
}

// QueryByStepAction returns entities with a step of the given action (and
// execution status, when not empty), most recently updated first.
func (ix *Index) QueryByStepAction(ctx context.Context, action, status string, limit int) ([]state.EntityRef, error) {
	q := `SELECT entity_type, entity_id FROM step_action_index WHERE step_action = ?`
	args := []any{action}
	if status != "" {
		q += ` AND execution_status = ?`
		args = append(args, status)
	}
	q += ` GROUP BY entity_type, entity_id ORDER BY MAX(updated_at) DESC LIMIT ?`
	args = append(args, limit)

	rows, err := ix.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying step action index: %w", err)
	}
	defer rows.Close()

	var refs []state.EntityRef
	for rows.Next() {
		var ref state.EntityRef
		if err := rows.Scan(&ref.Type, &ref.ID); err != nil {
			return nil, fmt.Errorf("scanning step action row: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// Recent returns up to limit recent updates, newest first.
func (ix *Index) Recent(ctx context.Context, limit int) ([]RecentUpdate, error) {
	rows, err := ix.db.QueryContext(ctx, `
		SELECT entity_type, entity_id, step_id, execution_status, version, updated_at
		FROM recent_updates ORDER BY updated_at DESC, seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent updates: %w", err)
	}
	defer rows.Close()

	updates := []RecentUpdate{}
	for rows.Next() {
		var u RecentUpdate
		var nanos int64
		if err := rows.Scan(&u.EntityType, &u.EntityID, &u.StepID, &u.ExecutionStatus, &u.Version, &nanos); err != nil {
			return nil, fmt.Errorf("scanning recent update: %w", err)
		}
		u.UpdatedAt = time.Unix(0, nanos).UTC()
		updates = append(updates, u)
	}
	return updates, rows.Err()
}

func (ix *Index) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning index transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func insertRecent(ctx context.Context, tx *sql.Tx, e *core.Entity, stepID, status string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO recent_updates (entity_type, entity_id, step_id, execution_status, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.EntityType, e.EntityID, stepID, status, e.Version, e.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("inserting recent update: %w", err)
	}
	return nil
}

// upsertStep indexes a step by action. Steps without an action are removed
// from the action index since nothing can query them.
func upsertStep(ctx context.Context, tx *sql.Tx, e *core.Entity, stepID string, st *core.StepStatus) error {
	if st.StepAction == "" {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM step_action_index WHERE entity_type = ? AND entity_id = ? AND step_id = ?`,
			e.EntityType, e.EntityID, stepID)
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO step_action_index (entity_type, entity_id, step_id, step_action, execution_status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id, step_id) DO UPDATE SET
			step_action = excluded.step_action,
			execution_status = excluded.execution_status,
			updated_at = excluded.updated_at`,
		e.EntityType, e.EntityID, stepID, st.StepAction, string(st.ExecutionStatus), st.LastExecutedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upserting step action row: %w", err)
	}
	return nil
}

func (ix *Index) pruneRecent(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM recent_updates WHERE seq NOT IN (
			SELECT seq FROM recent_updates ORDER BY updated_at DESC, seq DESC LIMIT ?
		)`, ix.recentLimit)
	if err != nil {
		return fmt.Errorf("pruning recent updates: %w", err)
	}
	return nil
}
