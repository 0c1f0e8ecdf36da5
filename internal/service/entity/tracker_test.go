package entity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fractary/faber/internal/adapters/state"
	"github.com/fractary/faber/internal/core"
	"github.com/fractary/faber/internal/lock"
	"github.com/fractary/faber/internal/testutil"
)

func newTestTracker(t *testing.T, withIndex bool, opts ...Option) (*Tracker, state.Layout) {
	t.Helper()
	layout := state.NewLayout(t.TempDir())
	store := state.NewStore(state.WithPollInterval(time.Millisecond), state.WithBackups(false))
	locks := lock.NewManager(lock.WithPollInterval(5 * time.Millisecond))
	if withIndex {
		ix, err := OpenIndex(filepath.Join(layout.EntitiesDir(), ".index.db"), 50)
		require.NoError(t, err)
		opts = append(opts, WithIndex(ix))
	}
	tr := New(store, locks, layout, opts...)
	t.Cleanup(func() { _ = tr.Close() })
	return tr, layout
}

func step(stepID, action string, status core.ExecutionStatus) StepRecord {
	return StepRecord{
		EntityType:      "deployable",
		EntityID:        "api",
		StepID:          stepID,
		ExecutionStatus: status,
		Phase:           core.PhaseBuild,
		StepAction:      action,
		WorkflowID:      "default",
		RunID:           "default-1-run-20250101T000000Z-deadbeef",
		DurationMS:      120,
	}
}

func TestCreate(t *testing.T) {
	tr, layout := newTestTracker(t, false)
	ctx := context.Background()

	e, err := tr.Create(ctx, "deployable", "api")
	require.NoError(t, err)
	assert.Equal(t, 1, e.Version)
	assert.Empty(t, e.StepStatus)

	path, err := layout.EntityPath("deployable", "api")
	require.NoError(t, err)
	assert.FileExists(t, path)

	h, err := tr.History(ctx, "deployable", "api")
	require.NoError(t, err)
	assert.Empty(t, h.StepHistory)

	_, err = tr.Create(ctx, "deployable", "api")
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatConflict))
}

func TestCreate_InvalidID(t *testing.T) {
	tr, _ := newTestTracker(t, false)
	_, err := tr.Create(context.Background(), "deployable", "../api")
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))
}

func TestRecordStep_RequiresEntity(t *testing.T) {
	tr, _ := newTestTracker(t, false)
	_, err := tr.RecordStep(context.Background(), step("build", "compile", core.ExecSuccess))
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatNotFound))
}

func TestRecordStep_Validation(t *testing.T) {
	tr, layout := newTestTracker(t, false)
	ctx := context.Background()
	_, err := tr.Create(ctx, "deployable", "api")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*StepRecord)
	}{
		{"bad status", func(r *StepRecord) { r.ExecutionStatus = "done" }},
		{"bad outcome", func(r *StepRecord) { r.OutcomeStatus = "meh" }},
		{"bad phase", func(r *StepRecord) { r.Phase = "deploy" }},
		{"bad step id", func(r *StepRecord) { r.StepID = "a/b" }},
		{"missing run", func(r *StepRecord) { r.RunID = "" }},
		{"negative duration", func(r *StepRecord) { r.DurationMS = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := step("build", "compile", core.ExecSuccess)
			tt.mutate(&rec)
			_, err := tr.RecordStep(ctx, rec)
			require.Error(t, err)
			assert.True(t, core.IsCategory(err, core.ErrCatValidation), "got %v", err)
		})
	}

	e, err := tr.Get(ctx, "deployable", "api")
	require.NoError(t, err)
	assert.Equal(t, 1, e.Version)

	lockPath, err := layout.EntityLockPath("deployable", "api")
	require.NoError(t, err)
	assert.NoFileExists(t, lockPath)
}

func TestRecordStep_SameStepTwice(t *testing.T) {
	tr, _ := newTestTracker(t, false)
	ctx := context.Background()
	_, err := tr.Create(ctx, "deployable", "api")
	require.NoError(t, err)

	first, err := tr.RecordStep(ctx, step("build", "compile", core.ExecFailure))
	require.NoError(t, err)
	rec := step("build", "compile", core.ExecSuccess)
	rec.OutcomeStatus = core.OutcomeSuccess
	rec.RetryCount = 1
	rec.RetryReason = "flaky test"
	second, err := tr.RecordStep(ctx, rec)
	require.NoError(t, err)

	assert.Equal(t, 2, first.Entity.Version)
	assert.Equal(t, 3, second.Entity.Version)
	assert.Equal(t, 3, second.Entry.EntityVersion)
	assert.NotEqual(t, first.Entry.EntryID, second.Entry.EntryID)

	e, err := tr.Get(ctx, "deployable", "api")
	require.NoError(t, err)
	st := e.StepStatus["build"]
	require.NotNil(t, st)
	assert.Equal(t, 2, st.ExecutionCount)
	assert.Equal(t, core.ExecSuccess, st.ExecutionStatus)
	assert.Equal(t, core.OutcomeSuccess, st.OutcomeStatus)
	assert.Equal(t, 1, st.RetryCount)
	assert.Equal(t, "default", st.LastExecutedBy.WorkflowID)

	h, err := tr.History(ctx, "deployable", "api")
	require.NoError(t, err)
	require.Len(t, h.StepHistory, 2)
	assert.Equal(t, core.ExecFailure, h.StepHistory[0].ExecutionStatus)
	assert.Equal(t, "flaky test", h.StepHistory[1].RetryReason)
	assert.Equal(t, 1, h.WorkflowSummary["default"].RunCount)
	assert.Equal(t, 2, h.WorkflowSummary["default"].StepCount)
}

func TestRecordStep_ConcurrentKeepsCounts(t *testing.T) {
	tr, _ := newTestTracker(t, true)
	ctx := context.Background()
	_, err := tr.Create(ctx, "deployable", "api")
	require.NoError(t, err)

	steps := []string{"build", "test", "lint"}
	const perStep = 4

	var wg sync.WaitGroup
	errs := make(chan error, len(steps)*perStep)
	for _, s := range steps {
		for i := 0; i < perStep; i++ {
			wg.Add(1)
			go func(stepID string) {
				defer wg.Done()
				_, err := tr.RecordStep(ctx, step(stepID, stepID, core.ExecSuccess))
				errs <- err
			}(s)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	e, err := tr.Get(ctx, "deployable", "api")
	require.NoError(t, err)
	h, err := tr.History(ctx, "deployable", "api")
	require.NoError(t, err)

	assert.Equal(t, 1+len(h.StepHistory), e.Version)
	counts := h.ExecutionCounts()
	for _, s := range steps {
		assert.Equal(t, counts[s], e.StepStatus[s].ExecutionCount, s)
		assert.Equal(t, perStep, counts[s], s)
	}

	versions := make(map[int]bool)
	for _, entry := range h.StepHistory {
		assert.False(t, versions[entry.EntityVersion], "duplicate entity_version %d", entry.EntityVersion)
		versions[entry.EntityVersion] = true
	}
}

func TestRecordStep_MissingHistoryStartsNew(t *testing.T) {
	tr, layout := newTestTracker(t, false)
	ctx := context.Background()
	_, err := tr.Create(ctx, "deployable", "api")
	require.NoError(t, err)

	hp, err := layout.HistoryPath("deployable", "api")
	require.NoError(t, err)
	require.NoError(t, os.Remove(hp))

	_, err = tr.RecordStep(ctx, step("build", "compile", core.ExecSuccess))
	require.NoError(t, err)

	h, err := tr.History(ctx, "deployable", "api")
	require.NoError(t, err)
	assert.Len(t, h.StepHistory, 1)
}

func TestQueryByStepAction(t *testing.T) {
	for _, withIndex := range []bool{true, false} {
		t.Run(fmt.Sprintf("index=%v", withIndex), func(t *testing.T) {
			tr, layout := newTestTracker(t, withIndex)
			ctx := context.Background()

			for _, id := range []string{"a", "b", "c"} {
				_, err := tr.Create(ctx, "deployable", id)
				require.NoError(t, err)
			}
			for id, status := range map[string]core.ExecutionStatus{"a": core.ExecSuccess, "b": core.ExecFailure, "c": core.ExecSuccess} {
				rec := step("deploy", "deploy-prod", status)
				rec.EntityID = id
				_, err := tr.RecordStep(ctx, rec)
				require.NoError(t, err)
			}

			all, err := tr.QueryByStepAction(ctx, "deploy-prod", "", 10)
			require.NoError(t, err)
			assert.Len(t, all, 3)

			ok, err := tr.QueryByStepAction(ctx, "deploy-prod", core.ExecSuccess, 10)
			require.NoError(t, err)
			ids := []string{}
			for _, e := range ok {
				ids = append(ids, e.EntityID)
			}
			assert.ElementsMatch(t, []string{"a", "c"}, ids)

			one, err := tr.QueryByStepAction(ctx, "deploy-prod", "", 1)
			require.NoError(t, err)
			assert.Len(t, one, 1)

			// Deleted entities are skipped.
			path, err := layout.EntityPath("deployable", "a")
			require.NoError(t, err)
			require.NoError(t, os.Remove(path))
			ok, err = tr.QueryByStepAction(ctx, "deploy-prod", core.ExecSuccess, 10)
			require.NoError(t, err)
			require.Len(t, ok, 1)
			assert.Equal(t, "c", ok[0].EntityID)

			_, err = tr.QueryByStepAction(ctx, "", "", 10)
			assert.True(t, core.IsCategory(err, core.ErrCatValidation))
		})
	}
}

func TestQueryByStepAction_StatusFollowsLatestExecution(t *testing.T) {
	tr, _ := newTestTracker(t, true)
	ctx := context.Background()
	_, err := tr.Create(ctx, "deployable", "api")
	require.NoError(t, err)

	_, err = tr.RecordStep(ctx, step("build", "compile", core.ExecFailure))
	require.NoError(t, err)
	_, err = tr.RecordStep(ctx, step("build", "compile", core.ExecSuccess))
	require.NoError(t, err)

	failed, err := tr.QueryByStepAction(ctx, "compile", core.ExecFailure, 10)
	require.NoError(t, err)
	assert.Empty(t, failed)

	ok, err := tr.QueryByStepAction(ctx, "compile", core.ExecSuccess, 10)
	require.NoError(t, err)
	assert.Len(t, ok, 1)
}

func TestRecentUpdates(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for _, withIndex := range []bool{true, false} {
		t.Run(fmt.Sprintf("index=%v", withIndex), func(t *testing.T) {
			tr, _ := newTestTracker(t, withIndex, WithClock(clock))
			ctx := context.Background()
			for _, id := range []string{"a", "b", "c"} {
				_, err := tr.Create(ctx, "deployable", id)
				require.NoError(t, err)
			}

			updates, err := tr.RecentUpdates(ctx, 2)
			require.NoError(t, err)
			require.Len(t, updates, 2)
			assert.Equal(t, "c", updates[0].EntityID)
			assert.Equal(t, "b", updates[1].EntityID)
		})
	}
}

func TestIndex_RecentIsBounded(t *testing.T) {
	ix, err := OpenIndex(filepath.Join(t.TempDir(), "index.db"), 5)
	require.NoError(t, err)
	defer ix.Close()

	ctx := context.Background()
	base := time.Now().UTC()
	for i := 0; i < 12; i++ {
		e := core.NewEntity("deployable", fmt.Sprintf("e%d", i), base)
		e.UpdatedAt = base.Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, ix.Touch(ctx, e))
	}

	updates, err := ix.Recent(ctx, 100)
	require.NoError(t, err)
	require.Len(t, updates, 5)
	assert.Equal(t, "e11", updates[0].EntityID)
	assert.Equal(t, "e7", updates[4].EntityID)
}

func TestRebuildIndex(t *testing.T) {
	tr, _ := newTestTracker(t, true)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_, err := tr.Create(ctx, "deployable", id)
		require.NoError(t, err)
		rec := step("deploy", "deploy-prod", core.ExecSuccess)
		rec.EntityID = id
		_, err = tr.RecordStep(ctx, rec)
		require.NoError(t, err)
	}

	require.NoError(t, tr.index.Reset(ctx))
	refs, err := tr.index.QueryByStepAction(ctx, "deploy-prod", "", 10)
	require.NoError(t, err)
	assert.Empty(t, refs)

	n, err := tr.RebuildIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	refs, err = tr.index.QueryByStepAction(ctx, "deploy-prod", string(core.ExecSuccess), 10)
	require.NoError(t, err)
	assert.Len(t, refs, 2)
}

func TestRebuildIndex_NoIndex(t *testing.T) {
	tr, _ := newTestTracker(t, false)
	_, err := tr.RebuildIndex(context.Background())
	require.Error(t, err)
}

func TestRebuildFromHistory(t *testing.T) {
	tr, layout := newTestTracker(t, false)
	ctx := context.Background()
	created, err := tr.Create(ctx, "deployable", "api")
	require.NoError(t, err)

	_, err = tr.RecordStep(ctx, step("build", "compile", core.ExecFailure))
	require.NoError(t, err)
	_, err = tr.RecordStep(ctx, step("build", "compile", core.ExecSuccess))
	require.NoError(t, err)
	_, err = tr.RecordStep(ctx, step("test", "unit", core.ExecSuccess))
	require.NoError(t, err)

	path, err := layout.EntityPath("deployable", "api")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(`{"entity_type":"deployable","entity_id":"api","version":99,"created_at":"`+created.CreatedAt.Format(time.RFC3339Nano)+`","step_status":{}}`), 0o644))

	e, err := tr.RebuildFromHistory(ctx, "deployable", "api")
	require.NoError(t, err)
	assert.Equal(t, 4, e.Version)
	assert.True(t, created.CreatedAt.Equal(e.CreatedAt))
	require.Len(t, e.StepStatus, 2)
	assert.Equal(t, 2, e.StepStatus["build"].ExecutionCount)
	assert.Equal(t, core.ExecSuccess, e.StepStatus["build"].ExecutionStatus)
	assert.Equal(t, 1, e.StepStatus["test"].ExecutionCount)

	_, err = tr.RebuildFromHistory(ctx, "deployable", "missing")
	assert.True(t, core.IsCategory(err, core.ErrCatNotFound))
}

func TestRecordStep_HistoryWriteFailureLeavesStateUntouched(t *testing.T) {
	layout := state.NewLayout(t.TempDir())
	store := testutil.NewFaultStore(state.NewStore(state.WithPollInterval(time.Millisecond), state.WithBackups(false)))
	tr := New(store, lock.NewManager(lock.WithPollInterval(5*time.Millisecond)), layout)
	ctx := context.Background()

	_, err := tr.Create(ctx, "deployable", "api")
	require.NoError(t, err)

	store.FailWrites("-history.json", testutil.ErrTest)
	_, err = tr.RecordStep(ctx, step("build", "compile", core.ExecSuccess))
	require.ErrorIs(t, err, testutil.ErrTest)

	e, err := tr.Get(ctx, "deployable", "api")
	require.NoError(t, err)
	assert.Equal(t, 1, e.Version)
	assert.Empty(t, e.StepStatus)

	store.FailWrites("-history.json", nil)
	res, err := tr.RecordStep(ctx, step("build", "compile", core.ExecSuccess))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Entity.Version)

	writes := store.Writes()
	require.GreaterOrEqual(t, len(writes), 2)
	last := writes[len(writes)-2:]
	assert.True(t, strings.HasSuffix(last[0], "-history.json"), "history is written before state")
	assert.True(t, strings.HasSuffix(last[1], "api.json"))
}

// requireConsistent checks that the entity and its history agree: one
// history entry per version bump, and per-step execution counts matching
// the entries for that step.
func requireConsistent(t *testing.T, tr *Tracker, entityType, entityID string) {
	t.Helper()
	ctx := context.Background()
	e, err := tr.Get(ctx, entityType, entityID)
	require.NoError(t, err)
	h, err := tr.History(ctx, entityType, entityID)
	require.NoError(t, err)

	require.Equal(t, 1+len(h.StepHistory), e.Version, "version tracks history length")
	if n := len(h.StepHistory); n > 0 {
		require.Equal(t, e.Version, h.StepHistory[n-1].EntityVersion)
	}
	counts := h.ExecutionCounts()
	require.Len(t, e.StepStatus, len(counts))
	for stepID, st := range e.StepStatus {
		require.Equal(t, counts[stepID], st.ExecutionCount, "execution_count of %s", stepID)
	}
}

func newFaultTracker(t *testing.T) (*Tracker, *testutil.FaultStore) {
	t.Helper()
	layout := state.NewLayout(t.TempDir())
	store := testutil.NewFaultStore(state.NewStore(state.WithPollInterval(time.Millisecond), state.WithBackups(false)))
	tr := New(store, lock.NewManager(lock.WithPollInterval(5*time.Millisecond)), layout)
	_, err := tr.Create(context.Background(), "deployable", "api")
	require.NoError(t, err)
	return tr, store
}

func TestRecordStep_HistoryMatchesState(t *testing.T) {
	tr, _ := newTestTracker(t, true)
	ctx := context.Background()
	_, err := tr.Create(ctx, "deployable", "api")
	require.NoError(t, err)

	steps := []struct {
		stepID string
		action string
		status core.ExecutionStatus
	}{
		{"build", "compile", core.ExecInProgress},
		{"build", "compile", core.ExecSuccess},
		{"test", "verify", core.ExecFailure},
		{"deploy-staging", "deploy", core.ExecSuccess},
		{"test", "verify", core.ExecSuccess},
		{"deploy-prod", "deploy", core.ExecSkipped},
		{"build", "compile", core.ExecSuccess},
		{"deploy-prod", "deploy", core.ExecSuccess},
	}
	for i, s := range steps {
		res, err := tr.RecordStep(ctx, step(s.stepID, s.action, s.status))
		require.NoError(t, err, "step %d", i)
		assert.Equal(t, i+2, res.Entity.Version)
		assert.Equal(t, res.Entity.Version, res.Entry.EntityVersion)
		requireConsistent(t, tr, "deployable", "api")
	}

	e, err := tr.Get(ctx, "deployable", "api")
	require.NoError(t, err)
	assert.Equal(t, 3, e.StepStatus["build"].ExecutionCount)
	assert.Equal(t, 2, e.StepStatus["test"].ExecutionCount)
	assert.Equal(t, 1, e.StepStatus["deploy-staging"].ExecutionCount)
	assert.Equal(t, 2, e.StepStatus["deploy-prod"].ExecutionCount)
}

func TestRecordStep_StateWriteFailureRestoresHistory(t *testing.T) {
	tr, store := newFaultTracker(t)
	ctx := context.Background()

	_, err := tr.RecordStep(ctx, step("build", "compile", core.ExecSuccess))
	require.NoError(t, err)

	store.FailWrites(string(filepath.Separator)+"api.json", testutil.ErrTest)
	_, err = tr.RecordStep(ctx, step("build", "compile", core.ExecFailure))
	require.ErrorIs(t, err, testutil.ErrTest)

	h, err := tr.History(ctx, "deployable", "api")
	require.NoError(t, err)
	require.Len(t, h.StepHistory, 1, "failed step must not stay in history")
	requireConsistent(t, tr, "deployable", "api")

	store.FailWrites(string(filepath.Separator)+"api.json", nil)
	res, err := tr.RecordStep(ctx, step("build", "compile", core.ExecSuccess))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Entity.Version)
	assert.Equal(t, 2, res.Entity.StepStatus["build"].ExecutionCount)
	requireConsistent(t, tr, "deployable", "api")
}

func TestRecordStep_ReplaysHistoryAheadOfState(t *testing.T) {
	tr, layout := newTestTracker(t, false)
	ctx := context.Background()
	_, err := tr.Create(ctx, "deployable", "api")
	require.NoError(t, err)
	_, err = tr.RecordStep(ctx, step("build", "compile", core.ExecSuccess))
	require.NoError(t, err)

	// A crash between the history write and the state write leaves an entry
	// for version 3 while the entity is still at version 2.
	h, err := tr.History(ctx, "deployable", "api")
	require.NoError(t, err)
	h.Append(core.HistoryEntry{
		EntryID:         "01HZX3J9K8Q7W6E5R4T3Y2V1A0",
		StepID:          "test",
		ExecutionStatus: core.ExecFailure,
		Phase:           core.PhaseEvaluate,
		StepAction:      "verify",
		ExecutedAt:      time.Now().UTC(),
		WorkflowID:      "default",
		RunID:           "default-1-run-20250101T000000Z-deadbeef",
		EntityVersion:   3,
	})
	historyPath, err := layout.HistoryPath("deployable", "api")
	require.NoError(t, err)
	require.NoError(t, state.NewStore(state.WithBackups(false)).WriteJSON(ctx, historyPath, h))

	res, err := tr.RecordStep(ctx, step("test", "verify", core.ExecSuccess))
	require.NoError(t, err)
	assert.Equal(t, 4, res.Entity.Version)
	assert.Equal(t, 4, res.Entry.EntityVersion)
	assert.Equal(t, 2, res.Entity.StepStatus["test"].ExecutionCount)
	assert.Equal(t, core.ExecSuccess, res.Entity.StepStatus["test"].ExecutionStatus)
	requireConsistent(t, tr, "deployable", "api")
}
