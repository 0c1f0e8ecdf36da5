package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fractary/faber/internal/core"
	"github.com/fractary/faber/internal/lock"
)

func TestStore_WriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs", "r1", "state.json")
	s := NewStore()
	ctx := context.Background()

	doc := `{"run_id":"r1","phases":{"build":{"status":"in_progress"}},"errors":[{"phase":"frame"}]}`
	require.NoError(t, s.Write(ctx, path, []byte(doc)))

	whole, err := s.Read(ctx, path, "")
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(whole, &got))
	assert.Equal(t, "r1", got["run_id"])
	assert.NotEmpty(t, got["updated_at"], "updated_at is stamped")

	status, err := s.Read(ctx, path, ".phases.build.status")
	require.NoError(t, err)
	assert.JSONEq(t, `"in_progress"`, string(status))

	first, err := s.Read(ctx, path, ".errors.0.phase")
	require.NoError(t, err)
	assert.JSONEq(t, `"frame"`, string(first))
}

func TestStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStore(WithBackups(false))
	ctx := context.Background()

	run := core.NewRun("plan-run-x", "42", "default", time.Now().UTC())
	run.Artifacts["spec"] = "specs/42.md"
	require.NoError(t, s.WriteJSON(ctx, path, run))

	var back core.Run
	require.NoError(t, s.ReadInto(ctx, path, &back))
	assert.Equal(t, run.RunID, back.RunID)
	assert.Equal(t, run.WorkID, back.WorkID)
	assert.Equal(t, run.Status, back.Status)
	assert.Equal(t, "specs/42.md", back.Artifacts["spec"])
	assert.Len(t, back.Phases, 5)
	for _, p := range core.AllPhases() {
		assert.Equal(t, core.PhaseStatusPending, back.Phases[p].Status)
	}
}

func TestStore_RejectsInvalidBeforeTouchingDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "state.json")
	s := NewStore()

	for _, doc := range []string{`{"a":`, `[1,2]`, `"str"`, `null`, ``} {
		err := s.Write(context.Background(), path, []byte(doc))
		require.Error(t, err, "doc %q", doc)
		assert.True(t, core.IsCategory(err, core.ErrCatValidation), "doc %q: %v", doc, err)
	}
	_, err := os.Stat(filepath.Join(dir, "sub"))
	assert.True(t, os.IsNotExist(err), "no directory, lock or file should be created")
}

func TestStore_InvalidWriteLeavesPreviousDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, path, []byte(`{"v":1}`)))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	require.Error(t, s.Write(ctx, path, []byte(`{"v":`)))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestStore_ReadMissing(t *testing.T) {
	s := NewStore()
	_, err := s.Read(context.Background(), filepath.Join(t.TempDir(), "nope.json"), "")
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatNotFound))
}

func TestStore_ProjectionMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, path, []byte(`{"phases":{"build":{}}}`)))

	_, err := s.Read(ctx, path, ".phases.build.status")
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatNotFound))
	var de *core.DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, core.CodeProjection, de.Code)
}

func TestStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{oops"), 0o644))
	_, err := NewStore().Read(context.Background(), path, "")
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatState))
}

func TestStore_WriteTimesOutWhileLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStore(WithWriteTimeout(150*time.Millisecond), WithPollInterval(10*time.Millisecond))
	ctx := context.Background()

	held, err := lock.LockFile(ctx, lock.SidecarPath(path), lock.Shared, 0, 0)
	require.NoError(t, err)
	defer held.Unlock()

	err = s.Write(ctx, path, []byte(`{"a":1}`))
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatLockTimeout))
	assert.Equal(t, core.ExitConflict, core.ExitCode(err))
}

func TestStore_BackupOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStore()
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, path, []byte(`{"v":1}`)))
	backups, err := ListBackups(path)
	require.NoError(t, err)
	assert.Empty(t, backups, "first write has nothing to back up")

	require.NoError(t, s.Write(ctx, path, []byte(`{"v":2}`)))
	backups, err = ListBackups(path)
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Regexp(t, `state_\d{8}_\d{6}\.json$`, backups[0])

	var prev map[string]any
	data, err := os.ReadFile(backups[0])
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &prev))
	assert.EqualValues(t, 1, prev["v"])
}

func TestStore_BackupPruning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewStore(WithMaxBackups(3))
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		require.NoError(t, s.Write(ctx, path, []byte(fmt.Sprintf(`{"v":%d}`, i))))
	}
	backups, err := ListBackups(path)
	require.NoError(t, err)
	require.Len(t, backups, 3)
	assert.Greater(t, backups[0], backups[2], "newest first")
}

func TestStore_ExplicitBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state-abc.json")
	s := NewStore()
	ctx := context.Background()

	_, err := s.Backup(ctx, path)
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatNotFound))

	require.NoError(t, s.Write(ctx, path, []byte(`{"a":1}`)))
	bp, err := s.Backup(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, BackupDir(path), filepath.Dir(bp))
	assert.Contains(t, filepath.Base(bp), "state-abc_")
}

// Readers running alongside a writer must always see one complete document.
func TestStore_ReadersNeverSeePartialDocuments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStore(WithBackups(false), WithPollInterval(time.Millisecond))
	ctx := context.Background()

	big := make([]int, 2000)
	require.NoError(t, s.WriteJSON(ctx, path, map[string]any{"n": 0, "pad": big}))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				raw, err := s.Read(ctx, path, ".n")
				if !assert.NoError(t, err) {
					return
				}
				var n int
				assert.NoError(t, json.Unmarshal(raw, &n))
			}
		}()
	}
	for i := 1; i <= 30; i++ {
		require.NoError(t, s.WriteJSON(ctx, path, map[string]any{"n": i, "pad": big}))
	}
	close(stop)
	wg.Wait()

	raw, err := s.Read(ctx, path, ".n")
	require.NoError(t, err)
	assert.JSONEq(t, "30", string(raw))
}

// Concurrent read-modify-write cycles under the run lock never lose updates.
func TestStore_ConcurrentWritersUnderRunLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStore(WithBackups(false), WithPollInterval(time.Millisecond))
	m := lock.NewManager(lock.WithPollInterval(5 * time.Millisecond))
	ctx := context.Background()
	require.NoError(t, s.WriteJSON(ctx, path, map[string]int{"count": 0}))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithLock(ctx, lock.PathFor(path), 10*time.Second, lock.AcquireOptions{}, func() error {
				var doc map[string]any
				if err := s.ReadInto(ctx, path, &doc); err != nil {
					return err
				}
				doc["count"] = doc["count"].(float64) + 1
				return s.WriteJSON(ctx, path, doc)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	raw, err := s.Read(ctx, path, ".count")
	require.NoError(t, err)
	assert.JSONEq(t, "10", string(raw))
}

// An interrupted write leaves a temp file beside the target and never
// touches the target itself.
func TestStore_OrphanedTempFileLeavesPreviousDocument(t *testing.T) {
	layout := NewLayout(t.TempDir())
	s := NewStore(WithBackups(false))
	ctx := context.Background()

	for _, runID := range []string{"solo", "plan-a-run-1"} {
		t.Run(runID, func(t *testing.T) {
			path, err := layout.RunStatePath(runID)
			require.NoError(t, err)
			require.NoError(t, s.Write(ctx, path, []byte(`{"run_id":"`+runID+`","status":"in_progress"}`)))

			orphan := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+"4021931751")
			require.NoError(t, os.WriteFile(orphan, []byte(`{"run_id":"`+runID+`","status":"compl`), 0o644))

			status, err := s.Read(ctx, path, ".status")
			require.NoError(t, err)
			assert.JSONEq(t, `"in_progress"`, string(status))

			require.NoError(t, s.Write(ctx, path, []byte(`{"run_id":"`+runID+`","status":"completed"}`)))
			status, err = s.Read(ctx, path, ".status")
			require.NoError(t, err)
			assert.JSONEq(t, `"completed"`, string(status))
		})
	}

	runs, err := layout.ListRuns()
	require.NoError(t, err)
	assert.Equal(t, []string{"plan-a-run-1", "solo"}, runs)
}

func TestStore_BackupNames(t *testing.T) {
	layout := NewLayout(t.TempDir())
	s := NewStore()
	s.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }
	ctx := context.Background()

	cases := []struct {
		runID string
		want  string
	}{
		{"solo", filepath.Join("runs", "solo", "backups", "state_20250102_030405.json")},
		{"plan-a-run-1", filepath.Join("runs", "plan-a", "backups", "state-1_20250102_030405.json")},
		{"plan-a-run-2", filepath.Join("runs", "plan-a", "backups", "state-2_20250102_030405.json")},
	}
	for _, tc := range cases {
		t.Run(tc.runID, func(t *testing.T) {
			path, err := layout.RunStatePath(tc.runID)
			require.NoError(t, err)
			require.NoError(t, s.Write(ctx, path, []byte(`{"run_id":"`+tc.runID+`"}`)))

			bp, err := s.Backup(ctx, path)
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(layout.Root, tc.want), bp)

			backups, err := ListBackups(path)
			require.NoError(t, err)
			assert.Equal(t, []string{bp}, backups)
		})
	}
}
