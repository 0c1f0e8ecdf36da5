package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fractary/faber/internal/core"
)

func TestLayout_RunStatePath(t *testing.T) {
	l := NewLayout("/root/.faber")
	tests := []struct {
		runID string
		want  string
	}{
		{"plan-42-run-20260101T000000Z-ab12cd34", "/root/.faber/runs/plan-42/state-20260101T000000Z-ab12cd34.json"},
		{"adhoc", "/root/.faber/runs/adhoc/state.json"},
		{"-run-x", "/root/.faber/runs/-run-x/state.json"},
		{"a-run-", "/root/.faber/runs/a-run-/state.json"},
	}
	for _, tt := range tests {
		t.Run(tt.runID, func(t *testing.T) {
			got, err := l.RunStatePath(tt.runID)
			require.NoError(t, err)
			assert.Equal(t, filepath.FromSlash(tt.want), got)

			back, ok := RunIDFromPath(got)
			require.True(t, ok)
			assert.Equal(t, tt.runID, back)
		})
	}
}

func TestLayout_RejectsUnsafeIDs(t *testing.T) {
	l := NewLayout("/r")
	for _, id := range []string{"", ".", "..", "a/b", `a\b`, "../x", "sp ace"} {
		_, err := l.RunStatePath(id)
		require.Error(t, err, "run id %q", id)
		assert.True(t, core.IsCategory(err, core.ErrCatValidation))

		_, err = l.EntityPath("deployable", id)
		require.Error(t, err, "entity id %q", id)
		_, err = l.HistoryPath(id, "x")
		require.Error(t, err, "entity type %q", id)
	}
}

func TestLayout_EntityPaths(t *testing.T) {
	l := NewLayout("/r")
	p, err := l.EntityPath("deployable", "api")
	require.NoError(t, err)
	assert.Equal(t, filepath.FromSlash("/r/entities/deployable/api.json"), p)

	h, err := l.HistoryPath("deployable", "api")
	require.NoError(t, err)
	assert.Equal(t, filepath.FromSlash("/r/entities/deployable/api-history.json"), h)

	lk, err := l.EntityLockPath("deployable", "api")
	require.NoError(t, err)
	assert.Equal(t, filepath.FromSlash("/r/entities/deployable/api.lock"), lk)
}

func TestLayout_ListRunsAndEntities(t *testing.T) {
	l := NewLayout(t.TempDir())
	for _, id := range []string{"plan-a-run-1", "plan-a-run-2", "solo"} {
		p, err := l.RunStatePath(id)
		require.NoError(t, err)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o750))
		require.NoError(t, os.WriteFile(p, []byte("{}"), 0o644))
	}
	runs, err := l.ListRuns()
	require.NoError(t, err)
	assert.Equal(t, []string{"plan-a-run-1", "plan-a-run-2", "solo"}, runs)

	for _, f := range []string{"api.json", "api-history.json", "web.json", ".api.json.flock", "api.lock"} {
		p := filepath.Join(l.EntitiesDir(), "deployable", f)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o750))
		require.NoError(t, os.WriteFile(p, []byte("{}"), 0o644))
	}
	refs, err := l.ListEntities()
	require.NoError(t, err)
	assert.ElementsMatch(t, []EntityRef{{"deployable", "api"}, {"deployable", "web"}}, refs)
}

func TestProject(t *testing.T) {
	doc := []byte(`{"a":{"b":[10,{"c":true}]}}`)
	got, err := Project(doc, ".a.b.1.c")
	require.NoError(t, err)
	assert.JSONEq(t, "true", string(got))

	whole, err := Project(doc, ".")
	require.NoError(t, err)
	assert.JSONEq(t, string(doc), string(whole))

	_, err = Project(doc, ".a.b.5")
	assert.True(t, core.IsCategory(err, core.ErrCatNotFound))
	_, err = Project(doc, ".a..b")
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))
}
