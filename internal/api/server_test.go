package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fractary/faber/internal/adapters/state"
	"github.com/fractary/faber/internal/core"
	"github.com/fractary/faber/internal/lock"
	"github.com/fractary/faber/internal/service/entity"
	"github.com/fractary/faber/internal/service/hooks"
	"github.com/fractary/faber/internal/service/workflow"
)

type testEnv struct {
	root   string
	server *httptest.Server
}

func newTestEnv(t *testing.T, opts ...ServerOption) *testEnv {
	t.Helper()
	root := t.TempDir()
	layout := state.NewLayout(filepath.Join(root, ".faber"))
	store := state.NewStore(state.WithPollInterval(time.Millisecond))
	locks := lock.NewManager(lock.WithPollInterval(5 * time.Millisecond))
	keyed := lock.NewKeyedMutex()

	machine := workflow.New(store, locks, layout, workflow.WithKeyedMutex(keyed))
	tracker := entity.New(state.NewStore(state.WithBackups(false)), locks, layout, entity.WithKeyedMutex(keyed))
	engine, err := hooks.New(root)
	require.NoError(t, err)

	opts = append([]ServerOption{WithHooks(engine)}, opts...)
	srv := httptest.NewServer(NewServer(machine, tracker, opts...).Handler())
	t.Cleanup(srv.Close)
	return &testEnv{root: root, server: srv}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	var body map[string]string
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", nil, &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestRunLifecycle(t *testing.T) {
	env := newTestEnv(t)

	var run core.Run
	status := env.do(t, http.MethodPost, "/api/v1/runs", InitRunRequest{WorkID: "123", WorkflowID: "default"}, &run)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, core.PhaseFrame, run.CurrentPhase)

	base := "/api/v1/runs/" + run.RunID
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, base+"/phases/frame",
		TransitionRequest{Status: "in_progress"}, &run))
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, base+"/phases/frame",
		TransitionRequest{Status: "completed", Data: map[string]any{"spec": "x"}}, &run))
	assert.Equal(t, core.PhaseStatusCompleted, run.Phases[core.PhaseFrame].Status)
	assert.Equal(t, "x", run.Phases[core.PhaseFrame].Data["spec"])

	var errBody ErrorResponse
	status = env.do(t, http.MethodPost, base+"/phases/build", TransitionRequest{Status: "in_progress"}, &errBody)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, core.CodePhaseOutOfOrder, errBody.Code)

	status = env.do(t, http.MethodPost, base+"/phases/deploy", TransitionRequest{Status: "in_progress"}, &errBody)
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	var point workflow.ResumePoint
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, base+"/resume", nil, &point))
	assert.Equal(t, core.PhaseArchitect, point.Phase)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, base+"/cancel", ReasonRequest{Reason: "abandoned"}, &run))
	assert.Equal(t, core.RunStatusCancelled, run.Status)

	var runs []core.Run
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/runs", nil, &runs))
	assert.Len(t, runs, 1)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/v1/runs/missing-run-1", nil, &errBody))
	assert.Equal(t, "not_found", errBody.Category)
}

func TestEntityEndpoints(t *testing.T) {
	env := newTestEnv(t)
	base := "/api/v1/entities/deployable/api"

	var e core.Entity
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, base, nil, &e))
	assert.Equal(t, 1, e.Version)

	var errBody ErrorResponse
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, base, nil, &errBody))

	step := RecordStepRequest{
		StepID:          "deploy",
		ExecutionStatus: "success",
		Phase:           "release",
		StepAction:      "deploy-prod",
		WorkflowID:      "default",
		RunID:           "r1",
	}
	var res entity.RecordResult
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, base+"/steps", step, &res))
	assert.Equal(t, 2, res.Entity.Version)

	step.ExecutionStatus = "done"
	assert.Equal(t, http.StatusUnprocessableEntity, env.do(t, http.MethodPost, base+"/steps", step, &errBody))

	var h core.EntityHistory
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, base+"/history", nil, &h))
	assert.Len(t, h.StepHistory, 1)

	var found []core.Entity
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet,
		"/api/v1/entities?step_action=deploy-prod&execution_status=success&limit=5", nil, &found))
	require.Len(t, found, 1)
	assert.Equal(t, "api", found[0].EntityID)

	assert.Equal(t, http.StatusUnprocessableEntity,
		env.do(t, http.MethodGet, "/api/v1/entities?step_action=x&limit=abc", nil, &errBody))

	var recent []entity.RecentUpdate
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/entities/recent?limit=10", nil, &recent))
	assert.Len(t, recent, 1)
}

func TestValidateHook(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.MkdirAll(filepath.Join(env.root, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(env.root, "docs", "guide.md"), []byte("x"), 0o644))

	var ok HookValidation
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/hooks/validate",
		hooks.Descriptor{Type: "document", Path: "docs/guide.md"}, &ok))
	assert.True(t, ok.Valid)

	var errBody ErrorResponse
	status := env.do(t, http.MethodPost, "/api/v1/hooks/validate",
		hooks.Descriptor{Type: "script", Path: "../../etc/passwd"}, &errBody)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, core.CodePathTraversal, errBody.Code)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, WithCORSOrigins("http://localhost:3000"))
	req, err := http.NewRequest(http.MethodOptions, env.server.URL+"/api/v1/runs", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestHTTPStatusForDomainError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{core.ErrValidation("X", "bad"), http.StatusUnprocessableEntity},
		{core.ErrNotFound("run", "r"), http.StatusNotFound},
		{core.ErrConflict("X", "held"), http.StatusConflict},
		{core.ErrLockTimeout("/x.lock", time.Second), http.StatusServiceUnavailable},
		{core.ErrSecurity(core.CodePathTraversal, "no", "../x"), http.StatusForbidden},
		{core.ErrHookExecution(core.CodeHookFailed, "exit 1"), http.StatusBadGateway},
		{core.ErrEscalation(core.CodeRetryLimit, "budget"), http.StatusPreconditionFailed},
	}
	for _, tt := range tests {
		got, ok := httpStatusForDomainError(tt.err)
		assert.True(t, ok)
		assert.Equal(t, tt.want, got, tt.err.Error())
	}
	_, ok := httpStatusForDomainError(assert.AnError)
	assert.False(t, ok)
}
