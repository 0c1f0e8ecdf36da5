package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/fractary/faber/internal/core"
)

// scriptPayload is written to the context file a script receives.
type scriptPayload struct {
	Context
	Hook Descriptor `json:"hook"`
}

func (e *Engine) runScript(ctx context.Context, h ScriptHook, resolved string, hc Context) (*Result, error) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	ctxFile, err := writeContextFile(scriptPayload{Context: hc, Hook: h.Descriptor()})
	if err != nil {
		return nil, core.ErrHookExecution(core.CodeHookStartFailed, "writing hook context").WithCause(err)
	}
	defer os.Remove(ctxFile)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, resolved, ctxFile)
	cmd.Dir = e.resolver.projectRoot
	cmd.Env = append(os.Environ(),
		"FABER_HOOK_CONTEXT="+ctxFile,
		"FABER_HOOK_EVENT="+hc.Event,
		"FABER_RUN_ID="+hc.RunID,
		"FABER_PROJECT_ROOT="+e.resolver.projectRoot,
	)
	configureProcAttr(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = 2 * time.Second

	stdout := newBoundedBuffer(e.maxOutput)
	stderr := newBoundedBuffer(e.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := e.now()
	runErr := cmd.Run()
	res := &Result{
		Type:       TypeScript,
		Path:       resolved,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		Truncated:  stdout.Truncated() || stderr.Truncated(),
		DurationMS: e.now().Sub(start).Milliseconds(),
	}
	if cmd.ProcessState != nil {
		code := cmd.ProcessState.ExitCode()
		res.ExitCode = &code
	}

	if runErr == nil {
		return res, nil
	}

	// Check the deadline before the exit status: a killed script also
	// reports a non-zero exit.
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return res, core.ErrHookExecution(core.CodeHookTimeout, fmt.Sprintf("hook timed out after %s", timeout)).
			WithDetail("path", h.Path).
			WithDetail("timeout", timeout.String())
	}
	if ctx.Err() != nil {
		return res, core.ErrHookExecution(core.CodeHookFailed, "hook cancelled").
			WithCause(ctx.Err()).
			WithDetail("path", h.Path)
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return res, core.ErrHookExecution(core.CodeHookFailed, fmt.Sprintf("hook exited with code %d", exitErr.ExitCode())).
			WithDetail("path", h.Path).
			WithDetail("exit_code", exitErr.ExitCode()).
			WithDetail("stderr", tail(res.Stderr, 500))
	}
	return res, core.ErrHookExecution(core.CodeHookStartFailed, "starting hook").
		WithCause(runErr).
		WithDetail("path", h.Path)
}

func writeContextFile(payload scriptPayload) (string, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp("", "faber-hook-*.json")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// boundedBuffer keeps the first limit bytes written to it and discards the
// rest, so a chatty script cannot exhaust memory.
type boundedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - len(b.buf)
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func (b *boundedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
