package hooks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fractary/faber/internal/core"
	"github.com/fractary/faber/internal/logging"
)

// DefaultMaxOutput caps the captured stdout and stderr of a script.
const DefaultMaxOutput = 64 * 1024

// Context is the payload a script receives.
type Context struct {
	Event  string         `json:"event,omitempty"`
	RunID  string         `json:"run_id,omitempty"`
	WorkID string         `json:"work_id,omitempty"`
	Phase  core.Phase     `json:"phase,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// Result describes a hook execution.
type Result struct {
	Type       Type           `json:"type"`
	Status     Status         `json:"status"`
	Path       string         `json:"path,omitempty"`
	Skill      string         `json:"skill,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	ExitCode   *int           `json:"exit_code,omitempty"`
	Stdout     string         `json:"stdout,omitempty"`
	Stderr     string         `json:"stderr,omitempty"`
	Truncated  bool           `json:"truncated,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

// Engine validates and executes hooks.
type Engine struct {
	projectRoot    string
	pluginDirs     []string
	resolver       *resolver
	audit          *AuditLog
	defaultTimeout time.Duration
	maxOutput      int
	bindings       map[core.BoundaryEvent][]Hook
	logger         *logging.Logger
	now            func() time.Time
}

// Option configures the engine.
type Option func(*Engine)

// WithPluginDirs adds directories hooks may live in besides the project root.
func WithPluginDirs(dirs ...string) Option {
	return func(e *Engine) { e.pluginDirs = append(e.pluginDirs, dirs...) }
}

// WithAuditLog sets the audit log file.
func WithAuditLog(path string) Option {
	return func(e *Engine) {
		if path != "" {
			e.audit = NewAuditLog(path)
		}
	}
}

// WithDefaultTimeout sets the timeout of scripts without their own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithMaxOutput caps captured output per stream.
func WithMaxOutput(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxOutput = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an engine confined to projectRoot. The audit log defaults to
// .faber/logs/hooks-audit.jsonl under the project root.
func New(projectRoot string, opts ...Option) (*Engine, error) {
	e := &Engine{
		projectRoot:    projectRoot,
		defaultTimeout: DefaultTimeout,
		maxOutput:      DefaultMaxOutput,
		bindings:       make(map[core.BoundaryEvent][]Hook),
		logger:         logging.NewNop(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	r, err := newResolver(projectRoot, e.pluginDirs)
	if err != nil {
		return nil, err
	}
	e.resolver = r
	if e.audit == nil {
		e.audit = NewAuditLog(filepath.Join(r.projectRoot, ".faber", "logs", "hooks-audit.jsonl"))
	}
	return e, nil
}

// Audit returns the engine's audit log.
func (e *Engine) Audit() *AuditLog {
	return e.audit
}

// AuditTail returns the last n audit entries.
func (e *Engine) AuditTail(n int) ([]AuditEntry, error) {
	return e.audit.Tail(n)
}

// Validate checks h against the filesystem: path hooks must exist inside
// the allowed roots and scripts must be executable. Nothing is executed or
// audited.
func (e *Engine) Validate(h Hook) error {
	_, err := e.validate(h)
	return err
}

func (e *Engine) validate(h Hook) (string, error) {
	switch h := h.(type) {
	case DocumentHook:
		return e.resolveFile(h.Path, false)
	case ScriptHook:
		return e.resolveFile(h.Path, true)
	case SkillHook:
		if !skillPattern.MatchString(h.Skill) {
			return "", invalid(fmt.Sprintf("invalid skill id %q", h.Skill)).WithDetail("skill", h.Skill)
		}
		return "", nil
	default:
		return "", invalid(fmt.Sprintf("unsupported hook %T", h))
	}
}

func (e *Engine) resolveFile(p string, executable bool) (string, error) {
	resolved, err := e.resolver.resolve(p)
	if err != nil {
		return "", err
	}
	fi, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("stat hook path: %w", err)
	}
	if fi.IsDir() {
		return "", invalid("hook path is a directory").WithDetail("path", p)
	}
	if executable && !isExecutable(fi) {
		return "", invalid("script hook is not executable").WithDetail("path", p)
	}
	return resolved, nil
}

// Execute validates h and carries it out. Document and skill hooks are only
// validated and handed back; scripts run with hc as their JSON context.
// The outcome is always audited. On failure the returned Result, when not
// nil, still carries what was observed.
func (e *Engine) Execute(ctx context.Context, h Hook, hc Context) (*Result, error) {
	log := e.logger.WithHook(h.target(), hc.Event)
	if hc.RunID != "" {
		log = log.WithRun(hc.RunID)
	}

	resolved, err := e.validate(h)
	if err != nil {
		status := StatusFailure
		if core.IsCategory(err, core.ErrCatSecurity) {
			status = StatusBlocked
			log.Warn("hook blocked", "type", h.Kind(), "error", err)
		}
		e.record(ctx, h, hc, status, err.Error(), nil, 0)
		return nil, err
	}

	switch h := h.(type) {
	case ScriptHook:
		res, err := e.runScript(ctx, h, resolved, hc)
		status, reason := StatusSuccess, ""
		if err != nil {
			status, reason = StatusFailure, err.Error()
			if core.IsCategory(err, core.ErrCatHook) {
				var de *core.DomainError
				if errors.As(err, &de) && de.Code == core.CodeHookTimeout {
					status = StatusTimeout
				}
			}
			log.Warn("hook failed", "status", status, "error", err)
		} else {
			log.Info("hook succeeded", "duration_ms", res.DurationMS)
		}
		var exit *int
		var dur int64
		if res != nil {
			res.Status = status
			exit, dur = res.ExitCode, res.DurationMS
		}
		e.record(ctx, h, hc, status, reason, exit, dur)
		return res, err

	case SkillHook:
		e.record(ctx, h, hc, StatusValidated, "", nil, 0)
		return &Result{Type: TypeSkill, Status: StatusValidated, Skill: h.Skill, Parameters: h.Parameters}, nil

	default:
		e.record(ctx, h, hc, StatusValidated, "", nil, 0)
		return &Result{Type: h.Kind(), Status: StatusValidated, Path: resolved}, nil
	}
}

// Test validates h and executes it with a synthetic context.
func (e *Engine) Test(ctx context.Context, h Hook) (*Result, error) {
	if err := e.Validate(h); err != nil {
		return nil, err
	}
	return e.Execute(ctx, h, Context{
		Event: "test",
		RunID: "test-run",
		Data:  map[string]any{"test": true, "timestamp": e.now().UTC().Format(time.RFC3339)},
	})
}

func (e *Engine) record(ctx context.Context, h Hook, hc Context, status Status, reason string, exit *int, durationMS int64) {
	entry := AuditEntry{
		Timestamp:  e.now().UTC(),
		Event:      hc.Event,
		HookType:   h.Kind(),
		Status:     status,
		Reason:     e.logger.Sanitize(reason),
		ExitCode:   exit,
		DurationMS: durationMS,
		RunID:      hc.RunID,
	}
	if h.Kind() == TypeSkill {
		entry.Skill = h.target()
	} else {
		entry.Path = h.target()
	}
	// The audit write must not be skipped because the caller gave up.
	if err := e.audit.Append(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.Error("writing hook audit entry", "audit_log", e.audit.Path(), "error", err)
	}
}
