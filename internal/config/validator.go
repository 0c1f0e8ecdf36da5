package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/fractary/faber/internal/core"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{errors: make(ValidationErrors, 0)}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Root) == "" {
		v.addError("root", cfg.Root, "must not be empty")
	}
	v.validateLog(&cfg.Log)
	v.validateState(&cfg.State)
	v.validateLock(&cfg.Lock)
	v.validateWorkflow(&cfg.Workflow)
	v.validateEntity(&cfg.Entity)
	v.validateHooks(&cfg.Hooks)
	v.validateServer(&cfg.Server)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{Field: field, Value: value, Message: msg})
}

func (v *Validator) validateLog(cfg *LogConfig) {
	switch cfg.Level {
	case "debug", "info", "warn", "error":
	default:
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}
	switch cfg.Format {
	case "auto", "text", "json":
	default:
		v.addError("log.format", cfg.Format, "must be one of: auto, text, json")
	}
	if cfg.MaxSizeMB < 0 || cfg.MaxBackups < 0 || cfg.MaxAgeDays < 0 {
		v.addError("log", fmt.Sprintf("%d/%d/%d", cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays),
			"rotation limits must not be negative")
	}
}

func (v *Validator) validateState(cfg *StateConfig) {
	v.positiveDuration("state.read_timeout", cfg.ReadTimeout)
	v.positiveDuration("state.write_timeout", cfg.WriteTimeout)
	if cfg.MaxBackups < 0 {
		v.addError("state.max_backups", cfg.MaxBackups, "must not be negative (0 keeps every backup)")
	}
}

func (v *Validator) validateLock(cfg *LockConfig) {
	v.positiveDuration("lock.timeout", cfg.Timeout)
	v.positiveDuration("lock.stale_after", cfg.StaleAfter)
	v.positiveDuration("lock.poll_interval", cfg.PollInterval)
}

func (v *Validator) validateWorkflow(cfg *WorkflowConfig) {
	if cfg.MaxRetries < 0 {
		v.addError("workflow.max_retries", cfg.MaxRetries, "must not be negative")
	}
}

func (v *Validator) validateEntity(cfg *EntityConfig) {
	v.positiveDuration("entity.lock_timeout", cfg.LockTimeout)
	if cfg.RecentLimit <= 0 {
		v.addError("entity.recent_limit", cfg.RecentLimit, "must be positive")
	}
	if cfg.QueryLimit <= 0 {
		v.addError("entity.query_limit", cfg.QueryLimit, "must be positive")
	}
}

var skillPattern = regexp.MustCompile(`^[a-z0-9-]+:[a-z0-9-]+$`)

func (v *Validator) validateHooks(cfg *HooksConfig) {
	v.positiveDuration("hooks.timeout", cfg.Timeout)
	if cfg.MaxOutputBytes <= 0 {
		v.addError("hooks.max_output_bytes", cfg.MaxOutputBytes, "must be positive")
	}
	for event, entries := range cfg.Events {
		if _, err := core.ParseBoundaryEvent(event); err != nil {
			v.addError("hooks.events", event, err.(*core.DomainError).Message)
			continue
		}
		for i, e := range entries {
			field := fmt.Sprintf("hooks.events.%s[%d]", event, i)
			switch e.Type {
			case "document", "script":
				if e.Path == "" {
					v.addError(field+".path", e.Path, "required for "+e.Type+" hooks")
				}
			case "skill":
				if !skillPattern.MatchString(e.Skill) {
					v.addError(field+".skill", e.Skill, "must look like plugin:skill")
				}
			default:
				v.addError(field+".type", e.Type, "must be one of: document, script, skill")
			}
			if e.Timeout != nil && *e.Timeout <= 0 {
				v.addError(field+".timeout", *e.Timeout, "must be a positive number of seconds")
			}
		}
	}
}

func (v *Validator) validateServer(cfg *ServerConfig) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		v.addError("server.port", cfg.Port, "must be between 0 and 65535")
	}
}

func (v *Validator) positiveDuration(field, s string) {
	d, err := time.ParseDuration(s)
	if err != nil {
		v.addError(field, s, "invalid duration")
		return
	}
	if d <= 0 {
		v.addError(field, s, "must be positive")
	}
}

// ValidateConfig is a convenience function that creates a validator and validates config.
func ValidateConfig(cfg *Config) error {
	return NewValidator().Validate(cfg)
}
