package config

import "time"

// Config holds all application configuration.
type Config struct {
	Root     string         `mapstructure:"root"`
	Log      LogConfig      `mapstructure:"log"`
	State    StateConfig    `mapstructure:"state"`
	Lock     LockConfig     `mapstructure:"lock"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
	Entity   EntityConfig   `mapstructure:"entity"`
	Hooks    HooksConfig    `mapstructure:"hooks"`
	Server   ServerConfig   `mapstructure:"server"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// StateConfig configures the state store.
type StateConfig struct {
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	Backups      bool   `mapstructure:"backups"`
	MaxBackups   int    `mapstructure:"max_backups"`
}

// LockConfig configures run locks.
type LockConfig struct {
	Timeout      string `mapstructure:"timeout"`
	StaleAfter   string `mapstructure:"stale_after"`
	PollInterval string `mapstructure:"poll_interval"`
}

// WorkflowConfig configures the workflow state machine.
type WorkflowConfig struct {
	MaxRetries int `mapstructure:"max_retries"`
}

// EntityConfig configures the entity tracker.
type EntityConfig struct {
	LockTimeout string `mapstructure:"lock_timeout"`
	RecentLimit int    `mapstructure:"recent_limit"`
	QueryLimit  int    `mapstructure:"query_limit"`
	IndexPath   string `mapstructure:"index_path"`
}

// HooksConfig configures the hook engine and the hooks bound to each
// boundary event.
type HooksConfig struct {
	Timeout        string                     `mapstructure:"timeout"`
	ProjectRoot    string                     `mapstructure:"project_root"`
	PluginDirs     []string                   `mapstructure:"plugin_dirs"`
	AuditLog       string                     `mapstructure:"audit_log"`
	MaxOutputBytes int                        `mapstructure:"max_output_bytes"`
	Events         map[string][]HookEntryConf `mapstructure:"events"`
}

// HookEntryConf is a hook descriptor as written in configuration.
type HookEntryConf struct {
	Type        string         `mapstructure:"type"`
	Path        string         `mapstructure:"path"`
	Skill       string         `mapstructure:"skill"`
	Description string         `mapstructure:"description"`
	Timeout     *int           `mapstructure:"timeout"` // seconds; nil when not set
	Parameters  map[string]any `mapstructure:"parameters"`
}

// ServerConfig configures `faber serve`.
type ServerConfig struct {
	Host string   `mapstructure:"host"`
	Port int      `mapstructure:"port"`
	CORS []string `mapstructure:"cors"`
}

// Duration parses a configured duration, returning def when s is empty or
// malformed. Validate reports malformed values before they get here.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
