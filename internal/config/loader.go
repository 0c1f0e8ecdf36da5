package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return NewLoaderWithViper(viper.New())
}

// NewLoaderWithViper creates a loader using an existing viper instance so
// that CLI flag bindings take part in resolution.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: "FABER",
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (FABER_*)
// 3. Project config (.faber/config.yaml)
// 4. User config (~/.config/faber/config.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(DefaultRoot)
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "faber"))
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.resolvePaths()

	return &cfg, nil
}

// resolvePaths fills root-relative paths left empty by the user.
func (c *Config) resolvePaths() {
	if c.Root == "" {
		c.Root = DefaultRoot
	}
	if c.Entity.IndexPath == "" {
		c.Entity.IndexPath = filepath.Join(c.Root, "entities", ".index.db")
	}
	if c.Hooks.AuditLog == "" {
		c.Hooks.AuditLog = filepath.Join(c.Root, "logs", "hooks-audit.jsonl")
	}
	if c.Hooks.ProjectRoot == "" {
		if wd, err := os.Getwd(); err == nil {
			c.Hooks.ProjectRoot = wd
		}
	}
}

func (l *Loader) setDefaults() {
	l.v.SetDefault("root", DefaultRoot)

	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")
	l.v.SetDefault("log.max_size_mb", 10)
	l.v.SetDefault("log.max_backups", 5)
	l.v.SetDefault("log.max_age_days", 30)

	l.v.SetDefault("state.read_timeout", DefaultReadTimeout)
	l.v.SetDefault("state.write_timeout", DefaultWriteTimeout)
	l.v.SetDefault("state.backups", true)
	l.v.SetDefault("state.max_backups", DefaultMaxBackups)

	l.v.SetDefault("lock.timeout", DefaultLockTimeout)
	l.v.SetDefault("lock.stale_after", DefaultStaleAfter)
	l.v.SetDefault("lock.poll_interval", DefaultPollInterval)

	l.v.SetDefault("workflow.max_retries", DefaultMaxRetries)

	l.v.SetDefault("entity.lock_timeout", DefaultLockTimeout)
	l.v.SetDefault("entity.recent_limit", DefaultRecentLimit)
	l.v.SetDefault("entity.query_limit", DefaultQueryLimit)

	l.v.SetDefault("hooks.timeout", DefaultHookTimeout)
	l.v.SetDefault("hooks.plugin_dirs", []string{})
	l.v.SetDefault("hooks.max_output_bytes", DefaultMaxOutputBytes)

	l.v.SetDefault("server.host", DefaultServerHost)
	l.v.SetDefault("server.port", DefaultServerPort)
	l.v.SetDefault("server.cors", []string{})
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Get returns a configuration value by key.
func (l *Loader) Get(key string) interface{} {
	return l.v.Get(key)
}

// Set sets a configuration value.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}
