package config

// Default values. Timeouts are bounded waits that fail loudly when exceeded.
const (
	DefaultRoot           = ".faber"
	DefaultReadTimeout    = "10s"
	DefaultWriteTimeout   = "30s"
	DefaultLockTimeout    = "30s"
	DefaultStaleAfter     = "300s"
	DefaultPollInterval   = "100ms"
	DefaultMaxRetries     = 3
	DefaultMaxBackups     = 20
	DefaultRecentLimit    = 1000
	DefaultQueryLimit     = 100
	DefaultHookTimeout    = "30s"
	DefaultMaxOutputBytes = 64 * 1024
	DefaultServerHost     = "127.0.0.1"
	DefaultServerPort     = 8088
)

// DefaultConfigYAML is a commented starter configuration.
const DefaultConfigYAML = `# faber configuration
# Values not specified here use built-in defaults.

root: .faber

log:
  level: info
  format: auto

state:
  read_timeout: 10s
  write_timeout: 30s
  backups: true
  max_backups: 20

lock:
  timeout: 30s
  stale_after: 300s

workflow:
  max_retries: 3

entity:
  lock_timeout: 30s
  recent_limit: 1000

hooks:
  timeout: 30s
  plugin_dirs: []
  # events:
  #   pre_build:
  #     - type: script
  #       path: scripts/check-env.sh
  #       timeout: 60
  #   post_release:
  #     - type: skill
  #       skill: notify:slack

server:
  host: 127.0.0.1
  port: 8088
`
