// Package config loads and validates conversator.yml: the builder
// registry, timeout policy, and auth settings, following the teacher's
// workline.yml shape (a single validated YAML document with generated
// defaults). Environment variables are not layered over the file's values;
// viper applies them only to the CLI's own flags.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models conversator.yml.
type Config struct {
	Workspace struct {
		BasePath string `yaml:"base_path"`
	} `yaml:"workspace"`
	Builders map[string]BuilderConfig `yaml:"builders"`
	Timeouts TimeoutPolicy            `yaml:"timeouts"`
	Notifier NotifierConfig           `yaml:"notifier"`
	Auth     AuthSettings              `yaml:"auth"`
}

// BuilderConfig declares one entry in the builder registry (spec §4.3/§6):
// {name, kind, endpoint, default_model?, timeouts, limits}.
type BuilderConfig struct {
	Kind          string         `yaml:"kind"`
	Endpoint      string         `yaml:"endpoint"`
	DefaultModel  string         `yaml:"default_model,omitempty"`
	Timeouts      *TimeoutPolicy `yaml:"timeouts,omitempty"`
	Limits        BuilderLimits  `yaml:"limits"`
}

// BuilderLimits bounds concurrent sessions for one builder kind; the
// Adapter's pool rejects dispatches beyond MaxConcurrentSessions.
type BuilderLimits struct {
	MaxConcurrentSessions int `yaml:"max_concurrent_sessions"`
}

// TimeoutPolicy holds the policy values named in spec §5: remote session
// create, per-message send, stream idle, abort confirm, gate pending
// reminder. All are durations; zero means "use the built-in default".
type TimeoutPolicy struct {
	SessionCreate    time.Duration `yaml:"session_create"`
	MessageSend      time.Duration `yaml:"message_send"`
	StreamIdle       time.Duration `yaml:"stream_idle"`
	AbortConfirm     time.Duration `yaml:"abort_confirm"`
	GateReminder     time.Duration `yaml:"gate_reminder"`
	MaxReconnects    int           `yaml:"max_reconnects"`
}

// DefaultTimeoutPolicy returns the built-in timeout defaults used when a
// builder entry does not override them.
func DefaultTimeoutPolicy() TimeoutPolicy {
	return TimeoutPolicy{
		SessionCreate: 10 * time.Second,
		MessageSend:   10 * time.Second,
		StreamIdle:    60 * time.Second,
		AbortConfirm:  15 * time.Second,
		GateReminder:  5 * time.Minute,
		MaxReconnects: 5,
	}
}

// EffectiveTimeouts returns the timeout override of the first builder of
// builderKind that declares one, replacing the policy as a whole (fields are
// not merged); otherwise c.Timeouts, or DefaultTimeoutPolicy() when that is
// entirely zero.
func (c Config) EffectiveTimeouts(builderKind string) TimeoutPolicy {
	base := c.Timeouts
	if base == (TimeoutPolicy{}) {
		base = DefaultTimeoutPolicy()
	}
	for _, b := range c.Builders {
		if b.Kind == builderKind && b.Timeouts != nil {
			return *b.Timeouts
		}
	}
	return base
}

// NotifierConfig controls the Inbox & Notifier's coalescing window for
// info/success items (spec §4.5).
type NotifierConfig struct {
	CoalesceWindow time.Duration `yaml:"coalesce_window"`
}

// AuthSettings configures the Fan-out command-endpoint authentication.
type AuthSettings struct {
	JWTSecret          string `yaml:"jwt_secret"`
	AllowDevBearer     bool   `yaml:"allow_dev_bearer"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with `conversator init`", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil, nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets the structural requirements spec §6
// implies: at least one builder is declared, every builder has a name and a
// kind, every builder except a loopback one has an endpoint, and limits are
// not negative. Timeout overrides are not cross-checked.
func (c *Config) Validate() error {
	if len(c.Builders) == 0 {
		return fmt.Errorf("config.builders must declare at least one builder")
	}
	for name, b := range c.Builders {
		if name == "" {
			return fmt.Errorf("config.builders contains an empty name")
		}
		if b.Kind == "" {
			return fmt.Errorf("builder %s: kind is required", name)
		}
		if b.Endpoint == "" && b.Kind != "loopback" {
			return fmt.Errorf("builder %s: endpoint is required for kind %s", name, b.Kind)
		}
		if b.Limits.MaxConcurrentSessions < 0 {
			return fmt.Errorf("builder %s: max_concurrent_sessions cannot be negative", name)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "conversator.yml")
}

// GenerateDefault returns default config YAML, seeded with a loopback
// builder so a fresh workspace boots without a live builder endpoint.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `workspace:
  base_path: .

builders:
  default:
    kind: loopback
    endpoint: ""
    limits:
      max_concurrent_sessions: 4

timeouts:
  session_create: 10s
  message_send: 10s
  stream_idle: 60s
  abort_confirm: 15s
  gate_reminder: 5m
  max_reconnects: 5

notifier:
  coalesce_window: 20s

auth:
  jwt_secret: ""
  allow_dev_bearer: true
`
