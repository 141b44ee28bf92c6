// Package config loads loom's project configuration. A project may
// carry a loom.yaml or loom.toml at its root; both describe the same
// structure and every field has a usable default, so a missing file is
// not an error.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"loom/pkg/scheduler"
)

// Candidate file names at the project root, in priority order.
var fileNames = []string{"loom.yaml", "loom.yml", "loom.toml"}

// Config is the full project configuration.
type Config struct {
	// DBPath locates the event log database. Empty uses the per-user
	// default.
	DBPath string `yaml:"db_path" toml:"db_path"`

	Watch     Watch     `yaml:"watch" toml:"watch"`
	Scheduler Scheduler `yaml:"scheduler" toml:"scheduler"`
	Local     Local     `yaml:"local" toml:"local"`
	Remote    Remote    `yaml:"remote" toml:"remote"`
}

// Watch configures the annotation file watcher.
type Watch struct {
	// Extensions are the file suffixes scanned for annotations.
	Extensions []string `yaml:"extensions" toml:"extensions"`

	// FallbackPollSeconds is the safety-net rescan interval backing up
	// the fsnotify watch (default 60).
	FallbackPollSeconds int `yaml:"fallback_poll_seconds" toml:"fallback_poll_seconds"`
}

// Scheduler tunes dispatch and escalation.
type Scheduler struct {
	MaxConcurrent       int     `yaml:"max_concurrent" toml:"max_concurrent"`
	PollIntervalMS      int     `yaml:"poll_interval_ms" toml:"poll_interval_ms"`
	EscalationThreshold float64 `yaml:"escalation_threshold" toml:"escalation_threshold"`
	RetentionMinutes    int     `yaml:"retention_minutes" toml:"retention_minutes"`
}

// Local configures the cheap subprocess backend. An empty command
// disables the tier; events then go straight to the remote backend.
type Local struct {
	Command string   `yaml:"command" toml:"command"`
	Args    []string `yaml:"args" toml:"args"`
}

// Remote configures the costly HTTP backend.
type Remote struct {
	BaseURL string `yaml:"base_url" toml:"base_url"`
	Model   string `yaml:"model" toml:"model"`

	// APIKeyEnv names the environment variable carrying the key. The
	// key itself never lives in the config file.
	APIKeyEnv string `yaml:"api_key_env" toml:"api_key_env"`

	MaxTokens int `yaml:"max_tokens" toml:"max_tokens"`
}

// APIKey resolves the remote key from the configured environment
// variable.
func (r Remote) APIKey() string {
	if r.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(r.APIKeyEnv)
}

func (c Config) withDefaults() Config {
	out := c
	if len(out.Watch.Extensions) == 0 {
		out.Watch.Extensions = []string{".go", ".py", ".ts", ".js", ".rs"}
	}
	if out.Watch.FallbackPollSeconds == 0 {
		out.Watch.FallbackPollSeconds = 60
	}
	if out.Scheduler.MaxConcurrent == 0 {
		out.Scheduler.MaxConcurrent = scheduler.DefaultMaxConcurrent
	}
	if out.Scheduler.PollIntervalMS == 0 {
		out.Scheduler.PollIntervalMS = int(scheduler.DefaultPollInterval / time.Millisecond)
	}
	if out.Scheduler.EscalationThreshold == 0 {
		out.Scheduler.EscalationThreshold = scheduler.DefaultEscalationThreshold
	}
	if out.Scheduler.RetentionMinutes == 0 {
		out.Scheduler.RetentionMinutes = int(scheduler.DefaultRetention / time.Minute)
	}
	if out.Remote.BaseURL == "" {
		out.Remote.BaseURL = "http://localhost:1234"
	}
	return out
}

// SchedulerConfig converts the file representation into the
// scheduler's native tuning struct.
func (c Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		MaxConcurrent:       c.Scheduler.MaxConcurrent,
		PollInterval:        time.Duration(c.Scheduler.PollIntervalMS) * time.Millisecond,
		EscalationThreshold: c.Scheduler.EscalationThreshold,
		Retention:           time.Duration(c.Scheduler.RetentionMinutes) * time.Minute,
	}
}

// FallbackPoll returns the watcher safety-net interval.
func (c Config) FallbackPoll() time.Duration {
	return time.Duration(c.Watch.FallbackPollSeconds) * time.Second
}

// Load reads the project config from root, trying loom.yaml, loom.yml,
// then loom.toml. A missing file yields pure defaults; a present but
// malformed file is an error — silently ignoring a typo'd config is
// worse than failing.
func Load(root string) (Config, error) {
	for _, name := range fileNames {
		path := filepath.Join(root, name)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return Config{}, fmt.Errorf("read %s: %w", path, err)
		}

		var cfg Config
		if filepath.Ext(name) == ".toml" {
			err = toml.Unmarshal(data, &cfg)
		} else {
			err = yaml.Unmarshal(data, &cfg)
		}
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
		return cfg.withDefaults(), nil
	}
	return Config{}.withDefaults(), nil
}
