// Package config loads and validates octogate server configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all octogate configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Agent     AgentConfig     `yaml:"agent"`
	Tools     ToolsConfig     `yaml:"tools"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr"`
	LogLevel string `yaml:"logLevel"`
	// AuthSecret enables JWT bearer auth on the API when non-empty.
	AuthSecret string `yaml:"authSecret"`
}

type StoreConfig struct {
	// Path is the SQLite database file. ":memory:" is accepted for tests.
	Path string `yaml:"path"`
}

type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
	// PollIntervalSec is how often the job runner scans for due jobs.
	PollIntervalSec int `yaml:"pollIntervalSec"`
}

type AgentConfig struct {
	// HistoryLimit is the bounded window of prior messages threaded into
	// each model prompt.
	HistoryLimit int `yaml:"historyLimit"`
}

type ToolsConfig struct {
	// CommandToolsPath points at an optional TOML file declaring shell
	// command tools exposed to the model.
	CommandToolsPath string `yaml:"commandToolsPath"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:     ":8420",
			LogLevel: "info",
		},
		Store: StoreConfig{
			Path: "octogate.db",
		},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			PollIntervalSec: 30,
		},
		Agent: AgentConfig{
			HistoryLimit: 50,
		},
	}
}

// Load reads the YAML config at path, expands ${ENV_VAR} references, and
// applies defaults for anything left unset. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Server.Addr == "" {
		c.Server.Addr = def.Server.Addr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = def.Server.LogLevel
	}
	if c.Store.Path == "" {
		c.Store.Path = def.Store.Path
	}
	if c.Scheduler.PollIntervalSec == 0 {
		c.Scheduler.PollIntervalSec = def.Scheduler.PollIntervalSec
	}
	if c.Agent.HistoryLimit <= 0 {
		c.Agent.HistoryLimit = def.Agent.HistoryLimit
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	switch c.Server.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logLevel %q (use debug, info, warn, or error)", c.Server.LogLevel)
	}
	if c.Scheduler.PollIntervalSec < 1 {
		return fmt.Errorf("scheduler pollIntervalSec %d too small (minimum 1)", c.Scheduler.PollIntervalSec)
	}
	return nil
}

// PollInterval returns the scheduler poll interval as a duration.
func (c *SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}
