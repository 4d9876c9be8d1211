// Package config loads forensiq configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all forensiq configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Primary (search-indexed) store
	Elastic ElasticConfig `yaml:"elastic"`

	// Fallback (relational) store
	Database DatabaseConfig `yaml:"database"`

	// External parsing tools
	Tools ToolsConfig `yaml:"tools"`

	// Disk-image staging
	Collector CollectorConfig `yaml:"collector"`

	// Language model access
	LLM LLMConfig `yaml:"llm"`

	// Investigation agent loop
	Agent AgentConfig `yaml:"agent"`

	Logging LoggingConfig `yaml:"logging"`
}

// ElasticConfig configures the primary store client.
type ElasticConfig struct {
	URL     string `yaml:"url"`
	Timeout string `yaml:"timeout"`
}

// DatabaseConfig configures the SQLite fallback store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ToolsConfig holds paths and timeouts for the external artifact tools.
// Each path is resolved through PATH when not absolute.
type ToolsConfig struct {
	Prefetch string `yaml:"prefetch"`
	EventLog string `yaml:"eventlog"`
	Registry string `yaml:"registry"`
	LNK      string `yaml:"lnk"`

	// Timeout per tool invocation. Event log and registry hives are large;
	// they get the slow timeout.
	Timeout     string `yaml:"timeout"`
	SlowTimeout string `yaml:"slow_timeout"`
}

// CollectorConfig configures disk-image staging.
type CollectorConfig struct {
	StagingDir string `yaml:"staging_dir"`

	// TSK binaries
	MMLS string `yaml:"mmls"`
	FLS  string `yaml:"fls"`
	ICAT string `yaml:"icat"`

	// Artifact path patterns per category, matched against paths inside
	// the image. Single-segment wildcards only.
	Patterns map[string][]string `yaml:"patterns"`

	Timeout string `yaml:"timeout"`
}

// LLMConfig configures the model client used by the agent.
type LLMConfig struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	Timeout   string `yaml:"timeout"`
	MaxTokens int    `yaml:"max_tokens"`
}

// AgentConfig configures the investigation loop.
type AgentConfig struct {
	// MaxRounds caps tool-call rounds per question.
	MaxRounds int `yaml:"max_rounds"`

	// HistoryWindow caps retained conversation messages.
	HistoryWindow int `yaml:"history_window"`

	// ToolTimeout bounds a single facade tool call.
	ToolTimeout string `yaml:"tool_timeout"`
}

// LoggingConfig configures categorized logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Dir        string          `yaml:"dir"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "forensiq",
		Version: "1.0.0",

		Elastic: ElasticConfig{
			URL:     "http://localhost:9200",
			Timeout: "30s",
		},

		Database: DatabaseConfig{
			Path: "data/forensiq.db",
		},

		Tools: ToolsConfig{
			Prefetch:    "pecmd",
			EventLog:    "evtxecmd",
			Registry:    "recmd",
			LNK:         "lecmd",
			Timeout:     "300s",
			SlowTimeout: "600s",
		},

		Collector: CollectorConfig{
			StagingDir: "data/staging",
			MMLS:       "mmls",
			FLS:        "fls",
			ICAT:       "icat",
			Patterns: map[string][]string{
				"prefetch": {"Windows/Prefetch/*.pf"},
				"eventlog": {"Windows/System32/winevt/Logs/*.evtx"},
				"registry": {
					"Windows/System32/config/SYSTEM",
					"Windows/System32/config/SOFTWARE",
					"Windows/System32/config/SAM",
					"Windows/System32/config/SECURITY",
					"Users/*/NTUSER.DAT",
				},
				"browser": {
					"Users/*/AppData/Local/Google/Chrome/User Data/Default/History",
					"Users/*/AppData/Local/Microsoft/Edge/User Data/Default/History",
					"Users/*/AppData/Roaming/Mozilla/Firefox/Profiles/*/places.sqlite",
				},
				"lnk": {
					"Users/*/AppData/Roaming/Microsoft/Windows/Recent/*.lnk",
					"Users/*/Desktop/*.lnk",
				},
			},
			Timeout: "300s",
		},

		LLM: LLMConfig{
			Model:     "claude-sonnet-4-5-20250514",
			BaseURL:   "https://api.anthropic.com",
			Timeout:   "120s",
			MaxTokens: 4096,
		},

		Agent: AgentConfig{
			MaxRounds:     10,
			HistoryWindow: 40,
			ToolTimeout:   "60s",
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
			Dir:       "data/logs",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults when
// the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if url := os.Getenv("ELASTIC_URL"); url != "" {
		c.Elastic.URL = url
	}
	if path := os.Getenv("FORENSIQ_DB"); path != "" {
		c.Database.Path = path
	}
	if dir := os.Getenv("FORENSIQ_STAGING"); dir != "" {
		c.Collector.StagingDir = dir
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// GetElasticTimeout returns the primary store request timeout.
func (c *Config) GetElasticTimeout() time.Duration {
	return parseDuration(c.Elastic.Timeout, 30*time.Second)
}

// GetToolTimeout returns the default external tool timeout.
func (c *Config) GetToolTimeout() time.Duration {
	return parseDuration(c.Tools.Timeout, 300*time.Second)
}

// GetSlowToolTimeout returns the timeout for the heavier tools.
func (c *Config) GetSlowToolTimeout() time.Duration {
	return parseDuration(c.Tools.SlowTimeout, 600*time.Second)
}

// GetCollectorTimeout returns the TSK invocation timeout.
func (c *Config) GetCollectorTimeout() time.Duration {
	return parseDuration(c.Collector.Timeout, 300*time.Second)
}

// GetLLMTimeout returns the model request timeout.
func (c *Config) GetLLMTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 120*time.Second)
}

// GetAgentToolTimeout returns the per-tool-call timeout inside the loop.
func (c *Config) GetAgentToolTimeout() time.Duration {
	return parseDuration(c.Agent.ToolTimeout, 60*time.Second)
}

// Validate checks settings required at runtime. The API key is only needed
// when the agent is used, so it is validated separately.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path not configured")
	}
	if c.Agent.MaxRounds <= 0 {
		return fmt.Errorf("agent max_rounds must be positive, got %d", c.Agent.MaxRounds)
	}
	return nil
}

// ValidateLLM checks model access settings.
func (c *Config) ValidateLLM() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("LLM API key not configured (set ANTHROPIC_API_KEY or llm.api_key)")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("LLM model not configured")
	}
	return nil
}
