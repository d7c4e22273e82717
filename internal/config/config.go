// Package config holds all voyager configuration. Config is read from
// <workspace>/.voyager/config.yaml; a missing file yields defaults, and a
// small set of VOYAGER_* environment variables override the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can say "55m" or "30s".
// A bare integer is taken as seconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	return fmt.Errorf("invalid duration value")
}

// Config holds all voyager configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Mission defaults
	Mission MissionConfig `yaml:"mission"`

	// Conductor loop settings
	Conductor ConductorConfig `yaml:"conductor"`

	// Context watcher settings
	Watcher WatcherConfig `yaml:"watcher"`

	// Integration bus settings
	Bus BusConfig `yaml:"bus"`

	// Prompt factory settings
	Prompt PromptConfig `yaml:"prompt"`

	// Per-stage overrides keyed by stage name (PLANNING, BUILDING, ...)
	Stages map[string]StageOverride `yaml:"stages"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// MissionConfig configures mission record defaults.
type MissionConfig struct {
	CycleBudget int    `yaml:"cycle_budget"`
	StatePath   string `yaml:"state_path"` // relative to workspace
	AutoSave    bool   `yaml:"auto_save"`
}

// ConductorConfig configures the outer loop.
type ConductorConfig struct {
	RestartBudget   int      `yaml:"restart_budget"`
	LLMTimeout      Duration `yaml:"llm_timeout"`
	KillGracePeriod Duration `yaml:"kill_grace_period"`
}

// WatcherConfig configures the context watcher.
type WatcherConfig struct {
	PollInterval        Duration `yaml:"poll_interval"`
	GracefulThreshold   int      `yaml:"graceful_threshold"`
	EmergencyThreshold  int      `yaml:"emergency_threshold"`
	LowCacheRead        int      `yaml:"low_cache_read"`
	TimeHandoffAfter    Duration `yaml:"time_handoff_after"`
	StaleSessionTimeout Duration `yaml:"stale_session_timeout"`
}

// BusConfig configures the integration bus and built-in integrations.
type BusConfig struct {
	GitCommit      bool     `yaml:"git_commit"`
	GitTimeout     Duration `yaml:"git_timeout"`
	Analytics      bool     `yaml:"analytics"`
	AnalyticsPath  string   `yaml:"analytics_path"` // relative to workspace
	Checkpoints    bool     `yaml:"checkpoints"`
	DriftValidator bool     `yaml:"drift_validator"`
	Snapshots      bool     `yaml:"snapshots"`
}

// PromptConfig configures the prompt factory.
type PromptConfig struct {
	Provider        string `yaml:"provider"`          // ground-rules cache key
	GroundRulesDir  string `yaml:"ground_rules_dir"`  // relative to workspace
	HistoryTail     int    `yaml:"history_tail"`      // max history entries per prompt
	KnowledgeTopK   int    `yaml:"knowledge_top_k"`   // KB learnings per PLANNING prompt
	KnowledgeMaxLen int    `yaml:"knowledge_max_len"` // chars per KB entry
}

// StageOverride lets the config document replace a stage's restriction
// profile and prompt template. When present, config wins over the handler.
type StageOverride struct {
	PromptTemplate      string   `yaml:"prompt_template"` // path relative to workspace
	AllowedTools        []string `yaml:"allowed_tools"`
	BlockedTools        []string `yaml:"blocked_tools"`
	AllowedWritePaths   []string `yaml:"allowed_write_paths"`
	ForbiddenWritePaths []string `yaml:"forbidden_write_paths"`
	AllowBash           *bool    `yaml:"allow_bash"`
	ReadOnly            *bool    `yaml:"read_only"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "voyager",
		Version: "0.3.0",
		Mission: MissionConfig{
			CycleBudget: 1,
			StatePath:   filepath.Join(".voyager", "mission.json"),
			AutoSave:    true,
		},
		Conductor: ConductorConfig{
			RestartBudget:   3,
			LLMTimeout:      Duration(60 * time.Minute),
			KillGracePeriod: Duration(10 * time.Second),
		},
		Watcher: WatcherConfig{
			PollInterval:        Duration(1 * time.Second),
			GracefulThreshold:   130_000,
			EmergencyThreshold:  140_000,
			LowCacheRead:        5_000,
			TimeHandoffAfter:    Duration(55 * time.Minute),
			StaleSessionTimeout: Duration(5 * time.Minute),
		},
		Bus: BusConfig{
			GitCommit:      true,
			GitTimeout:     Duration(30 * time.Second),
			Analytics:      true,
			AnalyticsPath:  filepath.Join(".voyager", "analytics.db"),
			Checkpoints:    true,
			DriftValidator: true,
			Snapshots:      true,
		},
		Prompt: PromptConfig{
			Provider:        "claude",
			GroundRulesDir:  filepath.Join(".voyager", "rules"),
			HistoryTail:     10,
			KnowledgeTopK:   5,
			KnowledgeMaxLen: 500,
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads config from <workspace>/.voyager/config.yaml, falling back to
// defaults when the file is missing. A malformed file is an error; partial
// files are merged over defaults.
func Load(workspace string) (*Config, error) {
	cfg := DefaultConfig()

	path := filepath.Join(workspace, ".voyager", "config.yaml")
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
	cfg.normalize()
	return cfg, nil
}

// Save writes the config back to <workspace>/.voyager/config.yaml.
func (c *Config) Save(workspace string) error {
	dir := filepath.Join(workspace, ".voyager")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0644)
}

// applyEnvOverrides applies VOYAGER_* environment overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("VOYAGER_CYCLE_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Mission.CycleBudget = n
		}
	}
	if v := os.Getenv("VOYAGER_RESTART_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Conductor.RestartBudget = n
		}
	}
	if v := os.Getenv("VOYAGER_LLM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Conductor.LLMTimeout = Duration(d)
		}
	}
	if v := os.Getenv("VOYAGER_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.DebugMode = b
		}
	}
	if v := os.Getenv("VOYAGER_PROVIDER"); v != "" {
		c.Prompt.Provider = v
	}
}

// normalize clamps nonsensical values back to defaults.
func (c *Config) normalize() {
	def := DefaultConfig()
	if c.Mission.CycleBudget < 1 {
		c.Mission.CycleBudget = def.Mission.CycleBudget
	}
	if c.Conductor.RestartBudget < 1 {
		c.Conductor.RestartBudget = def.Conductor.RestartBudget
	}
	if c.Watcher.PollInterval <= 0 {
		c.Watcher.PollInterval = def.Watcher.PollInterval
	}
	if c.Watcher.GracefulThreshold <= 0 {
		c.Watcher.GracefulThreshold = def.Watcher.GracefulThreshold
	}
	if c.Watcher.EmergencyThreshold < c.Watcher.GracefulThreshold {
		c.Watcher.EmergencyThreshold = c.Watcher.GracefulThreshold + 10_000
	}
	if c.Watcher.LowCacheRead <= 0 {
		c.Watcher.LowCacheRead = def.Watcher.LowCacheRead
	}
	if c.Watcher.StaleSessionTimeout <= 0 {
		c.Watcher.StaleSessionTimeout = def.Watcher.StaleSessionTimeout
	}
	if c.Prompt.HistoryTail <= 0 {
		c.Prompt.HistoryTail = def.Prompt.HistoryTail
	}
	if c.Bus.GitTimeout <= 0 {
		c.Bus.GitTimeout = def.Bus.GitTimeout
	}
}
