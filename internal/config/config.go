package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	DefaultModel              = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens          = 4096
	DefaultOracleTimeout      = "30s"
	DefaultExtractWindow      = 20
	DefaultCompactionCooldown = "5m"
	DefaultCompactionMinFacts = 30
	DefaultCompactionSchedule = "@every 1m"
	DefaultWatchDebounce      = "500ms"
	DefaultRecentDays         = 3
)

type Config struct {
	Agent    AgentConfig    `json:"agent"`
	Provider ProviderConfig `json:"provider"`
	Memory   MemoryConfig   `json:"memory"`
	Log      LogConfig      `json:"log"`
}

type AgentConfig struct {
	Workspace string `json:"workspace"`
	Model     string `json:"model"`
	MaxTokens int    `json:"maxTokens"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type MemoryConfig struct {
	Model         string           `json:"model,omitempty"`
	MaxTokens     int              `json:"maxTokens,omitempty"`
	DBPath        string           `json:"dbPath,omitempty"`
	Provider      *ProviderConfig  `json:"provider,omitempty"`
	OracleTimeout string           `json:"oracleTimeout,omitempty"`
	ExtractWindow int              `json:"extractWindow,omitempty"`
	RecentDays    int              `json:"recentDays,omitempty"`
	Compaction    CompactionConfig `json:"compaction"`
	Watch         WatchConfig      `json:"watch"`
}

type CompactionConfig struct {
	Cooldown string `json:"cooldown,omitempty"`
	MinFacts int    `json:"minFacts,omitempty"`
	Schedule string `json:"schedule,omitempty"`
}

type WatchConfig struct {
	Enabled  bool   `json:"enabled"`
	Debounce string `json:"debounce,omitempty"`
}

type LogConfig struct {
	Debug bool `json:"debug"`
	JSON  bool `json:"json"`
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Agent: AgentConfig{
			Workspace: filepath.Join(home, ".memclaw", "workspace"),
			Model:     DefaultModel,
			MaxTokens: DefaultMaxTokens,
		},
		Memory: MemoryConfig{
			OracleTimeout: DefaultOracleTimeout,
			ExtractWindow: DefaultExtractWindow,
			RecentDays:    DefaultRecentDays,
			Compaction: CompactionConfig{
				Cooldown: DefaultCompactionCooldown,
				MinFacts: DefaultCompactionMinFacts,
				Schedule: DefaultCompactionSchedule,
			},
			Watch: WatchConfig{
				Enabled:  true,
				Debounce: DefaultWatchDebounce,
			},
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".memclaw")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// DBPath returns the turn buffer database path.
func (c *Config) DBPath() string {
	if c.Memory.DBPath != "" {
		return c.Memory.DBPath
	}
	return filepath.Join(ConfigDir(), "data", "turns.db")
}

// OracleTimeout parses Memory.OracleTimeout, falling back to the default.
func (c *Config) OracleTimeout() time.Duration {
	return parseDuration(c.Memory.OracleTimeout, DefaultOracleTimeout)
}

// CompactionCooldown parses Memory.Compaction.Cooldown, falling back to the default.
func (c *Config) CompactionCooldown() time.Duration {
	return parseDuration(c.Memory.Compaction.Cooldown, DefaultCompactionCooldown)
}

// WatchDebounce parses Memory.Watch.Debounce, falling back to the default.
func (c *Config) WatchDebounce() time.Duration {
	return parseDuration(c.Memory.Watch.Debounce, DefaultWatchDebounce)
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("MEMCLAW_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("MEMCLAW_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if url := os.Getenv("ANTHROPIC_BASE_URL"); url != "" && cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = url
	}
	if t := os.Getenv("MEMCLAW_PROVIDER_TYPE"); t != "" {
		cfg.Provider.Type = t
	}
	if ws := os.Getenv("MEMCLAW_WORKSPACE"); ws != "" {
		cfg.Agent.Workspace = ws
	}
	if model := os.Getenv("MEMCLAW_MEMORY_MODEL"); model != "" {
		cfg.Memory.Model = model
	}
	if key := os.Getenv("MEMCLAW_MEMORY_API_KEY"); key != "" {
		if cfg.Memory.Provider == nil {
			cfg.Memory.Provider = &ProviderConfig{}
		}
		cfg.Memory.Provider.APIKey = key
	}
	if url := os.Getenv("MEMCLAW_MEMORY_BASE_URL"); url != "" {
		if cfg.Memory.Provider == nil {
			cfg.Memory.Provider = &ProviderConfig{}
		}
		cfg.Memory.Provider.BaseURL = url
	}
	if dbPath := os.Getenv("MEMCLAW_MEMORY_DB_PATH"); dbPath != "" {
		cfg.Memory.DBPath = dbPath
	}
	if maxTokens := os.Getenv("MEMCLAW_MEMORY_MAX_TOKENS"); maxTokens != "" {
		if parsed, err := strconv.Atoi(maxTokens); err == nil {
			cfg.Memory.MaxTokens = parsed
		}
	}
	if timeout := os.Getenv("MEMCLAW_ORACLE_TIMEOUT"); timeout != "" {
		cfg.Memory.OracleTimeout = timeout
	}
	if cooldown := os.Getenv("MEMCLAW_COMPACTION_COOLDOWN"); cooldown != "" {
		cfg.Memory.Compaction.Cooldown = cooldown
	}
	if minFacts := os.Getenv("MEMCLAW_COMPACTION_MIN_FACTS"); minFacts != "" {
		if parsed, err := strconv.Atoi(minFacts); err == nil {
			cfg.Memory.Compaction.MinFacts = parsed
		}
	}
	if debug := os.Getenv("MEMCLAW_DEBUG"); debug != "" {
		if parsed, err := strconv.ParseBool(debug); err == nil {
			cfg.Log.Debug = parsed
		}
	}

	if cfg.Agent.Workspace == "" {
		cfg.Agent.Workspace = DefaultConfig().Agent.Workspace
	}
	if cfg.Memory.ExtractWindow <= 0 {
		cfg.Memory.ExtractWindow = DefaultExtractWindow
	}
	if cfg.Memory.RecentDays <= 0 {
		cfg.Memory.RecentDays = DefaultRecentDays
	}
	if cfg.Memory.Compaction.MinFacts <= 0 {
		cfg.Memory.Compaction.MinFacts = DefaultCompactionMinFacts
	}
	if cfg.Memory.Compaction.Schedule == "" {
		cfg.Memory.Compaction.Schedule = DefaultCompactionSchedule
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}

func parseDuration(value, fallback string) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(fallback)
	return d
}
