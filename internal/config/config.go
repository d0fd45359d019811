// Package config loads runtime configuration: defaults, then a TOML file,
// then environment variables (env wins).
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	LLM      LLMConfig      `toml:"llm"`
	Agent    AgentConfig    `toml:"agent"`
	Spawn    SpawnConfig    `toml:"spawn"`
	Session  SessionConfig  `toml:"session"`
	RunLog   RunLogConfig   `toml:"run_log"`
	Server   ServerConfig   `toml:"server"`
	Observer ObserverConfig `toml:"observer"`
}

type LLMConfig struct {
	// Provider selects the wire format: "anthropic" or "openai".
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	BaseURL  string `toml:"base_url"`
	// MaxTokensCeiling is the model's completion token ceiling; requests
	// above it are clamped.
	MaxTokensCeiling int `toml:"max_tokens_ceiling"`
}

type AgentConfig struct {
	MaxSteps      int    `toml:"max_steps"`
	WorkspacePath string `toml:"workspace_path"`
	// Compression thresholds. MaxUserRounds user turns OR TokenLimit
	// estimated tokens trigger core-memory compression.
	MaxUserRounds int `toml:"max_user_rounds"`
	TokenLimit    int `toml:"token_limit"`
}

type SpawnConfig struct {
	// MaxDepth bounds sub-agent nesting (1-5).
	MaxDepth int `toml:"max_depth"`
}

type SessionConfig struct {
	// Backend selects storage: "file", "sqlite", or "postgres".
	Backend string `toml:"backend"`
	Dir     string `toml:"dir"`
	DBPath  string `toml:"db_path"`
	// PostgresURL is the pgx connection string for the postgres backend.
	PostgresURL string `toml:"postgres_url"`
}

type RunLogConfig struct {
	// Sink selects the run-log destination: "none", "file", or "redis".
	Sink string `toml:"sink"`
	Dir  string `toml:"dir"`
	// RedisAddr is host:port for the redis sink.
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RetentionDays int    `toml:"retention_days"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		LLM: LLMConfig{Provider: "anthropic", Model: "claude-sonnet-4-20250514"},
		Agent: AgentConfig{
			MaxSteps:      50,
			WorkspacePath: filepath.Join(home, "skill-agent-workspace"),
			MaxUserRounds: 2,
			TokenLimit:    120_000,
		},
		Spawn:   SpawnConfig{MaxDepth: 2},
		Session: SessionConfig{Backend: "file", Dir: "sessions", DBPath: "sessions.db"},
		RunLog:  RunLogConfig{Sink: "file", Dir: "run_logs", RetentionDays: 7},
		Server:  ServerConfig{Addr: ":8080"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "skill-agent.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("SKILLAGENT_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("SKILLAGENT_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("SKILLAGENT_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("SKILLAGENT_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("SKILLAGENT_WORKSPACE"); v != "" {
		cfg.Agent.WorkspacePath = v
	}
	if v := os.Getenv("SKILLAGENT_MAX_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Agent.MaxSteps = n
		}
	}
	if v := os.Getenv("SKILLAGENT_SPAWN_MAX_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Spawn.MaxDepth = n
		}
	}
	if v := os.Getenv("SKILLAGENT_SESSION_BACKEND"); v != "" {
		cfg.Session.Backend = v
	}
	if v := os.Getenv("SKILLAGENT_SESSION_DIR"); v != "" {
		cfg.Session.Dir = v
	}
	if v := os.Getenv("SKILLAGENT_POSTGRES_URL"); v != "" {
		cfg.Session.PostgresURL = v
	}
	if v := os.Getenv("SKILLAGENT_REDIS_ADDR"); v != "" {
		cfg.RunLog.RedisAddr = v
		cfg.RunLog.Sink = "redis"
	}
	if v := os.Getenv("SKILLAGENT_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("SKILLAGENT_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	// Clamp the spawn depth to its documented range.
	if cfg.Spawn.MaxDepth < 1 {
		cfg.Spawn.MaxDepth = 1
	}
	if cfg.Spawn.MaxDepth > 5 {
		cfg.Spawn.MaxDepth = 5
	}
	return cfg
}
