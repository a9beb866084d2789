// Package config loads the engine configuration from config.yaml under the
// legalease home directory, with environment overrides and normalization.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alliecatowo/legalease-ai/internal/otel"
)

// LLMConfig names the active inference provider and model.
type LLMConfig struct {
	// Provider is one of "anthropic", "openai", "openai_compatible", "google".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`

	// MaxRetries bounds corrective re-prompts on schema violations.
	MaxRetries int `yaml:"max_retries"`

	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"`
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"`
}

// GraphConfig points at the optional knowledge graph service.
type GraphConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

// RetentionConfig controls the storage janitor.
type RetentionConfig struct {
	// Schedule is a 5-field cron expression. Empty means daily at 03:00.
	Schedule string `yaml:"schedule"`
	// WindowDays is how long terminal run history is kept.
	WindowDays int `yaml:"window_days"`
}

// BroadcastConfig tunes the progress stream.
type BroadcastConfig struct {
	PollIntervalSeconds       int     `yaml:"poll_interval_seconds"`
	PausedPollIntervalSeconds int     `yaml:"paused_poll_interval_seconds"`
	ProgressThreshold         float64 `yaml:"progress_threshold"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// DBPath overrides the default <home>/legalease.db location.
	DBPath string `yaml:"db_path"`

	// EvidenceRoot is the directory holding per-case evidence layouts.
	EvidenceRoot string `yaml:"evidence_root"`

	// AuthToken guards the HTTP API. Empty disables all authenticated
	// endpoints; the daemon refuses to serve them without a token.
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	// RunTimeoutMinutes is the hard per-run ceiling. Default 240 (4 hours).
	RunTimeoutMinutes int `yaml:"run_timeout_minutes"`

	LLM       LLMConfig       `yaml:"llm"`
	Graph     GraphConfig     `yaml:"graph"`
	Retention RetentionConfig `yaml:"retention"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	OTel      otel.Config     `yaml:"otel"`
}

// RunTimeout returns the configured per-run ceiling as a duration.
func (c Config) RunTimeout() time.Duration {
	return time.Duration(c.RunTimeoutMinutes) * time.Minute
}

// RetentionWindow returns the retention window as a duration.
func (c Config) RetentionWindow() time.Duration {
	return time.Duration(c.Retention.WindowDays) * 24 * time.Hour
}

// Fingerprint returns a stable hash of the active config, exposed on
// /healthz so operators can tell which config a daemon is running.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|evidence=%s|timeout=%d|llm=%s/%s|graph=%s|origins=%v",
		c.BindAddr, c.LogLevel, c.DBPath, c.EvidenceRoot, c.RunTimeoutMinutes,
		c.LLM.Provider, c.LLM.Model, c.Graph.Endpoint, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:          "127.0.0.1:18990",
		LogLevel:          "info",
		EvidenceRoot:      "./evidence",
		RunTimeoutMinutes: 240,
		LLM: LLMConfig{
			Provider:   "anthropic",
			MaxRetries: 2,
		},
		Retention: RetentionConfig{
			WindowDays: 7,
		},
		Broadcast: BroadcastConfig{
			PollIntervalSeconds:       2,
			PausedPollIntervalSeconds: 10,
			ProgressThreshold:         1.0,
		},
	}
}

// HomeDir returns the legalease home directory, honoring LEGALEASE_HOME.
func HomeDir() string {
	if override := os.Getenv("LEGALEASE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".legalease")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the legalease home, applies environment
// overrides, and normalizes defaults. A missing file yields the defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create legalease home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18990"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "legalease.db")
	}
	if cfg.EvidenceRoot == "" {
		cfg.EvidenceRoot = "./evidence"
	}
	if cfg.RunTimeoutMinutes <= 0 {
		cfg.RunTimeoutMinutes = 240
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.MaxRetries <= 0 {
		cfg.LLM.MaxRetries = 2
	}
	if cfg.Retention.WindowDays <= 0 {
		cfg.Retention.WindowDays = 7
	}
	if cfg.Broadcast.PollIntervalSeconds <= 0 {
		cfg.Broadcast.PollIntervalSeconds = 2
	}
	if cfg.Broadcast.PausedPollIntervalSeconds <= 0 {
		cfg.Broadcast.PausedPollIntervalSeconds = 10
	}
	if cfg.Broadcast.ProgressThreshold <= 0 {
		cfg.Broadcast.ProgressThreshold = 1.0
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("LEGALEASE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("LEGALEASE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("LEGALEASE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("LEGALEASE_EVIDENCE_ROOT"); raw != "" {
		cfg.EvidenceRoot = raw
	}
	if raw := os.Getenv("LEGALEASE_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("LEGALEASE_RUN_TIMEOUT_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RunTimeoutMinutes = v
		}
	}
	if raw := os.Getenv("LEGALEASE_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("LEGALEASE_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("KGRAPH_ENDPOINT"); raw != "" {
		cfg.Graph.Endpoint = raw
	}
	if raw := os.Getenv("KGRAPH_API_KEY"); raw != "" {
		cfg.Graph.APIKey = raw
	}
}
