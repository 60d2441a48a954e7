package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envConfigPath        = "CHATSYNC_CONFIG"
	envTelegramBotToken  = "TELEGRAM_BOT_TOKEN"
	envTelegramAllowFrom = "TELEGRAM_ALLOW_FROM"
	envHistoryPath       = "CHATSYNC_HISTORY_PATH"
)

// ErrNotFound is returned when no config file exists in the search path.
var ErrNotFound = errors.New("config file not found")

// Config is the root runtime configuration loaded from config.json or config.yaml.
type Config struct {
	Chat      ChatConfig      `json:"chat" yaml:"chat"`
	History   HistoryConfig   `json:"history" yaml:"history"`
	Channels  ChannelsConfig  `json:"channels" yaml:"channels"`
	Providers ProvidersConfig `json:"providers" yaml:"providers"`
	Gateway   GatewayConfig   `json:"gateway" yaml:"gateway"`
	Logging   LoggingConfig   `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty" yaml:"format,omitempty"`
	Level     string `json:"level,omitempty" yaml:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty" yaml:"add_source,omitempty"`
}

// ChatConfig controls merge ordering and the typing effect.
type ChatConfig struct {
	Ordering         string `json:"ordering" yaml:"ordering"`
	TypingIntervalMS int    `json:"typing_interval_ms" yaml:"typing_interval_ms"`
	TypingStep       int    `json:"typing_step" yaml:"typing_step"`
	ClockSkewSeconds int    `json:"clock_skew_seconds" yaml:"clock_skew_seconds"`
}

// TypingInterval returns the typing effect tick, defaulting to 30ms.
func (c ChatConfig) TypingInterval() time.Duration {
	if c.TypingIntervalMS <= 0 {
		return 30 * time.Millisecond
	}
	return time.Duration(c.TypingIntervalMS) * time.Millisecond
}

// ClockSkew returns the opt-in pending confirmation window. Zero means any
// correlating confirmed message confirms a pending one, whatever its age.
func (c ChatConfig) ClockSkew() time.Duration {
	if c.ClockSkewSeconds <= 0 {
		return 0
	}
	return time.Duration(c.ClockSkewSeconds) * time.Second
}

// HistoryConfig configures the local history cache.
type HistoryConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	Path          string `json:"path" yaml:"path"`
	RetentionDays int    `json:"retention_days" yaml:"retention_days"`
	PruneCron     string `json:"prune_cron" yaml:"prune_cron"`
}

// MaxAge returns the retention window, or zero when retention is off.
func (c HistoryConfig) MaxAge() time.Duration {
	if c.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// ProvidersConfig stores per-provider connection settings.
type ProvidersConfig struct {
	OpenAI OpenAIProviderConfig `json:"openai" yaml:"openai"`
}

// OpenAIProviderConfig configures the OpenAI streaming client.
type OpenAIProviderConfig struct {
	Enabled               bool   `json:"enabled" yaml:"enabled"`
	APIKeyEnv             string `json:"api_key_env" yaml:"api_key_env"`
	BaseURL               string `json:"base_url" yaml:"base_url"`
	Organization          string `json:"organization" yaml:"organization"`
	Project               string `json:"project" yaml:"project"`
	Model                 string `json:"model" yaml:"model"`
	Instructions          string `json:"instructions" yaml:"instructions"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds" yaml:"request_timeout_seconds"`
}

// ChannelsConfig stores source settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	Replay   ReplayConfig   `json:"replay" yaml:"replay"`
}

// TelegramConfig configures Telegram channel integration.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Token     string   `json:"token" yaml:"token"`
	AllowFrom []string `json:"allow_from" yaml:"allow_from"`
}

// ReplayConfig configures a recorded JSONL source.
type ReplayConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
	DelayMS int    `json:"delay_ms" yaml:"delay_ms"`
}

// GatewayConfig configures HTTP gateway bind settings.
type GatewayConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{
		Chat: ChatConfig{
			Ordering:         "id",
			TypingIntervalMS: 30,
			TypingStep:       3,
		},
		History: HistoryConfig{
			PruneCron: "0 2 * * *",
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18790,
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
	}
	applyEnvOverrides(cfg)
	return cfg
}

// LoadConfig resolves the config file, decodes it, and applies environment
// overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	return LoadFile(configPath)
}

// LoadFile decodes one config file. The format follows the file extension.
func LoadFile(configPath string) (*Config, error) {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	default:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if token := strings.TrimSpace(os.Getenv(envTelegramBotToken)); token != "" {
		cfg.Channels.Telegram.Token = token
	}

	if rawAllowFrom := strings.TrimSpace(os.Getenv(envTelegramAllowFrom)); rawAllowFrom != "" {
		cfg.Channels.Telegram.AllowFrom = parseCSV(rawAllowFrom)
	}

	if historyPath := strings.TrimSpace(os.Getenv(envHistoryPath)); historyPath != "" {
		cfg.History.Path = historyPath
		cfg.History.Enabled = true
	}
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is CHATSYNC_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config.yaml"),
		filepath.Join(cwd, "config", "config.json"),
		filepath.Join(cwd, "config", "config.yaml"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w (checked %s)", ErrNotFound, strings.Join(candidates, ", "))
}
