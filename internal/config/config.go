// Package config loads and validates the pipeline's configuration: spec §6's
// five recognized sections (Router, Compaction, ToolLoop, RateLimit, LLM)
// plus the ambient logging/tracing concerns every turn runs under regardless
// of which features are in scope.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Router     RouterConfig     `yaml:"router"`
	Compaction CompactionConfig `yaml:"compaction"`
	ToolLoop   ToolLoopConfig   `yaml:"tool_loop"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	LLM        LLMConfig        `yaml:"llm"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
	CacheTrace CacheTraceConfig `yaml:"cache_trace"`
	Session    SessionConfig    `yaml:"session"`
}

// SessionConfig selects and configures C11 SessionStore's backend. This is
// outside spec §6's five named sections (spec.md scopes concrete backends
// out entirely), but session.Store ships sqlitestore and pgstore adapters
// alongside MemoryStore, so something has to pick between them.
type SessionConfig struct {
	// Backend is one of "memory" (default), "sqlite", or "postgres".
	Backend  string               `yaml:"backend"`
	SQLite   SQLiteSessionConfig  `yaml:"sqlite"`
	Postgres PostgresSessionConfig `yaml:"postgres"`
}

// SQLiteSessionConfig configures internal/session/sqlitestore.Open.
type SQLiteSessionConfig struct {
	Path string `yaml:"path"`
}

// PostgresSessionConfig configures internal/session/pgstore.Open, mirroring
// the teacher's CockroachConfig shape.
type PostgresSessionConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// ChannelsConfig holds the bare credentials the inbound channel port (spec
// §6) needs to connect; everything beyond connecting and relaying one
// message at a time (richer channel-transport features) is out of scope.
type ChannelsConfig struct {
	TelegramToken string `yaml:"telegram_token"`
	DiscordToken  string `yaml:"discord_token"`
	SlackBotToken string `yaml:"slack_bot_token"`
	SlackAppToken string `yaml:"slack_app_token"`
}

// RouterConfig is spec §6's Router section: a model/reasoning-effort pair
// per tier, the shared temperature, and the dynamic-tier-upgrade toggle.
type RouterConfig struct {
	BalancedModel     string `yaml:"balanced_model"`
	BalancedReasoning string `yaml:"balanced_reasoning"`
	SmartModel        string `yaml:"smart_model"`
	SmartReasoning    string `yaml:"smart_reasoning"`
	CodingModel       string `yaml:"coding_model"`
	CodingReasoning   string `yaml:"coding_reasoning"`
	DeepModel         string `yaml:"deep_model"`
	DeepReasoning     string `yaml:"deep_reasoning"`

	Temperature        float64 `yaml:"temperature"`
	DynamicTierEnabled *bool   `yaml:"dynamic_tier_enabled"`
}

// IsDynamicTierEnabled reports the effective value after defaulting.
func (c RouterConfig) IsDynamicTierEnabled() bool {
	return c.DynamicTierEnabled == nil || *c.DynamicTierEnabled
}

// CompactionConfig is spec §6's Compaction section.
type CompactionConfig struct {
	Enabled                    *bool   `yaml:"enabled"`
	MaxContextTokens           int     `yaml:"max_context_tokens"`
	KeepLastMessages           int     `yaml:"keep_last_messages"`
	CharsPerToken              float64 `yaml:"chars_per_token"`
	SystemPromptOverheadTokens int     `yaml:"system_prompt_overhead_tokens"`
	MaxToolResultChars         int     `yaml:"max_tool_result_chars"`
}

// IsEnabled reports the effective value after defaulting.
func (c CompactionConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ToolLoopConfig is spec §6's ToolLoop section.
type ToolLoopConfig struct {
	MaxIterations             int  `yaml:"max_iterations"`
	TurnDeadlineMs            int  `yaml:"turn_deadline_ms"`
	ToolTimeoutMs             int  `yaml:"tool_timeout_ms"`
	MaxToolCallsPerIteration  int  `yaml:"max_tool_calls_per_iteration"`
	RepeatGuardThreshold      int  `yaml:"repeat_guard_threshold"`
	MaxToolFailures           int  `yaml:"max_tool_failures"`
	ParallelTools             bool `yaml:"parallel_tools"`
}

// maxToolTimeoutMs is spec §6's cap on ToolLoop.toolTimeoutMs.
const maxToolTimeoutMs = 300_000

// RateLimitConfig is spec §6's RateLimit section: three independent scopes
// (C1 composes them with ratelimit.MultiLimiter).
type RateLimitConfig struct {
	Enabled                  bool    `yaml:"enabled"`
	UserRequestsPerMinute    float64 `yaml:"user_requests_per_minute"`
	ChannelMessagesPerSecond float64 `yaml:"channel_messages_per_second"`
	LLMRequestsPerMinute     float64 `yaml:"llm_requests_per_minute"`
}

// Load reads, merges ($include-aware via LoadRaw), defaults, and validates
// a configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}

	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromBytes parses cfg from an in-memory YAML document, applying the
// same env-expansion, defaulting, and validation Load does. Used by tests
// and callers that already have the document in hand.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	applyRouterDefaults(&cfg.Router)
	applyCompactionDefaults(&cfg.Compaction)
	applyToolLoopDefaults(&cfg.ToolLoop)
	applyRateLimitDefaults(&cfg.RateLimit)
	applyLLMDefaults(&cfg.LLM)
	applyLoggingDefaults(&cfg.Logging)
	applyTracingDefaults(&cfg.Tracing)
	applySessionDefaults(&cfg.Session)
}

func applySessionDefaults(cfg *SessionConfig) {
	if cfg.Backend == "" {
		cfg.Backend = "memory"
	}
	if cfg.SQLite.Path == "" {
		cfg.SQLite.Path = "turnloop.db"
	}
	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 26257
	}
	if cfg.Postgres.SSLMode == "" {
		cfg.Postgres.SSLMode = "disable"
	}
}

func applyRouterDefaults(cfg *RouterConfig) {
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.DynamicTierEnabled == nil {
		enabled := true
		cfg.DynamicTierEnabled = &enabled
	}
}

func applyCompactionDefaults(cfg *CompactionConfig) {
	if cfg.Enabled == nil {
		enabled := true
		cfg.Enabled = &enabled
	}
	if cfg.MaxContextTokens == 0 {
		cfg.MaxContextTokens = 128_000
	}
	if cfg.KeepLastMessages == 0 {
		cfg.KeepLastMessages = 10
	}
	if cfg.CharsPerToken == 0 {
		cfg.CharsPerToken = 3.5
	}
	if cfg.SystemPromptOverheadTokens == 0 {
		cfg.SystemPromptOverheadTokens = 8000
	}
	if cfg.MaxToolResultChars == 0 {
		cfg.MaxToolResultChars = 100_000
	}
}

func applyToolLoopDefaults(cfg *ToolLoopConfig) {
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = 10
	}
	if cfg.TurnDeadlineMs == 0 {
		cfg.TurnDeadlineMs = 600_000
	}
	if cfg.ToolTimeoutMs == 0 {
		cfg.ToolTimeoutMs = 30_000
	}
	if cfg.ToolTimeoutMs > maxToolTimeoutMs {
		cfg.ToolTimeoutMs = maxToolTimeoutMs
	}
	if cfg.RepeatGuardThreshold == 0 {
		cfg.RepeatGuardThreshold = 3
	}
	if cfg.MaxToolFailures == 0 {
		cfg.MaxToolFailures = 5
	}
}

func applyRateLimitDefaults(cfg *RateLimitConfig) {
	// Enabled has no universal spec default; an explicit "enabled: false"
	// in the source document is honored by decoding before this runs.
}

func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}
	for name, provider := range cfg.LLM.Providers {
		envKey := strings.ToUpper(name) + "_API_KEY"
		if value := strings.TrimSpace(os.Getenv(envKey)); value != "" {
			provider.APIKey = value
			cfg.LLM.Providers[name] = provider
		}
	}
}

// ConfigValidationError reports every validation issue found, rather than
// failing on the first.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var issues []string

	if cfg.Router.Temperature < 0 || cfg.Router.Temperature > 2 {
		issues = append(issues, "router.temperature must be between 0 and 2")
	}
	if cfg.Compaction.MaxContextTokens <= 0 {
		issues = append(issues, "compaction.max_context_tokens must be > 0")
	}
	if cfg.Compaction.CharsPerToken <= 0 {
		issues = append(issues, "compaction.chars_per_token must be > 0")
	}
	if cfg.ToolLoop.MaxIterations <= 0 {
		issues = append(issues, "tool_loop.max_iterations must be > 0")
	}
	if cfg.ToolLoop.RepeatGuardThreshold <= 0 {
		issues = append(issues, "tool_loop.repeat_guard_threshold must be > 0")
	}
	if cfg.ToolLoop.MaxToolFailures <= 0 {
		issues = append(issues, "tool_loop.max_tool_failures must be > 0")
	}
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.UserRequestsPerMinute < 0 || cfg.RateLimit.ChannelMessagesPerSecond < 0 || cfg.RateLimit.LLMRequestsPerMinute < 0 {
			issues = append(issues, "rate_limit.* must be >= 0")
		}
	}
	if cfg.LLM.RequestTimeoutMs <= 0 {
		issues = append(issues, "llm.request_timeout_ms must be > 0")
	}
	switch cfg.Session.Backend {
	case "memory", "sqlite", "postgres":
	default:
		issues = append(issues, "session.backend must be one of memory, sqlite, postgres")
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}
