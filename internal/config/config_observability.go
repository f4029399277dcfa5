package config

import (
	"github.com/ravensworth/turnloop/internal/diagnostics"
	"github.com/ravensworth/turnloop/internal/observability"
)

// LoggingConfig is the ambient structured-logging configuration every turn
// runs under, independent of anything spec §6 calls out explicitly.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig controls OpenTelemetry tracing, kept as an ambient concern
// alongside logging even though spec §6 doesn't name it.
type TracingConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Endpoint       string `yaml:"endpoint"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`
}

// ToLogConfig converts the YAML shape into observability.LogConfig.
func (c LoggingConfig) ToLogConfig() observability.LogConfig {
	return observability.LogConfig{Level: c.Level, Format: c.Format}
}

// ToTraceConfig converts the YAML shape into observability.TraceConfig.
// Endpoint is left empty (tracing disabled) when Enabled is false.
func (c TracingConfig) ToTraceConfig() observability.TraceConfig {
	cfg := observability.TraceConfig{
		ServiceName:    c.ServiceName,
		ServiceVersion: c.ServiceVersion,
		Environment:    c.Environment,
	}
	if c.Enabled {
		cfg.Endpoint = c.Endpoint
	}
	return cfg
}

// CacheTraceConfig is C12's optional per-turn JSONL trace, kept as an
// ambient concern alongside logging/tracing even though spec §6 doesn't
// name it.
type CacheTraceConfig struct {
	Enabled         bool   `yaml:"enabled"`
	FilePath        string `yaml:"file_path"`
	IncludeMessages bool   `yaml:"include_messages"`
	IncludePrompt   bool   `yaml:"include_prompt"`
	IncludeSystem   bool   `yaml:"include_system"`
}

// ToCacheTraceConfig converts the YAML shape into diagnostics.CacheTraceConfig.
func (c CacheTraceConfig) ToCacheTraceConfig() diagnostics.CacheTraceConfig {
	return diagnostics.CacheTraceConfig{
		Enabled:         c.Enabled,
		FilePath:        c.FilePath,
		IncludeMessages: c.IncludeMessages,
		IncludePrompt:   c.IncludePrompt,
		IncludeSystem:   c.IncludeSystem,
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
}

func applyTracingDefaults(cfg *TracingConfig) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "turnloop"
	}
}
