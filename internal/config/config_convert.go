package config

import (
	"time"

	"github.com/ravensworth/turnloop/internal/agent"
	"github.com/ravensworth/turnloop/internal/agent/routing"
	"github.com/ravensworth/turnloop/internal/ratelimit"
	"github.com/ravensworth/turnloop/internal/session/pgstore"
)

// ToRoutingConfig converts the YAML shape into routing.Config, the shape
// ModelRouter.ResolveTier/ResolveModel/LookupModelEntry consume. modelTable
// is LLMConfig.ToModelTable()'s output, passed in separately so this method
// doesn't need to reach across to the LLM section itself.
func (c RouterConfig) ToRoutingConfig(modelTable map[string]routing.ModelEntry) routing.Config {
	return routing.Config{
		BalancedModel:      c.BalancedModel,
		BalancedReasoning:  c.BalancedReasoning,
		SmartModel:         c.SmartModel,
		SmartReasoning:     c.SmartReasoning,
		CodingModel:        c.CodingModel,
		CodingReasoning:    c.CodingReasoning,
		DeepModel:          c.DeepModel,
		DeepReasoning:      c.DeepReasoning,
		Temperature:        c.Temperature,
		DynamicTierEnabled: c.IsDynamicTierEnabled(),
		ModelTable:         modelTable,
	}
}

// ToAgentConfig converts the YAML shape into agent.ToolLoopConfig. RequestTimeout
// and the rate-limit-retry/confirmation fields have no spec §6 key, so
// agent.NewToolLoop's own defaulting fills them in.
func (c ToolLoopConfig) ToAgentConfig() agent.ToolLoopConfig {
	return agent.ToolLoopConfig{
		MaxIterations:    c.MaxIterations,
		RepeatGuardLimit: c.RepeatGuardThreshold,
		ToolFailureLimit: c.MaxToolFailures,
		ParallelTools:    c.ParallelTools,
	}
}

// ToToolExecConfig converts the YAML shape into agent.ToolExecConfig.
// ToolTimeoutMs is already capped at maxToolTimeoutMs by applyToolLoopDefaults.
// Concurrency follows ParallelTools: sequential execution is Concurrency=1,
// matching C6's documented default of running tools one at a time.
func (c ToolLoopConfig) ToToolExecConfig() agent.ToolExecConfig {
	concurrency := 1
	if c.ParallelTools {
		concurrency = 4
	}
	return agent.ToolExecConfig{
		Concurrency:    concurrency,
		PerToolTimeout: time.Duration(c.ToolTimeoutMs) * time.Millisecond,
	}
}

// TurnDeadline converts TurnDeadlineMs into the duration models.NewTurnContext
// adds to time.Now() to produce TurnContext.TurnDeadline.
func (c ToolLoopConfig) TurnDeadline() time.Duration {
	return time.Duration(c.TurnDeadlineMs) * time.Millisecond
}

// ToUserLimiterConfig, ToChannelLimiterConfig, and ToLLMLimiterConfig each
// produce one of the three independently-scoped ratelimit.Config values C1
// composes with ratelimit.NewMultiLimiter (spec §4.10's user:global,
// channel:<type>, and llm:<providerId> scopes). Each scope keeps its own
// Capacity/RefillPeriod so a capacity reload on one scope never touches the
// others.
func (c RateLimitConfig) ToUserLimiterConfig() ratelimit.Config {
	return ratelimit.Config{
		Capacity:     float64(c.UserRequestsPerMinute),
		RefillPeriod: time.Minute,
		Enabled:      c.Enabled,
	}
}

func (c RateLimitConfig) ToChannelLimiterConfig() ratelimit.Config {
	return ratelimit.Config{
		Capacity:     float64(c.ChannelMessagesPerSecond),
		RefillPeriod: time.Second,
		Enabled:      c.Enabled,
	}
}

func (c RateLimitConfig) ToLLMLimiterConfig() ratelimit.Config {
	return ratelimit.Config{
		Capacity:     float64(c.LLMRequestsPerMinute),
		RefillPeriod: time.Minute,
		Enabled:      c.Enabled,
	}
}

// ToMultiLimiter composes all three scopes into the MultiLimiter C1 uses as
// pipeline.RateLimiter. MultiLimiter.Allow admits on the user and channel
// scopes only; the llm scope is addressed directly (MultiLimiter.LLM) at
// the point ToolLoop actually calls a provider, once per call rather than
// once per turn. Every key passed to either surface must be built from the
// caller's own identity within that scope — never reused across scopes.
func (c RateLimitConfig) ToMultiLimiter() *ratelimit.MultiLimiter {
	return ratelimit.NewMultiLimiter(
		c.ToUserLimiterConfig(),
		c.ToChannelLimiterConfig(),
		c.ToLLMLimiterConfig(),
	)
}

// ToPostgresConfig converts the YAML shape into pgstore.Config, used when
// session.backend is "postgres".
func (c PostgresSessionConfig) ToPostgresConfig() pgstore.Config {
	cfg := pgstore.DefaultConfig()
	if c.Host != "" {
		cfg.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Port = c.Port
	}
	if c.User != "" {
		cfg.User = c.User
	}
	cfg.Password = c.Password
	if c.Database != "" {
		cfg.Database = c.Database
	}
	if c.SSLMode != "" {
		cfg.SSLMode = c.SSLMode
	}
	return cfg
}
