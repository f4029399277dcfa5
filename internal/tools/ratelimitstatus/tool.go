// Package ratelimitstatus implements a built-in diagnostics tool letting the
// model inspect C1's bucket state for a scope, grounded on the teacher's
// internal/tools/jobs.StatusTool shape (a thin agent.Tool wrapping a single
// store lookup) and internal/config.JSONSchema's use of
// github.com/invopop/jsonschema to derive a JSON Schema from a Go struct
// instead of hand-writing one.
package ratelimitstatus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/ravensworth/turnloop/internal/agent"
	"github.com/ravensworth/turnloop/internal/format"
	"github.com/ravensworth/turnloop/internal/ratelimit"
)

// Input is reflected into the tool's JSON Schema; Scope picks which of C1's
// three independently-keyed limiters (spec §4.10) to inspect, and Key is the
// exact bucket key within that scope (e.g. the channel key used for a
// "channel" scope query).
type Input struct {
	Scope string `json:"scope" jsonschema:"enum=user,enum=channel,enum=llm,description=Which rate-limit scope to inspect"`
	Key   string `json:"key" jsonschema:"description=The bucket key within that scope"`
}

var (
	schemaOnce sync.Once
	schemaJSON json.RawMessage
)

func reflectSchema() json.RawMessage {
	schemaOnce.Do(func() {
		reflector := &jsonschema.Reflector{}
		schema := reflector.Reflect(&Input{})
		raw, err := json.Marshal(schema)
		if err != nil {
			panic(fmt.Sprintf("ratelimitstatus: reflect schema: %v", err))
		}
		schemaJSON = raw
	})
	return schemaJSON
}

// Tool exposes ratelimit.MultiLimiter.GetState as a callable tool so the
// model can explain to a user why a request was throttled.
type Tool struct {
	Multi *ratelimit.MultiLimiter
}

// New returns a rate_limit_status tool backed by multi.
func New(multi *ratelimit.MultiLimiter) *Tool {
	return &Tool{Multi: multi}
}

func (t *Tool) Name() string { return "rate_limit_status" }

func (t *Tool) Description() string {
	return "Report the current token-bucket state (capacity, tokens remaining, last refill) for a rate-limit scope and key"
}

func (t *Tool) Schema() json.RawMessage { return reflectSchema() }

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	if t.Multi == nil {
		return &agent.ToolResult{Content: "rate limiter unavailable", IsError: true}, nil
	}

	var input Input
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}

	var limiter *ratelimit.Limiter
	switch input.Scope {
	case "user":
		limiter = t.Multi.User
	case "channel":
		limiter = t.Multi.Channel
	case "llm":
		limiter = t.Multi.LLM
	default:
		return &agent.ToolResult{Content: "unknown scope: " + input.Scope, IsError: true}, nil
	}
	if limiter == nil {
		return &agent.ToolResult{Content: input.Scope + " scope is disabled", IsError: true}, nil
	}

	state := limiter.GetState(input.Key)
	report := struct {
		ratelimit.State
		NextTokenIn string `json:"next_token_in"`
	}{
		State:       state,
		NextTokenIn: format.FormatWaitHint(limiter.WaitTime(input.Key)),
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}
