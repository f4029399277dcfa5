// Package anthropic adapts Anthropic's Claude API to the llm.Provider port,
// grounded on internal/agent/providers/anthropic.go: SDK client construction,
// exponential-backoff retry around the API call, and message/tool format
// conversion follow the same shape, trimmed of the teacher's computer-use
// beta path (designing concrete tool semantics is out of scope here).
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ravensworth/turnloop/internal/llm"
	"github.com/ravensworth/turnloop/pkg/models"
)

// Config holds Anthropic provider parameters.
type Config struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// Provider implements llm.Provider for Anthropic's Claude API.
type Provider struct {
	client       anthropic.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

var _ llm.Provider = (*Provider)(nil)

func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Provider{
		client:       anthropic.NewClient(opts...),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) SupportedModels() []llm.ModelInfo {
	return []llm.ModelInfo{
		{ID: "claude-opus-4-20250514", ContextWindow: 200_000, SupportsVision: true},
		{ID: "claude-sonnet-4-20250514", ContextWindow: 200_000, SupportsVision: true},
		{ID: "claude-3-5-haiku-20241022", ContextWindow: 200_000, SupportsVision: true},
	}
}

func (p *Provider) IsAvailable(ctx context.Context) bool {
	return true // credential presence was validated at construction time
}

func (p *Provider) model(requested string) string {
	if requested != "" {
		return requested
	}
	return p.defaultModel
}

func (p *Provider) Chat(ctx context.Context, req *llm.ChatRequest) (*models.LLMResponse, error) {
	params := p.buildParams(req)
	var msg *anthropic.Message
	err := llm.RetryPolicy{MaxRetries: p.maxRetries, BaseDelay: p.retryDelay}.Do(ctx, isRetryableError, func() error {
		var callErr error
		msg, callErr = p.client.Messages.New(ctx, params)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	return toLLMResponse(msg), nil
}

func (p *Provider) ChatStream(ctx context.Context, req *llm.ChatRequest) (<-chan *llm.ChatChunk, error) {
	out := make(chan *llm.ChatChunk)
	go func() {
		defer close(out)
		resp, err := p.Chat(ctx, req)
		if err != nil {
			out <- &llm.ChatChunk{Err: err}
			return
		}
		if resp.Content != "" {
			out <- &llm.ChatChunk{Text: resp.Content}
		}
		for i := range resp.ToolCalls {
			out <- &llm.ChatChunk{ToolCall: &resp.ToolCalls[i]}
		}
		out <- &llm.ChatChunk{
			Done:         true,
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}()
	return out, nil
}

func (p *Provider) buildParams(req *llm.ChatRequest) anthropic.MessageNewParams {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req.Model)),
		MaxTokens: maxTokens,
		Messages:  convertMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}
	if req.EnableThinking {
		budget := int64(req.ThinkingBudgetTokens)
		if budget <= 0 {
			budget = 4096
		}
		params.Thinking = anthropic.ThinkingConfigParamUnion{
			OfEnabled: &anthropic.ThinkingConfigEnabledParam{BudgetTokens: budget},
		}
	}
	return params
}

func convertMessages(messages []models.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case models.RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case models.RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case models.RoleTool:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		case models.RoleSystem:
			// Anthropic has no mid-transcript system role; fold into a user
			// turn so compacted-summary messages still surface to the model.
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return out
}

func convertTools(tools []llm.ToolSpec) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(t.Schema) > 0 {
			var raw map[string]any
			if err := json.Unmarshal(t.Schema, &raw); err == nil {
				if props, ok := raw["properties"]; ok {
					schema.Properties = props
				}
			}
		}
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: schema,
			},
		})
	}
	return out
}

func toLLMResponse(msg *anthropic.Message) *models.LLMResponse {
	resp := &models.LLMResponse{
		FinishReason: string(msg.StopReason),
		Usage: models.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Content += b.Text
		case anthropic.ToolUseBlock:
			var args map[string]any
			_ = json.Unmarshal(b.Input, &args)
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: args,
				Input:     json.RawMessage(b.Input),
			})
		}
	}
	return resp
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "connection") ||
		strings.Contains(msg, "rate limit")
}
