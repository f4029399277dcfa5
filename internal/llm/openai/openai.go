// Package openai adapts OpenAI's chat completion API to the llm.Provider
// port, grounded on internal/agent/providers/openai.go's message/tool
// conversion and retry shape using github.com/sashabaranov/go-openai.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/ravensworth/turnloop/internal/llm"
	"github.com/ravensworth/turnloop/pkg/models"
)

type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

type Provider struct {
	client       *openai.Client
	defaultModel string
	retry        llm.RetryPolicy
}

var _ llm.Provider = (*Provider)(nil)

func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &Provider{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
		retry:        llm.DefaultRetryPolicy(),
	}, nil
}

func (p *Provider) Name() string { return "openai" }

func (p *Provider) SupportedModels() []llm.ModelInfo {
	return []llm.ModelInfo{
		{ID: "gpt-4o", ContextWindow: 128_000, SupportsVision: true},
		{ID: "gpt-4o-mini", ContextWindow: 128_000, SupportsVision: true},
		{ID: "o3-mini", ContextWindow: 200_000, SupportsVision: false},
	}
}

func (p *Provider) IsAvailable(ctx context.Context) bool { return true }

func (p *Provider) model(requested string) string {
	if requested != "" {
		return requested
	}
	return p.defaultModel
}

func (p *Provider) Chat(ctx context.Context, req *llm.ChatRequest) (*models.LLMResponse, error) {
	chatReq := p.buildRequest(req)
	var resp openai.ChatCompletionResponse
	err := p.retry.Do(ctx, isRetryableError, func() error {
		var callErr error
		resp, callErr = p.client.CreateChatCompletion(ctx, chatReq)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return toLLMResponse(resp), nil
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
		out <- &llm.ChatChunk{Done: true, InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
	}()
	return out, nil
}

func (p *Provider) buildRequest(req *llm.ChatRequest) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, convertMessage(m))
	}
	chatReq := openai.ChatCompletionRequest{
		Model:     p.model(req.Model),
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
	}
	return chatReq
}

func convertMessage(m models.Message) openai.ChatCompletionMessage {
	switch m.Role {
	case models.RoleTool:
		return openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.ToolName,
		}
	case models.RoleAssistant:
		oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
		if len(m.ToolCalls) > 0 {
			oaiMsg.ToolCalls = make([]openai.ToolCall, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				args := tc.RawArguments
				if args == "" {
					if b, err := json.Marshal(tc.Arguments); err == nil {
						args = string(b)
					}
				}
				oaiMsg.ToolCalls[i] = openai.ToolCall{
					ID:       tc.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: tc.Name, Arguments: args},
				}
			}
		}
		return oaiMsg
	case models.RoleSystem:
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: m.Content}
	default:
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content}
	}
}

func convertTools(tools []llm.ToolSpec) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		var params any
		if len(t.Schema) > 0 {
			_ = json.Unmarshal(t.Schema, &params)
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		}
	}
	return out
}

func toLLMResponse(resp openai.ChatCompletionResponse) *models.LLMResponse {
	out := &models.LLMResponse{
		Usage: models.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.FinishReason = string(choice.FinishReason)
	out.Content = choice.Message.Content
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:           tc.ID,
			Name:         tc.Function.Name,
			Arguments:    args,
			RawArguments: tc.Function.Arguments,
			Input:        json.RawMessage(tc.Function.Arguments),
		})
	}
	return out
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "connection")
}
