// Package google adapts Gemini's generateContent API to the llm.Provider
// port, grounded on internal/agent/providers/google.go's client
// construction and Content/Part conversion via google.golang.org/genai.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/ravensworth/turnloop/internal/llm"
	"github.com/ravensworth/turnloop/pkg/models"
)

type Config struct {
	APIKey       string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

type Provider struct {
	client       *genai.Client
	defaultModel string
	retry        llm.RetryPolicy
}

var _ llm.Provider = (*Provider)(nil)

func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}
	return &Provider{
		client:       client,
		defaultModel: cfg.DefaultModel,
		retry:        llm.RetryPolicy{MaxRetries: cfg.MaxRetries, BaseDelay: cfg.RetryDelay},
	}, nil
}

func (p *Provider) Name() string { return "google" }

func (p *Provider) SupportedModels() []llm.ModelInfo {
	return []llm.ModelInfo{
		{ID: "gemini-2.0-flash", ContextWindow: 1_000_000, SupportsVision: true},
		{ID: "gemini-2.0-pro", ContextWindow: 2_000_000, SupportsVision: true},
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
	contents := convertMessages(req.Messages)
	genCfg := buildConfig(req)

	var resp *genai.GenerateContentResponse
	err := p.retry.Do(ctx, isRetryableError, func() error {
		var callErr error
		resp, callErr = p.client.Models.GenerateContent(ctx, p.model(req.Model), contents, genCfg)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("google: %w", err)
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

func convertMessages(messages []models.Message) []*genai.Content {
	result := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		content := &genai.Content{}
		switch m.Role {
		case models.RoleAssistant:
			content.Role = genai.RoleModel
		default:
			content.Role = genai.RoleUser
		}
		if m.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: tc.Arguments},
			})
		}
		if m.Role == models.RoleTool {
			var response map[string]any
			if err := json.Unmarshal([]byte(m.Content), &response); err != nil {
				response = map[string]any{"result": m.Content}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{Name: m.ToolName, Response: response},
			})
		}
		result = append(result, content)
	}
	return result
}

func buildConfig(req *llm.ChatRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		cfg.Tools = convertTools(req.Tools)
	}
	return cfg
}

func convertTools(tools []llm.ToolSpec) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		var schema *genai.Schema
		if len(t.Schema) > 0 {
			var raw genai.Schema
			if err := json.Unmarshal(t.Schema, &raw); err == nil {
				schema = &raw
			}
		}
		decls = append(decls, &genai.FunctionDeclaration{Name: t.Name, Description: t.Description, Parameters: schema})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func toLLMResponse(resp *genai.GenerateContentResponse) *models.LLMResponse {
	out := &models.LLMResponse{}
	if resp.UsageMetadata != nil {
		out.Usage = models.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	if len(resp.Candidates) == 0 {
		return out
	}
	cand := resp.Candidates[0]
	out.FinishReason = string(cand.FinishReason)
	if cand.Content == nil {
		return out
	}
	for _, part := range cand.Content.Parts {
		if part.Text != "" {
			out.Content += part.Text
		}
		if part.FunctionCall != nil {
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				Name:      part.FunctionCall.Name,
				Arguments: part.FunctionCall.Args,
			})
		}
	}
	return out
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "timeout") || strings.Contains(msg, "unavailable")
}
