// Package bedrock adapts AWS Bedrock's Converse API to the llm.Provider
// port, grounded on internal/agent/providers/bedrock.go's client
// construction (default-or-explicit credential chain) and message/tool
// conversion via the Converse document shapes.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go/document"

	"github.com/ravensworth/turnloop/internal/llm"
	"github.com/ravensworth/turnloop/pkg/models"
)

type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
	MaxRetries      int
	RetryDelay      time.Duration
}

type Provider struct {
	client       *bedrockruntime.Client
	defaultModel string
	retry        llm.RetryPolicy
}

var _ llm.Provider = (*Provider)(nil)

func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-sonnet-20240229-v1:0"
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	return &Provider{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
		retry:        llm.RetryPolicy{MaxRetries: cfg.MaxRetries, BaseDelay: cfg.RetryDelay},
	}, nil
}

func (p *Provider) Name() string { return "bedrock" }

func (p *Provider) SupportedModels() []llm.ModelInfo {
	return []llm.ModelInfo{
		{ID: "anthropic.claude-3-5-sonnet-20241022-v2:0", ContextWindow: 200_000, SupportsVision: true},
		{ID: "anthropic.claude-3-haiku-20240307-v1:0", ContextWindow: 200_000, SupportsVision: true},
		{ID: "amazon.titan-text-premier-v1:0", ContextWindow: 32_000, SupportsVision: false},
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
	model := p.model(req.Model)
	maxTokens := int32(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model),
		Messages: convertMessages(req.Messages),
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens: aws.Int32(maxTokens),
		},
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = convertTools(req.Tools)
	}

	var out *bedrockruntime.ConverseOutput
	err := p.retry.Do(ctx, isRetryableError, func() error {
		var callErr error
		out, callErr = p.client.Converse(ctx, input)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}
	return toLLMResponse(out), nil
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

func convertMessages(messages []models.Message) []types.Message {
	out := make([]types.Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case models.RoleUser, models.RoleSystem:
			out = append(out, types.Message{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
			})
		case models.RoleAssistant:
			blocks := make([]types.ContentBlock, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, &types.ContentBlockMemberText{Value: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(tc.ID),
						Name:      aws.String(tc.Name),
						Input:     document.NewLazyDocument(tc.Arguments),
					},
				})
			}
			out = append(out, types.Message{Role: types.ConversationRoleAssistant, Content: blocks})
		case models.RoleTool:
			out = append(out, types.Message{
				Role: types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberToolResult{
					Value: types.ToolResultBlock{
						ToolUseId: aws.String(m.ToolCallID),
						Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: m.Content}},
					},
				}},
			})
		}
	}
	return out
}

func convertTools(tools []llm.ToolSpec) *types.ToolConfiguration {
	specs := make([]types.Tool, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if len(t.Schema) > 0 {
			_ = json.Unmarshal(t.Schema, &schema)
		}
		specs = append(specs, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		})
	}
	return &types.ToolConfiguration{Tools: specs}
}

func toLLMResponse(out *bedrockruntime.ConverseOutput) *models.LLMResponse {
	resp := &models.LLMResponse{}
	if out.Usage != nil {
		resp.Usage = models.Usage{
			PromptTokens:     int(aws.ToInt32(out.Usage.InputTokens)),
			CompletionTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(out.Usage.TotalTokens)),
		}
	}
	resp.FinishReason = string(out.StopReason)
	msgOut, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return resp
	}
	for _, block := range msgOut.Value.Content {
		switch b := block.(type) {
		case *types.ContentBlockMemberText:
			resp.Content += b.Value
		case *types.ContentBlockMemberToolUse:
			var args map[string]any
			_ = b.Value.Input.UnmarshalSmithyDocument(&args)
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:        aws.ToString(b.Value.ToolUseId),
				Name:      aws.ToString(b.Value.Name),
				Arguments: args,
			})
		}
	}
	return resp
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "throttl") || strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "internalservererror") || strings.Contains(msg, "serviceunavailable")
}
