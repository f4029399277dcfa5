package models

import "time"

// Tier is an abstract capability class resolved to a concrete model by
// ModelRouter. Never downgraded within a turn (spec invariant P3).
type Tier string

const (
	TierBalanced Tier = "balanced"
	TierSmart    Tier = "smart"
	TierCoding   Tier = "coding"
	TierDeep     Tier = "deep"
)

// TierPreference is the caller-supplied routing hint for a turn.
type TierPreference struct {
	Tier  Tier
	Force bool
}

// ToolOutcomeStatus classifies how a tool call was resolved.
type ToolOutcomeStatus string

const (
	ToolOutcomeSuccess ToolOutcomeStatus = "SUCCESS"
	ToolOutcomeFailed  ToolOutcomeStatus = "FAILED"
	ToolOutcomeBlocked ToolOutcomeStatus = "BLOCKED"
	ToolOutcomeSkipped ToolOutcomeStatus = "SKIPPED"
	ToolOutcomeTimeout ToolOutcomeStatus = "TIMEOUT"
	ToolOutcomeInvalid ToolOutcomeStatus = "INVALID"
)

// ToolExecutionOutcome is ToolExecutor's result record for one ToolCall.
// Synthetic outcomes (status BLOCKED/TIMEOUT/SKIPPED, Synthetic=true) are
// produced by ToolLoop's closure guarantee rather than by real execution.
type ToolExecutionOutcome struct {
	ToolCallID string
	ToolName   string
	Status     ToolOutcomeStatus
	ResultText string
	ErrorCode  string
	DurationMs int64
	Synthetic  bool
	Truncated  bool
	Attachment *Attachment
}

// ToMessage projects the outcome into the RoleTool Message that closes its
// ToolCall in the canonical log.
func (o ToolExecutionOutcome) ToMessage(now time.Time) Message {
	msg := Message{
		Role:       RoleTool,
		Content:    o.ResultText,
		Timestamp:  now,
		ToolCallID: o.ToolCallID,
		ToolName:   o.ToolName,
	}
	if o.Synthetic || o.Truncated || o.ErrorCode != "" {
		msg.Metadata = map[string]any{}
		if o.Synthetic {
			msg.Metadata["synthetic"] = true
		}
		if o.Truncated {
			msg.Metadata["truncated"] = true
		}
		if o.ErrorCode != "" {
			msg.Metadata["error_code"] = o.ErrorCode
		}
	}
	return msg
}

// LoopStopReason is why ToolLoop stopped iterating.
type LoopStopReason string

const (
	StopFinalAnswer       LoopStopReason = "FINAL_ANSWER"
	StopMaxIterations     LoopStopReason = "MAX_ITERATIONS"
	StopDeadline          LoopStopReason = "DEADLINE"
	StopRepeatGuard       LoopStopReason = "REPEAT_GUARD"
	StopToolFailurePolicy LoopStopReason = "TOOL_FAILURE_POLICY"
	StopUserCancelled     LoopStopReason = "USER_CANCELLED"
)

// LoopDecision is ToolLoop's verdict at the end of one iteration.
type LoopDecision struct {
	Continue bool
	Reason   LoopStopReason
}

// Bucket is a token-bucket's live state, shared by RateLimiter's scopes.
type Bucket struct {
	Capacity         float64
	RefillPerDuration time.Duration
	Tokens           float64
	LastRefillInstant time.Time
}

// TurnContext lives for exactly one pipeline invocation (one inbound
// message to one outbound final answer) and is discarded afterward.
type TurnContext struct {
	Session *Session

	// Messages is the working view: initially the session's tail,
	// projected (not mutated) by each stage.
	Messages []Message

	Attributes map[string]any

	LLMResponse *LLMResponse
	LLMError    error
	StageError  error

	TierPreference TierPreference
	ModelTier      Tier
	SelectedModel  string

	Iteration int

	TurnDeadline time.Time
	Cancelled    bool

	LoopDecision LoopDecision

	// FinalAnswerReady is the one canonical finality flag post-loop stages
	// gate on (spec §4.1 — string-keyed legacy signals are forbidden).
	FinalAnswerReady bool

	Diagnostics *TurnDiagnostics
}

// LLMResponse is the provider-agnostic shape of one LLM call's result.
type LLMResponse struct {
	Content        string
	ToolCalls      []ToolCall
	FinishReason   string
	Usage          Usage
	ProviderFields map[string]any
}

// Usage tracks token accounting for one LLM call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// NewTurnContext creates a TurnContext seeded from a session's tail.
func NewTurnContext(session *Session, deadline time.Time) *TurnContext {
	messages := make([]Message, len(session.Messages))
	copy(messages, session.Messages)
	return &TurnContext{
		Session:      session,
		Messages:     messages,
		Attributes:   map[string]any{},
		TurnDeadline: deadline,
	}
}
