package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ravensworth/turnloop/internal/agent/routing"
	"github.com/ravensworth/turnloop/internal/backoff"
	"github.com/ravensworth/turnloop/internal/llm"
	"github.com/ravensworth/turnloop/internal/ratelimit"
	"github.com/ravensworth/turnloop/internal/requestview"
	"github.com/ravensworth/turnloop/pkg/models"
)

// Limits lost when runtime.go was retired; ToolLoop is now their only home.
const (
	// MaxResponseTextSize bounds one assistant message's stored content.
	MaxResponseTextSize = 1 << 20

	// MaxToolCallsPerIteration bounds how many tool calls from a single LLM
	// response are dispatched in one iteration.
	MaxToolCallsPerIteration = 100

	// maxToolResultChars is ToolExecutor's default output truncation budget
	// (spec §4.7).
	maxToolResultChars = 100_000

	defaultConfirmationTimeout = 30 * time.Second
)

var rateLimitMarkers = []string{
	"rate_limit", "rate limit", "token_quota_exceeded", "too_many_tokens",
	"too many requests", "429",
}

var contextLengthMarkers = []string{
	"context_length", "context length", "maximum context", "context window",
	"too long", "prompt is too long",
}

// ConfirmationPort gates a destructive tool call behind a channel-specific
// confirmation UI (spec §4.7). Host applications implement this per channel
// (Discord button, Slack modal, CLI prompt); ToolLoop only knows the verdict.
type ConfirmationPort interface {
	// Confirm blocks until the user responds or ctx's deadline passes.
	// A non-nil error (including ctx.Err()) is treated as a timeout.
	Confirm(ctx context.Context, call models.ToolCall, reason string) (approved bool, err error)
}

// ToolLoopConfig configures C7 ToolLoop's stop conditions and retry behavior.
type ToolLoopConfig struct {
	// MaxIterations stops the loop after this many LLM round-trips. Default: 10.
	MaxIterations int

	// RequestTimeout bounds a single LLM call. Zero means no per-call timeout.
	RequestTimeout time.Duration

	// RepeatGuardLimit stops the loop once the same (tool, args) pair has
	// been invoked this many times in the turn. Default: 3.
	RepeatGuardLimit int

	// ToolFailureLimit stops the loop once cumulative non-transient tool
	// failures exceed this count. Default: 5.
	ToolFailureLimit int

	// RateLimitBaseDelay/RateLimitMaxRetries configure the exponential
	// backoff applied to rate-limit-classified LLM errors.
	RateLimitBaseDelay  time.Duration
	RateLimitMaxRetries int

	// ConfirmationTimeout bounds how long a destructive tool call waits on
	// ConfirmationPort before treating the call as BLOCKED/CONFIRMATION_TIMEOUT.
	ConfirmationTimeout time.Duration

	// ParallelTools executes one iteration's tool calls concurrently instead
	// of sequentially, bounded by ParallelToolBudget wall-clock time.
	ParallelTools      bool
	ParallelToolBudget time.Duration
}

// DefaultToolLoopConfig returns the spec's default stop-condition thresholds.
func DefaultToolLoopConfig() ToolLoopConfig {
	return ToolLoopConfig{
		MaxIterations:       10,
		RequestTimeout:      60 * time.Second,
		RepeatGuardLimit:    3,
		ToolFailureLimit:    5,
		RateLimitBaseDelay:  time.Second,
		RateLimitMaxRetries: 5,
		ConfirmationTimeout: defaultConfirmationTimeout,
		ParallelTools:       false,
		ParallelToolBudget:  30 * time.Second,
	}
}

// ToolLoop drives the LLM/tool-execution cycle for one turn (C7), the
// pipeline's ToolLoop(30) stage. One ToolLoop is built per turn; it is not
// safe to reuse across concurrent turns because it tracks per-turn repeat
// and failure counters.
type ToolLoop struct {
	Provider llm.Provider
	Registry *ToolRegistry
	Executor *ToolExecutor
	Views    *requestview.Builder
	Router   *routing.ModelRouter

	TierUpgrade routing.TierUpgradePolicy
	Approval    *ApprovalChecker
	Confirm     ConfirmationPort
	ResultGuard ToolResultGuard
	Emitter     *EventEmitter

	// LLMLimiter is C1's llm:<providerId> scope (spec §4.10). Unlike the
	// user and channel scopes, which are checked once at pipeline
	// admission, this one is consulted here, immediately before every
	// provider call the ToolLoop makes, since a single turn can call the
	// provider many times across tool iterations and retries. Nil disables
	// the check.
	LLMLimiter    *ratelimit.Limiter
	LLMLimiterKey string

	Config ToolLoopConfig

	prevProviderKey string
	repeatCounts    map[string]int
	toolFailures    int
}

// NewToolLoop builds a ToolLoop with the given provider, registry, and
// executor, applying config defaults for any zero-valued field.
func NewToolLoop(provider llm.Provider, registry *ToolRegistry, executor *ToolExecutor, config ToolLoopConfig) *ToolLoop {
	defaults := DefaultToolLoopConfig()
	if config.MaxIterations <= 0 {
		config.MaxIterations = defaults.MaxIterations
	}
	if config.RepeatGuardLimit <= 0 {
		config.RepeatGuardLimit = defaults.RepeatGuardLimit
	}
	if config.ToolFailureLimit <= 0 {
		config.ToolFailureLimit = defaults.ToolFailureLimit
	}
	if config.RateLimitBaseDelay <= 0 {
		config.RateLimitBaseDelay = defaults.RateLimitBaseDelay
	}
	if config.RateLimitMaxRetries <= 0 {
		config.RateLimitMaxRetries = defaults.RateLimitMaxRetries
	}
	if config.ConfirmationTimeout <= 0 {
		config.ConfirmationTimeout = defaults.ConfirmationTimeout
	}
	return &ToolLoop{
		Provider:     provider,
		Registry:     registry,
		Executor:     executor,
		Views:        requestview.NewBuilder(),
		Router:       routing.NewModelRouter(routing.DefaultConfig()),
		ResultGuard:  ToolResultGuard{MaxChars: maxToolResultChars},
		Config:       config,
		repeatCounts: make(map[string]int),
	}
}

// Run executes the tool loop until a stop condition fires, mutating turn in
// place. It never returns a non-nil error for a normal stop (FINAL_ANSWER or
// any of the abnormal stop reasons) — those are recorded in
// turn.LoopDecision. A non-nil error means the LLM call itself failed in a
// way no retry or stop-reason covers (e.g. a non-rate-limit provider error).
func (l *ToolLoop) Run(ctx context.Context, turn *models.TurnContext) error {
	if turn.Diagnostics == nil {
		turn.Diagnostics = models.NewTurnDiagnostics()
	}
	if l.repeatCounts == nil {
		l.repeatCounts = make(map[string]int)
	}
	if turn.SelectedModel == "" {
		model, _ := l.Router.ResolveModel(turn.ModelTier)
		turn.SelectedModel = model
	}

	for {
		select {
		case <-ctx.Done():
			l.closeAndStop(ctx, turn, models.StopUserCancelled)
			return nil
		default:
		}

		if turn.Iteration >= l.Config.MaxIterations {
			l.closeAndStop(ctx, turn, models.StopMaxIterations)
			return nil
		}
		if !turn.TurnDeadline.IsZero() && !time.Now().Before(turn.TurnDeadline) {
			l.closeAndStop(ctx, turn, models.StopDeadline)
			return nil
		}

		if l.Emitter != nil {
			l.Emitter.SetIter(turn.Iteration)
			l.Emitter.IterStarted(ctx)
		}

		caps := requestview.ProviderCapabilities{
			SupportsToolMessages: true,
			MaxInputTokens:       l.maxInputTokensFor(turn.SelectedModel),
		}
		view := l.Views.Build(turn.Messages, l.prevProviderKey, l.Provider.Name(), caps)
		l.recordMasking(turn, view.Diagnostics)
		l.prevProviderKey = l.Provider.Name()

		resp, err := l.callLLM(ctx, turn, view)
		if err != nil {
			turn.LLMError = err
			turn.StageError = err
			if l.Emitter != nil {
				l.Emitter.RunError(ctx, err, false)
			}
			return err
		}
		turn.LLMResponse = resp

		if len(resp.ToolCalls) == 0 {
			l.appendAssistant(turn, resp, nil)
			turn.FinalAnswerReady = true
			turn.LoopDecision = models.LoopDecision{Continue: false, Reason: models.StopFinalAnswer}
			turn.Diagnostics.Loop.StopReason = models.StopFinalAnswer
			turn.Diagnostics.Loop.Iterations = turn.Iteration + 1
			if l.Emitter != nil {
				l.Emitter.IterFinished(ctx)
			}
			return nil
		}

		calls := resp.ToolCalls
		if len(calls) > MaxToolCallsPerIteration {
			calls = calls[:MaxToolCallsPerIteration]
		}
		l.appendAssistant(turn, resp, calls)

		outcomes := l.executeTools(ctx, calls)
		l.appendToolResults(turn, outcomes)
		turn.Diagnostics.Loop.ToolOutcomes = append(turn.Diagnostics.Loop.ToolOutcomes, outcomes...)

		if l.checkRepeatGuard(calls) {
			l.closeAndStop(ctx, turn, models.StopRepeatGuard)
			return nil
		}
		if l.checkToolFailurePolicy(outcomes) {
			l.closeAndStop(ctx, turn, models.StopToolFailurePolicy)
			return nil
		}

		newTier, upgraded := l.TierUpgrade.Evaluate(calls, outcomes, turn.ModelTier, turn.TierPreference.Force)
		if upgraded {
			turn.Diagnostics.RecordTier(models.TierDecision{
				Iteration: turn.Iteration,
				FromTier:  turn.ModelTier,
				ToTier:    newTier,
				Reason:    "coding_activity_detected",
				At:        time.Now(),
			})
			turn.ModelTier = newTier
			model, _ := l.Router.ResolveModel(newTier)
			turn.SelectedModel = model
		}

		turn.Iteration++
		if l.Emitter != nil {
			l.Emitter.IterFinished(ctx)
		}
	}
}

// callLLM calls the provider with rate-limit retry, and — only once, only on
// a context-length-exceeded rejection — falls back to RequestViewBuilder's
// emergency per-message truncation before retrying (spec §4.6 step 4).
func (l *ToolLoop) callLLM(ctx context.Context, turn *models.TurnContext, view requestview.Result) (*models.LLMResponse, error) {
	resp, err := l.callWithRetry(ctx, turn, view.Messages)
	if err == nil || !isContextLengthErr(err) {
		return resp, err
	}

	truncated, count := requestview.ApplyEmergencyTruncation(view.Messages, l.maxInputTokensFor(turn.SelectedModel), l.Views.CharsPerToken)
	if count == 0 {
		return resp, err
	}
	for i := range truncated {
		if len(truncated[i].Content) != len(view.Messages[i].Content) {
			turn.Diagnostics.RecordTruncation(models.TruncationRecord{
				Source:     "emergency_view",
				MessageID:  truncated[i].ID,
				TotalChars: len(view.Messages[i].Content),
				ShownChars: len(truncated[i].Content),
				Iteration:  turn.Iteration,
			})
		}
	}
	return l.callWithRetry(ctx, turn, truncated)
}

// callWithRetry retries rate-limit-classified errors with exponential
// backoff (base delay, capped retry count); any other error propagates
// immediately (spec §4.8).
func (l *ToolLoop) callWithRetry(ctx context.Context, turn *models.TurnContext, messages []models.Message) (*models.LLMResponse, error) {
	req := &llm.ChatRequest{
		Model:    turn.SelectedModel,
		Messages: messages,
		Tools:    l.toolSpecs(),
	}

	var lastErr error
	for attempt := 0; attempt <= l.Config.RateLimitMaxRetries; attempt++ {
		if err := l.waitForLLMScope(ctx); err != nil {
			return nil, err
		}

		callCtx := ctx
		var cancel context.CancelFunc
		if l.Config.RequestTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, l.Config.RequestTimeout)
		}
		resp, err := l.Provider.Chat(callCtx, req)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRateLimitErr(err) || attempt == l.Config.RateLimitMaxRetries {
			return nil, err
		}
		policy := backoff.BackoffPolicy{
			InitialMs: float64(l.Config.RateLimitBaseDelay.Milliseconds()),
			MaxMs:     float64(l.Config.RateLimitBaseDelay.Milliseconds()) * (1 << uint(l.Config.RateLimitMaxRetries)),
			Factor:    2,
			Jitter:    0.1,
		}
		if err := backoff.SleepWithBackoff(ctx, policy, attempt+1); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// waitForLLMScope blocks until C1's llm:<providerId> bucket (spec §4.10) has
// a token to spend on the next provider call, or ctx is done. A denied
// TryConsume carries a WaitHint; rather than failing the turn outright, this
// sleeps for that hint and lets the caller's retry loop try again, mirroring
// how callWithRetry already waits out provider-reported rate limits.
func (l *ToolLoop) waitForLLMScope(ctx context.Context) error {
	if l.LLMLimiter == nil {
		return nil
	}
	for {
		decision := l.LLMLimiter.TryConsume(l.LLMLimiterKey, 1)
		if decision.Allowed {
			return nil
		}
		wait := decision.WaitHint
		if wait <= 0 {
			wait = time.Millisecond
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *ToolLoop) toolSpecs() []llm.ToolSpec {
	if l.Registry == nil {
		return nil
	}
	tools := l.Registry.AsLLMTools()
	specs := make([]llm.ToolSpec, 0, len(tools))
	for _, t := range tools {
		specs = append(specs, llm.ToolSpec{Name: t.Name(), Description: t.Description(), Schema: t.Schema()})
	}
	return specs
}

func (l *ToolLoop) maxInputTokensFor(model string) int {
	if l.Router == nil {
		return 0
	}
	return l.Router.LookupModelEntry(model).MaxInputTokens
}

func (l *ToolLoop) recordMasking(turn *models.TurnContext, diag requestview.Diagnostics) {
	if diag.FlattenedCount > 0 {
		turn.Diagnostics.RecordMasking(models.MaskingRecord{
			Iteration:      turn.Iteration,
			FlattenedCount: diag.FlattenedCount,
			Reason:         diag.FlattenReason,
		})
	}
}

// executeTools sanitizes each call's name, gates destructive calls through
// ApprovalChecker/ConfirmationPort, dispatches the allowed calls through
// ToolExecutor, and returns one outcome per input call in the same order.
func (l *ToolLoop) executeTools(ctx context.Context, calls []models.ToolCall) []models.ToolExecutionOutcome {
	sanitized := make([]models.ToolCall, len(calls))
	for i, c := range calls {
		c.Name = requestview.SanitizeName(c.Name)
		sanitized[i] = c
	}

	outcomes := make([]models.ToolExecutionOutcome, len(sanitized))
	var allowedCalls []models.ToolCall
	var allowedIdx []int

	for i, c := range sanitized {
		decision, reason := ApprovalAllowed, ""
		if l.Approval != nil {
			decision, reason = l.Approval.Check(ctx, "", c)
		}
		switch decision {
		case ApprovalDenied:
			outcomes[i] = blockedOutcome(c, "USER_CANCELLED", "denied: "+reason)
		case ApprovalPending:
			approved, err := l.confirm(ctx, c, reason)
			switch {
			case err != nil:
				outcomes[i] = blockedOutcome(c, "CONFIRMATION_TIMEOUT", "confirmation timed out")
			case !approved:
				outcomes[i] = blockedOutcome(c, "USER_CANCELLED", "user declined confirmation")
			default:
				allowedCalls = append(allowedCalls, c)
				allowedIdx = append(allowedIdx, i)
			}
		default:
			allowedCalls = append(allowedCalls, c)
			allowedIdx = append(allowedIdx, i)
		}
	}

	if len(allowedCalls) > 0 {
		var results []ToolExecResult
		if l.Config.ParallelTools {
			execCtx := ctx
			var cancel context.CancelFunc
			if l.Config.ParallelToolBudget > 0 {
				execCtx, cancel = context.WithTimeout(ctx, l.Config.ParallelToolBudget)
			}
			results = l.Executor.ExecuteConcurrently(execCtx, allowedCalls, nil)
			if cancel != nil {
				cancel()
			}
		} else {
			results = l.Executor.ExecuteSequentially(ctx, allowedCalls)
		}
		for j, res := range results {
			outcomes[allowedIdx[j]] = l.toOutcome(res)
		}
	}

	return outcomes
}

func (l *ToolLoop) confirm(ctx context.Context, call models.ToolCall, reason string) (bool, error) {
	if l.Confirm == nil {
		return false, nil
	}
	cctx, cancel := context.WithTimeout(ctx, l.Config.ConfirmationTimeout)
	defer cancel()
	return l.Confirm.Confirm(cctx, call, reason)
}

func blockedOutcome(call models.ToolCall, code, text string) models.ToolExecutionOutcome {
	return models.ToolExecutionOutcome{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Status:     models.ToolOutcomeBlocked,
		ResultText: text,
		ErrorCode:  code,
	}
}

func (l *ToolLoop) toOutcome(res ToolExecResult) models.ToolExecutionOutcome {
	status := models.ToolOutcomeSuccess
	switch {
	case res.TimedOut:
		status = models.ToolOutcomeTimeout
	case res.Result.IsError && (strings.HasPrefix(res.Result.Content, "tool not found:") || strings.HasPrefix(res.Result.Content, "invalid arguments:")):
		status = models.ToolOutcomeInvalid
	case res.Result.IsError:
		status = models.ToolOutcomeFailed
	}

	content, truncated := truncateToolOutput(res.Result.Content, maxToolResultChars)
	content = l.ResultGuard.Apply(res.ToolCall.Name, models.ToolResult{Content: content}).Content

	return models.ToolExecutionOutcome{
		ToolCallID: res.ToolCall.ID,
		ToolName:   res.ToolCall.Name,
		Status:     status,
		ResultText: content,
		DurationMs: res.EndTime.Sub(res.StartTime).Milliseconds(),
		Truncated:  truncated,
	}
}

// truncateToolOutput cuts content to at most limit chars including the
// truncation marker itself, with the marker naming the true total and how
// much is shown (spec §4.7).
func truncateToolOutput(content string, limit int) (string, bool) {
	if limit <= 0 || len(content) <= limit {
		return content, false
	}
	total := len(content)
	shown := limit
	for i := 0; i < 4; i++ {
		suffix := fmt.Sprintf("[OUTPUT TRUNCATED: %d chars total, showing first %d chars. ...]", total, shown)
		next := limit - len(suffix)
		if next < 0 {
			next = 0
		}
		if next == shown {
			return content[:shown] + suffix, true
		}
		shown = next
	}
	suffix := fmt.Sprintf("[OUTPUT TRUNCATED: %d chars total, showing first %d chars. ...]", total, shown)
	return content[:shown] + suffix, true
}

// canonicalCallKey derives a stable key for a (toolName, args) pair so
// REPEAT_GUARD can detect the same call issued three times regardless of
// argument key order.
func canonicalCallKey(call models.ToolCall) string {
	keys := make([]string, 0, len(call.Arguments))
	for k := range call.Arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(call.Name)
	b.WriteByte('|')
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v;", k, call.Arguments[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func (l *ToolLoop) checkRepeatGuard(calls []models.ToolCall) bool {
	for _, c := range calls {
		key := canonicalCallKey(c)
		l.repeatCounts[key]++
		if l.repeatCounts[key] >= l.Config.RepeatGuardLimit {
			return true
		}
	}
	return false
}

func (l *ToolLoop) checkToolFailurePolicy(outcomes []models.ToolExecutionOutcome) bool {
	for _, o := range outcomes {
		if o.Status == models.ToolOutcomeFailed {
			l.toolFailures++
		}
	}
	return l.toolFailures > l.Config.ToolFailureLimit
}

func (l *ToolLoop) appendAssistant(turn *models.TurnContext, resp *models.LLMResponse, calls []models.ToolCall) {
	content := resp.Content
	if len(content) > MaxResponseTextSize {
		content = content[:MaxResponseTextSize]
	}
	turn.Messages = append(turn.Messages, models.Message{
		ID:        newMessageID(),
		Role:      models.RoleAssistant,
		Content:   content,
		Timestamp: time.Now(),
		ToolCalls: calls,
	})
}

func (l *ToolLoop) appendToolResults(turn *models.TurnContext, outcomes []models.ToolExecutionOutcome) {
	now := time.Now()
	for _, o := range outcomes {
		turn.Messages = append(turn.Messages, o.ToMessage(now))
	}
}

// closeAndStop is ToolLoop's non-negotiable closure guarantee: before
// emitting the final summary assistant message on any abnormal stop, every
// tool call left pending by the most recent assistant message is answered
// with a synthetic outcome, so invariant I1 never breaks mid-turn.
func (l *ToolLoop) closeAndStop(ctx context.Context, turn *models.TurnContext, reason models.LoopStopReason) {
	pending := pendingCalls(turn.Messages)
	if len(pending) > 0 {
		status, code := closureStatus(reason)
		now := time.Now()
		text := closureText(reason)
		for _, call := range pending {
			outcome := models.ToolExecutionOutcome{
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Status:     status,
				ResultText: text,
				ErrorCode:  code,
				Synthetic:  true,
			}
			turn.Messages = append(turn.Messages, outcome.ToMessage(now))
			turn.Diagnostics.Loop.ToolOutcomes = append(turn.Diagnostics.Loop.ToolOutcomes, outcome)
		}
	}

	summary := closureSummary(reason)
	turn.Messages = append(turn.Messages, models.Message{
		ID:        newMessageID(),
		Role:      models.RoleAssistant,
		Content:   summary,
		Timestamp: time.Now(),
	})
	turn.LLMResponse = &models.LLMResponse{Content: summary}
	turn.FinalAnswerReady = true
	turn.LoopDecision = models.LoopDecision{Continue: false, Reason: reason}
	turn.Diagnostics.Loop.StopReason = reason
	turn.Diagnostics.Loop.Iterations = turn.Iteration + 1

	if l.Emitter == nil {
		return
	}
	switch reason {
	case models.StopUserCancelled:
		l.Emitter.RunCancelled(ctx)
	case models.StopDeadline, models.StopMaxIterations:
		l.Emitter.RunTimedOut(ctx, l.Config.RequestTimeout)
	default:
		l.Emitter.RunFinished(ctx, nil)
	}
}

// pendingCalls returns the ToolCalls on the most recent assistant message
// that no later RoleTool message has answered.
func pendingCalls(messages []models.Message) []models.ToolCall {
	lastAssistant := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleAssistant {
			lastAssistant = i
			break
		}
	}
	if lastAssistant == -1 || len(messages[lastAssistant].ToolCalls) == 0 {
		return nil
	}

	closed := make(map[string]struct{})
	for i := lastAssistant + 1; i < len(messages); i++ {
		if messages[i].Role == models.RoleTool && messages[i].ToolCallID != "" {
			closed[messages[i].ToolCallID] = struct{}{}
		}
	}

	var pending []models.ToolCall
	for _, c := range messages[lastAssistant].ToolCalls {
		if _, ok := closed[c.ID]; !ok {
			pending = append(pending, c)
		}
	}
	return pending
}

// closureStatus maps a stop reason to the synthetic outcome status and
// error code used to close out pending tool calls (spec §4.8).
func closureStatus(reason models.LoopStopReason) (models.ToolOutcomeStatus, string) {
	switch reason {
	case models.StopMaxIterations, models.StopDeadline:
		return models.ToolOutcomeTimeout, string(reason)
	case models.StopRepeatGuard, models.StopToolFailurePolicy:
		return models.ToolOutcomeBlocked, string(reason)
	default:
		return models.ToolOutcomeSkipped, string(reason)
	}
}

func closureText(reason models.LoopStopReason) string {
	switch reason {
	case models.StopMaxIterations:
		return "turn stopped: maximum iterations reached before this tool call completed"
	case models.StopDeadline:
		return "turn stopped: deadline exceeded before this tool call completed"
	case models.StopRepeatGuard:
		return "turn stopped: repeated identical tool call detected"
	case models.StopToolFailurePolicy:
		return "turn stopped: too many tool failures this turn"
	default:
		return "turn stopped: cancelled"
	}
}

func closureSummary(reason models.LoopStopReason) string {
	switch reason {
	case models.StopMaxIterations:
		return "I wasn't able to finish within the allowed number of steps, so I'm stopping here."
	case models.StopDeadline:
		return "I ran out of time to finish this turn, so I'm stopping here."
	case models.StopRepeatGuard:
		return "I kept repeating the same tool call, so I'm stopping to avoid an infinite loop."
	case models.StopToolFailurePolicy:
		return "Too many tool calls failed this turn, so I'm stopping here."
	default:
		return "This turn was cancelled."
	}
}

func isRateLimitErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range rateLimitMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func isContextLengthErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range contextLengthMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func newMessageID() string {
	return uuid.New().String()
}
