package models

import "time"

// AgentEvent is the unified event model for streaming and diagnostics (C12).
// A single event stream drives trace recording, /status-style surfaces, and
// outbound progress updates.
//
// Design principles:
//   - Versioned and forward-compatible (add fields, don't rename/remove)
//   - Single Type discriminator with optional payload pointers
//   - Monotonic Sequence for ordering guarantees across goroutines
type AgentEvent struct {
	// Version for forward compatibility. Current version: 1.
	Version int `json:"version"`

	// Type identifies the kind of event.
	Type AgentEventType `json:"type"`

	// Time is when the event occurred.
	Time time.Time `json:"time"`

	// Sequence is monotonic within a run for ordering guarantees.
	Sequence uint64 `json:"seq"`

	// RunID identifies the pipeline run (one Pipeline.Run call).
	RunID string `json:"run_id,omitempty"`

	// TurnIndex is always 0: the pipeline is single-turn (spec §2), kept for
	// forward compatibility with the event schema's turn/iter distinction.
	TurnIndex int `json:"turn_index,omitempty"`

	// IterIndex is the 0-based ToolLoop iteration.
	IterIndex int `json:"iter_index,omitempty"`

	// Exactly one payload should be non-nil for a given Type.
	Text   *TextEventPayload   `json:"text,omitempty"`
	Tool   *ToolEventPayload   `json:"tool,omitempty"`
	Stream *StreamEventPayload `json:"stream,omitempty"`
	Error  *ErrorEventPayload  `json:"error,omitempty"`
	Stats  *StatsEventPayload  `json:"stats,omitempty"`
}

// AgentEventType identifies the kind of agent event.
type AgentEventType string

const (
	AgentEventRunStarted   AgentEventType = "run.started"
	AgentEventRunFinished  AgentEventType = "run.finished"
	AgentEventRunError     AgentEventType = "run.error"
	AgentEventRunCancelled AgentEventType = "run.cancelled"
	AgentEventRunTimedOut  AgentEventType = "run.timed_out"

	AgentEventIterStarted  AgentEventType = "iter.started"
	AgentEventIterFinished AgentEventType = "iter.finished"

	AgentEventModelDelta     AgentEventType = "model.delta"
	AgentEventModelCompleted AgentEventType = "model.completed"

	AgentEventToolStarted  AgentEventType = "tool.started"
	AgentEventToolStdout   AgentEventType = "tool.stdout"
	AgentEventToolStderr   AgentEventType = "tool.stderr"
	AgentEventToolFinished AgentEventType = "tool.finished"
	AgentEventToolTimedOut AgentEventType = "tool.timed_out"
)

// TextEventPayload is generic human-readable text (logs, status messages).
type TextEventPayload struct {
	Text string `json:"text"`
}

// StreamEventPayload represents model streaming deltas and completion metadata.
type StreamEventPayload struct {
	Delta string `json:"delta,omitempty"`
	Final string `json:"final,omitempty"`

	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// ToolEventPayload describes tool calls and their streamed outputs. Args/Result
// are opaque []byte to avoid coupling to tool schemas.
type ToolEventPayload struct {
	CallID string `json:"call_id,omitempty"`
	Name   string `json:"name,omitempty"`

	ArgsJSON []byte `json:"args_json,omitempty"`
	Chunk    string `json:"chunk,omitempty"`

	Success    bool          `json:"success,omitempty"`
	ResultJSON []byte        `json:"result_json,omitempty"`
	Elapsed    time.Duration `json:"elapsed,omitempty"`
}

// ErrorEventPayload standardizes errors for streaming and diagnostics.
type ErrorEventPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`

	Retriable bool `json:"retriable,omitempty"`

	// Err preserves the original error for errors.Is/errors.As; not serialized.
	Err error `json:"-"`
}

// StatsEventPayload carries run statistics as an event.
type StatsEventPayload struct {
	Run *RunStats `json:"run,omitempty"`
}

// RunStats is an aggregated summary of a pipeline run, derived from the
// event stream for observability.
type RunStats struct {
	RunID string `json:"run_id,omitempty"`

	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	WallTime   time.Duration `json:"wall_time,omitempty"`

	Iters int `json:"iters,omitempty"`

	ToolCalls    int           `json:"tool_calls,omitempty"`
	ToolWallTime time.Duration `json:"tool_wall_time,omitempty"`
	ToolTimeouts int           `json:"tool_timeouts,omitempty"`

	ModelWallTime time.Duration `json:"model_wall_time,omitempty"`
	InputTokens   int           `json:"input_tokens,omitempty"`
	OutputTokens  int           `json:"output_tokens,omitempty"`

	Cancelled     bool `json:"cancelled,omitempty"`
	TimedOut      bool `json:"timed_out,omitempty"`
	DroppedEvents int  `json:"dropped_events,omitempty"`

	Errors int `json:"errors,omitempty"`
}
