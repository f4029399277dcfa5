// Package pipeline implements C8 Pipeline: the fixed, single-iteration stage
// list a turn runs through end to end (spec §4.1).
//
// Sanitize(10) -> Compact(18) -> ContextBuild(20) -> DynamicTier(25) ->
// ToolLoop(30) -> MemoryPersist(50) -> RagIndex(55) -> Route(60)
//
// ToolLoop (C7) internalizes the LLM<->tool repetition that used to require
// outer iteration, so Pipeline itself never loops: each stage runs at most
// once per turn.
package pipeline

import (
	"context"
	"fmt"

	"github.com/ravensworth/turnloop/internal/diagnostics"
	"github.com/ravensworth/turnloop/pkg/models"
)

// Stage is one named step of the pipeline. ShouldProcess lets a stage opt
// out without being removed from the fixed order (e.g. Compact skipping a
// turn that is well under budget); Process does the work.
type Stage interface {
	Name() string
	ShouldProcess(ctx context.Context, turn *models.TurnContext) bool
	Process(ctx context.Context, turn *models.TurnContext) error
}

// RateLimiter is C1's narrow surface the pipeline needs: whether a turn may
// start at all, checked independently against the user and channel scopes
// (spec §4.10) so one caller's bucket can never collapse onto another's.
// *ratelimit.MultiLimiter satisfies this; the llm scope is checked
// separately, inside ToolLoop, once per provider call rather than once per
// turn.
type RateLimiter interface {
	Allow(userKey, channelKey string) bool
}

// PipelineAborted is returned by Run when RateLimiter denies a turn before
// Sanitize ever runs. Unlike StageFailed, it is never surfaced through
// Route: there is no partial turn to report on.
type PipelineAborted struct {
	UserKey    string
	ChannelKey string
}

func (e *PipelineAborted) Error() string {
	return fmt.Sprintf("pipeline: aborted before Sanitize, rate limit denied user=%q channel=%q", e.UserKey, e.ChannelKey)
}

// StageFailed wraps a stage's error with the stage's name. Route is the one
// stage that still runs after a StageFailed, so it can report the failure
// to the user.
type StageFailed struct {
	Stage string
	Cause error
}

func (e *StageFailed) Error() string {
	return fmt.Sprintf("pipeline: stage %s failed: %v", e.Stage, e.Cause)
}

func (e *StageFailed) Unwrap() error { return e.Cause }

// toolLoopStageName is the one stage name every other ordering decision
// (the FinalAnswerReady gate, in particular) is defined relative to.
const toolLoopStageName = "ToolLoop"

// routeStageName always runs, gated state notwithstanding, so a StageFailed
// upstream still reaches the user.
const routeStageName = "Route"

// Pipeline runs its Stages in the fixed order they were given, once per
// turn, honoring spec §4.1's contracts.
type Pipeline struct {
	RateLimiter RateLimiter
	Stages      []Stage

	// Trace is C12's optional cache-trace sink (internal/diagnostics):
	// nil-safe on every method, so a turn runs identically whether or not
	// a trace file is configured. Its stage vocabulary
	// (session:loaded/sanitized/limited, prompt:before, session:after)
	// maps directly onto Sanitize/Compact/ToolLoop/Route, so Run records
	// against it rather than introducing a parallel tracing mechanism.
	Trace *diagnostics.CacheTrace
}

// New builds a Pipeline from stages in the order they should run. Callers
// are expected to pass exactly the spec §4.1 stage list in order; New does
// not reorder or validate names beyond what Run needs to find ToolLoop and
// Route.
func New(rateLimiter RateLimiter, stages ...Stage) *Pipeline {
	return &Pipeline{RateLimiter: rateLimiter, Stages: stages}
}

// Run executes every stage once. userKey and channelKey identify the two
// independent scopes (spec §4.10) RateLimiter.Allow checks before Sanitize
// runs at all; they must never be built from the same underlying value
// reused across scopes.
//
// A stage error is captured onto turn.StageError (or turn.LLMError, for the
// ToolLoop stage specifically, mirroring the field the rest of the turn's
// diagnostics already distinguish) as a *StageFailed and short-circuits
// every remaining stage except Route. Stages ordered after ToolLoop are
// additionally gated on turn.FinalAnswerReady, per spec §4.1's "stages
// after ToolLoop run exactly once per turn and are gated on
// ctx.finalAnswerReady == true" contract; Route is exempt from that gate so
// it can still report a ToolLoop that never reached a final answer.
func (p *Pipeline) Run(ctx context.Context, turn *models.TurnContext, userKey, channelKey string) error {
	if p.RateLimiter != nil && !p.RateLimiter.Allow(userKey, channelKey) {
		return &PipelineAborted{UserKey: userKey, ChannelKey: channelKey}
	}

	p.Trace.RecordStage(diagnostics.StageSessionLoaded, &diagnostics.CacheTraceEventPayload{
		Note: fmt.Sprintf("messages=%d", len(turn.Messages)),
	})

	pastToolLoop := false
	for _, stage := range p.Stages {
		name := stage.Name()
		if name == toolLoopStageName {
			pastToolLoop = true
		}

		if pastToolLoop && name != toolLoopStageName && name != routeStageName && !turn.FinalAnswerReady {
			continue
		}

		if turn.StageError != nil && name != routeStageName {
			continue
		}

		if !stage.ShouldProcess(ctx, turn) {
			continue
		}

		if name == toolLoopStageName {
			p.Trace.RecordStage(diagnostics.StagePromptBefore, &diagnostics.CacheTraceEventPayload{
				Model: map[string]interface{}{"selected": string(turn.SelectedModel)},
			})
		}

		if err := stage.Process(ctx, turn); err != nil {
			failure := &StageFailed{Stage: name, Cause: err}
			if name == toolLoopStageName {
				turn.LLMError = failure
			}
			turn.StageError = failure
			if name != routeStageName {
				continue
			}
		} else {
			switch name {
			case "Sanitize":
				p.Trace.RecordStage(diagnostics.StageSessionSanitized, nil)
			case "Compact":
				p.Trace.RecordStage(diagnostics.StageSessionLimited, &diagnostics.CacheTraceEventPayload{
					Note: fmt.Sprintf("messages=%d", len(turn.Messages)),
				})
			}
		}

		if name == toolLoopStageName {
			pastToolLoop = true
		}
	}

	payload := &diagnostics.CacheTraceEventPayload{}
	if turn.StageError != nil {
		payload.Error = turn.StageError.Error()
	}
	p.Trace.RecordStage(diagnostics.StageSessionAfter, payload)
	return turn.StageError
}
