package models

import "time"

// TierDecision records one ModelRouter/TierUpgradePolicy resolution.
type TierDecision struct {
	Iteration int
	FromTier  Tier
	ToTier    Tier
	Reason    string
	Forced    bool
	At        time.Time
}

// MaskingRecord records one RequestViewBuilder incompatibility-masking
// event (spec §4.6 step 3).
type MaskingRecord struct {
	Iteration      int
	FlattenedCount int
	Reason         string
}

// TruncationRecord records one truncation event, whichever layer performed
// it (ToolExecutor's maxToolResultChars cut, or RequestViewBuilder's
// emergency per-message truncation).
type TruncationRecord struct {
	Source       string // "tool_result" | "emergency_view"
	MessageID    string
	TotalChars   int
	ShownChars   int
	Iteration    int
}

// LoopTrace summarizes one ToolLoop run for a turn.
type LoopTrace struct {
	Iterations   int
	StopReason   LoopStopReason
	ToolOutcomes []ToolExecutionOutcome
}

// TurnDiagnostics is the immutable, append-only diagnostics record attached
// to a TurnContext, exposed read-only to tests and /status-style surfaces.
type TurnDiagnostics struct {
	TierDecisions     []TierDecision
	MaskingRecords    []MaskingRecord
	TruncationRecords []TruncationRecord
	Loop              LoopTrace
}

func NewTurnDiagnostics() *TurnDiagnostics {
	return &TurnDiagnostics{}
}

func (d *TurnDiagnostics) RecordTier(dec TierDecision) {
	if d == nil {
		return
	}
	d.TierDecisions = append(d.TierDecisions, dec)
}

func (d *TurnDiagnostics) RecordMasking(rec MaskingRecord) {
	if d == nil {
		return
	}
	d.MaskingRecords = append(d.MaskingRecords, rec)
}

func (d *TurnDiagnostics) RecordTruncation(rec TruncationRecord) {
	if d == nil {
		return
	}
	d.TruncationRecords = append(d.TruncationRecords, rec)
}
