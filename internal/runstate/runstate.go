// Package runstate defines the mutable aggregate threaded through one
// pipeline run and the stage/verdict enums the engine routes on.
package runstate

import (
	"fmt"
	"strings"

	"github.com/ebakumov/inkwell/internal/foreshadow"
)

type Stage string

const (
	StageLoadContext   Stage = "load_context"
	StagePlan          Stage = "plan"
	StageRefineContext Stage = "refine_context"
	StageWrite         Stage = "write"
	StageReview        Stage = "review"
	StageRepair        Stage = "repair"
	StageEvolve        Stage = "evolve"
	StageFinalize      Stage = "finalize"
	StageDone          Stage = "done"
)

func ParseStage(s string) (Stage, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "load_context":
		return StageLoadContext, nil
	case "plan":
		return StagePlan, nil
	case "refine_context":
		return StageRefineContext, nil
	case "write":
		return StageWrite, nil
	case "review":
		return StageReview, nil
	case "repair":
		return StageRepair, nil
	case "evolve":
		return StageEvolve, nil
	case "finalize":
		return StageFinalize, nil
	case "done":
		return StageDone, nil
	default:
		return "", fmt.Errorf("invalid stage: %q", s)
	}
}

// stageTransitions is the full transition table. Review is the only stage
// with more than one successor; everything else is a straight line.
var stageTransitions = map[Stage][]Stage{
	StageLoadContext:   {StagePlan},
	StagePlan:          {StageRefineContext},
	StageRefineContext: {StageWrite},
	StageWrite:         {StageReview},
	StageReview:        {StageEvolve, StageWrite, StageRepair},
	StageRepair:        {StageEvolve},
	StageEvolve:        {StageFinalize},
	StageFinalize:      {StageDone},
	StageDone:          {},
}

// CanTransition reports whether from -> to is a legal stage edge.
func CanTransition(from, to Stage) bool {
	for _, next := range stageTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Verdict is the Review stage's classification of a draft.
type Verdict string

const (
	VerdictPassed         Verdict = "passed"
	VerdictLogicError     Verdict = "logic_error"
	VerdictCharacterError Verdict = "character_consistency_error"
	VerdictStyleError     Verdict = "style_error"
	VerdictOtherError     Verdict = "other_error"
)

func ParseVerdict(s string) (Verdict, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "passed", "pass", "ok":
		return VerdictPassed, nil
	case "logic_error", "logic":
		return VerdictLogicError, nil
	case "character_consistency_error", "character_error", "character":
		return VerdictCharacterError, nil
	case "style_error", "style":
		return VerdictStyleError, nil
	case "other_error", "other":
		return VerdictOtherError, nil
	default:
		return "", fmt.Errorf("invalid review verdict: %q", s)
	}
}

// Escalating verdicts are never retried through the ordinary revise loop:
// re-asking with the same strategy does not fix a broken plot or an
// out-of-character action.
func (v Verdict) Escalating() bool {
	return v == VerdictLogicError || v == VerdictCharacterError
}

// Revisable verdicts tolerate a bounded number of ordinary revisions.
func (v Verdict) Revisable() bool {
	return v == VerdictStyleError || v == VerdictOtherError
}

// CharacterSnapshot is the engine's view of one character as of the current
// plot index.
type CharacterSnapshot struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Summary       string            `json:"summary,omitempty"`
	Traits        []string          `json:"traits,omitempty"`
	Relationships map[string]string `json:"relationships,omitempty"`
}

type WorldItem struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Plan is the scene/conflict/instruction triple produced by the Plan stage.
type Plan struct {
	Scene       string `json:"scene"`
	Conflict    string `json:"conflict"`
	Instruction string `json:"instruction"`
}

// RunState is the aggregate root for one pipeline execution. It is built
// from persisted data at run start, mutated in place by each stage, and
// discarded once Finalize commits its effects to the store.
type RunState struct {
	RunID    string
	NovelID  string
	BranchID string

	// PlotIndex is the sequence position of the chapter being produced.
	PlotIndex int

	Characters      map[string]CharacterSnapshot
	WorldItems      []WorldItem
	Foreshadowing   []*foreshadow.Record
	RecentSummaries []string

	Plan  Plan
	Draft string
	// Title and Summary are chapter metadata produced by Evolve and
	// committed by Finalize.
	Title   string
	Summary string
	// Feedback carries the latest review feedback into the next Write or
	// Repair attempt. Accumulated feedback lives in FeedbackLog.
	Feedback    string
	FeedbackLog []string

	RetryCount      int
	MaxRetries      int
	MaxStyleRetries int

	Next Stage
}

// Advance moves the run to the next stage, enforcing the transition table.
func (st *RunState) Advance(to Stage) error {
	if !CanTransition(st.Next, to) {
		return fmt.Errorf("illegal stage transition %s -> %s", st.Next, to)
	}
	st.Next = to
	return nil
}

// RecordFeedback stores review feedback for the next attempt.
func (st *RunState) RecordFeedback(fb string) {
	fb = strings.TrimSpace(fb)
	if fb == "" {
		return
	}
	st.Feedback = fb
	st.FeedbackLog = append(st.FeedbackLog, fb)
}

// AccumulatedFeedback joins every review note gathered so far; Repair uses
// it to drive the single corrective rewrite.
func (st *RunState) AccumulatedFeedback() string {
	return strings.Join(st.FeedbackLog, "\n")
}
