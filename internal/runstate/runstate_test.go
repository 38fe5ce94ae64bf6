package runstate

import "testing"

func TestCanTransitionTable(t *testing.T) {
	cases := []struct {
		from, to Stage
		want     bool
	}{
		{StageLoadContext, StagePlan, true},
		{StagePlan, StageRefineContext, true},
		{StageRefineContext, StageWrite, true},
		{StageWrite, StageReview, true},
		{StageReview, StageEvolve, true},
		{StageReview, StageWrite, true},
		{StageReview, StageRepair, true},
		{StageRepair, StageEvolve, true},
		{StageEvolve, StageFinalize, true},
		{StageFinalize, StageDone, true},

		{StageLoadContext, StageWrite, false},
		{StageWrite, StageEvolve, false},
		{StageRepair, StageWrite, false},
		{StageRepair, StageReview, false},
		{StageEvolve, StageWrite, false},
		{StageDone, StageLoadContext, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestAdvanceRejectsIllegalEdge(t *testing.T) {
	st := &RunState{Next: StageWrite}
	if err := st.Advance(StageEvolve); err == nil {
		t.Fatalf("expected error for write -> evolve")
	}
	if st.Next != StageWrite {
		t.Fatalf("state must not move on rejected transition, got %s", st.Next)
	}
	if err := st.Advance(StageReview); err != nil {
		t.Fatalf("write -> review should be legal: %v", err)
	}
}

func TestParseStage(t *testing.T) {
	if _, err := ParseStage("refine_context"); err != nil {
		t.Fatalf("ParseStage: %v", err)
	}
	if _, err := ParseStage("nonsense"); err == nil {
		t.Fatalf("expected error for unknown stage")
	}
}

func TestVerdictClasses(t *testing.T) {
	if !VerdictLogicError.Escalating() || !VerdictCharacterError.Escalating() {
		t.Fatalf("logic and character verdicts must escalate")
	}
	if VerdictStyleError.Escalating() || VerdictOtherError.Escalating() || VerdictPassed.Escalating() {
		t.Fatalf("style/other/passed must not escalate")
	}
	if !VerdictStyleError.Revisable() || !VerdictOtherError.Revisable() {
		t.Fatalf("style and other verdicts must be revisable")
	}
	if VerdictPassed.Revisable() || VerdictLogicError.Revisable() {
		t.Fatalf("passed/logic must not be revisable")
	}
}

func TestParseVerdictAliases(t *testing.T) {
	for raw, want := range map[string]Verdict{
		"Passed":                      VerdictPassed,
		"logic":                       VerdictLogicError,
		"character_consistency_error": VerdictCharacterError,
		"style":                       VerdictStyleError,
		"other":                       VerdictOtherError,
	} {
		got, err := ParseVerdict(raw)
		if err != nil {
			t.Fatalf("ParseVerdict(%q): %v", raw, err)
		}
		if got != want {
			t.Errorf("ParseVerdict(%q) = %s, want %s", raw, got, want)
		}
	}
	if _, err := ParseVerdict("meh"); err == nil {
		t.Fatalf("expected error for unknown verdict")
	}
}

func TestFeedbackAccumulation(t *testing.T) {
	st := &RunState{}
	st.RecordFeedback("tighten the pacing")
	st.RecordFeedback("  ")
	st.RecordFeedback("drop the epilogue tease")
	if st.Feedback != "drop the epilogue tease" {
		t.Fatalf("latest feedback: got %q", st.Feedback)
	}
	want := "tighten the pacing\ndrop the epilogue tease"
	if got := st.AccumulatedFeedback(); got != want {
		t.Fatalf("accumulated feedback: got %q, want %q", got, want)
	}
}
