package engine

import "github.com/ebakumov/inkwell/internal/runstate"

// nextStageAfterReview routes the run after a review verdict. The rules are
// evaluated strictly in order:
//
//  1. Retry counter at the global ceiling: Repair, no increment. This is a
//     circuit breaker for content, distinct from the provider breaker.
//  2. Passed: Evolve.
//  3. Logic or character-consistency failure: increment, Repair. These are
//     never retried through the revise loop; re-asking with the same
//     strategy does not fix a broken plot.
//  4. Style or other failure: Write while the revise budget lasts, else
//     Repair. The budget check precedes the increment so a limit of N
//     permits exactly N revision passes.
func nextStageAfterReview(st *runstate.RunState, v runstate.Verdict) runstate.Stage {
	if st.RetryCount >= st.MaxRetries {
		return runstate.StageRepair
	}
	if v == runstate.VerdictPassed {
		return runstate.StageEvolve
	}
	if v.Escalating() {
		st.RetryCount++
		return runstate.StageRepair
	}
	revise := st.RetryCount < st.MaxStyleRetries
	st.RetryCount++
	if revise {
		return runstate.StageWrite
	}
	return runstate.StageRepair
}
