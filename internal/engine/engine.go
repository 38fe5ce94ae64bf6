// Package engine drives the chapter pipeline: a strict stage machine from
// LoadContext through Finalize, with the review escalation policy, the
// provider circuit breaker, and the response cache wired into every
// generation call.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ebakumov/inkwell/internal/breaker"
	"github.com/ebakumov/inkwell/internal/cache"
	"github.com/ebakumov/inkwell/internal/foreshadow"
	"github.com/ebakumov/inkwell/internal/provider"
	"github.com/ebakumov/inkwell/internal/runstate"
	"github.com/ebakumov/inkwell/internal/search"
	"github.com/ebakumov/inkwell/internal/store"
)

// ProgressFunc receives pipeline progress events as loosely-typed maps. The
// daemon fans them out to SSE clients and appends them to the run-event log.
type ProgressFunc func(event map[string]any)

// Config is the engine's retry and timeout policy.
type Config struct {
	// MaxRetries is the global content-retry ceiling per chapter. Once the
	// counter reaches it, Review routes to Repair unconditionally.
	MaxRetries int
	// MaxStyleRetries bounds the ordinary revise loop for style/other
	// verdicts.
	MaxStyleRetries int
	// PlanRetries bounds the Plan stage's internal coherence sub-retry,
	// independent of the run retry counter.
	PlanRetries int
	// DueSoonLookahead is the window, in plot units, for soft foreshadowing
	// guidance during planning.
	DueSoonLookahead int

	// SoftTimeout triggers a cooperative abort between stages. HardTimeout
	// is a context deadline on the whole run and can abort mid-stage. Both
	// produce a terminal failure.
	SoftTimeout time.Duration
	HardTimeout time.Duration

	Temperature float64
	MaxTokens   int
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.MaxStyleRetries <= 0 {
		c.MaxStyleRetries = 2
	}
	if c.PlanRetries <= 0 {
		c.PlanRetries = 3
	}
	if c.DueSoonLookahead <= 0 {
		c.DueSoonLookahead = 3
	}
	return c
}

// Deps are the engine's collaborators. Store and Provider are required;
// everything else degrades gracefully when nil.
type Deps struct {
	Store    store.Store
	Provider provider.Generator
	Breaker  *breaker.Breaker
	Cache    *cache.Tiered
	Tracker  *foreshadow.Tracker
	Search   search.Searcher
	Progress ProgressFunc
	// Clock is injectable for timeout tests.
	Clock func() time.Time
}

type Engine struct {
	store    store.Store
	gen      provider.Generator
	brk      *breaker.Breaker
	cache    *cache.Tiered
	tracker  *foreshadow.Tracker
	search   search.Searcher
	progress ProgressFunc
	cfg      Config
	now      func() time.Time
}

func New(deps Deps, cfg Config) *Engine {
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:    deps.Store,
		gen:      deps.Provider,
		brk:      deps.Breaker,
		cache:    deps.Cache,
		tracker:  deps.Tracker,
		search:   deps.Search,
		progress: deps.Progress,
		cfg:      cfg.withDefaults(),
		now:      now,
	}
}

// RunResult summarizes one pipeline execution. RetryCount is the number of
// content retries accumulated for this chapter, captured before Finalize
// resets the counter.
type RunResult struct {
	RunID      string
	Status     store.RunStatus
	ChapterID  string
	RetryCount int
	Trace      []runstate.Stage
	Reason     string
}

// RunPipeline produces one chapter for (novelID, branchID). The run is
// strictly sequential; callers wanting concurrency submit independent runs
// to the worker pool. A breaker-denied or transient provider failure yields
// RunStatusDeferred so the caller can retry the whole run with backoff; every
// other failure is terminal.
func (e *Engine) RunPipeline(ctx context.Context, runID, novelID, branchID string) (*RunResult, error) {
	if e.cfg.HardTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.HardTimeout)
		defer cancel()
	}
	start := e.now()

	st := &runstate.RunState{
		RunID:           runID,
		NovelID:         novelID,
		BranchID:        branchID,
		MaxRetries:      e.cfg.MaxRetries,
		MaxStyleRetries: e.cfg.MaxStyleRetries,
		Next:            runstate.StageLoadContext,
	}
	res := &RunResult{RunID: runID}

	for st.Next != runstate.StageDone {
		stage := st.Next
		if err := e.checkDeadlines(ctx, start); err != nil {
			return e.finishErr(res, stage, err)
		}
		res.Trace = append(res.Trace, stage)
		e.emit(map[string]any{"type": "stage_started", "run_id": runID, "stage": string(stage)})

		var (
			next runstate.Stage
			err  error
		)
		switch stage {
		case runstate.StageLoadContext:
			err = e.stageLoadContext(ctx, st)
			next = runstate.StagePlan
		case runstate.StagePlan:
			err = e.stagePlan(ctx, st)
			next = runstate.StageRefineContext
		case runstate.StageRefineContext:
			err = e.stageRefineContext(ctx, st)
			next = runstate.StageWrite
		case runstate.StageWrite:
			err = e.stageWrite(ctx, st)
			next = runstate.StageReview
		case runstate.StageReview:
			var verdict runstate.Verdict
			verdict, err = e.stageReview(ctx, st)
			if err == nil {
				next = nextStageAfterReview(st, verdict)
				e.emit(map[string]any{
					"type": "review_verdict", "run_id": runID,
					"verdict": string(verdict), "next_stage": string(next),
					"retry_count": st.RetryCount,
				})
			}
		case runstate.StageRepair:
			err = e.stageRepair(ctx, st)
			next = runstate.StageEvolve
		case runstate.StageEvolve:
			err = e.stageEvolve(ctx, st)
			next = runstate.StageFinalize
		case runstate.StageFinalize:
			res.RetryCount = st.RetryCount
			res.ChapterID, err = e.stageFinalize(ctx, st)
			next = runstate.StageDone
		default:
			err = fmt.Errorf("unhandled stage %s", stage)
		}
		if err != nil {
			return e.finishErr(res, stage, err)
		}
		e.emit(map[string]any{"type": "stage_completed", "run_id": runID, "stage": string(stage)})
		if err := st.Advance(next); err != nil {
			return e.finishErr(res, stage, err)
		}
	}

	res.Status = store.RunStatusDone
	e.emit(map[string]any{
		"type": "done", "run_id": runID,
		"chapter_id": res.ChapterID, "retry_count": res.RetryCount,
	})
	return res, nil
}

// checkDeadlines is the cooperative cancellation point between stages.
func (e *Engine) checkDeadlines(ctx context.Context, start time.Time) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run aborted: %w", err)
	}
	if e.cfg.SoftTimeout > 0 && e.now().Sub(start) > e.cfg.SoftTimeout {
		return fmt.Errorf("soft timeout %s exceeded", e.cfg.SoftTimeout)
	}
	return nil
}

func (e *Engine) finishErr(res *RunResult, stage runstate.Stage, err error) (*RunResult, error) {
	err = fmt.Errorf("stage %s: %w", stage, err)
	res.Reason = err.Error()
	if errors.Is(err, provider.ErrUnavailable) || provider.IsRetryable(err) {
		res.Status = store.RunStatusDeferred
		e.emit(map[string]any{"type": "run_deferred", "run_id": res.RunID, "reason": res.Reason})
	} else {
		res.Status = store.RunStatusFailed
		e.emit(map[string]any{"type": "error", "run_id": res.RunID, "reason": res.Reason})
	}
	return res, err
}

func (e *Engine) emit(ev map[string]any) {
	if e.progress == nil {
		return
	}
	if _, ok := ev["ts"]; !ok {
		ev["ts"] = e.now().UTC().Format(time.RFC3339Nano)
	}
	e.progress(ev)
}

// callProvider is the single funnel for generation calls: cache lookup,
// breaker admission, the call itself, breaker bookkeeping, write-through.
// category == "" disables caching (creative stages are never cached).
func (e *Engine) callProvider(ctx context.Context, category string, req *provider.Request, stream bool) (*provider.Response, error) {
	var key string
	if e.cache != nil && category != "" {
		key = cache.Key(category, []any{req.Messages}, map[string]any{
			"temperature": req.Temperature,
			"max_tokens":  req.MaxTokens,
		})
		var cached provider.Response
		ok, err := e.cache.Get(ctx, key, &cached)
		if err != nil {
			e.emit(map[string]any{"type": "warning", "reason": "cache get failed: " + err.Error()})
		} else if ok {
			return &cached, nil
		}
	}

	if e.brk != nil && !e.brk.Allow() {
		return nil, fmt.Errorf("%s: %w", category, provider.ErrUnavailable)
	}

	var (
		resp *provider.Response
		err  error
	)
	if stream {
		resp, err = e.gen.GenerateStream(ctx, req, func(delta string) error {
			e.emit(map[string]any{"type": "token_streamed", "delta": delta})
			return ctx.Err()
		})
	} else {
		resp, err = e.gen.Generate(ctx, req)
	}
	if err != nil {
		// Only transient failures count against the breaker; a permanent
		// failure says nothing about provider health.
		if e.brk != nil && provider.IsRetryable(err) {
			e.brk.RecordFailure()
		}
		return nil, err
	}
	if e.brk != nil {
		e.brk.RecordSuccess()
	}

	if key != "" {
		if err := e.cache.Set(ctx, key, resp, e.cache.TTLFor(category)); err != nil {
			e.emit(map[string]any{"type": "warning", "reason": "cache set failed: " + err.Error()})
		}
	}
	return resp, nil
}
