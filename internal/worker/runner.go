package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ebakumov/inkwell/internal/engine"
	"github.com/ebakumov/inkwell/internal/store"
)

// EngineRunner adapts the pipeline engine to the pool's Runner contract and
// keeps the run rows in the store current. It also watches for stalls: a run
// that stops emitting progress events past StallTimeout is cancelled and
// marked failed.
type EngineRunner struct {
	Engine *engine.Engine
	Store  store.Store

	// Progress receives terminal events emitted outside a pipeline run,
	// such as a deferral give-up. Wire it to the same fan-out sink.
	Progress engine.ProgressFunc

	StallTimeout       time.Duration
	StallCheckInterval time.Duration

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// Observe feeds progress events into the stall tracker. Wire it into the
// same fan-out sink the engine emits to.
func (r *EngineRunner) Observe(ev map[string]any) {
	runID, _ := ev["run_id"].(string)
	if runID == "" {
		return
	}
	r.mu.Lock()
	if r.lastSeen == nil {
		r.lastSeen = map[string]time.Time{}
	}
	r.lastSeen[runID] = time.Now()
	r.mu.Unlock()
}

func (r *EngineRunner) touch(runID string) {
	r.Observe(map[string]any{"run_id": runID})
}

func (r *EngineRunner) sinceProgress(runID string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.lastSeen[runID]
	if !ok {
		return 0
	}
	return time.Since(last)
}

func (r *EngineRunner) forget(runID string) {
	r.mu.Lock()
	delete(r.lastSeen, runID)
	r.mu.Unlock()
}

func (r *EngineRunner) Run(ctx context.Context, job Job) (store.RunStatus, error) {
	if err := r.Store.UpdateRunStatus(ctx, job.RunID, store.RunStatusRunning); err != nil {
		return store.RunStatusFailed, err
	}
	r.touch(job.RunID)
	defer r.forget(job.RunID)

	runCtx := ctx
	if r.StallTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithCancel(ctx)
		defer cancel()
		go r.watchStall(runCtx, job.RunID, cancel)
	}

	res, err := r.Engine.RunPipeline(runCtx, job.RunID, job.NovelID, job.BranchID)
	switch res.Status {
	case store.RunStatusDone:
		if ferr := r.Store.FinishRun(ctx, job.RunID, store.RunStatusDone, res.ChapterID, ""); ferr != nil {
			return store.RunStatusFailed, ferr
		}
	case store.RunStatusDeferred:
		if uerr := r.Store.UpdateRunStatus(ctx, job.RunID, store.RunStatusDeferred); uerr != nil {
			return store.RunStatusFailed, uerr
		}
	default:
		if ferr := r.Store.FinishRun(ctx, job.RunID, store.RunStatusFailed, "", res.Reason); ferr != nil {
			return store.RunStatusFailed, ferr
		}
	}
	return res.Status, err
}

// GiveUp marks a run that exhausted its deferral budget as failed and emits
// a terminal error event so poll and stream clients see the outcome instead
// of a run stuck in DEFERRED. Wire it as the pool's OnGiveUp hook.
func (r *EngineRunner) GiveUp(job Job) {
	reason := fmt.Sprintf("provider did not recover after %d deferrals", job.Attempt+1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Store.FinishRun(ctx, job.RunID, store.RunStatusFailed, "", reason); err != nil {
		log.Printf("ERROR: failed to mark run %s failed after give-up: %v", job.RunID, err)
	}
	if r.Progress != nil {
		r.Progress(map[string]any{
			"run_id": job.RunID,
			"type":   "error",
			"reason": reason,
			"ts":     time.Now().UTC().Format(time.RFC3339Nano),
		})
	}
}

func (r *EngineRunner) watchStall(ctx context.Context, runID string, cancel context.CancelFunc) {
	interval := r.StallCheckInterval
	if interval <= 0 {
		interval = r.StallTimeout / 4
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.sinceProgress(runID) > r.StallTimeout {
				cancel()
				return
			}
		}
	}
}
