// Package worker executes pipeline runs on a bounded pool. Runs for the
// same (novel, branch) pair are serialized in submission order; independent
// branches proceed in parallel up to the pool size. Deferred runs are
// re-enqueued on the backoff schedule.
package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ebakumov/inkwell/internal/engine"
	"github.com/ebakumov/inkwell/internal/store"
)

// Job is one queued pipeline execution. Attempt counts deferrals, not
// content retries; it starts at 0 and increments each time the run is
// re-enqueued.
type Job struct {
	RunID    string
	NovelID  string
	BranchID string
	Attempt  int
}

func (j Job) branchKey() string { return j.NovelID + "/" + j.BranchID }

// Runner executes one job to completion and reports its terminal-or-deferred
// status.
type Runner interface {
	Run(ctx context.Context, job Job) (store.RunStatus, error)
}

type Options struct {
	// Size bounds concurrently executing runs across all branches.
	Size int
	// MaxDeferrals caps breaker-driven re-enqueues before the run fails.
	MaxDeferrals int
	Backoff      engine.BackoffConfig

	// OnGiveUp is called when a job exhausts its deferral budget.
	OnGiveUp func(job Job)
}

func (o Options) withDefaults() Options {
	if o.Size <= 0 {
		o.Size = 4
	}
	if o.MaxDeferrals <= 0 {
		o.MaxDeferrals = 5
	}
	return o
}

type Pool struct {
	runner Runner
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[string][]Job
	active map[string]bool
	timers map[*time.Timer]struct{}
	closed bool
}

func NewPool(runner Runner, opts Options) *Pool {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		runner: runner,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		sem:    make(chan struct{}, opts.Size),
		queues: map[string][]Job{},
		active: map[string]bool{},
		timers: map[*time.Timer]struct{}{},
	}
}

// Submit enqueues a job. Jobs for a busy branch wait behind the in-flight
// run; everything else starts as soon as a pool slot frees up.
func (p *Pool) Submit(job Job) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	key := job.branchKey()
	p.queues[key] = append(p.queues[key], job)
	p.kickLocked(key)
	p.mu.Unlock()
}

// kickLocked starts a drain goroutine for the branch unless one is running.
func (p *Pool) kickLocked(key string) {
	if p.active[key] || len(p.queues[key]) == 0 {
		return
	}
	p.active[key] = true
	p.wg.Add(1)
	go p.drain(key)
}

// drain runs the branch's queue to empty, one job at a time.
func (p *Pool) drain(key string) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		if p.closed || len(p.queues[key]) == 0 {
			p.active[key] = false
			p.mu.Unlock()
			return
		}
		job := p.queues[key][0]
		p.queues[key] = p.queues[key][1:]
		p.mu.Unlock()

		select {
		case p.sem <- struct{}{}:
		case <-p.ctx.Done():
			p.mu.Lock()
			p.active[key] = false
			p.mu.Unlock()
			return
		}
		p.execute(job)
		<-p.sem
	}
}

func (p *Pool) execute(job Job) {
	status, err := p.runner.Run(p.ctx, job)
	if status != store.RunStatusDeferred {
		return
	}
	if job.Attempt+1 >= p.opts.MaxDeferrals {
		log.Printf("WARN: run %s gave up after %d deferrals: %v", job.RunID, job.Attempt+1, err)
		if p.opts.OnGiveUp != nil {
			p.opts.OnGiveUp(job)
		}
		return
	}
	next := job
	next.Attempt++
	delay := engine.DeferralDelay(job.RunID, next.Attempt, p.opts.Backoff)
	log.Printf("WARN: run %s deferred, retrying in %s (attempt %d): %v", job.RunID, delay, next.Attempt, err)
	p.scheduleRetry(next, delay)
}

func (p *Pool) scheduleRetry(job Job, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.timers, timer)
		p.mu.Unlock()
		p.Submit(job)
	})
	p.timers[timer] = struct{}{}
}

// Close stops accepting work, cancels pending retries, and waits for
// in-flight runs to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for timer := range p.timers {
		timer.Stop()
	}
	p.timers = map[*time.Timer]struct{}{}
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}
