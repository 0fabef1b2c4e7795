// Package dispatch runs approved execution jobs on a fixed set of workers.
// Callers get a result channel per job and block only on that channel.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/yairfalse/vigil/executor"
	"github.com/yairfalse/vigil/telemetry"
	"github.com/yairfalse/vigil/types"
)

// Runner executes one job
type Runner interface {
	Batch(ctx context.Context, job executor.Job) types.ExecutionResult
}

type task struct {
	ctx    context.Context
	job    executor.Job
	result chan types.ExecutionResult
}

// Pool fans jobs out to a fixed number of workers
type Pool struct {
	runner  Runner
	workers int
	tasks   chan task
	logger  *telemetry.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// New creates a pool with the given worker count and queue depth
func New(runner Runner, workers, queue int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	return &Pool{
		runner:  runner,
		workers: workers,
		tasks:   make(chan task, queue),
		logger:  telemetry.NewLogger("dispatcher"),
	}
}

// Start launches the workers. It is safe to call more than once.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	for w := 0; w < p.workers; w++ {
		p.wg.Add(1)
		go p.work()
	}
}

func (p *Pool) work() {
	defer p.wg.Done()
	for t := range p.tasks {
		t.result <- p.runner.Batch(t.ctx, t.job)
		close(t.result)
	}
}

// Submit queues a job. The returned channel delivers exactly one result.
// Submission waits for queue space until ctx is done.
func (p *Pool) Submit(ctx context.Context, job executor.Job) (<-chan types.ExecutionResult, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, fmt.Errorf("%w: dispatcher stopped", types.ErrUnavailable)
	}

	t := task{ctx: ctx, job: job, result: make(chan types.ExecutionResult, 1)}
	select {
	case p.tasks <- t:
		p.logger.WithContext(ctx).Debug().
			Str("action", job.Action).
			Int("devices", len(job.Devices)).
			Msg("job queued")
		return t.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting jobs and waits for queued ones to finish
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	started := p.started
	p.mu.Unlock()

	if !started {
		// drain so no submitter waits forever on an unstarted pool
		for t := range p.tasks {
			t.result <- p.runner.Batch(t.ctx, t.job)
			close(t.result)
		}
		return
	}
	p.wg.Wait()
}

// Run starts the workers and blocks until ctx is done, then drains. It
// fits an oklog/run group.
func (p *Pool) Run(ctx context.Context) error {
	p.Start()
	<-ctx.Done()
	p.Close()
	return nil
}
