package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	conveyor "github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/queue"
)

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolLogger sets the pool's structured logger.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// Pool runs a fixed number of worker slots, each looping
// dequeue → execute. Cross-instance coordination happens entirely
// through the executor's lock and store; pools on different instances
// share nothing in memory.
type Pool struct {
	queue       *queue.Queue[id.JobID]
	exec        *Executor
	concurrency int
	logger      *slog.Logger

	mu            sync.Mutex
	started       bool
	wg            sync.WaitGroup
	runCancel     context.CancelFunc
	dequeueCancel context.CancelFunc
}

// NewPool creates a pool of n worker slots over the queue.
func NewPool(q *queue.Queue[id.JobID], exec *Executor, n int, opts ...PoolOption) *Pool {
	if n <= 0 {
		n = 1
	}
	p := &Pool{
		queue:       q,
		exec:        exec,
		concurrency: n,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the worker slots. Executions are detached from the
// caller's context; Stop is the only way to end them.
func (p *Pool) Start(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("worker: pool already started")
	}
	p.started = true

	runCtx, runCancel := context.WithCancel(context.Background())
	dequeueCtx, dequeueCancel := context.WithCancel(runCtx)
	p.runCancel = runCancel
	p.dequeueCancel = dequeueCancel

	for i := range p.concurrency {
		p.wg.Add(1)
		go p.runLoop(runCtx, dequeueCtx, i)
	}

	p.logger.Info("worker pool started",
		"slots", p.concurrency, "instance", p.exec.InstanceID())
	return nil
}

// runLoop is one worker slot.
func (p *Pool) runLoop(runCtx, dequeueCtx context.Context, slot int) {
	defer p.wg.Done()

	for {
		jobID, err := p.queue.Dequeue(dequeueCtx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, conveyor.ErrQueueClosed) {
				return
			}
			p.logger.Error("dequeue failed", "slot", slot, "error", err)
			continue
		}

		if err := p.exec.Execute(runCtx, jobID); err != nil {
			p.logger.Error("job execution error", "slot", slot, "job_id", jobID, "error", err)
		}
	}
}

// Stop shuts the pool down. Intake stops immediately; in-flight jobs
// get until ctx's deadline to reach a step boundary, after which their
// contexts are cancelled and they settle as STOPPED. A job interrupted
// mid-step keeps its RUNNING record and its lock until the TTL lapses.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	dequeueCancel, runCancel := p.dequeueCancel, p.runCancel
	p.mu.Unlock()

	dequeueCancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool drained")
		return nil
	case <-ctx.Done():
		runCancel()
		<-done
		p.logger.Warn("worker pool stopped before draining", "error", ctx.Err())
		return ctx.Err()
	}
}
