package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	conveyor "github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
	"github.com/conveyorhq/conveyor/lock"
	"github.com/conveyorhq/conveyor/middleware"
	"github.com/conveyorhq/conveyor/queue"
	"github.com/conveyorhq/conveyor/worker"
	"github.com/conveyorhq/conveyor/workflow"
)

// Store is the full coordination store contract the engine needs. The
// redis and memory backends implement all of it.
type Store interface {
	conveyor.Storer
	job.Store
	workflow.Store
	lock.Locker
}

// Engine is a fully wired conveyor instance.
type Engine struct {
	cfg        conveyor.Config
	logger     *slog.Logger
	store      Store
	registry   *job.Registry
	queue      *queue.Queue[id.JobID]
	pool       *worker.Pool
	wf         *workflow.Engine
	instanceID id.WorkerID

	mu          sync.Mutex
	janitorStop chan struct{}
	janitorDone chan struct{}
}

// Build wires an Engine from a configured Coordinator. The
// coordinator's store must implement the full Store contract.
func Build(c *conveyor.Coordinator) (*Engine, error) {
	if c.Store() == nil {
		return nil, conveyor.ErrNoStore
	}
	store, ok := c.Store().(Store)
	if !ok {
		return nil, fmt.Errorf("conveyor: store %T does not implement the coordination contract", c.Store())
	}

	cfg := c.Config()
	logger := c.Logger()
	instanceID := id.NewWorkerID()

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		registry:   job.NewRegistry(),
		queue:      queue.New[id.JobID](cfg.QueueCapacity),
		wf:         workflow.NewEngine(store, workflow.WithLogger(logger)),
		instanceID: instanceID,
	}

	exec := worker.NewExecutor(instanceID, cfg.KeyPrefix, e.registry, store, store,
		worker.WithLockTTL(cfg.LockTTL),
		worker.WithLogger(logger),
		worker.WithMiddleware(
			middleware.Recover(),
			middleware.Logging(logger),
			middleware.Timeout(0),
		),
	)
	e.pool = worker.NewPool(e.queue, exec, cfg.Concurrency, worker.WithPoolLogger(logger))
	c.SetPool(e.pool)

	return e, nil
}

// InstanceID returns this instance's worker id.
func (e *Engine) InstanceID() id.WorkerID { return e.instanceID }

// Registry returns the handler registry for direct registration.
func (e *Engine) Registry() *job.Registry { return e.registry }

// Start launches the worker pool and the retention janitor.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Ping(ctx); err != nil {
		return fmt.Errorf("conveyor: store unreachable: %w", err)
	}
	if err := e.pool.Start(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	if e.cfg.JanitorInterval > 0 && e.janitorStop == nil {
		e.janitorStop = make(chan struct{})
		e.janitorDone = make(chan struct{})
		go e.janitorLoop(e.janitorStop, e.janitorDone)
	}
	e.mu.Unlock()

	e.logger.Info("engine started",
		"instance", e.instanceID, "slots", e.cfg.Concurrency, "queue_capacity", e.cfg.QueueCapacity)
	return nil
}

// Stop shuts down intake, drains workers within ctx's deadline, and
// stops the janitor. The store is left open for the owner to close.
func (e *Engine) Stop(ctx context.Context) error {
	e.queue.Close()

	e.mu.Lock()
	stop, done := e.janitorStop, e.janitorDone
	e.janitorStop, e.janitorDone = nil, nil
	e.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}

	return e.pool.Stop(ctx)
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

// Register binds a handler to a job type.
func (e *Engine) Register(jobType string, h job.Handler) error {
	return e.registry.Register(jobType, h)
}

// RegisterFunc registers a typed handler; the payload is decoded from
// JSON into T before fn runs.
func RegisterFunc[T any](e *Engine, jobType string, fn func(ctx context.Context, j *job.Job, payload T) error) error {
	return job.RegisterFunc(e.registry, jobType, fn)
}

// RegisterWorkflow binds a workflow definition to a job type. Each
// execution runs the definition's enabled steps with checkpointing;
// the job's ResumeFrom selects the resume point.
func (e *Engine) RegisterWorkflow(jobType string, def *workflow.Definition) error {
	return e.registry.Register(jobType, job.HandlerFunc(func(ctx context.Context, j *job.Job) error {
		ec := workflow.NewExecutionContext(j.ID)
		ec.SetPayload(j.Payload)
		rec := &jobRecorder{jobs: e.store, j: j}

		result, err := e.wf.Run(ctx, def, ec, rec, j.ResumeFrom)
		if err != nil {
			return err
		}
		if result.Cancelled {
			return conveyor.ErrJobCancelled
		}

		// A finished run has no resume point left.
		if err := e.store.DeleteCheckpoints(context.WithoutCancel(ctx), j.ID); err != nil {
			e.logger.Warn("checkpoint cleanup failed", "job_id", j.ID, "error", err)
		}
		return nil
	}))
}

// jobRecorder persists workflow progress onto the job record the
// executor is holding.
type jobRecorder struct {
	jobs job.Store
	j    *job.Job
}

func (r *jobRecorder) SetProgress(ctx context.Context, pct int, message string) error {
	// The cancellation flag is owned by the control API and may have
	// flipped while the step ran; carry the stored value forward so this
	// whole-record write cannot erase it.
	fresh, err := r.jobs.Get(ctx, r.j.ID)
	if err != nil {
		return err
	}
	r.j.CancelRequested = fresh.CancelRequested

	r.j.SetProgress(pct, message)
	return r.jobs.Update(ctx, r.j)
}

func (r *jobRecorder) CancelRequested(ctx context.Context) (bool, error) {
	fresh, err := r.jobs.Get(ctx, r.j.ID)
	if err != nil {
		return false, err
	}
	return fresh.CancelRequested, nil
}

// ---------------------------------------------------------------------------
// Submission API
// ---------------------------------------------------------------------------

// Submit creates a job record and enqueues it. The job type must be
// registered. A full queue fails with ErrQueueFull and leaves no
// record behind.
func (e *Engine) Submit(ctx context.Context, jobType string, payload json.RawMessage, opts ...job.Option) (id.JobID, error) {
	if _, err := e.registry.Resolve(jobType); err != nil {
		return id.Nil, err
	}

	j := job.New(jobType, payload, opts...)
	if err := e.store.Create(ctx, j); err != nil {
		return id.Nil, err
	}

	if err := e.queue.Enqueue(j.ID, int(j.Priority)); err != nil {
		// Backpressure: undo the record so the caller can resubmit.
		if derr := e.store.Delete(context.WithoutCancel(ctx), j.ID); derr != nil {
			e.logger.Warn("orphaned record after enqueue failure", "job_id", j.ID, "error", derr)
		}
		return id.Nil, err
	}

	e.logger.Debug("job submitted", "job_id", j.ID, "type", jobType, "priority", j.Priority.String())
	return j.ID, nil
}

// ---------------------------------------------------------------------------
// Query API
// ---------------------------------------------------------------------------

// Status is the caller-visible slice of a job record.
type Status struct {
	JobID    id.JobID  `json:"job_id"`
	State    job.State `json:"state"`
	Progress int       `json:"progress"`
	Message  string    `json:"message,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// GetStatus reports a job's current state. Unknown ids fail with
// ErrJobNotFound.
func (e *Engine) GetStatus(ctx context.Context, jobID id.JobID) (*Status, error) {
	j, err := e.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &Status{
		JobID:    j.ID,
		State:    j.State,
		Progress: j.Progress,
		Message:  j.Message,
		Error:    j.Error,
	}, nil
}

// ---------------------------------------------------------------------------
// Control API
// ---------------------------------------------------------------------------

// Cancel requests cooperative cancellation. It reports true when the
// request was recorded; a job already terminal reports false.
func (e *Engine) Cancel(ctx context.Context, jobID id.JobID) (bool, error) {
	j, err := e.store.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if j.State.Terminal() {
		return false, nil
	}

	// Field-scoped write: the record body belongs to whichever worker is
	// executing the job right now.
	if err := e.store.SetCancelRequested(ctx, jobID, true); err != nil {
		return false, err
	}

	e.logger.Info("cancellation requested", "job_id", jobID, "state", j.State)
	return true, nil
}

// Retry re-enqueues a STOPPED job, optionally resuming from the named
// step. It reports false for jobs in any other state.
func (e *Engine) Retry(ctx context.Context, jobID id.JobID, resumeFrom string) (bool, error) {
	j, err := e.store.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if j.State != job.StateStopped {
		return false, nil
	}

	j.ResumeFrom = resumeFrom
	j.CancelRequested = false
	if err := e.store.Update(ctx, j); err != nil {
		return false, err
	}
	if err := e.queue.Enqueue(j.ID, int(j.Priority)); err != nil {
		return false, err
	}

	e.logger.Info("job re-enqueued", "job_id", jobID, "resume_from", resumeFrom)
	return true, nil
}

// ---------------------------------------------------------------------------
// Stats API
// ---------------------------------------------------------------------------

// Stats is the instance-level summary.
type Stats struct {
	Total       int            `json:"total"`
	Succeeded   int            `json:"succeeded"`
	Failed      int            `json:"failed"`
	QueueDepth  int            `json:"queue_depth"`
	QueueDepths map[string]int `json:"queue_depths,omitempty"`
	InstanceID  string         `json:"instance_id"`
}

// GetStats summarizes job counts and this instance's queue depths,
// overall and per priority class.
func (e *Engine) GetStats(ctx context.Context) (*Stats, error) {
	counts, err := e.store.Counts(ctx)
	if err != nil {
		return nil, err
	}

	total := 0
	for _, n := range counts {
		total += n
	}

	depths := make(map[string]int)
	for p, n := range e.queue.Depths() {
		depths[job.Priority(p).String()] = n
	}

	return &Stats{
		Total:       total,
		Succeeded:   counts[job.StateSucceeded],
		Failed:      counts[job.StateFailed],
		QueueDepth:  e.queue.Len(),
		QueueDepths: depths,
		InstanceID:  e.instanceID.String(),
	}, nil
}

// ---------------------------------------------------------------------------
// Recovery and retention
// ---------------------------------------------------------------------------

// Recover re-enqueues PENDING and STOPPED jobs found in the store, and
// reclaims RUNNING jobs whose owner died mid-step. Call it once after
// Start on instance boot: the in-memory queue does not survive
// restarts, but the records do. Jobs being executed elsewhere are
// protected by their locks.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	jobs, err := e.store.List(ctx, job.Filter{
		States: []job.State{job.StatePending, job.StateStopped},
	})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, j := range jobs {
		if err := e.queue.Enqueue(j.ID, int(j.Priority)); err != nil {
			if errors.Is(err, conveyor.ErrQueueFull) {
				e.logger.Warn("queue full during recovery, remaining jobs deferred", "recovered", recovered)
				return recovered, nil
			}
			return recovered, err
		}
		recovered++
	}

	running, err := e.store.List(ctx, job.Filter{
		States: []job.State{job.StateRunning},
	})
	if err != nil {
		return recovered, err
	}
	for _, j := range running {
		ok, err := e.reclaimRunning(ctx, j.ID)
		if err != nil {
			if errors.Is(err, conveyor.ErrQueueFull) {
				e.logger.Warn("queue full during recovery, remaining jobs deferred", "recovered", recovered)
				return recovered, nil
			}
			return recovered, err
		}
		if ok {
			recovered++
		}
	}

	if recovered > 0 {
		e.logger.Info("recovered jobs into queue", "count", recovered)
	}
	return recovered, nil
}

// reclaimRunning flips an abandoned RUNNING job to STOPPED and
// re-enqueues it. Acquiring the job's lock proves the previous owner is
// gone; a busy lock means the job is still executing somewhere and is
// left alone.
func (e *Engine) reclaimRunning(ctx context.Context, jobID id.JobID) (bool, error) {
	guard, err := lock.Acquire(ctx, e.store, worker.LockKey(e.cfg.KeyPrefix, jobID), e.cfg.LockTTL)
	if errors.Is(err, conveyor.ErrLockBusy) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer func() {
		if rerr := guard.Release(ctx); rerr != nil && !errors.Is(rerr, conveyor.ErrLockLost) {
			e.logger.Warn("reclaim lock release failed", "job_id", jobID, "error", rerr)
		}
	}()

	j, err := e.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, conveyor.ErrJobNotFound) {
			return false, nil
		}
		return false, err
	}
	if j.State != job.StateRunning {
		return false, nil
	}

	if err := j.Transition(job.StateStopped); err != nil {
		return false, err
	}
	if err := e.store.Update(ctx, j); err != nil {
		return false, err
	}
	if err := e.queue.Enqueue(j.ID, int(j.Priority)); err != nil {
		return false, err
	}

	e.logger.Info("reclaimed abandoned job", "job_id", jobID, "progress", j.Progress)
	return true, nil
}

// janitorLoop expires terminal job records past the retention window.
func (e *Engine) janitorLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := e.sweep(context.Background()); err != nil {
				e.logger.Warn("retention sweep failed", "error", err)
			}
		}
	}
}

func (e *Engine) sweep(ctx context.Context) error {
	expired, err := e.store.List(ctx, job.Filter{
		States:         []job.State{job.StateSucceeded, job.StateFailed, job.StateCancelled},
		FinishedBefore: time.Now().Add(-e.cfg.JobRetention),
	})
	if err != nil {
		return err
	}

	for _, j := range expired {
		if err := e.store.DeleteCheckpoints(ctx, j.ID); err != nil {
			return err
		}
		if err := e.store.Delete(ctx, j.ID); err != nil {
			return err
		}
	}

	if len(expired) > 0 {
		e.logger.Info("expired terminal jobs", "count", len(expired))
	}
	return nil
}
