// Package worker runs jobs: the Executor serializes one job execution
// under the distributed lock, the Pool drives N executors off the
// shared priority queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	conveyor "github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
	"github.com/conveyorhq/conveyor/lock"
	"github.com/conveyorhq/conveyor/middleware"
)

// LockKey builds the coordination key guarding a job's execution.
func LockKey(prefix string, jobID id.JobID) string {
	return fmt.Sprintf("lock:%s:job:%s", prefix, jobID)
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLockTTL sets the lock expiry for job executions.
func WithLockTTL(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.lockTTL = d }
}

// WithLogger sets the executor's structured logger.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithMiddleware wraps every handler the executor runs.
func WithMiddleware(mws ...middleware.Middleware) ExecutorOption {
	return func(e *Executor) { e.middlewares = mws }
}

// Executor runs a single job end to end: resolve the handler, take the
// distributed lock, move the record to RUNNING, run, and settle the
// terminal state under the same lock.
type Executor struct {
	instanceID  id.WorkerID
	keyPrefix   string
	registry    *job.Registry
	jobs        job.Store
	locker      lock.Locker
	lockTTL     time.Duration
	logger      *slog.Logger
	middlewares []middleware.Middleware
}

// NewExecutor creates an executor for one worker instance.
func NewExecutor(instanceID id.WorkerID, keyPrefix string, registry *job.Registry, jobs job.Store, locker lock.Locker, opts ...ExecutorOption) *Executor {
	e := &Executor{
		instanceID: instanceID,
		keyPrefix:  keyPrefix,
		registry:   registry,
		jobs:       jobs,
		locker:     locker,
		lockTTL:    30 * time.Second,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// InstanceID returns the worker instance this executor belongs to.
func (e *Executor) InstanceID() id.WorkerID { return e.instanceID }

// Execute runs one job by id. A busy lock means another instance is
// already executing the job; the duplicate is suppressed, not an error.
func (e *Executor) Execute(ctx context.Context, jobID id.JobID) error {
	j, err := e.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, conveyor.ErrJobNotFound) {
			e.logger.Warn("dequeued job no longer exists", "job_id", jobID)
			return nil
		}
		return fmt.Errorf("worker: load job %s: %w", jobID, err)
	}
	if j.State.Terminal() {
		e.logger.Debug("dequeued job already terminal", "job_id", jobID, "state", j.State)
		return nil
	}

	handler, err := e.registry.Resolve(j.Type)
	if err != nil {
		// Configuration error: fail the record so status queries see it.
		// The record walks RUNNING so the transition stays legal.
		if terr := j.Transition(job.StateRunning); terr != nil {
			return terr
		}
		if ferr := j.Fail(err); ferr != nil {
			return ferr
		}
		return e.jobs.Update(ctx, j)
	}
	if len(e.middlewares) > 0 {
		handler = middleware.Chain(handler, e.middlewares...)
	}

	guard, err := lock.Acquire(ctx, e.locker, LockKey(e.keyPrefix, jobID), e.lockTTL)
	if err != nil {
		if errors.Is(err, conveyor.ErrLockBusy) {
			e.logger.Debug("duplicate execution suppressed",
				"job_id", jobID, "instance", e.instanceID)
			return nil
		}
		return fmt.Errorf("worker: lock job %s: %w", jobID, err)
	}

	err = e.run(ctx, guard, handler, jobID)

	if relErr := guard.Release(ctx); relErr != nil && !errors.Is(relErr, conveyor.ErrLockLost) {
		e.logger.Warn("lock release failed", "job_id", jobID, "error", relErr)
	}
	return err
}

// run executes the job while the lock is held.
func (e *Executor) run(ctx context.Context, guard *lock.Guard, handler job.Handler, jobID id.JobID) error {
	// Reload under the lock: the record may have changed while we
	// queued for it.
	j, err := e.jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("worker: reload job %s: %w", jobID, err)
	}

	// Cancellation requested before execution started.
	if j.CancelRequested && j.State != job.StateRunning {
		if terr := j.Transition(job.StateCancelled); terr != nil {
			return terr
		}
		j.CancelRequested = false
		return e.jobs.Update(ctx, j)
	}

	if err := j.Transition(job.StateRunning); err != nil {
		e.logger.Debug("job not runnable", "job_id", jobID, "state", j.State)
		return nil
	}
	j.OwnerInstance = e.instanceID.String()
	if err := e.jobs.Update(ctx, j); err != nil {
		return fmt.Errorf("worker: mark running %s: %w", jobID, err)
	}

	execErr := handler.Execute(ctx, j)

	return e.settle(ctx, guard, j, execErr)
}

// settle moves the job out of RUNNING. The transition requires still
// holding the lock; if ownership lapsed the record is left for another
// instance to reconcile.
func (e *Executor) settle(ctx context.Context, guard *lock.Guard, j *job.Job, execErr error) error {
	// settle must run even when ctx was cancelled by shutdown.
	settleCtx := context.WithoutCancel(ctx)

	if err := guard.Refresh(settleCtx, e.lockTTL); err != nil {
		e.logger.Warn("lock lost before settling, leaving job for reconciliation",
			"job_id", j.ID, "error", errors.Join(err, execErr))
		return nil
	}

	switch {
	case execErr == nil:
		if err := j.Transition(job.StateSucceeded); err != nil {
			return err
		}
		j.SetProgress(100, "completed")
		j.CancelRequested = false

	case errors.Is(execErr, conveyor.ErrJobCancelled):
		if err := j.Transition(job.StateCancelled); err != nil {
			return err
		}
		j.CancelRequested = false

	case errors.Is(execErr, context.Canceled) && ctx.Err() != nil:
		// Shutdown reached a step boundary; the job resumes elsewhere.
		if err := j.Transition(job.StateStopped); err != nil {
			return err
		}

	default:
		j.RetryCount++
		if err := j.Fail(execErr); err != nil {
			return err
		}
	}

	if err := e.jobs.Update(settleCtx, j); err != nil {
		return fmt.Errorf("worker: settle job %s: %w", j.ID, err)
	}

	e.logger.Info("job settled", "job_id", j.ID, "state", j.State, "progress", j.Progress)
	return nil
}
