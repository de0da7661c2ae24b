package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	conveyor "github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/backoff"
)

// Recorder is how the engine reports run-level state back to the job
// record between steps. The executor wires it to the job store; tests
// use a fake.
type Recorder interface {
	// SetProgress persists the run's progress percentage and status
	// text. Called after every completed step.
	SetProgress(ctx context.Context, pct int, message string) error

	// CancelRequested reports whether an external cancellation request
	// is pending. Checked before each step starts.
	CancelRequested(ctx context.Context) (bool, error)
}

// NopRecorder discards progress and never reports cancellation.
type NopRecorder struct{}

func (NopRecorder) SetProgress(context.Context, int, string) error { return nil }
func (NopRecorder) CancelRequested(context.Context) (bool, error)  { return false, nil }

// StepError reports a step that exhausted its retry budget.
type StepError struct {
	Step     string
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("workflow: step %q failed after %d attempt(s): %v", e.Step, e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Result is the outcome of a completed (or cancelled) run.
type Result struct {
	// Cancelled is set when the run stopped at a step boundary because
	// of an external cancellation request. No error accompanies it.
	Cancelled bool

	// Completed counts enabled steps that finished this run, including
	// steps skipped via checkpoint restore.
	Completed int

	// Enabled is the progress denominator.
	Enabled int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine's structured logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithRetryBackoff sets the delay strategy between step retry attempts.
func WithRetryBackoff(s backoff.Strategy) EngineOption {
	return func(e *Engine) { e.backoff = s }
}

// Engine executes workflow definitions with checkpointing, per-step
// timeout and retry, and cooperative cancellation.
type Engine struct {
	store   Store
	logger  *slog.Logger
	backoff backoff.Strategy
}

// NewEngine creates an engine over the given checkpoint store.
func NewEngine(store Store, opts ...EngineOption) *Engine {
	e := &Engine{
		store:   store,
		logger:  slog.Default(),
		backoff: backoff.Exponential(time.Second, 5*time.Minute),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the definition's enabled steps in order. If resumeFrom
// names a step, all prior enabled steps are restored from checkpoints
// instead of executed; a missing checkpoint fails the run with
// ErrResumeUnavailable before any step runs.
//
// After each completed step the engine checkpoints its output (when
// the step and the global config allow caching), merges it into ec,
// and persists progress through the recorder. Cancellation is observed
// at step boundaries only.
func (e *Engine) Run(ctx context.Context, def *Definition, ec *ExecutionContext, rec Recorder, resumeFrom string) (*Result, error) {
	if rec == nil {
		rec = NopRecorder{}
	}

	enabled := def.EnabledSteps()
	result := &Result{Enabled: len(enabled)}
	if len(enabled) == 0 {
		return result, nil
	}

	start := 0
	if resumeFrom != "" {
		var err error
		start, err = e.restore(ctx, def, enabled, ec, resumeFrom)
		if err != nil {
			return nil, err
		}
		result.Completed = start
	}

	logger := e.logger
	if !def.Global.EnableLogging {
		logger = slog.New(slog.DiscardHandler)
	}

	for i := start; i < len(enabled); i++ {
		step := enabled[i]

		cancelled, err := rec.CancelRequested(ctx)
		if err != nil {
			return nil, fmt.Errorf("workflow: check cancellation before %q: %w", step.Name, err)
		}
		if cancelled {
			logger.Info("run cancelled at step boundary",
				"workflow", def.Name, "job_id", ec.JobID(), "next_step", step.Name)
			result.Cancelled = true
			return result, nil
		}

		logger.Debug("step starting", "workflow", def.Name, "job_id", ec.JobID(), "step", step.Name)

		output, err := e.runStep(ctx, step, ec)
		if err != nil {
			return nil, err
		}

		if err := ec.SetOutput(step.Name, output); err != nil {
			return nil, err
		}
		if step.Config.CacheEnabled && def.Global.EnableCaching {
			raw, _ := ec.Output(step.Name)
			if err := e.store.SaveCheckpoint(ctx, ec.JobID(), step.Name, raw, step.Config.CacheTTL); err != nil {
				// A lost checkpoint costs a future resume, not this run.
				logger.Warn("checkpoint save failed",
					"job_id", ec.JobID(), "step", step.Name, "error", err)
			}
		}

		result.Completed++
		pct := result.Completed * 100 / len(enabled)
		msg := fmt.Sprintf("completed step %s (%d/%d)", step.Name, result.Completed, len(enabled))
		if err := rec.SetProgress(ctx, pct, msg); err != nil {
			return nil, fmt.Errorf("workflow: persist progress after %q: %w", step.Name, err)
		}

		logger.Debug("step completed",
			"workflow", def.Name, "job_id", ec.JobID(), "step", step.Name, "progress", pct)
	}

	return result, nil
}

// restore seeds ec with the checkpointed outputs of every enabled step
// before resumeFrom and returns the index to resume at.
func (e *Engine) restore(ctx context.Context, def *Definition, enabled []Step, ec *ExecutionContext, resumeFrom string) (int, error) {
	target := -1
	for i, s := range enabled {
		if s.Name == resumeFrom {
			target = i
			break
		}
	}
	if target < 0 {
		return 0, fmt.Errorf("%w: step %q is not an enabled step of %q",
			conveyor.ErrResumeUnavailable, resumeFrom, def.Name)
	}

	for _, s := range enabled[:target] {
		raw, err := e.store.GetCheckpoint(ctx, ec.JobID(), s.Name)
		if errors.Is(err, ErrCheckpointNotFound) {
			return 0, fmt.Errorf("%w: no checkpoint for prior step %q",
				conveyor.ErrResumeUnavailable, s.Name)
		}
		if err != nil {
			return 0, fmt.Errorf("workflow: load checkpoint for %q: %w", s.Name, err)
		}
		ec.setRaw(s.Name, raw)
	}
	return target, nil
}

// runStep executes one step with its timeout and retry budget.
func (e *Engine) runStep(ctx context.Context, step Step, ec *ExecutionContext) (any, error) {
	attempts := step.Config.RetryCount + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		output, err := e.attempt(ctx, step, ec)
		if err == nil {
			return output, nil
		}
		lastErr = err

		// The run's own context ending is not retryable.
		if ctx.Err() != nil {
			break
		}

		if attempt < attempts {
			e.logger.Warn("step attempt failed, retrying",
				"job_id", ec.JobID(), "step", step.Name,
				"attempt", attempt, "of", attempts, "error", err)

			timer := time.NewTimer(e.backoff.Delay(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}

	return nil, &StepError{Step: step.Name, Attempts: attempts, Err: lastErr}
}

// attempt runs the step body once under its per-attempt deadline.
func (e *Engine) attempt(ctx context.Context, step Step, ec *ExecutionContext) (any, error) {
	if step.Config.Timeout <= 0 {
		return step.Run(ctx, ec)
	}

	stepCtx, cancel := context.WithTimeout(ctx, step.Config.Timeout)
	defer cancel()

	output, err := step.Run(stepCtx, ec)
	if err != nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, fmt.Errorf("%w: step %q exceeded %s",
			conveyor.ErrStepTimeout, step.Name, step.Config.Timeout)
	}
	return output, err
}
