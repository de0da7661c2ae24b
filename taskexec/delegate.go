package taskexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	conveyor "github.com/conveyorhq/conveyor"
)

// Delegate submits a task to an Executor and polls until it reaches a
// terminal status, cancelling the remote task when ctx ends first. It
// is the bridge for workflow steps whose bodies live behind the
// executor boundary.
func Delegate(ctx context.Context, exec Executor, ref string, args any, pollInterval time.Duration) (json.RawMessage, error) {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("taskexec: marshal args for %q: %w", ref, err)
	}

	handle, err := exec.SubmitAsync(ctx, ref, raw)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Best effort: the remote task should not outlive the step.
			if _, cerr := exec.Cancel(context.WithoutCancel(ctx), handle); cerr != nil && !errors.Is(cerr, ErrUnknownHandle) {
				return nil, errors.Join(ctx.Err(), cerr)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}

		result, err := exec.Poll(ctx, handle)
		if err != nil {
			return nil, err
		}

		switch result.Status {
		case StatusSucceeded:
			return result.Output, nil
		case StatusFailed:
			return nil, fmt.Errorf("taskexec: task %q failed: %s", ref, result.Err)
		case StatusCancelled:
			return nil, fmt.Errorf("%w: task %q", conveyor.ErrJobCancelled, ref)
		default:
			// Still pending or running; keep polling.
		}
	}
}
