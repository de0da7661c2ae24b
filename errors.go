package conveyor

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("conveyor: no store configured")
	ErrStoreClosed = errors.New("conveyor: store closed")

	// Not found errors.
	ErrJobNotFound = errors.New("conveyor: job not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("conveyor: job already exists")

	// Lock errors. LockBusy is transient (another holder owns the key);
	// LockLost is fatal for the current execution attempt — the job is
	// left for another instance to reconcile.
	ErrLockBusy = errors.New("conveyor: lock busy")
	ErrLockLost = errors.New("conveyor: lock lost")

	// Queue errors. QueueFull is the caller-visible backpressure signal.
	ErrQueueFull   = errors.New("conveyor: queue full")
	ErrQueueClosed = errors.New("conveyor: queue closed")

	// Dispatch errors.
	ErrUnknownJobType = errors.New("conveyor: unknown job type")

	// State errors.
	ErrInvalidTransition = errors.New("conveyor: invalid state transition")

	// Workflow errors.
	ErrResumeUnavailable = errors.New("conveyor: resume unavailable, prior step output not cached")
	ErrStepTimeout       = errors.New("conveyor: step timed out")

	// ErrJobCancelled is returned by handlers that stopped at a step
	// boundary because of an external cancellation request. The executor
	// maps it to the CANCELLED state rather than FAILED.
	ErrJobCancelled = errors.New("conveyor: job cancelled")
)
