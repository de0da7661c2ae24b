// Package taskexec defines the external task executor boundary: a
// minimal submit/poll/cancel contract the orchestration core can hand
// step bodies to without depending on any executor's internals.
package taskexec

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/conveyorhq/conveyor/id"
)

// Executor errors.
var (
	ErrUnknownTask   = errors.New("taskexec: unknown task reference")
	ErrUnknownHandle = errors.New("taskexec: unknown handle")
)

// Status is the lifecycle of a submitted task.
type Status string

// Task statuses.
const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Result is a Poll snapshot. Output is set only on success; Err only
// on failure.
type Result struct {
	Status Status          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Err    string          `json:"error,omitempty"`
}

// Executor is the collaborator contract. Implementations may run tasks
// in-process, on a thread pool, or on a remote fleet.
type Executor interface {
	// SubmitAsync starts the task named by ref with the given arguments
	// and returns a handle for polling. Returns ErrUnknownTask for an
	// unregistered ref.
	SubmitAsync(ctx context.Context, ref string, args json.RawMessage) (id.HandleID, error)

	// Poll reports the task's current status and, once terminal, its
	// result. Returns ErrUnknownHandle for an unknown or expired handle.
	Poll(ctx context.Context, handle id.HandleID) (*Result, error)

	// Cancel requests cancellation. It reports true if the request was
	// delivered to a still-running task.
	Cancel(ctx context.Context, handle id.HandleID) (bool, error)
}
