package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/conveyorhq/conveyor/id"
)

// ErrCheckpointNotFound signals a missing or expired checkpoint.
var ErrCheckpointNotFound = errors.New("workflow: checkpoint not found")

// Store persists step checkpoints between runs of the same job.
type Store interface {
	// SaveCheckpoint stores a completed step's output. ttl bounds how
	// long it stays loadable; zero means the backend's default.
	SaveCheckpoint(ctx context.Context, jobID id.JobID, step string, output json.RawMessage, ttl time.Duration) error

	// GetCheckpoint loads a step's cached output. Returns
	// ErrCheckpointNotFound when absent or expired.
	GetCheckpoint(ctx context.Context, jobID id.JobID, step string) (json.RawMessage, error)

	// DeleteCheckpoints removes all checkpoints for a job, called when
	// the job reaches a terminal state.
	DeleteCheckpoints(ctx context.Context, jobID id.JobID) error
}
