package job

import (
	"context"
	"time"

	"github.com/conveyorhq/conveyor/id"
)

// Filter narrows a List call.
type Filter struct {
	// States restricts results to jobs in any of these states.
	// Empty means all states.
	States []State

	// Type restricts results to one job type. Empty means all types.
	Type string

	// FinishedBefore restricts results to jobs that reached a terminal
	// state before this instant. Zero means no bound.
	FinishedBefore time.Time

	// Limit caps the result count. Zero means no cap.
	Limit int
}

// Store is the persistence contract for job records. Backends must
// make Update a full-record replace so the caller's in-memory job is
// the source of truth between load and save.
type Store interface {
	// Create persists a new job record. Returns ErrJobAlreadyExists if
	// the id is taken.
	Create(ctx context.Context, j *Job) error

	// Get loads a job record. Returns ErrJobNotFound for unknown ids.
	Get(ctx context.Context, jobID id.JobID) (*Job, error)

	// Update replaces an existing job record. Returns ErrJobNotFound if
	// the record expired or was never created.
	Update(ctx context.Context, j *Job) error

	// SetCancelRequested writes the cancellation flag without touching
	// the rest of the record. The flag is owned by the control API while
	// the record body is owned by the executing worker; a field-scoped
	// write lets the two sides race safely. Returns ErrJobNotFound for
	// unknown ids.
	SetCancelRequested(ctx context.Context, jobID id.JobID, v bool) error

	// Delete removes a job record. Deleting an absent record is not an
	// error.
	Delete(ctx context.Context, jobID id.JobID) error

	// List returns job records matching the filter.
	List(ctx context.Context, f Filter) ([]*Job, error)

	// Counts returns the number of job records per state.
	Counts(ctx context.Context) (map[State]int, error)
}
