package job

import (
	"encoding/json"
	"fmt"
	"time"

	conveyor "github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/id"
)

// Priority orders pending jobs. Lower values are served first.
type Priority int

// Priority levels, most to least urgent.
const (
	PriorityUrgent Priority = 0
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "URGENT"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// ParsePriority converts a priority name to its value.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "URGENT":
		return PriorityUrgent, nil
	case "HIGH":
		return PriorityHigh, nil
	case "NORMAL":
		return PriorityNormal, nil
	case "LOW":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("job: unknown priority %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(data []byte) error {
	parsed, err := ParsePriority(string(data))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// State is a job lifecycle state.
type State string

// Job lifecycle states.
const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateStopped   State = "STOPPED"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// Terminal reports whether the state accepts no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// transitions is the full set of legal state moves.
var transitions = map[State][]State{
	StatePending: {StateRunning, StateCancelled},
	StateRunning: {StateSucceeded, StateFailed, StateStopped, StateCancelled},
	StateStopped: {StateRunning, StateCancelled},
}

// ValidTransition reports whether moving from one state to another is
// legal. Terminal states accept nothing.
func ValidTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Job is the durable record of a unit of work.
type Job struct {
	conveyor.Entity

	ID       id.JobID        `json:"id"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Priority Priority        `json:"priority"`
	State    State           `json:"state"`

	// Progress is 0-100, monotonically non-decreasing while RUNNING.
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	RetryCount int        `json:"retry_count"`

	// OwnerInstance is the worker instance currently (or last) executing
	// this job, for diagnostics.
	OwnerInstance string `json:"owner_instance,omitempty"`

	// CancelRequested is the cooperative cancellation flag, observed at
	// step boundaries.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// ResumeFrom names the workflow step to resume from on the next run.
	// Empty means run from the beginning.
	ResumeFrom string `json:"resume_from,omitempty"`

	// Timeout bounds the whole job execution. Zero means no job-level
	// deadline beyond the per-step budgets.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// New creates a PENDING job of the given type.
func New(jobType string, payload json.RawMessage, opts ...Option) *Job {
	j := &Job{
		Entity:   conveyor.NewEntity(),
		ID:       id.NewJobID(),
		Type:     jobType,
		Payload:  payload,
		Priority: PriorityNormal,
		State:    StatePending,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Transition moves the job to a new state, stamping StartedAt and
// FinishedAt at the relevant edges. Returns ErrInvalidTransition when
// the move is not legal.
func (j *Job) Transition(to State) error {
	if !ValidTransition(j.State, to) {
		return fmt.Errorf("%w: %s -> %s", conveyor.ErrInvalidTransition, j.State, to)
	}

	now := time.Now().UTC()
	switch to {
	case StateRunning:
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
	case StateSucceeded, StateFailed, StateCancelled:
		j.FinishedAt = &now
	}

	j.State = to
	j.UpdatedAt = now
	return nil
}

// SetProgress records progress, clamped to 0-100 and never decreasing.
func (j *Job) SetProgress(pct int, message string) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if pct > j.Progress {
		j.Progress = pct
	}
	if message != "" {
		j.Message = message
	}
	j.UpdatedAt = time.Now().UTC()
}

// Fail moves the job to FAILED with the given error detail.
func (j *Job) Fail(err error) error {
	if terr := j.Transition(StateFailed); terr != nil {
		return terr
	}
	if err != nil {
		j.Error = err.Error()
	}
	return nil
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	cp := *j
	if j.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}
