package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/conveyorhq/conveyor/id"
)

// ExecutionContext is the per-run scratchpad passed between steps. It
// accumulates step outputs keyed by step name. It is exclusively owned
// by the single worker executing the run and is not concurrency-safe.
type ExecutionContext struct {
	jobID   id.JobID
	payload json.RawMessage
	outputs map[string]json.RawMessage
}

// NewExecutionContext creates an empty context for a job run.
func NewExecutionContext(jobID id.JobID) *ExecutionContext {
	return &ExecutionContext{
		jobID:   jobID,
		outputs: make(map[string]json.RawMessage),
	}
}

// JobID returns the job this run belongs to.
func (ec *ExecutionContext) JobID() id.JobID { return ec.jobID }

// SetPayload attaches the job's submission payload so steps can read
// it. The executor sets it before the run starts.
func (ec *ExecutionContext) SetPayload(raw json.RawMessage) { ec.payload = raw }

// Payload returns the job's submission payload.
func (ec *ExecutionContext) Payload() json.RawMessage { return ec.payload }

// DecodePayload decodes the job payload into v.
func (ec *ExecutionContext) DecodePayload(v any) error {
	if len(ec.payload) == 0 {
		return fmt.Errorf("workflow: job %s has no payload", ec.jobID)
	}
	if err := json.Unmarshal(ec.payload, v); err != nil {
		return fmt.Errorf("workflow: decode payload: %w", err)
	}
	return nil
}

// SetOutput records a step's output. The value must be JSON-
// marshalable.
func (ec *ExecutionContext) SetOutput(step string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("workflow: marshal output of %q: %w", step, err)
	}
	ec.outputs[step] = raw
	return nil
}

// setRaw records an already-encoded output (checkpoint restore path).
func (ec *ExecutionContext) setRaw(step string, raw json.RawMessage) {
	ec.outputs[step] = raw
}

// Output returns the raw output of a completed step.
func (ec *ExecutionContext) Output(step string) (json.RawMessage, bool) {
	raw, ok := ec.outputs[step]
	return raw, ok
}

// Steps returns the names of steps with recorded outputs.
func (ec *ExecutionContext) Steps() []string {
	names := make([]string, 0, len(ec.outputs))
	for name := range ec.outputs {
		names = append(names, name)
	}
	return names
}

// Output decodes the named step's output into T.
func Output[T any](ec *ExecutionContext, step string) (T, error) {
	var v T
	raw, ok := ec.outputs[step]
	if !ok {
		return v, fmt.Errorf("workflow: no output for step %q", step)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("workflow: decode output of %q: %w", step, err)
	}
	return v, nil
}
