package redis

import (
	"fmt"

	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
)

// keys builds every key this backend touches, namespaced under one
// prefix so instances sharing a Redis can coexist with other tenants.
type keys struct {
	prefix string
}

// job returns the hash holding one job record:
// <prefix>:job:<job_id>
func (k keys) job(jobID id.JobID) string {
	return fmt.Sprintf("%s:job:%s", k.prefix, jobID)
}

// stateSet returns the index set of job ids in one state:
// <prefix>:jobs:state:<STATE>
func (k keys) stateSet(state job.State) string {
	return fmt.Sprintf("%s:jobs:state:%s", k.prefix, state)
}

// checkpoint returns the string key holding one step's output:
// <prefix>:ckpt:<job_id>:<step>
func (k keys) checkpoint(jobID id.JobID, step string) string {
	return fmt.Sprintf("%s:ckpt:%s:%s", k.prefix, jobID, step)
}

// checkpointIndex returns the set tracking which steps of a job have
// checkpoints, so deletion needs no SCAN:
// <prefix>:ckpt:<job_id>:steps
func (k keys) checkpointIndex(jobID id.JobID) string {
	return fmt.Sprintf("%s:ckpt:%s:steps", k.prefix, jobID)
}
