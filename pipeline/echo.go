package pipeline

import (
	"context"
	"fmt"

	"github.com/conveyorhq/conveyor/engine"
	"github.com/conveyorhq/conveyor/job"
)

// JobTypeEcho is the trivial smoke-test job type.
const JobTypeEcho = "echo"

// EchoPayload is the echo job's payload.
type EchoPayload struct {
	N int `json:"n"`
}

// Register binds the ingestion workflow and the echo job to an engine.
func Register(e *engine.Engine, p *Pipeline) error {
	if err := e.RegisterWorkflow(JobTypeDocumentIngest, p.Definition()); err != nil {
		return err
	}
	return engine.RegisterFunc(e, JobTypeEcho, func(_ context.Context, j *job.Job, payload EchoPayload) error {
		j.SetProgress(j.Progress, fmt.Sprintf("echo %d", payload.N))
		return nil
	})
}
