package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/conveyorhq/conveyor/job"
)

// Logging records start, completion, and failure of every execution
// with duration.
func Logging(logger *slog.Logger) Middleware {
	return func(next job.Handler) job.Handler {
		return job.HandlerFunc(func(ctx context.Context, j *job.Job) error {
			start := time.Now()
			logger.Info("job starting",
				"job_id", j.ID, "type", j.Type, "priority", j.Priority.String())

			err := next.Execute(ctx, j)
			elapsed := time.Since(start)

			if err != nil {
				logger.Error("job failed",
					"job_id", j.ID, "type", j.Type, "duration", elapsed, "error", err)
				return err
			}

			logger.Info("job completed",
				"job_id", j.ID, "type", j.Type, "duration", elapsed)
			return nil
		})
	}
}
