package middleware

import (
	"context"
	"time"

	"github.com/conveyorhq/conveyor/job"
)

// Timeout bounds the whole execution. A job carrying its own Timeout
// overrides the default; zero on both means no job-level deadline.
func Timeout(def time.Duration) Middleware {
	return func(next job.Handler) job.Handler {
		return job.HandlerFunc(func(ctx context.Context, j *job.Job) error {
			d := def
			if j.Timeout > 0 {
				d = j.Timeout
			}
			if d <= 0 {
				return next.Execute(ctx, j)
			}

			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next.Execute(ctx, j)
		})
	}
}
