package middleware

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/conveyorhq/conveyor/job"
)

// Recover converts a handler panic into an ordinary job failure so one
// bad payload cannot take down a worker slot.
func Recover() Middleware {
	return func(next job.Handler) job.Handler {
		return job.HandlerFunc(func(ctx context.Context, j *job.Job) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("job %s panicked: %v\n%s", j.ID, r, debug.Stack())
				}
			}()
			return next.Execute(ctx, j)
		})
	}
}
