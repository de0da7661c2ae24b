// Package middleware provides composable wrappers around job handlers.
package middleware

import "github.com/conveyorhq/conveyor/job"

// Middleware wraps a job handler with cross-cutting behavior.
type Middleware func(job.Handler) job.Handler

// Chain composes middlewares so the first listed is the outermost.
func Chain(h job.Handler, mws ...Middleware) job.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
