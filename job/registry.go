package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	conveyor "github.com/conveyorhq/conveyor"
)

// Handler executes jobs of the types it was registered for.
type Handler interface {
	Execute(ctx context.Context, j *Job) error
}

// HandlerFunc adapts a plain function into a Handler.
type HandlerFunc func(ctx context.Context, j *Job) error

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, j *Job) error { return f(ctx, j) }

// Registry maps job-type keys to handlers. Lookup is exact string
// match; adding a job type is a registration call, nothing else.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a job type. Registering the same type
// twice is a configuration error.
func (r *Registry) Register(jobType string, h Handler) error {
	if jobType == "" {
		return fmt.Errorf("job: register: empty job type")
	}
	if h == nil {
		return fmt.Errorf("job: register %q: nil handler", jobType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.handlers[jobType]; dup {
		return fmt.Errorf("job: register %q: already registered", jobType)
	}
	r.handlers[jobType] = h
	return nil
}

// Resolve returns the handler for a job type, or ErrUnknownJobType.
func (r *Registry) Resolve(jobType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", conveyor.ErrUnknownJobType, jobType)
	}
	return h, nil
}

// Types returns the registered job types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// RegisterFunc registers a typed handler: the job payload is decoded
// from JSON into T before fn runs. Decoding failures fail the job
// without invoking fn.
func RegisterFunc[T any](r *Registry, jobType string, fn func(ctx context.Context, j *Job, payload T) error) error {
	return r.Register(jobType, HandlerFunc(func(ctx context.Context, j *Job) error {
		var payload T
		if len(j.Payload) > 0 {
			if err := json.Unmarshal(j.Payload, &payload); err != nil {
				return fmt.Errorf("job: decode %q payload: %w", jobType, err)
			}
		}
		return fn(ctx, j, payload)
	}))
}
