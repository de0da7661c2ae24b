package taskexec

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/conveyorhq/conveyor/id"
)

// Task is a callable the Local executor can run.
type Task func(ctx context.Context, args json.RawMessage) (any, error)

type run struct {
	cancel context.CancelFunc
	result Result
}

// Local runs tasks on in-process goroutines. It is the reference
// Executor implementation.
type Local struct {
	mu    sync.Mutex
	tasks map[string]Task
	runs  map[string]*run
}

// NewLocal creates an empty local executor.
func NewLocal() *Local {
	return &Local{
		tasks: make(map[string]Task),
		runs:  make(map[string]*run),
	}
}

// RegisterTask binds a callable to a reference name.
func (l *Local) RegisterTask(ref string, task Task) error {
	if ref == "" || task == nil {
		return fmt.Errorf("taskexec: register %q: invalid task", ref)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.tasks[ref]; dup {
		return fmt.Errorf("taskexec: register %q: already registered", ref)
	}
	l.tasks[ref] = task
	return nil
}

// SubmitAsync implements Executor. The task runs detached from the
// caller's context; Cancel is the only way to interrupt it.
func (l *Local) SubmitAsync(_ context.Context, ref string, args json.RawMessage) (id.HandleID, error) {
	l.mu.Lock()
	task, ok := l.tasks[ref]
	l.mu.Unlock()
	if !ok {
		return id.Nil, fmt.Errorf("%w: %q", ErrUnknownTask, ref)
	}

	handle := id.NewHandleID()
	runCtx, cancel := context.WithCancel(context.Background())

	l.mu.Lock()
	l.runs[handle.String()] = &run{cancel: cancel, result: Result{Status: StatusRunning}}
	l.mu.Unlock()

	go func() {
		defer cancel()
		output, err := task(runCtx, args)
		l.finish(handle, runCtx, output, err)
	}()

	return handle, nil
}

func (l *Local) finish(handle id.HandleID, runCtx context.Context, output any, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := l.runs[handle.String()]
	switch {
	case runCtx.Err() != nil:
		r.result = Result{Status: StatusCancelled}
	case err != nil:
		r.result = Result{Status: StatusFailed, Err: err.Error()}
	default:
		raw, merr := json.Marshal(output)
		if merr != nil {
			r.result = Result{Status: StatusFailed, Err: merr.Error()}
			return
		}
		r.result = Result{Status: StatusSucceeded, Output: raw}
	}
}

// Poll implements Executor.
func (l *Local) Poll(_ context.Context, handle id.HandleID) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.runs[handle.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	snapshot := r.result
	return &snapshot, nil
}

// Cancel implements Executor.
func (l *Local) Cancel(_ context.Context, handle id.HandleID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.runs[handle.String()]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	if r.result.Status.Terminal() {
		return false, nil
	}
	r.cancel()
	return true, nil
}
