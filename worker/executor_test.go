package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	conveyor "github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
	"github.com/conveyorhq/conveyor/store/memory"
)

const testPrefix = "conveyor"

func newTestExecutor(t *testing.T, store *memory.Store, registry *job.Registry, opts ...ExecutorOption) *Executor {
	t.Helper()
	return NewExecutor(id.NewWorkerID(), testPrefix, registry, store, store, opts...)
}

func createJob(t *testing.T, store *memory.Store, j *job.Job) {
	t.Helper()
	if err := store.Create(context.Background(), j); err != nil {
		t.Fatalf("create job: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Happy path
// ---------------------------------------------------------------------------

func TestExecute_Success(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	registry := job.NewRegistry()

	ran := false
	_ = registry.Register("echo", job.HandlerFunc(func(_ context.Context, j *job.Job) error {
		ran = true
		if j.State != job.StateRunning {
			t.Errorf("handler must see RUNNING, got %s", j.State)
		}
		return nil
	}))

	exec := newTestExecutor(t, store, registry)
	j := job.New("echo", nil)
	createJob(t, store, j)

	if err := exec.Execute(ctx, j.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !ran {
		t.Fatal("handler did not run")
	}

	settled, _ := store.Get(ctx, j.ID)
	if settled.State != job.StateSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", settled.State)
	}
	if settled.Progress != 100 {
		t.Fatalf("expected progress 100, got %d", settled.Progress)
	}
	if settled.OwnerInstance != exec.InstanceID().String() {
		t.Fatalf("owner instance not recorded: %q", settled.OwnerInstance)
	}

	// Lock released.
	if _, err := store.Acquire(ctx, LockKey(testPrefix, j.ID), time.Minute); err != nil {
		t.Fatalf("lock should be free after execution: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Duplicate suppression and lock loss
// ---------------------------------------------------------------------------

func TestExecute_DuplicateSuppressed(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	registry := job.NewRegistry()

	_ = registry.Register("echo", job.HandlerFunc(func(context.Context, *job.Job) error {
		t.Fatal("handler must not run while another instance holds the lock")
		return nil
	}))

	exec := newTestExecutor(t, store, registry)
	j := job.New("echo", nil)
	createJob(t, store, j)

	// Another instance holds the job's lock.
	if _, err := store.Acquire(ctx, LockKey(testPrefix, j.ID), time.Minute); err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}

	if err := exec.Execute(ctx, j.ID); err != nil {
		t.Fatalf("duplicate execution must be suppressed silently, got %v", err)
	}

	untouched, _ := store.Get(ctx, j.ID)
	if untouched.State != job.StatePending {
		t.Fatalf("suppressed execution must not touch the record, state %s", untouched.State)
	}
}

func TestExecute_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	registry := job.NewRegistry()

	var running, runs atomic.Int32
	_ = registry.Register("slow", job.HandlerFunc(func(context.Context, *job.Job) error {
		if running.Add(1) > 1 {
			t.Error("two executions of the same job overlapped")
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		runs.Add(1)
		return nil
	}))

	j := job.New("slow", nil)
	createJob(t, store, j)

	// Simulated concurrent instances racing for the same job.
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exec := newTestExecutor(t, store, registry)
			if err := exec.Execute(ctx, j.ID); err != nil {
				t.Errorf("execute: %v", err)
			}
		}()
	}
	wg.Wait()

	if runs.Load() != 1 {
		t.Fatalf("job executed %d times, want exactly 1", runs.Load())
	}
}

func TestExecute_LockLostLeavesRunning(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	registry := job.NewRegistry()

	// Handler outlives the lock TTL, so settling fails the token check.
	_ = registry.Register("slow", job.HandlerFunc(func(context.Context, *job.Job) error {
		time.Sleep(60 * time.Millisecond)
		return nil
	}))

	exec := newTestExecutor(t, store, registry, WithLockTTL(30*time.Millisecond))
	j := job.New("slow", nil)
	createJob(t, store, j)

	if err := exec.Execute(ctx, j.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	// Record left RUNNING for another instance to reconcile.
	left, _ := store.Get(ctx, j.ID)
	if left.State != job.StateRunning {
		t.Fatalf("expected RUNNING after lock loss, got %s", left.State)
	}
}

// ---------------------------------------------------------------------------
// Failure modes
// ---------------------------------------------------------------------------

func TestExecute_UnknownType(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	exec := newTestExecutor(t, store, job.NewRegistry())

	j := job.New("ghost", nil)
	createJob(t, store, j)

	if err := exec.Execute(ctx, j.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	failed, _ := store.Get(ctx, j.ID)
	if failed.State != job.StateFailed {
		t.Fatalf("expected FAILED, got %s", failed.State)
	}
	if !strings.Contains(failed.Error, "unknown job type") {
		t.Fatalf("error field should name the cause, got %q", failed.Error)
	}
}

func TestExecute_HandlerError(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	registry := job.NewRegistry()
	_ = registry.Register("broken", job.HandlerFunc(func(context.Context, *job.Job) error {
		return errors.New("parse exploded")
	}))

	exec := newTestExecutor(t, store, registry)
	j := job.New("broken", nil)
	createJob(t, store, j)

	if err := exec.Execute(ctx, j.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	failed, _ := store.Get(ctx, j.ID)
	if failed.State != job.StateFailed {
		t.Fatalf("expected FAILED, got %s", failed.State)
	}
	if failed.Error != "parse exploded" {
		t.Fatalf("unexpected error field %q", failed.Error)
	}
	if failed.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", failed.RetryCount)
	}
}

func TestExecute_MissingJob(t *testing.T) {
	store := memory.New()
	exec := newTestExecutor(t, store, job.NewRegistry())

	if err := exec.Execute(context.Background(), id.NewJobID()); err != nil {
		t.Fatalf("missing job should be skipped, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Cancellation
// ---------------------------------------------------------------------------

func TestExecute_CancelRequestedBeforeStart(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	registry := job.NewRegistry()
	_ = registry.Register("echo", job.HandlerFunc(func(context.Context, *job.Job) error {
		t.Fatal("cancelled job must not execute")
		return nil
	}))

	exec := newTestExecutor(t, store, registry)
	j := job.New("echo", nil)
	j.CancelRequested = true
	createJob(t, store, j)

	if err := exec.Execute(ctx, j.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	cancelled, _ := store.Get(ctx, j.ID)
	if cancelled.State != job.StateCancelled {
		t.Fatalf("expected CANCELLED, got %s", cancelled.State)
	}
}

func TestExecute_CancelledMidRun(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	registry := job.NewRegistry()
	_ = registry.Register("echo", job.HandlerFunc(func(context.Context, *job.Job) error {
		return conveyor.ErrJobCancelled
	}))

	exec := newTestExecutor(t, store, registry)
	j := job.New("echo", nil)
	createJob(t, store, j)

	if err := exec.Execute(ctx, j.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	cancelled, _ := store.Get(ctx, j.ID)
	if cancelled.State != job.StateCancelled {
		t.Fatalf("cancelled job must settle CANCELLED, not %s", cancelled.State)
	}
	if cancelled.Error != "" {
		t.Fatalf("cancellation is not a failure, error %q", cancelled.Error)
	}
}
