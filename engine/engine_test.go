package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	conveyor "github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
	"github.com/conveyorhq/conveyor/store/memory"
	"github.com/conveyorhq/conveyor/worker"
	"github.com/conveyorhq/conveyor/workflow"
)

func newTestEngine(t *testing.T, opts ...conveyor.Option) (*Engine, *memory.Store) {
	t.Helper()

	store := memory.New()
	base := []conveyor.Option{
		conveyor.WithStore(store),
		conveyor.WithLogger(slog.New(slog.DiscardHandler)),
		conveyor.WithConcurrency(2),
	}
	c, err := conveyor.New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}

	e, err := Build(c)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return e, store
}

func startEngine(t *testing.T, e *Engine) {
	t.Helper()
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
}

func waitForState(t *testing.T, e *Engine, jobID id.JobID, want job.State) *Status {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		status, err := e.GetStatus(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get status: %v", err)
		}
		if status.State == want {
			return status
		}
		if status.State.Terminal() {
			t.Fatalf("job settled %s (error %q), want %s", status.State, status.Error, want)
		}
		select {
		case <-deadline:
			t.Fatalf("job stuck in %s, want %s", status.State, want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// ---------------------------------------------------------------------------
// End-to-end scenario
// ---------------------------------------------------------------------------

func TestEndToEnd_Echo(t *testing.T) {
	e, _ := newTestEngine(t)

	type echoPayload struct {
		N int `json:"n"`
	}
	var echoed int
	err := RegisterFunc(e, "echo", func(_ context.Context, _ *job.Job, p echoPayload) error {
		echoed = p.N
		return nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	startEngine(t, e)

	jobID, err := e.Submit(context.Background(), "echo",
		json.RawMessage(`{"n":5}`), job.WithPriority(job.PriorityHigh))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	status := waitForState(t, e, jobID, job.StateSucceeded)
	if status.Progress != 100 {
		t.Fatalf("expected progress 100, got %d", status.Progress)
	}
	if echoed != 5 {
		t.Fatalf("payload not delivered, got %d", echoed)
	}
}

func TestEndToEnd_Workflow(t *testing.T) {
	e, store := newTestEngine(t)

	def := workflow.MustDefinition("ingest", "1",
		workflow.Step{
			Name:   "parse",
			Config: workflow.StepConfig{Enabled: true, CacheEnabled: true},
			Run: func(context.Context, *workflow.ExecutionContext) (any, error) {
				return "parsed", nil
			},
		},
		workflow.Step{
			Name:   "index",
			Config: workflow.StepConfig{Enabled: true},
			Run: func(_ context.Context, ec *workflow.ExecutionContext) (any, error) {
				return workflow.Output[string](ec, "parse")
			},
		},
	)
	if err := e.RegisterWorkflow("ingest", def); err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	startEngine(t, e)

	jobID, err := e.Submit(context.Background(), "ingest", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	status := waitForState(t, e, jobID, job.StateSucceeded)
	if status.Progress != 100 {
		t.Fatalf("expected progress 100, got %d", status.Progress)
	}

	// Checkpoints cleaned up after a successful run.
	if _, err := store.GetCheckpoint(context.Background(), jobID, "parse"); !errors.Is(err, workflow.ErrCheckpointNotFound) {
		t.Fatalf("checkpoints should be deleted on success, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Submission
// ---------------------------------------------------------------------------

func TestSubmit_UnknownType(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.Submit(context.Background(), "ghost", nil)
	if !errors.Is(err, conveyor.ErrUnknownJobType) {
		t.Fatalf("expected ErrUnknownJobType, got %v", err)
	}
}

func TestSubmit_QueueFullLeavesNoRecord(t *testing.T) {
	e, _ := newTestEngine(t, conveyor.WithQueueCapacity(1))
	_ = e.Register("echo", job.HandlerFunc(func(context.Context, *job.Job) error { return nil }))

	// Pool not started, so the first submission occupies the only slot.
	if _, err := e.Submit(context.Background(), "echo", nil); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	jobID, err := e.Submit(context.Background(), "echo", nil)
	if !errors.Is(err, conveyor.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if !jobID.IsNil() {
		t.Fatal("failed submission must not return an id")
	}

	stats, err := e.GetStats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 1 {
		t.Fatalf("rejected submission left a record, total %d", stats.Total)
	}
	if stats.QueueDepth != 1 || stats.QueueDepths[job.PriorityNormal.String()] != 1 {
		t.Fatalf("unexpected queue depths: %d %v", stats.QueueDepth, stats.QueueDepths)
	}
}

// ---------------------------------------------------------------------------
// Query
// ---------------------------------------------------------------------------

func TestGetStatus_NotFound(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.GetStatus(context.Background(), id.NewJobID())
	if !errors.Is(err, conveyor.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Control
// ---------------------------------------------------------------------------

func TestCancel_BeforeFirstStep(t *testing.T) {
	e, _ := newTestEngine(t)
	_ = e.Register("echo", job.HandlerFunc(func(context.Context, *job.Job) error { return nil }))

	// Submit while the pool is down so the cancel lands first.
	jobID, err := e.Submit(context.Background(), "echo", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	ok, err := e.Cancel(context.Background(), jobID)
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}

	startEngine(t, e)

	status := waitForState(t, e, jobID, job.StateCancelled)
	if status.State != job.StateCancelled {
		t.Fatalf("cancelled job must never run, got %s", status.State)
	}
}

func TestCancel_MidRunStopsAtBoundary(t *testing.T) {
	e, _ := newTestEngine(t)

	var secondRan bool
	release := make(chan struct{})
	def := workflow.MustDefinition("two-step", "1",
		workflow.Step{
			Name:   "first",
			Config: workflow.StepConfig{Enabled: true},
			Run: func(context.Context, *workflow.ExecutionContext) (any, error) {
				<-release
				return nil, nil
			},
		},
		workflow.Step{
			Name:   "second",
			Config: workflow.StepConfig{Enabled: true},
			Run: func(context.Context, *workflow.ExecutionContext) (any, error) {
				secondRan = true
				return nil, nil
			},
		},
	)
	_ = e.RegisterWorkflow("two-step", def)

	startEngine(t, e)

	jobID, err := e.Submit(context.Background(), "two-step", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForState(t, e, jobID, job.StateRunning)

	// Cancel while the first step is blocked, then let it finish.
	if ok, err := e.Cancel(context.Background(), jobID); err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	close(release)

	status := waitForState(t, e, jobID, job.StateCancelled)
	if status.Error != "" {
		t.Fatalf("cancellation is not a failure, error %q", status.Error)
	}
	if secondRan {
		t.Fatal("no step after the boundary may run")
	}
}

func TestCancel_TerminalReportsFalse(t *testing.T) {
	e, _ := newTestEngine(t)
	_ = e.Register("echo", job.HandlerFunc(func(context.Context, *job.Job) error { return nil }))
	startEngine(t, e)

	jobID, _ := e.Submit(context.Background(), "echo", nil)
	waitForState(t, e, jobID, job.StateSucceeded)

	ok, err := e.Cancel(context.Background(), jobID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ok {
		t.Fatal("cancelling a terminal job must report false")
	}
}

func TestRetry_ResumesStopped(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	runs := 0
	_ = e.Register("resumable", job.HandlerFunc(func(_ context.Context, j *job.Job) error {
		runs++
		if j.ResumeFrom != "step2" {
			t.Errorf("expected resume point step2, got %q", j.ResumeFrom)
		}
		return nil
	}))

	// A STOPPED record left behind by an interrupted instance.
	j := job.New("resumable", nil)
	_ = j.Transition(job.StateRunning)
	_ = j.Transition(job.StateStopped)
	if err := store.Create(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	startEngine(t, e)

	ok, err := e.Retry(ctx, j.ID, "step2")
	if err != nil || !ok {
		t.Fatalf("retry: ok=%v err=%v", ok, err)
	}

	waitForState(t, e, j.ID, job.StateSucceeded)
	if runs != 1 {
		t.Fatalf("expected 1 run, got %d", runs)
	}
}

func TestRetry_NonStoppedReportsFalse(t *testing.T) {
	e, _ := newTestEngine(t)
	_ = e.Register("echo", job.HandlerFunc(func(context.Context, *job.Job) error { return nil }))
	startEngine(t, e)

	jobID, _ := e.Submit(context.Background(), "echo", nil)
	waitForState(t, e, jobID, job.StateSucceeded)

	ok, err := e.Retry(context.Background(), jobID, "")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if ok {
		t.Fatal("retrying a succeeded job must report false")
	}
}

// ---------------------------------------------------------------------------
// Stats and recovery
// ---------------------------------------------------------------------------

func TestGetStats(t *testing.T) {
	e, _ := newTestEngine(t)
	_ = e.Register("echo", job.HandlerFunc(func(context.Context, *job.Job) error { return nil }))
	startEngine(t, e)

	for range 3 {
		jobID, err := e.Submit(context.Background(), "echo", nil)
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		waitForState(t, e, jobID, job.StateSucceeded)
	}

	stats, err := e.GetStats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Succeeded != 3 || stats.Failed != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.InstanceID != e.InstanceID().String() {
		t.Fatalf("stats must name the instance, got %q", stats.InstanceID)
	}
}

func TestRecover_RequeuesInterruptedJobs(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	processed := make(chan string, 4)
	_ = e.Register("echo", job.HandlerFunc(func(_ context.Context, j *job.Job) error {
		processed <- j.ID.String()
		return nil
	}))

	// Records from a previous instance: one pending, one stopped, one
	// already done.
	pending := job.New("echo", nil)
	_ = store.Create(ctx, pending)

	stopped := job.New("echo", nil)
	_ = stopped.Transition(job.StateRunning)
	_ = stopped.Transition(job.StateStopped)
	_ = store.Create(ctx, stopped)

	finished := job.New("echo", nil)
	_ = finished.Transition(job.StateRunning)
	_ = finished.Transition(job.StateSucceeded)
	_ = store.Create(ctx, finished)

	startEngine(t, e)

	n, err := e.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 recovered jobs, got %d", n)
	}

	waitForState(t, e, pending.ID, job.StateSucceeded)
	waitForState(t, e, stopped.ID, job.StateSucceeded)
}

func TestRecover_ReclaimsAbandonedRunning(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	_ = e.Register("echo", job.HandlerFunc(func(context.Context, *job.Job) error { return nil }))

	// Left RUNNING by an instance that died mid-step; its lock has
	// since expired.
	abandoned := job.New("echo", nil)
	_ = abandoned.Transition(job.StateRunning)
	if err := store.Create(ctx, abandoned); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Still RUNNING under a live lock held by another instance.
	held := job.New("echo", nil)
	_ = held.Transition(job.StateRunning)
	if err := store.Create(ctx, held); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Acquire(ctx, worker.LockKey(e.cfg.KeyPrefix, held.ID), time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	startEngine(t, e)

	n, err := e.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed job, got %d", n)
	}

	waitForState(t, e, abandoned.ID, job.StateSucceeded)

	status, err := e.GetStatus(ctx, held.ID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.State != job.StateRunning {
		t.Fatalf("job with a live lock must be left alone, got %s", status.State)
	}
}
