package middleware

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/conveyorhq/conveyor/job"
)

func TestChain_Order(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next job.Handler) job.Handler {
			return job.HandlerFunc(func(ctx context.Context, j *job.Job) error {
				order = append(order, name)
				return next.Execute(ctx, j)
			})
		}
	}

	h := Chain(
		job.HandlerFunc(func(context.Context, *job.Job) error {
			order = append(order, "handler")
			return nil
		}),
		tag("outer"), tag("inner"),
	)

	if err := h.Execute(context.Background(), job.New("echo", nil)); err != nil {
		t.Fatalf("execute: %v", err)
	}

	want := []string{"outer", "inner", "handler"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestRecover_ConvertsPanic(t *testing.T) {
	h := Chain(
		job.HandlerFunc(func(context.Context, *job.Job) error {
			panic("boom")
		}),
		Recover(),
	)

	err := h.Execute(context.Background(), job.New("echo", nil))
	if err == nil {
		t.Fatal("expected error from panic")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("error should carry the panic value, got %v", err)
	}
}

func TestLogging_PassesThrough(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	sentinel := errors.New("fail")

	h := Chain(
		job.HandlerFunc(func(context.Context, *job.Job) error { return sentinel }),
		Logging(logger),
	)

	if err := h.Execute(context.Background(), job.New("echo", nil)); !errors.Is(err, sentinel) {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func TestTimeout_EnforcesDeadline(t *testing.T) {
	h := Chain(
		job.HandlerFunc(func(ctx context.Context, _ *job.Job) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
				return nil
			}
		}),
		Timeout(20*time.Millisecond),
	)

	err := h.Execute(context.Background(), job.New("echo", nil))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestTimeout_JobOverride(t *testing.T) {
	h := Chain(
		job.HandlerFunc(func(ctx context.Context, _ *job.Job) error {
			deadline, ok := ctx.Deadline()
			if !ok {
				return errors.New("expected a deadline")
			}
			if time.Until(deadline) > 500*time.Millisecond {
				return errors.New("job timeout should override the shorter default")
			}
			return nil
		}),
		Timeout(time.Hour),
	)

	j := job.New("echo", nil, job.WithTimeout(100*time.Millisecond))
	if err := h.Execute(context.Background(), j); err != nil {
		t.Fatalf("execute: %v", err)
	}
}
