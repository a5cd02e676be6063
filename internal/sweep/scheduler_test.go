package sweep

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCycleRunsEveryTask(t *testing.T) {
	var ran []string

	task := func(name string) Task {
		return Task{Name: name, Run: func(ctx context.Context) (int, error) {
			ran = append(ran, name)
			return 1, nil
		}}
	}

	s := New(discardLogger(), time.Second, task("a"), task("b"), task("c"))
	s.Cycle(context.Background())

	if len(ran) != 3 {
		t.Fatalf("ran %d tasks, want 3: %v", len(ran), ran)
	}
}

func TestCycleIsolatesFailures(t *testing.T) {
	var ran []string

	s := New(discardLogger(), time.Second,
		Task{Name: "boom", Run: func(ctx context.Context) (int, error) {
			return 0, errors.New("boom")
		}},
		Task{Name: "after", Run: func(ctx context.Context) (int, error) {
			ran = append(ran, "after")
			return 0, nil
		}},
	)

	s.Cycle(context.Background())

	if len(ran) != 1 || ran[0] != "after" {
		t.Fatalf("task after the failing one did not run: %v", ran)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := New(discardLogger(), time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
