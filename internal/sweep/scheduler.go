package sweep

import (
	"context"
	"log/slog"
	"time"
)

// Task is one recurring reconciliation job. Run reports how many rows it
// touched.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// Scheduler runs every task once per interval. Tasks are isolated from each
// other: a failing task is logged and the rest of the cycle proceeds.
type Scheduler struct {
	interval time.Duration
	tasks    []Task
	log      *slog.Logger
}

func New(log *slog.Logger, interval time.Duration, tasks ...Task) *Scheduler {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	return &Scheduler{interval: interval, tasks: tasks, log: log}
}

// Run blocks until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Cycle(ctx)
		}
	}
}

// Cycle runs every task once.
func (s *Scheduler) Cycle(ctx context.Context) {
	for _, t := range s.tasks {
		n, err := t.Run(ctx)
		if err != nil {
			s.log.Error("sweep task failed",
				slog.String("task", t.Name),
				slog.String("error", err.Error()),
			)

			continue
		}

		if n > 0 {
			s.log.Info("sweep task done",
				slog.String("task", t.Name),
				slog.Int("touched", n),
			)
		}
	}
}
