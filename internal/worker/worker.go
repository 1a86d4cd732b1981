// Package worker runs the periodic housekeeping of the game store.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultInterval is the pause between housekeeping passes.
const DefaultInterval = time.Minute

// Task is one housekeeping job. Run reports how many items it removed.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// Evicter trims a bounded store; marker.Store is one.
type Evicter interface {
	Evict(ctx context.Context) (int, error)
}

// Sweeper deletes expired keys a backend cannot drop on its own.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

func EvictionTask(e Evicter) Task {
	return Task{Name: "evict_markers", Run: e.Evict}
}

func SweepTask(s Sweeper) Task {
	return Task{Name: "sweep_expired", Run: s.Sweep}
}

// Worker runs its tasks one after another on every tick.
type Worker struct {
	interval time.Duration
	tasks    []Task
	log      *zap.Logger
}

func New(interval time.Duration, log *zap.Logger, tasks ...Task) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Worker{interval: interval, tasks: tasks, log: log.Named("worker")}
}

// Run does a pass straight away and then one per interval until ctx is
// done. A failing task is logged and retried on the next pass.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("housekeeping started", zap.Duration("interval", w.interval), zap.Int("tasks", len(w.tasks)))
	defer w.log.Info("housekeeping stopped")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.pass(ctx)
		}
	}
}

func (w *Worker) pass(ctx context.Context) {
	for _, t := range w.tasks {
		if ctx.Err() != nil {
			return
		}
		tctx, cancel := context.WithTimeout(ctx, w.interval)
		n, err := t.Run(tctx)
		cancel()

		switch {
		case err != nil:
			w.log.Warn("housekeeping task failed", zap.String("task", t.Name), zap.Error(err))
		case n > 0:
			w.log.Debug("housekeeping task done", zap.String("task", t.Name), zap.Int("removed", n))
		}
	}
}
