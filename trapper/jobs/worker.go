package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"trapper_platform/trapper/schema"
	"trapper_platform/utils/logging"

	"gorm.io/gorm"
)

type WorkerOptions struct {
	Workers      int
	PollInterval time.Duration
	MaxAttempts  int
	StaleAfter   time.Duration
}

type Worker struct {
	db       *gorm.DB
	registry *Registry
	opts     WorkerOptions
	policy   claimPolicy
	wg       sync.WaitGroup
}

func NewWorker(db *gorm.DB, registry *Registry, opts WorkerOptions) *Worker {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 30 * time.Minute
	}
	return &Worker{
		db:       db,
		registry: registry,
		opts:     opts,
		policy:   claimPolicy{maxAttempts: opts.MaxAttempts, staleAfter: opts.StaleAfter},
	}
}

// Start launches the worker goroutines. They exit when ctx is cancelled, Wait blocks until then.
func (w *Worker) Start(ctx context.Context) {
	slog.Info("starting task workers", "workers", w.opts.Workers, "code", logging.TASK)
	for i := 0; i < w.opts.Workers; i++ {
		w.wg.Add(1)
		go func(id int) {
			defer w.wg.Done()
			w.loop(ctx, id)
		}(i)
	}
}

func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) loop(ctx context.Context, id int) {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if id == 0 {
				if err := failStale(w.db, w.policy); err != nil {
					slog.Error("error failing stale tasks", "error", err, "code", logging.TASK)
				}
			}
			// drain the queue before waiting for the next tick
			for ctx.Err() == nil {
				ran, err := w.RunOnce(ctx)
				if err != nil {
					slog.Warn("error running task", "worker", id, "error", err, "code", logging.TASK)
					break
				}
				if !ran {
					break
				}
			}
		}
	}
}

// RunOnce claims and executes a single task. It reports false when the queue is empty.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	task, err := claimNext(w.db, w.policy)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	w.execute(ctx, task)
	return true, nil
}

func (w *Worker) execute(ctx context.Context, task *schema.Task) {
	start := time.Now()
	log := slog.With("task_id", task.Id, "kind", task.Kind, "code", logging.TASK)

	handler, ok := w.registry.Get(task.Kind)
	if !ok {
		log.Error("no handler registered for task kind")
		w.complete(task, schema.TaskFailure, nil, fmt.Errorf("no handler registered for task kind %v", task.Kind))
		return
	}

	log.Info("task started", "attempt", task.Attempts)

	result, err := func() (result interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("task handler panic", "panic", r)
				err = fmt.Errorf("task handler panic: %v", r)
			}
		}()
		return handler.Run(NewContext(ctx, w.db, *task))
	}()

	taskDuration.WithLabelValues(task.Kind).Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, ErrTaskCancelled):
		log.Info("task revoked")
		w.complete(task, schema.TaskRevoked, result, nil)
	case err != nil:
		log.Error("task failed", "error", err)
		w.complete(task, schema.TaskFailure, result, err)
	default:
		log.Info("task finished", "duration", time.Since(start))
		w.complete(task, schema.TaskSuccess, result, nil)
	}
}

func (w *Worker) complete(task *schema.Task, state string, result interface{}, err error) {
	finish(w.db, task, state, result, err)
	tasksFinished.WithLabelValues(task.Kind, state).Inc()
}
