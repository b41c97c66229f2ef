package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ansible/content-repository/pkg/repository"
)

// Outcome is what a finished task reports.
type Outcome struct {
	// CreatedResources are identifiers of what the task created, such as
	// new repository versions or collection versions.
	CreatedResources []string
	Progress         map[string]any
}

// Runner executes one kind of task. It runs with exclusive reservations
// on the task's repositories already held. A Runner may return a partial
// Outcome together with an error to keep progress on the failed task.
type Runner func(ctx context.Context, task *Task) (*Outcome, error)

// WorkerPool processes waiting tasks using a pool of goroutines.
type WorkerPool struct {
	store    *TaskStore
	runners  map[string]Runner
	reserver *repository.Reserver
	cfg      *Config
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewWorkerPool creates a new worker pool. reserver may be nil for a
// single-process deployment.
func NewWorkerPool(store *TaskStore, reserver *repository.Reserver, cfg *Config, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	if reserver == nil {
		reserver = repository.NewReserver(nil)
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &WorkerPool{
		store:    store,
		runners:  map[string]Runner{},
		reserver: reserver,
		cfg:      cfg,
		logger:   logger,
	}
}

// Register binds a runner to a task name. Call before Run.
func (wp *WorkerPool) Register(name string, r Runner) {
	wp.runners[name] = r
}

// Run starts the worker pool. It spawns cfg.Concurrency goroutines,
// each polling for tasks. It blocks until the context is cancelled,
// then waits for all workers to finish.
func (wp *WorkerPool) Run(ctx context.Context) {
	if wp.store == nil || !wp.cfg.Enabled {
		wp.logger.Info("task worker pool disabled")
		return
	}

	wp.logger.Info("task worker pool starting",
		"concurrency", wp.cfg.Concurrency,
		"pollInterval", wp.cfg.PollInterval.String(),
		"runners", len(wp.runners))

	wp.wg.Add(1)
	go func() {
		defer wp.wg.Done()
		wp.cleanupLoop(ctx)
	}()

	for i := 0; i < wp.cfg.Concurrency; i++ {
		wp.wg.Add(1)
		go func(workerID int) {
			defer wp.wg.Done()
			wp.workerLoop(ctx, workerID)
		}(i)
	}

	<-ctx.Done()
	wp.logger.Info("task worker pool shutting down, waiting for workers to finish")
	wp.wg.Wait()
	wp.logger.Info("task worker pool stopped")
}

func (wp *WorkerPool) workerLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(wp.cfg.PollInterval)
	defer ticker.Stop()

	wp.logger.Info("worker started", "workerID", workerID)

	for {
		select {
		case <-ctx.Done():
			wp.logger.Info("worker stopped", "workerID", workerID)
			return
		case <-ticker.C:
			// drain what is runnable before waiting for the next tick
			for ctx.Err() == nil && wp.processOne(ctx, workerID) {
			}
		}
	}
}

// Drain runs waiting tasks in the calling goroutine until none can be
// claimed and returns how many ran.
func (wp *WorkerPool) Drain(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil && wp.processOne(ctx, -1) {
		n++
	}
	return n
}

// processOne claims and runs a single task. It reports whether a task
// was claimed.
func (wp *WorkerPool) processOne(ctx context.Context, workerID int) bool {
	task, err := wp.store.Claim(ctx)
	if err != nil {
		wp.logger.Error("failed to claim task", "workerID", workerID, "error", err)
		return false
	}
	if task == nil {
		return false
	}

	logger := wp.logger.With("workerID", workerID, "taskID", task.ID, "task", task.Name)
	logger.Info("processing task", "resources", []string(task.ExclusiveResources))
	start := time.Now()

	out, err := wp.run(ctx, task)
	// record the outcome even when the pool is shutting down
	finishCtx := context.WithoutCancel(ctx)
	if err != nil {
		logger.Error("task failed", "error", err, "duration", time.Since(start).String())
		var progress map[string]any
		if out != nil {
			progress = out.Progress
		}
		if failErr := wp.store.Fail(finishCtx, task.ID, err.Error(), progress); failErr != nil {
			logger.Error("failed to mark task as failed", "error", failErr)
		}
		return true
	}

	logger.Info("task completed", "duration", time.Since(start).String())
	if err := wp.store.Complete(finishCtx, task.ID, out); err != nil {
		logger.Error("failed to mark task as complete", "error", err)
	}
	return true
}

func (wp *WorkerPool) run(ctx context.Context, task *Task) (out *Outcome, err error) {
	runner, ok := wp.runners[task.Name]
	if !ok {
		return nil, fmt.Errorf("no runner registered for task %q", task.Name)
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Join(err, fmt.Errorf("task panicked: %v", r))
		}
	}()
	err = wp.reserver.Do(ctx, task.RepositoryIDs(), func(ctx context.Context) error {
		var runErr error
		out, runErr = runner(ctx, task)
		return runErr
	})
	return out, err
}

// cleanupLoop periodically fails stuck tasks and deletes old finished ones.
func (wp *WorkerPool) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if wp.cfg.ClaimTimeout > 0 {
				failed, err := wp.store.FailStuckTasks(ctx, wp.cfg.ClaimTimeout)
				if err != nil {
					wp.logger.Error("failed to clean up stuck tasks", "error", err)
				} else if failed > 0 {
					wp.logger.Warn("failed stuck tasks", "count", failed)
				}
			}

			if wp.cfg.RetentionDays > 0 {
				cutoff := time.Now().AddDate(0, 0, -wp.cfg.RetentionDays)
				deleted, err := wp.store.DeleteOlderThan(ctx, cutoff)
				if err != nil {
					wp.logger.Error("failed to delete old tasks", "error", err)
				} else if deleted > 0 {
					wp.logger.Info("deleted old tasks", "count", deleted)
				}
			}
		}
	}
}
