package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Veraticus/derma-loop/internal/common"
)

// Handler performs one task and returns a JSON-encodable output.
type Handler func(ctx context.Context, task Task) (any, error)

// Dispatcher runs a fixed pool of workers that drain a Queue.
type Dispatcher struct {
	queue    Queue
	logger   *slog.Logger
	handlers map[TaskType]Handler
	workers  int
}

// NewDispatcher creates a dispatcher with the given number of workers.
func NewDispatcher(q Queue, workers int, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		queue:    q,
		workers:  max(1, workers),
		logger:   common.OrDefault(logger),
		handlers: make(map[TaskType]Handler),
	}
}

// Handle registers the handler for a task type.
func (d *Dispatcher) Handle(taskType TaskType, h Handler) {
	d.handlers[taskType] = h
}

// Run blocks until ctx is canceled or the queue is closed, then waits for
// in-flight tasks to finish.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.handlers) == 0 {
		return fmt.Errorf("dispatcher has no handlers")
	}

	d.logger.Info("starting workers", "workers", d.workers)

	var wg sync.WaitGroup
	wg.Add(d.workers)
	for i := range d.workers {
		go func(workerID int) {
			defer wg.Done()
			d.work(ctx, workerID)
		}(i + 1)
	}
	wg.Wait()

	d.logger.Info("workers stopped")
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

func (d *Dispatcher) work(ctx context.Context, workerID int) {
	for {
		task, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return
			}
			d.logger.Error("failed to dequeue task", "worker_id", workerID, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		result := d.Execute(ctx, task)
		// Results are stored even when ctx was canceled mid-task.
		if err := d.queue.SetResult(context.WithoutCancel(ctx), result); err != nil {
			d.logger.Error("failed to store task result",
				"worker_id", workerID, "task_id", task.ID, "error", err)
		}
	}
}

// Execute runs a single task through its handler. Failures, including
// panics and unknown types, become failed results; tasks are not retried.
func (d *Dispatcher) Execute(ctx context.Context, task Task) (result Result) {
	start := time.Now()
	result = Result{TaskID: task.ID, Type: task.Type}

	defer func() {
		if r := recover(); r != nil {
			result.Status = ResultFailed
			result.Error = fmt.Sprintf("panic: %v", r)
		}
		result.FinishedAt = time.Now().UTC()

		logArgs := []any{
			"task_id", task.ID,
			"type", task.Type,
			"status", result.Status,
			"duration", time.Since(start),
		}
		if result.Status == ResultFailed {
			d.logger.Error("task failed", append(logArgs, "error", result.Error)...)
		} else {
			d.logger.Info("task finished", logArgs...)
		}
	}()

	handler, ok := d.handlers[task.Type]
	if !ok {
		result.Status = ResultFailed
		result.Error = fmt.Sprintf("unknown task type %q", task.Type)
		return result
	}

	output, err := handler(ctx, task)
	if err != nil {
		result.Status = ResultFailed
		result.Error = err.Error()
		return result
	}

	if output != nil {
		data, err := json.Marshal(output)
		if err != nil {
			result.Status = ResultFailed
			result.Error = fmt.Sprintf("failed to encode output: %v", err)
			return result
		}
		result.Output = data
	}
	result.Status = ResultSucceeded
	return result
}
