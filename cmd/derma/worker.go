package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Veraticus/derma-loop/internal/cli"
	"github.com/Veraticus/derma-loop/internal/common"
	"github.com/Veraticus/derma-loop/internal/config"
	"github.com/Veraticus/derma-loop/internal/model"
	"github.com/Veraticus/derma-loop/internal/queue"
	"github.com/spf13/cobra"
)

// resultPollInterval is how often --wait checks for a task result.
const resultPollInterval = 250 * time.Millisecond

func workerCmd() *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process analyze and feedback tasks from the queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.cfg.Queue.Backend != config.QueueRedis {
				return common.NewUserError("the worker needs a shared queue, set queue.backend to redis", nil)
			}
			if !cmd.Flags().Changed("workers") {
				workers = a.cfg.Queue.Workers
			}

			eng, err := a.withEngine(ctx, true)
			if err != nil {
				return err
			}

			q, err := newQueue(a.cfg.Queue)
			if err != nil {
				return err
			}
			defer func() { _ = q.Close() }()

			dispatcher := queue.NewDispatcher(q, workers, a.logger)
			eng.RegisterTasks(dispatcher)

			if err := a.detector.Ping(ctx); err != nil {
				a.logger.Warn("detector is not reachable", "url", a.cfg.Detector.URL, "error", err)
			}

			handler := cli.NewInterruptHandler(cmd.ErrOrStderr(), "Worker stopping...", "Tasks still in the queue are picked up by the next worker.")
			ctx, stop := handler.HandleInterrupts(ctx)
			defer stop()

			a.logger.Info("worker started", "queue", a.cfg.Queue.Name, "workers", workers)
			return dispatcher.Run(ctx)
		},
	}

	cmd.Flags().IntVarP(&workers, "workers", "w", 4, "number of concurrent workers")
	return cmd
}

func enqueueCmd() *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Submit tasks to the queue",
		Long: `Submit analyze or feedback tasks. With the redis backend the task is picked
up by "derma worker"; with the memory backend it is processed in this process
and the result is printed.`,
	}
	cmd.PersistentFlags().BoolVar(&wait, "wait", false, "wait for the task result (redis backend)")

	analyze := &cobra.Command{
		Use:   "analyze <image-id>",
		Short: "Queue detection for an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			imageID, err := parseID(args[0], "image id")
			if err != nil {
				return err
			}
			task, err := queue.NewTask(queue.TaskAnalyzeImage, queue.AnalyzePayload{ImageID: imageID})
			if err != nil {
				return err
			}
			return submitTask(cmd, task, wait)
		},
	}

	var (
		imageID         int64
		analysisID      int64
		text            string
		correctionsPath string
	)
	feedback := &cobra.Command{
		Use:   "feedback",
		Short: "Queue a feedback submission",
		RunE: func(cmd *cobra.Command, _ []string) error {
			payload := queue.FeedbackPayload{ImageID: imageID, Text: text, Corrections: json.RawMessage("[]")}
			if cmd.Flags().Changed("analysis") {
				payload.AnalysisID = &analysisID
			}
			if correctionsPath != "" {
				boxes, err := readBoxes(correctionsPath, model.SetCorrection)
				if err != nil {
					return err
				}
				data, err := json.Marshal(boxes)
				if err != nil {
					return err
				}
				payload.Corrections = data
			}

			task, err := queue.NewTask(queue.TaskProcessFeedback, payload)
			if err != nil {
				return err
			}
			return submitTask(cmd, task, wait)
		},
	}
	feedback.Flags().Int64Var(&imageID, "image", 0, "image id")
	feedback.Flags().Int64Var(&analysisID, "analysis", 0, "analysis id (default: latest analysis of the image)")
	feedback.Flags().StringVar(&text, "text", "", "free-text comment")
	feedback.Flags().StringVarP(&correctionsPath, "corrections", "c", "", "JSON file with corrected boxes")
	_ = feedback.MarkFlagRequired("image")

	cmd.AddCommand(analyze, feedback)
	return cmd
}

func submitTask(cmd *cobra.Command, task queue.Task, wait bool) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	q, err := newQueue(a.cfg.Queue)
	if err != nil {
		return err
	}
	defer func() { _ = q.Close() }()

	out := cmd.OutOrStdout()
	if a.cfg.Queue.Backend != config.QueueRedis {
		eng, err := a.withEngine(ctx, task.Type == queue.TaskAnalyzeImage)
		if err != nil {
			return err
		}
		dispatcher := queue.NewDispatcher(q, 1, a.logger)
		eng.RegisterTasks(dispatcher)

		result, err := runLocal(ctx, q, dispatcher, task)
		if err != nil {
			return err
		}
		return writeResult(out, result)
	}

	if err := q.Enqueue(ctx, task); err != nil {
		return err
	}
	fmt.Fprintln(out, cli.FormatSuccess(fmt.Sprintf("Queued %s task %s", task.Type, task.ID)))
	if !wait {
		return nil
	}

	result, err := waitForResult(ctx, q, task.ID)
	if err != nil {
		return err
	}
	return writeResult(out, result)
}

// runLocal processes task with a dispatcher running in this process and
// returns its result.
func runLocal(ctx context.Context, q queue.Queue, d *queue.Dispatcher, task queue.Task) (*queue.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	if err := q.Enqueue(ctx, task); err != nil {
		return nil, err
	}
	result, err := waitForResult(ctx, q, task.ID)
	cancel()
	if runErr := <-errCh; runErr != nil && !errors.Is(runErr, context.Canceled) {
		return nil, runErr
	}
	return result, err
}

func waitForResult(ctx context.Context, q queue.Queue, taskID string) (*queue.Result, error) {
	ticker := time.NewTicker(resultPollInterval)
	defer ticker.Stop()

	for {
		result, err := q.Result(ctx, taskID)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, common.ErrNotFound) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func writeResult(w io.Writer, result *queue.Result) error {
	if result.Status == queue.ResultFailed {
		fmt.Fprintln(w, cli.FormatError(fmt.Sprintf("Task %s failed: %s", result.TaskID, result.Error)))
		return nil
	}
	fmt.Fprintln(w, cli.FormatSuccess(fmt.Sprintf("Task %s succeeded", result.TaskID)))
	return writeJSON(w, result)
}
