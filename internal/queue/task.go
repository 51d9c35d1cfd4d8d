// Package queue hands analysis and feedback work to background workers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskType names the kind of work in a task.
type TaskType string

// Task types.
const (
	TaskAnalyzeImage    TaskType = "analyze_image"
	TaskProcessFeedback TaskType = "process_feedback"
)

// ErrClosed is returned by a queue after Close.
var ErrClosed = errors.New("queue closed")

// Task is one unit of work.
type Task struct {
	CreatedAt time.Time       `json:"created_at"`
	ID        string          `json:"id"`
	Type      TaskType        `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// NewTask builds a task with a fresh id and JSON-encoded payload.
func NewTask(taskType TaskType, payload any) (Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("failed to encode %s payload: %w", taskType, err)
	}
	return Task{
		ID:        uuid.NewString(),
		Type:      taskType,
		Payload:   data,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (t Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload for task %s: %w", t.Type, t.ID, err)
	}
	return nil
}

// ResultStatus is the outcome of a task.
type ResultStatus string

// Result statuses.
const (
	ResultSucceeded ResultStatus = "succeeded"
	ResultFailed    ResultStatus = "failed"
)

// Result records what a worker produced for a task.
type Result struct {
	FinishedAt time.Time       `json:"finished_at"`
	TaskID     string          `json:"task_id"`
	Type       TaskType        `json:"type"`
	Status     ResultStatus    `json:"status"`
	Error      string          `json:"error,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
}

// Queue is a FIFO of tasks plus a result store keyed by task id.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	// Dequeue blocks until a task is available or ctx is done.
	Dequeue(ctx context.Context) (Task, error)
	SetResult(ctx context.Context, result Result) error
	// Result returns common.ErrNotFound until the task has finished.
	Result(ctx context.Context, taskID string) (*Result, error)
	Close() error
}

// Payloads for the built-in task types.

// AnalyzePayload asks a worker to run the detector on an image.
type AnalyzePayload struct {
	ImageID int64 `json:"image_id"`
}

// FeedbackPayload carries a reviewer's submission.
type FeedbackPayload struct {
	AnalysisID  *int64          `json:"analysis_id,omitempty"`
	Text        string          `json:"feedback_text,omitempty"`
	Corrections json.RawMessage `json:"corrected_predictions"`
	ImageID     int64           `json:"image_id"`
}
