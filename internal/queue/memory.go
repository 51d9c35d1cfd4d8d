package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/Veraticus/derma-loop/internal/common"
)

// DefaultMemoryCapacity is the buffer size of a MemoryQueue.
const DefaultMemoryCapacity = 1024

// MemoryQueue is an in-process queue for single-binary use and tests.
type MemoryQueue struct {
	tasks   chan Task
	done    chan struct{}
	results map[string]Result
	mu      sync.RWMutex
	once    sync.Once
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates a queue holding up to capacity pending tasks.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryQueue{
		tasks:   make(chan Task, capacity),
		done:    make(chan struct{}),
		results: make(map[string]Result),
	}
}

// Enqueue blocks while the buffer is full.
func (q *MemoryQueue) Enqueue(ctx context.Context, task Task) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}

	select {
	case q.tasks <- task:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue implements Queue.
func (q *MemoryQueue) Dequeue(ctx context.Context) (Task, error) {
	select {
	case task := <-q.tasks:
		return task, nil
	case <-q.done:
		return Task{}, ErrClosed
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

// SetResult implements Queue.
func (q *MemoryQueue) SetResult(_ context.Context, result Result) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.results[result.TaskID] = result
	return nil
}

// Result implements Queue.
func (q *MemoryQueue) Result(_ context.Context, taskID string) (*Result, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	result, ok := q.results[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: result for task %s", common.ErrNotFound, taskID)
	}
	return &result, nil
}

// Len reports the number of pending tasks.
func (q *MemoryQueue) Len() int {
	return len(q.tasks)
}

// Close wakes blocked callers. Pending tasks are dropped.
func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}
