package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Veraticus/derma-loop/internal/common"
	"github.com/garyburd/redigo/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTask(t *testing.T) {
	task, err := NewTask(TaskAnalyzeImage, AnalyzePayload{ImageID: 7})
	require.NoError(t, err)
	assert.Len(t, task.ID, 36)
	assert.Equal(t, TaskAnalyzeImage, task.Type)
	assert.JSONEq(t, `{"image_id": 7}`, string(task.Payload))

	var payload AnalyzePayload
	require.NoError(t, task.Decode(&payload))
	assert.Equal(t, int64(7), payload.ImageID)

	other, err := NewTask(TaskAnalyzeImage, AnalyzePayload{ImageID: 7})
	require.NoError(t, err)
	assert.NotEqual(t, task.ID, other.ID, "duplicate submissions get distinct tasks")
}

func TestMemoryQueue_FIFO(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx := context.Background()

	for i := range 3 {
		require.NoError(t, q.Enqueue(ctx, Task{ID: fmt.Sprint(i)}))
	}
	assert.Equal(t, 3, q.Len())

	for i := range 3 {
		task, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i), task.ID)
	}
}

func TestMemoryQueue_DequeueRespectsContext(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryQueue_Close(t *testing.T) {
	q := NewMemoryQueue(1)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	_, err := q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, q.Enqueue(context.Background(), Task{}), ErrClosed)
}

func TestMemoryQueue_Results(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()

	_, err := q.Result(ctx, "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, q.SetResult(ctx, Result{TaskID: "t1", Status: ResultSucceeded}))
	result, err := q.Result(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, ResultSucceeded, result.Status)
}

func TestDispatcher_Execute(t *testing.T) {
	d := NewDispatcher(NewMemoryQueue(1), 1, nil)
	d.Handle(TaskAnalyzeImage, func(_ context.Context, task Task) (any, error) {
		var p AnalyzePayload
		if err := task.Decode(&p); err != nil {
			return nil, err
		}
		return map[string]int64{"analysis_id": p.ImageID * 10}, nil
	})
	d.Handle(TaskProcessFeedback, func(context.Context, Task) (any, error) {
		return nil, errors.New("image not analyzed")
	})
	ctx := context.Background()

	task, err := NewTask(TaskAnalyzeImage, AnalyzePayload{ImageID: 4})
	require.NoError(t, err)
	result := d.Execute(ctx, task)
	assert.Equal(t, ResultSucceeded, result.Status)
	assert.JSONEq(t, `{"analysis_id": 40}`, string(result.Output))
	assert.False(t, result.FinishedAt.IsZero())

	result = d.Execute(ctx, Task{ID: "f", Type: TaskProcessFeedback})
	assert.Equal(t, ResultFailed, result.Status)
	assert.Equal(t, "image not analyzed", result.Error)

	result = d.Execute(ctx, Task{ID: "u", Type: "resize"})
	assert.Equal(t, ResultFailed, result.Status)
	assert.Contains(t, result.Error, "unknown task type")
}

func TestDispatcher_ExecuteRecoversPanics(t *testing.T) {
	d := NewDispatcher(NewMemoryQueue(1), 1, nil)
	d.Handle(TaskAnalyzeImage, func(context.Context, Task) (any, error) {
		panic("boom")
	})

	result := d.Execute(context.Background(), Task{ID: "p", Type: TaskAnalyzeImage})
	assert.Equal(t, ResultFailed, result.Status)
	assert.Equal(t, "panic: boom", result.Error)
}

func TestDispatcher_RunProcessesAllTasks(t *testing.T) {
	q := NewMemoryQueue(32)
	d := NewDispatcher(q, 4, nil)

	var handled atomic.Int32
	d.Handle(TaskProcessFeedback, func(context.Context, Task) (any, error) {
		handled.Add(1)
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	ids := make([]string, 0, 20)
	for range 20 {
		task, err := NewTask(TaskProcessFeedback, FeedbackPayload{ImageID: 1, Corrections: json.RawMessage(`[]`)})
		require.NoError(t, err)
		ids = append(ids, task.ID)
		require.NoError(t, q.Enqueue(ctx, task))
	}

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return handled.Load() == 20 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, id := range ids {
			if _, err := q.Result(context.Background(), id); err != nil {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestDispatcher_RunWithoutHandlers(t *testing.T) {
	d := NewDispatcher(NewMemoryQueue(1), 1, nil)
	assert.Error(t, d.Run(context.Background()))
}

// fakeRedis is a tiny in-memory stand-in for the Redis commands the queue uses.
type fakeRedis struct {
	lists map[string][][]byte
	keys  map[string][]byte
	ttls  map[string]int
	mu    sync.Mutex
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		lists: make(map[string][][]byte),
		keys:  make(map[string][]byte),
		ttls:  make(map[string]int),
	}
}

type fakeConn struct {
	server *fakeRedis
}

func (c fakeConn) Close() error { return nil }
func (c fakeConn) Err() error { return nil }
func (c fakeConn) Send(string, ...any) error { return nil }
func (c fakeConn) Flush() error { return nil }
func (c fakeConn) Receive() (any, error) { return nil, nil }
func (c fakeConn) Do(cmd string, args ...any) (any, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd {
	case "":
		return nil, nil
	case "PING":
		return "PONG", nil
	case "LPUSH":
		key := args[0].(string)
		s.lists[key] = append([][]byte{args[1].([]byte)}, s.lists[key]...)
		return int64(len(s.lists[key])), nil
	case "BRPOP":
		key := args[0].(string)
		list := s.lists[key]
		if len(list) == 0 {
			s.mu.Unlock()
			time.Sleep(time.Millisecond)
			s.mu.Lock()
			return nil, nil
		}
		last := list[len(list)-1]
		s.lists[key] = list[:len(list)-1]
		return []any{[]byte(key), last}, nil
	case "SETEX":
		key := args[0].(string)
		s.ttls[key] = args[1].(int)
		s.keys[key] = args[2].([]byte)
		return "OK", nil
	case "GET":
		data, ok := s.keys[args[0].(string)]
		if !ok {
			return nil, nil
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported command %s", cmd)
	}
}

func newTestRedisQueue(t *testing.T) (*RedisQueue, *fakeRedis) {
	t.Helper()
	server := newFakeRedis()
	pool := &redis.Pool{
		MaxIdle: 2,
		Dial:    func() (redis.Conn, error) { return fakeConn{server: server}, nil },
	}
	q, err := NewRedisQueue(pool, "derma:test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q, server
}

func TestRedisQueue_FIFO(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	ctx := context.Background()

	first, err := NewTask(TaskAnalyzeImage, AnalyzePayload{ImageID: 1})
	require.NoError(t, err)
	second, err := NewTask(TaskAnalyzeImage, AnalyzePayload{ImageID: 2})
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, second))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.JSONEq(t, string(first.Payload), string(got.Payload))

	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}

func TestRedisQueue_DequeueStopsOnCancel(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisQueue_Results(t *testing.T) {
	q, server := newTestRedisQueue(t)
	ctx := context.Background()

	_, err := q.Result(ctx, "t1")
	assert.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, q.SetResult(ctx, Result{TaskID: "t1", Status: ResultFailed, Error: "boom"}))
	result, err := q.Result(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, result.Status)
	assert.Equal(t, "boom", result.Error)
	assert.Equal(t, 3600, server.ttls["derma:test:result:t1"])
}

func TestNewRedisQueue_RequiresName(t *testing.T) {
	_, err := NewRedisQueue(NewRedisPool("localhost:6379", 1), "")
	assert.ErrorIs(t, err, common.ErrInvalidConfig)
}
