package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/derma-loop/internal/common"
	"github.com/garyburd/redigo/redis"
)

// Redis queue defaults.
const (
	DefaultResultTTL   = time.Hour
	defaultPollTimeout = 1 // seconds, BRPOP granularity
)

// RedisQueue keeps tasks in a Redis list and results in expiring keys.
type RedisQueue struct {
	pool      *redis.Pool
	name      string
	resultTTL time.Duration
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisPool dials addr lazily with up to maxIdle idle connections.
func NewRedisPool(addr string, maxIdle int) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     maxIdle,
		IdleTimeout: 4 * time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", addr)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// NewRedisQueue uses pool for all commands. Tasks are pushed to the left of
// the list named name and popped from the right.
func NewRedisQueue(pool *redis.Pool, name string) (*RedisQueue, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: queue name is empty", common.ErrInvalidConfig)
	}
	return &RedisQueue{pool: pool, name: name, resultTTL: DefaultResultTTL}, nil
}

// SetResultTTL changes how long results are kept.
func (q *RedisQueue) SetResultTTL(ttl time.Duration) {
	q.resultTTL = ttl
}

func (q *RedisQueue) resultKey(taskID string) string {
	return q.name + ":result:" + taskID
}

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}

	conn := q.pool.Get()
	defer func() { _ = conn.Close() }()

	if _, err := conn.Do("LPUSH", q.name, data); err != nil {
		return fmt.Errorf("failed to enqueue task %s: %w", task.ID, err)
	}
	return nil
}

// Dequeue polls with BRPOP so that ctx is checked between timeouts.
func (q *RedisQueue) Dequeue(ctx context.Context) (Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Task{}, err
		}

		task, ok, err := q.pop()
		if err != nil {
			return Task{}, err
		}
		if ok {
			return task, nil
		}
	}
}

func (q *RedisQueue) pop() (Task, bool, error) {
	conn := q.pool.Get()
	defer func() { _ = conn.Close() }()

	reply, err := redis.ByteSlices(conn.Do("BRPOP", q.name, defaultPollTimeout))
	if errors.Is(err, redis.ErrNil) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, fmt.Errorf("failed to dequeue: %w", err)
	}
	if len(reply) != 2 {
		return Task{}, false, fmt.Errorf("unexpected BRPOP reply with %d elements", len(reply))
	}

	var task Task
	if err := json.Unmarshal(reply[1], &task); err != nil {
		return Task{}, false, fmt.Errorf("failed to decode task: %w", err)
	}
	return task, true, nil
}

// SetResult implements Queue.
func (q *RedisQueue) SetResult(ctx context.Context, result Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	conn := q.pool.Get()
	defer func() { _ = conn.Close() }()

	ttl := max(1, int(q.resultTTL.Seconds()))
	if _, err := conn.Do("SETEX", q.resultKey(result.TaskID), ttl, data); err != nil {
		return fmt.Errorf("failed to store result for task %s: %w", result.TaskID, err)
	}
	return nil
}

// Result implements Queue.
func (q *RedisQueue) Result(ctx context.Context, taskID string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn := q.pool.Get()
	defer func() { _ = conn.Close() }()

	data, err := redis.Bytes(conn.Do("GET", q.resultKey(taskID)))
	if errors.Is(err, redis.ErrNil) {
		return nil, fmt.Errorf("%w: result for task %s", common.ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get result for task %s: %w", taskID, err)
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return &result, nil
}

// Close releases the pool.
func (q *RedisQueue) Close() error {
	return q.pool.Close()
}
