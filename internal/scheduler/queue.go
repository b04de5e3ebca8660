package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue is the shared FIFO of pending task ids.
type Queue interface {
	Put(ctx context.Context, id int) error
	// Poll waits up to timeout for an id. ok is false when none arrived.
	Poll(ctx context.Context, timeout time.Duration) (id int, ok bool, err error)
	Len(ctx context.Context) (int, error)
}

// FailureCounter counts failed attempts per task across all workers, and
// records which tasks were finished (scored or abandoned) by any of them.
type FailureCounter interface {
	// Incr adds one failure to id and returns the new count.
	Incr(ctx context.Context, id int) (int, error)
	Get(ctx context.Context, id int) (int, error)
	Snapshot(ctx context.Context) (map[int]int, error)
	// MarkDone records that id reached a terminal state.
	MarkDone(ctx context.Context, id int) error
	Done(ctx context.Context) (map[int]bool, error)
}

// MemoryQueue is an in-process Queue backed by a mutex-guarded slice. Put
// never blocks.
type MemoryQueue struct {
	mu    sync.Mutex
	items []int
	ready chan struct{}
}

// NewMemoryQueue returns an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{ready: make(chan struct{}, 1)}
}

// Put appends id to the tail of the queue.
func (q *MemoryQueue) Put(_ context.Context, id int) error {
	q.mu.Lock()
	q.items = append(q.items, id)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) pop() (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return 0, false
	}
	id := q.items[0]
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.signal()
	}
	return id, true
}

// Poll removes the head of the queue, waiting up to timeout.
func (q *MemoryQueue) Poll(ctx context.Context, timeout time.Duration) (int, bool, error) {
	if id, ok := q.pop(); ok {
		return id, true, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return 0, false, ctx.Err()
		case <-timer.C:
			id, ok := q.pop()
			return id, ok, nil
		case <-q.ready:
			if id, ok := q.pop(); ok {
				return id, true, nil
			}
		}
	}
}

// Len returns the number of queued ids.
func (q *MemoryQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

// MemoryCounter is an in-process FailureCounter.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[int]int
	done   map[int]bool
}

// NewMemoryCounter returns a counter with every task at zero.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[int]int), done: make(map[int]bool)}
}

// Incr implements FailureCounter.
func (c *MemoryCounter) Incr(_ context.Context, id int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[id]++
	return c.counts[id], nil
}

// Get implements FailureCounter.
func (c *MemoryCounter) Get(_ context.Context, id int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[id], nil
}

// Snapshot implements FailureCounter.
func (c *MemoryCounter) Snapshot(context.Context) (map[int]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]int, len(c.counts))
	for id, n := range c.counts {
		out[id] = n
	}
	return out, nil
}

// MarkDone implements FailureCounter.
func (c *MemoryCounter) MarkDone(_ context.Context, id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done[id] = true
	return nil
}

// Done implements FailureCounter.
func (c *MemoryCounter) Done(context.Context) (map[int]bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]bool, len(c.done))
	for id := range c.done {
		out[id] = true
	}
	return out, nil
}

// RedisQueue is a Queue stored in a Redis list, so that workers in several
// processes can share one run.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue uses the list at prefix + ":queue".
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	return &RedisQueue{client: client, key: prefix + ":queue"}
}

// Put pushes id to the tail of the list.
func (q *RedisQueue) Put(ctx context.Context, id int) error {
	if err := q.client.RPush(ctx, q.key, id).Err(); err != nil {
		return fmt.Errorf("redis rpush %s: %w", q.key, err)
	}
	return nil
}

// Poll pops the head of the list, blocking up to timeout.
func (q *RedisQueue) Poll(ctx context.Context, timeout time.Duration) (int, bool, error) {
	res, err := q.client.BLPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis blpop %s: %w", q.key, err)
	}
	// BLPOP replies [key, value].
	if len(res) != 2 {
		return 0, false, fmt.Errorf("redis blpop %s: unexpected reply %v", q.key, res)
	}
	id, err := strconv.Atoi(res[1])
	if err != nil {
		return 0, false, fmt.Errorf("redis blpop %s: bad task id %q: %w", q.key, res[1], err)
	}
	return id, true, nil
}

// Len returns the list length.
func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen %s: %w", q.key, err)
	}
	return int(n), nil
}

// Clear deletes the list.
func (q *RedisQueue) Clear(ctx context.Context) error {
	return q.client.Del(ctx, q.key).Err()
}

// RedisCounter is a FailureCounter stored in a Redis hash of counts and a
// set of finished ids.
type RedisCounter struct {
	client  *redis.Client
	key     string
	doneKey string
}

// NewRedisCounter uses the hash at prefix + ":failures" and the set at
// prefix + ":done".
func NewRedisCounter(client *redis.Client, prefix string) *RedisCounter {
	return &RedisCounter{client: client, key: prefix + ":failures", doneKey: prefix + ":done"}
}

// Incr implements FailureCounter with HINCRBY.
func (c *RedisCounter) Incr(ctx context.Context, id int) (int, error) {
	n, err := c.client.HIncrBy(ctx, c.key, strconv.Itoa(id), 1).Result()
	if err != nil {
		return 0, fmt.Errorf("redis hincrby %s: %w", c.key, err)
	}
	return int(n), nil
}

// Get implements FailureCounter.
func (c *RedisCounter) Get(ctx context.Context, id int) (int, error) {
	n, err := c.client.HGet(ctx, c.key, strconv.Itoa(id)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis hget %s: %w", c.key, err)
	}
	return n, nil
}

// Snapshot implements FailureCounter with HGETALL.
func (c *RedisCounter) Snapshot(ctx context.Context) (map[int]int, error) {
	all, err := c.client.HGetAll(ctx, c.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", c.key, err)
	}
	out := make(map[int]int, len(all))
	for field, v := range all {
		id, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("redis hgetall %s: bad count %q for %s", c.key, v, field)
		}
		out[id] = n
	}
	return out, nil
}

// MarkDone implements FailureCounter with SADD.
func (c *RedisCounter) MarkDone(ctx context.Context, id int) error {
	if err := c.client.SAdd(ctx, c.doneKey, id).Err(); err != nil {
		return fmt.Errorf("redis sadd %s: %w", c.doneKey, err)
	}
	return nil
}

// Done implements FailureCounter with SMEMBERS.
func (c *RedisCounter) Done(ctx context.Context) (map[int]bool, error) {
	members, err := c.client.SMembers(ctx, c.doneKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers %s: %w", c.doneKey, err)
	}
	out := make(map[int]bool, len(members))
	for _, m := range members {
		id, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		out[id] = true
	}
	return out, nil
}

// Clear deletes the hash and the finished set.
func (c *RedisCounter) Clear(ctx context.Context) error {
	return c.client.Del(ctx, c.key, c.doneKey).Err()
}
