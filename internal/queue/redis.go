// Package queue provides a Redis-backed task queue with delayed delivery,
// retries and per-queue parallel dispatch.
package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fenilsonani/mail-automation/internal/metrics"
)

// Common errors
var (
	ErrTaskNotFound = errors.New("task not found")
	ErrQueueClosed  = errors.New("queue is closed")
)

// Task is one unit of queued work. Payload is opaque to the queue.
type Task struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastAttempt time.Time       `json:"last_attempt,omitempty"`
	NextAttempt time.Time       `json:"next_attempt"`
	LastError   string          `json:"last_error,omitempty"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Decode unmarshals the task payload into v.
func (t *Task) Decode(v any) error {
	return json.Unmarshal(t.Payload, v)
}

// Status represents the task status.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusDeferred   Status = "deferred"
)

// Config configures the Redis queue.
type Config struct {
	// RedisURL is the Redis connection URL.
	RedisURL string
	// Prefix is the key prefix for all queue keys.
	Prefix string
	// MaxRetries is the default maximum handler attempts per task.
	MaxRetries int
	// RetryMaxAge is the maximum time to retry before permanent failure.
	RetryMaxAge time.Duration
}

// DefaultConfig returns default queue configuration.
func DefaultConfig() Config {
	return Config{
		RedisURL:    "redis://localhost:6379/0",
		Prefix:      "automation",
		MaxRetries:  5,
		RetryMaxAge: 24 * time.Hour,
	}
}

// EnqueueOptions controls delivery of one task.
type EnqueueOptions struct {
	// Delay postpones the first delivery.
	Delay time.Duration
	// NotBefore postpones the first delivery to an absolute time; it wins over Delay.
	NotBefore time.Time
	// MaxAttempts overrides Config.MaxRetries.
	MaxAttempts int
}

// RedisQueue implements named task queues on Redis sorted sets.
type RedisQueue struct {
	client *redis.Client
	config Config
	closed int32 // atomic: 1 if closed, 0 if open

	wg sync.WaitGroup
}

// NewRedisQueue connects to Redis and returns a queue.
func NewRedisQueue(cfg Config) (*RedisQueue, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}

	opts.MaxRetries = 3
	opts.MinRetryBackoff = 100 * time.Millisecond
	opts.MaxRetryBackoff = 1 * time.Second
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.ConnMaxIdleTime = 5 * time.Minute
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var lastErr error
	for i := 0; i < 3; i++ {
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			break
		}
		if i < 2 {
			time.Sleep(time.Duration(i+1) * time.Second)
		}
	}
	if lastErr != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis after retries: %w", lastErr)
	}

	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, cfg Config) *RedisQueue {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultConfig().Prefix
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.RetryMaxAge <= 0 {
		cfg.RetryMaxAge = DefaultConfig().RetryMaxAge
	}
	return &RedisQueue{client: client, config: cfg}
}

// Key helpers
func (q *RedisQueue) pendingKey(name string) string    { return q.config.Prefix + ":queue:" + name + ":pending" }
func (q *RedisQueue) processingKey(name string) string { return q.config.Prefix + ":queue:" + name + ":processing" }
func (q *RedisQueue) failedKey(name string) string     { return q.config.Prefix + ":queue:" + name + ":failed" }
func (q *RedisQueue) doneKey(name string) string       { return q.config.Prefix + ":queue:" + name + ":done" }
func (q *RedisQueue) statsKey(name string) string      { return q.config.Prefix + ":stats:" + name }
func (q *RedisQueue) taskKey(id string) string         { return q.config.Prefix + ":task:" + id }

func (q *RedisQueue) isClosed() bool {
	return atomic.LoadInt32(&q.closed) == 1
}

// Ping checks the Redis connection.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Enqueue stores payload as a new task on the named queue and returns its id.
func (q *RedisQueue) Enqueue(ctx context.Context, queueName string, payload any, opts EnqueueOptions) (string, error) {
	if q.isClosed() {
		return "", ErrQueueClosed
	}
	q.wg.Add(1)
	defer q.wg.Done()

	if queueName == "" {
		return "", errors.New("queue name is required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	now := time.Now()
	next := now.Add(opts.Delay)
	if !opts.NotBefore.IsZero() {
		next = opts.NotBefore
	}
	task := &Task{
		ID:          generateTaskID(),
		Queue:       queueName,
		Payload:     raw,
		MaxAttempts: opts.MaxAttempts,
		NextAttempt: next,
		Status:      StatusPending,
		CreatedAt:   now,
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = q.config.MaxRetries
	}

	data, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("failed to marshal task: %w", err)
	}

	const maxRetries = 3
	for attempt := 0; attempt < maxRetries; attempt++ {
		pipe := q.client.TxPipeline()
		pipe.Set(ctx, q.taskKey(task.ID), data, 0)
		pipe.ZAdd(ctx, q.pendingKey(queueName), redis.Z{Score: score(task.NextAttempt), Member: task.ID})
		pipe.HIncrBy(ctx, q.statsKey(queueName), "enqueued", 1)

		if _, err = pipe.Exec(ctx); err == nil {
			metrics.QueueEnqueued.WithLabelValues(queueName).Inc()
			return task.ID, nil
		}
		if !isTransientRedisError(err) {
			return "", fmt.Errorf("failed to enqueue task: %w", err)
		}
		if attempt < maxRetries-1 {
			time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
		}
	}
	return "", fmt.Errorf("failed to enqueue task after %d retries: %w", maxRetries, err)
}

// claimScript moves the earliest due task from pending to processing in one
// step so that two consumers never receive the same task.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
redis.call('ZREM', KEYS[1], ids[1])
redis.call('ZADD', KEYS[2], ARGV[1], ids[1])
return ids[1]
`)

// Dequeue claims the next due task of a queue. It returns nil when nothing is due.
func (q *RedisQueue) Dequeue(ctx context.Context, queueName string) (*Task, error) {
	if q.isClosed() {
		return nil, ErrQueueClosed
	}
	q.wg.Add(1)
	defer q.wg.Done()

	now := time.Now()
	id, err := claimScript.Run(ctx, q.client,
		[]string{q.pendingKey(queueName), q.processingKey(queueName)},
		strconv.FormatInt(now.UnixMilli(), 10)).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}

	task, err := q.GetTask(ctx, id)
	if err != nil {
		// Task body vanished; drop the dangling id.
		q.client.ZRem(ctx, q.processingKey(queueName), id)
		return nil, err
	}

	task.Status = StatusProcessing
	task.Attempts++
	task.LastAttempt = now
	if err := q.saveTask(ctx, task, 0); err != nil {
		return nil, err
	}
	return task, nil
}

// Complete marks a task as handled.
func (q *RedisQueue) Complete(ctx context.Context, task *Task) error {
	task.Status = StatusDone
	task.LastError = ""

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(task.Queue), task.ID)
	pipe.ZAdd(ctx, q.doneKey(task.Queue), redis.Z{Score: score(time.Now()), Member: task.ID})
	pipe.HIncrBy(ctx, q.statsKey(task.Queue), "done", 1)
	pipe.Set(ctx, q.taskKey(task.ID), data, 24*time.Hour)
	_, err = pipe.Exec(ctx)
	return err
}

// Retry schedules a task for another attempt with backoff, or fails it when
// attempts or age are exhausted.
func (q *RedisQueue) Retry(ctx context.Context, task *Task, lastError error) error {
	task.LastError = lastError.Error()

	if task.Attempts >= task.MaxAttempts {
		return q.Fail(ctx, task, "max attempts exceeded: "+task.LastError)
	}
	if time.Since(task.CreatedAt) > q.config.RetryMaxAge {
		return q.Fail(ctx, task, "task expired: "+task.LastError)
	}

	task.NextAttempt = calculateNextRetry(task.Attempts)
	task.Status = StatusDeferred

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(task.Queue), task.ID)
	pipe.ZAdd(ctx, q.pendingKey(task.Queue), redis.Z{Score: score(task.NextAttempt), Member: task.ID})
	pipe.HIncrBy(ctx, q.statsKey(task.Queue), "retried", 1)
	pipe.Set(ctx, q.taskKey(task.ID), data, 0)
	_, err = pipe.Exec(ctx)
	return err
}

// Fail permanently fails a task (no more retries).
func (q *RedisQueue) Fail(ctx context.Context, task *Task, reason string) error {
	task.Status = StatusFailed
	task.LastError = reason

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(task.Queue), task.ID)
	pipe.ZRem(ctx, q.pendingKey(task.Queue), task.ID)
	pipe.ZAdd(ctx, q.failedKey(task.Queue), redis.Z{Score: score(time.Now()), Member: task.ID})
	pipe.HIncrBy(ctx, q.statsKey(task.Queue), "failed", 1)
	pipe.Set(ctx, q.taskKey(task.ID), data, 7*24*time.Hour)
	_, err = pipe.Exec(ctx)
	return err
}

// GetTask retrieves a task by ID.
func (q *RedisQueue) GetTask(ctx context.Context, id string) (*Task, error) {
	data, err := q.client.Get(ctx, q.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &task, nil
}

func (q *RedisQueue) saveTask(ctx context.Context, task *Task, ttl time.Duration) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return q.client.Set(ctx, q.taskKey(task.ID), data, ttl).Err()
}

// QueueStats contains per-queue statistics.
type QueueStats struct {
	Pending       int64
	Processing    int64
	Done          int64
	Failed        int64
	TotalEnqueued int64
	TotalDone     int64
	TotalFailed   int64
	TotalRetried  int64
}

// Stats returns statistics for one queue and refreshes its depth gauge.
func (q *RedisQueue) Stats(ctx context.Context, queueName string) (*QueueStats, error) {
	pipe := q.client.TxPipeline()
	pendingCmd := pipe.ZCard(ctx, q.pendingKey(queueName))
	processingCmd := pipe.ZCard(ctx, q.processingKey(queueName))
	doneCmd := pipe.ZCard(ctx, q.doneKey(queueName))
	failedCmd := pipe.ZCard(ctx, q.failedKey(queueName))
	statsCmd := pipe.HGetAll(ctx, q.statsKey(queueName))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	stats := &QueueStats{
		Pending:    pendingCmd.Val(),
		Processing: processingCmd.Val(),
		Done:       doneCmd.Val(),
		Failed:     failedCmd.Val(),
	}
	counters := statsCmd.Val()
	stats.TotalEnqueued, _ = strconv.ParseInt(counters["enqueued"], 10, 64)
	stats.TotalDone, _ = strconv.ParseInt(counters["done"], 10, 64)
	stats.TotalFailed, _ = strconv.ParseInt(counters["failed"], 10, 64)
	stats.TotalRetried, _ = strconv.ParseInt(counters["retried"], 10, 64)

	metrics.QueueDepth.WithLabelValues(queueName).Set(float64(stats.Pending))
	return stats, nil
}

// RecoverStale moves tasks stuck in processing back to pending.
// This handles cases where a worker crashed.
func (q *RedisQueue) RecoverStale(ctx context.Context, queueName string, staleThreshold time.Duration) (int, error) {
	cutoff := strconv.FormatInt(time.Now().Add(-staleThreshold).UnixMilli(), 10)
	ids, err := q.client.ZRangeByScore(ctx, q.processingKey(queueName), &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, id := range ids {
		task, err := q.GetTask(ctx, id)
		if err != nil {
			continue
		}
		if err := q.Retry(ctx, task, errors.New("worker timeout")); err == nil {
			recovered++
		}
	}
	return recovered, nil
}

// Cleanup removes old done/failed entries.
func (q *RedisQueue) Cleanup(ctx context.Context, queueName string, olderThan time.Duration) error {
	if q.isClosed() {
		return ErrQueueClosed
	}
	threshold := strconv.FormatInt(time.Now().Add(-olderThan).UnixMilli(), 10)
	if err := q.client.ZRemRangeByScore(ctx, q.doneKey(queueName), "-inf", threshold).Err(); err != nil {
		return fmt.Errorf("failed to cleanup done tasks: %w", err)
	}
	if err := q.client.ZRemRangeByScore(ctx, q.failedKey(queueName), "-inf", threshold).Err(); err != nil {
		return fmt.Errorf("failed to cleanup failed tasks: %w", err)
	}
	return nil
}

// Close closes the Redis connection gracefully.
func (q *RedisQueue) Close() error {
	if !atomic.CompareAndSwapInt32(&q.closed, 0, 1) {
		return nil
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
	}
	return q.client.Close()
}

// isTransientRedisError checks if an error is transient and worth retrying.
func isTransientRedisError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	for _, marker := range []string{"connection refused", "timeout", "connection reset", "broken pipe", "network", "EOF"} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// calculateNextRetry calculates the next retry time with exponential backoff.
func calculateNextRetry(attempts int) time.Time {
	// Retry intervals: 30s, 1m, 5m, 15m, 1h, then every 1h
	intervals := []time.Duration{
		30 * time.Second,
		1 * time.Minute,
		5 * time.Minute,
		15 * time.Minute,
		1 * time.Hour,
	}

	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(intervals) {
		idx = len(intervals) - 1
	}
	base := intervals[idx]

	// Add jitter: +/- 10%
	jitterRange := int64(base / 10)
	if jitterRange > 0 {
		jitter := time.Duration(time.Now().UnixNano()%jitterRange) - time.Duration(jitterRange/2)
		base += jitter
	}
	return time.Now().Add(base)
}

// generateTaskID generates a unique task ID.
func generateTaskID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), hex.EncodeToString(b))
}
