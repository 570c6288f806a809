package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/fenilsonani/mail-automation/internal/logging"
	"github.com/fenilsonani/mail-automation/internal/metrics"
)

// Handler processes one task. Returning an error retries the task with
// backoff unless the error is wrapped with Permanent.
type Handler func(ctx context.Context, task *Task) error

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// DispatcherConfig configures polling and recovery.
type DispatcherConfig struct {
	PollInterval     time.Duration
	RecoveryInterval time.Duration
	StaleAfter       time.Duration
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PollInterval:     time.Second,
		RecoveryInterval: time.Minute,
		StaleAfter:       10 * time.Minute,
	}
}

type route struct {
	queue       string
	parallelism int
	handler     Handler
}

// Dispatcher runs a fixed number of workers per queue so a burst on one
// queue cannot starve another or overwhelm downstream providers.
type Dispatcher struct {
	queue  *RedisQueue
	config DispatcherConfig
	logger *logging.Logger
	routes []route

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher over q.
func NewDispatcher(q *RedisQueue, cfg DispatcherConfig, logger *logging.Logger) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = def.RecoveryInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{queue: q, config: cfg, logger: logger.Queue()}
}

// Handle registers the handler for a queue. Must be called before Start.
func (d *Dispatcher) Handle(queueName string, parallelism int, h Handler) {
	if parallelism <= 0 {
		parallelism = 1
	}
	d.routes = append(d.routes, route{queue: queueName, parallelism: parallelism, handler: h})
}

// Start launches workers and the stale-task recovery loop.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)

	for _, r := range d.routes {
		d.logger.Info("Starting queue workers", "queue", r.queue, "parallelism", r.parallelism)
		for i := 0; i < r.parallelism; i++ {
			d.wg.Add(1)
			go d.worker(ctx, r, i)
		}
	}

	d.wg.Add(1)
	go d.recoveryWorker(ctx)
}

// Stop stops workers and waits for in-flight tasks.
func (d *Dispatcher) Stop() {
	if d.cancel == nil {
		return
	}
	d.logger.Info("Stopping queue workers")
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context, r route, id int) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := d.queue.Dequeue(ctx, r.queue)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) || ctx.Err() != nil {
				return
			}
			d.logger.Error("Failed to dequeue task", "queue", r.queue, "worker_id", id, "error", err.Error())
			d.sleep(ctx, time.Second)
			continue
		}
		if task == nil {
			d.sleep(ctx, d.config.PollInterval)
			continue
		}

		d.process(ctx, r, task)
	}
}

// process runs the handler and settles the task. Settling uses a context
// that survives shutdown so a finished task is not redelivered.
func (d *Dispatcher) process(ctx context.Context, r route, task *Task) {
	logger := d.logger.WithFields("queue", r.queue, "task_id", task.ID, "attempt", task.Attempts)
	start := time.Now()

	err := d.run(ctx, r.handler, task)
	metrics.HandlerDuration.WithLabelValues(r.queue).Observe(time.Since(start).Seconds())

	settle := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		if cErr := d.queue.Complete(settle, task); cErr != nil {
			logger.Error("Failed to complete task", "error", cErr.Error())
		}
	case IsPermanent(err):
		logger.Error("Task failed permanently", "error", err.Error())
		metrics.RecordError("queue", r.queue)
		if fErr := d.queue.Fail(settle, task, err.Error()); fErr != nil {
			logger.Error("Failed to mark task failed", "error", fErr.Error())
		}
	default:
		logger.Warn("Task failed, will retry", "error", err.Error())
		metrics.RecordError("queue", r.queue)
		if rErr := d.queue.Retry(settle, task, err); rErr != nil {
			logger.Error("Failed to retry task", "error", rErr.Error())
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, h Handler, task *Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v\n%s", p, debug.Stack())
		}
	}()
	return h(ctx, task)
}

func (d *Dispatcher) recoveryWorker(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RecoverOnce(ctx)
		}
	}
}

// RecoverOnce requeues stale tasks on every registered queue and refreshes
// queue depth metrics.
func (d *Dispatcher) RecoverOnce(ctx context.Context) int {
	total := 0
	for _, r := range d.routes {
		recovered, err := d.queue.RecoverStale(ctx, r.queue, d.config.StaleAfter)
		if err != nil {
			d.logger.Error("Stale recovery failed", "queue", r.queue, "error", err.Error())
			continue
		}
		if recovered > 0 {
			d.logger.Info("Recovered stale tasks", "queue", r.queue, "count", recovered)
		}
		total += recovered
		if _, err := d.queue.Stats(ctx, r.queue); err != nil {
			d.logger.Debug("Queue stats failed", "queue", r.queue, "error", err.Error())
		}
	}
	return total
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
